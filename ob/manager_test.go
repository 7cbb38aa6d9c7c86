//
// Copyright 2024 The Nanokernel Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//    https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//

package ob

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

type fileBody struct{}

func (fileBody) Waitable() bool  { return false }
func (fileBody) Signalled() bool { return false }

func Test_InsertObject_RefcountReachesOneAndFreesOnDelete(t *testing.T) {
	m := NewManager()
	obj := m.CreateObject(domain.ObjIoFile, fileBody{})

	assert.NoError(t, m.InsertObject(obj, `\Device\uart0`))
	assert.EqualValues(t, 1, obj.Refcount())

	got, ok := m.LookupObject(`\Device\uart0`)
	assert.True(t, ok)
	assert.Same(t, obj, got.(domain.ObjectIface))

	assert.NoError(t, m.DeleteObject(`\Device\uart0`))
	assert.True(t, obj.Freed())

	_, ok = m.LookupObject(`\Device\uart0`)
	assert.False(t, ok)
}

func Test_InsertObject_DuplicateNameRejected(t *testing.T) {
	m := NewManager()
	a := m.CreateObject(domain.ObjIoFile, fileBody{})
	b := m.CreateObject(domain.ObjIoFile, fileBody{})

	assert.NoError(t, m.InsertObject(a, `\Device\a`))
	assert.Error(t, m.InsertObject(b, `\Device\a`))
}

func Test_CreateHandle_SynapseTokenMismatchDenied(t *testing.T) {
	m := NewManager()
	obj := m.CreateObject(domain.ObjIoFile, fileBody{})
	assert.NoError(t, m.InsertObject(obj, `\Device\a`))

	tok, err := m.CreateHandle(domain.Pid(7), obj, 0x3, "correct-synapse", false)
	assert.NoError(t, err)

	_, err = m.ReferenceObjectByHandle(domain.Pid(7), tok, 0x1, "wrong-synapse")
	assert.True(t, kerr.Is(err, kerr.SynapseTokenMismatch))

	got, err := m.ReferenceObjectByHandle(domain.Pid(7), tok, 0x1, "correct-synapse")
	assert.NoError(t, err)
	assert.Same(t, obj, got.(domain.ObjectIface))
}

func Test_CreateHandle_AccessMaskExceedsGrantDenied(t *testing.T) {
	m := NewManager()
	obj := m.CreateObject(domain.ObjIoFile, fileBody{})
	assert.NoError(t, m.InsertObject(obj, `\Device\a`))

	tok, err := m.CreateHandle(domain.Pid(1), obj, 0x1, "tok", false)
	assert.NoError(t, err)

	_, err = m.ReferenceObjectByHandle(domain.Pid(1), tok, 0x2, "tok")
	assert.True(t, kerr.Is(err, kerr.AccessDenied))
}

func Test_CloseHandle_DereferencesExactlyOnce(t *testing.T) {
	m := NewManager()
	obj := m.CreateObject(domain.ObjIoFile, fileBody{})
	assert.NoError(t, m.InsertObject(obj, `\Device\a`))

	tok, err := m.CreateHandle(domain.Pid(1), obj, 0x1, "tok", false)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, obj.Refcount())

	assert.NoError(t, m.CloseHandle(domain.Pid(1), tok))
	assert.EqualValues(t, 1, obj.Refcount())
	assert.False(t, obj.Freed())

	assert.Error(t, m.CloseHandle(domain.Pid(1), tok))
}

func Test_DestroyProcessHandles_ClosesEveryHandle(t *testing.T) {
	m := NewManager()
	obj := m.CreateObject(domain.ObjIoFile, fileBody{})
	assert.NoError(t, m.InsertObject(obj, `\Device\a`))

	_, err := m.CreateHandle(domain.Pid(3), obj, 0x1, "tok", false)
	assert.NoError(t, err)
	_, err = m.CreateHandle(domain.Pid(3), obj, 0x1, "tok", false)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, obj.Refcount())

	m.DestroyProcessHandles(domain.Pid(3))
	assert.EqualValues(t, 1, obj.Refcount())
}

func Test_DuplicateInheritable_CopiesOnlyInheritableHandles(t *testing.T) {
	m := NewManager()
	obj := m.CreateObject(domain.ObjIoFile, fileBody{})
	assert.NoError(t, m.InsertObject(obj, `\Device\a`))

	_, err := m.CreateHandle(domain.Pid(1), obj, 0x1, "parent-tok", true)
	assert.NoError(t, err)
	_, err = m.CreateHandle(domain.Pid(1), obj, 0x1, "parent-tok", false)
	assert.NoError(t, err)

	assert.NoError(t, m.DuplicateInheritable(domain.Pid(1), domain.Pid(2), "child-tok"))

	_, ok := m.stdio[domain.Pid(2)]
	_ = ok
	assert.Len(t, m.handles[domain.Pid(2)], 1)
}

func Test_SymbolicLink_ResolvesToTarget(t *testing.T) {
	m := NewManager()
	obj := m.CreateObject(domain.ObjIoFile, fileBody{})
	assert.NoError(t, m.InsertObject(obj, `\Device\real`))
	assert.NoError(t, m.CreateSymbolicLink(`\DosDevices\alias`, `\Device\real`))

	got, ok := m.LookupObject(`\DosDevices\alias`)
	assert.True(t, ok)
	assert.Same(t, obj, got.(domain.ObjectIface))
}

func Test_SymbolicLink_CycleBoundedByIndirectionLimit(t *testing.T) {
	m := NewManager()
	assert.NoError(t, m.CreateSymbolicLink(`\a`, `\b`))
	assert.NoError(t, m.CreateSymbolicLink(`\b`, `\a`))

	_, ok := m.LookupObject(`\a`)
	assert.False(t, ok)
}

func Test_MintToken_ProducesDistinctTokens(t *testing.T) {
	m := NewManager()
	seen := make(map[string]bool, 10000)
	for i := 0; i < 10000; i++ {
		tok, err := m.mintToken(domain.Pid(1))
		assert.NoError(t, err)
		assert.False(t, seen[tok], fmt.Sprintf("collision at iteration %d", i))
		seen[tok] = true
	}
}

var _ domain.ObjectManagerIface = (*Manager)(nil)
