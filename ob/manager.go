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
	"crypto/rand"
	"encoding/base32"
	"sync"

	iradix "github.com/hashicorp/go-immutable-radix"
	uuid "github.com/hashicorp/go-uuid"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

// SymlinkMaxIndirection bounds symlink resolution (spec §4.5: "bounded
// indirection of 8 to prevent loops").
const SymlinkMaxIndirection = 8

// symlinkBody is the ObjIpcSymlink payload.
type symlinkBody struct {
	target string
}

func (symlinkBody) Waitable() bool  { return false }
func (symlinkBody) Signalled() bool { return false }

// Manager is the Object Manager (spec §4.5).
type Manager struct {
	mu       sync.RWMutex
	nsTree   *iradix.Tree // path -> *object
	handles  map[domain.Pid]map[string]*domain.HandleEntry
	stdio    map[domain.Pid]map[int]string
	tokSeq   map[domain.Pid]uint64
	freeWake func(obj domain.ObjectIface, waiters []domain.Pid)
}

// SetFreeWaker installs the callback invoked when an object's refcount
// reaches zero, so the IPC wait engine can wake every process blocked on it
// with an error (spec §4.5: "Waiters attached to the object must all be
// woken with error on Freed"). ob has no import on ipc to avoid a cycle;
// the kernel wiring sets this once both services exist.
func (m *Manager) SetFreeWaker(fn func(obj domain.ObjectIface, waiters []domain.Pid)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.freeWake = fn
}

// NewManager constructs an Object Manager with the canonical root subtrees
// pre-created as plain device containers (spec §4.5: \Device, \DosDevices,
// \Pipe, \Section, \Mqueue).
func NewManager() *Manager {
	m := &Manager{
		nsTree:  iradix.New(),
		handles: make(map[domain.Pid]map[string]*domain.HandleEntry),
		stdio:   make(map[domain.Pid]map[int]string),
		tokSeq:  make(map[domain.Pid]uint64),
	}
	return m
}

// CreateObject allocates an object with refcount 0 (not yet Named or Held).
func (m *Manager) CreateObject(t domain.ObjectType, body domain.ObjectBody) domain.ObjectIface {
	obj := &object{typ: t, body: body}
	obj.onFree = m.onObjectFreed
	return obj
}

func (m *Manager) onObjectFreed(obj *object) {
	name := obj.Name()
	if name != "" {
		m.mu.Lock()
		tree, _, ok := m.nsTree.Delete([]byte(name))
		if ok {
			m.nsTree = tree
		}
		m.mu.Unlock()
	}

	waiters := obj.Waiters()
	m.mu.RLock()
	wake := m.freeWake
	m.mu.RUnlock()
	if wake != nil && len(waiters) > 0 {
		wake(obj, waiters)
	}
}

// InsertObject names obj at path, taking the one reference a named slot
// holds (spec §3: "refcount = inbound edges").
func (m *Manager) InsertObject(obj domain.ObjectIface, path string) error {
	o, ok := obj.(*object)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "not a manager-owned object")
	}

	m.mu.Lock()
	if _, found := m.nsTree.Get([]byte(path)); found {
		m.mu.Unlock()
		return kerr.New(kerr.DeviceAlreadyExists, "object already named %s", path)
	}
	tree, _, _ := m.nsTree.Insert([]byte(path), o)
	m.nsTree = tree
	m.mu.Unlock()

	o.SetName(path)
	o.Reference()
	return nil
}

// LookupObject resolves path, following symbolic links (bounded to
// SymlinkMaxIndirection hops) the way teacher process.pathAccess follows
// symlinks with an ELOOP-style bound.
func (m *Manager) LookupObject(path string) (domain.ObjectIface, bool) {
	cur := path
	for hop := 0; hop <= SymlinkMaxIndirection; hop++ {
		m.mu.RLock()
		raw, ok := m.nsTree.Get([]byte(cur))
		m.mu.RUnlock()
		if !ok {
			return nil, false
		}
		o := raw.(*object)
		if o.typ != domain.ObjIpcSymlink {
			return o, true
		}
		sb, ok := o.Body().(symlinkBody)
		if !ok {
			return nil, false
		}
		cur = sb.target
	}
	return nil, false // loop / too many indirections
}

// DeleteObject removes the namespace's named reference to path (one
// Dereference); the object itself is only actually freed once every
// reference, named or handle-held, is gone.
func (m *Manager) DeleteObject(path string) error {
	m.mu.Lock()
	raw, ok := m.nsTree.Get([]byte(path))
	if !ok {
		m.mu.Unlock()
		return kerr.New(kerr.NoSuchFile, "no object named %s", path)
	}
	tree, _, _ := m.nsTree.Delete([]byte(path))
	m.nsTree = tree
	m.mu.Unlock()

	o := raw.(*object)
	o.SetName("")
	o.Dereference()
	return nil
}

// CreateSymbolicLink inserts a pure, cycle-guarded redirection object at
// src pointing to target. Resolution happens lazily on lookup.
func (m *Manager) CreateSymbolicLink(src, target string) error {
	obj := &object{typ: domain.ObjIpcSymlink, body: symlinkBody{target: target}}
	obj.onFree = m.onObjectFreed
	return m.InsertObject(obj, src)
}

// ReferenceObject / DereferenceObject are the explicit-reference primitives
// (spec §4.5) for callers holding a raw *object pointer outside a handle.
func (m *Manager) ReferenceObject(obj domain.ObjectIface) int32   { return obj.Reference() }
func (m *Manager) DereferenceObject(obj domain.ObjectIface) int32 { return obj.Dereference() }

// mintToken produces an unguessable, >=64-bit-entropy opaque string token,
// combining a per-process monotonic counter with host randomness (spec
// §4.5: "entropy from monotonic uptime, a process-local counter, and a
// host random source"). go-uuid supplies the random bytes, the same public
// dependency the Xuanwo nomad driver pulls in for unguessable IDs.
func (m *Manager) mintToken(owner domain.Pid) (string, error) {
	raw, err := uuid.GenerateRandomBytes(20)
	if err != nil {
		// Fall back to crypto/rand directly; go-uuid itself reads from it,
		// so this only triggers if the host RNG is unavailable.
		raw = make([]byte, 20)
		if _, rerr := rand.Read(raw); rerr != nil {
			return "", kerr.Wrap(kerr.Unsuccessful, rerr)
		}
	}

	m.mu.Lock()
	m.tokSeq[owner]++
	seq := m.tokSeq[owner]
	m.mu.Unlock()

	enc := base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw)
	return "h-" + enc + "-" + itoa(uint64(owner)) + "-" + itoa(seq), nil
}

func itoa(v uint64) string {
	if v == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[i:])
}

// CreateHandle mints a new handle token bound to obj, taking one reference.
func (m *Manager) CreateHandle(owner domain.Pid, obj domain.ObjectIface, accessMask uint32, synapseToken string, inheritable bool) (string, error) {
	token, err := m.mintToken(owner)
	if err != nil {
		return "", err
	}

	obj.Reference()

	m.mu.Lock()
	if _, ok := m.handles[owner]; !ok {
		m.handles[owner] = make(map[string]*domain.HandleEntry)
	}
	m.handles[owner][token] = &domain.HandleEntry{
		Token:        token,
		Object:       obj,
		AccessMask:   accessMask,
		SynapseToken: synapseToken,
		Inheritable:  inheritable,
	}
	m.mu.Unlock()

	return token, nil
}

// CloseHandle decrements the target object's refcount exactly once and
// frees the table slot; the token is never reissued for this process.
func (m *Manager) CloseHandle(owner domain.Pid, token string) error {
	m.mu.Lock()
	table, ok := m.handles[owner]
	if !ok {
		m.mu.Unlock()
		return kerr.New(kerr.HandleNotFound, "no handle table for pid %d", owner)
	}
	entry, ok := table[token]
	if !ok {
		m.mu.Unlock()
		return kerr.New(kerr.HandleNotFound, "handle %s not found", token)
	}
	delete(table, token)
	m.mu.Unlock()

	entry.Object.Dereference()
	return nil
}

// ReferenceObjectByHandle resolves token to its object, enforcing the
// access-mask policy and synapse-token recheck (spec §4.5).
func (m *Manager) ReferenceObjectByHandle(owner domain.Pid, token string, desiredAccess uint32, synapseToken string) (domain.ObjectIface, error) {
	m.mu.RLock()
	table, ok := m.handles[owner]
	if !ok {
		m.mu.RUnlock()
		return nil, kerr.New(kerr.HandleNotFound, "no handle table for pid %d", owner)
	}
	entry, ok := table[token]
	m.mu.RUnlock()
	if !ok {
		return nil, kerr.New(kerr.HandleNotFound, "handle %s not found", token)
	}

	if entry.SynapseToken != synapseToken {
		return nil, kerr.New(kerr.SynapseTokenMismatch, "token mismatch on handle %s", token)
	}
	if desiredAccess&^entry.AccessMask != 0 {
		return nil, kerr.New(kerr.AccessDenied, "access mask %#x exceeds grant %#x", desiredAccess, entry.AccessMask)
	}
	if entry.Object.Freed() {
		return nil, kerr.New(kerr.InvalidHandle, "handle %s refers to a freed object", token)
	}
	return entry.Object, nil
}

// DuplicateInheritable copies every inheritable handle from parent into
// child, substituting the child's synapse token (spec §4.5: handle
// inheritance on spawn).
func (m *Manager) DuplicateInheritable(parent, child domain.Pid, childToken string) error {
	m.mu.Lock()
	parentTable, ok := m.handles[parent]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	var toCopy []*domain.HandleEntry
	for _, e := range parentTable {
		if e.Inheritable {
			toCopy = append(toCopy, e)
		}
	}
	m.mu.Unlock()

	for _, e := range toCopy {
		if _, err := m.CreateHandle(child, e.Object, e.AccessMask, childToken, true); err != nil {
			return err
		}
	}
	return nil
}

// DestroyProcessHandles closes every handle owned by owner, each
// dereferencing its object exactly once (spec §3: "destroying a process
// closes all its handles before removal").
func (m *Manager) DestroyProcessHandles(owner domain.Pid) {
	m.mu.Lock()
	table := m.handles[owner]
	delete(m.handles, owner)
	delete(m.stdio, owner)
	delete(m.tokSeq, owner)
	m.mu.Unlock()

	for _, e := range table {
		e.Object.Dereference()
	}
}

// SetStandardHandle / GetStandardHandle manage the tiny per-process
// stdin/stdout/stderr map (spec §3).
func (m *Manager) SetStandardHandle(owner domain.Pid, slot int, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.stdio[owner]; !ok {
		m.stdio[owner] = make(map[int]string)
	}
	m.stdio[owner][slot] = token
	return nil
}

func (m *Manager) GetStandardHandle(owner domain.Pid, slot int) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tok, ok := m.stdio[owner][slot]
	return tok, ok
}

// DumpDirectory lists object names under a namespace prefix.
func (m *Manager) DumpDirectory(path string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	prefix := []byte(path)
	m.nsTree.Root().WalkPrefix(prefix, func(k []byte, v interface{}) bool {
		out = append(out, string(k))
		return false
	})
	return out, nil
}

var _ domain.ObjectManagerIface = (*Manager)(nil)
