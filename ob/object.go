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

// Package ob implements the Object Manager (spec §4.5): typed
// reference-counted objects in a hierarchical namespace rooted at `\`,
// symbolic links, and per-process handle tables with token-bound handle
// minting. The namespace is indexed with a hashicorp/go-immutable-radix
// tree, reusing exactly the shape handler/handlerDB.go uses
// to look up handlers by filesystem path.
package ob

import (
	"sync"

	"github.com/nanokernel/kernel/domain"
)

// object is the concrete ObjectIface implementation. State machine:
// Created -> Named (if inserted) -> Held (refcount > 0) -> Unreachable ->
// Freed (spec §4.5).
type object struct {
	mu       sync.Mutex
	typ      domain.ObjectType
	name     string
	body     domain.ObjectBody
	refcount int32
	waiters  []domain.Pid
	freed    bool

	// onFree is invoked exactly once, the moment refcount drops to zero,
	// so the owning ObjectManager can detach the object from the
	// namespace and wake waiters with an error.
	onFree func(*object)
}

func (o *object) Type() domain.ObjectType { return o.typ }

func (o *object) Name() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.name
}

func (o *object) SetName(n string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.name = n
}

func (o *object) Body() domain.ObjectBody { return o.body }

func (o *object) Refcount() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.refcount
}

// Reference increments the refcount. Every call must be paired with exactly
// one Dereference (spec §4.5 invariant).
func (o *object) Reference() int32 {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.freed {
		return o.refcount
	}
	o.refcount++
	return o.refcount
}

// Dereference decrements the refcount; at zero the object transitions to
// Freed and onFree runs exactly once.
func (o *object) Dereference() int32 {
	o.mu.Lock()
	if o.freed {
		o.mu.Unlock()
		return 0
	}
	o.refcount--
	rc := o.refcount
	shouldFree := rc <= 0
	if shouldFree {
		o.freed = true
	}
	o.mu.Unlock()

	if shouldFree && o.onFree != nil {
		o.onFree(o)
	}
	return rc
}

func (o *object) AddWaiter(pid domain.Pid) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.waiters = append(o.waiters, pid)
}

func (o *object) RemoveWaiter(pid domain.Pid) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, w := range o.waiters {
		if w == pid {
			o.waiters = append(o.waiters[:i], o.waiters[i+1:]...)
			return
		}
	}
}

func (o *object) Waiters() []domain.Pid {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Pid, len(o.waiters))
	copy(out, o.waiters)
	return out
}

func (o *object) Freed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.freed
}

var _ domain.ObjectIface = (*object)(nil)
