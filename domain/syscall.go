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

package domain

// SyscallHandler is an in-kernel syscall implementation.
type SyscallHandler func(caller ProcessIface, args []interface{}) (interface{}, error)

// SyscallOverrideHandler receives calls rewritten as IPC signals to a
// user-space server (e.g. the Pipeline Manager), per spec §4.4.
type SyscallOverrideHandler func(caller ProcessIface, name string, args []interface{}) error

// SyscallRecord is one entry of the syscall table.
type SyscallRecord struct {
	Name    string
	Handler SyscallHandler
	Rings   map[Ring]bool
}

// DispatcherIface is the syscall dispatcher (spec §4.4).
type DispatcherIface interface {
	Register(rec SyscallRecord)
	RegisterOverride(name string, owner Pid, h SyscallOverrideHandler) error
	UnregisterOverride(name string)
	Invoke(caller ProcessIface, name string, args []interface{}) (interface{}, error)
	Sanitize(v interface{}) interface{}

	// Fingerprint returns a canonical string identity of the syscall table
	// (name order, each handler's address, and its ring-grant set) plus the
	// override map, for PatchGuard's boot-time snapshot and tick comparison
	// (spec §4.8).
	Fingerprint() string
}
