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

// Package dispatch implements the syscall dispatcher (spec §4.4): a
// name-indexed syscall table with ring grants, override forwarding to a
// user-space server, cross-boundary argument sanitization, per-process
// rate limiting, and the shared privilege rules every kill/signal-like
// syscall must apply. The table itself reuses
// handler/handlerDB.go's radix-indexed lookup, generalized from filesystem
// paths to syscall names.
package dispatch

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"

	iradix "github.com/hashicorp/go-immutable-radix"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

const (
	sanitizeMaxDepth = 16
	sanitizeMaxItems = 4096

	rateLimitWindow = time.Second
	rateLimitMax    = 10000

	maxAncestorWalk = 128
)

type overrideEntry struct {
	owner   domain.Pid
	handler domain.SyscallOverrideHandler
}

type rateWindow struct {
	start time.Time
	count int
}

// Service is the syscall dispatcher.
type Service struct {
	mu        sync.RWMutex
	table     *iradix.Tree
	overrides map[string]overrideEntry
	rates     map[domain.Pid]*rateWindow

	ps    domain.ProcessServiceIface
	dmesg domain.DmesgIface
}

// NewService constructs an empty syscall table.
func NewService() *Service {
	return &Service{
		table:     iradix.New(),
		overrides: make(map[string]overrideEntry),
		rates:     make(map[domain.Pid]*rateWindow),
	}
}

// Setup wires the process table (for kill-on-violation and override-owner
// ring lookups) and the dmesg log.
func (s *Service) Setup(ps domain.ProcessServiceIface, dmesg domain.DmesgIface) {
	s.ps = ps
	s.dmesg = dmesg
}

func (s *Service) logf(level domain.Level, pid domain.Pid, format string, args ...interface{}) {
	if s.dmesg == nil {
		return
	}
	s.dmesg.Printf(level, pid, format, args...)
}

// Register installs a syscall record, replacing any prior entry of the
// same name.
func (s *Service) Register(rec domain.SyscallRecord) {
	cp := rec
	s.mu.Lock()
	tree, _, _ := s.table.Insert([]byte(rec.Name), &cp)
	s.table = tree
	s.mu.Unlock()
}

// RegisterOverride makes owner the forwarding target for name; name must
// already be a registered syscall.
func (s *Service) RegisterOverride(name string, owner domain.Pid, h domain.SyscallOverrideHandler) error {
	s.mu.RLock()
	_, found := s.table.Get([]byte(name))
	s.mu.RUnlock()
	if !found {
		return kerr.New(kerr.NotImplemented, "cannot override unregistered syscall: %s", name)
	}

	s.mu.Lock()
	s.overrides[name] = overrideEntry{owner: owner, handler: h}
	s.mu.Unlock()
	return nil
}

func (s *Service) UnregisterOverride(name string) {
	s.mu.Lock()
	delete(s.overrides, name)
	s.mu.Unlock()
}

func (s *Service) killViolator(caller domain.ProcessIface, reason string) {
	if s.ps != nil {
		s.ps.Kill(caller.Pid(), reason)
	}
	s.logf(domain.LevelSec, caller.Pid(), "syscall violation: %s", reason)
}

func (s *Service) rateLimited(caller domain.ProcessIface) bool {
	pid := caller.Pid()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.rates[pid]
	if !ok || now.Sub(w.start) >= rateLimitWindow {
		s.rates[pid] = &rateWindow{start: now, count: 1}
		return false
	}
	w.count++
	return w.count > rateLimitMax
}

// Invoke looks up name, enforces the ring grant and rate limit, then either
// forwards to an override owner or runs the in-kernel handler (spec §4.4).
func (s *Service) Invoke(caller domain.ProcessIface, name string, args []interface{}) (interface{}, error) {
	s.mu.RLock()
	raw, found := s.table.Get([]byte(name))
	s.mu.RUnlock()
	if !found {
		return nil, kerr.New(kerr.NotImplemented, "no such syscall: %s", name)
	}
	rec := raw.(*domain.SyscallRecord)

	if !rec.Rings[caller.Ring()] {
		s.killViolator(caller, fmt.Sprintf("RING VIOLATION: ring %s not granted %q", caller.Ring(), name))
		return nil, kerr.New(kerr.AccessDenied, "ring %s not granted %q", caller.Ring(), name)
	}

	// The 10k/s rate limit is scoped to ring 3 specifically (spec §4.4), a
	// narrower boundary than the ring>=2.5 sanitization cutoff below: ring
	// 2.5 driver-host processes aren't subject to it.
	if caller.Ring() == domain.Ring3 && s.rateLimited(caller) {
		s.killViolator(caller, fmt.Sprintf("syscall rate limit exceeded (%d/s)", rateLimitMax))
		return nil, kerr.New(kerr.AccessDenied, "syscall rate limit exceeded")
	}

	s.mu.RLock()
	entry, overridden := s.overrides[name]
	s.mu.RUnlock()

	if !overridden {
		return rec.Handler(caller, args)
	}

	ownerRing := domain.Ring3
	if s.ps != nil {
		if owner, ok := s.ps.Get(entry.owner); ok {
			ownerRing = owner.Ring()
		}
	}

	sanitized := args
	if domain.Ring2_5.AtLeast(caller.Ring()) && !domain.Ring2_5.AtLeast(ownerRing) {
		out := make([]interface{}, len(args))
		for i, a := range args {
			out[i] = s.Sanitize(a)
		}
		sanitized = out
	}

	caller.SetStatus(domain.StatusSleeping)
	caller.SetWaitReason(domain.WaitSyscall)
	if err := entry.handler(caller, name, sanitized); err != nil {
		caller.SetStatus(domain.StatusReady)
		caller.SetWaitReason(domain.WaitNone)
		return nil, err
	}
	return nil, kerr.New(kerr.Pending, "forwarded to user-space server")
}

// Sanitize deep-copies v for a cross-ring boundary crossing, rejecting
// host-callable values (funcs, chans, raw pointers), capping recursion
// depth at 16 and total item count at 4096, and breaking back-references
// by refusing to walk into a slice/map it has already visited. It never
// errors: anything it can't safely represent becomes nil (spec §4.4).
func (s *Service) Sanitize(v interface{}) interface{} {
	items := 0
	seen := make(map[uintptr]bool)
	return sanitizeValue(reflect.ValueOf(v), 0, &items, seen)
}

func sanitizeValue(rv reflect.Value, depth int, items *int, seen map[uintptr]bool) interface{} {
	if !rv.IsValid() {
		return nil
	}
	*items++
	if depth > sanitizeMaxDepth || *items > sanitizeMaxItems {
		return nil
	}

	switch rv.Kind() {
	case reflect.Bool:
		return rv.Bool()
	case reflect.String:
		return rv.String()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return rv.Uint()
	case reflect.Float32, reflect.Float64:
		return rv.Float()
	case reflect.Interface:
		return sanitizeValue(rv.Elem(), depth, items, seen)
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice {
			if rv.IsNil() {
				return nil
			}
			ptr := rv.Pointer()
			if seen[ptr] {
				return nil
			}
			seen[ptr] = true
		}
		out := make([]interface{}, 0, rv.Len())
		for i := 0; i < rv.Len(); i++ {
			out = append(out, sanitizeValue(rv.Index(i), depth+1, items, seen))
		}
		return out
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		ptr := rv.Pointer()
		if seen[ptr] {
			return nil
		}
		seen[ptr] = true
		out := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			key := fmt.Sprintf("%v", iter.Key().Interface())
			out[key] = sanitizeValue(iter.Value(), depth+1, items, seen)
		}
		return out
	default:
		// Funcs, chans, raw pointers, and unexported struct internals are
		// exactly the host-callable/metadata surface the boundary must not
		// leak; drop them rather than guess at a safe projection.
		return nil
	}
}

// isAncestor reports whether ancestor appears in pid's parent chain,
// walking up through ProcessServiceIface.Get bounded by maxAncestorWalk.
func isAncestor(ps domain.ProcessServiceIface, ancestor, pid domain.Pid) bool {
	cur := pid
	for i := 0; i < maxAncestorWalk; i++ {
		p, ok := ps.Get(cur)
		if !ok {
			return false
		}
		parent := p.ParentPid()
		if parent == cur {
			return false
		}
		if parent == ancestor {
			return true
		}
		cur = parent
	}
	return false
}

// CheckSignalPrivilege enforces spec §4.4's shared rules for every
// kill/signal-like syscall: the kernel-protected boot pid may only be
// signalled by Ring0; a process may not signal a strictly more privileged
// one; a process may not signal its own ancestor; a Ring3 non-root process
// may only signal itself or its own descendants.
func CheckSignalPrivilege(ps domain.ProcessServiceIface, caller, target domain.ProcessIface) error {
	if target.Pid() == domain.KernelBootPid && caller.Ring() != domain.Ring0 {
		return kerr.New(kerr.AccessDenied, "kernel-protected pid may only be signalled by ring 0")
	}
	if target.Ring().MorePrivilegedThan(caller.Ring()) {
		return kerr.New(kerr.AccessDenied, "cannot signal a more privileged process")
	}
	if isAncestor(ps, target.Pid(), caller.Pid()) {
		return kerr.New(kerr.AccessDenied, "cannot signal an ancestor process")
	}
	if caller.Ring() == domain.Ring3 && caller.Uid() != 0 {
		if target.Pid() != caller.Pid() && !isAncestor(ps, caller.Pid(), target.Pid()) {
			return kerr.New(kerr.AccessDenied, "ring 3 non-root may only signal self or descendants")
		}
	}
	return nil
}

// Fingerprint walks the syscall table in name order and renders each
// record's handler identity and ring-grant set, then appends the override
// map, into one canonical string (spec §4.8). PatchGuard hashes this at arm
// time and on every tick; any mismatch means a syscall table, ring grant, or
// override entry changed underneath the kernel.
func (s *Service) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var b strings.Builder
	s.table.Root().Walk(func(k []byte, v interface{}) bool {
		rec := v.(*domain.SyscallRecord)
		rings := make([]string, 0, len(rec.Rings))
		for r, granted := range rec.Rings {
			if granted {
				rings = append(rings, r.String())
			}
		}
		sort.Strings(rings)
		fmt.Fprintf(&b, "%s|%p|%s\n", rec.Name, rec.Handler, strings.Join(rings, ","))
		return false
	})

	overrideNames := make([]string, 0, len(s.overrides))
	for name := range s.overrides {
		overrideNames = append(overrideNames, name)
	}
	sort.Strings(overrideNames)
	for _, name := range overrideNames {
		fmt.Fprintf(&b, "override:%s->%d\n", name, s.overrides[name].owner)
	}

	return b.String()
}

var _ domain.DispatcherIface = (*Service)(nil)
