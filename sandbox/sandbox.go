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

// Package sandbox implements the per-process namespace proxy and source
// instrumentation of spec §4.2. The factory mirrors seccomp's
// SyscallMonitorService shape (a thin public service struct wrapping an
// internal worker, `New...Service()` + `Setup()` construction); the
// namespace's three-layer lookup is the Go-side stand-in for the guest
// runtime's global table, since the guest language interpreter itself is
// out of scope.
package sandbox

import (
	"regexp"
	"sync"
	"time"

	"github.com/nanokernel/kernel/domain"
)

const (
	// DefaultQuantum is the wall-clock slice a ring>=2.5 task gets before
	// the checkpoint suspends it (spec §4.2).
	DefaultQuantum = 50 * time.Millisecond
	// DefaultCheckInterval is how many checkpoint hits elapse before the
	// monotonic clock is sampled.
	DefaultCheckInterval = 192
)

// namespace is the per-process three-layer proxy (spec §4.2).
type namespace struct {
	mu        sync.RWMutex
	protected map[string]interface{}
	user      map[string]interface{}
	platform  map[string]interface{}
}

// Get consults protected, then user, then platform, in that order.
func (n *namespace) Get(name string) (interface{}, bool) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if v, ok := n.protected[name]; ok {
		return v, true
	}
	if v, ok := n.user[name]; ok {
		return v, true
	}
	if v, ok := n.platform[name]; ok {
		return v, true
	}
	return nil, false
}

// Set silently drops writes that shadow a protected name; everything else
// lands in the user-writable layer (spec §4.2).
func (n *namespace) Set(name string, v interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, protected := n.protected[name]; protected {
		return
	}
	n.user[name] = v
}

// ProtectedNames returns the protected keyset for kernel-internal
// introspection only; no guest-reachable path calls this.
func (n *namespace) ProtectedNames() map[string]bool {
	n.mu.RLock()
	defer n.mu.RUnlock()

	out := make(map[string]bool, len(n.protected))
	for k := range n.protected {
		out[k] = true
	}
	return out
}

var _ domain.NamespaceIface = (*namespace)(nil)

// taskGuard implements the sub-task bypass defense: wrapping the sandbox's
// task-creation primitive with a depth counter and a deferred-yield flag
// that nested tasks cannot observe or clear, so a checkpoint hit inside a
// deeply nested sub-task still suspends the owning process (spec §4.2).
type taskGuard struct {
	mu            sync.Mutex
	depth         int
	deferredYield bool

	hits         int
	quantumStart time.Time
}

func (g *taskGuard) enter() func() {
	g.mu.Lock()
	g.depth++
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		g.depth--
		g.mu.Unlock()
	}
}

// requestYield marks that a checkpoint fired while depth > 0; the outermost
// exit observes the flag and is the one that actually suspends the task.
func (g *taskGuard) requestYield() {
	g.mu.Lock()
	g.deferredYield = true
	g.mu.Unlock()
}

func (g *taskGuard) consumeYield() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.depth > 0 {
		return false
	}
	y := g.deferredYield
	g.deferredYield = false
	return y
}

// boundaryKeyword matches the guest language's statement-boundary keywords
// (spec §4.2): do, then, else, repeat, function, return.
var boundaryKeyword = regexp.MustCompile(`\b(do|then|else|repeat|function|return)\b`)

// Factory is the sandbox factory (spec §4.2).
type Factory struct {
	mu            sync.Mutex
	quantum       time.Duration
	checkInterval int
	stats         domain.InstrumentStats
	guards        map[string]*taskGuard
}

// NewFactory constructs a sandbox factory with spec §4.2's defaults.
func NewFactory() *Factory {
	return &Factory{
		quantum:       DefaultQuantum,
		checkInterval: DefaultCheckInterval,
		guards:        make(map[string]*taskGuard),
	}
}

// NewNamespace builds the three-layer proxy for a freshly spawned process.
// Ring <= 2 gets the raw device surface and low-level mutators in the
// platform layer; ring 2.5/3 do not (spec §4.2).
func (f *Factory) NewNamespace(ring domain.Ring, stdin, stdout, stderr string) domain.NamespaceIface {
	protected := map[string]interface{}{
		"syscall":   "entrypoint",
		"print":     stdout,
		"io.stdin":  stdin,
		"io.stdout": stdout,
		"io.stderr": stderr,
		"__pc":      "checkpoint",
		"load":      "safe_loader",
	}

	platform := map[string]interface{}{
		"math": "safe_math",
		"utf8": "safe_utf8",
	}
	if ring.AtLeast(domain.Ring2) {
		platform["device"] = "raw_device_surface"
		platform["table"] = "raw_table_mutators"
	}

	return &namespace{
		protected: protected,
		user:      make(map[string]interface{}),
		platform:  platform,
	}
}

// Instrument rewrites source for ring >= 2.5, inserting a checkpoint call
// after every statement-boundary keyword, and returns the rewritten source
// plus the number of checkpoints inserted (spec §4.2).
func (f *Factory) Instrument(source, name string) (string, int) {
	count := 0
	rewritten := boundaryKeyword.ReplaceAllStringFunc(source, func(kw string) string {
		count++
		return kw + " __pc()"
	})

	f.mu.Lock()
	f.stats.SourcesInstrumented++
	f.stats.CheckpointsHit += uint64(count)
	f.mu.Unlock()

	return rewritten, count
}

// GuardFor returns the per-process task-creation guard, creating it on
// first use.
func (f *Factory) GuardFor(name string) *taskGuard {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.guards[name]
	if !ok {
		g = &taskGuard{}
		f.guards[name] = g
	}
	return g
}

// WrapTaskCreate wraps a guest-exposed task-creation primitive with the
// sub-task bypass defense: every nested task increments depth on entry and
// decrements on exit; a checkpoint hit while depth > 0 only sets the
// deferred-yield flag, and the outermost frame is the one that turns it
// into an actual suspend when it unwinds.
func (f *Factory) WrapTaskCreate(processName string, create func() domain.Task) func() domain.Task {
	g := f.GuardFor(processName)
	return func() domain.Task {
		exit := g.enter()
		defer exit()
		return create()
	}
}

// StartSlice resets processName's per-slice checkpoint counter and starts
// its quantum clock; the scheduler calls this once immediately before
// resuming a ring>=2.5 task (spec §4.2).
func (f *Factory) StartSlice(processName string) {
	g := f.GuardFor(processName)
	g.mu.Lock()
	g.hits = 0
	g.quantumStart = time.Now()
	g.mu.Unlock()
}

// Checkpoint is called from the instrumented `__pc()` site. It increments
// the per-slice hit counter and, only once every CheckInterval() hits,
// samples the monotonic clock against the slice's start; it requests a
// yield only when that sample shows the quantum exhausted. The yield only
// actually fires once the task-guard's nesting depth returns to zero (spec
// §4.2: nested-task yields propagate to the outermost frame only).
func (f *Factory) Checkpoint(processName string) bool {
	g := f.GuardFor(processName)

	g.mu.Lock()
	g.hits++
	if g.hits >= f.CheckInterval() {
		g.hits = 0
		if !g.quantumStart.IsZero() && time.Since(g.quantumStart) >= f.DefaultQuantum() {
			g.deferredYield = true
		}
	}
	g.mu.Unlock()

	return g.consumeYield()
}

func (f *Factory) DefaultQuantum() time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.quantum
}

func (f *Factory) CheckInterval() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checkInterval
}

func (f *Factory) Stats() domain.InstrumentStats {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats
}

var _ domain.SandboxFactoryIface = (*Factory)(nil)
