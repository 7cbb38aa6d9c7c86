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

// Package patchguard implements the runtime integrity monitor (spec §4.8):
// it snapshots the syscall dispatcher's table/ring-grant/override identity
// and the Pipeline Manager's owning pid at arm time, then re-derives and
// compares that identity on a randomised schedule, panicking with
// CRITICAL_STRUCTURE_CORRUPTION on any mismatch. The snapshot-then-diff
// shape follows the container state reconciliation in
// state/containerDB.go, generalized from container metadata to kernel
// table identity.
package patchguard

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/nanokernel/kernel/domain"
)

const (
	// armDeferIterations is how long after boot arming waits, so startup
	// overrides (driver registration, etc.) are captured in the snapshot.
	armDeferIterations = 300

	minCheckInterval = 30
	maxCheckInterval = 100
)

// Service is the integrity monitor.
type Service struct {
	mu sync.Mutex

	dispatcher domain.DispatcherIface
	pm         domain.PipelineManagerIface
	dmesg      domain.DmesgIface

	armed      bool
	snapshot   string
	pmSnapshot domain.Pid

	iteration   uint64
	nextCheckAt uint64

	lastViolations []string
}

// NewService constructs an unarmed monitor; call Setup before Tick.
func NewService() *Service {
	return &Service{}
}

// Setup wires the syscall dispatcher, Pipeline Manager, and dmesg log.
func (s *Service) Setup(dispatcher domain.DispatcherIface, pm domain.PipelineManagerIface, dmesg domain.DmesgIface) {
	s.dispatcher = dispatcher
	s.pm = pm
	s.dmesg = dmesg
}

func (s *Service) logf(level domain.Level, format string, args ...interface{}) {
	if s.dmesg == nil {
		return
	}
	s.dmesg.Printf(level, domain.KernelBootPid, format, args...)
}

// Arm takes the boot-time snapshot and marks the monitor armed (spec §4.8).
// It can be called directly (e.g. by a test or an explicit
// `patchguard_arm` syscall) or left to Tick's deferred-arm countdown.
func (s *Service) Arm() error {
	if s.dispatcher == nil {
		return fmt.Errorf("patchguard: cannot arm without a syscall dispatcher")
	}

	s.mu.Lock()
	s.snapshot = s.dispatcher.Fingerprint()
	if s.pm != nil {
		s.pmSnapshot = s.pm.Pid()
	}
	s.armed = true
	s.lastViolations = nil
	s.nextCheckAt = s.iteration + uint64(minCheckInterval+rand.Intn(maxCheckInterval-minCheckInterval+1))
	s.mu.Unlock()

	s.logf(domain.LevelInfo, "patchguard armed")
	return nil
}

// Check re-derives the current identity and diffs it against the armed
// snapshot, returning one description per mismatch (empty if clean). It
// never panics; Tick is what escalates a dirty Check into a kernel panic.
func (s *Service) Check() []string {
	s.mu.Lock()
	armed := s.armed
	snapshot := s.snapshot
	pmSnapshot := s.pmSnapshot
	s.mu.Unlock()

	if !armed || s.dispatcher == nil {
		return nil
	}

	var violations []string
	if current := s.dispatcher.Fingerprint(); current != snapshot {
		violations = append(violations, "syscall table / ring grants / override map diverged from boot snapshot")
	}
	if s.pm != nil {
		if current := s.pm.Pid(); current != pmSnapshot {
			violations = append(violations, fmt.Sprintf("pipeline manager pid changed: armed=%d current=%d", pmSnapshot, current))
		}
	}

	s.mu.Lock()
	s.lastViolations = violations
	s.mu.Unlock()

	return violations
}

// Status reports the last known armed/violations state without forcing a
// fresh Check (spec `patchguard_status`).
func (s *Service) Status() domain.PatchGuardStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return domain.PatchGuardStatus{
		Armed:      s.armed,
		Violations: append([]string(nil), s.lastViolations...),
	}
}

// Tick advances the deferred-arm countdown and, once armed, the randomised
// 30-100 iteration check interval, panicking on the first dirty Check
// (spec §4.8). It is meant to be called once per scheduler iteration.
func (s *Service) Tick() {
	s.mu.Lock()
	s.iteration++
	armed := s.armed
	iteration := s.iteration
	due := iteration >= s.nextCheckAt
	s.mu.Unlock()

	if !armed {
		if iteration >= armDeferIterations {
			s.Arm()
		}
		return
	}

	if !due {
		return
	}

	violations := s.Check()

	s.mu.Lock()
	s.nextCheckAt = s.iteration + uint64(minCheckInterval+rand.Intn(maxCheckInterval-minCheckInterval+1))
	s.mu.Unlock()

	if len(violations) == 0 {
		return
	}

	for _, v := range violations {
		s.logf(domain.LevelFail, "patchguard violation: %s", v)
	}
	if s.dmesg != nil {
		s.dmesg.Panic("CRITICAL_STRUCTURE_CORRUPTION", map[string]interface{}{
			"violations": violations,
		})
	}
}

var _ domain.PatchGuardIface = (*Service)(nil)
