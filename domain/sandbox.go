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

import "time"

// Namespace is the per-process three-layer proxy (spec §4.2): a protected
// kernel-owned layer, a user-writable layer, and a read-only platform layer.
type NamespaceIface interface {
	Get(name string) (interface{}, bool)
	Set(name string, v interface{}) // silently dropped if name is protected
	ProtectedNames() map[string]bool
}

// InstrumentStats mirrors preempt.stats() (spec §4.2).
type InstrumentStats struct {
	SourcesInstrumented uint64
	CheckpointsHit      uint64
	Preemptions         uint64
}

// SandboxFactoryIface builds per-process namespaces and instruments guest
// source for preemption checkpoints (spec §4.2).
type SandboxFactoryIface interface {
	NewNamespace(ring Ring, stdin, stdout, stderr string) NamespaceIface
	Instrument(source, name string) (rewritten string, checkpointCount int)
	DefaultQuantum() time.Duration
	CheckInterval() int
	Stats() InstrumentStats

	// WrapTaskCreate wraps a task-creation primitive with the per-process
	// sub-task depth guard, so a checkpoint hit inside a nested task only
	// suspends once the outermost frame unwinds.
	WrapTaskCreate(processName string, create func() Task) func() Task
	// StartSlice resets processName's checkpoint counter and starts its
	// quantum clock; called once before the task runs each scheduler slice.
	StartSlice(processName string)
	// Checkpoint is called from the instrumented __pc() site. It reports
	// whether processName should suspend now: every CheckInterval() hits it
	// samples the monotonic clock against the slice start, and only
	// requests a yield once DefaultQuantum() has been exhausted.
	Checkpoint(processName string) bool
}
