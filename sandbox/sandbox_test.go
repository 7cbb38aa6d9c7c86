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

package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nanokernel/kernel/domain"
)

func Test_Namespace_ProtectedWritesAreSilentlyDropped(t *testing.T) {
	f := NewFactory()
	ns := f.NewNamespace(domain.Ring3, "h0", "h1", "h2")

	ns.Set("syscall", "evil")
	v, ok := ns.Get("syscall")
	assert.True(t, ok)
	assert.Equal(t, "entrypoint", v)
}

func Test_Namespace_UserWritesLandInUserLayer(t *testing.T) {
	f := NewFactory()
	ns := f.NewNamespace(domain.Ring3, "h0", "h1", "h2")

	ns.Set("score", 42)
	v, ok := ns.Get("score")
	assert.True(t, ok)
	assert.Equal(t, 42, v)
}

func Test_Namespace_Ring3HasNoRawDeviceSurface(t *testing.T) {
	f := NewFactory()
	ns := f.NewNamespace(domain.Ring3, "h0", "h1", "h2")
	_, ok := ns.Get("device")
	assert.False(t, ok)
}

func Test_Namespace_Ring1HasRawDeviceSurface(t *testing.T) {
	f := NewFactory()
	ns := f.NewNamespace(domain.Ring1, "h0", "h1", "h2")
	_, ok := ns.Get("device")
	assert.True(t, ok)
}

func Test_Namespace_ProtectedNamesDoesNotLeakValues(t *testing.T) {
	f := NewFactory()
	ns := f.NewNamespace(domain.Ring3, "h0", "h1", "h2")
	names := ns.ProtectedNames()
	assert.True(t, names["syscall"])
}

func Test_Instrument_InsertsCheckpointAfterBoundaryKeywords(t *testing.T) {
	f := NewFactory()
	src := `function f() if x then return 1 else return 2 end end`
	rewritten, count := f.Instrument(src, "test.lua")

	assert.Equal(t, 5, count)
	assert.Contains(t, rewritten, "function __pc()")
	assert.Contains(t, rewritten, "then __pc()")
	assert.Contains(t, rewritten, "return __pc()")

	stats := f.Stats()
	assert.EqualValues(t, 1, stats.SourcesInstrumented)
	assert.EqualValues(t, 5, stats.CheckpointsHit)
}

func Test_TaskGuard_DeferredYieldOnlyFiresAtOutermostDepth(t *testing.T) {
	f := NewFactory()
	g := f.GuardFor("p1")

	exitOuter := g.enter()
	exitInner := g.enter()

	g.requestYield()
	assert.False(t, g.consumeYield(), "yield must not fire while nested")

	exitInner()
	assert.False(t, g.consumeYield(), "still one frame deep")

	exitOuter()
	g.requestYield()
	assert.True(t, g.consumeYield(), "yield fires once depth reaches zero")
}

func Test_DefaultQuantumAndCheckInterval(t *testing.T) {
	f := NewFactory()
	assert.Equal(t, DefaultQuantum, f.DefaultQuantum())
	assert.Equal(t, DefaultCheckInterval, f.CheckInterval())
}

func Test_Checkpoint_DoesNotYieldBelowCheckInterval(t *testing.T) {
	f := NewFactory()
	f.checkInterval = 2
	f.quantum = time.Millisecond
	f.StartSlice("p1")
	time.Sleep(5 * time.Millisecond)

	assert.False(t, f.Checkpoint("p1"), "first hit must not sample the clock yet")
}

func Test_Checkpoint_YieldsOnceIntervalHitAndQuantumExhausted(t *testing.T) {
	f := NewFactory()
	f.checkInterval = 1
	f.quantum = time.Millisecond
	f.StartSlice("p1")
	time.Sleep(5 * time.Millisecond)

	assert.True(t, f.Checkpoint("p1"), "every hit samples the clock when CheckInterval is 1, and the quantum has elapsed")
}

func Test_Checkpoint_DoesNotYieldWhenQuantumNotExhausted(t *testing.T) {
	f := NewFactory()
	f.checkInterval = 1
	f.quantum = time.Hour
	f.StartSlice("p1")

	assert.False(t, f.Checkpoint("p1"))
}
