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

package proc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nanokernel/kernel/domain"
)

// fixedTask reports done=true after a fixed number of resumes; it never
// touches its own status, exactly the way a guest task never sees the
// scheduler's bookkeeping directly.
type fixedTask struct {
	resumesUntilDone int
	calls            int
}

func (f *fixedTask) Resume(args []interface{}) (bool, error) {
	f.calls++
	return f.calls >= f.resumesUntilDone, nil
}

func Test_Spawn_AssignsIncreasingPids(t *testing.T) {
	s := NewService()
	p1, err := s.Spawn(0, domain.Ring3, 100, &fixedTask{resumesUntilDone: 1})
	assert.NoError(t, err)
	p2, err := s.Spawn(0, domain.Ring3, 100, &fixedTask{resumesUntilDone: 1})
	assert.NoError(t, err)
	assert.Less(t, uint64(p1.Pid()), uint64(p2.Pid()))
}

func Test_Tick_ReapsFinishedTask(t *testing.T) {
	s := NewService()
	p, err := s.Spawn(0, domain.Ring3, 0, &fixedTask{resumesUntilDone: 1})
	assert.NoError(t, err)

	reaped := s.Tick()
	assert.Contains(t, reaped, p.Pid())

	_, ok := s.Get(p.Pid())
	assert.False(t, ok)
}

// loopingTask never reports done and never changes its own status; from the
// scheduler's point of view it looks exactly like a guest preempted at the
// checkpoint before it could yield.
type loopingTask struct{}

func (loopingTask) Resume(args []interface{}) (bool, error) { return false, nil }

func Test_Tick_PreemptsStillRunningTask(t *testing.T) {
	s := NewService()
	p, err := s.Spawn(0, domain.Ring3, 0, loopingTask{})
	assert.NoError(t, err)

	s.Tick()
	assert.Equal(t, domain.StatusReady, p.Status())
	assert.EqualValues(t, 1, s.Stats().Preemptions)
}

func Test_Kill_SetsDeadImmediately(t *testing.T) {
	s := NewService()
	p, err := s.Spawn(0, domain.Ring3, 0, loopingTask{})
	assert.NoError(t, err)

	assert.NoError(t, s.Kill(p.Pid(), "test"))
	assert.Equal(t, domain.StatusDead, p.Status())

	reaped := s.Tick()
	assert.Contains(t, reaped, p.Pid())
}

func Test_WatchdogKillsAfterThreeStrikes(t *testing.T) {
	s := NewService()
	s.watchdogWarn = 1 * time.Millisecond

	p, err := s.Spawn(0, domain.Ring3, 0, slowTaskFunc(func() { time.Sleep(5 * time.Millisecond) }))
	assert.NoError(t, err)

	for i := 0; i < WatchdogStrikeLimit; i++ {
		if p.Status() == domain.StatusDead {
			break
		}
		s.resumeOne(p.(*process))
	}
	assert.Equal(t, domain.StatusDead, p.Status())
	assert.EqualValues(t, 1, s.Stats().Watchdogkills)
}

type slowTaskFunc func()

func (f slowTaskFunc) Resume(args []interface{}) (bool, error) {
	f()
	return false, nil
}

func Test_SynapseToken_RotatesToDistinctValue(t *testing.T) {
	s := NewService()
	p, err := s.Spawn(0, domain.Ring1, 0, loopingTask{})
	assert.NoError(t, err)

	before := p.SynapseToken()
	after := p.RotateSynapseToken()
	assert.NotEqual(t, before, after)
	assert.Equal(t, after, p.SynapseToken())
}
