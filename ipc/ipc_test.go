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

package ipc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
	"github.com/nanokernel/kernel/ob"
	"github.com/nanokernel/kernel/proc"
)

// newHarness wires an ipc.Service to a real ob.Manager and proc.Service, the
// same triangle the kernel wiring wires in production, so object-free wake
// and process-status transitions are exercised end to end rather than
// against a hand-rolled fake.
func newHarness(t *testing.T) (*Service, *ob.Manager, *proc.Service) {
	t.Helper()
	om := ob.NewManager()
	ps := proc.NewService()
	s := NewService()
	s.Setup(om, ps, nil)
	return s, om, ps
}

type blockingTask struct{}

func (blockingTask) Resume(args []interface{}) (bool, error) { return false, nil }

func spawn(t *testing.T, ps *proc.Service) domain.Pid {
	t.Helper()
	p, err := ps.Spawn(0, domain.Ring3, 1000, blockingTask{})
	require.NoError(t, err)
	return p.Pid()
}

func Test_Event_AutoResetWakesExactlyOneWaiter(t *testing.T) {
	s, _, ps := newHarness(t)
	ev := s.CreateEvent(false, false)

	p1 := spawn(t, ps)
	p2 := spawn(t, ps)

	_, err := s.WaitMultiple([]domain.ObjectIface{ev}, p1, domain.WaitAny, domain.IrqlPassive, 0)
	assert.True(t, kerr.Is(err, kerr.Pending))
	_, err = s.WaitMultiple([]domain.ObjectIface{ev}, p2, domain.WaitAny, domain.IrqlPassive, 0)
	assert.True(t, kerr.Is(err, kerr.Pending))

	require.NoError(t, s.SetEvent(ev))

	proc1, _ := ps.Get(p1)
	proc2, _ := ps.Get(p2)
	woken1 := proc1.Status() == domain.StatusReady
	woken2 := proc2.Status() == domain.StatusReady
	assert.True(t, woken1 != woken2, "exactly one of the two waiters should have woken")
}

func Test_Event_ManualResetWakesEveryWaiter(t *testing.T) {
	s, _, ps := newHarness(t)
	ev := s.CreateEvent(true, false)

	p1 := spawn(t, ps)
	p2 := spawn(t, ps)
	s.WaitMultiple([]domain.ObjectIface{ev}, p1, domain.WaitAny, domain.IrqlPassive, 0)
	s.WaitMultiple([]domain.ObjectIface{ev}, p2, domain.WaitAny, domain.IrqlPassive, 0)

	require.NoError(t, s.SetEvent(ev))

	proc1, _ := ps.Get(p1)
	proc2, _ := ps.Get(p2)
	assert.Equal(t, domain.StatusReady, proc1.Status())
	assert.Equal(t, domain.StatusReady, proc2.Status())
}

func Test_WaitSingle_ReturnsImmediatelyWhenAlreadySignalled(t *testing.T) {
	s, _, ps := newHarness(t)
	ev := s.CreateEvent(true, true)
	p1 := spawn(t, ps)

	err := s.WaitSingle(ev, p1, domain.IrqlPassive, 0)
	assert.NoError(t, err)
}

func Test_WaitMultiple_AnyModeReturnsFirstSignalledIndex(t *testing.T) {
	s, _, ps := newHarness(t)
	evA := s.CreateEvent(true, false)
	evB := s.CreateEvent(true, true)
	p1 := spawn(t, ps)

	idx, err := s.WaitMultiple([]domain.ObjectIface{evA, evB}, p1, domain.WaitAny, domain.IrqlPassive, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func Test_WaitMultiple_AllModeBlocksUntilEverySignalled(t *testing.T) {
	s, _, ps := newHarness(t)
	evA := s.CreateEvent(true, false)
	evB := s.CreateEvent(true, false)
	p1 := spawn(t, ps)

	_, err := s.WaitMultiple([]domain.ObjectIface{evA, evB}, p1, domain.WaitAll, domain.IrqlPassive, 0)
	assert.True(t, kerr.Is(err, kerr.Pending))

	require.NoError(t, s.SetEvent(evA))
	p, _ := ps.Get(p1)
	assert.Equal(t, domain.StatusSleeping, p.Status(), "must stay asleep until the second event is set too")

	require.NoError(t, s.SetEvent(evB))
	assert.Equal(t, domain.StatusReady, p.Status())
}

func Test_Mutex_SecondAcquirerBlocksUntilRelease(t *testing.T) {
	s, _, ps := newHarness(t)
	mtx := s.CreateMutex()
	p1 := spawn(t, ps)
	p2 := spawn(t, ps)

	require.NoError(t, s.AcquireMutex(mtx, p1, domain.IrqlPassive))

	err := s.AcquireMutex(mtx, p2, domain.IrqlPassive)
	assert.True(t, kerr.Is(err, kerr.Pending))

	require.NoError(t, s.ReleaseMutex(mtx, p1))

	p2proc, _ := ps.Get(p2)
	assert.Equal(t, domain.StatusReady, p2proc.Status())
}

func Test_Mutex_IsRecursiveForSameOwner(t *testing.T) {
	s, _, ps := newHarness(t)
	mtx := s.CreateMutex()
	p1 := spawn(t, ps)

	require.NoError(t, s.AcquireMutex(mtx, p1, domain.IrqlPassive))
	require.NoError(t, s.AcquireMutex(mtx, p1, domain.IrqlPassive))

	require.NoError(t, s.ReleaseMutex(mtx, p1))
	assert.False(t, mtx.Body().Signalled(), "still held after one of two releases")
	require.NoError(t, s.ReleaseMutex(mtx, p1))
	assert.True(t, mtx.Body().Signalled())
}

func Test_Semaphore_ReleaseWakesWaitersUpToCount(t *testing.T) {
	s, _, ps := newHarness(t)
	sem := s.CreateSemaphore(0, 5)
	p1 := spawn(t, ps)
	p2 := spawn(t, ps)

	assert.True(t, kerr.Is(s.AcquireSemaphore(sem, p1, domain.IrqlPassive), kerr.Pending))
	assert.True(t, kerr.Is(s.AcquireSemaphore(sem, p2, domain.IrqlPassive), kerr.Pending))

	n, err := s.ReleaseSemaphore(sem, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	proc1, _ := ps.Get(p1)
	proc2, _ := ps.Get(p2)
	readyCount := 0
	if proc1.Status() == domain.StatusReady {
		readyCount++
	}
	if proc2.Status() == domain.StatusReady {
		readyCount++
	}
	assert.Equal(t, 1, readyCount)
}

func Test_Timer_OneShotSignalsOnceAtDeadline(t *testing.T) {
	s, _, ps := newHarness(t)
	timer := s.CreateTimer()
	p1 := spawn(t, ps)

	require.NoError(t, s.SetTimer(timer, time.Now().Add(-time.Millisecond), 0))
	_, err := s.WaitMultiple([]domain.ObjectIface{timer}, p1, domain.WaitAny, domain.IrqlPassive, 0)
	assert.True(t, kerr.Is(err, kerr.Pending), "deadline already passed but Tick hasn't run yet")

	s.Tick()
	proc1, _ := ps.Get(p1)
	assert.Equal(t, domain.StatusReady, proc1.Status())
}

func Test_Timer_PeriodicReArmsAfterExpiry(t *testing.T) {
	s, _, _ := newHarness(t)
	timer := s.CreateTimer()
	require.NoError(t, s.SetTimer(timer, time.Now().Add(-time.Millisecond), time.Hour))

	s.Tick()
	assert.True(t, timer.Body().Signalled())
	tb := timer.Body().(*timerBody)
	assert.True(t, tb.deadline.After(time.Now()), "periodic timer must re-arm to a future deadline")
}

func Test_WaitMultiple_TimesOutWhenDeadlinePasses(t *testing.T) {
	s, _, ps := newHarness(t)
	ev := s.CreateEvent(true, false)
	p1 := spawn(t, ps)

	_, err := s.WaitMultiple([]domain.ObjectIface{ev}, p1, domain.WaitAny, domain.IrqlPassive, -time.Millisecond)
	assert.True(t, kerr.Is(err, kerr.Pending))

	s.Tick()
	proc1, _ := ps.Get(p1)
	assert.Equal(t, domain.StatusReady, proc1.Status())
	args := proc1.ResumeArgs()
	require.Len(t, args, 2)
	assert.Equal(t, -1, args[0])
	assert.True(t, kerr.Is(args[1].(error), kerr.Timeout))
}

func Test_Pipe_WriteThenReadRoundTrips(t *testing.T) {
	s, _, ps := newHarness(t)
	pipe := s.CreatePipe(16)
	writer := spawn(t, ps)
	reader := spawn(t, ps)

	n, err := s.PipeWrite(pipe, writer, []byte("hello"), domain.IrqlPassive)
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	out, err := s.PipeRead(pipe, reader, 16, domain.IrqlPassive)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(out))
}

func Test_Pipe_ReadBlocksOnEmptyThenWakesOnWrite(t *testing.T) {
	s, _, ps := newHarness(t)
	pipe := s.CreatePipe(16)
	reader := spawn(t, ps)

	_, err := s.PipeRead(pipe, reader, 16, domain.IrqlPassive)
	assert.True(t, kerr.Is(err, kerr.Pending))

	_, err = s.PipeWrite(pipe, 0, []byte("x"), domain.IrqlPassive)
	require.NoError(t, err)

	p, _ := ps.Get(reader)
	assert.Equal(t, domain.StatusReady, p.Status())
}

func Test_Pipe_ReadAfterCloseReturnsEndOfFile(t *testing.T) {
	s, _, _ := newHarness(t)
	pipe := s.CreatePipe(16)
	require.NoError(t, s.PipeClose(pipe))

	_, err := s.PipeRead(pipe, 1, 16, domain.IrqlPassive)
	assert.True(t, kerr.Is(err, kerr.EndOfFile))
}

func Test_MessageQueue_HigherPriorityDeliveredFirst(t *testing.T) {
	s, _, _ := newHarness(t)
	q := s.CreateMessageQueue(8, 64)

	require.NoError(t, s.MQSend(q, 1, 0, []byte("low"), domain.IrqlPassive))
	require.NoError(t, s.MQSend(q, 1, 5, []byte("high"), domain.IrqlPassive))

	data, prio, err := s.MQReceive(q, 2, domain.IrqlPassive)
	require.NoError(t, err)
	assert.Equal(t, "high", string(data))
	assert.Equal(t, 5, prio)
}

func Test_MessageQueue_SameProrityPreservesFIFO(t *testing.T) {
	s, _, _ := newHarness(t)
	q := s.CreateMessageQueue(8, 64)

	require.NoError(t, s.MQSend(q, 1, 3, []byte("first"), domain.IrqlPassive))
	require.NoError(t, s.MQSend(q, 1, 3, []byte("second"), domain.IrqlPassive))

	data1, _, _ := s.MQReceive(q, 2, domain.IrqlPassive)
	data2, _, _ := s.MQReceive(q, 2, domain.IrqlPassive)
	assert.Equal(t, "first", string(data1))
	assert.Equal(t, "second", string(data2))
}

func Test_ObjectFreed_WakesWaiterWithError(t *testing.T) {
	s, om, ps := newHarness(t)
	ev := s.CreateEvent(true, false)
	p1 := spawn(t, ps)

	_, err := s.WaitMultiple([]domain.ObjectIface{ev}, p1, domain.WaitAny, domain.IrqlPassive, 0)
	assert.True(t, kerr.Is(err, kerr.Pending))

	om.ReferenceObject(ev)
	om.DereferenceObject(ev)

	p, _ := ps.Get(p1)
	assert.Equal(t, domain.StatusReady, p.Status())
	args := p.ResumeArgs()
	require.Len(t, args, 2)
	assert.True(t, kerr.Is(args[1].(error), kerr.InvalidHandle))
}

func Test_Irql_CannotLowerAboveCurrentOrRaiseBelowCurrent(t *testing.T) {
	s, _, _ := newHarness(t)
	pid := domain.Pid(42)

	prior, err := s.RaiseIrql(pid, domain.IrqlDispatch)
	require.NoError(t, err)
	assert.Equal(t, domain.IrqlPassive, prior)
	assert.Equal(t, domain.IrqlDispatch, s.GetIrql(pid))

	_, err = s.RaiseIrql(pid, domain.IrqlAPC)
	assert.Error(t, err)

	require.NoError(t, s.LowerIrql(pid, domain.IrqlPassive))
	assert.Equal(t, domain.IrqlPassive, s.GetIrql(pid))
}

func Test_WaitAboveAPC_FailsWithoutSuspending(t *testing.T) {
	s, _, ps := newHarness(t)
	ev := s.CreateEvent(true, false)
	p1 := spawn(t, ps)

	_, err := s.WaitMultiple([]domain.ObjectIface{ev}, p1, domain.WaitAny, domain.IrqlDispatch, 0)
	assert.True(t, kerr.Is(err, kerr.Unsuccessful))

	p, _ := ps.Get(p1)
	assert.Equal(t, domain.StatusReady, p.Status(), "must not have been suspended")
}

func Test_DPC_DrainsOnlyWhatWasQueuedBeforeTick(t *testing.T) {
	s, _, _ := newHarness(t)
	var ran []int
	s.QueueDPC(func() {
		ran = append(ran, 1)
		s.QueueDPC(func() { ran = append(ran, 2) })
	})

	s.Tick()
	assert.Equal(t, []int{1}, ran)

	s.Tick()
	assert.Equal(t, []int{1, 2}, ran)
}

func Test_Signal_SIGKILLKillsRegardlessOfMask(t *testing.T) {
	s, _, ps := newHarness(t)
	p1 := spawn(t, ps)
	s.SignalSetMask(p1, []domain.Signum{domain.SIGKILL})

	require.NoError(t, s.SignalSend(0, p1, domain.SIGKILL))
	p, _ := ps.Get(p1)
	assert.Equal(t, domain.StatusDead, p.Status())
}

func Test_Signal_MaskedSignalIsNotDelivered(t *testing.T) {
	s, _, ps := newHarness(t)
	p1 := spawn(t, ps)
	s.SignalSetMask(p1, []domain.Signum{domain.SIGUSR1})

	require.NoError(t, s.SignalSend(0, p1, domain.SIGUSR1))
	assert.False(t, s.DeliverPending(p1))
}

func Test_Signal_HandlerRunsInsteadOfDefaultAction(t *testing.T) {
	s, _, ps := newHarness(t)
	p1 := spawn(t, ps)

	var handled domain.Signum
	s.SignalSetHandler(p1, domain.SIGTERM, func(pid domain.Pid, sig domain.Signum) {
		handled = sig
	})
	require.NoError(t, s.SignalSend(0, p1, domain.SIGTERM))

	assert.True(t, s.DeliverPending(p1))
	assert.Equal(t, domain.SIGTERM, handled)

	p, _ := ps.Get(p1)
	assert.NotEqual(t, domain.StatusDead, p.Status(), "handler ran instead of the default-kill action")
}

func Test_Signal_DefaultSIGTERMKillsWhenUnhandled(t *testing.T) {
	s, _, ps := newHarness(t)
	p1 := spawn(t, ps)

	require.NoError(t, s.SignalSend(0, p1, domain.SIGTERM))
	assert.True(t, s.DeliverPending(p1))

	p, _ := ps.Get(p1)
	assert.Equal(t, domain.StatusDead, p.Status())
}
