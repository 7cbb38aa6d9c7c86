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

// Package ipc implements the spec §4.6 kernel IPC subsystem: events,
// mutexes, semaphores, timers, pipes, sections, message queues, signal
// delivery, the WaitForMultiple wait engine, IRQL, and the DPC queue.
//
// The host runs every process on a single cooperative thread, so none of
// these primitives may block the calling goroutine. A primitive that
// cannot complete immediately registers the caller as a waiter, puts the
// owning process to sleep through domain.ProcessIface, and returns
// kerr.Pending; the process is woken later, from inside Tick or from a
// later call that changes the relevant object's signalled state, the same
// two-phase style seccomp.SyscallMonitorService uses for a
// trapped syscall that can't be answered inline.
package ipc

import (
	"sync"
	"time"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

// consumer is implemented by object bodies whose signalled state mutates
// exactly once per successful wait (auto-reset event, semaphore decrement,
// mutex acquire, timer re-arm). Pipes, sections, and message queues do not
// implement it: their actual consumption happens through PipeRead/MQReceive,
// not through the generic wait path.
type consumer interface {
	consume(pid domain.Pid)
}

// eventBody is the ObjectBody for CreateEvent (spec §4.6).
type eventBody struct {
	mu          sync.Mutex
	manualReset bool
	signalled   bool
}

func (e *eventBody) Waitable() bool { return true }

func (e *eventBody) Signalled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signalled
}

func (e *eventBody) consume(domain.Pid) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.manualReset {
		e.signalled = false
	}
}

// mutexBody is the ObjectBody for CreateMutex; signalled means free.
type mutexBody struct {
	mu        sync.Mutex
	hasOwner  bool
	owner     domain.Pid
	recursion uint32
}

func (m *mutexBody) Waitable() bool { return true }

func (m *mutexBody) Signalled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.hasOwner
}

func (m *mutexBody) consume(pid domain.Pid) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hasOwner = true
	m.owner = pid
	m.recursion = 1
}

// semaphoreBody is the ObjectBody for CreateSemaphore.
type semaphoreBody struct {
	mu    sync.Mutex
	count uint32
	max   uint32
}

func (s *semaphoreBody) Waitable() bool { return true }

func (s *semaphoreBody) Signalled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count > 0
}

func (s *semaphoreBody) consume(domain.Pid) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count > 0 {
		s.count--
	}
}

// timerBody is the ObjectBody for CreateTimer.
type timerBody struct {
	mu        sync.Mutex
	deadline  time.Time
	period    time.Duration
	active    bool
	signalled bool
}

func (t *timerBody) Waitable() bool { return true }

func (t *timerBody) Signalled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signalled
}

func (t *timerBody) consume(domain.Pid) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.signalled = false
}

// pipeBody is the ObjectBody for CreatePipe; signalled means readable.
type pipeBody struct {
	mu       sync.Mutex
	buf      []byte
	capacity uint32
	closed   bool
}

func (p *pipeBody) Waitable() bool { return true }

func (p *pipeBody) Signalled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buf) > 0 || p.closed
}

// sectionBody is the ObjectBody for CreateSection: shared memory, not
// waitable (spec §4.6 lists sections among the named objects but not the
// waitable ones).
type sectionBody struct {
	mu   sync.Mutex
	data []byte
}

func (s *sectionBody) Waitable() bool { return false }
func (s *sectionBody) Signalled() bool { return false }

// Bytes returns the section's backing slice for direct read/write by a
// driver or syscall handler holding a reference to the object.
func (s *sectionBody) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data
}

type mqMessage struct {
	priority int
	data     []byte
}

// mqueueBody is the ObjectBody for CreateMessageQueue; signalled means
// non-empty.
type mqueueBody struct {
	mu         sync.Mutex
	msgs       []mqMessage
	capacity   int
	maxMsgSize int
}

func (q *mqueueBody) Waitable() bool { return true }

func (q *mqueueBody) Signalled() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.msgs) > 0
}

// waitGroup tracks one pid's in-flight WaitForMultiple call.
type waitGroup struct {
	objs        []domain.ObjectIface
	mode        domain.WaitMode
	deadline    time.Time
	hasDeadline bool
}

type timerRegistration struct {
	obj  domain.ObjectIface
	body *timerBody
}

// Service is the IPC subsystem (spec §4.6).
type Service struct {
	mu sync.Mutex

	om    domain.ObjectManagerIface
	ps    domain.ProcessServiceIface
	dmesg domain.DmesgIface

	irql map[domain.Pid]domain.Irql

	pendingSignals map[domain.Pid]map[domain.Signum]bool
	signalMask     map[domain.Pid]map[domain.Signum]bool
	signalHandlers map[domain.Pid]map[domain.Signum]domain.SignalHandler

	waitGroups map[domain.Pid]*waitGroup
	timers     []*timerRegistration
	dpcQueue   []func()
}

// NewService constructs an unwired IPC service; call Setup before use.
func NewService() *Service {
	return &Service{
		irql:           make(map[domain.Pid]domain.Irql),
		pendingSignals: make(map[domain.Pid]map[domain.Signum]bool),
		signalMask:     make(map[domain.Pid]map[domain.Signum]bool),
		signalHandlers: make(map[domain.Pid]map[domain.Signum]domain.SignalHandler),
		waitGroups:     make(map[domain.Pid]*waitGroup),
	}
}

// Setup wires the sibling services this package needs (teacher's
// `Setup(...)` dependency-injection convention). It also installs this
// service as the Object Manager's free-waker so blocked waiters get woken
// with an error the moment their object is freed (spec §4.5).
func (s *Service) Setup(om domain.ObjectManagerIface, ps domain.ProcessServiceIface, dmesg domain.DmesgIface) {
	s.om = om
	s.ps = ps
	s.dmesg = dmesg
	if om != nil {
		om.SetFreeWaker(s.onObjectFreed)
	}
}

func (s *Service) logf(level domain.Level, pid domain.Pid, format string, args ...interface{}) {
	if s.dmesg == nil {
		return
	}
	s.dmesg.Printf(level, pid, format, args...)
}

// --- construction -----------------------------------------------------

func (s *Service) CreateEvent(manualReset, initial bool) domain.ObjectIface {
	return s.om.CreateObject(domain.ObjIpcEvent, &eventBody{manualReset: manualReset, signalled: initial})
}

func (s *Service) CreateMutex() domain.ObjectIface {
	return s.om.CreateObject(domain.ObjIpcMutex, &mutexBody{})
}

func (s *Service) CreateSemaphore(initial, max uint32) domain.ObjectIface {
	return s.om.CreateObject(domain.ObjIpcSemaphore, &semaphoreBody{count: initial, max: max})
}

func (s *Service) CreateTimer() domain.ObjectIface {
	body := &timerBody{}
	obj := s.om.CreateObject(domain.ObjIpcTimer, body)
	s.mu.Lock()
	s.timers = append(s.timers, &timerRegistration{obj: obj, body: body})
	s.mu.Unlock()
	return obj
}

func (s *Service) CreatePipe(capacity uint32) domain.ObjectIface {
	return s.om.CreateObject(domain.ObjIoPipe, &pipeBody{capacity: capacity})
}

func (s *Service) CreateSection(size int) domain.ObjectIface {
	return s.om.CreateObject(domain.ObjIpcSection, &sectionBody{data: make([]byte, size)})
}

func (s *Service) CreateMessageQueue(capacity int, maxMsgSize int) domain.ObjectIface {
	return s.om.CreateObject(domain.ObjIpcMessageQueue, &mqueueBody{capacity: capacity, maxMsgSize: maxMsgSize})
}

// --- events -------------------------------------------------------------

func (s *Service) SetEvent(obj domain.ObjectIface) error {
	eb, ok := obj.Body().(*eventBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not an event")
	}
	eb.mu.Lock()
	eb.signalled = true
	eb.mu.Unlock()
	s.notifyObjectChanged(obj)
	return nil
}

func (s *Service) ResetEvent(obj domain.ObjectIface) error {
	eb, ok := obj.Body().(*eventBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not an event")
	}
	eb.mu.Lock()
	eb.signalled = false
	eb.mu.Unlock()
	return nil
}

func (s *Service) PulseEvent(obj domain.ObjectIface) error {
	eb, ok := obj.Body().(*eventBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not an event")
	}
	eb.mu.Lock()
	eb.signalled = true
	eb.mu.Unlock()
	s.notifyObjectChanged(obj)
	eb.mu.Lock()
	eb.signalled = false
	eb.mu.Unlock()
	return nil
}

// --- mutex ----------------------------------------------------------------

func (s *Service) AcquireMutex(obj domain.ObjectIface, pid domain.Pid, irql domain.Irql) error {
	mb, ok := obj.Body().(*mutexBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not a mutex")
	}
	if irql > domain.IrqlAPC {
		return kerr.New(kerr.Unsuccessful, "cannot sleep above APC")
	}

	mb.mu.Lock()
	if !mb.hasOwner {
		mb.hasOwner = true
		mb.owner = pid
		mb.recursion = 1
		mb.mu.Unlock()
		return nil
	}
	if mb.owner == pid {
		mb.recursion++
		mb.mu.Unlock()
		return nil
	}
	mb.mu.Unlock()

	obj.AddWaiter(pid)
	s.suspend(pid, domain.WaitIpc, 0)
	return kerr.New(kerr.Pending, "mutex acquire suspended")
}

func (s *Service) ReleaseMutex(obj domain.ObjectIface, pid domain.Pid) error {
	mb, ok := obj.Body().(*mutexBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not a mutex")
	}

	mb.mu.Lock()
	if !mb.hasOwner || mb.owner != pid {
		mb.mu.Unlock()
		return kerr.New(kerr.InvalidParameter, "mutex released by non-owner")
	}
	mb.recursion--
	if mb.recursion == 0 {
		mb.hasOwner = false
	}
	released := !mb.hasOwner
	mb.mu.Unlock()

	if released {
		s.notifyObjectChanged(obj)
	}
	return nil
}

// --- semaphore --------------------------------------------------------

func (s *Service) AcquireSemaphore(obj domain.ObjectIface, pid domain.Pid, irql domain.Irql) error {
	sb, ok := obj.Body().(*semaphoreBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not a semaphore")
	}
	if irql > domain.IrqlAPC {
		return kerr.New(kerr.Unsuccessful, "cannot sleep above APC")
	}

	sb.mu.Lock()
	if sb.count > 0 {
		sb.count--
		sb.mu.Unlock()
		return nil
	}
	sb.mu.Unlock()

	obj.AddWaiter(pid)
	s.suspend(pid, domain.WaitIpc, 0)
	return kerr.New(kerr.Pending, "semaphore acquire suspended")
}

func (s *Service) ReleaseSemaphore(obj domain.ObjectIface, n uint32) (uint32, error) {
	sb, ok := obj.Body().(*semaphoreBody)
	if !ok {
		return 0, kerr.New(kerr.InvalidParameter, "object is not a semaphore")
	}

	sb.mu.Lock()
	prior := sb.count
	sb.count += n
	if sb.count > sb.max {
		sb.count = sb.max
	}
	newCount := sb.count
	sb.mu.Unlock()

	if newCount > prior {
		s.notifyObjectChanged(obj)
	}
	return newCount, nil
}

// --- timer --------------------------------------------------------------

func (s *Service) SetTimer(obj domain.ObjectIface, deadline time.Time, period time.Duration) error {
	tb, ok := obj.Body().(*timerBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not a timer")
	}
	tb.mu.Lock()
	tb.deadline = deadline
	tb.period = period
	tb.active = true
	tb.signalled = false
	tb.mu.Unlock()
	return nil
}

func (s *Service) CancelTimer(obj domain.ObjectIface) error {
	tb, ok := obj.Body().(*timerBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not a timer")
	}
	tb.mu.Lock()
	tb.active = false
	tb.mu.Unlock()
	return nil
}

// --- pipe ---------------------------------------------------------------

func (s *Service) PipeWrite(obj domain.ObjectIface, pid domain.Pid, data []byte, irql domain.Irql) (int, error) {
	pb, ok := obj.Body().(*pipeBody)
	if !ok {
		return 0, kerr.New(kerr.InvalidParameter, "object is not a pipe")
	}
	if irql > domain.IrqlAPC {
		return 0, kerr.New(kerr.Unsuccessful, "cannot sleep above APC")
	}

	pb.mu.Lock()
	if pb.closed {
		pb.mu.Unlock()
		return 0, kerr.New(kerr.EndOfFile, "pipe closed")
	}
	free := int(pb.capacity) - len(pb.buf)
	if free <= 0 {
		pb.mu.Unlock()
		obj.AddWaiter(pid)
		s.suspend(pid, domain.WaitIpc, 0)
		return 0, kerr.New(kerr.Pending, "pipe write suspended")
	}
	n := len(data)
	if n > free {
		n = free
	}
	pb.buf = append(pb.buf, data[:n]...)
	pb.mu.Unlock()

	s.notifyObjectChanged(obj)
	return n, nil
}

func (s *Service) PipeRead(obj domain.ObjectIface, pid domain.Pid, n int, irql domain.Irql) ([]byte, error) {
	pb, ok := obj.Body().(*pipeBody)
	if !ok {
		return nil, kerr.New(kerr.InvalidParameter, "object is not a pipe")
	}
	if irql > domain.IrqlAPC {
		return nil, kerr.New(kerr.Unsuccessful, "cannot sleep above APC")
	}

	pb.mu.Lock()
	if len(pb.buf) == 0 {
		closed := pb.closed
		pb.mu.Unlock()
		if closed {
			return nil, kerr.New(kerr.EndOfFile, "pipe closed")
		}
		obj.AddWaiter(pid)
		s.suspend(pid, domain.WaitIpc, 0)
		return nil, kerr.New(kerr.Pending, "pipe read suspended")
	}
	take := n
	if take > len(pb.buf) {
		take = len(pb.buf)
	}
	out := append([]byte(nil), pb.buf[:take]...)
	pb.buf = pb.buf[take:]
	pb.mu.Unlock()

	s.notifyObjectChanged(obj)
	return out, nil
}

func (s *Service) PipeClose(obj domain.ObjectIface) error {
	pb, ok := obj.Body().(*pipeBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not a pipe")
	}
	pb.mu.Lock()
	pb.closed = true
	pb.mu.Unlock()
	s.notifyObjectChanged(obj)
	return nil
}

// --- message queue --------------------------------------------------------

func (s *Service) MQSend(obj domain.ObjectIface, pid domain.Pid, priority int, data []byte, irql domain.Irql) error {
	qb, ok := obj.Body().(*mqueueBody)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "object is not a message queue")
	}
	if irql > domain.IrqlAPC {
		return kerr.New(kerr.Unsuccessful, "cannot sleep above APC")
	}
	if len(data) > qb.maxMsgSize {
		return kerr.New(kerr.InvalidParameter, "message exceeds queue's max message size")
	}

	qb.mu.Lock()
	if len(qb.msgs) >= qb.capacity {
		qb.mu.Unlock()
		obj.AddWaiter(pid)
		s.suspend(pid, domain.WaitIpc, 0)
		return kerr.New(kerr.Pending, "message queue send suspended")
	}

	idx := len(qb.msgs)
	for i, m := range qb.msgs {
		if priority > m.priority {
			idx = i
			break
		}
	}
	qb.msgs = append(qb.msgs, mqMessage{})
	copy(qb.msgs[idx+1:], qb.msgs[idx:])
	qb.msgs[idx] = mqMessage{priority: priority, data: append([]byte(nil), data...)}
	qb.mu.Unlock()

	s.notifyObjectChanged(obj)
	return nil
}

func (s *Service) MQReceive(obj domain.ObjectIface, pid domain.Pid, irql domain.Irql) ([]byte, int, error) {
	qb, ok := obj.Body().(*mqueueBody)
	if !ok {
		return nil, 0, kerr.New(kerr.InvalidParameter, "object is not a message queue")
	}
	if irql > domain.IrqlAPC {
		return nil, 0, kerr.New(kerr.Unsuccessful, "cannot sleep above APC")
	}

	qb.mu.Lock()
	if len(qb.msgs) == 0 {
		qb.mu.Unlock()
		obj.AddWaiter(pid)
		s.suspend(pid, domain.WaitIpc, 0)
		return nil, 0, kerr.New(kerr.Pending, "message queue receive suspended")
	}
	msg := qb.msgs[0]
	qb.msgs = qb.msgs[1:]
	qb.mu.Unlock()

	s.notifyObjectChanged(obj)
	return msg.data, msg.priority, nil
}

// --- wait engine ------------------------------------------------------

func (s *Service) suspend(pid domain.Pid, reason domain.WaitReason, timeout time.Duration) {
	if s.ps == nil {
		return
	}
	p, ok := s.ps.Get(pid)
	if !ok {
		return
	}
	p.SetStatus(domain.StatusSleeping)
	p.SetWaitReason(reason)
	if timeout > 0 {
		p.SetDeadline(time.Now().Add(timeout))
	} else {
		p.ClearDeadline()
	}
}

func (s *Service) wakePid(pid domain.Pid, index int, err error) {
	if s.ps == nil {
		return
	}
	p, ok := s.ps.Get(pid)
	if !ok {
		return
	}
	p.SetResumeArgs([]interface{}{index, err})
	p.SetWaitReason(domain.WaitNone)
	p.ClearDeadline()
	p.SetStatus(domain.StatusReady)
}

func (s *Service) WaitSingle(obj domain.ObjectIface, pid domain.Pid, irql domain.Irql, timeout time.Duration) error {
	_, err := s.WaitMultiple([]domain.ObjectIface{obj}, pid, domain.WaitAny, irql, timeout)
	return err
}

func (s *Service) WaitMultiple(objs []domain.ObjectIface, pid domain.Pid, mode domain.WaitMode, irql domain.Irql, timeout time.Duration) (int, error) {
	if irql > domain.IrqlAPC {
		return -1, kerr.New(kerr.Unsuccessful, "cannot sleep above APC")
	}
	if len(objs) == 0 {
		return -1, kerr.New(kerr.InvalidParameter, "empty wait set")
	}

	switch mode {
	case domain.WaitAny:
		for i, o := range objs {
			if o.Body().Signalled() {
				if c, ok := o.Body().(consumer); ok {
					c.consume(pid)
				}
				return i, nil
			}
		}
	case domain.WaitAll:
		all := true
		for _, o := range objs {
			if !o.Body().Signalled() {
				all = false
				break
			}
		}
		if all {
			for _, o := range objs {
				if c, ok := o.Body().(consumer); ok {
					c.consume(pid)
				}
			}
			return 0, nil
		}
	}

	for _, o := range objs {
		o.AddWaiter(pid)
	}
	wg := &waitGroup{objs: objs, mode: mode}
	if timeout > 0 {
		wg.deadline = time.Now().Add(timeout)
		wg.hasDeadline = true
	}
	s.mu.Lock()
	s.waitGroups[pid] = wg
	s.mu.Unlock()

	s.suspend(pid, domain.WaitIpc, timeout)
	return -1, kerr.New(kerr.Pending, "wait suspended")
}

// clearGroup removes pid's wait-group bookkeeping and detaches it from
// every object it was waiting on.
func (s *Service) clearGroup(pid domain.Pid, wg *waitGroup) {
	s.mu.Lock()
	delete(s.waitGroups, pid)
	s.mu.Unlock()
	for _, o := range wg.objs {
		o.RemoveWaiter(pid)
	}
}

// tryWakeForPid re-evaluates one waiter's condition after triggered's state
// changed. Covers both a plain AddWaiter (mutex/semaphore/pipe/mqueue) and a
// WaitForMultiple group (any/all).
func (s *Service) tryWakeForPid(pid domain.Pid, triggered domain.ObjectIface) {
	s.mu.Lock()
	wg, hasGroup := s.waitGroups[pid]
	s.mu.Unlock()

	if !hasGroup {
		if !triggered.Body().Signalled() {
			return
		}
		if c, ok := triggered.Body().(consumer); ok {
			c.consume(pid)
		}
		triggered.RemoveWaiter(pid)
		s.wakePid(pid, 0, nil)
		return
	}

	switch wg.mode {
	case domain.WaitAny:
		for i, o := range wg.objs {
			if o.Body().Signalled() {
				if c, ok := o.Body().(consumer); ok {
					c.consume(pid)
				}
				s.clearGroup(pid, wg)
				s.wakePid(pid, i, nil)
				return
			}
		}
	case domain.WaitAll:
		for _, o := range wg.objs {
			if !o.Body().Signalled() {
				return
			}
		}
		for _, o := range wg.objs {
			if c, ok := o.Body().(consumer); ok {
				c.consume(pid)
			}
		}
		s.clearGroup(pid, wg)
		s.wakePid(pid, 0, nil)
	}
}

// notifyObjectChanged re-evaluates every current waiter on obj. A single
// call wakes as many waiters as the new state actually satisfies: for an
// auto-reset event or a semaphore the first consuming waiter flips the
// state back off, so later waiters in the same pass stay asleep; for a
// manual-reset event every waiter wakes, since consume is a no-op there.
func (s *Service) notifyObjectChanged(obj domain.ObjectIface) {
	for _, pid := range obj.Waiters() {
		s.tryWakeForPid(pid, obj)
	}
}

// onObjectFreed is installed via SetFreeWaker; every process still waiting
// on the object is woken with an error (spec §4.5).
func (s *Service) onObjectFreed(obj domain.ObjectIface, waiters []domain.Pid) {
	s.mu.Lock()
	for _, pid := range waiters {
		delete(s.waitGroups, pid)
	}
	s.mu.Unlock()
	for _, pid := range waiters {
		s.wakePid(pid, -1, kerr.New(kerr.InvalidHandle, "object freed while waiting"))
	}
}

// --- signals --------------------------------------------------------------

func (s *Service) SignalSend(from, to domain.Pid, sig domain.Signum) error {
	if s.ps == nil {
		return kerr.New(kerr.Unsuccessful, "process service not wired")
	}
	target, ok := s.ps.Get(to)
	if !ok {
		return kerr.New(kerr.InvalidParameter, "no such process: %d", to)
	}

	if sig == domain.SIGKILL {
		target.SetStatus(domain.StatusDead)
		s.logf(domain.LevelSec, to, "SIGKILL delivered from pid %d", from)
		return nil
	}

	s.mu.Lock()
	if s.pendingSignals[to] == nil {
		s.pendingSignals[to] = make(map[domain.Signum]bool)
	}
	s.pendingSignals[to][sig] = true
	s.mu.Unlock()
	return nil
}

func (s *Service) SignalSetHandler(pid domain.Pid, sig domain.Signum, h domain.SignalHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signalHandlers[pid] == nil {
		s.signalHandlers[pid] = make(map[domain.Signum]domain.SignalHandler)
	}
	if h == nil {
		delete(s.signalHandlers[pid], sig)
		return
	}
	s.signalHandlers[pid][sig] = h
}

func (s *Service) SignalSetMask(pid domain.Pid, mask []domain.Signum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := make(map[domain.Signum]bool, len(mask))
	for _, sig := range mask {
		m[sig] = true
	}
	s.signalMask[pid] = m
}

// DeliverPending consumes and runs at most one pending, unmasked signal for
// pid, running its handler to completion before returning so a second
// delivery point never overlaps the first (spec §9 decision).
func (s *Service) DeliverPending(pid domain.Pid) bool {
	s.mu.Lock()
	pending := s.pendingSignals[pid]
	mask := s.signalMask[pid]
	var chosen domain.Signum
	found := false
	for sig := range pending {
		if mask != nil && mask[sig] {
			continue
		}
		chosen = sig
		found = true
		break
	}
	if found {
		delete(pending, chosen)
	}
	var handler domain.SignalHandler
	if found {
		handler = s.signalHandlers[pid][chosen]
	}
	s.mu.Unlock()

	if !found {
		return false
	}
	if handler != nil {
		handler(pid, chosen)
		return true
	}

	switch chosen {
	case domain.SIGTERM:
		if s.ps != nil {
			if p, ok := s.ps.Get(pid); ok {
				p.SetStatus(domain.StatusDead)
			}
		}
		s.logf(domain.LevelInfo, pid, "SIGTERM default action: process terminated")
	case domain.SIGCHLD:
		// ignored by default
	}
	return true
}

// --- IRQL ---------------------------------------------------------------

func (s *Service) RaiseIrql(pid domain.Pid, to domain.Irql) (domain.Irql, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.irql[pid]
	if to < cur {
		return cur, kerr.New(kerr.InvalidParameter, "RaiseIrql to a lower level")
	}
	s.irql[pid] = to
	return cur, nil
}

func (s *Service) LowerIrql(pid domain.Pid, to domain.Irql) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := s.irql[pid]
	if to > cur {
		return kerr.New(kerr.InvalidParameter, "LowerIrql to a higher level")
	}
	s.irql[pid] = to
	return nil
}

func (s *Service) GetIrql(pid domain.Pid) domain.Irql {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.irql[pid]
}

// --- DPC queue + tick -------------------------------------------------

func (s *Service) QueueDPC(fn func()) {
	s.mu.Lock()
	s.dpcQueue = append(s.dpcQueue, fn)
	s.mu.Unlock()
}

// Tick expires due timers, drains exactly the DPCs queued as of entry (so a
// DPC that queues another DPC runs it on the next tick, not this one), and
// times out any WaitForMultiple call past its deadline.
func (s *Service) Tick() {
	now := time.Now()

	s.mu.Lock()
	timers := append([]*timerRegistration(nil), s.timers...)
	s.mu.Unlock()

	for _, tr := range timers {
		tr.body.mu.Lock()
		expired := tr.body.active && !tr.body.deadline.IsZero() && !now.Before(tr.body.deadline)
		if expired {
			tr.body.signalled = true
			if tr.body.period > 0 {
				tr.body.deadline = tr.body.deadline.Add(tr.body.period)
			} else {
				tr.body.active = false
			}
		}
		tr.body.mu.Unlock()
		if expired {
			s.notifyObjectChanged(tr.obj)
		}
	}

	s.mu.Lock()
	dpcs := s.dpcQueue
	s.dpcQueue = nil
	s.mu.Unlock()
	for _, fn := range dpcs {
		fn()
	}

	s.mu.Lock()
	var timedOut []domain.Pid
	for pid, wg := range s.waitGroups {
		if wg.hasDeadline && !now.Before(wg.deadline) {
			timedOut = append(timedOut, pid)
		}
	}
	s.mu.Unlock()

	for _, pid := range timedOut {
		s.mu.Lock()
		wg := s.waitGroups[pid]
		s.mu.Unlock()
		if wg == nil {
			continue
		}
		s.clearGroup(pid, wg)
		s.wakePid(pid, -1, kerr.New(kerr.Timeout, "wait timed out"))
	}
}

var _ domain.IpcServiceIface = (*Service)(nil)
