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

// Package proc implements the process table and scheduler (spec §4.3): a
// sync.RWMutex-guarded map of process records (state/containerDB.go's
// idTable shape) combined with a round-robin resume loop
// carrying watchdog and OOM enforcement, structured the way
// process/process.go separates a processService (the table + factory) from
// the per-record process type.
package proc

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	uuid "github.com/hashicorp/go-uuid"

	"github.com/nanokernel/kernel/domain"
)

const (
	// DefaultWatchdogWarn is the wall-clock slice length after which a
	// strike is recorded against a process (spec §4.3).
	DefaultWatchdogWarn = 2 * time.Second
	// WatchdogStrikeLimit is the number of strikes before a kill.
	WatchdogStrikeLimit = 3
	// DefaultOOMFloorBytes is the free-memory floor that triggers the OOM
	// killer (spec §4.3).
	DefaultOOMFloorBytes = 32 * 1024
)

// mintSynapseToken produces an unguessable per-process token. Kept local to
// this package (rather than shared with ob's handle tokens) since a
// process's synapse token and an object handle's are different trust
// boundaries that happen to use the same entropy source.
func mintSynapseToken() string {
	raw, err := uuid.GenerateRandomBytes(16)
	if err != nil {
		// uuid.GenerateRandomBytes only fails if crypto/rand itself is
		// broken; there is no sane fallback for a token meant to be
		// unforgeable, so this permanently ties the process to a
		// recognizably-degraded token rather than panicking the host.
		return "degraded-token"
	}
	return fmt.Sprintf("p-%x", raw)
}

type process struct {
	mu sync.Mutex

	pid       domain.Pid
	parentPid domain.Pid
	pgid      domain.Pid
	uid       uint32
	ring      domain.Ring

	status     domain.Status
	waitReason domain.WaitReason
	deadline   time.Time
	hasDeadln  bool

	synapseToken string
	accounting   domain.PreemptAccounting
	resumeArgs   []interface{}
	task         domain.Task
	namespace    domain.NamespaceIface
}

func (p *process) Pid() domain.Pid       { return p.pid }
func (p *process) ParentPid() domain.Pid { return p.parentPid }

func (p *process) Pgid() domain.Pid {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pgid
}

func (p *process) SetPgid(pgid domain.Pid) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pgid = pgid
}

func (p *process) Uid() uint32    { return p.uid }
func (p *process) Ring() domain.Ring {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ring
}

func (p *process) SetRing(r domain.Ring) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ring = r
}

func (p *process) Status() domain.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *process) SetStatus(s domain.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = s
}

func (p *process) WaitReason() domain.WaitReason {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waitReason
}

func (p *process) SetWaitReason(w domain.WaitReason) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.waitReason = w
}

func (p *process) Deadline() (time.Time, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.deadline, p.hasDeadln
}

func (p *process) SetDeadline(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deadline = t
	p.hasDeadln = true
}

func (p *process) ClearDeadline() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.hasDeadln = false
}

func (p *process) SynapseToken() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.synapseToken
}

func (p *process) RotateSynapseToken() string {
	tok := mintSynapseToken()
	p.mu.Lock()
	p.synapseToken = tok
	p.mu.Unlock()
	return tok
}

func (p *process) Accounting() *domain.PreemptAccounting { return &p.accounting }

func (p *process) ResumeArgs() []interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resumeArgs
}

func (p *process) SetResumeArgs(args []interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resumeArgs = args
}

func (p *process) Task() domain.Task { return p.task }

func (p *process) Namespace() domain.NamespaceIface { return p.namespace }

// sandboxKey is the stable identity the sandbox factory's per-process
// guards and checkpoint counters are keyed by.
func (p *process) sandboxKey() string {
	return fmt.Sprintf("pid-%d", p.pid)
}

var _ domain.ProcessIface = (*process)(nil)

// Service is the process table and scheduler.
type Service struct {
	mu      sync.RWMutex
	table   map[domain.Pid]*process
	nextPid domain.Pid
	stats   domain.SchedStats

	host    domain.HostServiceIface
	ipc     domain.IpcServiceIface
	pm      domain.PipelineManagerIface
	pg      domain.PatchGuardIface
	om      domain.ObjectManagerIface
	dmesg   domain.DmesgIface
	sandbox domain.SandboxFactoryIface

	watchdogWarn  time.Duration
	oomFloorBytes uint64
}

// NewService constructs an empty process table. PID 0 is reserved for the
// kernel boot process and is never handed out by Spawn.
func NewService() *Service {
	return &Service{
		table:         make(map[domain.Pid]*process),
		nextPid:       domain.SystemPidThreshold,
		watchdogWarn:  DefaultWatchdogWarn,
		oomFloorBytes: DefaultOOMFloorBytes,
	}
}

// Setup wires the collaborating services, mirroring the repository's
// two-phase New()+Setup() construction.
func (s *Service) Setup(
	host domain.HostServiceIface,
	ipc domain.IpcServiceIface,
	pm domain.PipelineManagerIface,
	pg domain.PatchGuardIface,
	om domain.ObjectManagerIface,
	dmesg domain.DmesgIface,
	sandbox domain.SandboxFactoryIface,
) {
	s.host = host
	s.ipc = ipc
	s.pm = pm
	s.pg = pg
	s.om = om
	s.dmesg = dmesg
	s.sandbox = sandbox
}

// Spawn allocates a new process record, inheriting the parent's inheritable
// handles if om is wired and a parent is given.
func (s *Service) Spawn(parent domain.Pid, ring domain.Ring, uid uint32, task domain.Task) (domain.ProcessIface, error) {
	s.mu.Lock()
	pid := s.nextPid
	s.nextPid++

	p := &process{
		pid:          pid,
		parentPid:    parent,
		pgid:         pid,
		uid:          uid,
		ring:         ring,
		status:       domain.StatusReady,
		synapseToken: mintSynapseToken(),
		task:         task,
	}

	// Every process gets the three-layer namespace proxy (spec §4.2); only
	// ring>=2.5 (guest-instrumented) processes get their root task routed
	// through the sub-task bypass guard, since ring<=2 (kernel/driver) code
	// is trusted and never instrumented.
	if s.sandbox != nil {
		p.namespace = s.sandbox.NewNamespace(ring, "stdin", "stdout", "stderr")
		if domain.Ring2_5.AtLeast(ring) {
			p.task = s.sandbox.WrapTaskCreate(p.sandboxKey(), func() domain.Task { return task })()
		}
	}

	s.table[pid] = p
	s.mu.Unlock()

	if s.om != nil && parent != 0 {
		if err := s.om.DuplicateInheritable(parent, pid, p.synapseToken); err != nil {
			s.logf(domain.LevelWarn, pid, "handle inheritance from pid %d failed: %v", parent, err)
		}
	}

	s.logf(domain.LevelInfo, pid, "process spawned: parent=%d ring=%s uid=%d", parent, ring, uid)
	return p, nil
}

func (s *Service) Get(pid domain.Pid) (domain.ProcessIface, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.table[pid]
	if !ok {
		return nil, false
	}
	return p, true
}

func (s *Service) List() []domain.ProcessIface {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pids := make([]domain.Pid, 0, len(s.table))
	for pid := range s.table {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })

	out := make([]domain.ProcessIface, 0, len(pids))
	for _, pid := range pids {
		out = append(out, s.table[pid])
	}
	return out
}

// Kill marks pid dead immediately; handle/table cleanup is finished by the
// next Tick (spec invariant: status==dead within at most one iteration).
func (s *Service) Kill(pid domain.Pid, reason string) error {
	s.mu.RLock()
	p, ok := s.table[pid]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no such process: %d", pid)
	}

	p.SetStatus(domain.StatusDead)
	s.logf(domain.LevelSec, pid, "process killed: %s", reason)
	return nil
}

func (s *Service) Stats() domain.SchedStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.stats
}

func (s *Service) logf(level domain.Level, pid domain.Pid, format string, args ...interface{}) {
	if s.dmesg != nil {
		s.dmesg.Printf(level, pid, format, args...)
		return
	}
	logrus.Debugf(format, args...)
}

// Tick runs one scheduler iteration: resume every ready process, enforce
// the watchdog and OOM floor, run the IPC and PatchGuard ticks, and reap
// dead processes. It returns the pids reaped this iteration.
func (s *Service) Tick() []domain.Pid {
	s.mu.RLock()
	ready := make([]*process, 0, len(s.table))
	for _, p := range s.table {
		if p.Status() == domain.StatusReady {
			ready = append(ready, p)
		}
	}
	s.mu.RUnlock()

	sort.Slice(ready, func(i, j int) bool { return ready[i].pid < ready[j].pid })

	for _, p := range ready {
		s.resumeOne(p)
	}

	if s.ipc != nil {
		s.ipc.Tick()
	}
	if s.pg != nil {
		s.pg.Tick()
	}

	s.checkOOM()

	s.mu.Lock()
	s.stats.Iterations++
	var reaped []domain.Pid
	for pid, p := range s.table {
		if p.Status() == domain.StatusDead {
			reaped = append(reaped, pid)
			delete(s.table, pid)
		}
	}
	s.mu.Unlock()

	for _, pid := range reaped {
		if s.om != nil {
			s.om.DestroyProcessHandles(pid)
		}
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i] < reaped[j] })
	return reaped
}

func (s *Service) resumeOne(p *process) {
	p.SetStatus(domain.StatusRunning)

	gated := s.sandbox != nil && domain.Ring2_5.AtLeast(p.Ring())
	if gated {
		s.sandbox.StartSlice(p.sandboxKey())
	}

	start := time.Now()
	done, err := p.task.Resume(p.ResumeArgs())
	elapsed := time.Since(start)

	acc := p.Accounting()
	acc.CPUTime += elapsed
	acc.LastSlice = elapsed
	if elapsed > acc.MaxSlice {
		acc.MaxSlice = elapsed
	}

	if err != nil {
		s.logf(domain.LevelFail, p.pid, "task error: %v", err)
		p.SetStatus(domain.StatusDead)
	} else if done {
		p.SetStatus(domain.StatusDead)
	} else if p.Status() == domain.StatusRunning {
		// Resume returned control without the task having voluntarily
		// blocked. For a ring>=2.5 task, only count this as a real
		// quantum-exhaustion preemption once the sandbox's checkpoint
		// counter/clock confirms it; ring<=2 tasks aren't instrumented, so
		// every such return is treated as a preemption as before.
		preempted := true
		if gated {
			preempted = s.sandbox.Checkpoint(p.sandboxKey())
		}
		if preempted {
			acc.PreemptCount++
			s.mu.Lock()
			s.stats.Preemptions++
			s.mu.Unlock()
		}
		p.SetStatus(domain.StatusReady)
	}

	if elapsed > s.watchdogWarn && p.Status() != domain.StatusDead {
		acc.WatchdogStrikes++
		if acc.WatchdogStrikes >= WatchdogStrikeLimit {
			p.SetStatus(domain.StatusDead)
			s.mu.Lock()
			s.stats.Watchdogkills++
			s.mu.Unlock()
			s.logf(domain.LevelSec, p.pid, "watchdog kill: %d consecutive strikes", acc.WatchdogStrikes)
		}
	}

	if s.host != nil {
		if ev, ok := s.host.PullEvent(0); ok && s.pm != nil {
			s.pm.HardwareInterrupt(ev.Type, ev.Payload)
		}
	}
}

// checkOOM kills the highest-accumulated-CPU ring-3 process when free
// memory sits below the configured floor (spec §4.3).
func (s *Service) checkOOM() {
	if s.host == nil {
		return
	}
	mem, err := s.host.MemInfo()
	if err != nil || mem.Free >= s.oomFloorBytes {
		return
	}

	s.mu.RLock()
	var victim *process
	for _, p := range s.table {
		if p.Ring() != domain.Ring3 || p.Status() == domain.StatusDead {
			continue
		}
		if victim == nil || p.Accounting().CPUTime > victim.Accounting().CPUTime {
			victim = p
		}
	}
	s.mu.RUnlock()

	if victim == nil {
		return
	}
	victim.SetStatus(domain.StatusDead)
	s.mu.Lock()
	s.stats.OOMKills++
	s.mu.Unlock()
	s.logf(domain.LevelFail, victim.pid, "OOM kill: free memory %d below floor %d", mem.Free, s.oomFloorBytes)
}

var _ domain.ProcessServiceIface = (*Service)(nil)
