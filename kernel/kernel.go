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

// Package kernel wires every subsystem together and exposes the top-level
// Boot/Tick/Halt API, the same role cmd/sysbox-fs/main.go's
// construction block plays, generalized from a single fuse-fs process into
// a kernel with many collaborating services.
package kernel

import (
	"time"

	"github.com/nanokernel/kernel/boot"
	"github.com/nanokernel/kernel/dispatch"
	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/host"
	"github.com/nanokernel/kernel/ipc"
	"github.com/nanokernel/kernel/irp"
	"github.com/nanokernel/kernel/klog"
	"github.com/nanokernel/kernel/ob"
	"github.com/nanokernel/kernel/patchguard"
	"github.com/nanokernel/kernel/proc"
	"github.com/nanokernel/kernel/registry"
	"github.com/nanokernel/kernel/sandbox"
)

// Kernel owns every subsystem instance and the wiring between them.
type Kernel struct {
	Host       *host.Service
	Dmesg      *klog.Service
	Volume     *boot.Volume
	Objects    *ob.Manager
	Registry   *registry.Service
	Sandbox    *sandbox.Factory
	Ipc        *ipc.Service
	Proc       *proc.Service
	Pipeline   *irp.Manager
	Dispatcher *dispatch.Service
	PatchGuard *patchguard.Service

	booted bool
}

// New constructs every subsystem and wires their collaborators together,
// mirroring the repository's two-phase New()+Setup() construction order:
// host, dmesg, volume first (no collaborators of their own), then object
// manager / registry / sandbox, then IPC and the process table (wired to
// each other to break the cycle described in the process record's IPC
// dependency and IPC's wait-wake dependency on process state), then the
// Pipeline Manager, syscall dispatcher, and PatchGuard last since each
// needs something built before it. haltFn/rebootFn are injected so
// cmd/kerneld can wire real host shutdown while tests stay hermetic.
func New(haltFn, rebootFn func(reason string)) *Kernel {
	k := &Kernel{
		Host:     host.NewService(haltFn, rebootFn),
		Dmesg:    klog.NewService(time.Now()),
		Volume:   boot.NewVolume(),
		Objects:  ob.NewManager(),
		Registry: registry.NewService(),
		Sandbox:  sandbox.NewFactory(),
		Ipc:      ipc.NewService(),
		Proc:     proc.NewService(),
		Pipeline: irp.NewManager(),
	}

	k.Dmesg.CrashWriter = k.Volume.WriteCrashDump
	k.Dmesg.Halt = func(stopCode string) {
		k.Volume.SetCrashCause(crashCauseByte(stopCode))
		k.Host.Halt(stopCode)
	}

	k.Ipc.Setup(k.Objects, k.Proc, k.Dmesg)
	k.Pipeline.Setup(k.Objects, k.Dmesg)
	k.Pipeline.SetPid(domain.PipelineManagerPid)

	k.Dispatcher = dispatch.NewService()
	k.Dispatcher.Setup(k.Proc, k.Dmesg)

	k.PatchGuard = patchguard.NewService()
	k.PatchGuard.Setup(k.Dispatcher, k.Pipeline, k.Dmesg)

	k.Proc.Setup(k.Host, k.Ipc, k.Pipeline, k.PatchGuard, k.Objects, k.Dmesg, k.Sandbox)

	k.registerSyscalls()
	return k
}

// crashCauseByte maps a stop code string to the single EEPROM crash-cause
// byte read back on next boot (spec §6 persisted state, §7 user-visible
// behaviour); unrecognised stop codes still record a nonzero generic
// cause so the boot-time warning fires.
func crashCauseByte(stopCode string) byte {
	if stopCode == "CRITICAL_STRUCTURE_CORRUPTION" {
		return 1
	}
	return 2
}

// Boot performs the dataflow spec §2 describes: bump the boot counter,
// read back (and log) any crash cause left by the previous run, seed the
// screen log level, and record the Pipeline Manager's reserved pid. It
// does not itself spawn the kernel or Pipeline Manager as scheduled
// processes -- both are reserved, always-addressable identities
// (KernelBootPid, PipelineManagerPid) below SystemPidThreshold, the same
// boundary below which the synapse-token check may be bypassed (spec §3)
// -- rather than guest-visible scheduler entries.
func (k *Kernel) Boot() {
	count := k.Volume.IncrementBootCounter()
	k.Dmesg.Printf(domain.LevelInfo, domain.KernelBootPid, "boot #%d", count)

	if cause := k.Volume.ConsumeCrashCause(); cause != 0 {
		k.Dmesg.Printf(domain.LevelSec, domain.KernelBootPid, "previous run halted with crash cause %d", cause)
	}

	k.booted = true
}

// Tick runs one scheduler iteration (spec §4.3), which in turn drives the
// IPC tick and the PatchGuard tick internally (proc.Service.Tick). It
// returns the pids reaped this iteration.
func (k *Kernel) Tick() []domain.Pid {
	if !k.booted {
		panic("kernel: Tick called before Boot")
	}
	return k.Proc.Tick()
}

// Halt stops the host directly, bypassing the panic/crash-dump path (used
// for a clean shutdown, e.g. SIGTERM, rather than an integrity failure).
func (k *Kernel) Halt(reason string) {
	k.Dmesg.Printf(domain.LevelInfo, domain.KernelBootPid, "halt requested: %s", reason)
	k.Host.Halt(reason)
}

// Spawn is the Go-level equivalent of the `process_spawn`/`process_thread`
// syscalls: it allocates a process record, which wires every process
// through the sandbox factory's namespace and, for ring >= 2.5, its
// sub-task guard and quantum checkpoint (proc.Service.Spawn/resumeOne).
// Guest-language loading itself (compiling path's source) is out of scope
// -- task is already a runnable domain.Task by the time Spawn is called.
func (k *Kernel) Spawn(parent domain.Pid, ring domain.Ring, uid uint32, task domain.Task) (domain.ProcessIface, error) {
	return k.Proc.Spawn(parent, ring, uid, task)
}
