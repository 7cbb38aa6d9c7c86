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

package kernel

import (
	"strings"
	"time"

	"github.com/nanokernel/kernel/dispatch"
	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

// rings builds a SyscallRecord's ring-grant set from the discrete labels
// spec §6 uses (0, 1, 2, 2.5, 3) rather than a numeric floor, since 2.5
// sits out of numeric order between 2 and 3.
func rings(rs ...domain.Ring) map[domain.Ring]bool {
	m := make(map[domain.Ring]bool, len(rs))
	for _, r := range rs {
		m[r] = true
	}
	return m
}

var (
	ringsAll    = rings(domain.Ring0, domain.Ring1, domain.Ring2, domain.Ring3)
	ringsKernel = rings(domain.Ring0, domain.Ring1)
	ringsSystem = rings(domain.Ring0, domain.Ring1, domain.Ring2)
	ringsGuest  = rings(domain.Ring3)
)

// registerSyscalls installs the full spec §6 syscall surface against the
// dispatcher. Grouped by family the same way fuse/handlers.go
// registers one FUSE opcode handler per file-operation family.
func (k *Kernel) registerSyscalls() {
	k.registerProcessSyscalls()
	k.registerVfsSyscalls()
	k.registerObjectSyscalls()
	k.registerIpcSyscalls()
	k.registerSynapseSyscalls()
	k.registerRegistrySyscalls()
	k.registerDiagnosticSyscalls()
}

func (k *Kernel) reg(name string, rs map[domain.Ring]bool, h domain.SyscallHandler) {
	k.Dispatcher.Register(domain.SyscallRecord{Name: name, Handler: h, Rings: rs})
}

// --- Process family ---------------------------------------------------

func (k *Kernel) registerProcessSyscalls() {
	k.reg("process_spawn", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		// path is the guest source location; since loading guest source is
		// out of scope here, process_spawn expects the caller to have
		// already prepared a domain.Task and pass it positionally.
		ring, err := argRing(args, 1)
		if err != nil {
			return nil, err
		}
		task, ok := interfaceArg(args, 0)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "process_spawn requires a runnable task")
		}
		t, ok := task.(domain.Task)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "process_spawn argument 0 is not a runnable task")
		}
		child, err := k.Proc.Spawn(caller.Pid(), ring, caller.Uid(), t)
		if err != nil {
			return nil, err
		}
		return child.Pid(), nil
	})

	k.reg("process_thread", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		task, ok := interfaceArg(args, 0)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "process_thread requires a runnable task")
		}
		t, ok := task.(domain.Task)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "process_thread argument 0 is not a runnable task")
		}
		child, err := k.Proc.Spawn(caller.Pid(), caller.Ring(), caller.Uid(), t)
		if err != nil {
			return nil, err
		}
		return child.Pid(), nil
	})

	k.reg("process_wait", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		pid, err := argPid(args, 0)
		if err != nil {
			return nil, err
		}
		if _, alive := k.Proc.Get(pid); !alive {
			return true, nil
		}
		// No dedicated pid-wait-wake queue is built; the caller re-issues
		// process_wait each iteration until the target is reaped, the same
		// polling shape the scheduler itself uses for readiness.
		return nil, kerr.New(kerr.Pending, "target still running")
	})

	k.reg("process_kill", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		pid, err := argPid(args, 0)
		if err != nil {
			return nil, err
		}
		target, ok := k.Proc.Get(pid)
		if !ok {
			return nil, kerr.New(kerr.InvalidHandle, "no such process: %d", pid)
		}
		if err := dispatch.CheckSignalPrivilege(k.Proc, caller, target); err != nil {
			return nil, err
		}
		if len(args) < 2 {
			return nil, k.Proc.Kill(pid, "process_kill")
		}
		sig, err := argInt(args, 1)
		if err != nil {
			return nil, err
		}
		if domain.Signum(sig) == domain.SIGKILL {
			return nil, k.Proc.Kill(pid, "process_kill: SIGKILL")
		}
		return nil, k.Ipc.SignalSend(caller.Pid(), pid, domain.Signum(sig))
	})

	k.reg("process_yield", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return nil, nil
	})

	k.reg("process_elevate", ringsGuest, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		newRing, err := argRing(args, 0)
		if err != nil {
			return nil, err
		}
		// Widening is always refused; a process may only narrow its own
		// ring. The synapse token is re-minted on any ring change so a
		// handle referencing the old privilege level can't be replayed.
		if newRing.MorePrivilegedThan(caller.Ring()) {
			return nil, kerr.New(kerr.PrivilegeNotHeld, "process_elevate: ring %s cannot widen to ring %s", caller.Ring(), newRing)
		}
		if newRing == caller.Ring() {
			return caller.SynapseToken(), nil
		}
		caller.SetRing(newRing)
		return caller.RotateSynapseToken(), nil
	})

	k.reg("process_get_pid", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return caller.Pid(), nil
	})
	k.reg("process_get_ring", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return caller.Ring(), nil
	})
	k.reg("process_get_uid", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return caller.Uid(), nil
	})
	k.reg("process_list", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		procs := k.Proc.List()
		pids := make([]domain.Pid, len(procs))
		for i, p := range procs {
			pids[i] = p.Pid()
		}
		return pids, nil
	})
}

// --- VFS family (forwarded to the Pipeline Manager) --------------------

// vfsMajor maps a vfs_* syscall name to the IRP major function and the
// device-control sub-operation name carried in Params["op"] for the
// majors that have no dedicated major function of their own (spec §4.7
// only defines CREATE/CLOSE/READ/WRITE/DEVICE_CONTROL).
var vfsMajor = map[string]domain.MajorFunction{
	"vfs_open":           domain.IrpCreate,
	"vfs_read":           domain.IrpRead,
	"vfs_write":          domain.IrpWrite,
	"vfs_close":          domain.IrpClose,
	"vfs_list":           domain.IrpDeviceControl,
	"vfs_delete":         domain.IrpDeviceControl,
	"vfs_mkdir":          domain.IrpDeviceControl,
	"vfs_chmod":          domain.IrpDeviceControl,
	"vfs_device_control": domain.IrpDeviceControl,
	"driver_load":        domain.IrpDeviceControl,
}

// resolveDevice splits a `\Device\<name>\...` or `\Device\<name>` path into
// the device name the Pipeline Manager registers drivers under and the
// remainder of the path.
func resolveDevice(path string) (device, rest string) {
	trimmed := strings.TrimPrefix(path, `\Device\`)
	parts := strings.SplitN(trimmed, `\`, 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return parts[0], ""
}

// vfsOverrideHandler builds an IRP from the syscall's already-sanitized
// args and submits it to the Pipeline Manager. Submission is synchronous
// (irp/irp.go's Manager.Submit calls the driver inline), so the result is
// already known by the time this returns; it's delivered to the sleeping
// caller via ResumeArgs rather than literally round-tripping through an
// IPC "irp_dispatch" signal, since there is exactly one host thread and no
// separate Pipeline Manager process loop to hand the IRP to.
func (k *Kernel) vfsOverrideHandler(caller domain.ProcessIface, name string, args []interface{}) error {
	major, ok := vfsMajor[name]
	if !ok {
		return kerr.New(kerr.NotImplemented, "unrecognised vfs syscall: %s", name)
	}

	path := optString(args, 0, "")
	device, rest := resolveDevice(path)
	if name == "driver_load" {
		device = "supervisor"
		rest = path
	}

	params := map[string]interface{}{"path": rest, "args": args}
	if name == "vfs_list" || name == "vfs_delete" || name == "vfs_mkdir" || name == "vfs_chmod" || name == "driver_load" {
		params["op"] = strings.TrimPrefix(name, "vfs_")
	}

	irp := domain.NewIrp(device, major, caller.Pid(), params)
	submitErr := k.Pipeline.Submit(irp)

	status := irp.Status
	caller.SetResumeArgs([]interface{}{status.Status, status.Information})
	caller.SetStatus(domain.StatusReady)
	caller.SetWaitReason(domain.WaitNone)

	return submitErr
}

func (k *Kernel) registerVfsSyscalls() {
	notImplemented := func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return nil, kerr.New(kerr.NotImplemented, "no Pipeline Manager override installed")
	}
	for name := range vfsMajor {
		k.reg(name, ringsAll, notImplemented)
		if err := k.Dispatcher.RegisterOverride(name, domain.PipelineManagerPid, k.vfsOverrideHandler); err != nil {
			k.Dmesg.Printf(domain.LevelWarn, domain.KernelBootPid, "failed to install vfs override for %s: %v", name, err)
		}
	}
}

// --- Object family -------------------------------------------------------

// anonBody is a minimal, non-waitable object body for objects created
// directly by ob_create_object rather than by one of the IPC primitive
// constructors.
type anonBody struct{}

func (anonBody) Waitable() bool  { return false }
func (anonBody) Signalled() bool { return false }

func (k *Kernel) registerObjectSyscalls() {
	k.reg("ob_create_object", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		typ, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		path := optString(args, 1, "")
		obj := k.Objects.CreateObject(domain.ObjectType(typ), anonBody{})
		if path != "" {
			if err := k.Objects.InsertObject(obj, path); err != nil {
				return nil, err
			}
		}
		return obj, nil
	})

	k.reg("ob_create_handle", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		access, err := argUint32(args, 1)
		if err != nil {
			return nil, err
		}
		inheritable, _ := argBool(args, 2)
		token, err := k.Objects.CreateHandle(caller.Pid(), obj, access, caller.SynapseToken(), inheritable)
		if err != nil {
			return nil, err
		}
		return token, nil
	})

	k.reg("ob_reference_by_handle", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		token, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		access, err := argUint32(args, 1)
		if err != nil {
			return nil, err
		}
		return k.Objects.ReferenceObjectByHandle(caller.Pid(), token, access, caller.SynapseToken())
	})

	k.reg("ob_close_handle", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		token, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Objects.CloseHandle(caller.Pid(), token)
	})

	k.reg("ob_set_standard_handle", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		slot, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		token, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		return nil, k.Objects.SetStandardHandle(caller.Pid(), slot, token)
	})

	k.reg("ob_get_standard_handle", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		slot, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		token, ok := k.Objects.GetStandardHandle(caller.Pid(), slot)
		if !ok {
			return nil, kerr.New(kerr.HandleNotFound, "no handle in slot %d", slot)
		}
		return token, nil
	})

	k.reg("ob_dump_directory", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Objects.DumpDirectory(path)
	})
}

// --- IPC family ------------------------------------------------------

func (k *Kernel) registerIpcSyscalls() {
	k.reg("ke_create_event", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		manualReset, _ := argBool(args, 0)
		initial, _ := argBool(args, 1)
		return k.Ipc.CreateEvent(manualReset, initial), nil
	})
	k.reg("ke_create_mutex", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return k.Ipc.CreateMutex(), nil
	})
	k.reg("ke_create_semaphore", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		initial, err := argUint32(args, 0)
		if err != nil {
			return nil, err
		}
		max, err := argUint32(args, 1)
		if err != nil {
			return nil, err
		}
		return k.Ipc.CreateSemaphore(initial, max), nil
	})
	k.reg("ke_create_timer", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return k.Ipc.CreateTimer(), nil
	})
	k.reg("ke_create_pipe", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		capacity, err := argUint32(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Ipc.CreatePipe(capacity), nil
	})
	k.reg("ke_create_named_pipe", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		capacity, err := argUint32(args, 0)
		if err != nil {
			return nil, err
		}
		path, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		obj := k.Ipc.CreatePipe(capacity)
		if err := k.Objects.InsertObject(obj, path); err != nil {
			return nil, err
		}
		return obj, nil
	})
	k.reg("ke_create_section", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		size, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Ipc.CreateSection(size), nil
	})
	k.reg("ke_create_mqueue", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		capacity, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		maxMsgSize, err := argInt(args, 1)
		if err != nil {
			return nil, err
		}
		return k.Ipc.CreateMessageQueue(capacity, maxMsgSize), nil
	})

	k.reg("ke_set_event", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Ipc.SetEvent(obj)
	})
	k.reg("ke_reset_event", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Ipc.ResetEvent(obj)
	})
	k.reg("ke_pulse_event", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Ipc.PulseEvent(obj)
	})

	k.reg("ke_release_mutex", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Ipc.ReleaseMutex(obj, caller.Pid())
	})
	k.reg("ke_release_semaphore", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		n, err := argUint32(args, 1)
		if err != nil {
			return nil, err
		}
		return k.Ipc.ReleaseSemaphore(obj, n)
	})

	k.reg("ke_set_timer", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		delay, err := argDuration(args, 1)
		if err != nil {
			return nil, err
		}
		period, _ := argDuration(args, 2)
		return nil, k.Ipc.SetTimer(obj, time.Now().Add(delay), period)
	})
	k.reg("ke_cancel_timer", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Ipc.CancelTimer(obj)
	})

	k.reg("ke_wait_single", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		timeout, _ := argDuration(args, 1)
		return nil, k.Ipc.WaitSingle(obj, caller.Pid(), k.Ipc.GetIrql(caller.Pid()), timeout)
	})
	k.reg("ke_wait_multiple", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		objsArg, ok := interfaceArg(args, 0)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "ke_wait_multiple requires an object list")
		}
		objs, ok := objsArg.([]domain.ObjectIface)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "argument 0 must be a list of objects")
		}
		waitAll, _ := argBool(args, 1)
		timeout, _ := argDuration(args, 2)
		mode := domain.WaitAny
		if waitAll {
			mode = domain.WaitAll
		}
		return k.Ipc.WaitMultiple(objs, caller.Pid(), mode, k.Ipc.GetIrql(caller.Pid()), timeout)
	})

	k.reg("ke_signal_send", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		pid, err := argPid(args, 0)
		if err != nil {
			return nil, err
		}
		sig, err := argInt(args, 1)
		if err != nil {
			return nil, err
		}
		target, ok := k.Proc.Get(pid)
		if !ok {
			return nil, kerr.New(kerr.InvalidHandle, "no such process: %d", pid)
		}
		if err := dispatch.CheckSignalPrivilege(k.Proc, caller, target); err != nil {
			return nil, err
		}
		return nil, k.Ipc.SignalSend(caller.Pid(), pid, domain.Signum(sig))
	})
	k.reg("ke_signal_handler", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		sig, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		pid := caller.Pid()
		k.Ipc.SignalSetHandler(pid, domain.Signum(sig), func(p domain.Pid, s domain.Signum) {
			k.Dmesg.Printf(domain.LevelInfo, p, "delivered signal %d to registered handler", s)
		})
		return nil, nil
	})
	k.reg("ke_signal_mask", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		raw, ok := interfaceArg(args, 0)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "ke_signal_mask requires a signal list")
		}
		var mask []domain.Signum
		switch v := raw.(type) {
		case []domain.Signum:
			mask = v
		case []int:
			for _, n := range v {
				mask = append(mask, domain.Signum(n))
			}
		default:
			return nil, kerr.New(kerr.InvalidParameter, "argument 0 must be a signal list")
		}
		k.Ipc.SignalSetMask(caller.Pid(), mask)
		return nil, nil
	})
	k.reg("ke_signal_group", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		pgid, err := argPid(args, 0)
		if err != nil {
			return nil, err
		}
		sig, err := argInt(args, 1)
		if err != nil {
			return nil, err
		}
		var firstErr error
		for _, p := range k.Proc.List() {
			if p.Pgid() != pgid {
				continue
			}
			if err := dispatch.CheckSignalPrivilege(k.Proc, caller, p); err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if err := k.Ipc.SignalSend(caller.Pid(), p.Pid(), domain.Signum(sig)); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return nil, firstErr
	})

	k.reg("ke_mq_send", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		priority, err := argInt(args, 1)
		if err != nil {
			return nil, err
		}
		data, err := argBytes(args, 2)
		if err != nil {
			return nil, err
		}
		return nil, k.Ipc.MQSend(obj, caller.Pid(), priority, data, k.Ipc.GetIrql(caller.Pid()))
	})
	k.reg("ke_mq_receive", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		obj, err := argObject(args, 0)
		if err != nil {
			return nil, err
		}
		data, priority, err := k.Ipc.MQReceive(obj, caller.Pid(), k.Ipc.GetIrql(caller.Pid()))
		if err != nil {
			return nil, err
		}
		return []interface{}{data, priority}, nil
	})

	k.reg("ke_raise_irql", ringsSystem, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		to, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Ipc.RaiseIrql(caller.Pid(), domain.Irql(to))
	})
	k.reg("ke_lower_irql", ringsSystem, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		to, err := argInt(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Ipc.LowerIrql(caller.Pid(), domain.Irql(to))
	})
	k.reg("ke_get_irql", ringsSystem, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return k.Ipc.GetIrql(caller.Pid()), nil
	})
}

// --- Synapse token family ----------------------------------------------

func (k *Kernel) registerSynapseSyscalls() {
	k.reg("synapse_get_token", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return caller.SynapseToken(), nil
	})
	k.reg("synapse_validate", ringsSystem, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		token, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		pid, err := argPid(args, 1)
		if err != nil {
			return nil, err
		}
		target, ok := k.Proc.Get(pid)
		if !ok {
			return nil, kerr.New(kerr.InvalidHandle, "no such process: %d", pid)
		}
		if target.SynapseToken() != token {
			return nil, kerr.New(kerr.SynapseTokenMismatch, "token does not match process %d", pid)
		}
		return true, nil
	})
	k.reg("synapse_rotate", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return caller.RotateSynapseToken(), nil
	})
}

// --- Registry family -----------------------------------------------------

func (k *Kernel) registerRegistrySyscalls() {
	k.reg("reg_create_key", ringsSystem, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Registry.CreateKey(path, caller.Ring())
	})
	k.reg("reg_delete_key", ringsSystem, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return nil, k.Registry.DeleteKey(path, caller.Ring())
	})
	k.reg("reg_set_value", ringsSystem, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		name, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		v, ok := interfaceArg(args, 2)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "reg_set_value requires a value")
		}
		val, ok := v.(domain.Value)
		if !ok {
			return nil, kerr.New(kerr.InvalidParameter, "argument 2 must be a registry value")
		}
		return nil, k.Registry.SetValue(path, name, val, caller.Ring())
	})
	k.reg("reg_get_value", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		name, err := argString(args, 1)
		if err != nil {
			return nil, err
		}
		return k.Registry.GetValue(path, name)
	})
	k.reg("reg_enum_keys", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Registry.EnumKeys(path)
	})
	k.reg("reg_enum_values", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Registry.EnumValues(path)
	})
	k.reg("reg_dump_tree", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		path, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Registry.DumpTree(path)
	})
	k.reg("reg_alloc_device_id", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		class, err := argString(args, 0)
		if err != nil {
			return nil, err
		}
		return k.Registry.AllocDeviceID(class), nil
	})
}

// --- Diagnostic family ---------------------------------------------------

func (k *Kernel) registerDiagnosticSyscalls() {
	k.reg("sched_get_stats", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return k.Proc.Stats(), nil
	})
	k.reg("mem_info", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return k.Host.MemInfo()
	})
	k.reg("dmesg_read", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		lastSeq, _ := argInt(args, 0)
		max, err := argInt(args, 1)
		if err != nil {
			max = 64
		}
		level, _ := argInt(args, 2)
		return k.Dmesg.Read(uint64(lastSeq), max, domain.Level(level)), nil
	})

	k.reg("patchguard_arm", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return nil, k.PatchGuard.Arm()
	})
	k.reg("patchguard_status", ringsAll, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return k.PatchGuard.Status(), nil
	})
	k.reg("patchguard_check", ringsKernel, func(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
		return k.PatchGuard.Check(), nil
	})
}

// interfaceArg returns args[i] unconverted, so handlers that need a
// richer Go value (a domain.Task, a []domain.ObjectIface, ...) than the
// scalar arg* helpers provide can type-assert it themselves.
func interfaceArg(args []interface{}, i int) (interface{}, bool) {
	if i >= len(args) {
		return nil, false
	}
	return args[i], true
}
