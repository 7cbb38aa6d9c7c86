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

// Package irp implements the Pipeline Manager (spec §4.7): it resolves a
// `\Device\<name>` target, constructs an IRP, and routes it to the
// registered driver for synchronous dispatch, the same request-routing
// shape fuse/service.go uses to hand a FUSE request to the
// session that owns its mountpoint, generalized from FUSE ops to the
// spec's own IRP type. Devices that subscribe to host event types are
// forwarded matching events as hardware interrupts.
package irp

import (
	"sync"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

// deviceBody is the ObjectBody installed at `\Device\<name>` for every
// registered driver, purely for namespace visibility (dump_directory, path
// lookups); it carries no wait semantics of its own.
type deviceBody struct {
	driver domain.DriverIface
}

func (d *deviceBody) Waitable() bool  { return false }
func (d *deviceBody) Signalled() bool { return false }

// Manager is the Pipeline Manager.
type Manager struct {
	mu      sync.RWMutex
	devices map[string]domain.DriverIface
	pid     domain.Pid

	om    domain.ObjectManagerIface
	dmesg domain.DmesgIface
}

// NewManager constructs an unwired Pipeline Manager; call Setup before use.
func NewManager() *Manager {
	return &Manager{devices: make(map[string]domain.DriverIface)}
}

// Setup wires the Object Manager (so registered devices are visible under
// `\Device\<name>`) and the dmesg log.
func (m *Manager) Setup(om domain.ObjectManagerIface, dmesg domain.DmesgIface) {
	m.om = om
	m.dmesg = dmesg
}

func (m *Manager) logf(level domain.Level, format string, args ...interface{}) {
	if m.dmesg == nil {
		return
	}
	m.dmesg.Printf(level, domain.KernelBootPid, format, args...)
}

// RegisterDevice installs a driver at `\Device\<name>` (spec §4.7).
func (m *Manager) RegisterDevice(name string, driver domain.DriverIface) error {
	m.mu.Lock()
	if _, exists := m.devices[name]; exists {
		m.mu.Unlock()
		return kerr.New(kerr.DeviceAlreadyExists, "device already registered: %s", name)
	}
	m.devices[name] = driver
	m.mu.Unlock()

	if m.om != nil {
		obj := m.om.CreateObject(domain.ObjIoDevice, &deviceBody{driver: driver})
		if err := m.om.InsertObject(obj, `\Device\`+name); err != nil {
			m.logf(domain.LevelWarn, "device %s registered but namespace insert failed: %v", name, err)
		}
	}
	m.logf(domain.LevelInfo, "device registered: %s", name)
	return nil
}

// UnregisterDevice removes a driver and its namespace entry.
func (m *Manager) UnregisterDevice(name string) error {
	m.mu.Lock()
	if _, exists := m.devices[name]; !exists {
		m.mu.Unlock()
		return kerr.New(kerr.NoSuchDevice, "no such device: %s", name)
	}
	delete(m.devices, name)
	m.mu.Unlock()

	if m.om != nil {
		if err := m.om.DeleteObject(`\Device\` + name); err != nil {
			m.logf(domain.LevelWarn, "device %s unregistered but namespace delete failed: %v", name, err)
		}
	}
	m.logf(domain.LevelInfo, "device unregistered: %s", name)
	return nil
}

// Submit resolves irp's target device and dispatches it synchronously.
// Dispatch is expected to call irp.Complete before returning (spec §1's
// synchronous IRP model); a missing device completes the IRP with
// NO_SUCH_DEVICE so a caller blocked on irp.Wait still unblocks.
func (m *Manager) Submit(irp *domain.Irp) error {
	m.mu.RLock()
	driver, ok := m.devices[irp.DeviceName]
	m.mu.RUnlock()

	if !ok {
		irp.Complete(int(kerr.NoSuchDevice), nil)
		m.logf(domain.LevelWarn, "IRP for unknown device %s from pid %d", irp.DeviceName, irp.SenderPid)
		return kerr.New(kerr.NoSuchDevice, "no such device: %s", irp.DeviceName)
	}

	driver.Dispatch(irp)
	return nil
}

// SetPid records the process that owns this Pipeline Manager instance.
func (m *Manager) SetPid(pid domain.Pid) {
	m.mu.Lock()
	m.pid = pid
	m.mu.Unlock()
}

// Pid returns the owning process, or KernelBootPid if never set.
func (m *Manager) Pid() domain.Pid {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.pid
}

// HardwareInterrupt forwards a host event to every driver that has
// registered interest in eventType (spec §4.7).
func (m *Manager) HardwareInterrupt(eventType string, payload map[string]interface{}) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.devices {
		for _, want := range d.InterestedEvents() {
			if want == eventType {
				d.HandleInterrupt(eventType, payload)
				break
			}
		}
	}
}

var _ domain.PipelineManagerIface = (*Manager)(nil)
