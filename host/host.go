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

// Package host implements the thin host abstraction of spec §4.1: a
// pull-based event queue, monotonic uptime, memory probes, and a raw,
// string-addressed device surface. All kernel timing decisions consult
// Uptime(); wall-clock is never read for scheduling, the same discipline
// the seccomp tracer applies by never trusting wall-clock for
// session bookkeeping.
package host

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
)

// Device is a raw, string-addressed host component a driver can invoke.
type Device struct {
	Address string
	Type    string
	Invoke  func(args []interface{}) ([]interface{}, error)
}

// Service is the host abstraction.
type Service struct {
	mu        sync.Mutex
	boot      time.Time
	events    chan domain.HostEvent
	devices   map[string]*Device
	haltFn    func(reason string)
	rebootFn  func(reason string)
}

// NewService constructs the host abstraction. haltFn/rebootFn are injected
// by cmd/kerneld so tests can run without actually exiting the process.
func NewService(haltFn, rebootFn func(reason string)) *Service {
	return &Service{
		boot:     time.Now(),
		events:   make(chan domain.HostEvent, 256),
		devices:  make(map[string]*Device),
		haltFn:   haltFn,
		rebootFn: rebootFn,
	}
}

// RegisterDevice adds a raw device to the host's device surface.
func (s *Service) RegisterDevice(d *Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[d.Address] = d
}

// PushEvent enqueues a host/hardware event for a future PullEvent call.
// Non-blocking; drops the event if the queue is saturated (256 deep).
func (s *Service) PushEvent(ev domain.HostEvent) {
	select {
	case s.events <- ev:
	default:
		logrus.Warnf("host: event queue full, dropping %s", ev.Type)
	}
}

// PullEvent returns up to one queued event, optionally waiting up to `wait`.
func (s *Service) PullEvent(wait time.Duration) (domain.HostEvent, bool) {
	if wait <= 0 {
		select {
		case ev := <-s.events:
			return ev, true
		default:
			return domain.HostEvent{}, false
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ev := <-s.events:
		return ev, true
	case <-timer.C:
		return domain.HostEvent{}, false
	}
}

// Uptime returns monotonic seconds since host start.
func (s *Service) Uptime() time.Duration {
	return time.Since(s.boot)
}

// MemInfo probes host memory via unix.Sysinfo, the same raw-syscall style
// the process package uses for namespace/ioctl work.
func (s *Service) MemInfo() (domain.MemStats, error) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return domain.MemStats{}, err
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return domain.MemStats{
		Total: uint64(info.Totalram) * unit,
		Free:  uint64(info.Freeram) * unit,
	}, nil
}

// Devices lists the raw device surface.
func (s *Service) Devices() []domain.DeviceRef {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DeviceRef, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, domain.DeviceRef{Address: d.Address, Type: d.Type})
	}
	return out
}

// Invoke calls a raw device by address.
func (s *Service) Invoke(address string, args []interface{}) ([]interface{}, error) {
	s.mu.Lock()
	d, ok := s.devices[address]
	s.mu.Unlock()
	if !ok {
		return nil, kerr.New(kerr.NoSuchDevice, "no such device: %s", address)
	}
	return d.Invoke(args)
}

// Beep emits an audible tone; the production host plays it through a
// speaker component, here it is logged (and may be wired to a Device).
func (s *Service) Beep(freqHz int, dur time.Duration) {
	logrus.Infof("host: beep %dHz for %s", freqHz, dur)
}

// Halt stops the host.
func (s *Service) Halt(reason string) {
	logrus.Warnf("host: halt requested: %s", reason)
	if s.haltFn != nil {
		s.haltFn(reason)
	}
}

// Reboot restarts the host.
func (s *Service) Reboot(reason string) {
	logrus.Warnf("host: reboot requested: %s", reason)
	if s.rebootFn != nil {
		s.rebootFn(reason)
	}
}

var _ domain.HostServiceIface = (*Service)(nil)
