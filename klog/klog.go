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

// Package klog implements the bounded dmesg ring buffer and the crash/panic
// path (spec §4.10), logging through logrus exactly the way
// cmd/sysbox-fs/main.go configures and uses it.
package klog

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nanokernel/kernel/domain"
)

const defaultCapacity = 1024

// Service is the dmesg ring + crash dump writer.
type Service struct {
	mu       sync.Mutex
	ring     []domain.DmesgEntry
	cap      int
	seq      uint64
	boot     time.Time
	screenLv domain.Level

	// CrashWriter persists a structured crash dump; nil disables writing
	// (e.g. during unit tests). Assigned by the boot package at wiring time.
	CrashWriter func(dump map[string]interface{}) error

	// Halt performs the host halt (descending tone + BSOD screen). Assigned
	// by the host package at wiring time; nil is a no-op (tests).
	Halt func(stopCode string)
}

// NewService constructs the dmesg/crash service.
func NewService(boot time.Time) *Service {
	return &Service{
		ring:     make([]domain.DmesgEntry, 0, defaultCapacity),
		cap:      defaultCapacity,
		boot:     boot,
		screenLv: domain.LevelInfo,
	}
}

// SetScreenLevel controls which levels are also rendered to logrus, the way
// cmd/sysbox-fs/main.go's --log-level flag gates logrus.SetLevel.
func (s *Service) SetScreenLevel(l domain.Level) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.screenLv = l
}

// Printf pushes a dmesg entry and, subject to the current screen level,
// renders it through logrus.
func (s *Service) Printf(level domain.Level, pid domain.Pid, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)

	s.mu.Lock()
	s.seq++
	entry := domain.DmesgEntry{
		Seq:     s.seq,
		Since:   time.Since(s.boot),
		Level:   level,
		Message: msg,
		Pid:     pid,
	}
	if len(s.ring) >= s.cap {
		s.ring = s.ring[1:]
	}
	s.ring = append(s.ring, entry)
	screen := s.screenLv
	s.mu.Unlock()

	if level < screen {
		return
	}

	fields := logrus.Fields{"pid": pid, "seq": entry.Seq}
	switch level {
	case domain.LevelDebug:
		logrus.WithFields(fields).Debug(msg)
	case domain.LevelInfo:
		logrus.WithFields(fields).Info(msg)
	case domain.LevelWarn:
		logrus.WithFields(fields).Warn(msg)
	case domain.LevelSec, domain.LevelFail:
		logrus.WithFields(fields).Error(msg)
	}
}

// Read returns entries with Seq > lastSeq, at or above minLevel, capped at
// max entries (spec `dmesg_read`).
func (s *Service) Read(lastSeq uint64, max int, minLevel domain.Level) []domain.DmesgEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]domain.DmesgEntry, 0, max)
	for _, e := range s.ring {
		if e.Seq <= lastSeq || e.Level < minLevel {
			continue
		}
		out = append(out, e)
		if len(out) >= max {
			break
		}
	}
	return out
}

// Panic writes a structured crash dump, sets the EEPROM crash-cause flag
// (via the boot record supplied at Setup time through CrashWriter), and
// halts the host with the given stop code (spec §4.10).
func (s *Service) Panic(stopCode string, detail map[string]interface{}) {
	stacktrace := make([]byte, 32768)
	n := runtime.Stack(stacktrace, true)

	s.mu.Lock()
	lastEntries := append([]domain.DmesgEntry(nil), s.ring...)
	s.mu.Unlock()

	s.Printf(domain.LevelFail, domain.KernelBootPid, "PANIC: %s", stopCode)

	dump := map[string]interface{}{
		"stop_code": stopCode,
		"detail":    detail,
		"dmesg":     lastEntries,
		"stack":     string(stacktrace[:n]),
	}
	if s.CrashWriter != nil {
		if err := s.CrashWriter(dump); err != nil {
			logrus.Errorf("failed to write crash dump: %v", err)
		}
	}

	logrus.Errorf("*** STOP: %s ***", stopCode)
	if s.Halt != nil {
		s.Halt(stopCode)
	}
}

var _ domain.DmesgIface = (*Service)(nil)
