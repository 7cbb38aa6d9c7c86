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

// Package boot implements the root-filesystem and EEPROM-style persisted
// boot record (spec §6 "Persisted state"). process/process.go injects an
// afero.Fs behind its I/O service for testability (see the commented-out
// `AppFs = afero.NewOsFs()` there); here we actually wire
// afero.NewMemMapFs() as the primitive root-fs reader spec §2 calls a
// "managed or inode-based partition" -- a real disk format is out of scope
// for a VM kernel, but the tree-of-files contract it exposes is the same.
package boot

import (
	"encoding/binary"
	"fmt"
	"path"
	"sync"

	"github.com/spf13/afero"
)

const (
	magic = 0x5641584B // "VAXK"

	eepromSize = 64
)

// Record is the EEPROM-style persisted boot record (spec §6).
type Record struct {
	Magic             uint32
	SecureBootMode    byte
	DefaultEntry      byte
	TimeoutSeconds    byte
	LogLevel          byte
	MachineBindHash   [8]byte
	KernelHash        [8]byte
	ManifestHash      [8]byte
	PKFingerprint     [8]byte
	BootCounter       uint32
	CrashCause        byte
	PGViolationCount  byte
}

// Volume is the boot/volume abstraction: a root filesystem plus the EEPROM
// record that survives across restarts (everything else -- process table,
// objects, handles -- does not, per spec §1 non-goals).
type Volume struct {
	mu  sync.Mutex
	Fs  afero.Fs
	rec Record
}

// NewVolume creates an in-memory root filesystem seeded with the layout
// spec §6 describes, and a zeroed (first-boot) EEPROM record.
func NewVolume() *Volume {
	v := &Volume{
		Fs:  afero.NewMemMapFs(),
		rec: Record{Magic: magic},
	}
	v.seed()
	return v
}

func (v *Volume) seed() {
	dirs := []string{"/boot", "/etc", "/drivers", "/log"}
	for _, d := range dirs {
		_ = v.Fs.MkdirAll(d, 0755)
	}

	files := map[string]string{
		"/kernel.lua":        "-- kernel image placeholder\n",
		"/boot/loader.cfg":   "default=0\ntimeout=3\n",
		"/etc/fstab":         "# device mountpoint type\n",
		"/etc/passwd":        "root:0:0\n",
		"/etc/perms":         "\n",
		"/etc/drivers.cfg":   "\n",
		"/etc/pki.cfg":       "\n",
		"/etc/netpolicy":     "\n",
	}
	for p, content := range files {
		_ = afero.WriteFile(v.Fs, p, []byte(content), 0644)
	}
}

// ReadRecord returns the current in-memory EEPROM record.
func (v *Volume) ReadRecord() Record {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.rec
}

// IncrementBootCounter bumps the boot counter, the way a real bootloader
// would on every cold start.
func (v *Volume) IncrementBootCounter() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rec.BootCounter++
	return v.rec.BootCounter
}

// SetCrashCause records why the machine halted, read back on next boot.
func (v *Volume) SetCrashCause(cause byte) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.rec.CrashCause = cause
}

// ConsumeCrashCause reads and clears the crash-cause byte -- boot reads
// this once and logs a warning summarizing the previous crash (spec §7).
func (v *Volume) ConsumeCrashCause() byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	cause := v.rec.CrashCause
	v.rec.CrashCause = 0
	return cause
}

// IncrementPGViolations bumps the PatchGuard-violation counter byte.
func (v *Volume) IncrementPGViolations() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.rec.PGViolationCount < 255 {
		v.rec.PGViolationCount++
	}
}

// Marshal encodes the record the way it would be written to EEPROM: 4-byte
// magic, then fixed fields, big-endian.
func (r Record) Marshal() []byte {
	buf := make([]byte, eepromSize)
	binary.BigEndian.PutUint32(buf[0:4], r.Magic)
	buf[4] = r.SecureBootMode
	buf[5] = r.DefaultEntry
	buf[6] = r.TimeoutSeconds
	buf[7] = r.LogLevel
	copy(buf[8:16], r.MachineBindHash[:])
	copy(buf[16:24], r.KernelHash[:])
	copy(buf[24:32], r.ManifestHash[:])
	copy(buf[32:40], r.PKFingerprint[:])
	binary.BigEndian.PutUint32(buf[40:44], r.BootCounter)
	buf[44] = r.CrashCause
	buf[45] = r.PGViolationCount
	return buf
}

// WriteCrashDump persists a structured crash dump under /log/crash_NNN.dump
// (spec §4.10), NNN derived from the boot counter.
func (v *Volume) WriteCrashDump(dump map[string]interface{}) error {
	v.mu.Lock()
	n := v.rec.BootCounter
	v.mu.Unlock()

	name := path.Join("/log", fmt.Sprintf("crash_%03d.dump", n))
	content := fmt.Sprintf("%+v\n", dump)
	return afero.WriteFile(v.Fs, name, []byte(content), 0644)
}

// ModuleLoader loads a driver module's bytes from /drivers, the file a
// driver-load syscall (`driver_load`) resolves against.
func (v *Volume) ModuleLoader(name string) ([]byte, error) {
	p := path.Join("/drivers", name)
	return afero.ReadFile(v.Fs, p)
}
