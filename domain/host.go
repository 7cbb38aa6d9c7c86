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

package domain

import "time"

// HostEvent is a single pulled hardware/host event (spec §4.1).
type HostEvent struct {
	Type    string
	Payload map[string]interface{}
}

// DeviceRef is a raw, string-addressed hardware component (spec §4.1).
type DeviceRef struct {
	Address string
	Type    string
}

// MemStats reports total/free host memory in bytes.
type MemStats struct {
	Total uint64
	Free  uint64
}

// HostServiceIface is the host abstraction (spec §4.1). All kernel timing
// decisions go through Uptime(); wall-clock is never consulted for
// scheduling.
type HostServiceIface interface {
	PullEvent(wait time.Duration) (HostEvent, bool)
	Uptime() time.Duration
	MemInfo() (MemStats, error)
	Devices() []DeviceRef
	Invoke(address string, args []interface{}) ([]interface{}, error)
	Beep(freqHz int, dur time.Duration)
	Halt(reason string)
	Reboot(reason string)
}
