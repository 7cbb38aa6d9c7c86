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

package klog

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nanokernel/kernel/domain"
)

func Test_Service_RingBounded(t *testing.T) {
	s := NewService(time.Now())
	s.cap = 4

	for i := 0; i < 10; i++ {
		s.Printf(domain.LevelInfo, domain.Pid(1), "entry %d", i)
	}

	entries := s.Read(0, 100, domain.LevelDebug)
	assert.Len(t, entries, 4)
	assert.Equal(t, "entry 9", entries[len(entries)-1].Message)
}

func Test_Service_ReadFiltersByLevelAndSeq(t *testing.T) {
	s := NewService(time.Now())

	s.Printf(domain.LevelDebug, 1, "debug-entry")
	s.Printf(domain.LevelWarn, 1, "warn-entry")
	s.Printf(domain.LevelSec, 2, "RING VIOLATION pid=2")

	all := s.Read(0, 100, domain.LevelDebug)
	assert.Len(t, all, 3)

	warnAndUp := s.Read(0, 100, domain.LevelWarn)
	assert.Len(t, warnAndUp, 2)

	sinceFirst := s.Read(all[0].Seq, 100, domain.LevelDebug)
	assert.Len(t, sinceFirst, 2)
}

func Test_Service_PanicWritesDumpAndHalts(t *testing.T) {
	s := NewService(time.Now())

	var dump map[string]interface{}
	var haltedWith string
	s.CrashWriter = func(d map[string]interface{}) error {
		dump = d
		return nil
	}
	s.Halt = func(code string) {
		haltedWith = code
	}

	s.Panic("CRITICAL_STRUCTURE_CORRUPTION", map[string]interface{}{"reason": "test"})

	assert.Equal(t, "CRITICAL_STRUCTURE_CORRUPTION", haltedWith)
	assert.Equal(t, "CRITICAL_STRUCTURE_CORRUPTION", dump["stop_code"])
}
