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

package boot

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
)

func Test_NewVolume_SeedsLayout(t *testing.T) {
	v := NewVolume()

	exists, err := afero.Exists(v.Fs, "/kernel.lua")
	assert.NoError(t, err)
	assert.True(t, exists)

	exists, err = afero.Exists(v.Fs, "/etc/passwd")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func Test_Volume_CrashCauseRoundTrip(t *testing.T) {
	v := NewVolume()

	v.SetCrashCause(7)
	assert.Equal(t, byte(7), v.ConsumeCrashCause())
	assert.Equal(t, byte(0), v.ConsumeCrashCause())
}

func Test_Volume_WriteCrashDump(t *testing.T) {
	v := NewVolume()
	v.IncrementBootCounter()

	err := v.WriteCrashDump(map[string]interface{}{"stop_code": "TEST"})
	assert.NoError(t, err)

	exists, err := afero.Exists(v.Fs, "/log/crash_001.dump")
	assert.NoError(t, err)
	assert.True(t, exists)
}

func Test_Record_Marshal(t *testing.T) {
	r := Record{Magic: magic, BootCounter: 3, CrashCause: 9}
	buf := r.Marshal()
	assert.Len(t, buf, eepromSize)
	assert.Equal(t, byte(9), buf[44])
}
