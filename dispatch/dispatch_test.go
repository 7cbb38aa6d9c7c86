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

package dispatch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanokernel/kernel/domain"
	"github.com/nanokernel/kernel/kerr"
	"github.com/nanokernel/kernel/klog"
	"github.com/nanokernel/kernel/proc"
)

type noopTask struct{}

func (noopTask) Resume(args []interface{}) (bool, error) { return false, nil }

func spawn(t *testing.T, ps *proc.Service, parent domain.Pid, ring domain.Ring, uid uint32) domain.ProcessIface {
	t.Helper()
	p, err := ps.Spawn(parent, ring, uid, noopTask{})
	require.NoError(t, err)
	return p
}

func echoHandler(caller domain.ProcessIface, args []interface{}) (interface{}, error) {
	return args, nil
}

func Test_Invoke_UnknownSyscallReturnsNotImplemented(t *testing.T) {
	s := NewService()
	ps := proc.NewService()
	caller := spawn(t, ps, 0, domain.Ring3, 1000)

	_, err := s.Invoke(caller, "nonexistent", nil)
	assert.True(t, kerr.Is(err, kerr.NotImplemented))
}

func Test_Invoke_UngratedRingKillsCaller(t *testing.T) {
	s := NewService()
	ps := proc.NewService()
	dmesg := klog.NewService(time.Now())
	s.Setup(ps, dmesg)
	caller := spawn(t, ps, 0, domain.Ring3, 1000)

	s.Register(domain.SyscallRecord{
		Name:    "privileged_only",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring0: true},
	})

	_, err := s.Invoke(caller, "privileged_only", nil)
	assert.True(t, kerr.Is(err, kerr.AccessDenied))
	assert.Equal(t, domain.StatusDead, caller.Status())

	entries := dmesg.Read(0, 10, domain.LevelDebug)
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[len(entries)-1].Message, "RING VIOLATION")
}

func Test_Invoke_GrantedRingRunsHandler(t *testing.T) {
	s := NewService()
	ps := proc.NewService()
	caller := spawn(t, ps, 0, domain.Ring3, 1000)

	s.Register(domain.SyscallRecord{
		Name:    "echo",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring3: true},
	})

	result, err := s.Invoke(caller, "echo", []interface{}{"hi"})
	require.NoError(t, err)
	assert.Equal(t, []interface{}{"hi"}, result)
}

func Test_Invoke_RateLimitKillsAfterThreshold(t *testing.T) {
	s := NewService()
	ps := proc.NewService()
	s.Setup(ps, nil)
	caller := spawn(t, ps, 0, domain.Ring3, 1000)

	s.Register(domain.SyscallRecord{
		Name:    "echo",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring3: true},
	})

	var lastErr error
	for i := 0; i < rateLimitMax+1; i++ {
		_, lastErr = s.Invoke(caller, "echo", nil)
		if lastErr != nil {
			break
		}
	}
	assert.True(t, kerr.Is(lastErr, kerr.AccessDenied))
	assert.Equal(t, domain.StatusDead, caller.Status())
}

func Test_Invoke_OverrideForwardsAndSleepsCaller(t *testing.T) {
	s := NewService()
	ps := proc.NewService()
	s.Setup(ps, nil)
	caller := spawn(t, ps, 0, domain.Ring3, 1000)
	owner := spawn(t, ps, 0, domain.Ring1, 0)

	s.Register(domain.SyscallRecord{
		Name:    "vfs_open",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring3: true},
	})

	var forwardedArgs []interface{}
	require.NoError(t, s.RegisterOverride("vfs_open", owner.Pid(), func(c domain.ProcessIface, name string, args []interface{}) error {
		forwardedArgs = args
		return nil
	}))

	_, err := s.Invoke(caller, "vfs_open", []interface{}{"/tmp/file"})
	assert.True(t, kerr.Is(err, kerr.Pending))
	assert.Equal(t, domain.StatusSleeping, caller.Status())
	assert.Equal(t, domain.WaitSyscall, caller.WaitReason())
	assert.Equal(t, []interface{}{"/tmp/file"}, forwardedArgs)
}

func Test_Invoke_OverrideToRingLEQ2SanitizesArgs(t *testing.T) {
	s := NewService()
	ps := proc.NewService()
	s.Setup(ps, nil)
	caller := spawn(t, ps, 0, domain.Ring3, 1000)
	owner := spawn(t, ps, 0, domain.Ring1, 0)

	s.Register(domain.SyscallRecord{
		Name:    "vfs_open",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring3: true},
	})

	var forwardedArgs []interface{}
	require.NoError(t, s.RegisterOverride("vfs_open", owner.Pid(), func(c domain.ProcessIface, name string, args []interface{}) error {
		forwardedArgs = args
		return nil
	}))

	evil := func() {}
	_, err := s.Invoke(caller, "vfs_open", []interface{}{evil, "ok"})
	assert.True(t, kerr.Is(err, kerr.Pending))
	assert.Nil(t, forwardedArgs[0], "a host-callable value must be stripped by sanitization")
	assert.Equal(t, "ok", forwardedArgs[1])
}

func Test_Fingerprint_ChangesWhenRingGrantWidens(t *testing.T) {
	s := NewService()
	s.Register(domain.SyscallRecord{
		Name:    "echo",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring3: true},
	})
	before := s.Fingerprint()

	s.Register(domain.SyscallRecord{
		Name:    "echo",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring3: true, domain.Ring0: true},
	})
	after := s.Fingerprint()

	assert.NotEqual(t, before, after)
}

func Test_Fingerprint_StableAcrossRepeatedCalls(t *testing.T) {
	s := NewService()
	s.Register(domain.SyscallRecord{
		Name:    "echo",
		Handler: echoHandler,
		Rings:   map[domain.Ring]bool{domain.Ring3: true},
	})
	assert.Equal(t, s.Fingerprint(), s.Fingerprint())
}

func Test_Sanitize_RejectsFunctionValue(t *testing.T) {
	s := NewService()
	fn := func() {}
	assert.Nil(t, s.Sanitize(fn))
}

func Test_Sanitize_BreaksSelfReferencingMap(t *testing.T) {
	s := NewService()
	m := make(map[string]interface{})
	m["self"] = m

	out := s.Sanitize(m).(map[string]interface{})
	assert.Nil(t, out["self"], "a map containing itself must not recurse forever")
}

func Test_Sanitize_CapsRecursionDepth(t *testing.T) {
	s := NewService()
	var nested interface{} = "leaf"
	for i := 0; i < 32; i++ {
		nested = []interface{}{nested}
	}

	out := s.Sanitize(nested)
	// Walk down the result; it must bottom out in nil well before depth 32.
	depth := 0
	cur := out
	for {
		list, ok := cur.([]interface{})
		if !ok || len(list) == 0 {
			break
		}
		cur = list[0]
		depth++
		if depth > sanitizeMaxDepth+1 {
			break
		}
	}
	assert.LessOrEqual(t, depth, sanitizeMaxDepth+1)
}

// fakeBootProcess stands in for pid 0, which proc.Service never hands out
// through Spawn (it reserves low pids and starts allocation above
// domain.SystemPidThreshold), so the kernel-protected-pid rule is exercised
// against a minimal stand-in rather than a real spawned process.
type fakeBootProcess struct{ domain.ProcessIface }

func (fakeBootProcess) Pid() domain.Pid     { return domain.KernelBootPid }
func (fakeBootProcess) ParentPid() domain.Pid { return domain.KernelBootPid }
func (fakeBootProcess) Ring() domain.Ring   { return domain.Ring0 }
func (fakeBootProcess) Uid() uint32         { return 0 }

func Test_CheckSignalPrivilege_KernelProtectedPidRequiresRing0(t *testing.T) {
	ps := proc.NewService()
	caller := spawn(t, ps, 0, domain.Ring1, 0)
	boot := fakeBootProcess{}

	err := CheckSignalPrivilege(ps, caller, boot)
	assert.True(t, kerr.Is(err, kerr.AccessDenied))
}

func Test_CheckSignalPrivilege_CannotSignalMorePrivilegedProcess(t *testing.T) {
	ps := proc.NewService()
	caller := spawn(t, ps, 0, domain.Ring3, 1000)
	target := spawn(t, ps, 0, domain.Ring1, 0)

	err := CheckSignalPrivilege(ps, caller, target)
	assert.True(t, kerr.Is(err, kerr.AccessDenied))
}

func Test_CheckSignalPrivilege_CannotSignalAncestor(t *testing.T) {
	ps := proc.NewService()
	parent := spawn(t, ps, 0, domain.Ring3, 1000)
	child := spawn(t, ps, parent.Pid(), domain.Ring3, 1000)

	err := CheckSignalPrivilege(ps, child, parent)
	assert.True(t, kerr.Is(err, kerr.AccessDenied))
}

func Test_CheckSignalPrivilege_CanSignalOwnDescendant(t *testing.T) {
	ps := proc.NewService()
	parent := spawn(t, ps, 0, domain.Ring3, 1000)
	child := spawn(t, ps, parent.Pid(), domain.Ring3, 1000)

	assert.NoError(t, CheckSignalPrivilege(ps, parent, child))
}

func Test_CheckSignalPrivilege_Ring3NonRootCannotSignalUnrelatedProcess(t *testing.T) {
	ps := proc.NewService()
	caller := spawn(t, ps, 0, domain.Ring3, 1000)
	unrelated := spawn(t, ps, 0, domain.Ring3, 1000)

	err := CheckSignalPrivilege(ps, caller, unrelated)
	assert.True(t, kerr.Is(err, kerr.AccessDenied))
}

func Test_CheckSignalPrivilege_Ring3RootMaySignalUnrelatedPeer(t *testing.T) {
	ps := proc.NewService()
	caller := spawn(t, ps, 0, domain.Ring3, 0)
	unrelated := spawn(t, ps, 0, domain.Ring3, 1000)

	assert.NoError(t, CheckSignalPrivilege(ps, caller, unrelated))
}
