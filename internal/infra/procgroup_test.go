package infra

import (
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/locknest/xlockd/internal/domain"
)

type stubProcessManager struct {
	running bool
}

func (m *stubProcessManager) FindByName(pattern string) ([]int, error) { return nil, nil }
func (m *stubProcessManager) IsRunning(pid int) bool                   { return m.running }
func (m *stubProcessManager) GetCurrentPID() int                       { return os.Getpid() }

var _ domain.ProcessManager = (*stubProcessManager)(nil)

func newTestSupervisor() *GroupSupervisorImpl {
	return NewGroupSupervisorForBinary("/nonexistent/xlockd", &stubProcessManager{}, zap.NewNop())
}

// spawnSleeper starts a throwaway group leader so group operations can
// be exercised against a real child.
func spawnSleeper(t *testing.T) *domain.ChildHandle {
	t.Helper()

	cmd := exec.Command("sleep", "60")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	require.NoError(t, cmd.Start())
	pid := cmd.Process.Pid
	cmd.Process.Release()

	return &domain.ChildHandle{PID: pid, PGID: pid}
}

// fakeHelperBinary writes a stand-in for the locker binary: it ignores
// the role arguments and just stays alive.
func fakeHelperBinary(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "xlockd")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\nexec sleep 60\n"), 0755))
	return path
}

// reapedPID returns a PID that belonged to an already-reaped child, the
// closest safe stand-in for a vanished process group.
func reapedPID(t *testing.T) int {
	t.Helper()

	cmd := exec.Command("true")
	require.NoError(t, cmd.Run())
	return cmd.Process.Pid
}

// TestRoleArgs verifies the helper invocation per role
func TestRoleArgs(t *testing.T) {
	assert.Equal(t, []string{"auth"}, roleArgs(domain.ChildSpec{Role: domain.RoleAuth}))
	assert.Equal(t, []string{"saver", "--index", "3"},
		roleArgs(domain.ChildSpec{Role: domain.RoleSaver, SaverIndex: 3}))
	assert.Nil(t, roleArgs(domain.ChildSpec{Role: domain.ChildRole("mystery")}))
}

// TestStartGroup_UnknownRole verifies an unknown role never spawns
func TestStartGroup_UnknownRole(t *testing.T) {
	sup := newTestSupervisor()

	_, err := sup.StartGroup(domain.ChildSpec{Role: domain.ChildRole("mystery")})

	assert.Error(t, err)
}

// TestStartGroup_SpawnFailure verifies a missing binary surfaces as an
// error, not a half-built handle
func TestStartGroup_SpawnFailure(t *testing.T) {
	sup := newTestSupervisor()

	handle, err := sup.StartGroup(domain.ChildSpec{Role: domain.RoleAuth, NeedsStdin: true})

	assert.Error(t, err)
	assert.Nil(t, handle)
}

// TestStartGroup_PlaceholderJoinsGroup verifies the placeholder member
// lands inside the leader's process group, keeping the group ID
// reserved even if the leader exits early
func TestStartGroup_PlaceholderJoinsGroup(t *testing.T) {
	sup := NewGroupSupervisorForBinary(fakeHelperBinary(t), &stubProcessManager{}, zap.NewNop())

	handle, err := sup.StartGroup(domain.ChildSpec{Role: domain.RoleAuth, NeedsStdin: true})
	require.NoError(t, err)
	defer func() {
		sup.KillGroup(handle, syscall.SIGKILL)
		sup.Wait(handle, true, true)
	}()

	require.Len(t, sup.placeholders, 1)
	holdPID, ok := sup.placeholders[handle.PGID]
	require.True(t, ok, "placeholder tracked under the leader's group ID")

	pgid, err := unix.Getpgid(holdPID)
	require.NoError(t, err)
	assert.Equal(t, handle.PGID, pgid)
}

// TestWait_ReleasesPlaceholder verifies teardown reaps the placeholder
// so the group ID is finally given back to the kernel
func TestWait_ReleasesPlaceholder(t *testing.T) {
	sup := NewGroupSupervisorForBinary(fakeHelperBinary(t), &stubProcessManager{}, zap.NewNop())

	handle, err := sup.StartGroup(domain.ChildSpec{Role: domain.RoleSaver, SaverIndex: 0})
	require.NoError(t, err)
	pgid := handle.PGID
	require.Len(t, sup.placeholders, 1)

	require.NoError(t, sup.KillGroup(handle, syscall.SIGKILL))
	_, err = sup.Wait(handle, true, true)
	require.NoError(t, err)

	assert.Empty(t, sup.placeholders)
	assert.Equal(t, unix.ESRCH, unix.Kill(-pgid, 0), "group fully torn down")
}

// TestKillGroup_NotRunning verifies a cleared handle is a no-op
func TestKillGroup_NotRunning(t *testing.T) {
	sup := newTestSupervisor()

	err := sup.KillGroup(&domain.ChildHandle{}, syscall.SIGTERM)

	assert.NoError(t, err)
}

// TestKillGroup_GoneGroupFallsBack verifies the leader-PID fallback when
// the group ID no longer exists. Only fault injection reaches this path;
// with the placeholder alive the group outlives every kill.
func TestKillGroup_GoneGroupFallsBack(t *testing.T) {
	sup := newTestSupervisor()
	pid := reapedPID(t)

	err := sup.KillGroup(&domain.ChildHandle{PID: pid, PGID: pid}, syscall.SIGTERM)

	assert.NoError(t, err)
}

// TestKillGroup_SignalsWholeGroup verifies a live group leader receives
// the group signal
func TestKillGroup_SignalsWholeGroup(t *testing.T) {
	sup := newTestSupervisor()
	handle := spawnSleeper(t)

	require.NoError(t, sup.KillGroup(handle, syscall.SIGTERM))

	outcome, err := sup.Wait(handle, true, true)
	require.NoError(t, err)
	assert.False(t, outcome.Running)
	assert.Equal(t, 128+int(unix.SIGTERM), outcome.Status)
}

// TestWait_NonBlockingWhileRunning verifies polling reports a live child
// without clearing the handle
func TestWait_NonBlockingWhileRunning(t *testing.T) {
	sup := newTestSupervisor()
	handle := spawnSleeper(t)
	defer func() {
		sup.KillGroup(handle, syscall.SIGKILL)
		sup.Wait(handle, true, true)
	}()

	outcome, err := sup.Wait(handle, false, false)

	require.NoError(t, err)
	assert.True(t, outcome.Running)
	assert.True(t, handle.Running())
}

// TestWait_ClearsHandleOnExit verifies termination wipes the handle so a
// stale PID can never be signaled again
func TestWait_ClearsHandleOnExit(t *testing.T) {
	sup := newTestSupervisor()
	handle := spawnSleeper(t)

	require.NoError(t, sup.KillGroup(handle, syscall.SIGKILL))
	outcome, err := sup.Wait(handle, true, true)

	require.NoError(t, err)
	assert.False(t, outcome.Running)
	assert.False(t, handle.Running())
	assert.Equal(t, 0, handle.PGID)
}

// TestWait_NotRunning verifies waiting on a cleared handle is rejected
func TestWait_NotRunning(t *testing.T) {
	sup := newTestSupervisor()

	_, err := sup.Wait(&domain.ChildHandle{}, false, false)

	assert.Error(t, err)
}

// TestExitStatus verifies the exit-code flattening convention
func TestExitStatus(t *testing.T) {
	sup := newTestSupervisor()
	handle := spawnSleeper(t)

	require.NoError(t, sup.KillGroup(handle, syscall.SIGKILL))
	outcome, err := sup.Wait(handle, true, true)

	require.NoError(t, err)
	assert.Equal(t, 128+int(unix.SIGKILL), outcome.Status)
}
