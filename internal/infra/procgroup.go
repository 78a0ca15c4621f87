package infra

import (
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/locknest/xlockd/internal/domain"
)

// Environment variables exported to spawned helpers.
const (
	EnvWindow     = "XSCREENSAVER_WINDOW"
	EnvSaverIndex = "XSCREENSAVER_SAVER_INDEX"
)

// GroupSupervisorImpl implements domain.GroupSupervisor by self-executing
// hidden helper subcommands in fresh process groups.
//
// Every group gets a second, long-lived placeholder member. Without it,
// a leader that exits early would let the kernel recycle the group ID,
// and a later kill(-pgid) could strike an unrelated process group that
// reused the ID. The placeholder keeps the ID reserved until Wait
// explicitly tears the group down.
type GroupSupervisorImpl struct {
	executable string
	pm         domain.ProcessManager
	logger     *zap.Logger

	// pgid -> placeholder PID, touched only from the event-loop
	// goroutine. Signal handlers never see this table; they only wake
	// the loop (see daemon.SignalQueue).
	placeholders map[int]int
}

// NewGroupSupervisor creates a supervisor that re-executes the current
// binary for helper roles.
func NewGroupSupervisor(pm domain.ProcessManager, logger *zap.Logger) (*GroupSupervisorImpl, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %w", err)
	}
	return NewGroupSupervisorForBinary(exe, pm, logger), nil
}

// NewGroupSupervisorForBinary supervises helpers of a specific locker
// binary. Used by integration tests and wrappers that install the
// binary outside the invoking path.
func NewGroupSupervisorForBinary(executable string, pm domain.ProcessManager, logger *zap.Logger) *GroupSupervisorImpl {
	return &GroupSupervisorImpl{
		executable:   executable,
		pm:           pm,
		logger:       logger,
		placeholders: make(map[int]int),
	}
}

// roleArgs builds the hidden subcommand invocation for a helper role.
func roleArgs(spec domain.ChildSpec) []string {
	switch spec.Role {
	case domain.RoleAuth:
		return []string{"auth"}
	case domain.RoleSaver:
		return []string{"saver", "--index", strconv.Itoa(spec.SaverIndex)}
	default:
		return nil
	}
}

// StartGroup spawns the helper as a new process-group leader and
// immediately places the placeholder member inside the same group.
func (s *GroupSupervisorImpl) StartGroup(spec domain.ChildSpec) (*domain.ChildHandle, error) {
	args := roleArgs(spec)
	if args == nil {
		return nil, fmt.Errorf("unknown child role: %s", spec.Role)
	}

	cmd := exec.Command(s.executable, args...)
	// Setpgid makes the child the leader of a fresh process group while
	// staying in the locker's session. setpgid refuses to move a process
	// into a group of another session, so a setsid leader could never
	// legally receive the placeholder below. exec resets all signal
	// dispositions to default, so the helper never races a parent-only
	// handler.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("%s=%d", EnvWindow, spec.WindowID),
	)
	if spec.Role == domain.RoleSaver {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%d", EnvSaverIndex, spec.SaverIndex))
	}

	handle := &domain.ChildHandle{}
	if spec.NeedsStdin {
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to create input pipe: %w", err)
		}
		handle.Stdin = stdin
	}

	if err := cmd.Start(); err != nil {
		if handle.Stdin != nil {
			handle.Stdin.Close()
		}
		s.logger.Error("failed to spawn helper",
			zap.String("role", string(spec.Role)),
			zap.Error(err))
		return nil, fmt.Errorf("failed to spawn %s helper: %w", spec.Role, err)
	}

	leader := cmd.Process.Pid
	handle.PID = leader
	handle.PGID = leader // group leader, so pgid == pid
	cmd.Process.Release()

	// Reserve the group ID for the lifetime of the role.
	hold := exec.Command(s.executable, "hold")
	hold.SysProcAttr = &syscall.SysProcAttr{Setpgid: true, Pgid: leader}
	if err := hold.Start(); err != nil {
		// Degraded but usable: the pgid-reuse window reopens, yet the
		// helper itself is fine.
		s.logger.Warn("failed to spawn placeholder group member",
			zap.String("role", string(spec.Role)),
			zap.Int("pgid", leader),
			zap.Error(err))
	} else {
		s.placeholders[leader] = hold.Process.Pid
		hold.Process.Release()
	}

	s.logger.Info("helper started",
		zap.String("role", string(spec.Role)),
		zap.Int("pgid", leader))
	return handle, nil
}

// KillGroup signals the whole group via the negated ID. If the ID no
// longer denotes a group (already fully reaped) it degrades to
// signaling the remembered leader PID. That window shouldn't be
// reachable with the placeholder alive; it is tolerated, not normal.
func (s *GroupSupervisorImpl) KillGroup(handle *domain.ChildHandle, sig syscall.Signal) error {
	if !handle.Running() {
		return nil
	}
	err := unix.Kill(-handle.PGID, sig)
	if err == nil {
		return nil
	}
	if err == unix.ESRCH {
		s.logger.Warn("process group gone, falling back to leader kill",
			zap.Int("pgid", handle.PGID),
			zap.Bool("leader_alive", s.pm.IsRunning(handle.PID)))
		if kerr := unix.Kill(handle.PID, sig); kerr != nil && kerr != unix.ESRCH {
			return fmt.Errorf("fallback kill of pid %d failed: %w", handle.PID, kerr)
		}
		return nil
	}
	return fmt.Errorf("kill of pgid %d failed: %w", handle.PGID, err)
}

// Wait reaps the group leader. Non-blocking by default; block=true
// returns only once the leader terminated. On termination the handle is
// cleared, the group receives a defensive SIGTERM unless it was already
// killed for this observation, and the placeholder is torn down.
func (s *GroupSupervisorImpl) Wait(handle *domain.ChildHandle, block bool, alreadyKilled bool) (domain.WaitOutcome, error) {
	if !handle.Running() {
		return domain.WaitOutcome{}, fmt.Errorf("wait on non-running handle")
	}

	var status unix.WaitStatus
	options := unix.WNOHANG
	if block {
		options = 0
	}

	for {
		pid, err := unix.Wait4(handle.PID, &status, options, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			// ECHILD: nothing of ours left to reap. Treat like a
			// termination with unknown status and still clean up.
			s.logger.Warn("wait failed",
				zap.Int("pid", handle.PID),
				zap.Error(err))
			s.teardown(handle, alreadyKilled)
			return domain.WaitOutcome{Status: -1}, nil
		}
		if pid == 0 {
			if block {
				// A blocking Wait4 can only return a reaped PID or an
				// error; anything else means inconsistent state.
				panic("blocking wait reported child still running")
			}
			return domain.WaitOutcome{Running: true}, nil
		}

		outcome := domain.WaitOutcome{Status: exitStatus(status)}
		s.teardown(handle, alreadyKilled)
		return outcome, nil
	}
}

// teardown clears the handle, delivers the defensive group SIGTERM and
// reaps the placeholder so the group ID is finally released.
func (s *GroupSupervisorImpl) teardown(handle *domain.ChildHandle, alreadyKilled bool) {
	pgid := handle.PGID

	if !alreadyKilled {
		// Idempotent cleanup for anything the leader left behind.
		if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && err != unix.ESRCH {
			s.logger.Warn("defensive group kill failed",
				zap.Int("pgid", pgid),
				zap.Error(err))
		}
	}

	if holdPID, ok := s.placeholders[pgid]; ok {
		delete(s.placeholders, pgid)
		_ = unix.Kill(holdPID, unix.SIGKILL)
		var status unix.WaitStatus
		for {
			if _, err := unix.Wait4(holdPID, &status, 0, nil); err != unix.EINTR {
				break
			}
		}
	}

	if handle.Stdin != nil {
		handle.Stdin.Close()
		handle.Stdin = nil
	}
	handle.PGID = 0
	handle.PID = 0
}

// exitStatus flattens a wait status into the exit-code convention the
// orchestrator consumes: 0 success, anything else failure.
func exitStatus(status unix.WaitStatus) int {
	if status.Exited() {
		return status.ExitStatus()
	}
	if status.Signaled() {
		return 128 + int(status.Signal())
	}
	return -1
}
