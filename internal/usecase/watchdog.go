// Package usecase implements the reconciliation logic: per-role child
// watchdogs and the orchestrator that drives them once per event-loop
// tick.
package usecase

import (
	"syscall"

	"go.uber.org/zap"

	"github.com/locknest/xlockd/internal/domain"
)

// ExitRecord is the most recent unsolicited exit observed by a
// watchdog. For the auth role the status is the authentication verdict:
// zero means the unlock succeeded.
type ExitRecord struct {
	Seen   bool
	Status int
}

// ChildWatchdog reconciles one child role's desired running state with
// its actual state. It exclusively owns the role's ChildHandle.
type ChildWatchdog struct {
	role       domain.ChildRole
	saverIndex int
	windowID   uint64
	sup        domain.GroupSupervisor
	logger     *zap.Logger

	// Forward the first post-spawn input chunk even when it is pure
	// control characters.
	forwardFirstKeypress bool

	handle     *domain.ChildHandle
	firstInput bool // next input chunk is the first since spawn
	lastExit   ExitRecord
}

// NewAuthWatchdog creates the watchdog for the authentication helper.
func NewAuthWatchdog(sup domain.GroupSupervisor, windowID uint64, forwardFirstKeypress bool, logger *zap.Logger) *ChildWatchdog {
	return &ChildWatchdog{
		role:                 domain.RoleAuth,
		windowID:             windowID,
		sup:                  sup,
		forwardFirstKeypress: forwardFirstKeypress,
		logger:               logger,
	}
}

// NewSaverWatchdog creates the watchdog for one per-monitor saver helper.
func NewSaverWatchdog(sup domain.GroupSupervisor, index int, windowID uint64, logger *zap.Logger) *ChildWatchdog {
	return &ChildWatchdog{
		role:       domain.RoleSaver,
		saverIndex: index,
		windowID:   windowID,
		sup:        sup,
		logger:     logger,
	}
}

// Running reports whether the role currently has a live child.
func (w *ChildWatchdog) Running() bool {
	return w.handle.Running()
}

// SetWindow updates the drawing surface exported to future spawns.
func (w *ChildWatchdog) SetWindow(windowID uint64) {
	w.windowID = windowID
}

// EnsureRunning spawns the child if needed and, for the auth role,
// forwards the input chunk to its stdin. Spawn failure is logged and
// left for the next tick to retry.
func (w *ChildWatchdog) EnsureRunning(input []byte) {
	if !w.handle.Running() {
		spec := domain.ChildSpec{
			Role:       w.role,
			SaverIndex: w.saverIndex,
			WindowID:   w.windowID,
			NeedsStdin: w.role == domain.RoleAuth,
		}
		handle, err := w.sup.StartGroup(spec)
		if err != nil {
			// Transient resource errors are never fatal here; the
			// role simply stays stopped until the next tick.
			w.logger.Error("helper spawn failed, will retry",
				zap.String("role", string(w.role)),
				zap.Error(err))
			return
		}
		w.handle = handle
		w.firstInput = true
		w.lastExit = ExitRecord{}
	}

	if len(input) > 0 && w.role == domain.RoleAuth {
		w.forwardInput(input)
	}
}

// EnsureStopped terminates the child and blocks until it is reaped, so
// the caller never observes a half-terminated role.
func (w *ChildWatchdog) EnsureStopped() {
	if !w.handle.Running() {
		return
	}
	if err := w.sup.KillGroup(w.handle, syscall.SIGTERM); err != nil {
		w.logger.Warn("failed to signal helper group",
			zap.String("role", string(w.role)),
			zap.Error(err))
	}
	if _, err := w.sup.Wait(w.handle, true, true); err != nil {
		w.logger.Warn("failed to reap helper",
			zap.String("role", string(w.role)),
			zap.Error(err))
	}
	w.handle = nil
	w.lastExit = ExitRecord{}
}

// Poll performs the per-tick non-blocking reap. An unsolicited exit
// transitions the role to Stopped and is retained for ConsumeExit.
func (w *ChildWatchdog) Poll() {
	if !w.handle.Running() {
		return
	}
	outcome, err := w.sup.Wait(w.handle, false, false)
	if err != nil {
		w.logger.Warn("poll wait failed",
			zap.String("role", string(w.role)),
			zap.Error(err))
		return
	}
	if outcome.Running {
		return
	}
	w.logger.Info("helper exited",
		zap.String("role", string(w.role)),
		zap.Int("status", outcome.Status))
	w.handle = nil
	w.lastExit = ExitRecord{Seen: true, Status: outcome.Status}
}

// ConsumeExit returns the last unsolicited exit and clears it.
func (w *ChildWatchdog) ConsumeExit() ExitRecord {
	exit := w.lastExit
	w.lastExit = ExitRecord{}
	return exit
}

// Input forwards bytes to a running auth child. With no child running
// this is a no-op that logs a warning.
func (w *ChildWatchdog) Input(input []byte) {
	if len(input) == 0 {
		return
	}
	if !w.handle.Running() {
		w.logger.Warn("dropping input, no auth helper running")
		return
	}
	w.forwardInput(input)
}

// forwardInput applies the first-keypress policy and writes to the
// child's stdin. A wake-up keypress is usually an arbitrary key; it is
// only treated as the start of a password when it looks like real text.
func (w *ChildWatchdog) forwardInput(input []byte) {
	if w.firstInput {
		w.firstInput = false
		if !w.forwardFirstKeypress && !containsText(input) {
			w.logger.Debug("suppressing first post-spawn input chunk",
				zap.Int("len", len(input)))
			return
		}
	}
	n, err := w.handle.Stdin.Write(input)
	if err != nil {
		w.logger.Warn("failed to write to auth helper", zap.Error(err))
		return
	}
	if n < len(input) {
		// Lost bytes; the user will notice and retype.
		w.logger.Warn("short write to auth helper",
			zap.Int("wrote", n),
			zap.Int("want", len(input)))
	}
}

// containsText reports whether the chunk has at least one byte outside
// the ASCII control range (0x00-0x1F, 0x7F).
func containsText(p []byte) bool {
	for _, b := range p {
		if b > 0x1f && b != 0x7f {
			return true
		}
	}
	return false
}
