package usecase

import (
	"time"

	"go.uber.org/zap"

	"github.com/locknest/xlockd/internal/domain"
)

// Orchestrator decides each tick which watchdogs should be active and
// relays wake-up input to the auth helper. The owning event loop calls
// Reconcile unconditionally about ten times a second, so every pass
// must be idempotent.
type Orchestrator struct {
	auth     *ChildWatchdog
	savers   []*ChildWatchdog
	attempts domain.AttemptLog // optional, nil disables auditing
	logger   *zap.Logger
}

// NewOrchestrator wires the auth watchdog and the saver watchdog set.
func NewOrchestrator(auth *ChildWatchdog, savers []*ChildWatchdog, attempts domain.AttemptLog, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		auth:     auth,
		savers:   savers,
		attempts: attempts,
		logger:   logger,
	}
}

// ConfigureSaver updates the drawing surface of one saver slot, e.g.
// after a monitor layout change. An out-of-range index is rejected.
func (o *Orchestrator) ConfigureSaver(index int, windowID uint64) {
	if index < 0 || index >= len(o.savers) {
		o.logger.Warn("saver index out of range",
			zap.Int("index", index),
			zap.Int("savers", len(o.savers)))
		return
	}
	o.savers[index].SetWindow(windowID)
}

// Reconcile performs one supervision pass. It returns true only when
// the auth helper reported a successful verdict, meaning the lock
// should end. Failed authentication re-arms the auth watchdog so a
// fresh helper can start within the same pass.
func (o *Orchestrator) Reconcile(state domain.DesiredState, input []byte) bool {
	// Reap unsolicited exits first so the decision below sees actual
	// state, not last tick's.
	o.auth.Poll()
	for _, saver := range o.savers {
		saver.Poll()
	}

	exit := o.auth.ConsumeExit()
	if exit.Seen {
		o.recordAttempt(exit.Status)
		// A successful verdict ends the lock no matter what the desired
		// state says; the prompt can outlive the wake-up that forced it.
		if exit.Status == 0 {
			o.logger.Info("authentication succeeded, ending lock")
			for _, saver := range o.savers {
				saver.EnsureStopped()
			}
			return true
		}
	}

	authShouldRun := state == domain.StateForceAuth || o.auth.Running()
	if authShouldRun {
		// The screensaver must never render while authentication is
		// active.
		for _, saver := range o.savers {
			saver.EnsureStopped()
		}
		o.auth.EnsureRunning(input)
		return false
	}

	saversWanted := state != domain.StateSaverDisabled
	for _, saver := range o.savers {
		if saversWanted {
			saver.EnsureRunning(nil)
		} else {
			saver.EnsureStopped()
		}
	}
	return false
}

// Shutdown force-stops every role. Used on SIGTERM and on unlock.
func (o *Orchestrator) Shutdown() {
	o.auth.EnsureStopped()
	for _, saver := range o.savers {
		saver.EnsureStopped()
	}
}

// CancelAuth force-stops the auth helper, e.g. when the prompt idled
// past its timeout. The savers resume on the next reconciliation pass.
func (o *Orchestrator) CancelAuth() {
	o.auth.EnsureStopped()
}

// AuthRunning reports whether the auth helper is currently live.
func (o *Orchestrator) AuthRunning() bool {
	return o.auth.Running()
}

// recordAttempt stores the verdict in the attempt log. Audit failures
// are logged and never block the unlock path.
func (o *Orchestrator) recordAttempt(status int) {
	if o.attempts == nil {
		return
	}
	err := o.attempts.RecordAttempt(domain.AuthAttempt{
		At:      time.Now(),
		Verdict: status,
	})
	if err != nil {
		o.logger.Warn("failed to record auth attempt", zap.Error(err))
	}
}
