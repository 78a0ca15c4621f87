// Package daemon implements the locker event loop and the helper-role
// entry points that run when the binary re-executes itself.
package daemon

import (
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// SignalQueue captures OS signals for deferred processing in the event
// loop. Handlers never touch supervision state; delivery only wakes the
// loop, which performs the actual transition on its next pass.
type SignalQueue struct {
	C  <-chan os.Signal
	ch chan os.Signal
}

// NewSignalQueue registers for child-death and termination signals with
// a buffer of 16 pending deliveries.
func NewSignalQueue() *SignalQueue {
	ch := make(chan os.Signal, 16)
	signal.Notify(ch,
		syscall.SIGCHLD,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	return &SignalQueue{C: ch, ch: ch}
}

// Stop deregisters signal notifications and closes the channel.
func (sq *SignalQueue) Stop() {
	signal.Stop(sq.ch)
	close(sq.ch)
}

// WaitForTermination blocks until SIGTERM or SIGINT arrives. Used by the
// placeholder group member, whose sole job is keeping its process-group
// ID reserved until the supervisor tears the group down.
func WaitForTermination(logger *zap.Logger) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGTERM, syscall.SIGINT)
	sig := <-ch
	logger.Debug("placeholder released", zap.String("signal", sig.String()))
}
