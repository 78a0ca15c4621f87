package daemon

import (
	"context"
	"io"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/locknest/xlockd/internal/domain"
	"github.com/locknest/xlockd/internal/usecase"
)

// InputSource supplies the per-tick view of the outside world: whether
// the saver should stay dark, and any wake-up input bytes since the
// last tick. The X11 front-end implements this; tests use fakes.
type InputSource interface {
	Snapshot() (saverDisabled bool, input []byte)
}

// LockerConfig holds event-loop configuration.
type LockerConfig struct {
	TickInterval time.Duration // reconciliation cadence
	AuthTimeout  time.Duration // idle time before the auth prompt is abandoned
}

// DefaultLockerConfig returns the default loop configuration.
func DefaultLockerConfig(authTimeout time.Duration) LockerConfig {
	return LockerConfig{
		TickInterval: 100 * time.Millisecond,
		AuthTimeout:  authTimeout,
	}
}

// Locker owns the main supervision loop of the locking process. Each
// wake-up (tick, signal, or input) performs exactly one orchestrator
// reconciliation pass.
type Locker struct {
	config  LockerConfig
	orch    *usecase.Orchestrator
	source  InputSource
	signals *SignalQueue
	logger  *zap.Logger
}

// NewLocker wires the event loop.
func NewLocker(config LockerConfig, orch *usecase.Orchestrator, source InputSource, signals *SignalQueue, logger *zap.Logger) *Locker {
	return &Locker{
		config:  config,
		orch:    orch,
		source:  source,
		signals: signals,
		logger:  logger,
	}
}

// Run blocks until the lock ends (successful authentication), a
// termination signal arrives, or the context is canceled. All helper
// roles are force-stopped on every exit path.
func (l *Locker) Run(ctx context.Context) error {
	defer l.orch.Shutdown()

	ticker := time.NewTicker(l.config.TickInterval)
	defer ticker.Stop()

	l.logger.Info("lock engaged",
		zap.Duration("tick", l.config.TickInterval),
		zap.Duration("auth_timeout", l.config.AuthTimeout))

	forceAuth := false
	var lastInput time.Time

	for {
		select {
		case <-ctx.Done():
			l.logger.Info("lock loop canceled")
			return ctx.Err()

		case sig := <-l.signals.C:
			switch sig {
			case syscall.SIGTERM, syscall.SIGINT:
				l.logger.Info("termination requested", zap.String("signal", sig.String()))
				return nil
			case syscall.SIGCHLD:
				// A child died; reconcile immediately instead of
				// waiting out the tick.
			}

		case <-ticker.C:
		}

		saverDisabled, input := l.source.Snapshot()
		if len(input) > 0 {
			forceAuth = true
			lastInput = time.Now()
		}

		// An idle prompt is abandoned by re-issuing a forced stop; the
		// watchdog honors it on this pass.
		if forceAuth && l.orch.AuthRunning() && time.Since(lastInput) > l.config.AuthTimeout {
			l.logger.Info("auth prompt timed out")
			l.orch.CancelAuth()
			forceAuth = false
		}

		state := domain.StateNormal
		switch {
		case forceAuth:
			state = domain.StateForceAuth
		case saverDisabled:
			state = domain.StateSaverDisabled
		}

		unlock := l.orch.Reconcile(state, input)
		wipe(input)
		if unlock {
			l.logger.Info("lock released")
			return nil
		}
	}
}

// wipe zeroes a drained input chunk; it may contain typed password
// bytes.
func wipe(p []byte) {
	for i := range p {
		p[i] = 0
	}
}

// StreamSource adapts a raw byte stream (the display front-end's event
// pipe) into an InputSource. Bytes are drained once per snapshot.
type StreamSource struct {
	mu      sync.Mutex
	pending []byte
	closed  bool
}

// NewStreamSource reads r in the background until EOF.
func NewStreamSource(r io.Reader) *StreamSource {
	s := &StreamSource{}
	go func() {
		buf := make([]byte, 256)
		for {
			n, err := r.Read(buf)
			if n > 0 {
				s.mu.Lock()
				s.pending = append(s.pending, buf[:n]...)
				s.mu.Unlock()
				wipe(buf[:n])
			}
			if err != nil {
				s.mu.Lock()
				s.closed = true
				s.mu.Unlock()
				return
			}
		}
	}()
	return s
}

// Snapshot drains and returns pending input bytes.
func (s *StreamSource) Snapshot() (bool, []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	input := s.pending
	s.pending = nil
	return false, input
}

// Ensure StreamSource implements InputSource.
var _ InputSource = (*StreamSource)(nil)
