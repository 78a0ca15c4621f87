// Package authproto runs inside the authentication helper. It relays
// an external credential-checking conversation (PAM or equivalent)
// across the process boundary using the wire packet protocol instead of
// a terminal.
package authproto

import (
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/locknest/xlockd/internal/secret"
	"github.com/locknest/xlockd/internal/wire"
)

// ErrCancelled reports that the user aborted credential entry.
var ErrCancelled = errors.New("authproto: entry cancelled")

// Conversation is the callback surface handed to the credential
// checker. Prompts block until the peer answers; messages are
// fire-and-forget.
type Conversation interface {
	// PromptEchoOff asks for hidden input (password-like). The caller
	// owns the returned buffer and must Wipe it once consumed.
	PromptEchoOff(msg string) (*secret.Buffer, error)

	// PromptEchoOn asks for visible input (username-like).
	PromptEchoOn(msg string) (string, error)

	// Info delivers an informational message, no response expected.
	Info(msg string) error

	// Error delivers an error message, no response expected.
	Error(msg string) error
}

// Verdict classifies the outcome of one external credential check.
type Verdict int

const (
	// VerdictSuccess means the credentials were verified.
	VerdictSuccess Verdict = iota
	// VerdictFailure is a transient failure, eligible for retry.
	VerdictFailure
	// VerdictAbort is an explicit abort, never retried.
	VerdictAbort
	// VerdictMaxTries is a too-many-attempts lockout, never retried.
	VerdictMaxTries
	// VerdictCredExpired requires a mandatory credential change, never
	// retried.
	VerdictCredExpired
)

// CredentialChecker performs one external credential check, calling
// back into the conversation for prompts and messages.
type CredentialChecker interface {
	Check(conv Conversation) (Verdict, error)
}

// maxAttempts bounds the retry of transient check failures.
const maxAttempts = 3

// Bridge implements Conversation on top of the packet wire. It reads
// responses from r and writes prompts and messages to w, both ends of
// the pipes shared with the locking parent.
type Bridge struct {
	r      io.Reader
	w      io.Writer
	logger *zap.Logger

	// broken is set after the first protocol error within a check.
	// Well-formed checkers never call back after seeing an error, so a
	// further callback aborts the process.
	broken bool

	// fatalf terminates the helper; replaceable for tests.
	fatalf func(msg string, fields ...zap.Field)
}

// NewBridge creates a bridge over the given pipe ends.
func NewBridge(r io.Reader, w io.Writer, logger *zap.Logger) *Bridge {
	b := &Bridge{r: r, w: w, logger: logger}
	b.fatalf = logger.Fatal
	return b
}

// PromptEchoOff sends a password-like prompt and waits for the answer.
func (b *Bridge) PromptEchoOff(msg string) (*secret.Buffer, error) {
	b.checkBroken()
	if err := wire.WritePacket(b.w, wire.TypePromptEchoOff, []byte(msg)); err != nil {
		return nil, b.fail(err)
	}
	typ, buf, _, err := wire.ReadPacket(b.r, false)
	if err != nil {
		return nil, b.fail(err)
	}
	switch typ {
	case wire.TypeResponseEchoOff:
		return buf, nil
	case wire.TypeCancelled:
		return nil, ErrCancelled
	default:
		if buf != nil {
			buf.Wipe()
		}
		return nil, b.fail(fmt.Errorf("unexpected response type %q", byte(typ)))
	}
}

// PromptEchoOn sends a username-like prompt and waits for the answer.
func (b *Bridge) PromptEchoOn(msg string) (string, error) {
	b.checkBroken()
	if err := wire.WritePacket(b.w, wire.TypePromptEchoOn, []byte(msg)); err != nil {
		return "", b.fail(err)
	}
	typ, _, payload, err := wire.ReadPacket(b.r, false)
	if err != nil {
		return "", b.fail(err)
	}
	switch typ {
	case wire.TypeResponseEchoOn:
		return string(payload), nil
	case wire.TypeCancelled:
		return "", ErrCancelled
	default:
		return "", b.fail(fmt.Errorf("unexpected response type %q", byte(typ)))
	}
}

// Info delivers an informational message, fire-and-forget.
func (b *Bridge) Info(msg string) error {
	b.checkBroken()
	if err := wire.WritePacket(b.w, wire.TypeInfo, []byte(msg)); err != nil {
		return b.fail(err)
	}
	return nil
}

// Error delivers an error message, fire-and-forget.
func (b *Bridge) Error(msg string) error {
	b.checkBroken()
	if err := wire.WritePacket(b.w, wire.TypeError, []byte(msg)); err != nil {
		return b.fail(err)
	}
	return nil
}

// Broken reports whether a protocol error occurred in this check.
func (b *Bridge) Broken() bool {
	return b.broken
}

// checkBroken aborts the helper when the checker calls back after a
// protocol error was already reported to it.
func (b *Bridge) checkBroken() {
	if b.broken {
		b.fatalf("credential checker called back after protocol error")
	}
}

// fail records and logs the first protocol error of this check.
func (b *Bridge) fail(err error) error {
	b.broken = true
	b.logger.Error("auth protocol error", zap.Error(err))
	return err
}

// Run performs the credential check with bounded retry of transient
// failures. It returns the helper's exit status: 0 only on a verified
// success.
func Run(checker CredentialChecker, bridge *Bridge, logger *zap.Logger) int {
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		verdict, err := checker.Check(bridge)
		if bridge.Broken() {
			// The pipe is in an unknown state; retrying cannot help.
			logger.Error("aborting after protocol error",
				zap.Int("attempt", attempt))
			return 1
		}
		if err != nil && !errors.Is(err, ErrCancelled) {
			logger.Warn("credential check error",
				zap.Int("attempt", attempt),
				zap.Error(err))
		}

		switch verdict {
		case VerdictSuccess:
			return 0
		case VerdictAbort, VerdictMaxTries, VerdictCredExpired:
			logger.Info("credential check not retryable",
				zap.Int("verdict", int(verdict)))
			return 1
		case VerdictFailure:
			logger.Info("credential check failed",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts))
		}
	}
	return 1
}
