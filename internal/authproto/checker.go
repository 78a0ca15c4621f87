package authproto

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"time"

	"go.uber.org/zap"
)

// EnvAuthCommand selects the external credential verifier invoked by
// ExecChecker.
const EnvAuthCommand = "XLOCKD_AUTH_COMMAND"

// DefaultAuthCommand is the PAM wrapper shipped alongside the locker.
const DefaultAuthCommand = "/usr/libexec/xlockd/check_pam"

// CheckerSettings configure the external credential check.
type CheckerSettings struct {
	// Command is the verifier binary. It receives the username as its
	// only argument, reads the password on stdin, and exits 0 on
	// success.
	Command string
	// Timeout bounds one verifier run.
	Timeout time.Duration
	// ForwardHostIdentity exports the local hostname to the verifier
	// (PAM_RHOST equivalent). Disabled via XLOCKD_NO_PAM_RHOST.
	ForwardHostIdentity bool
}

// ExecChecker implements CredentialChecker by prompting through the
// conversation and handing the credentials to an external verifier
// process. PAM internals stay on the other side of that exec boundary.
type ExecChecker struct {
	settings CheckerSettings
	logger   *zap.Logger
}

// NewExecChecker builds a checker from settings, applying defaults.
func NewExecChecker(settings CheckerSettings, logger *zap.Logger) *ExecChecker {
	if settings.Command == "" {
		settings.Command = os.Getenv(EnvAuthCommand)
	}
	if settings.Command == "" {
		settings.Command = DefaultAuthCommand
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 5 * time.Minute
	}
	return &ExecChecker{settings: settings, logger: logger}
}

// Check prompts for the password and runs the verifier.
func (c *ExecChecker) Check(conv Conversation) (Verdict, error) {
	username := currentUsername()

	buf, err := conv.PromptEchoOff("Password: ")
	if err != nil {
		if errors.Is(err, ErrCancelled) {
			return VerdictAbort, err
		}
		return VerdictFailure, err
	}
	defer buf.Wipe()

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.settings.Command, username)
	cmd.Env = os.Environ()
	if c.settings.ForwardHostIdentity {
		if host, herr := os.Hostname(); herr == nil {
			cmd.Env = append(cmd.Env, "XLOCKD_RHOST="+host)
		}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return VerdictFailure, fmt.Errorf("failed to create verifier pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		_ = conv.Error("credential verifier unavailable")
		return VerdictFailure, fmt.Errorf("failed to start verifier: %w", err)
	}

	_, werr := stdin.Write(buf.Bytes())
	stdin.Close()
	if werr != nil {
		c.logger.Warn("failed to hand credentials to verifier", zap.Error(werr))
	}

	err = cmd.Wait()
	if ctx.Err() == context.DeadlineExceeded {
		_ = conv.Error("authentication timed out")
		return VerdictMaxTries, fmt.Errorf("verifier timed out after %s", c.settings.Timeout)
	}
	if err == nil {
		return VerdictSuccess, nil
	}
	_ = conv.Error("authentication failed")
	return VerdictFailure, nil
}

// currentUsername falls back to the environment when the lookup fails.
func currentUsername() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return os.Getenv("USER")
}

// Ensure ExecChecker implements CredentialChecker.
var _ CredentialChecker = (*ExecChecker)(nil)
