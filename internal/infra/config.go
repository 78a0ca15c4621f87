package infra

import (
	"os"
	"strconv"
	"time"
)

// Environment knobs consumed by the supervision core.
const (
	// EnvAuthTimeout is the idle timeout for the auth prompt, in seconds.
	EnvAuthTimeout = "XLOCKD_AUTH_TIMEOUT"
	// EnvAllowFirstKeypress forwards the first post-spawn input chunk to
	// the auth helper even when it is pure control characters.
	EnvAllowFirstKeypress = "XLOCKD_ALLOW_FIRST_KEYPRESS"
	// EnvDiscardFirstKeypress is the legacy spelling of the complementary
	// behavior. The explicit allow knob wins when both are set.
	EnvDiscardFirstKeypress = "XLOCKD_DISCARD_FIRST_KEYPRESS"
	// EnvNoPAMRHost disables forwarding the real host identity into the
	// credential check.
	EnvNoPAMRHost = "XLOCKD_NO_PAM_RHOST"
	// EnvSaverCount overrides the maximum number of per-monitor saver
	// helpers.
	EnvSaverCount = "XLOCKD_SAVER_COUNT"
)

// DefaultSaverCount bounds the saver watchdog set.
const DefaultSaverCount = 16

// Config holds the environment-derived settings of the supervision core.
type Config struct {
	AuthTimeout          time.Duration
	ForwardFirstKeypress bool
	NoPAMRHost           bool
	SaverCount           int
}

// LoadConfig reads the configuration from the environment. Unset or
// malformed values fall back to defaults; configuration never fails.
func LoadConfig() Config {
	cfg := Config{
		AuthTimeout: 5 * time.Minute,
		SaverCount:  DefaultSaverCount,
	}

	if v := os.Getenv(EnvAuthTimeout); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			cfg.AuthTimeout = time.Duration(secs) * time.Second
		}
	}

	if v := os.Getenv(EnvSaverCount); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= DefaultSaverCount {
			cfg.SaverCount = n
		}
	}

	cfg.NoPAMRHost = boolEnv(EnvNoPAMRHost)

	// Discarding the first keypress is the default. The legacy discard
	// knob can only confirm that default; the explicit allow knob takes
	// precedence when both are present.
	if boolEnv(EnvAllowFirstKeypress) {
		cfg.ForwardFirstKeypress = true
	} else if boolEnv(EnvDiscardFirstKeypress) {
		cfg.ForwardFirstKeypress = false
	}

	return cfg
}

// boolEnv treats "1", "true", "yes" (any case) as true.
func boolEnv(name string) bool {
	switch v := os.Getenv(name); v {
	case "1", "true", "TRUE", "True", "yes", "YES", "Yes":
		return true
	default:
		return false
	}
}
