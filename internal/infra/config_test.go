package infra

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// TestLoadConfig_Defaults verifies the zero-environment defaults
func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv(EnvAuthTimeout, "")
	t.Setenv(EnvAllowFirstKeypress, "")
	t.Setenv(EnvDiscardFirstKeypress, "")
	t.Setenv(EnvNoPAMRHost, "")
	t.Setenv(EnvSaverCount, "")

	cfg := LoadConfig()

	assert.Equal(t, 5*time.Minute, cfg.AuthTimeout)
	assert.False(t, cfg.ForwardFirstKeypress, "discard is the default")
	assert.False(t, cfg.NoPAMRHost)
	assert.Equal(t, DefaultSaverCount, cfg.SaverCount)
}

// TestLoadConfig_AuthTimeout verifies the numeric timeout knob
func TestLoadConfig_AuthTimeout(t *testing.T) {
	t.Setenv(EnvAuthTimeout, "30")

	cfg := LoadConfig()

	assert.Equal(t, 30*time.Second, cfg.AuthTimeout)
}

// TestLoadConfig_MalformedTimeoutIgnored verifies malformed values fall
// back to the default
func TestLoadConfig_MalformedTimeoutIgnored(t *testing.T) {
	t.Setenv(EnvAuthTimeout, "soon")

	cfg := LoadConfig()

	assert.Equal(t, 5*time.Minute, cfg.AuthTimeout)
}

// TestLoadConfig_AllowFirstKeypress verifies the explicit override
func TestLoadConfig_AllowFirstKeypress(t *testing.T) {
	t.Setenv(EnvAllowFirstKeypress, "1")

	cfg := LoadConfig()

	assert.True(t, cfg.ForwardFirstKeypress)
}

// TestLoadConfig_BothKeypressKnobs verifies the allow knob wins when
// the legacy discard knob is also set
func TestLoadConfig_BothKeypressKnobs(t *testing.T) {
	t.Setenv(EnvAllowFirstKeypress, "1")
	t.Setenv(EnvDiscardFirstKeypress, "1")

	cfg := LoadConfig()

	assert.True(t, cfg.ForwardFirstKeypress)
}

// TestLoadConfig_LegacyDiscardKnob verifies the legacy knob alone keeps
// the default behavior
func TestLoadConfig_LegacyDiscardKnob(t *testing.T) {
	t.Setenv(EnvAllowFirstKeypress, "")
	t.Setenv(EnvDiscardFirstKeypress, "true")

	cfg := LoadConfig()

	assert.False(t, cfg.ForwardFirstKeypress)
}

// TestLoadConfig_SaverCount verifies the saver cap
func TestLoadConfig_SaverCount(t *testing.T) {
	t.Setenv(EnvSaverCount, "4")

	cfg := LoadConfig()

	assert.Equal(t, 4, cfg.SaverCount)
}

// TestLoadConfig_SaverCountBounds verifies out-of-range caps are
// rejected
func TestLoadConfig_SaverCountBounds(t *testing.T) {
	for _, v := range []string{"0", "-3", "1000", "many"} {
		t.Setenv(EnvSaverCount, v)

		cfg := LoadConfig()

		assert.Equal(t, DefaultSaverCount, cfg.SaverCount, "value %q", v)
	}
}

// TestLoadConfig_NoPAMRHost verifies the host-identity knob
func TestLoadConfig_NoPAMRHost(t *testing.T) {
	t.Setenv(EnvNoPAMRHost, "yes")

	cfg := LoadConfig()

	assert.True(t, cfg.NoPAMRHost)
}
