package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultLimits(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 30, cfg.Limits.PerAccountDaily)
	assert.Equal(t, 15, cfg.Limits.PerAccountChannelDaily)
	assert.Equal(t, 200, cfg.Limits.PerAccountChannelLife)
	assert.Equal(t, 2, cfg.Limits.PerAccountHourly)
	assert.Equal(t, 15*time.Minute, cfg.Limits.CooldownBetweenInvites)
	assert.Equal(t, 60*time.Second, cfg.FloodWaitBuffer)
}

func TestDefaultSpeedProfilesPresent(t *testing.T) {
	cfg := Default()

	for _, name := range []string{"SAFE", "MEDIUM", "FAST"} {
		profile, ok := cfg.SpeedProfiles[name]
		require.True(t, ok, "missing speed profile %q", name)
		assert.Greater(t, profile.GlobalBudgetPerMin, 0)
		assert.Greater(t, profile.BatchSize, 0)
	}

	assert.Less(t, cfg.SpeedProfiles["SAFE"].GlobalBudgetPerMin, cfg.SpeedProfiles["FAST"].GlobalBudgetPerMin)
}

func TestLoadAppliesEnvOverrides(t *testing.T) {
	t.Setenv("ORC_FLOODWAIT_BUFFER_SEC", "90")
	t.Setenv("ORC_INVITE_COOLDOWN_MIN", "5")
	t.Setenv("ORC_DAY_BOUNDARY_HOUR_UTC", "3")
	defer func() {
		os.Unsetenv("ORC_FLOODWAIT_BUFFER_SEC")
		os.Unsetenv("ORC_INVITE_COOLDOWN_MIN")
		os.Unsetenv("ORC_DAY_BOUNDARY_HOUR_UTC")
	}()

	cfg := Load()

	assert.Equal(t, 90*time.Second, cfg.FloodWaitBuffer)
	assert.Equal(t, 5*time.Minute, cfg.Limits.CooldownBetweenInvites)
	assert.Equal(t, 3, cfg.DayBoundaryHourUTC)
}

func TestLoadIgnoresInvalidOverrides(t *testing.T) {
	t.Setenv("ORC_DAY_BOUNDARY_HOUR_UTC", "42")
	defer os.Unsetenv("ORC_DAY_BOUNDARY_HOUR_UTC")

	cfg := Load()

	assert.Equal(t, 0, cfg.DayBoundaryHourUTC)
}
