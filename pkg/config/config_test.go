package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Moirai-Labs/fates/core/pkg/config"
)

// TestLoad_Defaults verifies that Load() returns sensible defaults
// when no environment variables are set.
func TestLoad_Defaults(t *testing.T) {
	for _, key := range []string{
		"PORT", "LOG_LEVEL", "DATABASE_URL", "SQLITE_PATH",
		"MIN_DWELL_TIME_SECONDS", "DELIBERATION_TIMEOUT_SECONDS",
		"MAX_DELIBERATION_ROUNDS", "CESSATION_ESCALATION_THRESHOLD",
		"GRIEVANCE_ESCALATION_THRESHOLD", "ORPHAN_THRESHOLD_HOURS",
	} {
		t.Setenv(key, "")
	}

	cfg := config.Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "fates.db", cfg.SQLitePath)
	assert.Equal(t, 30, cfg.MinDwellTimeSeconds)
	assert.Equal(t, 300, cfg.DeliberationTimeoutSeconds)
	assert.Equal(t, 3, cfg.MaxDeliberationRounds)
	assert.Equal(t, 100, cfg.CessationThreshold)
	assert.Equal(t, 50, cfg.GrievanceThreshold)
	assert.Equal(t, 24, cfg.OrphanThresholdHours)
}

// TestLoad_Overrides verifies that environment variables correctly
// override default values.
func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("DATABASE_URL", "postgres://production:5432/fates")
	t.Setenv("MIN_DWELL_TIME_SECONDS", "45")
	t.Setenv("ORPHAN_THRESHOLD_HOURS", "48")

	cfg := config.Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "postgres://production:5432/fates", cfg.DatabaseURL)
	assert.Equal(t, 45, cfg.MinDwellTimeSeconds)
	assert.Equal(t, 48, cfg.OrphanThresholdHours)
}

// TestLoad_Clamps verifies governance knobs stay inside their
// sanctioned ranges.
func TestLoad_Clamps(t *testing.T) {
	t.Setenv("MIN_DWELL_TIME_SECONDS", "9999")
	t.Setenv("DELIBERATION_TIMEOUT_SECONDS", "10")
	t.Setenv("MAX_DELIBERATION_ROUNDS", "0")

	cfg := config.Load()

	assert.Equal(t, 300, cfg.MinDwellTimeSeconds)
	assert.Equal(t, 60, cfg.DeliberationTimeoutSeconds)
	assert.Equal(t, 1, cfg.MaxDeliberationRounds)
}

// TestLoad_BadIntFallsBack verifies unparseable numbers fall back to
// their defaults instead of failing startup.
func TestLoad_BadIntFallsBack(t *testing.T) {
	t.Setenv("CESSATION_ESCALATION_THRESHOLD", "many")

	cfg := config.Load()
	assert.Equal(t, 100, cfg.CessationThreshold)
}
