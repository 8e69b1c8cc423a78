// Package config loads the node configuration from environment
// variables, clamping governance knobs to their sanctioned ranges.
package config

import (
	"os"
	"strconv"
)

// Config holds node configuration.
type Config struct {
	Port     string
	LogLevel string

	// DatabaseURL selects the petition store backend. Empty means the
	// embedded sqlite file; a postgres:// URL selects the shared store.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	RealmRegistryPath string

	MinDwellTimeSeconds        int
	DeliberationTimeoutSeconds int
	MaxDeliberationRounds      int
	CessationThreshold         int
	GrievanceThreshold         int
	OrphanThresholdHours       int

	SchedulerIntervalSeconds int
	OrphanScanIntervalMin    int

	JWTSecret string
}

// Load reads configuration from the environment.
func Load() *Config {
	return &Config{
		Port:              envOr("PORT", "8080"),
		LogLevel:          envOr("LOG_LEVEL", "INFO"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        envOr("SQLITE_PATH", "fates.db"),
		RedisURL:          os.Getenv("REDIS_URL"),
		RealmRegistryPath: os.Getenv("REALM_REGISTRY_PATH"),
		JWTSecret:         os.Getenv("JWT_SECRET"),

		MinDwellTimeSeconds:        clampedInt("MIN_DWELL_TIME_SECONDS", 30, 0, 300),
		DeliberationTimeoutSeconds: clampedInt("DELIBERATION_TIMEOUT_SECONDS", 300, 60, 900),
		MaxDeliberationRounds:      clampedInt("MAX_DELIBERATION_ROUNDS", 3, 1, 10),
		CessationThreshold:         intOr("CESSATION_ESCALATION_THRESHOLD", 100),
		GrievanceThreshold:         intOr("GRIEVANCE_ESCALATION_THRESHOLD", 50),
		OrphanThresholdHours:       intOr("ORPHAN_THRESHOLD_HOURS", 24),

		SchedulerIntervalSeconds: intOr("SCHEDULER_INTERVAL_SECONDS", 5),
		OrphanScanIntervalMin:    intOr("ORPHAN_SCAN_INTERVAL_MINUTES", 15),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func clampedInt(key string, fallback, min, max int) int {
	n := intOr(key, fallback)
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
