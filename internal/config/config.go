// Package config loads geotrail's runtime configuration from environment
// variables, applying the defaults named in the specification.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config holds all application configuration.
type Config struct {
	LogFile string // path to the access log file being tailed
	DBPath  string // path to the SQLite database file
	Listen  string // HTTP listen address for the read API

	// Authentication settings for the read API (all optional).
	HtpasswdFile string
	AuthUser     string
	AuthPass     string

	// GeoIP settings.
	GeoIPPath    string   // path to the MaxMind/DB-IP mmdb file
	GeoIPLocales []string // locale preference list, filtered against a supported set

	Hostname string // recorded on every GeoEvent

	// Ingestion tuning (spec.md §6).
	BatchSize       int     // max records before a forced commit
	CommitInterval  float64 // max seconds between commits
	StoreDebugLines bool    // persist raw line for every parsed record, not only malformed
	SkipValidation  bool    // skip the startup log-format probe
	SendLogs        bool    // capture full access-log fields
	PollInterval    float64 // tailer idle sleep, seconds

	// Aggregation / scheduler tuning.
	HourlyRetentionDays       int
	DailyRollupHour           int
	DailyRollupMinute         int
	LocationRefreshIntervalHr int
}

// Load reads configuration from environment variables and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		LogFile:      getEnvOrDefault("GEOTRAIL_LOG_FILE", "/logs/access.log"),
		DBPath:       getEnvOrDefault("GEOTRAIL_DB_PATH", "/data/geotrail.db"),
		Listen:       getEnvOrDefault("GEOTRAIL_LISTEN", ":8080"),
		HtpasswdFile: os.Getenv("GEOTRAIL_HTPASSWD_FILE"),
		AuthUser:     os.Getenv("GEOTRAIL_AUTH_USER"),
		AuthPass:     os.Getenv("GEOTRAIL_AUTH_PASS"),
		GeoIPPath:    os.Getenv("GEOTRAIL_GEOIP_PATH"),
		Hostname:     getEnvOrDefault("GEOTRAIL_HOSTNAME", "localhost"),
	}

	cfg.GeoIPLocales = parseLocales(getEnvOrDefault("GEOTRAIL_GEOIP_LOCALES", "en"))

	var err error
	if cfg.BatchSize, err = getEnvIntOrDefault("GEOTRAIL_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if cfg.CommitInterval, err = getEnvFloatOrDefault("GEOTRAIL_COMMIT_INTERVAL", 5.0); err != nil {
		return nil, err
	}
	if cfg.PollInterval, err = getEnvFloatOrDefault("GEOTRAIL_POLL_INTERVAL", 1.0); err != nil {
		return nil, err
	}
	cfg.StoreDebugLines = getEnvBoolOrDefault("GEOTRAIL_STORE_DEBUG_LINES", false)
	cfg.SkipValidation = getEnvBoolOrDefault("GEOTRAIL_SKIP_VALIDATION", false)
	cfg.SendLogs = getEnvBoolOrDefault("GEOTRAIL_SEND_LOGS", true)

	retentionStr := getEnvOrDefault("GEOTRAIL_HOURLY_RETENTION_DAYS", "30")
	retentionDays, err := strconv.Atoi(retentionStr)
	if err != nil {
		return nil, fmt.Errorf("invalid GEOTRAIL_HOURLY_RETENTION_DAYS: %w", err)
	}
	if retentionDays <= 0 {
		return nil, fmt.Errorf("GEOTRAIL_HOURLY_RETENTION_DAYS must be positive, got %d", retentionDays)
	}
	cfg.HourlyRetentionDays = retentionDays

	if cfg.DailyRollupHour, err = getEnvIntOrDefault("GEOTRAIL_DAILY_ROLLUP_HOUR", 0); err != nil {
		return nil, err
	}
	if cfg.DailyRollupMinute, err = getEnvIntOrDefault("GEOTRAIL_DAILY_ROLLUP_MINUTE", 5); err != nil {
		return nil, err
	}
	if cfg.LocationRefreshIntervalHr, err = getEnvIntOrDefault("GEOTRAIL_LOCATION_REFRESH_INTERVAL_HOURS", 1); err != nil {
		return nil, err
	}

	return cfg, nil
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) (int, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvFloatOrDefault(key string, defaultValue float64) (float64, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return v, nil
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return defaultValue
	}
	return v
}

func parseLocales(raw string) []string {
	parts := strings.Split(raw, ",")
	locales := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			locales = append(locales, p)
		}
	}
	if len(locales) == 0 {
		return []string{"en"}
	}
	return locales
}
