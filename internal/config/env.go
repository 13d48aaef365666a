// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// FlagMode selects how a flagged request reaches the proxy selector.
type FlagMode string

const (
	// FlagModeHeader marks each flagged request individually. The outbound
	// transport reads and strips the marker before the request hits the wire.
	FlagModeHeader FlagMode = "header"
	// FlagModeWindow opens a time-bounded global window per request category
	// through the background full-mode coordinator.
	FlagModeWindow FlagMode = "window"
)

// IsValid reports whether m is a supported flag mode.
func (m FlagMode) IsValid() bool {
	return m == FlagModeHeader || m == FlagModeWindow
}

// ParseFlagMode parses a flag mode string case-insensitively.
func ParseFlagMode(raw string) (FlagMode, bool) {
	m := FlagMode(strings.ToLower(strings.TrimSpace(raw)))
	return m, m.IsValid()
}

// EnvConfig holds all environment-variable-driven settings (not hot-updatable).
type EnvConfig struct {
	// Directories
	StateDir string

	// Network
	ListenAddress   string
	Port            int
	APIMaxBodyBytes int

	// Logging
	LogLevel  string
	LogFormat string

	// Core
	FlagMode                 FlagMode
	BusTimeout               time.Duration
	FullModeAllowance        time.Duration
	ManifestIndexAllowance   time.Duration
	UpstreamTimeout          time.Duration
	TokenFetchesPerSecond    int
	ChallengeTTL             time.Duration
	TransportIdleConnTimeout time.Duration
	GatewayMaxRetries        int
	GatewayIdleTimeout       time.Duration

	// Viewer
	TwitchAuthToken string

	// GeoIP
	GeoIPPath           string
	GeoIPReloadSchedule string

	// Ad log
	AdLogQueueSize     int
	AdLogFlushBatch    int
	AdLogFlushInterval time.Duration
	AdLogRetention     time.Duration
	AdLogPurgeSchedule string

	// Auth
	AdminToken string
}

// LoadEnvConfig reads environment variables and returns a validated EnvConfig.
// Returns an error if any required variable is missing or any value is invalid.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	cfg.StateDir = envStr("STREAMGUARD_STATE_DIR", "/var/lib/streamguard")
	cfg.ListenAddress = strings.TrimSpace(envStr("STREAMGUARD_LISTEN_ADDRESS", "127.0.0.1"))
	cfg.Port = envInt("STREAMGUARD_PORT", 2270, &errs)
	cfg.APIMaxBodyBytes = envInt("STREAMGUARD_API_MAX_BODY_BYTES", 1<<20, &errs)

	cfg.LogLevel = strings.ToLower(envStr("STREAMGUARD_LOG_LEVEL", "info"))
	cfg.LogFormat = strings.ToLower(envStr("STREAMGUARD_LOG_FORMAT", "console"))

	rawFlagMode := envStr("STREAMGUARD_FLAG_MODE", string(FlagModeHeader))
	if mode, ok := ParseFlagMode(rawFlagMode); ok {
		cfg.FlagMode = mode
	} else {
		errs = append(errs, fmt.Sprintf(
			"STREAMGUARD_FLAG_MODE: invalid value %q (allowed: %s, %s)",
			rawFlagMode, FlagModeHeader, FlagModeWindow,
		))
	}
	cfg.BusTimeout = envDuration("STREAMGUARD_BUS_TIMEOUT", 5*time.Second, &errs)
	cfg.FullModeAllowance = envDuration("STREAMGUARD_FULL_MODE_ALLOWANCE", 3*time.Second, &errs)
	cfg.ManifestIndexAllowance = envDuration("STREAMGUARD_MANIFEST_INDEX_ALLOWANCE", 7*time.Second, &errs)
	cfg.UpstreamTimeout = envDuration("STREAMGUARD_UPSTREAM_TIMEOUT", 15*time.Second, &errs)
	cfg.TokenFetchesPerSecond = envInt("STREAMGUARD_TOKEN_RATE", 2, &errs)
	cfg.ChallengeTTL = envDuration("STREAMGUARD_CHALLENGE_TTL", 2*time.Minute, &errs)
	cfg.TransportIdleConnTimeout = envDuration("STREAMGUARD_TRANSPORT_IDLE_CONN_TIMEOUT", 90*time.Second, &errs)
	cfg.GatewayMaxRetries = envInt("STREAMGUARD_GATEWAY_MAX_RETRIES", 3, &errs)
	cfg.GatewayIdleTimeout = envDuration("STREAMGUARD_GATEWAY_IDLE_TIMEOUT", 2*time.Minute, &errs)
	cfg.TwitchAuthToken = strings.TrimSpace(envStr("STREAMGUARD_TWITCH_AUTH_TOKEN", ""))

	cfg.GeoIPPath = strings.TrimSpace(envStr("STREAMGUARD_GEOIP_PATH", ""))
	cfg.GeoIPReloadSchedule = envStr("STREAMGUARD_GEOIP_RELOAD_CRON", "0 7 * * *")

	cfg.AdLogQueueSize = envInt("STREAMGUARD_AD_LOG_QUEUE_SIZE", 1024, &errs)
	cfg.AdLogFlushBatch = envInt("STREAMGUARD_AD_LOG_FLUSH_BATCH", 128, &errs)
	cfg.AdLogFlushInterval = envDuration("STREAMGUARD_AD_LOG_FLUSH_INTERVAL", 30*time.Second, &errs)
	cfg.AdLogRetention = envDuration("STREAMGUARD_AD_LOG_RETENTION", 7*24*time.Hour, &errs)
	cfg.AdLogPurgeSchedule = envStr("STREAMGUARD_AD_LOG_PURGE_CRON", "30 3 * * *")

	// Must be defined; empty means auth disabled.
	adminToken, hasAdminToken := os.LookupEnv("STREAMGUARD_ADMIN_TOKEN")
	cfg.AdminToken = adminToken

	// --- Validation ---
	if !hasAdminToken {
		errs = append(errs, "STREAMGUARD_ADMIN_TOKEN must be defined (can be empty)")
	}
	if cfg.ListenAddress == "" {
		errs = append(errs, "STREAMGUARD_LISTEN_ADDRESS must not be empty")
	}
	if cfg.StateDir == "" {
		errs = append(errs, "STREAMGUARD_STATE_DIR must not be empty")
	}
	validatePort("STREAMGUARD_PORT", cfg.Port, &errs)
	validatePositive("STREAMGUARD_API_MAX_BODY_BYTES", cfg.APIMaxBodyBytes, &errs)

	switch cfg.LogLevel {
	case "trace", "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("STREAMGUARD_LOG_LEVEL: invalid value %q", cfg.LogLevel))
	}
	if cfg.LogFormat != "console" && cfg.LogFormat != "json" {
		errs = append(errs, fmt.Sprintf("STREAMGUARD_LOG_FORMAT: invalid value %q (allowed: console, json)", cfg.LogFormat))
	}

	validatePositiveDuration("STREAMGUARD_BUS_TIMEOUT", cfg.BusTimeout, &errs)
	validatePositiveDuration("STREAMGUARD_FULL_MODE_ALLOWANCE", cfg.FullModeAllowance, &errs)
	validatePositiveDuration("STREAMGUARD_MANIFEST_INDEX_ALLOWANCE", cfg.ManifestIndexAllowance, &errs)
	validatePositiveDuration("STREAMGUARD_UPSTREAM_TIMEOUT", cfg.UpstreamTimeout, &errs)
	validatePositive("STREAMGUARD_TOKEN_RATE", cfg.TokenFetchesPerSecond, &errs)
	validatePositiveDuration("STREAMGUARD_CHALLENGE_TTL", cfg.ChallengeTTL, &errs)
	validatePositiveDuration("STREAMGUARD_TRANSPORT_IDLE_CONN_TIMEOUT", cfg.TransportIdleConnTimeout, &errs)
	validatePositive("STREAMGUARD_GATEWAY_MAX_RETRIES", cfg.GatewayMaxRetries, &errs)
	validatePositiveDuration("STREAMGUARD_GATEWAY_IDLE_TIMEOUT", cfg.GatewayIdleTimeout, &errs)

	if _, err := cron.ParseStandard(cfg.GeoIPReloadSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("STREAMGUARD_GEOIP_RELOAD_CRON: invalid cron expression %q: %v", cfg.GeoIPReloadSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.AdLogPurgeSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("STREAMGUARD_AD_LOG_PURGE_CRON: invalid cron expression %q: %v", cfg.AdLogPurgeSchedule, err))
	}

	validatePositive("STREAMGUARD_AD_LOG_QUEUE_SIZE", cfg.AdLogQueueSize, &errs)
	validatePositive("STREAMGUARD_AD_LOG_FLUSH_BATCH", cfg.AdLogFlushBatch, &errs)
	validatePositiveDuration("STREAMGUARD_AD_LOG_FLUSH_INTERVAL", cfg.AdLogFlushInterval, &errs)
	validatePositiveDuration("STREAMGUARD_AD_LOG_RETENTION", cfg.AdLogRetention, &errs)

	// Queue size must be >= 2x batch size
	if cfg.AdLogQueueSize < 2*cfg.AdLogFlushBatch {
		errs = append(errs, "STREAMGUARD_AD_LOG_QUEUE_SIZE must be at least 2x STREAMGUARD_AD_LOG_FLUSH_BATCH")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}

	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePort(name string, value int, errs *[]string) {
	if value < 1 || value > 65535 {
		*errs = append(*errs, fmt.Sprintf("%s: port must be 1-65535, got %d", name, value))
	}
}

func validatePositive(name string, value int, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %d", name, value))
	}
}

func validatePositiveDuration(name string, value time.Duration, errs *[]string) {
	if value <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s: must be positive, got %s", name, value))
	}
}
