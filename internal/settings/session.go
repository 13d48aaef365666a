// Package settings defines the session configuration consumed by the routing
// core and the versioned snapshots it travels in between contexts.
package settings

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

// Passport levels. Level 1 proxies token and manifest-index requests; level 2
// additionally proxies integrity requests.
const (
	PassportOff           = 0
	PassportTokenIndex    = 1
	PassportWithIntegrity = 2
)

var (
	// ErrInvalidSnapshot is returned for snapshots failing schema validation.
	ErrInvalidSnapshot = errors.New("invalid settings snapshot")
	// ErrStaleSnapshot is returned when a snapshot is not newer than the one
	// already held.
	ErrStaleSnapshot = errors.New("stale settings snapshot")
)

// SessionConfig is the user-facing configuration read by the core.
type SessionConfig struct {
	ProxyingEnabled          bool `json:"proxying_enabled" yaml:"proxying_enabled"`
	OptimizedProxyingEnabled bool `json:"optimized_proxying_enabled" yaml:"optimized_proxying_enabled"`
	PassportLevel            int  `json:"passport_level" yaml:"passport_level"`
	AnonymousModeEnabled     bool `json:"anonymous_mode_enabled" yaml:"anonymous_mode_enabled"`

	// WhitelistedChannels are matched case-insensitively.
	WhitelistedChannels []string `json:"whitelisted_channels" yaml:"whitelisted_channels"`

	// Proxies are tried in order, each "[user:pass@]host[:port]".
	Proxies []string `json:"proxies" yaml:"proxies"`

	AdLogEnabled bool `json:"ad_log_enabled" yaml:"ad_log_enabled"`
}

// DefaultSessionConfig returns the configuration used before the settings
// store delivers anything.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ProxyingEnabled:          true,
		OptimizedProxyingEnabled: true,
		PassportLevel:            PassportOff,
		WhitelistedChannels:      []string{},
		Proxies:                  []string{},
	}
}

// PassthroughSessionConfig is in effect in a context that has not received
// a snapshot yet. It flags nothing and attempts no replacement, so an unknown
// whitelist is never overridden.
func PassthroughSessionConfig() SessionConfig {
	cfg := DefaultSessionConfig()
	cfg.ProxyingEnabled = false
	cfg.OptimizedProxyingEnabled = false
	return cfg
}

// IsWhitelisted reports whether channel is whitelisted. An empty channel is
// never whitelisted.
func (c SessionConfig) IsWhitelisted(channel string) bool {
	channel = strings.TrimSpace(channel)
	if channel == "" {
		return false
	}
	return slices.ContainsFunc(c.WhitelistedChannels, func(w string) bool {
		return strings.EqualFold(strings.TrimSpace(w), channel)
	})
}

// Validate checks the config and returns every problem joined into one error.
func (c SessionConfig) Validate() error {
	var errs []string
	if c.PassportLevel < PassportOff || c.PassportLevel > PassportWithIntegrity {
		errs = append(errs, fmt.Sprintf("passport_level: must be 0, 1 or 2, got %d", c.PassportLevel))
	}
	for i, ch := range c.WhitelistedChannels {
		ch = strings.TrimSpace(ch)
		if ch == "" || strings.ContainsAny(ch, " /?#") {
			errs = append(errs, fmt.Sprintf("whitelisted_channels[%d]: invalid channel name %q", i, c.WhitelistedChannels[i]))
		}
	}
	for i, raw := range c.Proxies {
		if _, err := ParseProxy(raw); err != nil {
			errs = append(errs, fmt.Sprintf("proxies[%d]: %v", i, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidSnapshot, strings.Join(errs, "; "))
	}
	return nil
}

// Normalize trims list entries, lower-cases channel names and drops
// duplicates while keeping order.
func (c SessionConfig) Normalize() SessionConfig {
	out := c
	out.WhitelistedChannels = dedupe(c.WhitelistedChannels, strings.ToLower)
	out.Proxies = dedupe(c.Proxies, func(s string) string { return s })
	return out
}

func dedupe(in []string, key func(string) string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		s = key(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

// Snapshot is a validated SessionConfig stamped with a monotonically
// increasing version. Receivers drop snapshots that are not newer than the
// one they hold.
type Snapshot struct {
	Version   uint64        `json:"version" yaml:"version"`
	UpdatedAt time.Time     `json:"updated_at" yaml:"updated_at"`
	Config    SessionConfig `json:"config" yaml:"config"`
}

// Validate checks the snapshot envelope and its config.
func (s Snapshot) Validate() error {
	if s.Version == 0 {
		return fmt.Errorf("%w: version must be positive", ErrInvalidSnapshot)
	}
	return s.Config.Validate()
}
