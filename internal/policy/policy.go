// Package policy decides whether a classified request must be flagged for
// proxying. Every function here is pure: callers supply the current session
// configuration and the per-request facts.
package policy

import (
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/settings"
)

// Facts are the per-request observations that the configuration alone
// cannot provide.
type Facts struct {
	// Whitelisted is true when the request belongs to a whitelisted channel.
	Whitelisted bool
	// NotLive is true for VODs and the frontpage preview player.
	NotLive bool
	// FirstSegmentRequest is true when no earlier request to the same
	// resolved segment-playlist URL was flagged.
	FirstSegmentRequest bool
}

// Excluded reports whether the facts rule out flagging for every category.
func (f Facts) Excluded() bool {
	return f.Whitelisted || f.NotLive
}

// ShouldFlag reports whether a request of category c must be flagged.
func ShouldFlag(c classify.Category, cfg settings.SessionConfig, f Facts) bool {
	if !cfg.ProxyingEnabled || f.Excluded() {
		return false
	}
	return categoryProxied(c, cfg, f.FirstSegmentRequest)
}

func categoryProxied(c classify.Category, cfg settings.SessionConfig, firstSegment bool) bool {
	switch c {
	case classify.TokenRequest:
		return cfg.PassportLevel == settings.PassportTokenIndex ||
			cfg.PassportLevel == settings.PassportWithIntegrity
	case classify.TokenIntegrityRequest:
		return IntegrityProxied(cfg)
	case classify.ManifestIndexRequest:
		return cfg.PassportLevel >= settings.PassportTokenIndex
	case classify.SegmentPlaylistRequest:
		return firstSegment
	default:
		return false
	}
}

// IntegrityProxied reports whether integrity requests are proxied under cfg.
// With optimized proxying disabled, passport level 1 already covers them.
func IntegrityProxied(cfg settings.SessionConfig) bool {
	if !cfg.ProxyingEnabled {
		return false
	}
	return cfg.PassportLevel == settings.PassportWithIntegrity ||
		(!cfg.OptimizedProxyingEnabled && cfg.PassportLevel == settings.PassportTokenIndex)
}

// TokenPlan is the decision for a playback access token request.
type TokenPlan struct {
	// Rebuild asks the caller to replace the request with a locally built
	// template request before sending it.
	Rebuild bool
	// Anonymous asks the rebuilt request to omit viewer credentials.
	Anonymous bool

	flag     bool
	willFail bool
}

// Flag returns the final flag decision once the caller knows whether the
// rebuild succeeded. A rebuilt template request carries no integrity
// binding, so it can be proxied even when integrity requests are not.
func (p TokenPlan) Flag(rebuilt bool) bool {
	willFail := p.willFail
	if rebuilt {
		willFail = false
	}
	return p.flag && !willFail
}

// DecideToken plans a token request. isTemplate is true when the original
// body already uses the template operation. A whitelisted or non-live token
// request is neither rebuilt nor flagged.
func DecideToken(cfg settings.SessionConfig, isTemplate bool, f Facts) TokenPlan {
	if f.Excluded() {
		return TokenPlan{}
	}
	flag := ShouldFlag(classify.TokenRequest, cfg, f)
	willFail := !isTemplate && !IntegrityProxied(cfg)
	return TokenPlan{
		Rebuild:   cfg.AnonymousModeEnabled || (flag && willFail),
		Anonymous: cfg.AnonymousModeEnabled,
		flag:      flag,
		willFail:  willFail,
	}
}
