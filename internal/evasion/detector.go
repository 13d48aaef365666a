// Package evasion detects stitched mid-roll ads in segment playlists and runs
// the replacement protocol: fetch a fresh access token, fetch a fresh
// manifest-index with it, and point the channel's record at the new segment
// playlists.
package evasion

import (
	"bytes"

	"github.com/Resinat/streamguard/internal/settings"
)

// MaxAttempts is the highest ad streak for which a replacement is still
// attempted. The next detection is passed through.
const MaxAttempts = 2

var (
	stitchedMarker = []byte("stitched-ad")
	midrollMarker  = []byte("midroll")
)

// HasAd reports whether a segment-playlist body carries a stitched mid-roll.
// Both markers must be present, case-insensitively.
func HasAd(body []byte) bool {
	lower := bytes.ToLower(body)
	return bytes.Contains(lower, stitchedMarker) && bytes.Contains(lower, midrollMarker)
}

// ShouldAttempt reports whether the replacement protocol runs for an ad
// detection with the given streak.
func ShouldAttempt(streak int, cfg settings.SessionConfig, channel string) bool {
	return streak <= MaxAttempts &&
		cfg.OptimizedProxyingEnabled &&
		!cfg.IsWhitelisted(channel)
}
