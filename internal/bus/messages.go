package bus

import (
	"time"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/settings"
)

// Type tags a message.
type Type string

const (
	EnableFullMode                 Type = "EnableFullMode"
	EnableFullModeResponse         Type = "EnableFullModeResponse"
	DisableFullMode                Type = "DisableFullMode"
	GetStoreState                  Type = "GetStoreState"
	GetStoreStateResponse          Type = "GetStoreStateResponse"
	StoreStateChanged              Type = "StoreStateChanged"
	ManifestIndexObserved          Type = "ManifestIndexObserved"
	NewPlaybackAccessToken         Type = "NewPlaybackAccessToken"
	NewPlaybackAccessTokenResponse Type = "NewPlaybackAccessTokenResponse"
	ClearStats                     Type = "ClearStats"
	MultipleAdBlockersInUse        Type = "MultipleAdBlockersInUse"
	AdDetected                     Type = "AdDetected"
)

// FullModeRequest is the payload of EnableFullMode and DisableFullMode.
// SentAt lets the coordinator compensate for bus latency.
type FullModeRequest struct {
	Category classify.Category
	SentAt   time.Time
}

// FullModeAck answers EnableFullMode. Err is set when no window was opened.
type FullModeAck struct {
	Window time.Duration
	Err    string
}

// StoreState carries a settings snapshot.
type StoreState struct {
	Snapshot settings.Snapshot
}

// ManifestIndexInfo publishes segment-playlist URLs discovered for a channel.
type ManifestIndexInfo struct {
	Channel             string
	SegmentPlaylistURLs []string
	ProxyCountry        string
}

// AccessToken is a playback access token.
type AccessToken struct {
	Value     string
	Signature string
}

// TokenRequest asks the page for a fresh playback access token.
type TokenRequest struct {
	Channel string
}

// TokenResponse answers TokenRequest. Token is nil when the fetch failed.
type TokenResponse struct {
	Token *AccessToken
}

// ClearStatsRequest invalidates per-channel state. An empty Channel clears
// everything.
type ClearStatsRequest struct {
	Channel string
}

// Warning reports a conflict detected by a context.
type Warning struct {
	Detail string
}

// AdReport describes one ad detection.
type AdReport struct {
	Channel    string
	Quality    string
	Streak     int
	Outcome    string
	DetectedAt time.Time
}
