package classify

import (
	"net"
	"strings"
)

// HostKind is the coarse, host-only classification used at the connection
// layer where request bodies are not visible.
type HostKind int

const (
	HostUnknown HostKind = iota
	HostToken
	HostManifestIndex
	HostSegmentPlaylist
	HostPage
)

func (k HostKind) String() string {
	switch k {
	case HostToken:
		return "token"
	case HostManifestIndex:
		return "manifest_index"
	case HostSegmentPlaylist:
		return "segment_playlist"
	case HostPage:
		return "page"
	default:
		return "unknown"
	}
}

// HostTable lists the platform hostnames per role. Each entry matches the
// host itself or any subdomain of it, case-insensitively.
type HostTable struct {
	Token           []string
	ManifestIndex   []string
	SegmentPlaylist []string
	Page            []string

	// IntegrityURL is the full URL of the token integrity endpoint.
	IntegrityURL string
}

// DefaultHostTable returns the Twitch host table.
func DefaultHostTable() HostTable {
	return HostTable{
		Token:         []string{"gql.twitch.tv"},
		ManifestIndex: []string{"usher.ttvnw.net"},
		SegmentPlaylist: []string{
			"hls.ttvnw.net",
			"playlist.ttvnw.net",
			"playlist.live-video.net",
		},
		Page:         []string{"twitch.tv"},
		IntegrityURL: "https://gql.twitch.tv/integrity",
	}
}

// Kind classifies a bare host (optionally with a port). Roles are checked in
// a fixed order so that the page domain never shadows a more specific API
// host under it.
func (t HostTable) Kind(host string) HostKind {
	host = normalizeHost(host)
	if host == "" {
		return HostUnknown
	}
	switch {
	case matchAny(host, t.Token):
		return HostToken
	case matchAny(host, t.ManifestIndex):
		return HostManifestIndex
	case matchAny(host, t.SegmentPlaylist):
		return HostSegmentPlaylist
	case matchAny(host, t.Page):
		return HostPage
	default:
		return HostUnknown
	}
}

func normalizeHost(host string) string {
	host = strings.TrimSpace(host)
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(host, ".")
	return strings.ToLower(host)
}

func matchAny(host string, patterns []string) bool {
	for _, p := range patterns {
		p = strings.ToLower(strings.Trim(strings.TrimSpace(p), "."))
		if p == "" {
			continue
		}
		if host == p || strings.HasSuffix(host, "."+p) {
			return true
		}
	}
	return false
}
