package classify

import (
	"bytes"
	"net/http"
	"net/url"
	"strings"
)

const (
	// TokenBodyMarker identifies a playback access token operation in a
	// GraphQL request body.
	TokenBodyMarker = "PlaybackAccessToken"
	// IntegrityHeader is carried by GraphQL requests bound to an integrity token.
	IntegrityHeader = "Client-Integrity"
)

// Request is the subset of an outgoing request the classifier inspects.
type Request struct {
	URL    string
	Header http.Header
	Body   []byte
}

// Classify returns the category of rawURL using host matching only. Token-host
// URLs other than the integrity endpoint classify as Other because the body
// is needed to recognise a token request. Malformed URLs classify as Other.
func Classify(rawURL string, t HostTable) Category {
	return ClassifyRequest(Request{URL: rawURL}, t)
}

// ClassifyRequest classifies a full request. It is deterministic and has no
// side effects.
func ClassifyRequest(r Request, t HostTable) Category {
	u, ok := parseHTTPURL(r.URL)
	if !ok {
		return Other
	}

	switch t.Kind(u.Host) {
	case HostToken:
		if bytes.Contains(r.Body, []byte(TokenBodyMarker)) {
			return TokenRequest
		}
		if isIntegrityURL(u, t.IntegrityURL) || r.Header.Get(IntegrityHeader) != "" {
			return TokenIntegrityRequest
		}
		return Other
	case HostManifestIndex:
		return ManifestIndexRequest
	case HostSegmentPlaylist:
		return SegmentPlaylistRequest
	case HostPage:
		return PageRequest
	default:
		return Other
	}
}

func parseHTTPURL(raw string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return u, true
	default:
		return nil, false
	}
}

func isIntegrityURL(u *url.URL, integrityURL string) bool {
	if integrityURL == "" {
		return false
	}
	want, err := url.Parse(integrityURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, want.Host) &&
		strings.TrimSuffix(u.Path, "/") == strings.TrimSuffix(want.Path, "/")
}
