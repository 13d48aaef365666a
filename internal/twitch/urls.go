package twitch

import (
	"fmt"
	"math/rand/v2"
	"net/url"
	"path"
	"strconv"
	"strings"
)

// PageBaseURL is the viewer-facing site.
const PageBaseURL = "https://www.twitch.tv/"

// frontpageMarker is how the frontpage player shows up in manifest-index URLs.
var frontpageMarker = url.QueryEscape(`"player_type":"frontpage"`)

// reservedPaths are first path segments of site URLs that are not channels.
var reservedPaths = map[string]struct{}{
	"directory": {}, "downloads": {}, "friends": {}, "inventory": {},
	"jobs": {}, "login": {}, "messages": {}, "p": {}, "search": {},
	"settings": {}, "signup": {}, "subscriptions": {}, "turbo": {},
	"videos": {}, "wallet": {}, "drops": {}, "following": {},
}

// ChannelFromIndexURL extracts the channel from a manifest-index URL such as
// https://usher.ttvnw.net/api/channel/hls/somechannel.m3u8. VOD URLs yield
// the numeric VOD ID.
func ChannelFromIndexURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	base := path.Base(u.Path)
	if !strings.HasSuffix(base, ".m3u8") {
		return ""
	}
	return strings.ToLower(strings.TrimSuffix(base, ".m3u8"))
}

// ChannelFromPageURL extracts the channel from a site URL. Popout and
// moderator views are recognised; other reserved paths yield "".
func ChannelFromPageURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	segs := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(segs) == 0 || segs[0] == "" {
		return ""
	}
	first := strings.ToLower(segs[0])
	if (first == "popout" || first == "moderator") && len(segs) > 1 {
		return strings.ToLower(segs[1])
	}
	if _, ok := reservedPaths[first]; ok {
		return ""
	}
	return first
}

// PageURL returns the site URL of channel.
func PageURL(channel string) string {
	return PageBaseURL + url.PathEscape(strings.ToLower(channel))
}

// IsLiveIndexURL reports whether a manifest-index URL is for a live stream.
func IsLiveIndexURL(raw string) bool {
	return !strings.Contains(raw, "/vod/")
}

// IsFrontpageIndexURL reports whether a manifest-index URL was requested by
// the frontpage preview player.
func IsFrontpageIndexURL(raw string) bool {
	return strings.Contains(raw, frontpageMarker)
}

// ReplacementIndexURL rewrites a cached manifest-index URL to use tok and a
// fresh play session.
func ReplacementIndexURL(cached string, tok Token) (string, error) {
	if cached == "" {
		return "", fmt.Errorf("twitch: no cached manifest-index URL")
	}
	u, err := url.Parse(cached)
	if err != nil {
		return "", fmt.Errorf("twitch: parse manifest-index URL: %w", err)
	}
	q := u.Query()
	q.Del("acmb")
	q.Set("play_session_id", RandomID())
	q.Set("sig", tok.Signature)
	q.Set("token", tok.Value)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// IndexURL builds a live manifest-index URL for channel from a token, the
// way the web player requests it.
func IndexURL(channel string, tok Token) string {
	q := url.Values{}
	q.Set("allow_source", "true")
	q.Set("fast_bread", "true")
	q.Set("player_backend", "mediaplayer")
	q.Set("playlist_include_framerate", "true")
	q.Set("supported_codecs", "avc1")
	q.Set("p", strconv.Itoa(rand.IntN(9_000_000)+1_000_000))
	q.Set("play_session_id", RandomID())
	q.Set("sig", tok.Signature)
	q.Set("token", tok.Value)
	return "https://usher.ttvnw.net/api/channel/hls/" + url.PathEscape(strings.ToLower(channel)) + ".m3u8?" + q.Encode()
}
