// Package manifest parses manifest-index playlists and tracks, per channel,
// the segment-playlist URLs each one assigned.
package manifest

import (
	"bufio"
	"bytes"
	"errors"
	"net/url"
	"regexp"
	"strings"

	"github.com/grafov/m3u8"
	"github.com/zeebo/xxh3"
)

// ErrNoPlaylists is returned for manifest-index bodies without variants.
var ErrNoPlaylists = errors.New("manifest: no playlists found")

var userCountryRe = regexp.MustCompile(`(?i)USER-COUNTRY="([A-Z]+)"`)

// Playlist is one quality entry of a manifest-index.
type Playlist struct {
	Quality string `json:"quality"`
	URL     string `json:"url"`
}

// Index is a parsed manifest-index. Playlists keep manifest order and
// qualities are unique (the first occurrence wins).
type Index struct {
	Playlists    []Playlist
	ProxyCountry string
	Fingerprint  uint64
}

// URLs returns the playlist URLs in manifest order.
func (idx Index) URLs() []string {
	out := make([]string, len(idx.Playlists))
	for i, p := range idx.Playlists {
		out[i] = p.URL
	}
	return out
}

// ParseIndex parses a manifest-index body. Relative URIs are resolved against
// base when it is non-nil.
func ParseIndex(body []byte, base *url.URL) (Index, error) {
	idx := Index{
		ProxyCountry: ProxyCountry(body),
		Fingerprint:  xxh3.Hash(body),
	}

	entries, err := parseGrafov(body)
	if err != nil || len(entries) == 0 {
		entries = parseFallback(body)
	}

	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		if e.URL == "" {
			continue
		}
		if _, dup := seen[e.Quality]; dup {
			continue
		}
		seen[e.Quality] = struct{}{}
		e.URL = resolve(base, e.URL)
		idx.Playlists = append(idx.Playlists, e)
	}
	if len(idx.Playlists) == 0 {
		return Index{}, ErrNoPlaylists
	}
	return idx, nil
}

// ProxyCountry extracts the USER-COUNTRY attribute, upper-cased.
func ProxyCountry(body []byte) string {
	m := userCountryRe.FindSubmatch(body)
	if m == nil {
		return ""
	}
	return strings.ToUpper(string(m[1]))
}

func parseGrafov(body []byte) ([]Playlist, error) {
	playlist, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(body)), false)
	if err != nil {
		return nil, err
	}
	if listType != m3u8.MASTER {
		return nil, nil
	}
	master := playlist.(*m3u8.MasterPlaylist)
	out := make([]Playlist, 0, len(master.Variants))
	for _, v := range master.Variants {
		if v == nil {
			break
		}
		out = append(out, Playlist{Quality: qualityOf(v.VariantParams), URL: strings.TrimSpace(v.URI)})
	}
	return out, nil
}

func qualityOf(p m3u8.VariantParams) string {
	switch {
	case p.Video != "":
		return p.Video
	case p.Name != "":
		return p.Name
	default:
		return p.Resolution
	}
}

// parseFallback reads #EXT-X-STREAM-INF entries line by line for bodies the
// decoder rejects.
func parseFallback(body []byte) []Playlist {
	var (
		out     []Playlist
		pending *Playlist
	)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, "#EXT-X-STREAM-INF:"):
			attrs := parseAttributes(strings.TrimPrefix(line, "#EXT-X-STREAM-INF:"))
			q := attrs["VIDEO"]
			if q == "" {
				q = attrs["RESOLUTION"]
			}
			pending = &Playlist{Quality: q}
		case line == "" || strings.HasPrefix(line, "#"):
		case pending != nil:
			pending.URL = line
			out = append(out, *pending)
			pending = nil
		}
	}
	return out
}

func parseAttributes(s string) map[string]string {
	attrs := make(map[string]string)
	for len(s) > 0 {
		eq := strings.IndexByte(s, '=')
		if eq < 0 {
			break
		}
		key := strings.TrimSpace(s[:eq])
		s = s[eq+1:]
		var val string
		if strings.HasPrefix(s, `"`) {
			end := strings.IndexByte(s[1:], '"')
			if end < 0 {
				val, s = s[1:], ""
			} else {
				val, s = s[1:end+1], s[end+2:]
			}
		} else if comma := strings.IndexByte(s, ','); comma >= 0 {
			val, s = s[:comma], s[comma:]
		} else {
			val, s = s, ""
		}
		attrs[strings.ToUpper(key)] = val
		s = strings.TrimPrefix(s, ",")
	}
	return attrs
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil || u.IsAbs() {
		return ref
	}
	return base.ResolveReference(u).String()
}
