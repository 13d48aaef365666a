// Package selector answers the per-connection proxy question: given a
// connection URL, which proxies to try, in which order, before going direct.
package selector

import (
	"strings"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/netutil"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/twitch"
)

// Mode is the kind of a candidate.
type Mode string

const (
	ModeHTTP   Mode = "http"
	ModeDirect Mode = "direct"
)

// Candidate is one way to open a connection.
type Candidate struct {
	Mode Mode   `json:"mode"`
	Host string `json:"host,omitempty"`
	Port int    `json:"port,omitempty"`

	endpoint settings.ProxyEndpoint
}

// Direct is the direct-connection candidate.
var Direct = Candidate{Mode: ModeDirect}

// ProxyCandidate returns the http candidate for a configured proxy.
func ProxyCandidate(ep settings.ProxyEndpoint) Candidate {
	return Candidate{Mode: ModeHTTP, Host: ep.Host, Port: ep.Port, endpoint: ep}
}

// Endpoint returns the proxy entry behind an http candidate, credentials
// included.
func (c Candidate) Endpoint() settings.ProxyEndpoint {
	return c.endpoint
}

// Request describes one outgoing connection.
type Request struct {
	URL string
	// PageURL is the viewer page the connection belongs to, if known.
	PageURL string
	// Flag is the category a per-connection flag marked the request with.
	Flag classify.Category
}

// Decision is the selector's answer together with what it was based on.
type Decision struct {
	Candidates []Candidate
	Kind       classify.HostKind
	Channel    string
	Eligible   bool
	Reason     string
}

// Proxied reports whether the decision offers at least one proxy.
func (d Decision) Proxied() bool {
	return len(d.Candidates) > 1
}

// Reasons given when an eligible connection goes direct.
const (
	ReasonWhitelisted    = "Channel is whitelisted"
	ReasonNoProxies      = "No proxy configured"
	ReasonProxyingOff    = "Proxying disabled"
	ReasonNotEligible    = "Not proxied by policy"
	ReasonAllProxiesDown = "All proxies failed"
)

// Config configures a Selector.
type Config struct {
	Hosts    classify.HostTable
	Settings func() settings.SessionConfig
}

// Selector is owned by the background context. The full-mode coordinator
// publishes the active categories into it and manifest-index observations
// feed its channel index.
type Selector struct {
	hosts    classify.HostTable
	settings func() settings.SessionConfig

	active   atomic.Pointer[map[classify.Category]struct{}]
	channels *xsync.Map[string, string] // segment-playlist URL -> channel

	logger zerolog.Logger
}

// New creates a Selector.
func New(cfg Config) *Selector {
	if cfg.Settings == nil {
		cfg.Settings = settings.DefaultSessionConfig
	}
	s := &Selector{
		hosts:    cfg.Hosts,
		settings: cfg.Settings,
		channels: xsync.NewMap[string, string](),
		logger:   logging.Component("selector"),
	}
	empty := map[classify.Category]struct{}{}
	s.active.Store(&empty)
	return s
}

// SetActive replaces the set of categories with an open full-mode window.
// Its signature matches fullmode.PublishFunc.
func (s *Selector) SetActive(cats []classify.Category) {
	next := make(map[classify.Category]struct{}, len(cats))
	for _, c := range cats {
		next[c] = struct{}{}
	}
	s.active.Store(&next)
}

func (s *Selector) isActive(c classify.Category) bool {
	_, ok := (*s.active.Load())[c]
	return ok
}

// IndexChannel records the channel of segment-playlist URLs.
func (s *Selector) IndexChannel(channel string, urls []string) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		return
	}
	for _, u := range urls {
		s.channels.Store(u, channel)
	}
}

// ForgetChannel drops the index entries of channel, or all entries when
// channel is empty.
func (s *Selector) ForgetChannel(channel string) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if channel == "" {
		s.channels.Clear()
		return
	}
	s.channels.Range(func(u, ch string) bool {
		if ch == channel {
			s.channels.Delete(u)
		}
		return true
	})
}

// ChannelOf resolves the channel of a connection from the index, falling
// back to the page URL.
func (s *Selector) ChannelOf(rawURL, pageURL string) string {
	if ch, ok := s.channels.Load(rawURL); ok {
		return ch
	}
	if pageURL != "" && netutil.SameSite(pageURL, twitch.PageBaseURL) {
		return twitch.ChannelFromPageURL(pageURL)
	}
	return ""
}

// Select returns the ordered candidates for r. The list always ends with
// the direct candidate.
func (s *Selector) Select(r Request) Decision {
	kind := s.hosts.Kind(netutil.Host(r.URL))
	d := Decision{Candidates: []Candidate{Direct}, Kind: kind}

	cfg := s.settings()
	if !cfg.ProxyingEnabled {
		d.Reason = ReasonProxyingOff
		return d
	}
	if !s.eligible(kind, cfg, r.Flag) {
		d.Reason = ReasonNotEligible
		return d
	}
	d.Eligible = true

	if kind == classify.HostSegmentPlaylist {
		d.Channel = s.ChannelOf(r.URL, r.PageURL)
		if cfg.IsWhitelisted(d.Channel) {
			d.Reason = ReasonWhitelisted
			return d
		}
	}

	proxies := cfg.ProxyEndpoints()
	if len(proxies) == 0 {
		d.Reason = ReasonNoProxies
		return d
	}
	out := make([]Candidate, 0, len(proxies)+1)
	for _, p := range proxies {
		out = append(out, ProxyCandidate(p))
	}
	d.Candidates = append(out, Direct)
	return d
}

// eligible applies the host-level rule. Manifest-index and segment-playlist
// hosts are eligible by default unless optimized proxying restricts them to
// flagged traffic; everything else needs a flag or an open window.
func (s *Selector) eligible(kind classify.HostKind, cfg settings.SessionConfig, flag classify.Category) bool {
	flagged := flag != "" || s.windowOpen(kind)
	switch kind {
	case classify.HostManifestIndex, classify.HostSegmentPlaylist:
		return !cfg.OptimizedProxyingEnabled || flagged
	case classify.HostToken, classify.HostPage:
		return flagged
	default:
		return false
	}
}

func (s *Selector) windowOpen(kind classify.HostKind) bool {
	switch kind {
	case classify.HostToken:
		return s.isActive(classify.TokenRequest) || s.isActive(classify.TokenIntegrityRequest)
	case classify.HostManifestIndex:
		return s.isActive(classify.ManifestIndexRequest)
	case classify.HostSegmentPlaylist:
		return s.isActive(classify.SegmentPlaylistRequest)
	case classify.HostPage:
		return s.isActive(classify.PageRequest)
	default:
		return false
	}
}
