package selector

import (
	"testing"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/settings"
)

const (
	usherURL  = "https://usher.ttvnw.net/api/channel/hls/alpha.m3u8"
	weaverURL = "https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/abc.m3u8"
	gqlURL    = "https://gql.twitch.tv/gql"
)

func newSelector(cfg *settings.SessionConfig) *Selector {
	return New(Config{
		Hosts:    classify.DefaultHostTable(),
		Settings: func() settings.SessionConfig { return *cfg },
	})
}

func baseConfig() settings.SessionConfig {
	cfg := settings.DefaultSessionConfig()
	cfg.Proxies = []string{"user:pass@proxy-a.example:8080", "proxy-b.example"}
	return cfg
}

func TestSelect_CandidatesEndWithDirect(t *testing.T) {
	cfg := baseConfig()
	cfg.OptimizedProxyingEnabled = false
	s := newSelector(&cfg)

	d := s.Select(Request{URL: usherURL})
	if !d.Proxied() || len(d.Candidates) != 3 {
		t.Fatalf("candidates = %+v", d.Candidates)
	}
	if c := d.Candidates[0]; c.Mode != ModeHTTP || c.Host != "proxy-a.example" || c.Port != 8080 {
		t.Fatalf("first candidate = %+v", c)
	}
	if ep := d.Candidates[0].Endpoint(); ep.Username != "user" || ep.Password != "pass" {
		t.Fatalf("endpoint credentials lost: %+v", ep)
	}
	if c := d.Candidates[1]; c.Host != "proxy-b.example" || c.Port != settings.DefaultProxyPort {
		t.Fatalf("second candidate = %+v", c)
	}
	if d.Candidates[2] != Direct {
		t.Fatalf("last candidate = %+v", d.Candidates[2])
	}
}

func TestSelect_Eligibility(t *testing.T) {
	tests := []struct {
		name      string
		optimized bool
		url       string
		flag      classify.Category
		active    []classify.Category
		want      bool
	}{
		{name: "index_non_optimized", url: usherURL, want: true},
		{name: "segment_non_optimized", url: weaverURL, want: true},
		{name: "gql_unflagged", url: gqlURL, want: false},
		{name: "gql_header_flag", url: gqlURL, flag: classify.TokenRequest, want: true},
		{name: "index_optimized_unflagged", optimized: true, url: usherURL, want: false},
		{name: "index_optimized_flagged", optimized: true, url: usherURL, flag: classify.ManifestIndexRequest, want: true},
		{name: "index_optimized_window", optimized: true, url: usherURL, active: []classify.Category{classify.ManifestIndexRequest}, want: true},
		{name: "segment_optimized_other_window", optimized: true, url: weaverURL, active: []classify.Category{classify.ManifestIndexRequest}, want: false},
		{name: "gql_integrity_window", optimized: true, url: gqlURL, active: []classify.Category{classify.TokenIntegrityRequest}, want: true},
		{name: "unknown_host_flagged", url: "https://example.com/", flag: classify.Other, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := baseConfig()
			cfg.OptimizedProxyingEnabled = tt.optimized
			s := newSelector(&cfg)
			s.SetActive(tt.active)

			d := s.Select(Request{URL: tt.url, Flag: tt.flag})
			if d.Proxied() != tt.want {
				t.Fatalf("proxied = %v, want %v (decision %+v)", d.Proxied(), tt.want, d)
			}
			if last := d.Candidates[len(d.Candidates)-1]; last != Direct {
				t.Fatalf("last candidate = %+v", last)
			}
		})
	}
}

func TestSelect_WindowExpiry(t *testing.T) {
	cfg := baseConfig()
	s := newSelector(&cfg)

	s.SetActive([]classify.Category{classify.SegmentPlaylistRequest})
	if !s.Select(Request{URL: weaverURL}).Proxied() {
		t.Fatal("open window not honoured")
	}
	s.SetActive(nil)
	if s.Select(Request{URL: weaverURL}).Proxied() {
		t.Fatal("closed window still honoured")
	}
}

func TestSelect_WhitelistViaChannelIndex(t *testing.T) {
	cfg := baseConfig()
	cfg.OptimizedProxyingEnabled = false
	cfg.WhitelistedChannels = []string{"alpha"}
	s := newSelector(&cfg)

	s.IndexChannel("Alpha", []string{weaverURL})
	d := s.Select(Request{URL: weaverURL})
	if d.Proxied() || d.Channel != "alpha" || d.Reason != ReasonWhitelisted {
		t.Fatalf("decision = %+v", d)
	}

	s.ForgetChannel("alpha")
	if d := s.Select(Request{URL: weaverURL}); !d.Proxied() {
		t.Fatalf("forgotten channel still whitelisted: %+v", d)
	}
}

func TestSelect_WhitelistViaPageURL(t *testing.T) {
	cfg := baseConfig()
	cfg.OptimizedProxyingEnabled = false
	cfg.WhitelistedChannels = []string{"beta"}
	s := newSelector(&cfg)

	d := s.Select(Request{URL: weaverURL, PageURL: "https://www.twitch.tv/Beta"})
	if d.Proxied() || d.Channel != "beta" {
		t.Fatalf("decision = %+v", d)
	}
	d = s.Select(Request{URL: weaverURL, PageURL: "https://evil.example/beta"})
	if !d.Proxied() || d.Channel != "" {
		t.Fatalf("foreign page URL used for channel: %+v", d)
	}
}

func TestSelect_DirectReasons(t *testing.T) {
	cfg := baseConfig()
	cfg.OptimizedProxyingEnabled = false
	s := newSelector(&cfg)

	cfg.Proxies = nil
	if d := s.Select(Request{URL: usherURL}); d.Proxied() || d.Reason != ReasonNoProxies || !d.Eligible {
		t.Fatalf("no proxies decision = %+v", d)
	}

	cfg = baseConfig()
	cfg.ProxyingEnabled = false
	if d := s.Select(Request{URL: usherURL}); d.Proxied() || d.Reason != ReasonProxyingOff {
		t.Fatalf("proxying off decision = %+v", d)
	}

	if d := s.Select(Request{URL: "::not a url"}); len(d.Candidates) != 1 || d.Candidates[0] != Direct {
		t.Fatalf("malformed URL decision = %+v", d)
	}
}
