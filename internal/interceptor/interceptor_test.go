package interceptor

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/evasion"
	"github.com/Resinat/streamguard/internal/manifest"
	"github.com/Resinat/streamguard/internal/netutil"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/twitch"
)

const (
	indexURL    = "https://usher.ttvnw.net/api/channel/hls/alpha.m3u8?acmb=x&sig=old&token=old"
	segA        = "https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/a.m3u8"
	segB        = "https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/b.m3u8"
	segA2       = "https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/a2.m3u8"
	tokenBody   = `{"operationName":"PlaybackAccessToken","variables":{"isLive":true,"login":"Alpha","isVod":false,"vodID":"","playerType":"site"}}`
	adPlaylist  = "#EXTM3U\n#EXT-X-DATERANGE:ID=\"stitched-ad-1\",CLASS=\"twitch-stitched-ad\",X-TV-TWITCH-AD-ROLL-TYPE=\"MIDROLL\"\n"
	cleanSegPls = "#EXTM3U\n#EXTINF:2.000,live\nhttps://seg/1.ts\n"
)

const originalIndex = `#EXTM3U
#EXT-X-TWITCH-INFO:USER-COUNTRY="DE"
#EXT-X-STREAM-INF:BANDWIDTH=3000000,VIDEO="720p30"
https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/a.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=1400000,VIDEO="480p30"
https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/b.m3u8
`

const replacementIndex = `#EXTM3U
#EXT-X-TWITCH-INFO:USER-COUNTRY="NL"
#EXT-X-STREAM-INF:BANDWIDTH=3000000,VIDEO="720p30"
https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/a2.m3u8
`

type seenRequest struct {
	URL    string
	Header http.Header
	Body   string
}

// fakeNext stands in for the connection layer.
type fakeNext struct {
	mu     sync.Mutex
	seen   []seenRequest
	handle func(r *http.Request) (int, string)
}

func (f *fakeNext) RoundTrip(r *http.Request) (*http.Response, error) {
	var body []byte
	if r.Body != nil {
		body, _ = io.ReadAll(r.Body)
		r.Body.Close()
	}
	f.mu.Lock()
	f.seen = append(f.seen, seenRequest{URL: r.URL.String(), Header: r.Header.Clone(), Body: string(body)})
	f.mu.Unlock()

	status, out := f.handle(r)
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{},
		Body:       io.NopCloser(strings.NewReader(out)),
		Request:    r,
	}, nil
}

func (f *fakeNext) last(t *testing.T) seenRequest {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.seen) == 0 {
		t.Fatal("no request reached the connection layer")
	}
	return f.seen[len(f.seen)-1]
}

func twitchUpstream(r *http.Request) (int, string) {
	switch {
	case r.URL.Host == "usher.ttvnw.net" && r.URL.Query().Get("token") == "tok-alpha":
		return http.StatusOK, replacementIndex
	case r.URL.Host == "usher.ttvnw.net":
		return http.StatusOK, originalIndex
	case r.URL.String() == segA:
		return http.StatusOK, adPlaylist
	case strings.HasSuffix(r.URL.Host, "hls.ttvnw.net"):
		return http.StatusOK, cleanSegPls
	default:
		return http.StatusOK, "{}"
	}
}

func proxyingConfig() settings.SessionConfig {
	cfg := settings.DefaultSessionConfig()
	cfg.ProxyingEnabled = true
	cfg.OptimizedProxyingEnabled = true
	cfg.PassportLevel = settings.PassportTokenIndex
	return cfg
}

type harness struct {
	ic        *Interceptor
	next      *fakeNext
	tracker   *manifest.Tracker
	published []bus.ManifestIndexInfo
	flagged   []classify.Category
	cfg       settings.SessionConfig
}

func newHarness(t *testing.T, withTracker bool) *harness {
	t.Helper()
	h := &harness{next: &fakeNext{handle: twitchUpstream}, cfg: proxyingConfig()}
	if withTracker {
		h.tracker = manifest.NewTracker()
	}
	ic, err := New(Config{
		Next:      h.next,
		Hosts:     classify.DefaultHostTable(),
		Settings:  func() settings.SessionConfig { return h.cfg },
		Tracker:   h.tracker,
		Publish:   func(info bus.ManifestIndexInfo) { h.published = append(h.published, info) },
		AuthToken: func() string { return "viewer" },
		OnFlag:    func(c classify.Category) { h.flagged = append(h.flagged, c) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ic.Close)
	h.ic = ic
	return h
}

func (h *harness) do(t *testing.T, method, rawURL, body string) (*http.Response, error) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, rawURL, rd)
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return h.ic.RoundTrip(req)
}

func (h *harness) get(t *testing.T, rawURL string) string {
	t.Helper()
	resp, err := h.do(t, http.MethodGet, rawURL, "")
	if err != nil {
		t.Fatalf("GET %s: %v", rawURL, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(data)
}

type fakeTokens struct {
	calls int
}

func (f *fakeTokens) PlaybackAccessToken(_ context.Context, channel string) (twitch.Token, error) {
	f.calls++
	return twitch.Token{Value: "tok-" + channel, Signature: "sig"}, nil
}

func TestRoundTrip_TokenRequestRebuiltAndFlagged(t *testing.T) {
	h := newHarness(t, false)

	resp, err := h.do(t, http.MethodPost, twitch.GQLURL, tokenBody)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()

	got := h.next.last(t)
	if !strings.Contains(got.Body, twitch.TemplateOperation) {
		t.Fatalf("request was not rebuilt from the template: %s", got.Body)
	}
	if got.Header.Get(outbound.FlagHeader) != string(classify.TokenRequest) {
		t.Fatalf("flag header = %q", got.Header.Get(outbound.FlagHeader))
	}
	if got.Header.Get("Authorization") != "OAuth viewer" {
		t.Fatalf("Authorization = %q", got.Header.Get("Authorization"))
	}
	if got.Header.Get(outbound.ViaHeader) == "" {
		t.Fatal("via header missing")
	}
	if len(h.flagged) != 1 || h.flagged[0] != classify.TokenRequest {
		t.Fatalf("flagged = %v", h.flagged)
	}
}

func TestRoundTrip_TokenRequestWhitelisted(t *testing.T) {
	h := newHarness(t, false)
	h.cfg.WhitelistedChannels = []string{"ALPHA"}

	resp, err := h.do(t, http.MethodPost, twitch.GQLURL, tokenBody)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()

	got := h.next.last(t)
	if got.Body != tokenBody {
		t.Fatalf("whitelisted request body changed: %s", got.Body)
	}
	if got.Header.Get(outbound.FlagHeader) != "" {
		t.Fatal("whitelisted token request flagged")
	}
}

func TestRoundTrip_AnonymousModeRebuildsWithoutCredentials(t *testing.T) {
	h := newHarness(t, false)
	h.cfg.PassportLevel = settings.PassportOff
	h.cfg.AnonymousModeEnabled = true

	resp, err := h.do(t, http.MethodPost, twitch.GQLURL, tokenBody)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	resp.Body.Close()

	got := h.next.last(t)
	if got.Header.Get("Authorization") != "undefined" {
		t.Fatalf("Authorization = %q, want undefined", got.Header.Get("Authorization"))
	}
	if got.Header.Get(outbound.FlagHeader) != "" {
		t.Fatal("token request flagged with passport off")
	}
}

func TestRoundTrip_ManifestIndexObserved(t *testing.T) {
	h := newHarness(t, true)

	body := h.get(t, indexURL)
	if body != originalIndex {
		t.Fatalf("manifest-index body not passed through intact")
	}
	if got := h.next.last(t).Header.Get(outbound.FlagHeader); got != string(classify.ManifestIndexRequest) {
		t.Fatalf("flag header = %q", got)
	}

	rec, ok := h.tracker.Get("alpha")
	if !ok || len(rec.Assigned) != 2 {
		t.Fatalf("record = %+v ok=%v", rec, ok)
	}
	if len(h.published) != 1 {
		t.Fatalf("published %d infos, want 1", len(h.published))
	}
	info := h.published[0]
	if info.Channel != "alpha" || info.ProxyCountry != "DE" || len(info.SegmentPlaylistURLs) != 2 {
		t.Fatalf("info = %+v", info)
	}
	if cached, _ := h.tracker.IndexURL("alpha"); cached != indexURL {
		t.Fatalf("cached index url = %q", cached)
	}
}

func TestRoundTrip_StaleManifestIndexDropped(t *testing.T) {
	h := newHarness(t, true)
	h.next.handle = func(r *http.Request) (int, string) {
		// the viewer switched channels while the request was in flight
		h.ic.Clear("alpha")
		return twitchUpstream(r)
	}

	h.get(t, indexURL)
	if _, ok := h.tracker.Get("alpha"); ok {
		t.Fatal("stale manifest-index created a record")
	}
	if len(h.published) != 0 {
		t.Fatalf("stale manifest-index published: %+v", h.published)
	}
}

func TestRoundTrip_SegmentPlaylistFlaggedOnce(t *testing.T) {
	h := newHarness(t, true)
	h.get(t, indexURL)

	h.get(t, segB)
	if got := h.next.last(t).Header.Get(outbound.FlagHeader); got != string(classify.SegmentPlaylistRequest) {
		t.Fatalf("first request flag = %q", got)
	}
	h.get(t, segB)
	if got := h.next.last(t).Header.Get(outbound.FlagHeader); got != "" {
		t.Fatalf("repeated poll flagged: %q", got)
	}
}

func TestRoundTrip_FrontpageSegmentsNeverFlagged(t *testing.T) {
	h := newHarness(t, true)
	frontpage := "https://usher.ttvnw.net/api/channel/hls/alpha.m3u8?token=" +
		url.QueryEscape(`{"player_type":"frontpage"}`)

	h.get(t, frontpage)
	if got := h.next.last(t).Header.Get(outbound.FlagHeader); got != "" {
		t.Fatalf("frontpage manifest-index flagged: %q", got)
	}
	h.get(t, segA)
	if got := h.next.last(t).Header.Get(outbound.FlagHeader); got != "" {
		t.Fatalf("frontpage segment playlist flagged: %q", got)
	}
}

func TestRoundTrip_AdResponseCancelledThenReplaced(t *testing.T) {
	h := newHarness(t, true)
	tokens := &fakeTokens{}
	var reports []bus.AdReport
	h.ic.SetAdHandler(evasion.NewProtocol(evasion.Config{
		Tracker:         h.tracker,
		Tokens:          tokens,
		Fetcher:         h.ic,
		Settings:        func() settings.SessionConfig { return h.cfg },
		Publish:         func(info bus.ManifestIndexInfo) { h.published = append(h.published, info) },
		Report:          func(r bus.AdReport) { reports = append(reports, r) },
		TokensPerSecond: 100,
	}))

	h.get(t, indexURL)

	_, err := h.do(t, http.MethodGet, segA, "")
	if !errors.Is(err, ErrAdResponseCancelled) {
		t.Fatalf("err = %v, want ErrAdResponseCancelled", err)
	}
	if tokens.calls != 1 {
		t.Fatalf("token calls = %d, want 1", tokens.calls)
	}
	if len(reports) != 1 || reports[0].Outcome != "replaced" || reports[0].Streak != 1 {
		t.Fatalf("reports = %+v", reports)
	}

	// the player's retry resolves to the replacement playlist
	body := h.get(t, segA)
	if body != cleanSegPls {
		t.Fatalf("retry body = %q", body)
	}
	got := h.next.last(t)
	if got.URL != segA2 {
		t.Fatalf("retry went to %s, want %s", got.URL, segA2)
	}
	if got.Header.Get(outbound.FlagHeader) != string(classify.SegmentPlaylistRequest) {
		t.Fatalf("first replacement request not flagged")
	}

	if len(h.published) != 2 || h.published[1].SegmentPlaylistURLs[0] != segA2 {
		t.Fatalf("published = %+v", h.published)
	}
}

func TestRoundTrip_ConflictPassesThrough(t *testing.T) {
	h := newHarness(t, true)
	var conflicts []string
	h.ic.cfg.OnConflict = func(detail string) { conflicts = append(conflicts, detail) }

	for range 2 {
		req, _ := http.NewRequest(http.MethodGet, indexURL, nil)
		req.Header.Set(outbound.ViaHeader, "someone-else")
		resp, err := h.ic.RoundTrip(req)
		if err != nil {
			t.Fatalf("RoundTrip: %v", err)
		}
		resp.Body.Close()
	}

	if len(conflicts) != 1 {
		t.Fatalf("conflict reported %d times, want 1", len(conflicts))
	}
	got := h.next.last(t)
	if got.Header.Get(outbound.FlagHeader) != "" || got.Header.Get(outbound.ViaHeader) != "someone-else" {
		t.Fatalf("conflicting request was modified: %v", got.Header)
	}
	if _, ok := h.tracker.Get("alpha"); ok {
		t.Fatal("conflicting request fed the tracker")
	}
}

func TestFetchIndex(t *testing.T) {
	h := newHarness(t, true)

	body, err := h.ic.FetchIndex(context.Background(), indexURL)
	if err != nil {
		t.Fatalf("FetchIndex: %v", err)
	}
	if string(body) != originalIndex {
		t.Fatalf("body = %q", body)
	}
	if _, ok := h.tracker.Get("alpha"); ok {
		t.Fatal("FetchIndex created a record")
	}

	h.next.handle = func(*http.Request) (int, string) { return http.StatusForbidden, "nope" }
	_, err = h.ic.FetchIndex(context.Background(), indexURL)
	var se *netutil.HTTPStatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusForbidden {
		t.Fatalf("err = %v, want HTTPStatusError 403", err)
	}
}

func TestRoundTrip_OtherRequestsUntouched(t *testing.T) {
	h := newHarness(t, true)
	h.get(t, "https://static.twitchcdn.net/assets/app.js")
	if got := h.next.last(t).Header.Get(outbound.FlagHeader); got != "" {
		t.Fatalf("other request flagged: %q", got)
	}
	if len(h.flagged) != 0 {
		t.Fatalf("flagged = %v", h.flagged)
	}
}

type fakeRequester struct {
	err      error
	refusal  string
	requests []bus.Type
	sent     []bus.Type
	payloads []bus.FullModeRequest
}

func (f *fakeRequester) Request(_ context.Context, _ bus.Address, t bus.Type, payload any, expect bus.Type) (bus.Message, error) {
	f.requests = append(f.requests, t)
	f.payloads = append(f.payloads, payload.(bus.FullModeRequest))
	if expect != bus.EnableFullModeResponse {
		return bus.Message{}, errors.New("unexpected response type")
	}
	return bus.Message{Type: expect, Payload: bus.FullModeAck{Window: time.Second, Err: f.refusal}}, f.err
}

func (f *fakeRequester) Send(_ bus.Address, t bus.Type, _ any) error {
	f.sent = append(f.sent, t)
	return nil
}

func TestWindowFlagger(t *testing.T) {
	cfg := proxyingConfig()
	req, _ := http.NewRequest(http.MethodGet, indexURL, nil)

	t.Run("opens_and_closes_window", func(t *testing.T) {
		ep := &fakeRequester{}
		f := NewWindowFlagger(ep, func() settings.SessionConfig { return cfg })
		release := f.Flag(req, classify.ManifestIndexRequest)
		if release == nil {
			t.Fatal("expected release func")
		}
		if len(ep.requests) != 1 || ep.requests[0] != bus.EnableFullMode {
			t.Fatalf("requests = %v", ep.requests)
		}
		if ep.payloads[0].Category != classify.ManifestIndexRequest || ep.payloads[0].SentAt.IsZero() {
			t.Fatalf("payload = %+v", ep.payloads[0])
		}
		if len(ep.sent) != 0 {
			t.Fatal("window closed before the response")
		}
		release()
		if len(ep.sent) != 1 || ep.sent[0] != bus.DisableFullMode {
			t.Fatalf("sent = %v", ep.sent)
		}
		if req.Header.Get(outbound.FlagHeader) != "" {
			t.Fatal("window flagger must not set the flag header")
		}
	})

	t.Run("not_acknowledged", func(t *testing.T) {
		ep := &fakeRequester{err: bus.ErrTimeout}
		f := NewWindowFlagger(ep, func() settings.SessionConfig { return cfg })
		if release := f.Flag(req, classify.TokenRequest); release != nil {
			t.Fatal("expected no release func after a timeout")
		}
	})

	t.Run("refused", func(t *testing.T) {
		ep := &fakeRequester{refusal: "full mode coordinator closed"}
		f := NewWindowFlagger(ep, func() settings.SessionConfig { return cfg })
		if release := f.Flag(req, classify.TokenRequest); release != nil {
			t.Fatal("expected no release func for a refused window")
		}
		if len(ep.sent) != 0 {
			t.Fatalf("sent = %v, want no DisableFullMode", ep.sent)
		}
	})

	t.Run("optimized_off", func(t *testing.T) {
		off := cfg
		off.OptimizedProxyingEnabled = false
		ep := &fakeRequester{}
		f := NewWindowFlagger(ep, func() settings.SessionConfig { return off })
		if release := f.Flag(req, classify.TokenRequest); release != nil || len(ep.requests) != 0 {
			t.Fatal("window opened without optimized proxying")
		}
	})
}

func TestHeaderFlagger(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, segA, nil)
	if release := (HeaderFlagger{}).Flag(req, classify.SegmentPlaylistRequest); release != nil {
		t.Fatal("header flagger returned a release func")
	}
	if req.Header.Get(outbound.FlagHeader) != string(classify.SegmentPlaylistRequest) {
		t.Fatalf("flag header = %q", req.Header.Get(outbound.FlagHeader))
	}
}

func newHolderInterceptor(t *testing.T, next *fakeNext, holder *settings.Holder, wait time.Duration) *Interceptor {
	t.Helper()
	ic, err := New(Config{
		Next:         next,
		Hosts:        classify.DefaultHostTable(),
		Settings:     holder.Config,
		Ready:        holder.Ready(),
		ReadyTimeout: wait,
		Tracker:      manifest.NewTracker(),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(ic.Close)
	return ic
}

func TestRoundTrip_NoSnapshotFlagsNothing(t *testing.T) {
	next := &fakeNext{handle: twitchUpstream}
	ic := newHolderInterceptor(t, next, settings.NewHolder(), 20*time.Millisecond)

	for _, u := range []string{indexURL, segB} {
		req, _ := http.NewRequest(http.MethodGet, u, nil)
		resp, err := ic.RoundTrip(req)
		if err != nil {
			t.Fatalf("GET %s: %v", u, err)
		}
		resp.Body.Close()
		if got := next.last(t).Header.Get(outbound.FlagHeader); got != "" {
			t.Fatalf("GET %s flagged %q without settings", u, got)
		}
	}
}

func TestRoundTrip_WaitsForFirstSnapshot(t *testing.T) {
	next := &fakeNext{handle: twitchUpstream}
	holder := settings.NewHolder()
	ic := newHolderInterceptor(t, next, holder, 5*time.Second)

	go func() {
		time.Sleep(20 * time.Millisecond)
		holder.Apply(settings.Snapshot{Version: 1, Config: proxyingConfig()})
	}()

	req, _ := http.NewRequest(http.MethodGet, indexURL, nil)
	resp, err := ic.RoundTrip(req)
	if err != nil {
		t.Fatalf("GET index: %v", err)
	}
	resp.Body.Close()
	if got := next.last(t).Header.Get(outbound.FlagHeader); got != string(classify.ManifestIndexRequest) {
		t.Fatalf("index flag = %q, want the delivered passport level applied", got)
	}
}
