package background

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Resinat/streamguard/internal/adlog"
	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/metrics"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/selector"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/status"
)

const (
	gqlURL    = "https://gql.twitch.tv/gql"
	weaverURL = "https://video-weaver.fra05.hls.ttvnw.net/v1/playlist/abc.m3u8"
)

type sink struct {
	mu     sync.Mutex
	events []adlog.Event
}

func (s *sink) Emit(ev adlog.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *sink) snapshot() []adlog.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]adlog.Event(nil), s.events...)
}

type harness struct {
	bg      *Background
	worker  *bus.Endpoint
	sel     *selector.Selector
	metrics *metrics.Metrics
	ads     *sink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	b := bus.New(bus.Options{Timeout: time.Second})
	t.Cleanup(b.Close)

	cfg := settings.DefaultSessionConfig()
	cfg.Proxies = []string{"proxy-a.example:8080"}
	sel := selector.New(selector.Config{
		Hosts:    classify.DefaultHostTable(),
		Settings: func() settings.SessionConfig { return cfg },
	})
	h := &harness{sel: sel, metrics: metrics.New(), ads: &sink{}}

	bg, err := Start(Config{
		Bus:       b,
		Selector:  sel,
		Status:    status.New(status.Config{ChannelOf: sel.ChannelOf}),
		Metrics:   h.metrics,
		AdLog:     h.ads,
		Allowance: time.Minute,
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(bg.Close)
	h.bg = bg

	for _, c := range []bus.Context{bus.Content, bus.Page} {
		if _, err := b.Attach(bus.Address{Context: c}); err != nil {
			t.Fatalf("Attach(%s): %v", c, err)
		}
	}
	h.worker, err = b.Attach(bus.Address{Context: bus.Worker, ID: "w1"})
	if err != nil {
		t.Fatalf("Attach(worker): %v", err)
	}
	return h
}

func (h *harness) send(t *testing.T, typ bus.Type, payload any) {
	t.Helper()
	if err := h.worker.Send(bus.Address{Context: bus.Background}, typ, payload); err != nil {
		t.Fatalf("Send(%s): %v", typ, err)
	}
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestFullModeWindowOverBus(t *testing.T) {
	h := newHarness(t)

	if d := h.sel.Select(selector.Request{URL: gqlURL}); d.Eligible {
		t.Fatal("token host eligible without a window")
	}

	resp, err := h.worker.Request(context.Background(), bus.Address{Context: bus.Background},
		bus.EnableFullMode, bus.FullModeRequest{Category: classify.TokenRequest, SentAt: time.Now()},
		bus.EnableFullModeResponse)
	if err != nil {
		t.Fatalf("EnableFullMode: %v", err)
	}
	if ack, ok := resp.Payload.(bus.FullModeAck); !ok || ack.Err != "" || ack.Window < time.Minute {
		t.Fatalf("ack = %#v", resp.Payload)
	}
	if w := h.bg.Windows(); len(w) != 1 || w[0].Category != classify.TokenRequest {
		t.Fatalf("windows = %+v", w)
	}
	if d := h.sel.Select(selector.Request{URL: gqlURL}); !d.Eligible || !d.Proxied() {
		t.Fatalf("decision with open window = %+v", d)
	}
	if got := testutil.ToFloat64(h.metrics.FullModeWindows); got != 1 {
		t.Fatalf("full mode gauge = %v", got)
	}

	h.send(t, bus.DisableFullMode, bus.FullModeRequest{Category: classify.TokenRequest})
	eventually(t, "window closed", func() bool { return len(h.bg.Windows()) == 0 })
	if d := h.sel.Select(selector.Request{URL: gqlURL}); d.Eligible {
		t.Fatal("token host still eligible after DisableFullMode")
	}
}

func TestEnableFullModeRefusedAfterClose(t *testing.T) {
	h := newHarness(t)
	h.bg.full.Close()

	resp, err := h.worker.Request(context.Background(), bus.Address{Context: bus.Background},
		bus.EnableFullMode, bus.FullModeRequest{Category: classify.TokenRequest, SentAt: time.Now()},
		bus.EnableFullModeResponse)
	if err != nil {
		t.Fatalf("EnableFullMode: %v", err)
	}
	ack, ok := resp.Payload.(bus.FullModeAck)
	if !ok || ack.Err == "" || ack.Window != 0 {
		t.Fatalf("ack = %#v, want a refusal", resp.Payload)
	}
	if w := h.bg.Windows(); len(w) != 0 {
		t.Fatalf("windows = %+v", w)
	}
}

func TestMalformedEnableFullModeIgnored(t *testing.T) {
	h := newHarness(t)
	h.send(t, bus.EnableFullMode, "not a request")
	h.send(t, bus.EnableFullMode, bus.FullModeRequest{Category: "BOGUS"})
	_, err := h.worker.Request(context.Background(), bus.Address{Context: bus.Background},
		bus.EnableFullMode, bus.FullModeRequest{Category: classify.PageRequest}, bus.EnableFullModeResponse)
	if err != nil {
		t.Fatalf("EnableFullMode: %v", err)
	}
	if w := h.bg.Windows(); len(w) != 1 || w[0].Category != classify.PageRequest {
		t.Fatalf("windows = %+v", w)
	}
}

func TestManifestIndexObservedAndClearStats(t *testing.T) {
	h := newHarness(t)

	h.send(t, bus.ManifestIndexObserved, bus.ManifestIndexInfo{
		Channel:             "alpha",
		SegmentPlaylistURLs: []string{weaverURL},
		ProxyCountry:        "DE",
	})
	eventually(t, "channel indexed", func() bool { return h.sel.ChannelOf(weaverURL, "") == "alpha" })

	h.bg.ObserveConnection(outbound.Result{URL: weaverURL, Kind: classify.HostSegmentPlaylist, Proxy: "proxy-a.example:8080"})
	s, ok := h.bg.Status().Get("alpha")
	if !ok || s.ProxyCountry != "DE" || s.Stats.Proxied != 1 {
		t.Fatalf("status = %+v ok=%v", s, ok)
	}
	if got := testutil.ToFloat64(h.metrics.Connections.WithLabelValues(metrics.ResultProxied)); got != 1 {
		t.Fatalf("proxied connections = %v", got)
	}

	h.send(t, bus.ClearStats, bus.ClearStatsRequest{Channel: "alpha"})
	eventually(t, "stats cleared", func() bool {
		_, ok := h.bg.Status().Get("alpha")
		return !ok && h.sel.ChannelOf(weaverURL, "") == ""
	})
}

func TestAdDetectedLogged(t *testing.T) {
	h := newHarness(t)
	h.bg.Status().SetProxyCountry("alpha", "SE")

	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	h.send(t, bus.AdDetected, bus.AdReport{
		Channel:    "alpha",
		Quality:    "1080p60",
		Streak:     2,
		Outcome:    string(adlog.OutcomeReplaced),
		DetectedAt: at,
	})
	eventually(t, "ad event", func() bool { return len(h.ads.snapshot()) == 1 })

	ev := h.ads.snapshot()[0]
	if ev.Channel != "alpha" || ev.Quality != "1080p60" || ev.Streak != 2 {
		t.Fatalf("event = %+v", ev)
	}
	if ev.Outcome != adlog.OutcomeReplaced || ev.ProxyCountry != "SE" || !ev.DetectedAt.Equal(at) {
		t.Fatalf("event = %+v", ev)
	}
	if got := testutil.ToFloat64(h.metrics.AdsDetected.WithLabelValues("replaced")); got != 1 {
		t.Fatalf("ads detected = %v", got)
	}
}

func TestConflictWarning(t *testing.T) {
	h := newHarness(t)
	h.send(t, bus.MultipleAdBlockersInUse, bus.Warning{Detail: "foreign interceptor"})
	eventually(t, "conflict noted", func() bool {
		h.bg.ObserveConnection(outbound.Result{URL: weaverURL, Kind: classify.HostSegmentPlaylist, Channel: "alpha"})
		s, _ := h.bg.Status().Get("alpha")
		return s.Reason == status.ReasonConflict
	})
}

func TestStartRequiresDependencies(t *testing.T) {
	if _, err := Start(Config{}); err == nil {
		t.Fatal("expected error")
	}
}
