// Package interceptor is the request pipeline shared by the page and worker
// contexts. Every outgoing platform request is classified, checked against
// the routing policy and flagged when needed; in a worker, manifest-index
// responses feed the manifest tracker and segment-playlist responses go
// through ad detection.
package interceptor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maypok86/otter"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/manifest"
	"github.com/Resinat/streamguard/internal/netutil"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/policy"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/twitch"
)

// ErrAdResponseCancelled is returned by RoundTrip instead of an ad-bearing
// segment-playlist response once replacement playlists are in place. The
// caller retries the request, which then resolves to a replacement.
var ErrAdResponseCancelled = errors.New("interceptor: ad-bearing response cancelled")

const (
	defaultMaxBodyBytes = 4 << 20
	doNotFlagCapacity   = 1024
	doNotFlagTTL        = 30 * time.Minute
	defaultReadyTimeout = 5 * time.Second
)

// AdHandler inspects segment-playlist responses.
type AdHandler interface {
	HandleResponse(ctx context.Context, res manifest.Resolution, body []byte) bool
}

// Config configures an Interceptor.
type Config struct {
	Next     http.RoundTripper
	Hosts    classify.HostTable
	Settings func() settings.SessionConfig
	Flagger  Flagger

	// Ready, when set, is closed once Settings returns a delivered snapshot.
	// Requests wait for it at most ReadyTimeout, then go out with whatever
	// Settings returns.
	Ready        <-chan struct{}
	ReadyTimeout time.Duration

	// Tracker is set in worker contexts. Without it the interceptor only
	// classifies and flags.
	Tracker *manifest.Tracker
	// Publish receives the segment playlists of every observed manifest-index.
	Publish func(bus.ManifestIndexInfo)
	// AuthToken returns the viewer's auth-token cookie for rebuilt token
	// requests.
	AuthToken func() string
	// OnFlag is called for every flagged request.
	OnFlag func(classify.Category)
	// OnConflict is called once when another interceptor is detected in the
	// same transport chain.
	OnConflict func(detail string)

	MaxBodyBytes int64
}

// Interceptor is an http.RoundTripper.
type Interceptor struct {
	cfg   Config
	id    string
	ads   AdHandler
	adsMu sync.RWMutex

	// segment-playlist URLs of frontpage or whitelisted manifest-indexes
	doNotFlag otter.Cache[string, struct{}]

	conflictOnce sync.Once
	logger       zerolog.Logger
}

// New creates an Interceptor.
func New(cfg Config) (*Interceptor, error) {
	if cfg.Next == nil {
		cfg.Next = http.DefaultTransport
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.DefaultSessionConfig
	}
	if cfg.Flagger == nil {
		cfg.Flagger = HeaderFlagger{}
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	doNotFlag, err := otter.MustBuilder[string, struct{}](doNotFlagCapacity).
		WithTTL(doNotFlagTTL).
		Build()
	if err != nil {
		return nil, fmt.Errorf("interceptor: build do-not-flag cache: %w", err)
	}
	return &Interceptor{
		cfg:       cfg,
		id:        uuid.NewString(),
		doNotFlag: doNotFlag,
		logger:    logging.Component("interceptor"),
	}, nil
}

// SetAdHandler installs the handler for segment-playlist responses. The ad
// handler usually fetches through the interceptor itself, hence the setter.
func (i *Interceptor) SetAdHandler(h AdHandler) {
	i.adsMu.Lock()
	i.ads = h
	i.adsMu.Unlock()
}

func (i *Interceptor) adHandler() AdHandler {
	i.adsMu.RLock()
	defer i.adsMu.RUnlock()
	return i.ads
}

// Close releases the interceptor's caches.
func (i *Interceptor) Close() {
	i.doNotFlag.Close()
}

// RoundTrip implements http.RoundTripper.
func (i *Interceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	if via := req.Header.Get(outbound.ViaHeader); via != "" && via != i.id {
		i.conflict(via)
		return i.cfg.Next.RoundTrip(req)
	}

	i.awaitSettings(req.Context())

	out := req.Clone(req.Context())
	var body []byte
	if i.cfg.Hosts.Kind(req.URL.Host) == classify.HostToken && req.Body != nil && req.Body != http.NoBody {
		var err error
		body, err = io.ReadAll(io.LimitReader(req.Body, i.cfg.MaxBodyBytes))
		req.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("interceptor: read request body: %w", err)
		}
		setBody(out, body)
	}

	cat := classify.ClassifyRequest(classify.Request{URL: req.URL.String(), Header: req.Header, Body: body}, i.cfg.Hosts)
	switch cat {
	case classify.TokenRequest:
		return i.tokenRequest(out, body)
	case classify.ManifestIndexRequest:
		return i.manifestIndex(out)
	case classify.SegmentPlaylistRequest:
		return i.segmentPlaylist(out)
	default:
		return i.send(out, cat, policy.ShouldFlag(cat, i.cfg.Settings(), policy.Facts{}))
	}
}

// awaitSettings holds a request until the context's first settings snapshot
// arrived, bounded by ReadyTimeout and ctx.
func (i *Interceptor) awaitSettings(ctx context.Context) {
	if i.cfg.Ready == nil {
		return
	}
	select {
	case <-i.cfg.Ready:
		return
	default:
	}
	t := time.NewTimer(i.cfg.ReadyTimeout)
	defer t.Stop()
	select {
	case <-i.cfg.Ready:
	case <-t.C:
		i.logger.Debug().Msg("settings not delivered, request sent unflagged")
	case <-ctx.Done():
	}
}

func setBody(req *http.Request, body []byte) {
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}
	req.ContentLength = int64(len(body))
}

func (i *Interceptor) conflict(via string) {
	i.conflictOnce.Do(func() {
		detail := fmt.Sprintf("request already handled by interceptor %s", via)
		i.logger.Warn().Str("via", via).Msg("multiple ad blockers in use, passing requests through")
		if i.cfg.OnConflict != nil {
			i.cfg.OnConflict(detail)
		}
	})
}

// send issues req through the next transport, flagging it first when flag
// is set.
func (i *Interceptor) send(req *http.Request, cat classify.Category, flag bool) (*http.Response, error) {
	req.Header.Set(outbound.ViaHeader, i.id)
	var release func()
	if flag {
		release = i.cfg.Flagger.Flag(req, cat)
		if i.cfg.OnFlag != nil {
			i.cfg.OnFlag(cat)
		}
		i.logger.Debug().Str("category", string(cat)).Str("url", req.URL.String()).Msg("request flagged")
	}
	resp, err := i.cfg.Next.RoundTrip(req)
	if release != nil {
		release()
	}
	return resp, err
}

func (i *Interceptor) tokenRequest(req *http.Request, body []byte) (*http.Response, error) {
	info := twitch.ParseTokenRequest(body)
	cfg := i.cfg.Settings()
	facts := policy.Facts{
		Whitelisted: cfg.IsWhitelisted(info.Channel),
		NotLive:     !info.IsLive || info.Frontpage,
	}
	plan := policy.DecideToken(cfg, info.IsTemplate, facts)

	rebuilt := false
	if plan.Rebuild && info.Channel != "" {
		auth := ""
		if !plan.Anonymous && i.cfg.AuthToken != nil {
			auth = i.cfg.AuthToken()
		}
		next, err := twitch.NewTemplateTokenRequest(req.Context(), info.Channel, auth, plan.Anonymous)
		if err != nil {
			i.logger.Warn().Err(err).Str("channel", info.Channel).Msg("token request rebuild failed")
		} else {
			if page := req.Header.Get(outbound.PageHeader); page != "" {
				next.Header.Set(outbound.PageHeader, page)
			}
			req = next
			rebuilt = true
		}
	}
	return i.send(req, classify.TokenRequest, plan.Flag(rebuilt))
}

func (i *Interceptor) indexFacts(rawURL string, cfg settings.SessionConfig) (string, policy.Facts, bool) {
	channel := twitch.ChannelFromIndexURL(rawURL)
	live := twitch.IsLiveIndexURL(rawURL)
	return channel, policy.Facts{
		Whitelisted: cfg.IsWhitelisted(channel),
		NotLive:     !live || twitch.IsFrontpageIndexURL(rawURL),
	}, live
}

func (i *Interceptor) manifestIndex(req *http.Request) (*http.Response, error) {
	rawURL := req.URL.String()
	cfg := i.cfg.Settings()
	channel, facts, live := i.indexFacts(rawURL, cfg)
	track := i.cfg.Tracker != nil && live && channel != ""

	var epoch uint64
	if track {
		i.cfg.Tracker.CacheIndexURL(channel, rawURL)
		epoch = i.cfg.Tracker.Epoch(channel)
	}

	resp, err := i.send(req, classify.ManifestIndexRequest, policy.ShouldFlag(classify.ManifestIndexRequest, cfg, facts))
	if err != nil || !track || resp.StatusCode >= http.StatusBadRequest {
		return resp, err
	}
	body, err := i.buffer(resp)
	if err != nil {
		return nil, err
	}
	i.observeIndex(channel, epoch, body, req.URL, facts)
	return resp, nil
}

func (i *Interceptor) observeIndex(channel string, epoch uint64, body []byte, base *url.URL, facts policy.Facts) {
	idx, err := manifest.ParseIndex(body, base)
	if err != nil {
		i.logger.Debug().Err(err).Str("channel", channel).Msg("manifest-index not parsed")
		return
	}
	if facts.Excluded() {
		for _, u := range idx.URLs() {
			i.doNotFlag.Set(u, struct{}{})
		}
	}

	rec, err := i.cfg.Tracker.Observe(channel, epoch, idx)
	if errors.Is(err, manifest.ErrStale) {
		i.logger.Debug().Str("channel", channel).Msg("stale manifest-index dropped")
		return
	}
	if err != nil {
		i.logger.Warn().Err(err).Str("channel", channel).Msg("manifest-index not recorded")
		return
	}
	i.logger.Debug().
		Str("channel", rec.Channel).
		Int("playlists", len(rec.Assigned)).
		Str("proxy_country", idx.ProxyCountry).
		Msg("manifest-index observed")
	if i.cfg.Publish != nil {
		i.cfg.Publish(bus.ManifestIndexInfo{
			Channel:             rec.Channel,
			SegmentPlaylistURLs: idx.URLs(),
			ProxyCountry:        idx.ProxyCountry,
		})
	}
}

func (i *Interceptor) segmentPlaylist(req *http.Request) (*http.Response, error) {
	requested := req.URL.String()
	if i.cfg.Tracker == nil || i.doNotFlag.Has(requested) {
		return i.send(req, classify.SegmentPlaylistRequest, false)
	}

	res, found := i.cfg.Tracker.Resolve(requested)
	if found && res.URL != requested {
		u, err := url.Parse(res.URL)
		if err != nil {
			i.logger.Warn().Err(err).Str("url", res.URL).Msg("bad replacement url, using requested url")
			res.URL = requested
		} else {
			if res.Degraded {
				i.logger.Warn().Str("channel", res.Record.Channel).Str("quality", res.Quality).Msg("no replacement for quality, using another one")
			}
			req.URL = u
			req.Host = ""
		}
	}

	cfg := i.cfg.Settings()
	facts := policy.Facts{
		Whitelisted:         cfg.IsWhitelisted(res.Record.Channel),
		FirstSegmentRequest: !i.cfg.Tracker.WasFlagged(res.URL),
	}
	flag := policy.ShouldFlag(classify.SegmentPlaylistRequest, cfg, facts) && i.cfg.Tracker.MarkFlagged(res.URL)

	resp, err := i.send(req, classify.SegmentPlaylistRequest, flag)
	ads := i.adHandler()
	if err != nil || !found || ads == nil || resp.StatusCode >= http.StatusBadRequest {
		return resp, err
	}
	body, err := i.buffer(resp)
	if err != nil {
		return nil, err
	}
	if ads.HandleResponse(req.Context(), res, body) {
		return nil, ErrAdResponseCancelled
	}
	return resp, nil
}

// buffer reads the response body and replaces it with an in-memory copy.
func (i *Interceptor) buffer(resp *http.Response) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, i.cfg.MaxBodyBytes))
	resp.Body.Close()
	if err != nil {
		return nil, fmt.Errorf("interceptor: read response body: %w", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return body, nil
}

// FetchIndex fetches a manifest-index without creating a record; the
// replacement protocol installs the result itself.
func (i *Interceptor) FetchIndex(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("interceptor: create manifest-index request: %w", err)
	}
	cfg := i.cfg.Settings()
	_, facts, _ := i.indexFacts(rawURL, cfg)
	resp, err := i.send(req, classify.ManifestIndexRequest, policy.ShouldFlag(classify.ManifestIndexRequest, cfg, facts))
	if err != nil {
		return nil, err
	}
	return netutil.ReadOK(resp, i.cfg.MaxBodyBytes)
}

// Clear drops the manifest state of channel, or of every channel when
// channel is empty.
func (i *Interceptor) Clear(channel string) {
	if i.cfg.Tracker != nil {
		i.cfg.Tracker.Clear(channel)
	}
	if channel == "" {
		i.doNotFlag.Clear()
	}
}
