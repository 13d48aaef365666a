// Package gateway serves live channels to external HLS players. A channel
// is bound to one worker context; the manifest-index and every segment
// playlist are fetched through that worker so manifest tracking and ad
// replacement apply.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/interceptor"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/netutil"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/scanloop"
	"github.com/Resinat/streamguard/internal/twitch"
)

const (
	defaultMaxRetries   = 3
	defaultIdleTimeout  = 2 * time.Minute
	defaultMaxBodyBytes = 4 << 20

	playlistContentType = "application/vnd.apple.mpegurl"
)

var channelName = regexp.MustCompile(`^[a-z0-9_]{1,25}$`)

// Page fetches tokens and fans out channel invalidations.
type Page interface {
	FetchToken(ctx context.Context, channel string) (twitch.Token, error)
	ClearStats(channel string)
}

// Viewer issues a channel's player requests.
type Viewer interface {
	Do(req *http.Request) (*http.Response, error)
	Close()
}

// Config configures a Gateway.
type Config struct {
	Page      Page
	NewViewer func(ctx context.Context, channel string) (Viewer, error)
	Hosts     classify.HostTable

	// MaxRetries bounds the attempts per segment-playlist request when the
	// response is cancelled for ads.
	MaxRetries int
	// IdleTimeout closes a channel's viewer after no player request.
	IdleTimeout  time.Duration
	MaxBodyBytes int64
}

type viewer struct {
	Viewer
	lastUsed atomic.Int64
}

func (v *viewer) touch(now time.Time) {
	v.lastUsed.Store(now.UnixNano())
}

// Gateway is the HLS front end.
type Gateway struct {
	cfg     Config
	viewers *xsync.Map[string, *viewer]
	mu      sync.Mutex // serializes viewer creation
	stop    func()

	now    func() time.Time
	logger zerolog.Logger
}

// New creates a Gateway.
func New(cfg Config) *Gateway {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Gateway{
		cfg:     cfg,
		viewers: xsync.NewMap[string, *viewer](),
		now:     time.Now,
		logger:  logging.Component("gateway"),
	}
}

// Register mounts the gateway routes on mux.
func (g *Gateway) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /hls/{name}", g.handleIndex)
	mux.HandleFunc("GET /hls/{channel}/variant", g.handleVariant)
}

// Start runs the idle-viewer sweep.
func (g *Gateway) Start() {
	g.stop = scanloop.Go(scanloop.Housekeeping, g.sweep)
}

// Stop ends the sweep and closes every viewer.
func (g *Gateway) Stop() {
	if g.stop != nil {
		g.stop()
		g.stop = nil
	}
	g.viewers.Range(func(channel string, v *viewer) bool {
		g.viewers.Delete(channel)
		v.Close()
		return true
	})
}

// Channels returns the channels with a bound viewer.
func (g *Gateway) Channels() []string {
	out := make([]string, 0, g.viewers.Size())
	g.viewers.Range(func(channel string, _ *viewer) bool {
		out = append(out, channel)
		return true
	})
	slices.Sort(out)
	return out
}

// Forget closes the viewer of channel and tells every context to drop the
// channel's state. The channel is navigated away from.
func (g *Gateway) Forget(channel string) {
	channel = strings.ToLower(strings.TrimSpace(channel))
	if v, ok := g.viewers.LoadAndDelete(channel); ok {
		v.Close()
	}
	g.cfg.Page.ClearStats(channel)
	g.logger.Info().Str("channel", channel).Msg("channel released")
}

func (g *Gateway) sweep() {
	cutoff := g.now().Add(-g.cfg.IdleTimeout).UnixNano()
	g.viewers.Range(func(channel string, v *viewer) bool {
		if v.lastUsed.Load() < cutoff {
			g.Forget(channel)
		}
		return true
	})
}

func (g *Gateway) viewerFor(ctx context.Context, channel string) (*viewer, error) {
	if v, ok := g.viewers.Load(channel); ok {
		v.touch(g.now())
		return v, nil
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if v, ok := g.viewers.Load(channel); ok {
		v.touch(g.now())
		return v, nil
	}
	inner, err := g.cfg.NewViewer(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("gateway: start viewer for %s: %w", channel, err)
	}
	v := &viewer{Viewer: inner}
	v.touch(g.now())
	g.viewers.Store(channel, v)
	g.logger.Info().Str("channel", channel).Msg("channel bound")
	return v, nil
}

func (g *Gateway) handleIndex(w http.ResponseWriter, r *http.Request) {
	channel, ok := strings.CutSuffix(strings.ToLower(r.PathValue("name")), ".m3u8")
	if !ok || !channelName.MatchString(channel) {
		http.NotFound(w, r)
		return
	}
	ctx := r.Context()

	tok, err := g.cfg.Page.FetchToken(ctx, channel)
	if errors.Is(err, twitch.ErrNoToken) {
		http.Error(w, "channel is offline", http.StatusNotFound)
		return
	}
	if err != nil {
		g.logger.Warn().Err(err).Str("channel", channel).Msg("token fetch failed")
		outbound.WriteError(w, err)
		return
	}

	v, err := g.viewerFor(ctx, channel)
	if err != nil {
		g.logger.Error().Err(err).Msg("viewer unavailable")
		http.Error(w, "viewer unavailable", http.StatusServiceUnavailable)
		return
	}

	indexURL := twitch.IndexURL(channel, tok)
	resp, err := v.Do(g.newRequest(ctx, indexURL, channel))
	if err != nil {
		outbound.WriteError(w, err)
		return
	}
	body, err := netutil.ReadOK(resp, g.cfg.MaxBodyBytes)
	if err != nil {
		var se *netutil.HTTPStatusError
		if errors.As(err, &se) {
			http.Error(w, fmt.Sprintf("manifest-index returned %d", se.StatusCode), se.StatusCode)
			return
		}
		outbound.WriteError(w, err)
		return
	}

	base, _ := url.Parse(indexURL)
	w.Header().Set("Content-Type", playlistContentType)
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(RewriteIndex(body, base, channel))
}

func (g *Gateway) handleVariant(w http.ResponseWriter, r *http.Request) {
	channel := strings.ToLower(r.PathValue("channel"))
	if !channelName.MatchString(channel) {
		http.NotFound(w, r)
		return
	}
	target := r.URL.Query().Get("u")
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "https" || g.cfg.Hosts.Kind(u.Host) != classify.HostSegmentPlaylist {
		http.Error(w, "u must be a segment playlist URL", http.StatusBadRequest)
		return
	}
	ctx := r.Context()

	v, err := g.viewerFor(ctx, channel)
	if err != nil {
		g.logger.Error().Err(err).Msg("viewer unavailable")
		http.Error(w, "viewer unavailable", http.StatusServiceUnavailable)
		return
	}

	var resp *http.Response
	for attempt := 1; ; attempt++ {
		resp, err = v.Do(g.newRequest(ctx, target, channel))
		if !errors.Is(err, interceptor.ErrAdResponseCancelled) || attempt >= g.cfg.MaxRetries {
			break
		}
		g.logger.Debug().Str("channel", channel).Int("attempt", attempt).Msg("ad response cancelled, retrying")
	}
	if err != nil {
		outbound.WriteError(w, err)
		return
	}
	defer resp.Body.Close()

	outbound.CopyEndToEndHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

func (g *Gateway) newRequest(ctx context.Context, rawURL, channel string) *http.Request {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	req.Header.Set(outbound.PageHeader, twitch.PageURL(channel))
	return req
}
