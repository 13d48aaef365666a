package evasion

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/ratelimit"

	"github.com/Resinat/streamguard/internal/adlog"
	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/manifest"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/twitch"
)

var (
	// ErrNoIndexURL means no manifest-index request was seen for the channel.
	ErrNoIndexURL = errors.New("evasion: no cached manifest-index URL")
	// ErrSuperseded means the record changed while the protocol ran.
	ErrSuperseded = errors.New("evasion: manifest record superseded")
)

// TokenSource supplies fresh playback access tokens.
type TokenSource interface {
	PlaybackAccessToken(ctx context.Context, channel string) (twitch.Token, error)
}

// IndexFetcher fetches a manifest-index body, flagging the request as the
// routing policy requires. A non-success status is an error.
type IndexFetcher interface {
	FetchIndex(ctx context.Context, rawURL string) ([]byte, error)
}

// Config wires a Protocol.
type Config struct {
	Tracker  *manifest.Tracker
	Tokens   TokenSource
	Fetcher  IndexFetcher
	Settings func() settings.SessionConfig

	// Publish announces replacement segment-playlist URLs.
	Publish func(bus.ManifestIndexInfo)
	// Report is called once per ad detection.
	Report func(bus.AdReport)

	// TokensPerSecond caps replacement rounds. Zero means unlimited.
	TokensPerSecond int
}

// Protocol handles segment-playlist responses for one tracker.
type Protocol struct {
	cfg     Config
	limiter ratelimit.Limiter
	now     func() time.Time
	logger  zerolog.Logger
}

// NewProtocol creates a Protocol.
func NewProtocol(cfg Config) *Protocol {
	limiter := ratelimit.NewUnlimited()
	if cfg.TokensPerSecond > 0 {
		limiter = ratelimit.New(cfg.TokensPerSecond)
	}
	if cfg.Settings == nil {
		cfg.Settings = settings.DefaultSessionConfig
	}
	return &Protocol{
		cfg:     cfg,
		limiter: limiter,
		now:     time.Now,
		logger:  logging.Component("evasion"),
	}
}

// HandleResponse inspects a successful segment-playlist response resolved
// to res. It returns true when the response must be cancelled because a
// replacement is in place and the player's retry will pick it up.
func (p *Protocol) HandleResponse(ctx context.Context, res manifest.Resolution, body []byte) bool {
	ref := res.Record.Ref
	if !HasAd(body) {
		p.cfg.Tracker.RecordAdFree(ref)
		return false
	}

	streak, ok := p.cfg.Tracker.RecordAd(ref)
	if !ok {
		return false
	}
	log := p.logger.With().Str("channel", ref.Channel).Str("quality", res.Quality).Int("streak", streak).Logger()
	log.Info().Msg("midroll ad detected")

	outcome := adlog.OutcomePassedThrough
	if ShouldAttempt(streak, p.cfg.Settings(), ref.Channel) {
		err := p.Replace(ctx, res.Record)
		if err == nil {
			p.report(res, streak, adlog.OutcomeReplaced)
			return true
		}
		log.Warn().Err(err).Msg("replacement failed, passing ad through")
		outcome = adlog.OutcomeFailed
	}
	p.cfg.Tracker.ClearReplacement(ref)
	p.report(res, streak, outcome)
	return false
}

// Replace runs the three replacement steps for rec and stores the new
// segment playlists as its replacement.
func (p *Protocol) Replace(ctx context.Context, rec manifest.Record) error {
	p.limiter.Take()

	tok, err := p.cfg.Tokens.PlaybackAccessToken(ctx, rec.Channel)
	if err != nil {
		return fmt.Errorf("evasion: fetch token: %w", err)
	}

	cached, ok := p.cfg.Tracker.IndexURL(rec.Channel)
	if !ok {
		return ErrNoIndexURL
	}
	indexURL, err := twitch.ReplacementIndexURL(cached, tok)
	if err != nil {
		return err
	}
	body, err := p.cfg.Fetcher.FetchIndex(ctx, indexURL)
	if err != nil {
		return fmt.Errorf("evasion: fetch manifest-index: %w", err)
	}

	base, _ := url.Parse(indexURL)
	idx, err := manifest.ParseIndex(body, base)
	if err != nil {
		return fmt.Errorf("evasion: parse manifest-index: %w", err)
	}
	if !p.cfg.Tracker.SetReplacement(rec.Ref, idx.Playlists) {
		return ErrSuperseded
	}

	p.logger.Info().
		Str("channel", rec.Channel).
		Int("playlists", len(idx.Playlists)).
		Msg("replacement segment playlists installed")
	if p.cfg.Publish != nil {
		p.cfg.Publish(bus.ManifestIndexInfo{
			Channel:             twitch.ChannelFromIndexURL(cached),
			SegmentPlaylistURLs: idx.URLs(),
			ProxyCountry:        idx.ProxyCountry,
		})
	}
	return nil
}

func (p *Protocol) report(res manifest.Resolution, streak int, outcome adlog.Outcome) {
	if p.cfg.Report == nil {
		return
	}
	p.cfg.Report(bus.AdReport{
		Channel:    res.Record.Channel,
		Quality:    res.Quality,
		Streak:     streak,
		Outcome:    string(outcome),
		DetectedAt: p.now(),
	})
}
