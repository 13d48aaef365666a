package player

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/evasion"
	"github.com/Resinat/streamguard/internal/interceptor"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/manifest"
	"github.com/Resinat/streamguard/internal/settings"
	"github.com/Resinat/streamguard/internal/twitch"
)

// ErrTokenUnavailable is returned when the page could not supply a token.
var ErrTokenUnavailable = errors.New("player: playback access token unavailable")

// WorkerConfig configures a worker context.
type WorkerConfig struct {
	Options
	ID string
	// TokensPerSecond caps replacement rounds.
	TokensPerSecond int
}

// Worker is a worker context: the player's fetch loop. It owns a manifest
// tracker and runs the replacement protocol on segment-playlist responses.
type Worker struct {
	session
	id       string
	tracker  *manifest.Tracker
	ic       *interceptor.Interceptor
	protocol *evasion.Protocol
	client   *http.Client
}

// StartWorker attaches a worker endpoint and loads the settings.
func StartWorker(ctx context.Context, cfg WorkerConfig) (*Worker, error) {
	cfg.normalize()
	if cfg.Bus == nil || cfg.ID == "" {
		return nil, fmt.Errorf("worker: bus and id are required")
	}
	ep, err := cfg.Bus.Attach(bus.Address{Context: bus.Worker, ID: cfg.ID})
	if err != nil {
		return nil, fmt.Errorf("worker %s: %w", cfg.ID, err)
	}

	w := &Worker{
		session: session{
			ep:     ep,
			holder: settings.NewHolder(),
			logger: logging.Component("worker").With().Str("worker", cfg.ID).Logger(),
		},
		id:      cfg.ID,
		tracker: manifest.NewTracker(),
	}
	w.ic, err = interceptor.New(interceptor.Config{
		Next:         cfg.Next,
		Hosts:        cfg.Hosts,
		Settings:     w.holder.Config,
		Ready:        w.holder.Ready(),
		ReadyTimeout: cfg.Bus.Timeout(),
		Flagger:      w.flagger(cfg.FlagMode),
		Tracker:      w.tracker,
		Publish:      w.publish,
		OnFlag:       cfg.OnFlag,
		OnConflict:   w.conflict,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("worker %s: %w", cfg.ID, err)
	}
	w.protocol = evasion.NewProtocol(evasion.Config{
		Tracker:         w.tracker,
		Tokens:          w,
		Fetcher:         w.ic,
		Settings:        w.holder.Config,
		Publish:         w.publish,
		Report:          w.report,
		TokensPerSecond: cfg.TokensPerSecond,
	})
	w.ic.SetAdHandler(w.protocol)
	w.client = &http.Client{Transport: w.ic}

	ep.Handle(bus.StoreStateChanged, w.onStoreStateChanged)
	ep.Handle(bus.ClearStats, w.onClearStats)
	w.loadSettings(ctx)
	return w, nil
}

// ID returns the worker id.
func (w *Worker) ID() string { return w.id }

// Tracker returns the worker's manifest tracker.
func (w *Worker) Tracker() *manifest.Tracker { return w.tracker }

// Do issues req through the worker's interceptor. An ad-bearing
// segment-playlist response fails with interceptor.ErrAdResponseCancelled.
func (w *Worker) Do(req *http.Request) (*http.Response, error) {
	return w.client.Do(req)
}

// Close detaches the endpoint.
func (w *Worker) Close() {
	w.ep.Close()
	w.ic.Close()
}

// PlaybackAccessToken asks the page for a fresh token. It implements
// evasion.TokenSource.
func (w *Worker) PlaybackAccessToken(ctx context.Context, channel string) (twitch.Token, error) {
	resp, err := w.ep.Request(ctx, pageAddr, bus.NewPlaybackAccessToken,
		bus.TokenRequest{Channel: channel}, bus.NewPlaybackAccessTokenResponse)
	if err != nil {
		return twitch.Token{}, err
	}
	out, ok := resp.Payload.(bus.TokenResponse)
	if !ok || out.Token == nil {
		return twitch.Token{}, fmt.Errorf("%w for %s", ErrTokenUnavailable, channel)
	}
	return twitch.Token{Value: out.Token.Value, Signature: out.Token.Signature}, nil
}

func (w *Worker) publish(info bus.ManifestIndexInfo) {
	if err := w.ep.Send(backgroundAddr, bus.ManifestIndexObserved, info); err != nil {
		w.logger.Debug().Err(err).Str("channel", info.Channel).Msg("manifest-index observation dropped")
	}
}

func (w *Worker) report(rep bus.AdReport) {
	if err := w.ep.Send(backgroundAddr, bus.AdDetected, rep); err != nil {
		w.logger.Debug().Err(err).Str("channel", rep.Channel).Msg("ad report dropped")
	}
}

func (w *Worker) onClearStats(_ context.Context, msg bus.Message) {
	req, _ := msg.Payload.(bus.ClearStatsRequest)
	w.ic.Clear(req.Channel)
	w.logger.Debug().Str("channel", req.Channel).Msg("manifest state cleared")
}
