// Package background is the background context. It owns the full-mode window
// table, the proxy selector and the per-channel stream status, and answers
// the messages other contexts send it over the bus.
package background

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/adlog"
	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/fullmode"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/metrics"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/selector"
	"github.com/Resinat/streamguard/internal/status"
)

// AdSink receives ad detections.
type AdSink interface {
	Emit(adlog.Event)
}

// Config configures the background context.
type Config struct {
	Bus      *bus.Bus
	Selector *selector.Selector
	Status   *status.Aggregator
	// Metrics and AdLog are optional.
	Metrics *metrics.Metrics
	AdLog   AdSink

	Allowance              time.Duration
	ManifestIndexAllowance time.Duration
}

// Background is the background context.
type Background struct {
	ep       *bus.Endpoint
	full     *fullmode.Coordinator
	selector *selector.Selector
	status   *status.Aggregator
	metrics  *metrics.Metrics
	adlog    AdSink
	logger   zerolog.Logger
}

// Start attaches the background endpoint and registers its handlers.
func Start(cfg Config) (*Background, error) {
	if cfg.Bus == nil || cfg.Selector == nil || cfg.Status == nil {
		return nil, fmt.Errorf("background: bus, selector and status are required")
	}
	ep, err := cfg.Bus.Attach(bus.Address{Context: bus.Background})
	if err != nil {
		return nil, fmt.Errorf("background: %w", err)
	}
	b := &Background{
		ep:       ep,
		selector: cfg.Selector,
		status:   cfg.Status,
		metrics:  cfg.Metrics,
		adlog:    cfg.AdLog,
		logger:   logging.Component("background"),
	}
	b.full = fullmode.New(fullmode.Options{
		Allowance:              cfg.Allowance,
		ManifestIndexAllowance: cfg.ManifestIndexAllowance,
		Publish:                b.publishActive,
	})

	ep.Handle(bus.EnableFullMode, b.onEnableFullMode)
	ep.Handle(bus.DisableFullMode, b.onDisableFullMode)
	ep.Handle(bus.ManifestIndexObserved, b.onManifestIndexObserved)
	ep.Handle(bus.ClearStats, b.onClearStats)
	ep.Handle(bus.AdDetected, b.onAdDetected)
	ep.Handle(bus.MultipleAdBlockersInUse, b.onConflict)
	return b, nil
}

// Close detaches the endpoint and closes every window.
func (b *Background) Close() {
	b.ep.Close()
	b.full.Close()
}

// ObserveConnection feeds a connection outcome into the stream status and
// the connection counters. It has the signature of outbound.Config.Observe.
func (b *Background) ObserveConnection(res outbound.Result) {
	b.status.ObserveConnection(res)
	if b.metrics != nil {
		b.metrics.ObserveConnection(res)
	}
}

// Windows returns the open full-mode windows.
func (b *Background) Windows() []fullmode.Window {
	return b.full.Windows()
}

// EnableFullMode opens a window directly, bypassing the bus.
func (b *Background) EnableFullMode(cat classify.Category) time.Duration {
	return b.full.Enable(cat, time.Time{})
}

// DisableFullMode closes a window directly, bypassing the bus.
func (b *Background) DisableFullMode(cat classify.Category) {
	b.full.Disable(cat)
}

// Status returns the stream status aggregator.
func (b *Background) Status() *status.Aggregator {
	return b.status
}

// Selector returns the proxy selector.
func (b *Background) Selector() *selector.Selector {
	return b.selector
}

func (b *Background) publishActive(active []classify.Category) {
	b.selector.SetActive(active)
	if b.metrics != nil {
		b.metrics.SetFullModeWindows(len(active))
	}
}

func (b *Background) onEnableFullMode(_ context.Context, msg bus.Message) {
	req, ok := msg.Payload.(bus.FullModeRequest)
	if !ok || !req.Category.IsValid() {
		b.logger.Warn().Str("from", msg.From.String()).Msg("malformed EnableFullMode")
		return
	}
	sentAt := req.SentAt
	if sentAt.IsZero() {
		sentAt = msg.SentAt
	}
	ack := bus.FullModeAck{Window: b.full.Enable(req.Category, sentAt)}
	if ack.Window <= 0 {
		ack.Err = "full mode coordinator closed"
		b.logger.Warn().Str("category", string(req.Category)).Msg("EnableFullMode refused, coordinator closed")
	}
	if err := b.ep.Reply(msg, bus.EnableFullModeResponse, ack); err != nil {
		b.logger.Debug().Err(err).Str("to", msg.From.String()).Msg("EnableFullModeResponse not delivered")
	}
}

func (b *Background) onDisableFullMode(_ context.Context, msg bus.Message) {
	req, ok := msg.Payload.(bus.FullModeRequest)
	if !ok {
		return
	}
	b.full.Disable(req.Category)
}

func (b *Background) onManifestIndexObserved(_ context.Context, msg bus.Message) {
	info, ok := msg.Payload.(bus.ManifestIndexInfo)
	if !ok || info.Channel == "" {
		return
	}
	b.selector.IndexChannel(info.Channel, info.SegmentPlaylistURLs)
	if info.ProxyCountry != "" {
		b.status.SetProxyCountry(info.Channel, info.ProxyCountry)
	}
}

func (b *Background) onClearStats(_ context.Context, msg bus.Message) {
	req, _ := msg.Payload.(bus.ClearStatsRequest)
	b.status.Clear(req.Channel)
	b.selector.ForgetChannel(req.Channel)
	b.logger.Debug().Str("channel", req.Channel).Msg("stats cleared")
}

func (b *Background) onAdDetected(_ context.Context, msg bus.Message) {
	rep, ok := msg.Payload.(bus.AdReport)
	if !ok {
		return
	}
	if b.metrics != nil {
		b.metrics.AdDetected(rep.Outcome)
	}
	if b.adlog == nil {
		return
	}
	ev := adlog.Event{
		Channel:    rep.Channel,
		Quality:    rep.Quality,
		Streak:     rep.Streak,
		Outcome:    adlog.Outcome(rep.Outcome),
		DetectedAt: rep.DetectedAt,
	}
	if s, ok := b.status.Get(rep.Channel); ok {
		ev.ProxyCountry = s.ProxyCountry
	}
	b.adlog.Emit(ev)
}

func (b *Background) onConflict(_ context.Context, msg bus.Message) {
	w, _ := msg.Payload.(bus.Warning)
	b.status.NoteConflict()
	b.logger.Warn().Str("detail", w.Detail).Msg("another ad blocker is rewriting requests")
}
