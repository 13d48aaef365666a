package interceptor

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/outbound"
	"github.com/Resinat/streamguard/internal/settings"
)

// Flagger marks a request so that the connection layer proxies it. The
// returned release func, when non-nil, is called once the response headers
// arrived or the request failed.
type Flagger interface {
	Flag(req *http.Request, cat classify.Category) (release func())
}

// HeaderFlagger flags per connection: the request carries its category in
// outbound.FlagHeader.
type HeaderFlagger struct{}

func (HeaderFlagger) Flag(req *http.Request, cat classify.Category) func() {
	req.Header.Set(outbound.FlagHeader, string(cat))
	return nil
}

// Requester is the part of a bus endpoint the window flagger needs.
type Requester interface {
	Request(ctx context.Context, to bus.Address, t bus.Type, payload any, expect bus.Type) (bus.Message, error)
	Send(to bus.Address, t bus.Type, payload any) error
}

// WindowFlagger flags through a full-mode window: it asks background to open
// a window for the category, waits for the acknowledgement and closes the
// window once the response started.
type WindowFlagger struct {
	endpoint Requester
	settings func() settings.SessionConfig
	now      func() time.Time
	logger   zerolog.Logger
}

// NewWindowFlagger creates a WindowFlagger sending through ep.
func NewWindowFlagger(ep Requester, cfg func() settings.SessionConfig) *WindowFlagger {
	return &WindowFlagger{
		endpoint: ep,
		settings: cfg,
		now:      time.Now,
		logger:   logging.Component("interceptor"),
	}
}

var backgroundAddr = bus.Address{Context: bus.Background}

func (f *WindowFlagger) Flag(req *http.Request, cat classify.Category) func() {
	// Windows are only opened in optimized mode.
	if !f.settings().OptimizedProxyingEnabled {
		return nil
	}
	payload := bus.FullModeRequest{Category: cat, SentAt: f.now()}
	resp, err := f.endpoint.Request(req.Context(), backgroundAddr, bus.EnableFullMode, payload, bus.EnableFullModeResponse)
	if err != nil {
		f.logger.Warn().Err(err).Str("category", string(cat)).Msg("full mode not acknowledged, sending unflagged")
		return nil
	}
	if ack, ok := resp.Payload.(bus.FullModeAck); !ok || ack.Err != "" {
		f.logger.Warn().Str("category", string(cat)).Str("reason", ack.Err).Msg("full mode refused, sending unflagged")
		return nil
	}
	return func() {
		if err := f.endpoint.Send(backgroundAddr, bus.DisableFullMode, bus.FullModeRequest{Category: cat, SentAt: f.now()}); err != nil {
			f.logger.Debug().Err(err).Str("category", string(cat)).Msg("disable full mode dropped")
		}
	}
}
