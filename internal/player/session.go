// Package player hosts the page and worker contexts. Both issue platform
// traffic through their own interceptor and keep a settings snapshot pushed
// by the content context.
package player

import (
	"context"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/config"
	"github.com/Resinat/streamguard/internal/interceptor"
	"github.com/Resinat/streamguard/internal/settings"
)

const defaultMaxBodyBytes = 4 << 20

var (
	backgroundAddr = bus.Address{Context: bus.Background}
	contentAddr    = bus.Address{Context: bus.Content}
	pageAddr       = bus.Address{Context: bus.Page}
)

// Options are shared by the page and the workers.
type Options struct {
	Bus *bus.Bus
	// Next is the connection layer below the interceptor.
	Next     http.RoundTripper
	Hosts    classify.HostTable
	FlagMode config.FlagMode
	// OnFlag is called for every flagged request.
	OnFlag       func(classify.Category)
	MaxBodyBytes int64
}

func (o *Options) normalize() {
	if o.Next == nil {
		o.Next = http.DefaultTransport
	}
	if o.FlagMode == "" {
		o.FlagMode = config.FlagModeHeader
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = defaultMaxBodyBytes
	}
}

// session is the settings side of a context: the held snapshot and the
// endpoint it arrives on.
type session struct {
	ep     *bus.Endpoint
	holder *settings.Holder
	logger zerolog.Logger
}

func (s *session) flagger(mode config.FlagMode) interceptor.Flagger {
	if mode == config.FlagModeWindow {
		return interceptor.NewWindowFlagger(s.ep, s.holder.Config)
	}
	return interceptor.HeaderFlagger{}
}

// loadSettings pulls the current snapshot from content. On failure the
// context flags nothing until the next push.
func (s *session) loadSettings(ctx context.Context) {
	resp, err := s.ep.Request(ctx, contentAddr, bus.GetStoreState, nil, bus.GetStoreStateResponse)
	if err != nil {
		s.logger.Warn().Err(err).Msg("settings not loaded, passing requests through until the next update")
		return
	}
	s.apply(resp.Payload)
}

func (s *session) onStoreStateChanged(_ context.Context, msg bus.Message) {
	s.apply(msg.Payload)
}

func (s *session) apply(payload any) {
	state, ok := payload.(bus.StoreState)
	if !ok {
		s.logger.Warn().Msg("malformed store state ignored")
		return
	}
	if err := s.holder.Apply(state.Snapshot); err != nil {
		if errors.Is(err, settings.ErrStaleSnapshot) {
			s.logger.Debug().Err(err).Msg("settings snapshot ignored")
		} else {
			s.logger.Warn().Err(err).Msg("settings snapshot rejected")
		}
	}
}

// Settings returns the session config in effect.
func (s *session) Settings() settings.SessionConfig {
	return s.holder.Config()
}

// Ready is closed once the first snapshot arrived.
func (s *session) Ready() <-chan struct{} {
	return s.holder.Ready()
}

func (s *session) conflict(detail string) {
	if err := s.ep.Send(contentAddr, bus.MultipleAdBlockersInUse, bus.Warning{Detail: detail}); err != nil {
		s.logger.Debug().Err(err).Msg("conflict warning dropped")
	}
}
