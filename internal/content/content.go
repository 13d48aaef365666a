// Package content is the content context: the only context that reads the
// settings store. It serves settings snapshots to the other contexts, pushes
// every accepted change to them and keeps the conflict warnings shown to the
// user.
package content

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/bus"
	"github.com/Resinat/streamguard/internal/logging"
	"github.com/Resinat/streamguard/internal/settings"
)

// Store is the settings source.
type Store interface {
	Current() settings.Snapshot
	Subscribe(fn func(settings.Snapshot)) (unsubscribe func())
}

// Warning is a conflict reported by another context.
type Warning struct {
	Detail    string    `json:"detail"`
	Count     int       `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}

// Content is the content context.
type Content struct {
	ep          *bus.Endpoint
	holder      *settings.Holder
	unsubscribe func()

	mu       sync.Mutex
	warnings []Warning

	now    func() time.Time
	logger zerolog.Logger
}

// Start attaches the content endpoint, loads the current snapshot and
// subscribes to the store.
func Start(b *bus.Bus, store Store) (*Content, error) {
	ep, err := b.Attach(bus.Address{Context: bus.Content})
	if err != nil {
		return nil, fmt.Errorf("content: %w", err)
	}
	c := &Content{
		ep:     ep,
		holder: settings.NewHolder(),
		now:    time.Now,
		logger: logging.Component("content"),
	}
	if err := c.holder.Apply(store.Current()); err != nil {
		ep.Close()
		return nil, fmt.Errorf("content: initial settings: %w", err)
	}

	ep.Handle(bus.GetStoreState, c.onGetStoreState)
	ep.Handle(bus.MultipleAdBlockersInUse, c.onConflict)
	c.unsubscribe = store.Subscribe(c.publish)
	return c, nil
}

// Close detaches the endpoint and drops the store subscription.
func (c *Content) Close() {
	if c.unsubscribe != nil {
		c.unsubscribe()
	}
	c.ep.Close()
}

// Settings returns the held snapshot.
func (c *Content) Settings() settings.Snapshot {
	s, _ := c.holder.Current()
	return s
}

// Warnings returns the recorded warnings, oldest first.
func (c *Content) Warnings() []Warning {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.warnings)
}

func (c *Content) publish(snap settings.Snapshot) {
	if err := c.holder.Apply(snap); err != nil {
		if !errors.Is(err, settings.ErrStaleSnapshot) {
			c.logger.Warn().Err(err).Uint64("version", snap.Version).Msg("settings snapshot rejected")
		}
		return
	}
	c.ep.Broadcast(bus.StoreStateChanged, bus.StoreState{Snapshot: snap})
	c.logger.Debug().Uint64("version", snap.Version).Msg("settings pushed")
}

func (c *Content) onGetStoreState(_ context.Context, msg bus.Message) {
	snap, ok := c.holder.Current()
	if !ok {
		return
	}
	if err := c.ep.Reply(msg, bus.GetStoreStateResponse, bus.StoreState{Snapshot: snap}); err != nil {
		c.logger.Debug().Err(err).Str("to", msg.From.String()).Msg("store state not delivered")
	}
}

func (c *Content) onConflict(_ context.Context, msg bus.Message) {
	w, _ := msg.Payload.(bus.Warning)
	now := c.now()

	c.mu.Lock()
	i := slices.IndexFunc(c.warnings, func(x Warning) bool { return x.Detail == w.Detail })
	if i < 0 {
		c.warnings = append(c.warnings, Warning{Detail: w.Detail, FirstSeen: now})
		i = len(c.warnings) - 1
	}
	c.warnings[i].Count++
	c.warnings[i].LastSeen = now
	c.mu.Unlock()

	if err := c.ep.Send(bus.Address{Context: bus.Background}, bus.MultipleAdBlockersInUse, w); err != nil {
		c.logger.Debug().Err(err).Msg("conflict not relayed to background")
	}
}
