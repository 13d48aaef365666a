package settings

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/logging"
)

// ErrNoSettings is returned by a Persister that has nothing stored yet.
var ErrNoSettings = errors.New("no stored settings")

// Persister stores the latest snapshot.
type Persister interface {
	LoadSettings(ctx context.Context) (Snapshot, error)
	SaveSettings(ctx context.Context, snap Snapshot) error
}

// Manager owns the authoritative snapshot: it versions updates, persists them
// and notifies subscribers after each accepted change.
type Manager struct {
	mu        sync.Mutex
	persister Persister
	current   Snapshot
	subs      map[int]func(Snapshot)
	nextSubID int
	now       func() time.Time
	logger    zerolog.Logger
}

// NewManager loads the stored snapshot, falling back to defaults at version 1
// when nothing is stored or the stored copy fails validation.
func NewManager(ctx context.Context, p Persister) (*Manager, error) {
	m := &Manager{
		persister: p,
		subs:      make(map[int]func(Snapshot)),
		now:       time.Now,
		logger:    logging.Component("settings"),
	}

	snap, err := p.LoadSettings(ctx)
	switch {
	case err == nil:
		if verr := snap.Validate(); verr != nil {
			m.logger.Warn().Err(verr).Msg("stored settings are invalid, using defaults")
			snap = m.defaultSnapshot(snap.Version + 1)
		}
	case errors.Is(err, ErrNoSettings):
		snap = m.defaultSnapshot(1)
		if err := p.SaveSettings(ctx, snap); err != nil {
			return nil, fmt.Errorf("settings: persist defaults: %w", err)
		}
	default:
		return nil, fmt.Errorf("settings: load: %w", err)
	}
	snap.Config = snap.Config.Normalize()
	m.current = snap
	return m, nil
}

func (m *Manager) defaultSnapshot(version uint64) Snapshot {
	return Snapshot{Version: version, UpdatedAt: m.now().UTC(), Config: DefaultSessionConfig()}
}

// Current returns the authoritative snapshot.
func (m *Manager) Current() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Update validates cfg, stores it under the next version and notifies
// subscribers.
func (m *Manager) Update(ctx context.Context, cfg SessionConfig) (Snapshot, error) {
	if err := cfg.Validate(); err != nil {
		return Snapshot{}, err
	}

	m.mu.Lock()
	next := Snapshot{
		Version:   m.current.Version + 1,
		UpdatedAt: m.now().UTC(),
		Config:    cfg.Normalize(),
	}
	if err := m.persister.SaveSettings(ctx, next); err != nil {
		m.mu.Unlock()
		return Snapshot{}, fmt.Errorf("settings: persist: %w", err)
	}
	m.current = next
	subs := make([]func(Snapshot), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.logger.Info().Uint64("version", next.Version).Msg("settings updated")
	for _, fn := range subs {
		fn(next)
	}
	return next, nil
}

// Reset restores the default configuration as a new version.
func (m *Manager) Reset(ctx context.Context) (Snapshot, error) {
	return m.Update(ctx, DefaultSessionConfig())
}

// Subscribe registers fn for every accepted update. The returned function
// removes the subscription.
func (m *Manager) Subscribe(fn func(Snapshot)) func() {
	m.mu.Lock()
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}
