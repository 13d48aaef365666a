package settings

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Holder is a per-context copy of the latest snapshot. It replaces polling
// for configuration with a readiness signal that fires once, on the first
// accepted snapshot.
type Holder struct {
	cur       atomic.Pointer[Snapshot]
	ready     chan struct{}
	readyOnce sync.Once
	mu        sync.Mutex // serializes Apply
}

// NewHolder returns an empty, not-yet-ready holder.
func NewHolder() *Holder {
	return &Holder{ready: make(chan struct{})}
}

// Apply installs snap if it is valid and newer than the held snapshot.
func (h *Holder) Apply(snap Snapshot) error {
	if err := snap.Validate(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur := h.cur.Load(); cur != nil && snap.Version <= cur.Version {
		return fmt.Errorf("%w: have v%d, got v%d", ErrStaleSnapshot, cur.Version, snap.Version)
	}
	snap.Config = snap.Config.Normalize()
	h.cur.Store(&snap)
	h.readyOnce.Do(func() { close(h.ready) })
	return nil
}

// Current returns the held snapshot, if any.
func (h *Holder) Current() (Snapshot, bool) {
	if s := h.cur.Load(); s != nil {
		return *s, true
	}
	return Snapshot{}, false
}

// Config returns the held config, or PassthroughSessionConfig before the
// first snapshot.
func (h *Holder) Config() SessionConfig {
	if s := h.cur.Load(); s != nil {
		return s.Config
	}
	return PassthroughSessionConfig()
}

// Ready is closed once the first snapshot has been applied.
func (h *Holder) Ready() <-chan struct{} {
	return h.ready
}

// Wait blocks until the holder is ready or ctx is done.
func (h *Holder) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-h.ready:
		s, _ := h.Current()
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}
