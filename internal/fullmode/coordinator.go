// Package fullmode maintains the per-category proxy activation windows used
// when the platform can only toggle proxying globally.
package fullmode

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/classify"
	"github.com/Resinat/streamguard/internal/logging"
)

const (
	// DefaultAllowance is the window granted to a request category.
	DefaultAllowance = 3 * time.Second
	// DefaultManifestIndexAllowance tolerates slow page loads.
	DefaultManifestIndexAllowance = 7 * time.Second
)

// Window is an active activation window.
type Window struct {
	Category  classify.Category `json:"category"`
	ExpiresAt time.Time         `json:"expires_at"`
}

// PublishFunc receives the active category set after every change. It is
// called with the coordinator lock held and must not call back into it.
type PublishFunc func(active []classify.Category)

// Options configures a Coordinator.
type Options struct {
	Allowance              time.Duration
	ManifestIndexAllowance time.Duration
	Publish                PublishFunc
}

type stopper interface {
	Stop() bool
}

type window struct {
	gen       uint64
	expiresAt time.Time
	timer     stopper
}

// Coordinator owns the window table. At most one window exists per category;
// a new Enable replaces the previous window and its timer.
type Coordinator struct {
	mu      sync.Mutex
	windows map[classify.Category]*window
	gen     uint64
	closed  bool

	allowance      time.Duration
	indexAllowance time.Duration
	publish        PublishFunc
	logger         zerolog.Logger

	// test hooks
	now       func() time.Time
	afterFunc func(d time.Duration, f func()) stopper
}

// New creates a coordinator.
func New(opts Options) *Coordinator {
	return newWithClock(opts, time.Now, func(d time.Duration, f func()) stopper {
		return time.AfterFunc(d, f)
	})
}

func newWithClock(opts Options, now func() time.Time, afterFunc func(time.Duration, func()) stopper) *Coordinator {
	if opts.Allowance <= 0 {
		opts.Allowance = DefaultAllowance
	}
	if opts.ManifestIndexAllowance <= 0 {
		opts.ManifestIndexAllowance = DefaultManifestIndexAllowance
	}
	return &Coordinator{
		windows:        make(map[classify.Category]*window),
		allowance:      opts.Allowance,
		indexAllowance: opts.ManifestIndexAllowance,
		publish:        opts.Publish,
		logger:         logging.Component("fullmode"),
		now:            now,
		afterFunc:      afterFunc,
	}
}

func (c *Coordinator) allowanceFor(cat classify.Category) time.Duration {
	if cat == classify.ManifestIndexRequest {
		return c.indexAllowance
	}
	return c.allowance
}

// Enable opens (or refreshes) the window for cat. sentAt is when the caller
// sent the signal; the time spent in transit is added to the allowance.
// It returns the granted window length.
func (c *Coordinator) Enable(cat classify.Category, sentAt time.Time) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0
	}

	now := c.now()
	elapsed := time.Duration(0)
	if !sentAt.IsZero() && now.After(sentAt) {
		elapsed = now.Sub(sentAt)
	}
	d := c.allowanceFor(cat) + elapsed

	if old, ok := c.windows[cat]; ok {
		old.timer.Stop()
	}
	c.gen++
	gen := c.gen
	c.windows[cat] = &window{
		gen:       gen,
		expiresAt: now.Add(d),
		timer:     c.afterFunc(d, func() { c.expire(cat, gen) }),
	}
	c.publishLocked()
	c.logger.Debug().Str("category", string(cat)).Dur("window", d).Msg("enabled")
	return d
}

// Disable closes the window for cat early. Unknown categories are a no-op
// apart from republishing.
func (c *Coordinator) Disable(cat classify.Category) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if w, ok := c.windows[cat]; ok {
		w.timer.Stop()
		delete(c.windows, cat)
	}
	c.publishLocked()
	c.logger.Debug().Str("category", string(cat)).Msg("disabled")
}

func (c *Coordinator) expire(cat classify.Category, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[cat]
	if !ok || w.gen != gen || c.closed {
		return
	}
	delete(c.windows, cat)
	c.publishLocked()
	c.logger.Debug().Str("category", string(cat)).Msg("expired")
}

// Active returns the categories with an open window, in classify.Categories order.
func (c *Coordinator) Active() []classify.Category {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeLocked()
}

// IsActive reports whether cat has an open window.
func (c *Coordinator) IsActive(cat classify.Category) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.windows[cat]
	return ok
}

// Windows returns the open windows, in classify.Categories order.
func (c *Coordinator) Windows() []Window {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Window, 0, len(c.windows))
	for _, cat := range classify.Categories {
		if w, ok := c.windows[cat]; ok {
			out = append(out, Window{Category: cat, ExpiresAt: w.expiresAt})
		}
	}
	return out
}

// Close stops every timer and clears the table.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for cat, w := range c.windows {
		w.timer.Stop()
		delete(c.windows, cat)
	}
	c.publishLocked()
	c.closed = true
}

func (c *Coordinator) activeLocked() []classify.Category {
	out := make([]classify.Category, 0, len(c.windows))
	for _, cat := range classify.Categories {
		if _, ok := c.windows[cat]; ok {
			out = append(out, cat)
		}
	}
	return out
}

func (c *Coordinator) publishLocked() {
	if c.publish != nil {
		c.publish(c.activeLocked())
	}
}
