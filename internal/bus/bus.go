// Package bus connects the isolated execution contexts (background, content,
// page and workers) with asynchronous message passing. Messages travel hop by
// hop along background <-> content <-> page <-> worker; intermediate contexts
// relay messages addressed past them. Delivery is FIFO per sender, may
// duplicate, and carries no acknowledgement. Request/response pairs are
// correlated by the request's message ID.
package bus

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"

	"github.com/Resinat/streamguard/internal/logging"
)

var (
	// ErrTimeout is returned by Request when no matching response arrived in time.
	ErrTimeout = errors.New("bus: await timed out")
	// ErrClosed is returned after the endpoint or the bus was closed.
	ErrClosed = errors.New("bus: closed")
	// ErrUnknownEndpoint is returned when a route has no attached endpoint.
	ErrUnknownEndpoint = errors.New("bus: unknown endpoint")
)

// Context names an execution context.
type Context string

const (
	Background Context = "background"
	Content    Context = "content"
	Page       Context = "page"
	Worker     Context = "worker"
)

// level is the position of a context on the relay chain.
func (c Context) level() int {
	switch c {
	case Background:
		return 0
	case Content:
		return 1
	case Page:
		return 2
	case Worker:
		return 3
	default:
		return -1
	}
}

// Address identifies an endpoint. ID distinguishes workers; a worker address
// with an empty ID is delivered to every attached worker.
type Address struct {
	Context Context
	ID      string
}

// AllWorkers addresses every attached worker.
var AllWorkers = Address{Context: Worker}

func (a Address) String() string {
	if a.ID == "" {
		return string(a.Context)
	}
	return string(a.Context) + "/" + a.ID
}

func (a Address) matches(self Address) bool {
	if a.Context != self.Context {
		return false
	}
	return a.ID == "" || a.ID == self.ID
}

// Message is one envelope on the bus.
type Message struct {
	ID            string
	CorrelationID string
	Type          Type
	From          Address
	To            Address
	SentAt        time.Time
	Payload       any
}

// Options configures a Bus.
type Options struct {
	// Timeout bounds Request. Defaults to 5s.
	Timeout time.Duration
	// InboxSize is the per-endpoint queue length. Defaults to 256.
	InboxSize int
	// OnTimeout is called with the awaited type whenever a Request times out.
	OnTimeout func(expect Type)
}

// Bus owns the endpoint table and the relay topology.
type Bus struct {
	opts      Options
	endpoints *xsync.Map[Address, *Endpoint]
	logger    zerolog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a bus.
func New(opts Options) *Bus {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = 256
	}
	return &Bus{
		opts:      opts,
		endpoints: xsync.NewMap[Address, *Endpoint](),
		logger:    logging.Component("bus"),
		closed:    make(chan struct{}),
	}
}

// Timeout returns the configured await timeout.
func (b *Bus) Timeout() time.Duration {
	return b.opts.Timeout
}

// Attach registers and starts a new endpoint. Background, content and page
// are singletons; workers need a non-empty unique ID.
func (b *Bus) Attach(addr Address) (*Endpoint, error) {
	if addr.Context.level() < 0 {
		return nil, fmt.Errorf("bus: invalid context %q", addr.Context)
	}
	if addr.Context == Worker && addr.ID == "" {
		return nil, errors.New("bus: worker endpoint requires an id")
	}
	if addr.Context != Worker {
		addr.ID = ""
	}
	select {
	case <-b.closed:
		return nil, ErrClosed
	default:
	}

	ep := newEndpoint(b, addr)
	if _, loaded := b.endpoints.LoadOrStore(addr, ep); loaded {
		return nil, fmt.Errorf("bus: endpoint %s already attached", addr)
	}
	ep.start()
	return ep, nil
}

// Close stops every endpoint.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.closed)
		b.endpoints.Range(func(_ Address, ep *Endpoint) bool {
			ep.Close()
			return true
		})
	})
}

// Workers returns the addresses of attached workers.
func (b *Bus) Workers() []Address {
	var out []Address
	b.endpoints.Range(func(addr Address, _ *Endpoint) bool {
		if addr.Context == Worker {
			out = append(out, addr)
		}
		return true
	})
	return out
}

func (b *Bus) detach(ep *Endpoint) {
	b.endpoints.Compute(ep.addr, func(cur *Endpoint, loaded bool) (*Endpoint, xsync.ComputeOp) {
		if loaded && cur == ep {
			return nil, xsync.DeleteOp
		}
		return cur, xsync.CancelOp
	})
}

// nextHops returns the endpoints a message at `at` must be handed to next on
// its way to `to`. It returns nil when `at` is a destination.
func (b *Bus) nextHops(at, to Address) []*Endpoint {
	if to.matches(at) {
		return nil
	}
	from, dest := at.Context.level(), to.Context.level()

	var next Address
	switch {
	case at.Context == Worker:
		// Workers only talk to the page, including sibling traffic.
		next = Address{Context: Page}
	case dest > from && from+1 == Worker.level():
		if to.ID == "" {
			return b.allWorkers()
		}
		next = to
	case dest > from:
		next = Address{Context: contextAt(from + 1)}
	case dest < from:
		next = Address{Context: contextAt(from - 1)}
	default:
		return nil
	}
	if ep, ok := b.endpoints.Load(next); ok {
		return []*Endpoint{ep}
	}
	return nil
}

func (b *Bus) allWorkers() []*Endpoint {
	var out []*Endpoint
	b.endpoints.Range(func(addr Address, ep *Endpoint) bool {
		if addr.Context == Worker {
			out = append(out, ep)
		}
		return true
	})
	return out
}

func contextAt(level int) Context {
	switch level {
	case 0:
		return Background
	case 1:
		return Content
	case 2:
		return Page
	default:
		return Worker
	}
}

func newMessageID() string {
	return uuid.NewString()
}
