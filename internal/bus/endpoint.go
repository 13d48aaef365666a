package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/deque"
	"github.com/maypok86/otter"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog"
)

const (
	seenCapacity = 4096
	seenTTL      = time.Minute
)

// HandlerFunc handles one message. Handlers of one endpoint run serially in
// arrival order; a handler may call Request without blocking delivery of the
// response it awaits.
type HandlerFunc func(ctx context.Context, msg Message)

type waiter struct {
	expect Type
	ch     chan Message
}

// Endpoint is one context's attachment to the bus. It runs two goroutines:
// the inbox loop routes, de-duplicates and resolves awaited responses; the
// handler loop runs handlers one at a time.
type Endpoint struct {
	bus  *Bus
	addr Address

	inbox chan Message

	workMu sync.Mutex
	work   *deque.Deque[Message]
	wake   chan struct{}

	handlersMu sync.RWMutex
	handlers   map[Type]HandlerFunc

	waiters *xsync.Map[string, waiter]
	seen    otter.Cache[string, struct{}]

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
	logger    zerolog.Logger
}

func newEndpoint(b *Bus, addr Address) *Endpoint {
	seen, err := otter.MustBuilder[string, struct{}](seenCapacity).
		WithTTL(seenTTL).
		Build()
	if err != nil {
		panic("bus: failed to create seen cache: " + err.Error())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Endpoint{
		bus:      b,
		addr:     addr,
		inbox:    make(chan Message, b.opts.InboxSize),
		work:     deque.New[Message](),
		wake:     make(chan struct{}, 1),
		handlers: make(map[Type]HandlerFunc),
		waiters:  xsync.NewMap[string, waiter](),
		seen:     seen,
		ctx:      ctx,
		cancel:   cancel,
		logger:   b.logger.With().Str("endpoint", addr.String()).Logger(),
	}
}

// Addr returns the endpoint address.
func (e *Endpoint) Addr() Address { return e.addr }

// Handle registers h for messages of type t, replacing any earlier handler.
func (e *Endpoint) Handle(t Type, h HandlerFunc) {
	e.handlersMu.Lock()
	e.handlers[t] = h
	e.handlersMu.Unlock()
}

// Done is closed when the endpoint shuts down.
func (e *Endpoint) Done() <-chan struct{} { return e.ctx.Done() }

func (e *Endpoint) start() {
	e.wg.Add(2)
	go e.inboxLoop()
	go e.handlerLoop()
}

// Close stops both loops and detaches the endpoint. Pending Requests fail
// with ErrClosed.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() {
		e.cancel()
		e.wg.Wait()
		e.bus.detach(e)
		e.seen.Close()
	})
}

// Send delivers a fire-and-forget message.
func (e *Endpoint) Send(to Address, t Type, payload any) error {
	return e.deliver(e.newMessage(to, t, payload))
}

// Broadcast sends a message to every other context. Workers are addressed as
// a group; a worker broadcasting skips its siblings.
func (e *Endpoint) Broadcast(t Type, payload any) {
	for _, to := range []Address{{Context: Background}, {Context: Content}, {Context: Page}, AllWorkers} {
		if to.matches(e.addr) {
			continue
		}
		if err := e.Send(to, t, payload); err != nil {
			e.logger.Debug().Err(err).Str("type", string(t)).Str("to", to.String()).Msg("broadcast leg dropped")
		}
	}
}

// Request sends a message and waits for the response of type expect that
// carries the request's ID as correlation ID. The waiter is removed on every
// outcome, so a late response is dropped instead of resolving anything.
func (e *Endpoint) Request(ctx context.Context, to Address, t Type, payload any, expect Type) (Message, error) {
	msg := e.newMessage(to, t, payload)
	w := waiter{expect: expect, ch: make(chan Message, 1)}
	e.waiters.Store(msg.ID, w)
	defer e.waiters.Delete(msg.ID)

	if err := e.deliver(msg); err != nil {
		return Message{}, err
	}

	timer := time.NewTimer(e.bus.opts.Timeout)
	defer timer.Stop()

	select {
	case resp := <-w.ch:
		return resp, nil
	case <-timer.C:
		if e.bus.opts.OnTimeout != nil {
			e.bus.opts.OnTimeout(expect)
		}
		return Message{}, fmt.Errorf("%w: %s to %s awaiting %s", ErrTimeout, t, to, expect)
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-e.ctx.Done():
		return Message{}, ErrClosed
	}
}

// Reply answers req with a message of type t.
func (e *Endpoint) Reply(req Message, t Type, payload any) error {
	msg := e.newMessage(req.From, t, payload)
	msg.CorrelationID = req.ID
	return e.deliver(msg)
}

func (e *Endpoint) newMessage(to Address, t Type, payload any) Message {
	return Message{
		ID:      newMessageID(),
		Type:    t,
		From:    e.addr,
		To:      to,
		SentAt:  time.Now(),
		Payload: payload,
	}
}

// deliver hands a message originating or relayed here to its next hops. A
// message addressed to this endpoint goes through the local inbox.
func (e *Endpoint) deliver(msg Message) error {
	if msg.To.matches(e.addr) {
		return e.enqueue(msg)
	}
	hops := e.bus.nextHops(e.addr, msg.To)
	if len(hops) == 0 {
		return fmt.Errorf("%w: no route from %s to %s", ErrUnknownEndpoint, e.addr, msg.To)
	}
	var firstErr error
	for _, hop := range hops {
		if err := hop.enqueue(msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (e *Endpoint) enqueue(msg Message) error {
	select {
	case e.inbox <- msg:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	default:
	}

	timer := time.NewTimer(e.bus.opts.Timeout)
	defer timer.Stop()
	select {
	case e.inbox <- msg:
		return nil
	case <-e.ctx.Done():
		return ErrClosed
	case <-timer.C:
		e.logger.Warn().Str("type", string(msg.Type)).Msg("inbox full, message dropped")
		return fmt.Errorf("bus: inbox of %s full", e.addr)
	}
}

func (e *Endpoint) inboxLoop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case msg := <-e.inbox:
			e.route(msg)
		}
	}
}

func (e *Endpoint) route(msg Message) {
	if e.seen.Has(msg.ID) {
		e.logger.Debug().Str("type", string(msg.Type)).Str("id", msg.ID).Msg("duplicate dropped")
		return
	}
	e.seen.Set(msg.ID, struct{}{})

	if !msg.To.matches(e.addr) {
		if err := e.deliver(msg); err != nil {
			e.logger.Debug().Err(err).Str("type", string(msg.Type)).Msg("relay failed")
		}
		return
	}

	if msg.CorrelationID != "" {
		e.resolve(msg)
		return
	}

	e.workMu.Lock()
	e.work.PushBack(msg)
	e.workMu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Endpoint) resolve(msg Message) {
	var matched waiter
	found := false
	e.waiters.Compute(msg.CorrelationID, func(w waiter, loaded bool) (waiter, xsync.ComputeOp) {
		if !loaded {
			return w, xsync.CancelOp
		}
		if w.expect != msg.Type {
			return w, xsync.CancelOp
		}
		matched, found = w, true
		return w, xsync.DeleteOp
	})
	if !found {
		e.logger.Debug().Str("type", string(msg.Type)).Str("correlation_id", msg.CorrelationID).Msg("unmatched response dropped")
		return
	}
	matched.ch <- msg
}

func (e *Endpoint) handlerLoop() {
	defer e.wg.Done()
	for {
		e.workMu.Lock()
		var (
			msg Message
			ok  bool
		)
		if e.work.Len() > 0 {
			msg, ok = e.work.PopFront(), true
		}
		e.workMu.Unlock()

		if !ok {
			select {
			case <-e.ctx.Done():
				return
			case <-e.wake:
			}
			continue
		}
		select {
		case <-e.ctx.Done():
			return
		default:
		}
		e.dispatch(msg)
	}
}

func (e *Endpoint) dispatch(msg Message) {
	e.handlersMu.RLock()
	h := e.handlers[msg.Type]
	e.handlersMu.RUnlock()
	if h == nil {
		e.logger.Debug().Str("type", string(msg.Type)).Str("from", msg.From.String()).Msg("no handler")
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().Interface("panic", r).Str("type", string(msg.Type)).Msg("handler panicked")
		}
	}()
	h(e.ctx, msg)
}
