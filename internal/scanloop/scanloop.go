// Package scanloop runs periodic housekeeping sweeps at a jittered cadence.
package scanloop

import (
	"context"
	"math/rand/v2"
	"time"
)

// Cadence is a sweep interval of Min plus a random share of Jitter.
type Cadence struct {
	Min    time.Duration
	Jitter time.Duration
}

// Housekeeping is the cadence shared by the challenge and viewer sweeps.
var Housekeeping = Cadence{Min: 13 * time.Second, Jitter: 4 * time.Second}

func (c Cadence) next() time.Duration {
	d := max(c.Min, time.Second)
	if c.Jitter > 0 {
		d += rand.N(c.Jitter)
	}
	return d
}

// Run calls fn once per cadence interval until ctx is done. The first call
// happens one interval after Run starts.
func Run(ctx context.Context, c Cadence, fn func()) {
	for {
		t := time.NewTimer(c.next())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		fn()
	}
}

// Go starts Run on its own goroutine. The returned stop cancels the loop and
// waits for an in-flight fn to return.
func Go(c Cadence, fn func()) (stop func()) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, c, fn)
	}()
	return func() {
		cancel()
		<-done
	}
}
