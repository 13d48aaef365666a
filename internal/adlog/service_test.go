package adlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Resinat/streamguard/internal/state"
)

type memStore struct {
	mu      sync.Mutex
	entries []state.AdLogEntry
	cutoffs []time.Time
}

func (m *memStore) InsertAdLogBatch(_ context.Context, entries []state.AdLogEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, entries...)
	return len(entries), nil
}

func (m *memStore) PurgeAdLogBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cutoffs = append(m.cutoffs, cutoff)
	return 0, nil
}

func (m *memStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func TestService_StopDrainsQueue(t *testing.T) {
	store := &memStore{}
	svc := NewService(ServiceConfig{Store: store, QueueSize: 16, FlushBatch: 8, FlushInterval: time.Hour})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	for i := 0; i < 5; i++ {
		svc.Emit(Event{Channel: "alpha", Streak: i + 1, Outcome: OutcomeReplaced})
	}
	svc.Stop()

	if got := store.count(); got != 5 {
		t.Fatalf("flushed %d entries, want 5", got)
	}
	if store.entries[0].Outcome != "replaced" {
		t.Fatalf("outcome = %q", store.entries[0].Outcome)
	}
	if store.entries[0].DetectedAt.IsZero() {
		t.Fatal("DetectedAt not stamped")
	}
}

func TestService_FlushesOnBatchSize(t *testing.T) {
	store := &memStore{}
	svc := NewService(ServiceConfig{Store: store, QueueSize: 16, FlushBatch: 2, FlushInterval: time.Hour})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer svc.Stop()

	svc.Emit(Event{Channel: "a"})
	svc.Emit(Event{Channel: "b"})

	deadline := time.Now().Add(2 * time.Second)
	for store.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("batch not flushed, have %d", store.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestService_EmitDisabledDrops(t *testing.T) {
	store := &memStore{}
	svc := NewService(ServiceConfig{Store: store, Enabled: func() bool { return false }})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	svc.Emit(Event{Channel: "alpha"})
	svc.Stop()
	if got := store.count(); got != 0 {
		t.Fatalf("entries = %d, want 0", got)
	}
}

func TestService_EmitDropsOnOverflow(t *testing.T) {
	store := &memStore{}
	svc := NewService(ServiceConfig{Store: store, QueueSize: 1, FlushBatch: 1})
	// Not started: the queue holds one event and the second is dropped.
	svc.Emit(Event{Channel: "a"})
	svc.Emit(Event{Channel: "b"})
	if len(svc.queue) != 1 {
		t.Fatalf("queue len = %d, want 1", len(svc.queue))
	}
}

func TestService_PurgeUsesRetention(t *testing.T) {
	store := &memStore{}
	svc := NewService(ServiceConfig{Store: store, Retention: time.Hour})
	now := time.Unix(10_000, 0)
	svc.now = func() time.Time { return now }

	svc.Purge(context.Background())
	if len(store.cutoffs) != 1 || !store.cutoffs[0].Equal(now.Add(-time.Hour)) {
		t.Fatalf("cutoffs = %v", store.cutoffs)
	}
}

func TestService_StartRejectsBadSchedule(t *testing.T) {
	svc := NewService(ServiceConfig{Store: &memStore{}, Retention: time.Hour, PurgeSchedule: "nope"})
	if err := svc.Start(); err == nil {
		t.Fatal("expected schedule error")
	}
}
