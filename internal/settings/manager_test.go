package settings

import (
	"context"
	"errors"
	"sync"
	"testing"
)

type memPersister struct {
	mu    sync.Mutex
	snap  *Snapshot
	saves int
	fail  error
}

func (p *memPersister) LoadSettings(context.Context) (Snapshot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.snap == nil {
		return Snapshot{}, ErrNoSettings
	}
	return *p.snap, nil
}

func (p *memPersister) SaveSettings(_ context.Context, s Snapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail != nil {
		return p.fail
	}
	p.snap = &s
	p.saves++
	return nil
}

func TestNewManager_PersistsDefaultsWhenEmpty(t *testing.T) {
	p := &memPersister{}
	m, err := NewManager(context.Background(), p)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if got := m.Current().Version; got != 1 {
		t.Fatalf("version = %d, want 1", got)
	}
	if p.saves != 1 {
		t.Fatalf("saves = %d, want 1", p.saves)
	}
}

func TestNewManager_LoadsStoredSnapshot(t *testing.T) {
	stored := Snapshot{Version: 7, Config: DefaultSessionConfig()}
	stored.Config.AnonymousModeEnabled = true
	m, err := NewManager(context.Background(), &memPersister{snap: &stored})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	cur := m.Current()
	if cur.Version != 7 || !cur.Config.AnonymousModeEnabled {
		t.Fatalf("Current() = %+v", cur)
	}
}

func TestManager_UpdateBumpsVersionAndNotifies(t *testing.T) {
	m, err := NewManager(context.Background(), &memPersister{})
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	var got []uint64
	unsubscribe := m.Subscribe(func(s Snapshot) { got = append(got, s.Version) })

	cfg := DefaultSessionConfig()
	cfg.PassportLevel = 1
	snap, err := m.Update(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Update: %v", err)
	}
	if snap.Version != 2 {
		t.Fatalf("version = %d, want 2", snap.Version)
	}

	unsubscribe()
	if _, err := m.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(got) != 1 || got[0] != 2 {
		t.Fatalf("notifications = %v, want [2]", got)
	}
	if m.Current().Version != 3 || m.Current().Config.PassportLevel != 0 {
		t.Fatalf("after reset: %+v", m.Current())
	}
}

func TestManager_UpdateRejectsInvalidAndPersistFailures(t *testing.T) {
	p := &memPersister{}
	m, err := NewManager(context.Background(), p)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	bad := DefaultSessionConfig()
	bad.PassportLevel = 5
	if _, err := m.Update(context.Background(), bad); !errors.Is(err, ErrInvalidSnapshot) {
		t.Fatalf("expected ErrInvalidSnapshot, got %v", err)
	}

	p.fail = errors.New("disk full")
	if _, err := m.Update(context.Background(), DefaultSessionConfig()); err == nil {
		t.Fatal("expected persist error")
	}
	if m.Current().Version != 1 {
		t.Fatalf("version advanced despite failure: %d", m.Current().Version)
	}
}
