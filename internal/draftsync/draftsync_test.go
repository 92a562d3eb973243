package draftsync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"permitline/internal/domain"
	"permitline/internal/draftsync"
)

type memStore struct {
	mu    sync.Mutex
	saves []domain.PermitDraft
}

func (s *memStore) Save(ctx context.Context, d domain.PermitDraft) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves = append(s.saves, d)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.saves)
}

type slowPusher struct {
	delay time.Duration
	err   error
	mu    sync.Mutex
	calls int
}

func (p *slowPusher) Push(ctx context.Context, d domain.PermitDraft) error {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	select {
	case <-time.After(p.delay):
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.err
}

type statusRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *statusRecorder) record(s string) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *statusRecorder) last() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.states) == 0 {
		return ""
	}
	return r.states[len(r.states)-1]
}

func nonEmptyDraft() domain.PermitDraft {
	return domain.PermitDraft{
		PermitNumber: "PTW-20240601-001",
		Description:  "replace damaged insulation on panel 3",
		SyncStatus:   domain.SyncPending,
	}
}

// A slow remote push must not delay or drop subsequent local writes.
func TestSlowPushDoesNotBlockLocalWrites(t *testing.T) {
	store := &memStore{}
	pusher := &slowPusher{delay: 5 * time.Second}
	c := &draftsync.Controller{
		Source: func() (domain.PermitDraft, bool) { return nonEmptyDraft(), true },
		Local:  store,
		Remote: pusher,
	}
	ctx := context.Background()
	start := time.Now()
	c.Tick(ctx)
	c.Tick(ctx)
	c.Tick(ctx)
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("ticks blocked on remote push: %v", elapsed)
	}
	if store.count() != 3 {
		t.Fatalf("expected 3 local writes, got %d", store.count())
	}
}

func TestFailedPushSetsOffline(t *testing.T) {
	store := &memStore{}
	rec := &statusRecorder{}
	c := &draftsync.Controller{
		Source:   func() (domain.PermitDraft, bool) { return nonEmptyDraft(), true },
		Local:    store,
		Remote:   &slowPusher{err: errors.New("connection refused")},
		OnStatus: rec.record,
	}
	c.Tick(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for rec.last() != domain.SyncOffline {
		if time.Now().After(deadline) {
			t.Fatalf("status never went offline, got %q", rec.last())
		}
		time.Sleep(10 * time.Millisecond)
	}
	if store.count() != 1 {
		t.Fatalf("local write should have happened, got %d", store.count())
	}
}

func TestSuccessfulPushSetsSynced(t *testing.T) {
	rec := &statusRecorder{}
	c := &draftsync.Controller{
		Source:   func() (domain.PermitDraft, bool) { return nonEmptyDraft(), true },
		Local:    &memStore{},
		Remote:   &slowPusher{},
		OnStatus: rec.record,
	}
	c.Tick(context.Background())
	deadline := time.Now().Add(2 * time.Second)
	for rec.last() != domain.SyncSynced {
		if time.Now().After(deadline) {
			t.Fatalf("status never synced, got %q", rec.last())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEmptyDraftSkipped(t *testing.T) {
	store := &memStore{}
	c := &draftsync.Controller{
		Source: func() (domain.PermitDraft, bool) {
			return domain.PermitDraft{PermitNumber: "PTW-20240601-002"}, true
		},
		Local: store,
	}
	c.Tick(context.Background())
	if store.count() != 0 {
		t.Fatalf("empty draft should not be persisted, got %d writes", store.count())
	}
}

func TestStopCancelsLoop(t *testing.T) {
	store := &memStore{}
	c := &draftsync.Controller{
		Interval: 10 * time.Millisecond,
		Source:   func() (domain.PermitDraft, bool) { return nonEmptyDraft(), true },
		Local:    store,
	}
	c.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	c.Stop()
	saved := store.count()
	if saved == 0 {
		t.Fatal("expected at least one autosave before stop")
	}
	time.Sleep(50 * time.Millisecond)
	if store.count() != saved {
		t.Fatal("autosave continued after stop")
	}
}
