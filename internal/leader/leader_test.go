package leader

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStore_AcquireRenewExpire(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(func() time.Time { return now })

	l, ok, err := s.Acquire(ctx, "watcher/1", "a", 10*time.Second)
	if err != nil || !ok || l.Holder != "a" {
		t.Fatalf("Acquire a: lease=%+v ok=%v err=%v", l, ok, err)
	}

	l, ok, err = s.Acquire(ctx, "watcher/1", "b", 10*time.Second)
	if err != nil || ok || l.Holder != "a" {
		t.Fatalf("Acquire b while held: lease=%+v ok=%v err=%v", l, ok, err)
	}

	now = now.Add(5 * time.Second)
	l, ok, err = s.Acquire(ctx, "watcher/1", "a", 10*time.Second)
	if err != nil || !ok || !l.ExpiresAt.Equal(now.Add(10*time.Second)) {
		t.Fatalf("renew a: lease=%+v ok=%v err=%v", l, ok, err)
	}

	now = now.Add(10 * time.Second)
	if _, ok, err := s.Acquire(ctx, "watcher/1", "b", 10*time.Second); err != nil || !ok {
		t.Fatalf("Acquire b after expiry: ok=%v err=%v", ok, err)
	}

	if err := s.Release(ctx, "watcher/1", "a"); !errors.Is(err, ErrNotHolder) {
		t.Fatalf("Release by non-holder: got %v want ErrNotHolder", err)
	}
	if err := s.Release(ctx, "watcher/1", "b"); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := s.Release(ctx, "watcher/1", "b"); err != nil {
		t.Fatalf("Release absent: %v", err)
	}

	if _, _, err := s.Acquire(ctx, "", "a", time.Second); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty name: got %v want ErrInvalidInput", err)
	}
	if _, _, err := s.Acquire(ctx, "x", "a", 0); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("zero ttl: got %v want ErrInvalidInput", err)
	}
}

type failingStore struct{ err error }

func (f failingStore) Acquire(context.Context, string, string, time.Duration) (Lease, bool, error) {
	return Lease{}, false, f.err
}

func (f failingStore) Release(context.Context, string, string) error { return f.err }

func TestElector_TracksLeadership(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	s := NewMemoryStore(func() time.Time { return now })

	a, err := NewElector(s, "watcher/8453", "a", 30*time.Second, nil)
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}
	b, err := NewElector(s, "watcher/8453", "b", 30*time.Second, nil)
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}

	if ok, err := a.Tick(ctx); err != nil || !ok || !a.Leader() {
		t.Fatalf("a.Tick: ok=%v err=%v", ok, err)
	}
	if ok, err := b.Tick(ctx); err != nil || ok || b.Leader() {
		t.Fatalf("b.Tick: ok=%v err=%v", ok, err)
	}

	if err := a.Release(ctx); err != nil {
		t.Fatalf("a.Release: %v", err)
	}
	if a.Leader() {
		t.Fatalf("a still leader after release")
	}
	if ok, err := b.Tick(ctx); err != nil || !ok {
		t.Fatalf("b.Tick after release: ok=%v err=%v", ok, err)
	}
	if ok, _ := a.Tick(ctx); ok {
		t.Fatalf("a.Tick: took lease held by b")
	}
}

func TestElector_StoreErrorDropsLeadership(t *testing.T) {
	t.Parallel()

	boom := errors.New("db down")
	e, err := NewElector(failingStore{err: boom}, "watcher/1", "a", time.Second, nil)
	if err != nil {
		t.Fatalf("NewElector: %v", err)
	}
	e.held.Store(true)
	if ok, err := e.Tick(context.Background()); ok || !errors.Is(err, boom) {
		t.Fatalf("Tick: ok=%v err=%v", ok, err)
	}
	if e.Leader() {
		t.Fatalf("leader after store error")
	}
	if err := e.Release(context.Background()); err != nil {
		t.Fatalf("Release when not held: %v", err)
	}
}

func TestNewElector_Validation(t *testing.T) {
	t.Parallel()

	s := NewMemoryStore(nil)
	if _, err := NewElector(nil, "x", "a", time.Second, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("nil store: got %v", err)
	}
	if _, err := NewElector(s, "x", "", time.Second, nil); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty holder: got %v", err)
	}
}
