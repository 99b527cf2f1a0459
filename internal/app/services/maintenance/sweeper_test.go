package maintenance

import (
	"context"
	"testing"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/cache"
)

func TestSweepRemovesExpiredEntries(t *testing.T) {
	store := cache.NewMemory()
	ctx := context.Background()

	if err := store.Set(ctx, "stale", []byte("x"), 10*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := store.Set(ctx, "fresh", []byte("y"), time.Hour); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sweeper, err := New(Config{Cache: store})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	time.Sleep(30 * time.Millisecond)
	sweeper.Sweep()

	if n, _ := store.Len(ctx); n != 1 {
		t.Fatalf("Len = %d after sweep, want 1", n)
	}
	if _, ok, _ := store.Get(ctx, "fresh"); !ok {
		t.Fatal("the fresh entry must survive the sweep")
	}
}

func TestSweeperLifecycle(t *testing.T) {
	store := cache.NewMemory()
	ctx := context.Background()

	if err := store.Set(ctx, "stale", []byte("x"), 5*time.Millisecond); err != nil {
		t.Fatalf("Set: %v", err)
	}

	sweeper, err := New(Config{Cache: store, Schedule: "@every 25ms"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := sweeper.Start(ctx); err != nil {
		t.Fatalf("second Start should be a no-op, got %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if n, _ := store.Len(ctx); n == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("the scheduled sweep never removed the stale entry")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("second Stop should be a no-op, got %v", err)
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	sweeper, err := New(Config{Cache: cache.NewMemory(), Schedule: "not a schedule"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := sweeper.Start(context.Background()); err == nil {
		t.Fatal("expected the malformed schedule to be rejected")
	}
}
