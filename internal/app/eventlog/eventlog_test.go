package eventlog

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestAppendBound(t *testing.T) {
	const capacity = 2000
	log := New(capacity)

	for i := 0; i < capacity+5; i++ {
		log.Append(Entry{
			Category: CategoryScheduler,
			Level:    LevelInfo,
			Message:  fmt.Sprintf("entry %d", i),
		})
	}

	if got := log.Count(); got != capacity {
		t.Fatalf("count = %d, want %d", got, capacity)
	}

	// Oldest five entries must be gone; the oldest survivor is entry 5.
	all := log.Query(Filter{Limit: capacity})
	if len(all) != capacity {
		t.Fatalf("query returned %d entries, want %d", len(all), capacity)
	}
	if got := all[len(all)-1].Message; got != "entry 5" {
		t.Fatalf("oldest retained = %q, want %q", got, "entry 5")
	}
	if got := all[0].Message; got != fmt.Sprintf("entry %d", capacity+4) {
		t.Fatalf("newest retained = %q", got)
	}
}

func TestQueryNewestFirstWithFilters(t *testing.T) {
	log := New(10)
	log.Append(Entry{Category: CategoryAuth, Level: LevelError, StudentID: "ana", Message: "refresh rejected"})
	log.Append(Entry{Category: CategoryScheduler, Level: LevelInfo, StudentID: "ana", Message: "task ok"})
	log.Append(Entry{Category: CategoryScheduler, Level: LevelInfo, StudentID: "ben", Message: "task ok"})
	log.Append(Entry{Category: CategoryScheduler, Level: LevelError, StudentID: "ana", Message: "task failed"})

	got := log.Query(Filter{Category: CategoryScheduler, StudentID: "ana"})
	if len(got) != 2 {
		t.Fatalf("filtered query returned %d entries, want 2", len(got))
	}
	if got[0].Message != "task failed" || got[1].Message != "task ok" {
		t.Fatalf("unexpected order: %q, %q", got[0].Message, got[1].Message)
	}

	if got := log.Query(Filter{Level: LevelError}); len(got) != 2 {
		t.Fatalf("level filter returned %d entries, want 2", len(got))
	}

	if got := log.Query(Filter{Limit: 1, Offset: 1}); len(got) != 1 || got[0].Message != "task ok" {
		t.Fatalf("offset query mismatch: %+v", got)
	}
}

func TestAppendFillsDefaults(t *testing.T) {
	log := New(10)
	log.Append(Entry{Category: CategorySystem, Level: LevelInfo, Message: "started"})

	got := log.Query(Filter{})
	if len(got) != 1 {
		t.Fatalf("expected one entry, got %d", len(got))
	}
	if got[0].ID == "" {
		t.Fatal("entry id should be assigned")
	}
	if got[0].Time.IsZero() {
		t.Fatal("entry time should be assigned")
	}
}

func TestCategoriesSeen(t *testing.T) {
	log := New(10)
	log.Append(Entry{Category: CategoryScheduler, Level: LevelInfo})
	log.Append(Entry{Category: CategoryAuth, Level: LevelInfo})
	log.Append(Entry{Category: CategoryAuth, Level: LevelError})

	got := log.Categories()
	if len(got) != 2 || got[0] != CategoryAuth || got[1] != CategoryScheduler {
		t.Fatalf("categories = %v", got)
	}
}

func TestClear(t *testing.T) {
	log := New(10)
	log.Append(Entry{Category: CategorySystem, Level: LevelInfo})
	log.Clear()
	if got := log.Count(); got != 0 {
		t.Fatalf("count after clear = %d", got)
	}
}

func TestConcurrentAppendAndQuery(t *testing.T) {
	log := New(100)

	var wg sync.WaitGroup
	for p := 0; p < 8; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				log.Append(Entry{
					Category:  CategoryScheduler,
					Level:     LevelInfo,
					StudentID: fmt.Sprintf("s%d", p),
				})
			}
		}(p)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			entries := log.Query(Filter{Limit: 100})
			if len(entries) > 100 {
				t.Errorf("query returned %d entries, capacity is 100", len(entries))
				return
			}
			for _, e := range entries {
				if e.ID == "" || e.Time.IsZero() {
					t.Error("observed partially appended entry")
					return
				}
			}
		}
	}()

	wg.Wait()
	<-done

	if got := log.Count(); got != 100 {
		t.Fatalf("count = %d, want capacity 100", got)
	}
}

func TestSubscribe(t *testing.T) {
	log := New(10)
	feed, cancel := log.Subscribe()
	defer cancel()

	log.Append(Entry{Category: CategoryConfig, Level: LevelInfo, Message: "reloaded"})

	select {
	case e := <-feed:
		if e.Message != "reloaded" {
			t.Fatalf("unexpected entry %q", e.Message)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive entry")
	}

	cancel()
	if _, ok := <-feed; ok {
		t.Fatal("feed should be closed after cancel")
	}
}

func TestCategoryFor(t *testing.T) {
	if got := CategoryFor("messages"); got != CategoryMessages {
		t.Fatalf("CategoryFor messages = %q", got)
	}
	if got := CategoryFor("unknown"); got != CategorySystem {
		t.Fatalf("CategoryFor unknown = %q", got)
	}
}
