package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/services/students"
)

// Fetcher produces one feed domain's payload for one student. Returning
// feed.ErrNotReady (wrapped or bare) reschedules the task without counting
// a run; any other error counts as a failed run.
type Fetcher interface {
	Fetch(ctx context.Context, sc *students.Context) (any, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, sc *students.Context) (any, error)

// Fetch calls f.
func (f FetcherFunc) Fetch(ctx context.Context, sc *students.Context) (any, error) {
	return f(ctx, sc)
}

// TaskSpec declares one recurring task: fetch a domain for a student every
// interval.
type TaskSpec struct {
	StudentID string
	Domain    feed.Domain
	Interval  time.Duration
	Fetcher   Fetcher
}

func (s TaskSpec) key() string {
	return taskKey(s.StudentID, s.Domain)
}

func (s TaskSpec) validate() error {
	if s.StudentID == "" {
		return fmt.Errorf("task %s: student id is required", s.Domain)
	}
	if _, err := feed.Parse(string(s.Domain)); err != nil {
		return fmt.Errorf("task for %s: %w", s.StudentID, err)
	}
	if s.Interval <= 0 {
		return fmt.Errorf("task %s: interval must be positive", s.key())
	}
	if s.Fetcher == nil {
		return fmt.Errorf("task %s: fetcher is required", s.key())
	}
	return nil
}
