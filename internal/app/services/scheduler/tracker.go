package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
)

// Task status values as reported over the API.
const (
	StatusPending = "pending"
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// Status is the observable record of one recurring task. RunCount counts
// finished attempts, successful or failed; skipped wakeups touch neither
// counter.
type Status struct {
	TaskName       string     `json:"task_name"`
	StudentID      string     `json:"student"`
	Interval       int        `json:"interval_seconds"`
	LastRun        *time.Time `json:"last_run"`
	LastDurationMS int64      `json:"last_duration_ms"`
	LastStatus     string     `json:"last_status"`
	LastError      string     `json:"last_error,omitempty"`
	NextRun        time.Time  `json:"next_run"`
	RunCount       int        `json:"run_count"`
	ErrorCount     int        `json:"error_count"`
}

// Tracker keeps the status table for all scheduled tasks. It outlives
// scheduler restarts: Stop freezes the entries, removal deletes them.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*Status
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[string]*Status)}
}

func taskKey(studentID string, domain feed.Domain) string {
	return string(domain) + ":" + studentID
}

// Ensure creates the status entry for a task if it does not exist yet,
// due immediately.
func (t *Tracker) Ensure(studentID string, domain feed.Domain, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := taskKey(studentID, domain)
	if existing, ok := t.tasks[key]; ok {
		existing.Interval = int(interval / time.Second)
		return
	}
	t.tasks[key] = &Status{
		TaskName:   string(domain),
		StudentID:  studentID,
		Interval:   int(interval / time.Second),
		LastStatus: StatusPending,
		NextRun:    time.Now().UTC(),
	}
}

// SetInterval records a new interval; the running task picks it up at its
// next re-arm.
func (t *Tracker) SetInterval(studentID string, domain feed.Domain, interval time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if status, ok := t.tasks[taskKey(studentID, domain)]; ok {
		status.Interval = int(interval / time.Second)
	}
}

// Complete records a finished attempt. Errors bump both counters; the next
// run is re-armed one interval from completion either way.
func (t *Tracker) Complete(studentID string, domain feed.Domain, startedAt time.Time, duration, interval time.Duration, runErr error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.tasks[taskKey(studentID, domain)]
	if !ok {
		return
	}
	started := startedAt.UTC()
	status.LastRun = &started
	status.LastDurationMS = duration.Milliseconds()
	status.NextRun = time.Now().Add(interval).UTC()
	status.RunCount++
	if runErr != nil {
		status.ErrorCount++
		status.LastStatus = StatusError
		status.LastError = runErr.Error()
		return
	}
	status.LastStatus = StatusSuccess
	status.LastError = ""
}

// Skip records a wakeup that did no work. Only the status, reason, and next
// due time change. Returns true when the entry just transitioned into the
// skipped state.
func (t *Tracker) Skip(studentID string, domain feed.Domain, interval time.Duration, reason string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	status, ok := t.tasks[taskKey(studentID, domain)]
	if !ok {
		return false
	}
	transition := status.LastStatus != StatusSkipped
	status.LastStatus = StatusSkipped
	status.LastError = reason
	status.NextRun = time.Now().Add(interval).UTC()
	return transition
}

// Remove drops a task's status entry.
func (t *Tracker) Remove(studentID string, domain feed.Domain) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.tasks, taskKey(studentID, domain))
}

// Get returns a copy of one task's status.
func (t *Tracker) Get(studentID string, domain feed.Domain) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	status, ok := t.tasks[taskKey(studentID, domain)]
	if !ok {
		return Status{}, false
	}
	return *status, true
}

// List returns status copies sorted by student and task name.
func (t *Tracker) List() []Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Status, 0, len(t.tasks))
	for _, status := range t.tasks {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StudentID != out[j].StudentID {
			return out[i].StudentID < out[j].StudentID
		}
		return out[i].TaskName < out[j].TaskName
	})
	return out
}

// Len returns the number of tracked tasks.
func (t *Tracker) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.tasks)
}
