// Package eventlog provides the process-wide bounded journal of structured
// operational events. Components append entries explicitly; the buffer keeps
// the newest entries up to a fixed capacity and serves filtered, newest-first
// queries plus a live subscription feed.
package eventlog

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Category is the closed set of event sources.
type Category string

const (
	CategoryAuth        Category = "auth"
	CategoryTimetable   Category = "timetable"
	CategoryMarks       Category = "marks"
	CategoryMessages    Category = "messages"
	CategorySummary     Category = "summary"
	CategoryPreparation Category = "preparation"
	CategoryExternalDoc Category = "external-doc"
	CategoryScheduler   Category = "scheduler"
	CategoryConfig      Category = "config"
	CategorySystem      Category = "system"
)

// Level is the severity of an entry.
type Level string

const (
	LevelInfo    Level = "info"
	LevelWarning Level = "warning"
	LevelError   Level = "error"
)

const (
	// DefaultCapacity bounds the journal when no capacity is configured.
	DefaultCapacity = 2000
	// DefaultQueryLimit applies when a query does not set a limit.
	DefaultQueryLimit = 100

	subscriberBuffer = 64
)

// Entry is one immutable journal record.
type Entry struct {
	ID        string         `json:"id"`
	Time      time.Time      `json:"time"`
	Category  Category       `json:"category"`
	Level     Level          `json:"level"`
	Message   string         `json:"message"`
	StudentID string         `json:"student_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Filter selects entries in Query. Zero fields match everything.
type Filter struct {
	Category  Category
	Level     Level
	StudentID string
	Limit     int
	Offset    int
}

// Log is a fixed-capacity FIFO journal safe for concurrent producers and
// readers.
type Log struct {
	mu       sync.Mutex
	entries  []Entry
	capacity int
	subs     map[int]chan Entry
	nextSub  int
}

// New returns a journal bounded to the given capacity. Non-positive values
// fall back to DefaultCapacity.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{
		capacity: capacity,
		subs:     make(map[int]chan Entry),
	}
}

// Append records an entry, evicting the oldest one once the journal is full.
// Missing ID and Time fields are filled in.
func (l *Log) Append(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now().UTC()
	}

	l.mu.Lock()
	l.entries = append(l.entries, e)
	if len(l.entries) > l.capacity {
		l.entries = l.entries[len(l.entries)-l.capacity:]
	}
	for _, ch := range l.subs {
		select {
		case ch <- e:
		default:
			// Slow subscribers miss entries rather than stall producers.
		}
	}
	l.mu.Unlock()
}

// Query returns matching entries newest first, applying offset then limit.
// A non-positive limit falls back to DefaultQueryLimit.
func (l *Log) Query(f Filter) []Entry {
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, f.Limit)
	skipped := 0
	for i := len(l.entries) - 1; i >= 0 && len(out) < f.Limit; i-- {
		e := l.entries[i]
		if f.Category != "" && e.Category != f.Category {
			continue
		}
		if f.Level != "" && e.Level != f.Level {
			continue
		}
		if f.StudentID != "" && e.StudentID != f.StudentID {
			continue
		}
		if skipped < f.Offset {
			skipped++
			continue
		}
		out = append(out, e)
	}
	return out
}

// Count returns the number of retained entries.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// Categories returns the sorted set of categories currently present.
func (l *Log) Categories() []Category {
	l.mu.Lock()
	seen := make(map[Category]struct{})
	for _, e := range l.entries {
		seen[e.Category] = struct{}{}
	}
	l.mu.Unlock()

	out := make([]Category, 0, len(seen))
	for c := range seen {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Clear drops all retained entries. Subscriptions stay active.
func (l *Log) Clear() {
	l.mu.Lock()
	l.entries = nil
	l.mu.Unlock()
}

// Subscribe returns a feed of entries appended after the call and a cancel
// function releasing it. The feed drops entries if the receiver lags.
func (l *Log) Subscribe() (<-chan Entry, func()) {
	ch := make(chan Entry, subscriberBuffer)

	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()

	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

// AllCategories lists every valid category, for input validation.
func AllCategories() []Category {
	return []Category{
		CategoryAuth,
		CategoryTimetable,
		CategoryMarks,
		CategoryMessages,
		CategorySummary,
		CategoryPreparation,
		CategoryExternalDoc,
		CategoryScheduler,
		CategoryConfig,
		CategorySystem,
	}
}

// CategoryFor maps a feed domain name onto its journal category; the two
// share names by construction.
func CategoryFor(domain string) Category {
	for _, c := range AllCategories() {
		if string(c) == domain {
			return c
		}
	}
	return CategorySystem
}
