package students

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/student"
	"github.com/bakaboard/sync_layer/internal/app/eventlog"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// RegistryConfig carries the shared settings applied to every student
// context the registry creates.
type RegistryConfig struct {
	BaseURL    string
	ClientID   string
	RateLimit  float64
	RateBurst  int
	Timeout    time.Duration
	ExpirySkew time.Duration
	HTTPClient *http.Client
	Journal    *eventlog.Log
	Logger     *logger.Logger
}

// Registry holds the running student contexts and reconciles them against
// the configured student list.
type Registry struct {
	cfg     RegistryConfig
	journal *eventlog.Log
	log     *logger.Logger

	mu       sync.RWMutex
	contexts map[string]*Context
}

// NewRegistry returns an empty registry; Reconcile populates it.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("students")
	}
	return &Registry{
		cfg:      cfg,
		journal:  cfg.Journal,
		log:      log,
		contexts: make(map[string]*Context),
	}, nil
}

// Get returns the context for a student ID.
func (r *Registry) Get(id string) (*Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ctx, ok := r.contexts[id]
	return ctx, ok
}

// List returns the running contexts sorted by student ID.
func (r *Registry) List() []*Context {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Context, 0, len(r.contexts))
	for _, ctx := range r.contexts {
		out = append(out, ctx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of running contexts.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.contexts)
}

// Reconcile diffs the desired student list against the running set.
// New students get fresh contexts; students with changed credentials keep
// their context but the session restarts with the new login; vanished
// students are detached and returned so the caller can unwire their tasks
// before closing them. Invalid entries are skipped and reported in the
// joined error; the rest of the list still applies.
func (r *Registry) Reconcile(desired []student.Student) (added, removed []*Context, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	seen := make(map[string]bool, len(desired))

	for _, s := range desired {
		if seen[s.ID] {
			r.log.WithField("student", s.ID).Warnf("duplicate student id in configuration, keeping the first entry")
			continue
		}
		seen[s.ID] = true

		if existing, ok := r.contexts[s.ID]; ok {
			if existing.applyStudent(s) {
				r.log.WithField("student", s.ID).Infof("credentials updated")
				r.journalEntry(eventlog.LevelInfo, s.ID, "credentials updated from configuration")
			}
			continue
		}

		cfg := ContextConfig{
			Student:    s,
			BaseURL:    r.cfg.BaseURL,
			ClientID:   r.cfg.ClientID,
			RateLimit:  r.cfg.RateLimit,
			RateBurst:  r.cfg.RateBurst,
			Timeout:    r.cfg.Timeout,
			ExpirySkew: r.cfg.ExpirySkew,
			HTTPClient: r.cfg.HTTPClient,
			Journal:    r.cfg.Journal,
			Logger:     r.cfg.Logger,
		}
		ctx, cerr := NewContext(cfg)
		if cerr != nil {
			errs = append(errs, cerr)
			r.journalEntry(eventlog.LevelError, s.ID, fmt.Sprintf("student skipped: %v", cerr))
			continue
		}
		r.contexts[s.ID] = ctx
		added = append(added, ctx)
		r.log.WithField("student", s.ID).Infof("student added")
	}

	for id, ctx := range r.contexts {
		if seen[id] {
			continue
		}
		delete(r.contexts, id)
		removed = append(removed, ctx)
		r.log.WithField("student", id).Infof("student removed")
		r.journalEntry(eventlog.LevelInfo, id, "student removed from configuration")
	}

	return added, removed, errors.Join(errs...)
}

// Close closes every running context. Used at shutdown, after the
// scheduler has stopped.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, ctx := range r.contexts {
		ctx.Close()
		delete(r.contexts, id)
	}
}

func (r *Registry) journalEntry(level eventlog.Level, studentID, message string) {
	if r.journal == nil {
		return
	}
	r.journal.Append(eventlog.Entry{
		Category:  eventlog.CategoryConfig,
		Level:     level,
		Message:   message,
		StudentID: studentID,
	})
}
