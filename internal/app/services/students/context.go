// Package students owns the per-student runtime state: one auth session and
// API client per configured student, the latest snapshot per feed domain,
// and the registry that reconciles the running set against configuration.
package students

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/domain/student"
	"github.com/bakaboard/sync_layer/internal/app/eventlog"
	"github.com/bakaboard/sync_layer/internal/schoolapi"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// ContextConfig carries everything needed to stand up one student's API
// access.
type ContextConfig struct {
	Student    student.Student
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

// Context is one student's runtime state. Snapshots are the most recent
// successful fetch per domain; sync tasks read recent inputs from here
// instead of re-fetching.
type Context struct {
	session *schoolapi.Session
	client  *schoolapi.Client

	mu      sync.RWMutex
	student student.Student
	data    map[feed.Domain]*feed.Snapshot
}

// NewContext validates the student and builds their session and client.
// No network traffic happens until the first fetch.
func NewContext(cfg ContextConfig) (*Context, error) {
	if err := cfg.Student.Validate(); err != nil {
		return nil, fmt.Errorf("student %q: %w", cfg.Student.ID, err)
	}

	session, err := schoolapi.NewSession(schoolapi.SessionConfig{
		BaseURL:    cfg.BaseURL,
		ClientID:   cfg.ClientID,
		StudentID:  cfg.Student.ID,
		Username:   cfg.Student.Username,
		Password:   cfg.Student.Password,
		ExpirySkew: cfg.ExpirySkew,
		Timeout:    cfg.Timeout,
		HTTPClient: cfg.HTTPClient,
		Journal:    cfg.Journal,
		Logger:     cfg.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("student %q: %w", cfg.Student.ID, err)
	}

	client, err := schoolapi.NewClient(schoolapi.ClientConfig{
		BaseURL:    cfg.BaseURL,
		Session:    session,
		Timeout:    cfg.Timeout,
		RateLimit:  cfg.RateLimit,
		RateBurst:  cfg.RateBurst,
		HTTPClient: cfg.HTTPClient,
		Logger:     cfg.Logger,
	})
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("student %q: %w", cfg.Student.ID, err)
	}

	return &Context{
		session: session,
		client:  client,
		student: cfg.Student,
		data:    make(map[feed.Domain]*feed.Snapshot),
	}, nil
}

// ID returns the student identifier.
func (c *Context) ID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.student.ID
}

// Student returns a copy of the student record.
func (c *Context) Student() student.Student {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.student
}

// Session returns the student's auth session.
func (c *Context) Session() *schoolapi.Session { return c.session }

// Client returns the student's API client.
func (c *Context) Client() *schoolapi.Client { return c.client }

// Update stores payload as the latest snapshot for the domain and returns
// the stored snapshot.
func (c *Context) Update(domain feed.Domain, payload any) *feed.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := &feed.Snapshot{
		StudentID: c.student.ID,
		Domain:    domain,
		Payload:   payload,
		FetchedAt: time.Now().UTC(),
	}
	c.data[domain] = snap
	return snap
}

// Snapshot returns the latest snapshot for the domain, if any.
func (c *Context) Snapshot(domain feed.Domain) (*feed.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.data[domain]
	return snap, ok
}

// Snapshots returns a copy of the snapshot map.
func (c *Context) Snapshots() map[feed.Domain]*feed.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[feed.Domain]*feed.Snapshot, len(c.data))
	for d, s := range c.data {
		out[d] = s
	}
	return out
}

// applyStudent absorbs a configuration change for the same student ID.
// A username or password change resets the session with the new
// credentials; everything else is just recorded.
func (c *Context) applyStudent(next student.Student) bool {
	c.mu.Lock()
	changed := next.Username != c.student.Username || next.Password != c.student.Password
	c.student = next
	c.mu.Unlock()

	if changed {
		c.session.SetCredentials(next.Username, next.Password)
	}
	return changed
}

// Close releases the session. Snapshots stay readable; fetches through the
// closed session fail.
func (c *Context) Close() {
	c.session.Close()
}
