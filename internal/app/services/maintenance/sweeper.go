// Package maintenance runs periodic housekeeping: sweeping expired cache
// entries and refreshing the journal and cache gauges.
package maintenance

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/bakaboard/sync_layer/internal/app/cache"
	"github.com/bakaboard/sync_layer/internal/app/eventlog"
	"github.com/bakaboard/sync_layer/internal/app/metrics"
	"github.com/bakaboard/sync_layer/internal/app/system"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// DefaultSchedule is how often housekeeping runs.
const DefaultSchedule = "@every 5m"

var _ system.Service = (*Sweeper)(nil)

// Config wires the sweeper's collaborators.
type Config struct {
	Cache cache.Store
	// Journal is optional; when set, sweep failures are journaled and the
	// journal gauge is refreshed.
	Journal *eventlog.Log
	// Schedule is a cron expression; empty means DefaultSchedule.
	Schedule string
	Logger   *logger.Logger
}

// Sweeper is the lifecycle-managed housekeeping job.
type Sweeper struct {
	cache    cache.Store
	journal  *eventlog.Log
	schedule string
	log      *logger.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New validates the configuration and returns a stopped sweeper.
func New(cfg Config) (*Sweeper, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("cache store is required")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("maintenance")
	}
	return &Sweeper{
		cache:    cfg.Cache,
		journal:  cfg.Journal,
		schedule: schedule,
		log:      log,
	}, nil
}

// Name implements system.Service.
func (s *Sweeper) Name() string { return "maintenance" }

// Start schedules the housekeeping job. Idempotent while running.
func (s *Sweeper) Start(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.schedule, s.Sweep); err != nil {
		return fmt.Errorf("parse maintenance schedule %q: %w", s.schedule, err)
	}
	c.Start()
	s.cron = c
	s.running = true
	s.log.WithField("schedule", s.schedule).Info("maintenance started")
	return nil
}

// Stop halts the schedule and waits for a running sweep, bounded by ctx.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	s.log.Info("maintenance stopped")
	return nil
}

// Sweep runs one housekeeping pass immediately.
func (s *Sweeper) Sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	removed, err := s.cache.SweepExpired(ctx)
	if err != nil {
		s.log.WithError(err).Warn("cache sweep failed")
		if s.journal != nil {
			s.journal.Append(eventlog.Entry{
				Category: eventlog.CategorySystem,
				Level:    eventlog.LevelError,
				Message:  fmt.Sprintf("cache sweep failed: %v", err),
			})
		}
		return
	}
	if removed > 0 {
		s.log.WithField("removed", removed).Debugf("swept expired cache entries")
	}

	if length, err := s.cache.Len(ctx); err == nil {
		metrics.SetCacheEntries(length)
	}
	if s.journal != nil {
		metrics.SetJournalEntries(s.journal.Count())
	}
}
