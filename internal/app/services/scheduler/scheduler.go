// Package scheduler runs the recurring per-student sync tasks. Every task
// owns one goroutine, so runs of the same task never overlap while distinct
// tasks proceed in parallel. Completed source fetches kick the derived
// feeds that consume them through a one-level trigger table.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/cache"
	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/eventlog"
	"github.com/bakaboard/sync_layer/internal/app/metrics"
	"github.com/bakaboard/sync_layer/internal/app/services/students"
	"github.com/bakaboard/sync_layer/internal/app/system"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// DefaultTriggers wires derived feeds to their inputs: fresh messages kick
// the summary and the preparation digest, a fresh timetable kicks the
// preparation digest. Triggered runs do not fire further triggers.
func DefaultTriggers() map[feed.Domain][]feed.Domain {
	return map[feed.Domain][]feed.Domain{
		feed.DomainMessages:  {feed.DomainSummary, feed.DomainPreparation},
		feed.DomainTimetable: {feed.DomainPreparation},
	}
}

// Config wires the scheduler's collaborators.
type Config struct {
	Registry *students.Registry
	Cache    cache.Store
	Journal  *eventlog.Log
	Tracker  *Tracker
	// Triggers overrides DefaultTriggers when non-nil.
	Triggers map[feed.Domain][]feed.Domain
	Logger   *logger.Logger
}

// Scheduler owns the task goroutines. Apply declares the desired task set
// and may be called before or during operation; Start and Stop bound the
// running period.
type Scheduler struct {
	registry *students.Registry
	cache    cache.Store
	journal  *eventlog.Log
	tracker  *Tracker
	triggers map[feed.Domain][]feed.Domain
	log      *logger.Logger

	mu      sync.Mutex
	running bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	specs   map[string]TaskSpec
	tasks   map[string]*task
}

type task struct {
	mu   sync.Mutex
	spec TaskSpec

	kick   chan string
	cancel context.CancelFunc
	done   chan struct{}
}

func (t *task) currentSpec() TaskSpec {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.spec
}

func (t *task) setSpec(spec TaskSpec) {
	t.mu.Lock()
	t.spec = spec
	t.mu.Unlock()
}

var _ system.Service = (*Scheduler)(nil)

// New builds a scheduler; call Apply to declare tasks and Start to run them.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("student registry is required")
	}
	tracker := cfg.Tracker
	if tracker == nil {
		tracker = NewTracker()
	}
	triggers := cfg.Triggers
	if triggers == nil {
		triggers = DefaultTriggers()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("scheduler")
	}
	return &Scheduler{
		registry: cfg.Registry,
		cache:    cfg.Cache,
		journal:  cfg.Journal,
		tracker:  tracker,
		triggers: triggers,
		log:      log,
		specs:    make(map[string]TaskSpec),
		tasks:    make(map[string]*task),
	}, nil
}

// Tracker returns the status table.
func (s *Scheduler) Tracker() *Tracker { return s.tracker }

// Running reports whether Start has been called without a matching Stop.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Name implements system.Service.
func (s *Scheduler) Name() string { return "scheduler" }

// Apply declares the desired task set. Missing tasks are started (when
// running), vanished tasks are stopped and their status dropped, and
// interval or fetcher changes on surviving tasks take effect at the next
// re-arm. The whole batch is validated before anything changes.
func (s *Scheduler) Apply(specs []TaskSpec) error {
	desired := make(map[string]TaskSpec, len(specs))
	for _, spec := range specs {
		if err := spec.validate(); err != nil {
			return err
		}
		if _, dup := desired[spec.key()]; dup {
			return fmt.Errorf("duplicate task %s", spec.key())
		}
		desired[spec.key()] = spec
	}

	s.mu.Lock()
	current := s.specs
	s.specs = desired

	var dropped []TaskSpec
	for key, spec := range current {
		if _, keep := desired[key]; !keep {
			dropped = append(dropped, spec)
		}
	}

	for key, spec := range desired {
		if _, existed := current[key]; existed {
			s.tracker.Ensure(spec.StudentID, spec.Domain, spec.Interval)
			if t, ok := s.tasks[key]; ok {
				t.setSpec(spec)
			}
			continue
		}
		s.tracker.Ensure(spec.StudentID, spec.Domain, spec.Interval)
		if s.running {
			s.startTaskLocked(spec)
		}
	}
	s.mu.Unlock()

	for _, spec := range dropped {
		s.stopTask(spec.key())
		s.tracker.Remove(spec.StudentID, spec.Domain)
	}
	return nil
}

// Kick requests an immediate run of one task, as if its timer had fired. A
// kick on a task that already has one pending coalesces. It reports whether
// the task is currently running.
func (s *Scheduler) Kick(studentID string, domain feed.Domain) bool {
	s.mu.Lock()
	t, ok := s.tasks[taskKey(studentID, domain)]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case t.kick <- "":
	default:
	}
	return true
}

// Start launches one goroutine per declared task; each runs its task
// immediately and then on its interval. Idempotent while running.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	s.runCtx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, spec := range s.specs {
		s.startTaskLocked(spec)
	}
	s.log.WithField("tasks", len(s.tasks)).Info("scheduler started")
	s.journalSystem(eventlog.LevelInfo, fmt.Sprintf("scheduler started with %d tasks", len(s.tasks)))
	return nil
}

// Stop cancels every task and waits for in-flight runs to finish, bounded
// by ctx. Status entries stay frozen for inspection.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.mu.Lock()
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	s.log.Info("scheduler stopped")
	s.journalSystem(eventlog.LevelInfo, "scheduler stopped")
	return nil
}

// startTaskLocked spawns the task goroutine; the caller holds s.mu and has
// verified the scheduler is running.
func (s *Scheduler) startTaskLocked(spec TaskSpec) {
	ctx, cancel := context.WithCancel(s.runCtx)
	t := &task{
		spec:   spec,
		kick:   make(chan string, 1),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	s.tasks[spec.key()] = t
	s.wg.Add(1)
	go s.run(ctx, t)
}

// stopTask detaches the task and waits for its goroutine to exit.
func (s *Scheduler) stopTask(key string) {
	s.mu.Lock()
	t, ok := s.tasks[key]
	if ok {
		delete(s.tasks, key)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

func (s *Scheduler) run(ctx context.Context, t *task) {
	defer s.wg.Done()
	defer close(t.done)

	// Fires immediately: the first run happens at startup, not one
	// interval later.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		triggeredBy := ""
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case src := <-t.kick:
			triggeredBy = src
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		s.runOnce(ctx, t, triggeredBy)

		timer.Reset(t.currentSpec().Interval)
	}
}

// runOnce executes one attempt. Runs aborted by cancellation record
// nothing; a missing student, an invalid session, or missing derived
// inputs reschedule without counting a run.
func (s *Scheduler) runOnce(ctx context.Context, t *task, triggeredBy string) {
	spec := t.currentSpec()
	domain := string(spec.Domain)

	sc, ok := s.registry.Get(spec.StudentID)
	if !ok {
		s.tracker.Skip(spec.StudentID, spec.Domain, spec.Interval, "student not registered")
		return
	}

	if sc.Session().Invalid() {
		if s.tracker.Skip(spec.StudentID, spec.Domain, spec.Interval, "session invalid, waiting for new credentials") {
			s.journalTask(spec, eventlog.LevelWarning, domain+" sync paused: session invalid", nil)
		}
		metrics.RecordTaskRun(domain, StatusSkipped, 0)
		return
	}

	start := time.Now()
	payload, err := spec.Fetcher.Fetch(ctx, sc)
	duration := time.Since(start)

	if ctx.Err() != nil {
		return
	}

	if errors.Is(err, feed.ErrNotReady) {
		if s.tracker.Skip(spec.StudentID, spec.Domain, spec.Interval, "required inputs not fetched yet") {
			s.journalTask(spec, eventlog.LevelInfo, domain+" waiting for input feeds", nil)
		}
		metrics.RecordTaskRun(domain, StatusSkipped, duration)
		return
	}

	if err != nil {
		s.tracker.Complete(spec.StudentID, spec.Domain, start, duration, spec.Interval, err)
		metrics.RecordTaskRun(domain, StatusError, duration)
		s.log.WithError(err).
			WithField("student", spec.StudentID).
			WithField("task", domain).
			Warn("sync task failed")
		s.journalTask(spec, eventlog.LevelError, fmt.Sprintf("%s sync failed: %v", domain, err), nil)
		return
	}

	snap := sc.Update(spec.Domain, payload)
	if s.cache != nil {
		key := feed.CacheKey(spec.StudentID, spec.Domain)
		if cerr := cache.SetJSON(ctx, s.cache, key, snap, 2*spec.Interval); cerr != nil {
			s.log.WithError(cerr).WithField("key", key).Warn("snapshot cache write failed")
		}
	}

	s.tracker.Complete(spec.StudentID, spec.Domain, start, duration, spec.Interval, nil)
	metrics.RecordTaskRun(domain, StatusSuccess, duration)

	details := map[string]any{"duration_ms": duration.Milliseconds()}
	if triggeredBy != "" {
		details["triggered_by"] = triggeredBy
	}
	s.log.WithField("student", spec.StudentID).
		WithField("task", domain).
		Debugf("sync task finished in %s", duration.Round(time.Millisecond))
	s.journalTask(spec, eventlog.LevelInfo, domain+" synced", details)

	if triggeredBy == "" {
		s.fireTriggers(spec)
	}
}

// fireTriggers kicks the derived tasks fed by this domain for the same
// student. A kick on a task that already has one pending coalesces.
func (s *Scheduler) fireTriggers(spec TaskSpec) {
	for _, target := range s.triggers[spec.Domain] {
		key := taskKey(spec.StudentID, target)
		s.mu.Lock()
		t, ok := s.tasks[key]
		s.mu.Unlock()
		if !ok {
			continue
		}
		select {
		case t.kick <- string(spec.Domain):
			s.log.WithField("student", spec.StudentID).
				WithField("task", string(target)).
				Debugf("triggered by fresh %s", spec.Domain)
		default:
		}
	}
}

func (s *Scheduler) journalTask(spec TaskSpec, level eventlog.Level, message string, details map[string]any) {
	if s.journal == nil {
		return
	}
	s.journal.Append(eventlog.Entry{
		Category:  eventlog.CategoryFor(string(spec.Domain)),
		Level:     level,
		Message:   message,
		StudentID: spec.StudentID,
		Details:   details,
	})
}

func (s *Scheduler) journalSystem(level eventlog.Level, message string) {
	if s.journal == nil {
		return
	}
	s.journal.Append(eventlog.Entry{
		Category: eventlog.CategoryScheduler,
		Level:    level,
		Message:  message,
	})
}
