package app

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/cache"
	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/eventlog"
	"github.com/bakaboard/sync_layer/internal/app/services/digest"
	"github.com/bakaboard/sync_layer/internal/app/services/feeds"
	"github.com/bakaboard/sync_layer/internal/app/services/maintenance"
	"github.com/bakaboard/sync_layer/internal/app/services/scheduler"
	"github.com/bakaboard/sync_layer/internal/app/services/students"
	"github.com/bakaboard/sync_layer/internal/app/system"
	"github.com/bakaboard/sync_layer/internal/config"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// Components encapsulates externally supplied dependencies. Nil fields
// default to in-process implementations driven by the configuration.
type Components struct {
	Journal *eventlog.Log
	Cache   cache.Store
	// HTTPClient overrides the outbound client for the school API and
	// external documents, primarily for tests.
	HTTPClient *http.Client
}

// Application ties the sync services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger

	Journal   *eventlog.Log
	Cache     cache.Store
	Registry  *students.Registry
	Scheduler *scheduler.Scheduler
	Digest    *digest.Service
	Sweeper   *maintenance.Sweeper

	fetchers map[feed.Domain]scheduler.Fetcher

	mu        sync.Mutex
	cfg       *config.Config
	startedAt time.Time
}

// New builds a fully initialised application and applies the initial
// configuration. ctx bounds backend handshakes such as the redis ping.
func New(ctx context.Context, cfg *config.Config, comps Components, log *logger.Logger) (*Application, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if log == nil {
		log = logger.New(logger.LoggingConfig(cfg.Log))
	}

	journal := comps.Journal
	if journal == nil {
		journal = eventlog.New(cfg.Journal.Capacity)
	}

	store := comps.Cache
	if store == nil {
		var err error
		store, err = newCacheStore(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("initialise cache: %w", err)
		}
	}

	registry, err := students.NewRegistry(students.RegistryConfig{
		BaseURL:    cfg.School.BaseURL,
		ClientID:   cfg.School.ClientID,
		RateLimit:  cfg.School.RateLimit,
		RateBurst:  cfg.School.RateBurst,
		Timeout:    cfg.School.Timeout,
		ExpirySkew: cfg.School.ExpirySkew,
		HTTPClient: comps.HTTPClient,
		Journal:    journal,
		Logger:     log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise student registry: %w", err)
	}

	digestSvc := digest.New(digest.Config{
		Composer: digest.NewTemplateComposer(),
		Cache:    store,
		Logger:   log,
	})

	sched, err := scheduler.New(scheduler.Config{
		Registry: registry,
		Cache:    store,
		Journal:  journal,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise scheduler: %w", err)
	}

	sweeper, err := maintenance.New(maintenance.Config{
		Cache:    store,
		Journal:  journal,
		Schedule: cfg.Maintenance.Schedule,
		Logger:   log,
	})
	if err != nil {
		return nil, fmt.Errorf("initialise maintenance sweeper: %w", err)
	}

	manager := system.NewManager()
	for _, name := range []string{"journal", "cache", "students"} {
		if err := manager.Register(system.NoopService{ServiceName: name}); err != nil {
			return nil, fmt.Errorf("register %s service: %w", name, err)
		}
	}
	for _, svc := range []system.Service{sched, sweeper} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	a := &Application{
		manager:   manager,
		log:       log,
		Journal:   journal,
		Cache:     store,
		Registry:  registry,
		Scheduler: sched,
		Digest:    digestSvc,
		Sweeper:   sweeper,
		fetchers: map[feed.Domain]scheduler.Fetcher{
			feed.DomainTimetable:   feeds.Timetable(),
			feed.DomainMarks:       feeds.Marks(),
			feed.DomainMessages:    feeds.Messages(),
			feed.DomainSummary:     digestSvc.SummaryFetcher(),
			feed.DomainPreparation: digestSvc.PreparationFetcher(),
			feed.DomainExternalDoc: feeds.ExternalDoc(feeds.ExternalDocConfig{
				HTTPClient: comps.HTTPClient,
			}),
		},
	}

	if err := a.Reconcile(cfg); err != nil {
		return nil, fmt.Errorf("apply initial configuration: %w", err)
	}
	return a, nil
}

func newCacheStore(ctx context.Context, cfg *config.Config) (cache.Store, error) {
	switch cfg.Cache.Backend {
	case "redis":
		return cache.NewRedis(ctx, cache.RedisOptions{
			Addr:     cfg.Cache.Redis.Addr,
			Password: cfg.Cache.Redis.Password,
			DB:       cfg.Cache.Redis.DB,
			Prefix:   cfg.Cache.Redis.Prefix,
		})
	default:
		return cache.NewMemory(), nil
	}
}

// Reconcile applies a configuration to the running application: the student
// set is reconciled, the task table is rebuilt, and contexts of removed
// students are closed. Student and interval changes take effect here;
// school endpoint, cache backend and API settings need a restart.
func (a *Application) Reconcile(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	_, removed, recErr := a.Registry.Reconcile(cfg.StudentList())

	if err := a.Scheduler.Apply(a.buildSpecs(cfg)); err != nil {
		return fmt.Errorf("apply task table: %w", err)
	}

	// Contexts are closed only after Apply has stopped their tasks.
	for _, sc := range removed {
		sc.Close()
	}

	a.cfg = cfg
	return recErr
}

func (a *Application) buildSpecs(cfg *config.Config) []scheduler.TaskSpec {
	contexts := a.Registry.List()
	specs := make([]scheduler.TaskSpec, 0, len(contexts)*len(feed.All()))
	for _, sc := range contexts {
		st := sc.Student()
		for _, domain := range feed.All() {
			if domain == feed.DomainExternalDoc && st.ExternalDoc == nil {
				continue
			}
			specs = append(specs, scheduler.TaskSpec{
				StudentID: st.ID,
				Domain:    domain,
				Interval:  cfg.Intervals.For(domain),
				Fetcher:   a.fetchers[domain],
			})
		}
	}
	return specs
}

// Config returns the most recently applied configuration.
func (a *Application) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// StartedAt returns when Start was called, zero before that.
func (a *Application) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.startedAt
}

// ServiceNames lists the lifecycle-managed services in start order.
func (a *Application) ServiceNames() []string {
	return a.manager.Names()
}

// Running reports whether the application has been started.
func (a *Application) Running() bool {
	return a.manager.Running()
}

// Attach registers an additional lifecycle-managed service. Call before
// Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	if err := a.manager.Start(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	a.startedAt = time.Now().UTC()
	a.mu.Unlock()
	a.Journal.Append(eventlog.Entry{
		Category: eventlog.CategorySystem,
		Level:    eventlog.LevelInfo,
		Message:  "application started",
	})
	return nil
}

// Stop stops all services in reverse start order.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Registry.Close()
	a.Journal.Append(eventlog.Entry{
		Category: eventlog.CategorySystem,
		Level:    eventlog.LevelInfo,
		Message:  "application stopped",
	})
	return err
}
