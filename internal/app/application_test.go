package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/services/scheduler"
	"github.com/bakaboard/sync_layer/internal/config"
	"github.com/bakaboard/sync_layer/internal/schoolapi/apitest"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

func writeConfig(t *testing.T, baseURL string, studentIDs ...string) string {
	t.Helper()

	content := fmt.Sprintf("school:\n  base_url: %q\nstudents:\n", baseURL)
	for _, id := range studentIDs {
		content += fmt.Sprintf("  - id: %s\n    username: student\n    password: secret\n", id)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestApplication(t *testing.T, srv *apitest.Server, studentIDs ...string) *Application {
	t.Helper()

	cfg, err := config.Load(writeConfig(t, srv.URL, studentIDs...))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)

	application, err := New(context.Background(), cfg, Components{HTTPClient: srv.Client()}, log)
	if err != nil {
		t.Fatalf("new application: %v", err)
	}
	t.Cleanup(func() {
		_ = application.Stop(context.Background())
	})
	return application
}

func waitFor(t *testing.T, d time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", d)
}

func TestApplicationLifecycle(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()

	application := newTestApplication(t, srv, "ada")

	if application.Running() {
		t.Fatal("application reported running before Start")
	}
	if got := application.Registry.Len(); got != 1 {
		t.Fatalf("registry holds %d students, want 1", got)
	}
	// Five domains per student; external-doc is only scheduled when configured.
	if got := application.Scheduler.Tracker().Len(); got != 5 {
		t.Fatalf("tracker holds %d tasks, want 5", got)
	}

	ctx := context.Background()
	if err := application.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !application.Running() {
		t.Fatal("application not running after Start")
	}

	// The source feeds run immediately on start.
	waitFor(t, 5*time.Second, func() bool {
		status, ok := application.Scheduler.Tracker().Get("ada", feed.DomainMarks)
		return ok && status.LastStatus == scheduler.StatusSuccess
	})
	waitFor(t, 5*time.Second, func() bool {
		sc, ok := application.Registry.Get("ada")
		if !ok {
			return false
		}
		_, ok = sc.Snapshot(feed.DomainMessages)
		return ok
	})

	if err := application.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if application.Running() {
		t.Fatal("application still running after Stop")
	}
	// Stop again is a no-op.
	if err := application.Stop(ctx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestApplicationReconcileSwapsStudents(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()

	application := newTestApplication(t, srv, "ada", "ben")

	if got := application.Scheduler.Tracker().Len(); got != 10 {
		t.Fatalf("tracker holds %d tasks, want 10", got)
	}

	cfg, err := config.Load(writeConfig(t, srv.URL, "ada", "cleo"))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := application.Reconcile(cfg); err != nil {
		t.Fatalf("reconcile: %v", err)
	}

	if _, ok := application.Registry.Get("ben"); ok {
		t.Fatal("removed student still registered")
	}
	if _, ok := application.Registry.Get("cleo"); !ok {
		t.Fatal("added student not registered")
	}
	if _, ok := application.Scheduler.Tracker().Get("ben", feed.DomainMarks); ok {
		t.Fatal("removed student still has task status")
	}
	if _, ok := application.Scheduler.Tracker().Get("cleo", feed.DomainMarks); !ok {
		t.Fatal("added student has no task status")
	}

	// The surviving student's context is the same instance.
	before, _ := application.Registry.Get("ada")
	if err := application.Reconcile(cfg); err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	after, _ := application.Registry.Get("ada")
	if before != after {
		t.Fatal("unchanged student context was rebuilt")
	}
}
