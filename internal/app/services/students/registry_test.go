package students

import (
	"context"
	"testing"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/domain/student"
	"github.com/bakaboard/sync_layer/internal/schoolapi"
	"github.com/bakaboard/sync_layer/internal/schoolapi/apitest"
)

func newTestRegistry(t *testing.T, baseURL string) *Registry {
	t.Helper()
	registry, err := NewRegistry(RegistryConfig{BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	t.Cleanup(registry.Close)
	return registry
}

func TestRegistryReconcileAddsAndRemoves(t *testing.T) {
	registry := newTestRegistry(t, "http://school.invalid")

	added, removed, err := registry.Reconcile([]student.Student{
		{ID: "alice", Username: "alice", Password: "pw"},
		{ID: "bob", Username: "bob", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(added) != 2 || len(removed) != 0 {
		t.Fatalf("added %d removed %d, want 2/0", len(added), len(removed))
	}
	if registry.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", registry.Len())
	}

	added, removed, err = registry.Reconcile([]student.Student{
		{ID: "alice", Username: "alice", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if len(added) != 0 || len(removed) != 1 {
		t.Fatalf("added %d removed %d, want 0/1", len(added), len(removed))
	}
	if removed[0].ID() != "bob" {
		t.Fatalf("removed %q, want bob", removed[0].ID())
	}
	if _, ok := registry.Get("bob"); ok {
		t.Fatal("bob should be detached from the registry")
	}
	if _, ok := registry.Get("alice"); !ok {
		t.Fatal("alice should still be registered")
	}

	list := registry.List()
	if len(list) != 1 || list[0].ID() != "alice" {
		t.Fatalf("List() = %v", list)
	}
}

func TestRegistryReconcileSkipsInvalidEntries(t *testing.T) {
	registry := newTestRegistry(t, "http://school.invalid")

	added, _, err := registry.Reconcile([]student.Student{
		{ID: "alice", Username: "alice", Password: "pw"},
		{ID: "broken", Username: "", Password: "pw"},
	})
	if err == nil {
		t.Fatal("expected an error for the invalid entry")
	}
	if len(added) != 1 || added[0].ID() != "alice" {
		t.Fatalf("expected alice to be added despite the invalid entry, got %v", added)
	}
	if registry.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", registry.Len())
	}
}

func TestRegistryReconcileKeepsFirstDuplicate(t *testing.T) {
	registry := newTestRegistry(t, "http://school.invalid")

	added, _, err := registry.Reconcile([]student.Student{
		{ID: "alice", Name: "First", Username: "alice", Password: "pw"},
		{ID: "alice", Name: "Second", Username: "other", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(added) != 1 {
		t.Fatalf("added %d contexts, want 1", len(added))
	}
	if got := added[0].Student().Name; got != "First" {
		t.Fatalf("kept %q, want the first entry", got)
	}
}

func TestRegistryCredentialChangeRecoversSession(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()

	registry := newTestRegistry(t, srv.URL)

	added, _, err := registry.Reconcile([]student.Student{
		{ID: "alice", Username: srv.Username, Password: "wrong"},
	})
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	ctx := added[0]

	if _, err := ctx.Session().Acquire(context.Background()); !schoolapi.IsAuth(err) {
		t.Fatalf("expected the wrong password to be rejected, got %v", err)
	}
	if !ctx.Session().Invalid() {
		t.Fatal("expected the session to be invalid")
	}

	added, removed, err := registry.Reconcile([]student.Student{
		{ID: "alice", Username: srv.Username, Password: srv.Password},
	})
	if err != nil {
		t.Fatalf("Reconcile with fixed password: %v", err)
	}
	if len(added) != 0 || len(removed) != 0 {
		t.Fatalf("credential change must keep the context, got added %d removed %d", len(added), len(removed))
	}

	same, _ := registry.Get("alice")
	if same != ctx {
		t.Fatal("expected the same context after a credential change")
	}
	if ctx.Session().Invalid() {
		t.Fatal("new credentials must clear the invalid flag")
	}
	if _, err := ctx.Session().Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire with fixed credentials: %v", err)
	}
}

func TestContextSnapshots(t *testing.T) {
	ctx, err := NewContext(ContextConfig{
		Student: student.Student{ID: "alice", Username: "alice", Password: "pw"},
		BaseURL: "http://school.invalid",
	})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	defer ctx.Close()

	if _, ok := ctx.Snapshot(feed.DomainMarks); ok {
		t.Fatal("expected no snapshot before the first update")
	}

	snap := ctx.Update(feed.DomainMarks, &feed.Marks{})
	if snap.StudentID != "alice" || snap.Domain != feed.DomainMarks {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if snap.FetchedAt.IsZero() {
		t.Fatal("expected FetchedAt to be set")
	}

	got, ok := ctx.Snapshot(feed.DomainMarks)
	if !ok || got != snap {
		t.Fatal("Snapshot should return the stored value")
	}

	all := ctx.Snapshots()
	if len(all) != 1 {
		t.Fatalf("Snapshots() has %d entries, want 1", len(all))
	}
	delete(all, feed.DomainMarks)
	if _, ok := ctx.Snapshot(feed.DomainMarks); !ok {
		t.Fatal("mutating the returned map must not affect the context")
	}
}
