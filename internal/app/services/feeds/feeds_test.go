package feeds

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/domain/student"
	"github.com/bakaboard/sync_layer/internal/app/services/students"
	"github.com/bakaboard/sync_layer/internal/schoolapi/apitest"
)

func newFeedContext(t *testing.T, baseURL string, s student.Student) *students.Context {
	t.Helper()
	ctx, err := students.NewContext(students.ContextConfig{Student: s, BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewContext: %v", err)
	}
	t.Cleanup(ctx.Close)
	return ctx
}

func TestSourceFetchers(t *testing.T) {
	srv := apitest.New()
	defer srv.Close()

	sc := newFeedContext(t, srv.URL, student.Student{
		ID: "alice", Username: srv.Username, Password: srv.Password,
	})

	payload, err := Timetable().Fetch(context.Background(), sc)
	if err != nil {
		t.Fatalf("timetable fetch: %v", err)
	}
	tt, ok := payload.(*feed.Timetable)
	if !ok || len(tt.Days) == 0 {
		t.Fatalf("unexpected timetable payload: %#v", payload)
	}

	payload, err = Marks().Fetch(context.Background(), sc)
	if err != nil {
		t.Fatalf("marks fetch: %v", err)
	}
	marks, ok := payload.(*feed.Marks)
	if !ok || len(marks.Subjects) == 0 {
		t.Fatalf("unexpected marks payload: %#v", payload)
	}

	payload, err = Messages().Fetch(context.Background(), sc)
	if err != nil {
		t.Fatalf("messages fetch: %v", err)
	}
	msgs, ok := payload.(*feed.Messages)
	if !ok || len(msgs.Received) == 0 {
		t.Fatalf("unexpected messages payload: %#v", payload)
	}
}

func TestExternalDocFetcher(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer doc-token" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.Write([]byte("homework: chapter 4"))
	}))
	defer docs.Close()

	sc := newFeedContext(t, "http://school.invalid", student.Student{
		ID: "alice", Username: "alice", Password: "pw",
		ExternalDoc: &student.ExternalDocSource{URL: docs.URL, BearerToken: "doc-token"},
	})

	payload, err := ExternalDoc(ExternalDocConfig{}).Fetch(context.Background(), sc)
	if err != nil {
		t.Fatalf("external doc fetch: %v", err)
	}
	doc, ok := payload.(*feed.Document)
	if !ok {
		t.Fatalf("unexpected payload type: %#v", payload)
	}
	if doc.Content != "homework: chapter 4" {
		t.Fatalf("content = %q", doc.Content)
	}
	if doc.ContentType != "text/plain; charset=utf-8" {
		t.Fatalf("content type = %q", doc.ContentType)
	}
	if doc.SourceURL != docs.URL {
		t.Fatalf("source url = %q", doc.SourceURL)
	}
}

func TestExternalDocFetcherErrors(t *testing.T) {
	sc := newFeedContext(t, "http://school.invalid", student.Student{
		ID: "alice", Username: "alice", Password: "pw",
	})

	if _, err := ExternalDoc(ExternalDocConfig{}).Fetch(context.Background(), sc); err == nil {
		t.Fatal("expected an error without a configured source")
	}

	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer failing.Close()

	sc = newFeedContext(t, "http://school.invalid", student.Student{
		ID: "bob", Username: "bob", Password: "pw",
		ExternalDoc: &student.ExternalDocSource{URL: failing.URL},
	})
	if _, err := ExternalDoc(ExternalDocConfig{}).Fetch(context.Background(), sc); err == nil {
		t.Fatal("expected an error for a failing source")
	}
}

func TestExternalDocFetcherTruncates(t *testing.T) {
	docs := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < 100; i++ {
			w.Write([]byte("0123456789"))
		}
	}))
	defer docs.Close()

	sc := newFeedContext(t, "http://school.invalid", student.Student{
		ID: "alice", Username: "alice", Password: "pw",
		ExternalDoc: &student.ExternalDocSource{URL: docs.URL},
	})

	payload, err := ExternalDoc(ExternalDocConfig{MaxBytes: 64}).Fetch(context.Background(), sc)
	if err != nil {
		t.Fatalf("external doc fetch: %v", err)
	}
	doc := payload.(*feed.Document)
	if len(doc.Content) != 64 {
		t.Fatalf("content length = %d, want the 64-byte cap", len(doc.Content))
	}
}
