package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	app "github.com/bakaboard/sync_layer/internal/app"
	"github.com/bakaboard/sync_layer/internal/app/cache"
	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/eventlog"
	"github.com/bakaboard/sync_layer/internal/config"
	"github.com/bakaboard/sync_layer/internal/middleware"
	"github.com/bakaboard/sync_layer/internal/schoolapi/apitest"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

const testConfigTemplate = `
school:
  base_url: %q
api:
  rate_limit: 1000
  rate_burst: 1000
students:
  - id: ada
    name: Ada
    username: student
    password: secret
`

// newTestApp builds an application against a fake school API, loading its
// configuration from a real file so the reload endpoint has a path to work
// with. The scheduler is not started; tests drive state directly.
func newTestApp(t *testing.T) (*app.Application, *apitest.Server) {
	t.Helper()

	srv := apitest.New()
	t.Cleanup(srv.Close)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := fmt.Sprintf(testConfigTemplate, srv.URL)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)

	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)

	application, err := app.New(context.Background(), cfg, app.Components{
		HTTPClient: srv.Client(),
	}, log)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = application.Stop(context.Background())
	})

	return application, srv
}

func newTestHandler(t *testing.T, application *app.Application, jwtSecret string) http.Handler {
	t.Helper()

	log := logger.NewDefault("test")
	log.SetOutput(io.Discard)

	h, err := NewHandler(application, Config{
		JWTSecret: jwtSecret,
		RateLimit: 1000,
		RateBurst: 1000,
	}, log)
	require.NoError(t, err)
	return h
}

// doJSON issues a request and decodes an object response. Endpoints that
// return arrays are decoded by hand in their tests.
func doJSON(t *testing.T, h http.Handler, method, target string, body io.Reader) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	req := httptest.NewRequest(method, target, body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var payload map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload),
			"response body: %s", rec.Body.String())
	}
	return rec, payload
}

func TestHealthAndSystem(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	rec, body := doJSON(t, h, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["running"])

	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/system", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["students"])
	assert.EqualValues(t, 5, body["tasks"]) // five domains, no external doc configured
	assert.NotEmpty(t, body["go_version"])
}

func TestStudentEndpoints(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/students", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var list []studentView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "ada", list[0].ID)
	assert.Equal(t, "active", list[0].SessionState)
	assert.NotContains(t, rec.Body.String(), "secret")

	rec2, body := doJSON(t, h, http.MethodGet, "/api/v1/students/ada", nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "Ada", body["name"])

	rec2, _ = doJSON(t, h, http.MethodGet, "/api/v1/students/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestSnapshotEndpoint(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	rec, _ := doJSON(t, h, http.MethodGet, "/api/v1/students/ada/snapshots/marks", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/students/ada/snapshots/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	sc, ok := application.Registry.Get("ada")
	require.True(t, ok)
	sc.Update(feed.DomainMarks, map[string]any{"subject": "math"})

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/students/ada/snapshots/marks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "marks", body["domain"])
	assert.Equal(t, "ada", body["student_id"])
}

func TestSnapshotServedFromCache(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	// Only the cache holds the snapshot, as after a process restart.
	snap := &feed.Snapshot{
		StudentID: "ada",
		Domain:    feed.DomainTimetable,
		Payload:   map[string]any{"days": []any{}},
		FetchedAt: time.Now().UTC(),
	}
	key := feed.CacheKey("ada", feed.DomainTimetable)
	require.NoError(t, cache.SetJSON(context.Background(), application.Cache, key, snap, time.Minute))

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/students/ada/snapshots/timetable", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "timetable", body["domain"])
}

func TestTaskEndpoints(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	req := httptest.NewRequest(http.MethodGet, "/api/v1/tasks", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var tasks []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tasks))
	assert.Len(t, tasks, 5)

	rec2, body := doJSON(t, h, http.MethodGet, "/api/v1/tasks/ada/messages", nil)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "ada", body["student"])
	assert.Equal(t, "pending", body["last_status"])

	rec2, _ = doJSON(t, h, http.MethodGet, "/api/v1/tasks/ada/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec2.Code)

	// The scheduler has not started, so there is no task to kick yet.
	rec2, _ = doJSON(t, h, http.MethodPost, "/api/v1/tasks/ada/messages/run", nil)
	assert.Equal(t, http.StatusNotFound, rec2.Code)
}

func TestLogEndpoints(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	application.Journal.Append(eventlog.Entry{
		Category:  eventlog.CategoryMarks,
		Level:     eventlog.LevelError,
		Message:   "marks sync failed",
		StudentID: "ada",
	})

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/logs?category=marks&level=error&student=ada", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/logs?category=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/logs/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body["present"], "marks")

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/logs", nil)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusNoContent, rec2.Code)

	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/logs?category=marks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, body["entries"])
}

func TestConfigEndpoints(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	students := body["Students"].([]any)
	require.Len(t, students, 1)
	masked := students[0].(map[string]any)
	assert.Equal(t, "********", masked["Password"])

	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/config/reload", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 1, body["students"])
	assert.EqualValues(t, 5, body["tasks"])
}

func TestCheckCredentials(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/auth/check",
		strings.NewReader(`{"username":"student","password":"secret"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["valid"])

	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/auth/check",
		strings.NewReader(`{"username":"student","password":"wrong"}`))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["valid"])

	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/auth/check",
		strings.NewReader(`{"username":"student"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthRequired(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "hunter2")

	// Health stays open for probes.
	rec, _ := doJSON(t, h, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = doJSON(t, h, http.MethodGet, "/api/v1/system", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, middleware.Claims{
		Role: "admin",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "operator",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	signed, err := token.SignedString([]byte("hunter2"))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/system", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec2 := httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusOK, rec2.Code)

	req = httptest.NewRequest(http.MethodGet, "/api/v1/system", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec2 = httptest.NewRecorder()
	h.ServeHTTP(rec2, req)
	assert.Equal(t, http.StatusUnauthorized, rec2.Code)
}

func TestAuditTrail(t *testing.T) {
	application, _ := newTestApp(t)
	h := newTestHandler(t, application, "")

	// Mutations are recorded, reads are not.
	doJSON(t, h, http.MethodPost, "/api/v1/config/reload", nil)
	doJSON(t, h, http.MethodGet, "/api/v1/system", nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/audit", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var records []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, "/api/v1/config/reload", records[0]["path"])
}
