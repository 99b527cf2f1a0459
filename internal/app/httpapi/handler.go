// Package httpapi exposes the syncd admin API: student and task inspection,
// journal queries with live streaming, configuration reload, and system
// status.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	app "github.com/bakaboard/sync_layer/internal/app"
	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/metrics"
	"github.com/bakaboard/sync_layer/internal/config"
	"github.com/bakaboard/sync_layer/internal/middleware"
	"github.com/bakaboard/sync_layer/internal/schoolapi"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// Config carries the handler's tunables from the api configuration section.
type Config struct {
	JWTSecret      string
	RateLimit      float64
	RateBurst      int
	AllowedOrigins []string
	// AuditLogPath, when set, appends admin mutations as JSONL.
	AuditLogPath string
}

// handler bundles the HTTP endpoints over the application services.
type handler struct {
	app      *app.Application
	audit    *auditLog
	log      *logger.Logger
	upgrader websocket.Upgrader
}

// NewHandler returns the admin API handler with the middleware chain
// applied.
func NewHandler(application *app.Application, cfg Config, log *logger.Logger) (http.Handler, error) {
	if log == nil {
		log = logger.NewDefault("httpapi")
	}

	sink, err := newFileAuditSink(cfg.AuditLogPath)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	h := &handler{
		app:   application,
		audit: newAuditLog(0, sink),
		log:   log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser clients are gated by the bearer token, not Origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/healthz", h.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/students", h.listStudents).Methods(http.MethodGet)
	api.HandleFunc("/students/{student}", h.getStudent).Methods(http.MethodGet)
	api.HandleFunc("/students/{student}/snapshots/{domain}", h.getSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/tasks", h.listTasks).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{student}/{domain}", h.getTask).Methods(http.MethodGet)
	api.HandleFunc("/tasks/{student}/{domain}/run", h.runTask).Methods(http.MethodPost)
	api.HandleFunc("/logs", h.listLogs).Methods(http.MethodGet)
	api.HandleFunc("/logs", h.clearLogs).Methods(http.MethodDelete)
	api.HandleFunc("/logs/categories", h.logCategories).Methods(http.MethodGet)
	api.HandleFunc("/logs/stream", h.streamLogs).Methods(http.MethodGet)
	api.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	api.HandleFunc("/config/reload", h.reloadConfig).Methods(http.MethodPost)
	api.HandleFunc("/auth/check", h.checkCredentials).Methods(http.MethodPost)
	api.HandleFunc("/audit", h.listAudit).Methods(http.MethodGet)
	api.HandleFunc("/system", h.systemStatus).Methods(http.MethodGet)

	auth := middleware.NewAuthMiddleware(cfg.JWTSecret, log, []string{"/healthz", "/metrics"})
	limiter := middleware.NewRateLimiter(cfg.RateLimit, cfg.RateBurst, log)
	cors := middleware.NewCORSMiddleware(cfg.AllowedOrigins)

	router.Use(middleware.TracingMiddleware(log))
	router.Use(middleware.MetricsMiddleware())
	router.Use(cors.Handler)
	router.Use(auth.Handler)
	router.Use(limiter.Handler)
	router.Use(h.auditMiddleware)

	return router, nil
}

func (h *handler) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"running": h.app.Running(),
	})
}

// studentView is the API projection of one student context. Credentials
// never leave the process.
type studentView struct {
	ID           string                   `json:"id"`
	Name         string                   `json:"name"`
	Username     string                   `json:"username"`
	SessionState string                   `json:"session_state"`
	ExternalDoc  bool                     `json:"external_doc"`
	Snapshots    map[feed.Domain]snapView `json:"snapshots"`
}

type snapView struct {
	FetchedAt  time.Time `json:"fetched_at"`
	AgeSeconds int64     `json:"age_seconds"`
}

func (h *handler) studentView(id string) (studentView, bool) {
	sc, ok := h.app.Registry.Get(id)
	if !ok {
		return studentView{}, false
	}
	st := sc.Student()

	state := "active"
	if sc.Session().Invalid() {
		state = "invalid"
	}

	snaps := make(map[feed.Domain]snapView)
	for domain, snap := range sc.Snapshots() {
		snaps[domain] = snapView{
			FetchedAt:  snap.FetchedAt,
			AgeSeconds: int64(time.Since(snap.FetchedAt) / time.Second),
		}
	}

	return studentView{
		ID:           st.ID,
		Name:         st.DisplayName(),
		Username:     st.Username,
		SessionState: state,
		ExternalDoc:  st.ExternalDoc != nil,
		Snapshots:    snaps,
	}, true
}

func (h *handler) listStudents(w http.ResponseWriter, r *http.Request) {
	contexts := h.app.Registry.List()
	out := make([]studentView, 0, len(contexts))
	for _, sc := range contexts {
		if view, ok := h.studentView(sc.ID()); ok {
			out = append(out, view)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handler) getStudent(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["student"]
	view, ok := h.studentView(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("student %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) getSnapshot(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["student"]

	domain, err := feed.Parse(vars["domain"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sc, ok := h.app.Registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("student %s not found", id))
		return
	}

	if snap, ok := sc.Snapshot(domain); ok {
		writeJSON(w, http.StatusOK, snap)
		return
	}

	// After a restart the in-memory copy is gone but the cache may still
	// hold the last snapshot.
	var cached feed.Snapshot
	key := feed.CacheKey(id, domain)
	if found, cerr := cacheGet(r, h, key, &cached); cerr == nil && found {
		writeJSON(w, http.StatusOK, &cached)
		return
	}

	writeError(w, http.StatusNotFound, fmt.Errorf("no %s snapshot for %s yet", domain, id))
}

func (h *handler) listTasks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Scheduler.Tracker().List())
}

func (h *handler) getTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	domain, err := feed.Parse(vars["domain"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	status, ok := h.app.Scheduler.Tracker().Get(vars["student"], domain)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s/%s not found", vars["student"], vars["domain"]))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (h *handler) runTask(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	domain, err := feed.Parse(vars["domain"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if !h.app.Scheduler.Kick(vars["student"], domain) {
		writeError(w, http.StatusNotFound, fmt.Errorf("task %s/%s is not running", vars["student"], vars["domain"]))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "run requested"})
}

func (h *handler) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.app.Config().Masked())
}

func (h *handler) reloadConfig(w http.ResponseWriter, r *http.Request) {
	path := h.app.Config().Path()
	if path == "" {
		writeError(w, http.StatusConflict, fmt.Errorf("configuration was not loaded from a file"))
		return
	}

	cfg, err := config.Load(path)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err)
		return
	}
	if err := h.app.Reconcile(cfg); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	h.log.WithField("students", len(cfg.Students)).Info("configuration reloaded via api")
	writeJSON(w, http.StatusOK, map[string]any{
		"students": h.app.Registry.Len(),
		"tasks":    h.app.Scheduler.Tracker().Len(),
	})
}

func (h *handler) checkCredentials(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Username == "" || payload.Password == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("username and password are required"))
		return
	}

	school := h.app.Config().School
	client := &http.Client{Timeout: school.Timeout}
	token, err := schoolapi.Login(r.Context(), client, school.BaseURL, school.ClientID, payload.Username, payload.Password)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":       true,
			"user_id":     token.UserID,
			"api_version": token.APIVersion,
			"expires_at":  token.ExpiresAt,
		})
	case schoolapi.IsAuth(err):
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":  false,
			"reason": err.Error(),
		})
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func cacheGet(r *http.Request, h *handler, key string, dest any) (bool, error) {
	if h.app.Cache == nil {
		return false, nil
	}
	data, ok, err := h.app.Cache.Get(r.Context(), key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(data, dest)
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return 0
	}
	return v
}
