package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bakaboard/sync_layer/internal/app/eventlog"
)

const (
	streamWriteTimeout = 10 * time.Second
	streamPingInterval = 30 * time.Second
)

func parseLogFilter(r *http.Request) (eventlog.Filter, error) {
	q := r.URL.Query()
	f := eventlog.Filter{
		StudentID: q.Get("student"),
		Limit:     queryInt(r, "limit"),
		Offset:    queryInt(r, "offset"),
	}

	if raw := q.Get("category"); raw != "" {
		category := eventlog.Category(raw)
		// CategoryFor folds unknown names to system; round-tripping detects them.
		if eventlog.CategoryFor(raw) != category {
			return f, fmt.Errorf("unknown category %q", raw)
		}
		f.Category = category
	}
	if raw := q.Get("level"); raw != "" {
		switch level := eventlog.Level(raw); level {
		case eventlog.LevelInfo, eventlog.LevelWarning, eventlog.LevelError:
			f.Level = level
		default:
			return f, fmt.Errorf("unknown level %q", raw)
		}
	}
	return f, nil
}

func (h *handler) listLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"entries": h.app.Journal.Query(filter),
		"total":   h.app.Journal.Count(),
	})
}

func (h *handler) clearLogs(w http.ResponseWriter, r *http.Request) {
	h.app.Journal.Clear()
	h.app.Journal.Append(eventlog.Entry{
		Category: eventlog.CategorySystem,
		Level:    eventlog.LevelInfo,
		Message:  "journal cleared via api",
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) logCategories(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"categories": eventlog.AllCategories(),
		"present":    h.app.Journal.Categories(),
	})
}

// streamLogs upgrades to a websocket and pushes journal entries as they are
// appended. Query filters match the list endpoint; limit and offset do not
// apply. The feed drops entries if the client cannot keep up.
func (h *handler) streamLogs(w http.ResponseWriter, r *http.Request) {
	filter, err := parseLogFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response.
		h.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	entries, cancel := h.app.Journal.Subscribe()
	defer cancel()

	// Reader goroutine: surfaces client disconnects and discards input.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-disconnected:
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case entry, ok := <-entries:
			if !ok {
				return
			}
			if !matchesFilter(entry, filter) {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			if err := conn.WriteJSON(entry); err != nil {
				return
			}
		}
	}
}

func matchesFilter(e eventlog.Entry, f eventlog.Filter) bool {
	if f.Category != "" && e.Category != f.Category {
		return false
	}
	if f.Level != "" && e.Level != f.Level {
		return false
	}
	if f.StudentID != "" && e.StudentID != f.StudentID {
		return false
	}
	return true
}
