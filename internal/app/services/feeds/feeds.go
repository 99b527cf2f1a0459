// Package feeds provides the fetchers for the source domains: timetable,
// marks, and messages straight from the school API, and externally hosted
// documents over plain HTTP.
package feeds

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/services/scheduler"
	"github.com/bakaboard/sync_layer/internal/app/services/students"
)

// Timetable fetches the current week's timetable.
func Timetable() scheduler.Fetcher {
	return scheduler.FetcherFunc(func(ctx context.Context, sc *students.Context) (any, error) {
		return sc.Client().Timetable(ctx, time.Now())
	})
}

// Marks fetches the per-subject mark listing.
func Marks() scheduler.Fetcher {
	return scheduler.FetcherFunc(func(ctx context.Context, sc *students.Context) (any, error) {
		return sc.Client().Marks(ctx)
	})
}

// Messages fetches received messages and the noticeboard.
func Messages() scheduler.Fetcher {
	return scheduler.FetcherFunc(func(ctx context.Context, sc *students.Context) (any, error) {
		return sc.Client().Messages(ctx)
	})
}

const defaultDocMaxBytes = 2 << 20

// ExternalDocConfig tunes the external document fetcher.
type ExternalDocConfig struct {
	HTTPClient *http.Client
	MaxBytes   int64
}

// ExternalDoc fetches the student's configured external document over plain
// HTTP, outside the school API session. The task is only scheduled for
// students with a source configured.
func ExternalDoc(cfg ExternalDocConfig) scheduler.Fetcher {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = defaultDocMaxBytes
	}

	return scheduler.FetcherFunc(func(ctx context.Context, sc *students.Context) (any, error) {
		src := sc.Student().ExternalDoc
		if src == nil || src.URL == "" {
			return nil, fmt.Errorf("student %s has no external document configured", sc.ID())
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
		if err != nil {
			return nil, fmt.Errorf("build document request: %w", err)
		}
		if src.BearerToken != "" {
			req.Header.Set("Authorization", "Bearer "+src.BearerToken)
		}

		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("fetch document: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, fmt.Errorf("fetch document: unexpected status %d", resp.StatusCode)
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBytes))
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}

		return &feed.Document{
			SourceURL:   src.URL,
			ContentType: resp.Header.Get("Content-Type"),
			Content:     string(body),
		}, nil
	})
}
