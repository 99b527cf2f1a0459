// Package digest composes the derived feeds: the daily summary built from
// fresh messages, and the preparation notes built from the timetable,
// enriched with messages when they are available. Digest tasks read their
// inputs from the in-memory snapshots, falling back to the snapshot cache
// after a restart; they never fetch from the school API themselves.
package digest

import (
	"context"
	"fmt"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/cache"
	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/services/scheduler"
	"github.com/bakaboard/sync_layer/internal/app/services/students"
	"github.com/bakaboard/sync_layer/pkg/logger"
)

// Config wires the digest service's collaborators.
type Config struct {
	// Composer renders the digest text; nil falls back to the template
	// composer.
	Composer Composer
	// Cache, when set, serves inputs whose in-memory snapshot is missing,
	// as after a restart.
	Cache  cache.Store
	Logger *logger.Logger
}

// Service builds the digest fetchers around a composer.
type Service struct {
	composer Composer
	cache    cache.Store
	log      *logger.Logger
	now      func() time.Time
}

// New returns a digest service.
func New(cfg Config) *Service {
	composer := cfg.Composer
	if composer == nil {
		composer = NewTemplateComposer()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("digest")
	}
	return &Service{composer: composer, cache: cfg.Cache, log: log, now: time.Now}
}

// SummaryFetcher returns the fetcher for the summary domain. It reports
// not-ready until a messages snapshot exists.
func (s *Service) SummaryFetcher() scheduler.Fetcher {
	return scheduler.FetcherFunc(func(ctx context.Context, sc *students.Context) (any, error) {
		msgs, msgsAt, err := s.messages(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("summary for %s: %w", sc.ID(), err)
		}

		in := SummaryInput{
			Student:    sc.Student(),
			Date:       s.now(),
			Messages:   msgs,
			MessagesAt: msgsAt,
		}
		inputs := map[feed.Domain]time.Time{feed.DomainMessages: msgsAt}
		marksCount := 0
		if marks, marksAt, err := s.marks(ctx, sc); err == nil {
			in.Marks = marks
			in.MarksAt = marksAt
			inputs[feed.DomainMarks] = marksAt
			marksCount = marks.NewCount()
		}

		text, err := s.composer.ComposeSummary(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("compose summary for %s: %w", sc.ID(), err)
		}

		return &feed.Digest{
			Text:       text,
			InputTimes: inputs,
			Messages:   len(msgs.Received) + len(msgs.Noticeboard),
			Marks:      marksCount,
		}, nil
	})
}

// PreparationFetcher returns the fetcher for the preparation domain. It
// reports not-ready until a timetable snapshot exists; messages enrich the
// notes when present but are not required.
func (s *Service) PreparationFetcher() scheduler.Fetcher {
	return scheduler.FetcherFunc(func(ctx context.Context, sc *students.Context) (any, error) {
		tt, ttAt, err := s.timetable(ctx, sc)
		if err != nil {
			return nil, fmt.Errorf("preparation for %s: %w", sc.ID(), err)
		}

		now := s.now()
		in := PreparationInput{
			Student:     sc.Student(),
			Date:        now,
			Timetable:   tt,
			TimetableAt: ttAt,
		}
		inputs := map[feed.Domain]time.Time{feed.DomainTimetable: ttAt}
		unread := 0
		if msgs, msgsAt, err := s.messages(ctx, sc); err == nil {
			in.Messages = msgs
			in.MessagesAt = msgsAt
			inputs[feed.DomainMessages] = msgsAt
			unread = msgs.UnreadCount()
		}

		text, err := s.composer.ComposePreparation(ctx, in)
		if err != nil {
			return nil, fmt.Errorf("compose preparation for %s: %w", sc.ID(), err)
		}

		lessons := 0
		if day := nextSchoolDay(tt, now); day != nil {
			lessons = len(day.Lessons)
		}

		return &feed.Digest{
			Text:       text,
			InputTimes: inputs,
			Messages:   unread,
			Lessons:    lessons,
		}, nil
	})
}

// cachedSnapshot resolves a domain's snapshot from the cache into dest, a
// struct mirroring feed.Snapshot with a typed payload.
func (s *Service) cachedSnapshot(ctx context.Context, studentID string, domain feed.Domain, dest any) bool {
	if s.cache == nil {
		return false
	}
	ok, err := cache.GetJSON(ctx, s.cache, feed.CacheKey(studentID, domain), dest)
	if err != nil {
		s.log.WithError(err).
			WithField("student", studentID).
			WithField("domain", string(domain)).
			Debug("cached snapshot read failed")
		return false
	}
	return ok
}

func (s *Service) messages(ctx context.Context, sc *students.Context) (*feed.Messages, time.Time, error) {
	if snap, ok := sc.Snapshot(feed.DomainMessages); ok {
		msgs, ok := snap.Payload.(*feed.Messages)
		if !ok {
			return nil, time.Time{}, fmt.Errorf("unexpected messages payload %T", snap.Payload)
		}
		return msgs, snap.FetchedAt, nil
	}
	var cached struct {
		Payload   feed.Messages `json:"payload"`
		FetchedAt time.Time     `json:"fetched_at"`
	}
	if s.cachedSnapshot(ctx, sc.ID(), feed.DomainMessages, &cached) {
		return &cached.Payload, cached.FetchedAt, nil
	}
	return nil, time.Time{}, feed.ErrNotReady
}

func (s *Service) timetable(ctx context.Context, sc *students.Context) (*feed.Timetable, time.Time, error) {
	if snap, ok := sc.Snapshot(feed.DomainTimetable); ok {
		tt, ok := snap.Payload.(*feed.Timetable)
		if !ok {
			return nil, time.Time{}, fmt.Errorf("unexpected timetable payload %T", snap.Payload)
		}
		return tt, snap.FetchedAt, nil
	}
	var cached struct {
		Payload   feed.Timetable `json:"payload"`
		FetchedAt time.Time      `json:"fetched_at"`
	}
	if s.cachedSnapshot(ctx, sc.ID(), feed.DomainTimetable, &cached) {
		return &cached.Payload, cached.FetchedAt, nil
	}
	return nil, time.Time{}, feed.ErrNotReady
}

func (s *Service) marks(ctx context.Context, sc *students.Context) (*feed.Marks, time.Time, error) {
	if snap, ok := sc.Snapshot(feed.DomainMarks); ok {
		marks, ok := snap.Payload.(*feed.Marks)
		if !ok {
			return nil, time.Time{}, fmt.Errorf("unexpected marks payload %T", snap.Payload)
		}
		return marks, snap.FetchedAt, nil
	}
	var cached struct {
		Payload   feed.Marks `json:"payload"`
		FetchedAt time.Time  `json:"fetched_at"`
	}
	if s.cachedSnapshot(ctx, sc.ID(), feed.DomainMarks, &cached) {
		return &cached.Payload, cached.FetchedAt, nil
	}
	return nil, time.Time{}, feed.ErrNotReady
}
