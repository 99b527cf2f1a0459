// Package feed holds the domain model for synchronized school data: the
// closed set of data domains, the snapshot envelope published by scheduled
// refreshes, and the typed payloads parsed from the remote API.
package feed

import (
	"errors"
	"fmt"
	"time"
)

// Domain identifies one category of synchronized data.
type Domain string

const (
	DomainTimetable   Domain = "timetable"
	DomainMarks       Domain = "marks"
	DomainMessages    Domain = "messages"
	DomainSummary     Domain = "summary"
	DomainPreparation Domain = "preparation"
	DomainExternalDoc Domain = "external-doc"
)

// ErrNotReady signals that a derived domain is missing its inputs and the
// run should be recorded as skipped rather than failed.
var ErrNotReady = errors.New("required feed data not ready")

// All returns every known domain in stable order.
func All() []Domain {
	return []Domain{
		DomainTimetable,
		DomainMarks,
		DomainMessages,
		DomainSummary,
		DomainPreparation,
		DomainExternalDoc,
	}
}

// Parse validates a domain name received from configuration or the API.
func Parse(name string) (Domain, error) {
	d := Domain(name)
	for _, known := range All() {
		if d == known {
			return d, nil
		}
	}
	return "", fmt.Errorf("unknown feed domain %q", name)
}

// Derived reports whether the domain is composed from sibling snapshots
// instead of fetched from the remote API.
func (d Domain) Derived() bool {
	return d == DomainSummary || d == DomainPreparation
}

// Snapshot is the last successfully produced payload for one student and
// domain. It is replaced as a whole; readers never observe partial updates.
type Snapshot struct {
	StudentID string    `json:"student_id"`
	Domain    Domain    `json:"domain"`
	Payload   any       `json:"payload"`
	FetchedAt time.Time `json:"fetched_at"`
}

// CacheKey is the cache key under which a student's domain snapshot is
// stored.
func CacheKey(studentID string, d Domain) string {
	return fmt.Sprintf("snapshot:%s/%s", studentID, d)
}
