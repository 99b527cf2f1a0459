// Package student holds the configuration aggregate for one synchronized
// student profile.
package student

import (
	"fmt"
	"strings"
)

// Student is one independently configured profile with its own credentials
// and scheduled refreshes.
type Student struct {
	ID       string
	Name     string
	Username string
	Password string

	// ExternalDoc, when set, schedules the external-doc feed for this
	// student.
	ExternalDoc *ExternalDocSource
}

// ExternalDocSource points at an already-converted document feed.
type ExternalDocSource struct {
	URL         string
	BearerToken string
}

// Validate checks the fields required to operate the profile.
func (s Student) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return fmt.Errorf("student id is required")
	}
	if strings.TrimSpace(s.Username) == "" {
		return fmt.Errorf("student %s: username is required", s.ID)
	}
	if s.Password == "" {
		return fmt.Errorf("student %s: password is required", s.ID)
	}
	if s.ExternalDoc != nil && strings.TrimSpace(s.ExternalDoc.URL) == "" {
		return fmt.Errorf("student %s: external doc url is required when configured", s.ID)
	}
	return nil
}

// DisplayName returns the configured name, falling back to the id.
func (s Student) DisplayName() string {
	if strings.TrimSpace(s.Name) != "" {
		return s.Name
	}
	return s.ID
}
