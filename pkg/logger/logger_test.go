package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewJSONFormat(t *testing.T) {
	log := New(LoggingConfig{Level: "debug", Format: "json"})

	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.WithField("student", "ana").Info("refreshed timetable")

	out := buf.String()
	if !strings.Contains(out, `"student":"ana"`) {
		t.Fatalf("expected structured field in output, got %q", out)
	}
	if !strings.Contains(out, "refreshed timetable") {
		t.Fatalf("expected message in output, got %q", out)
	}
}

func TestNewInvalidLevelFallsBack(t *testing.T) {
	log := New(LoggingConfig{Level: "loud"})

	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.Debug("hidden")
	if buf.Len() != 0 {
		t.Fatalf("debug output should be suppressed at info level, got %q", buf.String())
	}

	log.Info("visible")
	if buf.Len() == 0 {
		t.Fatal("info output should be emitted at info level")
	}
}

func TestNewDefaultTagsComponent(t *testing.T) {
	log := NewDefault("scheduler")

	var buf bytes.Buffer
	log.SetOutput(&buf)

	log.Warn("tick overdue")

	if !strings.Contains(buf.String(), "scheduler") {
		t.Fatalf("expected component tag in output, got %q", buf.String())
	}
}
