package digest

import (
	"context"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
	"github.com/bakaboard/sync_layer/internal/app/domain/student"
)

// SummaryInput is everything the summary digest is composed from. Marks are
// optional; Messages are required.
type SummaryInput struct {
	Student    student.Student
	Date       time.Time
	Messages   *feed.Messages
	MessagesAt time.Time
	Marks      *feed.Marks
	MarksAt    time.Time
}

// PreparationInput is everything the preparation digest is composed from.
// The timetable is required; messages enrich the notes when present.
type PreparationInput struct {
	Student     student.Student
	Date        time.Time
	Timetable   *feed.Timetable
	TimetableAt time.Time
	Messages    *feed.Messages
	MessagesAt  time.Time
}

// Composer renders digest text from gathered inputs. The default
// TemplateComposer is deterministic; richer composers can be swapped in
// without touching the scheduling around them.
type Composer interface {
	ComposeSummary(ctx context.Context, in SummaryInput) (string, error)
	ComposePreparation(ctx context.Context, in PreparationInput) (string, error)
}

const (
	defaultRecentWindow = 48 * time.Hour
	defaultMaxMessages  = 10
)

// TemplateComposer renders digests from plain text templates.
type TemplateComposer struct {
	recentWindow time.Duration
	maxMessages  int
}

// NewTemplateComposer returns a composer with a 48h message window.
func NewTemplateComposer() *TemplateComposer {
	return &TemplateComposer{
		recentWindow: defaultRecentWindow,
		maxMessages:  defaultMaxMessages,
	}
}

var summaryTemplate = template.Must(template.New("summary").Parse(
	`# Daily summary for {{.Name}} ({{.Date}})

## Messages
{{- if .Recent}}
{{- range .Recent}}
- {{.When}} {{.Sender}}: {{.Title}}{{if .Unread}} (unread){{end}}
{{- end}}
{{- else}}
No messages in the last {{.WindowHours}} hours.
{{- end}}

Unread total: {{.UnreadTotal}}
{{- if .NewMarks}}

## New marks
{{- range .NewMarks}}
- {{.Subject}}: {{.Text}} ({{.Caption}}, weight {{.Weight}})
{{- end}}
{{- end}}
`))

var preparationTemplate = template.Must(template.New("preparation").Parse(
	`# Preparation for {{.DayLabel}}
{{- if .Lessons}}

## Lessons
{{- range .Lessons}}
- {{.Begin}}-{{.End}} {{.Subject}}{{if .Room}} in {{.Room}}{{end}}{{if .Teacher}} with {{.Teacher}}{{end}}{{if .Change}} [{{.Change}}]{{end}}
{{- end}}
{{- else}}

No upcoming school day in the current timetable.
{{- end}}
{{- if .HasMessages}}

Unread messages to review: {{.Unread}}
{{- end}}
`))

type summaryView struct {
	Name        string
	Date        string
	WindowHours int
	Recent      []summaryMessage
	UnreadTotal int
	NewMarks    []summaryMark
}

type summaryMessage struct {
	When   string
	Sender string
	Title  string
	Unread bool
}

type summaryMark struct {
	Subject string
	Text    string
	Caption string
	Weight  int
}

// ComposeSummary renders the recent-message overview with any new marks.
func (c *TemplateComposer) ComposeSummary(_ context.Context, in SummaryInput) (string, error) {
	if in.Messages == nil {
		return "", fmt.Errorf("summary needs messages")
	}
	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}

	view := summaryView{
		Name:        in.Student.DisplayName(),
		Date:        date.Format("Monday 2 January 2006"),
		WindowHours: int(c.recentWindow.Hours()),
		UnreadTotal: in.Messages.UnreadCount(),
	}
	for _, msg := range in.Messages.Between(date.Add(-c.recentWindow), date.Add(time.Minute)) {
		if len(view.Recent) == c.maxMessages {
			break
		}
		sender := msg.Sender
		if sender == "" {
			sender = "unknown sender"
		}
		view.Recent = append(view.Recent, summaryMessage{
			When:   msg.SentAt.Format("Mon 15:04"),
			Sender: sender,
			Title:  strings.TrimSpace(msg.Title),
			Unread: !msg.Read,
		})
	}
	if in.Marks != nil {
		for _, subject := range in.Marks.Subjects {
			for _, mark := range subject.Marks {
				if !mark.New {
					continue
				}
				view.NewMarks = append(view.NewMarks, summaryMark{
					Subject: subject.Subject,
					Text:    mark.Text,
					Caption: mark.Caption,
					Weight:  mark.Weight,
				})
			}
		}
	}

	var buf strings.Builder
	if err := summaryTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render summary: %w", err)
	}
	return buf.String(), nil
}

type preparationView struct {
	DayLabel    string
	Lessons     []preparationLesson
	HasMessages bool
	Unread      int
}

type preparationLesson struct {
	Begin   string
	End     string
	Subject string
	Room    string
	Teacher string
	Change  string
}

// ComposePreparation renders the next school day's lessons after in.Date.
func (c *TemplateComposer) ComposePreparation(_ context.Context, in PreparationInput) (string, error) {
	if in.Timetable == nil {
		return "", fmt.Errorf("preparation needs a timetable")
	}
	date := in.Date
	if date.IsZero() {
		date = time.Now()
	}

	view := preparationView{
		DayLabel: "the next school day",
	}
	if in.Messages != nil {
		view.HasMessages = true
		view.Unread = in.Messages.UnreadCount()
	}
	if day := nextSchoolDay(in.Timetable, date); day != nil {
		view.DayLabel = day.Date.Format("Monday 2 January 2006")
		for _, lesson := range day.Lessons {
			change := ""
			if lesson.Changed {
				change = lesson.ChangeDescription
				if change == "" {
					change = "changed"
				}
			}
			view.Lessons = append(view.Lessons, preparationLesson{
				Begin:   lesson.BeginTime,
				End:     lesson.EndTime,
				Subject: lesson.Subject,
				Room:    lesson.Room,
				Teacher: lesson.Teacher,
				Change:  change,
			})
		}
	}

	var buf strings.Builder
	if err := preparationTemplate.Execute(&buf, view); err != nil {
		return "", fmt.Errorf("render preparation: %w", err)
	}
	return buf.String(), nil
}

// nextSchoolDay picks the first school day with lessons strictly after the
// given date's calendar day.
func nextSchoolDay(tt *feed.Timetable, after time.Time) *feed.TimetableDay {
	y, m, d := after.Date()
	cutoff := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	for i := range tt.Days {
		day := &tt.Days[i]
		dy, dm, dd := day.Date.Date()
		if !time.Date(dy, dm, dd, 0, 0, 0, 0, time.UTC).After(cutoff) {
			continue
		}
		if day.SchoolDay() && len(day.Lessons) > 0 {
			return day
		}
	}
	return nil
}
