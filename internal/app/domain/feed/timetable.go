package feed

import "time"

// Day types reported by the remote timetable endpoint.
const (
	DayTypeWorkDay = "WorkDay"
	DayTypeHoliday = "Holiday"
	DayTypeWeekend = "Weekend"
)

// Timetable is one week of lessons.
type Timetable struct {
	Days []TimetableDay `json:"days"`
}

// TimetableDay holds the lessons of a single day, ordered by begin time.
type TimetableDay struct {
	Date        time.Time `json:"date"`
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Lessons     []Lesson  `json:"lessons"`
}

// Lesson is a single timetable slot with its subject/teacher/room lookups
// already resolved.
type Lesson struct {
	Subject           string `json:"subject"`
	Abbrev            string `json:"abbrev"`
	Teacher           string `json:"teacher,omitempty"`
	Room              string `json:"room,omitempty"`
	BeginTime         string `json:"begin_time"`
	EndTime           string `json:"end_time"`
	Theme             string `json:"theme,omitempty"`
	Group             string `json:"group,omitempty"`
	Changed           bool   `json:"changed"`
	ChangeDescription string `json:"change_description,omitempty"`
}

// SchoolDay reports whether lessons take place on this day.
func (d TimetableDay) SchoolDay() bool {
	return d.Type == DayTypeWorkDay
}

// Day returns the entry for the given calendar date, or nil.
func (t *Timetable) Day(date time.Time) *TimetableDay {
	y, m, dd := date.Date()
	for i := range t.Days {
		dy, dm, ddd := t.Days[i].Date.Date()
		if dy == y && dm == m && ddd == dd {
			return &t.Days[i]
		}
	}
	return nil
}

// Subjects returns the unique subject names seen across the week, in first
// appearance order.
func (t *Timetable) Subjects() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, day := range t.Days {
		for _, lesson := range day.Lessons {
			if lesson.Subject == "" {
				continue
			}
			if _, ok := seen[lesson.Subject]; ok {
				continue
			}
			seen[lesson.Subject] = struct{}{}
			out = append(out, lesson.Subject)
		}
	}
	return out
}
