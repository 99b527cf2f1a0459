package feed

import "time"

// Marks groups the student's grades by subject.
type Marks struct {
	Subjects []SubjectMarks `json:"subjects"`
}

// SubjectMarks holds all marks of one subject plus the remote-computed
// average text.
type SubjectMarks struct {
	SubjectID string `json:"subject_id"`
	Subject   string `json:"subject"`
	Abbrev    string `json:"abbrev,omitempty"`
	Average   string `json:"average,omitempty"`
	Marks     []Mark `json:"marks"`
}

// Mark is a single grade entry.
type Mark struct {
	ID      string    `json:"id"`
	Date    time.Time `json:"date"`
	Caption string    `json:"caption,omitempty"`
	Text    string    `json:"text"`
	Weight  int       `json:"weight"`
	New     bool      `json:"new"`
}

// NewCount returns the number of marks flagged unseen by the remote API.
func (m *Marks) NewCount() int {
	n := 0
	for _, s := range m.Subjects {
		for _, mk := range s.Marks {
			if mk.New {
				n++
			}
		}
	}
	return n
}

// Since returns the marks dated at or after the given instant, across all
// subjects.
func (m *Marks) Since(t time.Time) []Mark {
	var out []Mark
	for _, s := range m.Subjects {
		for _, mk := range s.Marks {
			if !mk.Date.Before(t) {
				out = append(out, mk)
			}
		}
	}
	return out
}
