package schoolapi

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/bakaboard/sync_layer/internal/app/domain/feed"
)

// Remote API paths. The komens listing endpoints are POST-only and take no
// request body.
const (
	TimetableActualPath    = "/api/3/timetable/actual"
	TimetablePermanentPath = "/api/3/timetable/permanent"
	MarksPath              = "/api/3/marks"
	KomensReceivedPath     = "/api/3/komens/messages/received"
	KomensNoticeboardPath  = "/api/3/komens/messages/noticeboard"
)

const queryDateLayout = "2006-01-02"

// Timetable fetches the week containing day (today when zero) and resolves
// the lookup tables into per-day lessons.
func (c *Client) Timetable(ctx context.Context, day time.Time) (*feed.Timetable, error) {
	query := url.Values{}
	if !day.IsZero() {
		query.Set("date", day.Format(queryDateLayout))
	}
	op := "GET " + TimetableActualPath

	body, err := c.Get(ctx, TimetableActualPath, query)
	if err != nil {
		return nil, err
	}
	if _, err := envelope(body, op, "Days"); err != nil {
		return nil, err
	}
	var resp timetableResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &MalformedError{Op: op, Detail: "timetable payload", Err: err}
	}
	return resp.toTimetable(), nil
}

// Marks fetches the per-subject mark listing.
func (c *Client) Marks(ctx context.Context) (*feed.Marks, error) {
	op := "GET " + MarksPath

	body, err := c.Get(ctx, MarksPath, nil)
	if err != nil {
		return nil, err
	}
	if _, err := envelope(body, op, "Subjects"); err != nil {
		return nil, err
	}
	var resp marksResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &MalformedError{Op: op, Detail: "marks payload", Err: err}
	}
	return resp.toMarks(), nil
}

// Messages fetches received komens messages, newest first. The noticeboard
// feed is best-effort: not every school enables it, so its failure only
// drops that slice.
func (c *Client) Messages(ctx context.Context) (*feed.Messages, error) {
	received, err := c.fetchMessages(ctx, KomensReceivedPath)
	if err != nil {
		return nil, err
	}

	noticeboard, err := c.fetchMessages(ctx, KomensNoticeboardPath)
	if err != nil {
		c.log.WithError(err).Debugf("noticeboard fetch failed, continuing without it")
		noticeboard = nil
	}

	return &feed.Messages{Received: received, Noticeboard: noticeboard}, nil
}

func (c *Client) fetchMessages(ctx context.Context, path string) ([]feed.Message, error) {
	op := "POST " + path

	body, err := c.Post(ctx, path)
	if err != nil {
		return nil, err
	}
	if _, err := envelope(body, op, "Messages"); err != nil {
		return nil, err
	}
	var resp messagesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &MalformedError{Op: op, Detail: "messages payload", Err: err}
	}
	return resp.toMessages(), nil
}

// flexID tolerates the remote API serving identifiers as either JSON strings
// or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" {
		*f = ""
		return nil
	}
	*f = flexID(strings.Trim(s, `"`))
	return nil
}

type lookupItem struct {
	ID     flexID `json:"Id"`
	Name   string `json:"Name"`
	Abbrev string `json:"Abbrev"`
}

type timetableResponse struct {
	Days []struct {
		Date           string `json:"Date"`
		DayType        string `json:"DayType"`
		DayDescription string `json:"DayDescription"`
		Atoms          []struct {
			SubjectID flexID `json:"SubjectId"`
			TeacherID flexID `json:"TeacherId"`
			RoomID    flexID `json:"RoomId"`
			HourID    flexID `json:"HourId"`
			Theme     string `json:"Theme"`
			Group     string `json:"GroupAbvrev"`
			Change    *struct {
				Description string `json:"Description"`
			} `json:"Change"`
		} `json:"Atoms"`
	} `json:"Days"`
	Subjects []lookupItem `json:"Subjects"`
	Teachers []lookupItem `json:"Teachers"`
	Rooms    []lookupItem `json:"Rooms"`
	Hours    []struct {
		ID        flexID `json:"Id"`
		BeginTime string `json:"BeginTime"`
		EndTime   string `json:"EndTime"`
	} `json:"Hours"`
}

func (r *timetableResponse) toTimetable() *feed.Timetable {
	subjects := make(map[flexID]lookupItem, len(r.Subjects))
	for _, s := range r.Subjects {
		subjects[s.ID] = s
	}
	teachers := make(map[flexID]lookupItem, len(r.Teachers))
	for _, t := range r.Teachers {
		teachers[t.ID] = t
	}
	rooms := make(map[flexID]lookupItem, len(r.Rooms))
	for _, rm := range r.Rooms {
		rooms[rm.ID] = rm
	}
	type hourSpan struct{ begin, end string }
	hours := make(map[flexID]hourSpan, len(r.Hours))
	for _, h := range r.Hours {
		hours[h.ID] = hourSpan{begin: h.BeginTime, end: h.EndTime}
	}

	tt := &feed.Timetable{}
	for _, d := range r.Days {
		date, ok := parseAPITime(d.Date)
		if !ok {
			continue
		}
		day := feed.TimetableDay{
			Date:        date,
			Type:        d.DayType,
			Description: d.DayDescription,
		}
		for _, atom := range d.Atoms {
			// Atoms without a subject are free periods, not lessons.
			if atom.SubjectID == "" {
				continue
			}
			lesson := feed.Lesson{
				Subject: subjects[atom.SubjectID].Name,
				Abbrev:  subjects[atom.SubjectID].Abbrev,
				Teacher: teachers[atom.TeacherID].Name,
				Room:    rooms[atom.RoomID].Abbrev,
				Theme:   atom.Theme,
				Group:   atom.Group,
			}
			if span, ok := hours[atom.HourID]; ok {
				lesson.BeginTime = span.begin
				lesson.EndTime = span.end
			}
			if atom.Change != nil {
				lesson.Changed = true
				lesson.ChangeDescription = atom.Change.Description
			}
			day.Lessons = append(day.Lessons, lesson)
		}
		sort.Slice(day.Lessons, func(i, j int) bool {
			return day.Lessons[i].BeginTime < day.Lessons[j].BeginTime
		})
		tt.Days = append(tt.Days, day)
	}
	sort.Slice(tt.Days, func(i, j int) bool {
		return tt.Days[i].Date.Before(tt.Days[j].Date)
	})
	return tt
}

type marksResponse struct {
	Subjects []struct {
		Subject struct {
			ID     flexID `json:"Id"`
			Name   string `json:"Name"`
			Abbrev string `json:"Abbrev"`
		} `json:"Subject"`
		AverageText string `json:"AverageText"`
		Marks       []struct {
			ID       flexID `json:"Id"`
			MarkDate string `json:"MarkDate"`
			Caption  string `json:"Caption"`
			MarkText string `json:"MarkText"`
			Weight   int    `json:"Weight"`
			IsNew    bool   `json:"IsNew"`
		} `json:"Marks"`
	} `json:"Subjects"`
}

func (r *marksResponse) toMarks() *feed.Marks {
	marks := &feed.Marks{}
	for _, s := range r.Subjects {
		subject := feed.SubjectMarks{
			SubjectID: string(s.Subject.ID),
			Subject:   s.Subject.Name,
			Abbrev:    s.Subject.Abbrev,
			Average:   strings.TrimSpace(s.AverageText),
		}
		for _, m := range s.Marks {
			date, _ := parseAPITime(m.MarkDate)
			subject.Marks = append(subject.Marks, feed.Mark{
				ID:      string(m.ID),
				Date:    date,
				Caption: m.Caption,
				Text:    m.MarkText,
				Weight:  m.Weight,
				New:     m.IsNew,
			})
		}
		marks.Subjects = append(marks.Subjects, subject)
	}
	return marks
}

type messagesResponse struct {
	Messages []struct {
		ID       flexID `json:"Id"`
		Title    string `json:"Title"`
		Text     string `json:"Text"`
		SentDate string `json:"SentDate"`
		Sender   struct {
			Name string `json:"Name"`
		} `json:"Sender"`
		Read        bool `json:"Read"`
		Attachments []struct {
			ID   flexID `json:"Id"`
			Name string `json:"Name"`
		} `json:"Attachments"`
	} `json:"Messages"`
}

func (r *messagesResponse) toMessages() []feed.Message {
	out := make([]feed.Message, 0, len(r.Messages))
	for _, m := range r.Messages {
		sentAt, _ := parseAPITime(m.SentDate)
		out = append(out, feed.Message{
			ID:          string(m.ID),
			Title:       m.Title,
			Text:        m.Text,
			SentAt:      sentAt,
			Sender:      m.Sender.Name,
			Read:        m.Read,
			Attachments: len(m.Attachments),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SentAt.After(out[j].SentAt)
	})
	return out
}

var apiTimeLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02",
}

// parseAPITime handles the timestamp shapes the remote API serves: RFC3339
// with offset, offset-less local time, and bare dates.
func parseAPITime(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range apiTimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
