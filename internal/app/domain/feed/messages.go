package feed

import (
	"html"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Messages bundles the komens message boxes fetched for a student.
// Noticeboard is optional; not every school enables it.
type Messages struct {
	Received    []Message `json:"received"`
	Noticeboard []Message `json:"noticeboard,omitempty"`
}

// Message is a single komens message, newest-first within its box.
type Message struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sent_at"`
	Sender      string    `json:"sender,omitempty"`
	Read        bool      `json:"read"`
	Attachments int       `json:"attachments,omitempty"`
}

var (
	tagPattern        = regexp.MustCompile(`<[^>]+>`)
	whitespacePattern = regexp.MustCompile(`\s+`)
)

// PlainText strips HTML markup and collapses whitespace, for digest
// composition.
func (m Message) PlainText() string {
	text := html.UnescapeString(m.Text)
	text = tagPattern.ReplaceAllString(text, " ")
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(text, " "))
}

// UnreadCount counts unread messages across both boxes.
func (m *Messages) UnreadCount() int {
	n := 0
	for _, msg := range m.Received {
		if !msg.Read {
			n++
		}
	}
	for _, msg := range m.Noticeboard {
		if !msg.Read {
			n++
		}
	}
	return n
}

// Between returns the messages sent within [from, to), across both boxes,
// newest first.
func (m *Messages) Between(from, to time.Time) []Message {
	var out []Message
	for _, msg := range append(append([]Message{}, m.Received...), m.Noticeboard...) {
		if msg.SentAt.Before(from) || !msg.SentAt.Before(to) {
			continue
		}
		out = append(out, msg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	return out
}
