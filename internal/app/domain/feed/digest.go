package feed

import "time"

// Digest is the payload of the derived summary and preparation domains:
// composed markdown plus the fetch times of the snapshots it was built from.
type Digest struct {
	Text       string               `json:"text"`
	InputTimes map[Domain]time.Time `json:"input_times,omitempty"`
	Messages   int                  `json:"messages"`
	Marks      int                  `json:"marks,omitempty"`
	Lessons    int                  `json:"lessons,omitempty"`
}

// Document is the payload of the external-doc domain: the already-converted
// markdown body fetched from a configured source.
type Document struct {
	SourceURL   string `json:"source_url"`
	ContentType string `json:"content_type,omitempty"`
	Content     string `json:"content"`
}
