package models

import "time"

// Chat represents a conversation container in the chat system. It provides basic identification and
// labeling capabilities for organizing message threads.
type Chat struct {
	ID    string
	Title string
}

// Message represents an individual communication entry within a chat. Beyond identification, role,
// and text content, an assistant message may carry the citations returned alongside the answer, the
// name of the model that produced it, and latency metrics captured while the response was streamed.
type Message struct {
	ID        string
	Role      Role
	Content   string
	Sources   []Source `json:",omitempty"`
	Metrics   Metrics  `json:",omitempty"`
	Model     string   `json:",omitempty"`
	Timestamp time.Time
}

// Source is a retrieved text excerpt cited by an assistant message. The metadata map is opaque to
// this application except for the "url" key, which links to the cited document when present.
type Source struct {
	PageContent string            `json:"page_content"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// URL returns the source's document link, or an empty string when the metadata carries none.
func (s Source) URL() string {
	return s.Metadata["url"]
}

// Metrics holds latency measurements for an assistant message. A zero value means the corresponding
// measurement was not taken and should not be displayed.
type Metrics struct {
	// TTFT is the time to first token in seconds.
	TTFT float64 `json:"ttft,omitempty"`
	// TotalTime is the total elapsed time of the response in seconds.
	TotalTime float64 `json:"total_time,omitempty"`
}

// Role represents the role of a message participant.
type Role string

// Rating represents user feedback on an assistant message.
type Rating string

const (
	// RoleUser represents a user message. A message with this role only contains plain text content.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message. A message with this role may also carry
	// sources, metrics, and a model name.
	RoleAssistant Role = "assistant"

	// RatingUp marks a message as rated positively.
	RatingUp Rating = "up"
	// RatingDown marks a message as rated negatively.
	RatingDown Rating = "down"
	// RatingNone is the absence of a rating.
	RatingNone Rating = ""
)

// Valid reports whether r is one of the known rating values, including the empty value used to
// clear a rating.
func (r Rating) Valid() bool {
	switch r {
	case RatingUp, RatingDown, RatingNone:
		return true
	}
	return false
}
