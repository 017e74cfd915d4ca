package source

import "time"

// Status is a ticket's lifecycle state at the source.
type Status string

const (
	StatusOpen    Status = "open"
	StatusPending Status = "pending"
	StatusSolved  Status = "solved"
	StatusClosed  Status = "closed"
)

// Immutable reports whether the source refuses mutations for this state.
// Closed tickets can still be read and their attachments downloaded.
func (s Status) Immutable() bool { return s == StatusClosed }

// Ticket is the minimal ticket projection the engine needs.
type Ticket struct {
	ID        int64     `json:"id"`
	Status    Status    `json:"status"`
	Subject   string    `json:"subject"`
	UpdatedAt time.Time `json:"updated_at"`
	Tags      []string  `json:"tags"`
}

// Comment is one entry in a ticket's conversation.
type Comment struct {
	ID          int64        `json:"id"`
	HTMLBody    string       `json:"html_body"`
	Public      bool         `json:"public"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a declared attachment record on a comment.
type Attachment struct {
	ID          int64  `json:"id"`
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	Size        int64  `json:"size"`
	ContentURL  string `json:"content_url"`
	Inline      bool   `json:"inline"`
}
