package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Message is one entry of a ticket thread. Storage lives on the server;
// the console only carries what new_message events deliver.
type Message struct {
	ID             int64        `json:"id"`
	SenderType     IdentityType `json:"sender_type"`
	SenderID       int64        `json:"sender_id"`
	Message        string       `json:"message"`
	IsInternalNote bool         `json:"is_internal_note"`
	CreatedAt      Timestamp    `json:"created_at"`
	Attachments    []Attachment `json:"attachments"`
}

type Attachment struct {
	ID             int64     `json:"id"`
	AttachmentType string    `json:"attachment_type"`
	FilePath       *string   `json:"file_path"`
	FileName       *string   `json:"file_name"`
	FileSize       *int64    `json:"file_size"`
	LinkURL        *string   `json:"link_url"`
	LinkTitle      *string   `json:"link_title"`
	CreatedAt      Timestamp `json:"created_at"`
}

// Timestamp decodes the server's datetimes, which may come without a zone.
type Timestamp struct {
	time.Time
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (ts *Timestamp) UnmarshalJSON(data []byte) error {
	var raw *string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil || *raw == "" {
		ts.Time = time.Time{}
		return nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, *raw); err == nil {
			ts.Time = t
			return nil
		}
	}
	return fmt.Errorf("unrecognised timestamp %q", *raw)
}

func (ts Timestamp) MarshalJSON() ([]byte, error) {
	if ts.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(ts.Format(time.RFC3339Nano))
}
