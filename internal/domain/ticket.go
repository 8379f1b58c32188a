package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
)

var ErrInvalidTicketID = errors.New("invalid ticket id")

// TicketID identifies a support ticket. Empty means no ticket is selected.
type TicketID string

func (t TicketID) String() string { return string(t) }

func (t TicketID) IsZero() bool { return strings.TrimSpace(string(t)) == "" }

// UnmarshalJSON accepts both 42 and "42"; the server sends numbers.
func (t *TicketID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*t = TicketID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return ErrInvalidTicketID
	}
	if _, err := strconv.ParseInt(n.String(), 10, 64); err != nil {
		return ErrInvalidTicketID
	}
	*t = TicketID(n.String())
	return nil
}

// ParseTicketID validates an id taken from a URL or config.
func ParseTicketID(raw string) (TicketID, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.ContainsAny(raw, "/?#") {
		return "", ErrInvalidTicketID
	}
	return TicketID(raw), nil
}
