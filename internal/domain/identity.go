// Package domain holds the ticket, message, identity and call types the
// console shares with the support server, with their JSON forms.
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrIdentityEmpty       = errors.New("identity empty")
	ErrUnknownIdentityType = errors.New("unknown identity type")
)

// IdentityType is the account kind the server authenticated the token as.
type IdentityType string

const (
	IdentityAdmin    IdentityType = "admin"
	IdentityReseller IdentityType = "reseller"
)

// Identity is a participant of a ticket thread as the server describes it
// in "from" and "user" fields.
type Identity struct {
	Type     IdentityType `json:"type"`
	ID       int64        `json:"id"`
	Username string       `json:"username"`
}

// Key mirrors the server's connection key ("admin_1", "reseller_7").
func (i Identity) Key() string {
	if i.IsZero() {
		return ""
	}
	return fmt.Sprintf("%s_%d", i.Type, i.ID)
}

func (i Identity) IsZero() bool {
	return i.Type == "" && i.ID == 0
}

// Same reports whether both identities name the same account.
// Zero identities never match anything.
func (i Identity) Same(other Identity) bool {
	if i.IsZero() || other.IsZero() {
		return false
	}
	return i.Type == other.Type && i.ID == other.ID
}

func (i Identity) Validate() error {
	if i.IsZero() {
		return ErrIdentityEmpty
	}
	switch i.Type {
	case IdentityAdmin, IdentityReseller:
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownIdentityType, i.Type)
}
