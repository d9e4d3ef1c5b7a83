// Package ids generates and validates prefixed identifiers.
//
// Every entity the engine creates on its own (conflicts, sessions, audit
// entries, relay clients) gets a random UUID v4 behind a short type prefix so
// log lines and CLI arguments are self-describing.
package ids

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefix identifies the entity an ID belongs to.
type Prefix string

const (
	Conflict Prefix = "cf"
	Session  Prefix = "ses"
	Audit    Prefix = "aud"
	Client   Prefix = "cli"
	Device   Prefix = "dev"
)

// New generates a new prefixed ID.
func New(p Prefix) string {
	return string(p) + "_" + uuid.New().String()
}

// NewConflictID generates a conflict record ID.
func NewConflictID() string { return New(Conflict) }

// NewSessionID generates a device session ID.
func NewSessionID() string { return New(Session) }

// NewAuditID generates an audit entry ID.
func NewAuditID() string { return New(Audit) }

// NewDeviceID generates a device ID for a fresh installation.
func NewDeviceID() string { return New(Device) }

// Parse splits id into its prefix and UUID, checking both.
func Parse(id string) (Prefix, uuid.UUID, error) {
	prefix, rest, ok := strings.Cut(id, "_")
	if !ok || prefix == "" {
		return "", uuid.Nil, fmt.Errorf("invalid id %q: missing prefix", id)
	}
	u, err := uuid.Parse(rest)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("invalid id %q: %w", id, err)
	}
	if u.Version() != 4 {
		return "", uuid.Nil, fmt.Errorf("invalid id %q: expected UUID v4, got v%d", id, u.Version())
	}
	return Prefix(prefix), u, nil
}

// Validate returns an error unless id is a well-formed ID with prefix p.
func Validate(p Prefix, id string) error {
	got, _, err := Parse(id)
	if err != nil {
		return err
	}
	if got != p {
		return fmt.Errorf("invalid id %q: expected prefix %q", id, p)
	}
	return nil
}
