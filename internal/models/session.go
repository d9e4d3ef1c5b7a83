package models

import "time"

// Role is the part a device plays in a tournament.
type Role string

const (
	RoleOrganizer Role = "organizer"
	RoleReferee   Role = "referee"
	RolePlayer    Role = "player"
	RoleSpectator Role = "spectator"
)

var roleRank = map[Role]int{
	RoleSpectator: 0,
	RolePlayer:    1,
	RoleReferee:   2,
	RoleOrganizer: 3,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleRank[r]
	return ok
}

// Outranks reports whether r has strictly more authority than other.
func (r Role) Outranks(other Role) bool {
	return roleRank[r] > roleRank[other]
}

// Capability strings checked by HasPermission.
const (
	PermView          = "view"
	PermCheckIn       = "check_in"
	PermScoreEntry    = "score_entry"
	PermMatchStatus   = "match_status"
	PermManageBracket = "manage_bracket"
	PermManageAccess  = "manage_access"
	PermResolve       = "resolve_conflicts"
)

// DefaultPermissions returns the capabilities a role receives when an access
// code grants none explicitly.
func DefaultPermissions(r Role) StringSet {
	switch r {
	case RoleOrganizer:
		return NewStringSet(PermView, PermCheckIn, PermScoreEntry, PermMatchStatus,
			PermManageBracket, PermManageAccess, PermResolve)
	case RoleReferee:
		return NewStringSet(PermView, PermScoreEntry, PermMatchStatus, PermResolve)
	case RolePlayer:
		return NewStringSet(PermView, PermCheckIn)
	default:
		return NewStringSet(PermView)
	}
}

// DeviceSession is a device's authenticated presence in a tournament.
type DeviceSession struct {
	SessionID      string    `db:"session_id" json:"session_id"`
	DeviceID       string    `db:"device_id" json:"device_id"`
	TournamentID   string    `db:"tournament_id" json:"tournament_id"`
	Role           Role      `db:"role" json:"role"`
	Permissions    StringSet `db:"permissions" json:"permissions"`
	ScopedMatchIDs StringSet `db:"scoped_match_ids" json:"scoped_match_ids,omitempty"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	IsActive       bool      `db:"is_active" json:"is_active"`
}

// TableName returns the table name for DeviceSession.
func (DeviceSession) TableName() string {
	return "device_sessions"
}

// ExpiredAt reports whether the session has expired at now.
func (s *DeviceSession) ExpiredAt(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// AccessCode grants a device a scoped session when redeemed.
type AccessCode struct {
	Code               string    `db:"-" json:"code,omitempty"`
	Digest             string    `db:"digest" json:"-"`
	TournamentID       string    `db:"tournament_id" json:"tournament_id"`
	Role               Role      `db:"role" json:"role"`
	CreatedAt          time.Time `db:"created_at" json:"created_at"`
	ExpiresAt          time.Time `db:"expires_at" json:"expires_at"`
	MaxUses            int       `db:"max_uses" json:"max_uses"`
	UsesRemaining      int       `db:"uses_remaining" json:"uses_remaining"`
	GrantedPermissions StringSet `db:"granted_permissions" json:"granted_permissions"`
	CreatedBy          string    `db:"created_by" json:"created_by"`
}

// TableName returns the table name for AccessCode.
func (AccessCode) TableName() string {
	return "access_codes"
}

// ValidAt reports whether the code can still be redeemed at now.
func (c *AccessCode) ValidAt(now time.Time) bool {
	return c.UsesRemaining > 0 && now.Before(c.ExpiresAt)
}
