// Package session manages device sessions, access codes and scoped
// permissions for a tournament. Expiry is evaluated lazily on every check
// against a clock corrected by the measured server skew.
package session

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/ids"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/remote"
)

// CodeAlphabet excludes glyphs that are easily confused (0/O, 1/I).
const CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Access code length bounds.
const (
	MinCodeLength = 6
	MaxCodeLength = 8
)

const (
	codeAttempts = 16
	skewStateKey = "clock_skew_ms"
)

const sessionColumns = `session_id, device_id, tournament_id, role, permissions, scoped_match_ids,
	created_at, expires_at, is_active`

// Options configures a Manager.
type Options struct {
	SessionTTL time.Duration
	CodeLength int
}

// DefaultOptions returns a 12 hour session lifetime and 6 character codes.
func DefaultOptions() Options {
	return Options{SessionTTL: 12 * time.Hour, CodeLength: MinCodeLength}
}

// CodeOptions controls a generated access code.
type CodeOptions struct {
	ExpirationMinutes int
	MaxUses           int
	Permissions       []string
}

// DelegateOptions controls a delegated session.
type DelegateOptions struct {
	// Role defaults to referee.
	Role models.Role
	TTL  time.Duration
}

// Manager owns the sessions of one device.
type Manager struct {
	db       *db.DB
	clock    clock.Clock
	deviceID string
	opts     Options
	log      *logging.Logger

	mu   sync.RWMutex
	skew time.Duration
}

// New creates a Manager for deviceID and restores the last measured skew.
func New(database *db.DB, clk clock.Clock, deviceID string, opts Options) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	defaults := DefaultOptions()
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = defaults.SessionTTL
	}
	if opts.CodeLength < MinCodeLength || opts.CodeLength > MaxCodeLength {
		opts.CodeLength = defaults.CodeLength
	}
	m := &Manager{
		db:       database,
		clock:    clk,
		deviceID: deviceID,
		opts:     opts,
		log:      logging.Get().With(map[string]interface{}{"component": "session", "device_id": deviceID}),
	}
	if v, err := db.GetState(context.Background(), database, skewStateKey); err == nil && v != "" {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			m.skew = time.Duration(ms) * time.Millisecond
		}
	}
	return m
}

// DeviceID returns the device this manager acts for.
func (m *Manager) DeviceID() string {
	return m.deviceID
}

// Now returns the trusted time: the local clock corrected by the measured
// server skew.
func (m *Manager) Now() time.Time {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.clock.Now().Add(m.skew)
}

// ClockSkew returns server time minus local time from the last check.
func (m *Manager) ClockSkew() time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.skew
}

// CheckClock measures the skew against the remote store's clock, using the
// midpoint of the round trip as the local reference.
func (m *Manager) CheckClock(ctx context.Context, ts remote.TimeSource) (time.Duration, error) {
	before := m.clock.Now()
	server, err := ts.ServerTime(ctx)
	if err != nil {
		return 0, err
	}
	after := m.clock.Now()
	local := before.Add(after.Sub(before) / 2)
	skew := server.Sub(local).Round(time.Millisecond)

	m.mu.Lock()
	m.skew = skew
	m.mu.Unlock()

	if err := db.SetState(ctx, m.db, skewStateKey, strconv.FormatInt(skew.Milliseconds(), 10)); err != nil {
		return skew, err
	}
	m.log.Debug("clock checked", map[string]interface{}{"skew_ms": skew.Milliseconds()})
	return skew, nil
}

// StartSession opens a session for this device directly, replacing any
// active session it holds in the tournament. It is how the owning organizer
// bootstraps a tournament on a device.
func (m *Manager) StartSession(ctx context.Context, tournamentID string, role models.Role, permissions models.StringSet, scopedMatchIDs models.StringSet) (*models.DeviceSession, error) {
	var s *models.DeviceSession
	err := m.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		s, err = m.createSessionTx(ctx, tx, m.deviceID, tournamentID, role, permissions, scopedMatchIDs, m.opts.SessionTTL)
		return err
	})
	return s, err
}

func (m *Manager) createSessionTx(ctx context.Context, tx *sql.Tx, deviceID, tournamentID string, role models.Role,
	permissions, scoped models.StringSet, ttl time.Duration) (*models.DeviceSession, error) {
	if tournamentID == "" || deviceID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "device and tournament are required")
	}
	if !role.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown role %q", role)
	}
	if len(permissions) == 0 {
		permissions = models.DefaultPermissions(role)
	}

	now := m.Now().UTC()
	s := &models.DeviceSession{
		SessionID:      ids.NewSessionID(),
		DeviceID:       deviceID,
		TournamentID:   tournamentID,
		Role:           role,
		Permissions:    permissions,
		ScopedMatchIDs: scoped,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
		IsActive:       true,
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE device_sessions SET is_active = 0
		WHERE device_id = ? AND tournament_id = ? AND is_active = 1`, deviceID, tournamentID); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to close previous session", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.DeviceID, s.TournamentID, string(s.Role), s.Permissions, s.ScopedMatchIDs,
		db.Millis(s.CreatedAt), db.Millis(s.ExpiresAt), s.IsActive); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to store session", err)
	}
	return s, nil
}

// Get returns a session by id, or nil.
func (m *Manager) Get(ctx context.Context, sessionID string) (*models.DeviceSession, error) {
	row := m.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM device_sessions WHERE session_id = ?`, sessionID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read session", err)
	}
	return s, nil
}

// Current returns this device's active session, or nil when it has none. An
// expired session is deactivated and reported as SESSION_EXPIRED.
func (m *Manager) Current(ctx context.Context) (*models.DeviceSession, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM device_sessions
		WHERE device_id = ? AND is_active = 1
		ORDER BY created_at DESC LIMIT 1`, m.deviceID)
	s, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to read current session", err)
	}
	if s.ExpiredAt(m.Now()) {
		m.deactivate(ctx, s.SessionID)
		return nil, apperrors.Newf(apperrors.ErrSessionExpired, "session %s expired at %s",
			s.SessionID, s.ExpiresAt.Format(time.RFC3339))
	}
	return s, nil
}

func (m *Manager) deactivate(ctx context.Context, sessionID string) {
	if _, err := m.db.ExecContext(ctx, "UPDATE device_sessions SET is_active = 0 WHERE session_id = ?", sessionID); err != nil {
		m.log.Error("failed to deactivate session", err, map[string]interface{}{"session_id": sessionID})
	}
}

// List returns the sessions of a tournament, newest first.
func (m *Manager) List(ctx context.Context, tournamentID string) ([]*models.DeviceSession, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM device_sessions
		WHERE tournament_id = ? ORDER BY created_at DESC`, tournamentID)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to list sessions", err)
	}
	defer rows.Close()

	var out []*models.DeviceSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrDatabase, "failed to scan session", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// HasPermission reports whether this device's current session grants
// permission, optionally for one match. It fails closed: no session, an
// inactive or expired session, or a match outside the session's scope all
// return false.
func (m *Manager) HasPermission(ctx context.Context, permission, matchID string) bool {
	s, err := m.Current(ctx)
	if err != nil || s == nil {
		return false
	}
	return Allows(s, permission, matchID)
}

// Allows reports whether an active session s grants permission for matchID.
func Allows(s *models.DeviceSession, permission, matchID string) bool {
	if s == nil || !s.IsActive || !s.Permissions.Has(permission) {
		return false
	}
	if matchID != "" && s.ScopedMatchIDs != nil && !s.ScopedMatchIDs.Has(matchID) {
		return false
	}
	return true
}

// Require returns the current session if it grants permission for matchID,
// and a PERMISSION_DENIED or SESSION_EXPIRED error otherwise.
func (m *Manager) Require(ctx context.Context, permission, matchID string) (*models.DeviceSession, error) {
	s, err := m.Current(ctx)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, apperrors.New(apperrors.ErrPermission, "no active session")
	}
	if !Allows(s, permission, matchID) {
		detail := map[string]interface{}{"permission": permission}
		if matchID != "" {
			detail["match_id"] = matchID
		}
		if err := db.InsertAudit(ctx, m.db, &models.AuditEntry{
			Action: models.AuditPermissionDenied, SessionID: s.SessionID, Subject: s.TournamentID,
			Detail: detail, CreatedAt: m.Now().UTC(),
		}); err != nil {
			m.log.Error("failed to audit permission denial", err)
		}
		return nil, apperrors.Newf(apperrors.ErrPermission, "session %s lacks %s", s.SessionID, permission)
	}
	return s, nil
}

// requireOrganizer checks the caller may manage access for tournamentID.
func (m *Manager) requireOrganizer(ctx context.Context, tournamentID string) (*models.DeviceSession, error) {
	s, err := m.Require(ctx, models.PermManageAccess, "")
	if err != nil {
		return nil, err
	}
	if s.TournamentID != tournamentID {
		return nil, apperrors.Newf(apperrors.ErrPermission, "session %s does not manage tournament %s", s.SessionID, tournamentID)
	}
	return s, nil
}

// GenerateAccessCode creates a use-limited code granting role in the
// tournament. The caller must hold manage_access for it. The plaintext code
// is returned once; only its digest is stored.
func (m *Manager) GenerateAccessCode(ctx context.Context, tournamentID string, role models.Role, opts CodeOptions) (*models.AccessCode, error) {
	issuer, err := m.requireOrganizer(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if !role.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown role %q", role)
	}
	if opts.MaxUses <= 0 {
		opts.MaxUses = 1
	}
	if opts.ExpirationMinutes <= 0 {
		opts.ExpirationMinutes = 60
	}
	granted := models.NewStringSet(opts.Permissions...)
	for p := range granted {
		if !issuer.Permissions.Has(p) {
			return nil, apperrors.Newf(apperrors.ErrPermission, "cannot grant %s without holding it", p)
		}
	}
	if len(granted) == 0 {
		granted = models.DefaultPermissions(role)
	}

	now := m.Now().UTC()
	code := &models.AccessCode{
		TournamentID:       tournamentID,
		Role:               role,
		CreatedAt:          now,
		ExpiresAt:          now.Add(time.Duration(opts.ExpirationMinutes) * time.Minute),
		MaxUses:            opts.MaxUses,
		UsesRemaining:      opts.MaxUses,
		GrantedPermissions: granted,
		CreatedBy:          issuer.SessionID,
	}

	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		// Spent codes keep their value reserved so redeeming them still
		// reports why they stopped working.
		for attempt := 0; attempt < codeAttempts; attempt++ {
			plain, err := randomCode(m.opts.CodeLength)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrInternal, "failed to generate code", err)
			}
			digest := Digest(plain)
			res, err := tx.ExecContext(ctx, `
				INSERT INTO access_codes (digest, tournament_id, role, created_at, expires_at, max_uses,
					uses_remaining, granted_permissions, created_by)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(digest) DO NOTHING`,
				digest, code.TournamentID, string(code.Role), db.Millis(code.CreatedAt), db.Millis(code.ExpiresAt),
				code.MaxUses, code.UsesRemaining, code.GrantedPermissions, code.CreatedBy)
			if err != nil {
				return apperrors.Wrap(apperrors.ErrDatabase, "failed to store access code", err)
			}
			if n, _ := res.RowsAffected(); n == 1 {
				code.Code = plain
				code.Digest = digest
				return db.InsertAudit(ctx, tx, &models.AuditEntry{
					Action: models.AuditCodeGenerated, SessionID: issuer.SessionID, Subject: tournamentID,
					Detail:    map[string]interface{}{"role": string(role), "max_uses": code.MaxUses},
					CreatedAt: now,
				})
			}
		}
		return apperrors.New(apperrors.ErrDuplicate, "could not find a free access code")
	})
	if err != nil {
		return nil, err
	}

	m.log.Info("access code generated", map[string]interface{}{
		"tournament_id": tournamentID, "role": string(role), "max_uses": code.MaxUses,
	})
	return code, nil
}

// RedeemAccessCode consumes one use of code and opens a session for this
// device. The decrement is conditional on uses remaining and expiry, so
// concurrent redemptions of a last use succeed exactly once.
func (m *Manager) RedeemAccessCode(ctx context.Context, code string) (*models.DeviceSession, error) {
	plain, err := NormalizeCode(code)
	if err != nil {
		return nil, err
	}
	digest := Digest(plain)

	var s *models.DeviceSession
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		now := m.Now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE access_codes SET uses_remaining = uses_remaining - 1
			WHERE digest = ? AND uses_remaining > 0 AND expires_at > ?`, digest, db.Millis(now))
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to redeem access code", err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return m.redeemFailure(ctx, tx, digest, now)
		}

		var (
			tournamentID, role string
			granted            models.StringSet
		)
		if err := tx.QueryRowContext(ctx,
			"SELECT tournament_id, role, granted_permissions FROM access_codes WHERE digest = ?", digest,
		).Scan(&tournamentID, &role, &granted); err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to read access code", err)
		}

		s, err = m.createSessionTx(ctx, tx, m.deviceID, tournamentID, models.Role(role), granted, nil, m.opts.SessionTTL)
		if err != nil {
			return err
		}
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action: models.AuditCodeRedeemed, SessionID: s.SessionID, Subject: tournamentID,
			Detail: map[string]interface{}{"role": role}, CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("access code redeemed", map[string]interface{}{"session_id": s.SessionID, "role": string(s.Role)})
	return s, nil
}

func (m *Manager) redeemFailure(ctx context.Context, tx *sql.Tx, digest string, now time.Time) error {
	var remaining int
	var expiresAt int64
	err := tx.QueryRowContext(ctx,
		"SELECT uses_remaining, expires_at FROM access_codes WHERE digest = ?", digest).Scan(&remaining, &expiresAt)
	if err == sql.ErrNoRows {
		return apperrors.New(apperrors.ErrNotFound, "access code not recognized")
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrDatabase, "failed to read access code", err)
	}
	if remaining == 0 {
		return apperrors.New(apperrors.ErrCodeExhausted, "access code has no uses remaining")
	}
	return apperrors.Newf(apperrors.ErrCodeExhausted, "access code expired at %s",
		db.FromMillis(expiresAt).Format(time.RFC3339))
}

// DelegatePermissions opens a session for another device directly, scoped to
// matchIDs when given. The caller must hold manage_access for the tournament
// and every delegated permission.
func (m *Manager) DelegatePermissions(ctx context.Context, deviceID, tournamentID string, permissions []string, matchIDs []string, opts DelegateOptions) (*models.DeviceSession, error) {
	issuer, err := m.requireOrganizer(ctx, tournamentID)
	if err != nil {
		return nil, err
	}
	if opts.Role == "" {
		opts.Role = models.RoleReferee
	}
	if opts.TTL <= 0 {
		opts.TTL = m.opts.SessionTTL
	}
	perms := models.NewStringSet(permissions...)
	for p := range perms {
		if !issuer.Permissions.Has(p) {
			return nil, apperrors.Newf(apperrors.ErrPermission, "cannot delegate %s without holding it", p)
		}
	}
	var scoped models.StringSet
	if len(matchIDs) > 0 {
		scoped = models.NewStringSet(matchIDs...)
	}

	var s *models.DeviceSession
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		s, err = m.createSessionTx(ctx, tx, deviceID, tournamentID, opts.Role, perms, scoped, opts.TTL)
		if err != nil {
			return err
		}
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action: models.AuditDelegated, SessionID: issuer.SessionID, Subject: deviceID,
			Detail: map[string]interface{}{
				"tournament_id": tournamentID, "permissions": perms.Sorted(), "match_ids": scoped.Sorted(),
			},
			CreatedAt: m.Now().UTC(),
		})
	})
	return s, err
}

// EndSession deactivates a session. Ending an unknown or already ended
// session is not an error.
func (m *Manager) EndSession(ctx context.Context, sessionID string) error {
	return m.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE device_sessions SET is_active = 0 WHERE session_id = ? AND is_active = 1", sessionID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to end session", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action: models.AuditSessionEnded, SessionID: sessionID, Subject: sessionID, CreatedAt: m.Now().UTC(),
		})
	})
}

// RevokeRole deactivates every active session deviceID holds in the
// tournament. The caller must hold manage_access for it.
func (m *Manager) RevokeRole(ctx context.Context, deviceID, tournamentID string) (int, error) {
	issuer, err := m.requireOrganizer(ctx, tournamentID)
	if err != nil {
		return 0, err
	}
	var revoked int64
	err = m.db.WithTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE device_sessions SET is_active = 0
			WHERE device_id = ? AND tournament_id = ? AND is_active = 1`, deviceID, tournamentID)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrDatabase, "failed to revoke sessions", err)
		}
		revoked, _ = res.RowsAffected()
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action: models.AuditRoleRevoked, SessionID: issuer.SessionID, Subject: deviceID,
			Detail: map[string]interface{}{"tournament_id": tournamentID, "revoked": revoked}, CreatedAt: m.Now().UTC(),
		})
	})
	return int(revoked), err
}

// NormalizeCode uppercases code, strips separators and checks the alphabet.
func NormalizeCode(code string) (string, error) {
	plain := strings.ToUpper(strings.NewReplacer("-", "", " ", "").Replace(strings.TrimSpace(code)))
	if len(plain) < MinCodeLength || len(plain) > MaxCodeLength {
		return "", apperrors.Newf(apperrors.ErrInvalid, "access codes have %d to %d characters", MinCodeLength, MaxCodeLength)
	}
	for _, r := range plain {
		if !strings.ContainsRune(CodeAlphabet, r) {
			return "", apperrors.Newf(apperrors.ErrInvalid, "access code contains invalid character %q", r)
		}
	}
	return plain, nil
}

// Digest returns the stored form of a normalized code.
func Digest(code string) string {
	sum := blake2b.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	// The alphabet has 32 symbols, so the low five bits index it uniformly.
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = CodeAlphabet[int(b)&(len(CodeAlphabet)-1)]
	}
	return string(out), nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(s scanner) (*models.DeviceSession, error) {
	var (
		out                  models.DeviceSession
		role                 string
		createdAt, expiresAt int64
	)
	err := s.Scan(&out.SessionID, &out.DeviceID, &out.TournamentID, &role, &out.Permissions, &out.ScopedMatchIDs,
		&createdAt, &expiresAt, &out.IsActive)
	if err != nil {
		return nil, err
	}
	out.Role = models.Role(role)
	out.CreatedAt = db.FromMillis(createdAt)
	out.ExpiresAt = db.FromMillis(expiresAt)
	return &out, nil
}
