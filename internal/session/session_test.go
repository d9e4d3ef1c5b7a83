// Package session tests for device sessions and access codes.
package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/remote/memory"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	db    *db.DB
	clock *clock.Fake
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	database, err := db.OpenPath(db.MemoryDSN)
	if err != nil {
		t.Fatalf("OpenPath() failed: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return &fixture{db: database, clock: clock.NewFake(epoch)}
}

func (f *fixture) manager(deviceID string) *Manager {
	return New(f.db, f.clock, deviceID, DefaultOptions())
}

func (f *fixture) organizer(t *testing.T) *Manager {
	t.Helper()
	m := f.manager("dev-organizer")
	if _, err := m.StartSession(context.Background(), "t1", models.RoleOrganizer, nil, nil); err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	return m
}

// TestStartSessionDefaults verifies a bootstrap session gets the role's
// default permissions and replaces the previous one.
func TestStartSessionDefaults(t *testing.T) {
	f := newFixture(t)
	m := f.manager("dev-1")
	ctx := context.Background()

	first, err := m.StartSession(ctx, "t1", models.RoleReferee, nil, nil)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	if !first.Permissions.Has(models.PermScoreEntry) || first.Permissions.Has(models.PermManageAccess) {
		t.Errorf("permissions = %v", first.Permissions.Sorted())
	}
	if !first.ExpiresAt.Equal(epoch.Add(12 * time.Hour)) {
		t.Errorf("ExpiresAt = %v", first.ExpiresAt)
	}

	second, err := m.StartSession(ctx, "t1", models.RolePlayer, nil, nil)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	prev, _ := m.Get(ctx, first.SessionID)
	if prev == nil || prev.IsActive {
		t.Error("previous session should be deactivated")
	}
	cur, err := m.Current(ctx)
	if err != nil || cur == nil || cur.SessionID != second.SessionID {
		t.Fatalf("Current() = %+v, %v", cur, err)
	}

	if _, err := m.StartSession(ctx, "t1", models.Role("admin"), nil, nil); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("unknown role error = %v, want INVALID_INPUT", err)
	}
}

// TestScopedRefereeDenied verifies match-scoped permissions are enforced.
func TestScopedRefereeDenied(t *testing.T) {
	f := newFixture(t)
	m := f.manager("dev-ref")
	ctx := context.Background()

	_, err := m.StartSession(ctx, "t1", models.RoleReferee, nil, models.NewStringSet("m1"))
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	if !m.HasPermission(ctx, models.PermScoreEntry, "m1") {
		t.Error("score_entry on m1 should be allowed")
	}
	if m.HasPermission(ctx, models.PermScoreEntry, "m2") {
		t.Error("score_entry on m2 should be denied")
	}
	if m.HasPermission(ctx, models.PermManageBracket, "") {
		t.Error("referee should not manage brackets")
	}

	if _, err := m.Require(ctx, models.PermScoreEntry, "m2"); !apperrors.Is(err, apperrors.ErrPermission) {
		t.Errorf("Require() error = %v, want PERMISSION_DENIED", err)
	}
	entries, err := db.ListAudit(ctx, f.db, 10)
	if err != nil {
		t.Fatalf("ListAudit() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != models.AuditPermissionDenied {
		t.Errorf("audit = %+v, want one permission_denied entry", entries)
	}
}

// TestLazyExpiry verifies permission checks expire sessions without a tick.
func TestLazyExpiry(t *testing.T) {
	f := newFixture(t)
	m := f.manager("dev-1")
	ctx := context.Background()

	s, err := m.StartSession(ctx, "t1", models.RoleReferee, nil, nil)
	if err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	f.clock.Advance(12*time.Hour - time.Second)
	if !m.HasPermission(ctx, models.PermView, "") {
		t.Fatal("session should still be valid")
	}

	f.clock.Advance(time.Second)
	if m.HasPermission(ctx, models.PermView, "") {
		t.Error("expired session should deny")
	}
	if _, err := m.Current(ctx); err != nil {
		t.Errorf("second Current() error = %v, want nil after deactivation", err)
	}
	stored, _ := m.Get(ctx, s.SessionID)
	if stored.IsActive {
		t.Error("expired session should be marked inactive")
	}
}

// TestCurrentReportsExpiry verifies the first check after expiry surfaces
// SESSION_EXPIRED.
func TestCurrentReportsExpiry(t *testing.T) {
	f := newFixture(t)
	m := f.manager("dev-1")
	ctx := context.Background()
	if _, err := m.StartSession(ctx, "t1", models.RoleReferee, nil, nil); err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	f.clock.Advance(13 * time.Hour)
	if _, err := m.Current(ctx); !apperrors.Is(err, apperrors.ErrSessionExpired) {
		t.Errorf("Current() error = %v, want SESSION_EXPIRED", err)
	}
}

// TestGenerateRequiresOrganizer verifies only manage_access holders issue codes.
func TestGenerateRequiresOrganizer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref := f.manager("dev-ref")
	if _, err := ref.StartSession(ctx, "t1", models.RoleReferee, nil, nil); err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	if _, err := ref.GenerateAccessCode(ctx, "t1", models.RolePlayer, CodeOptions{}); !apperrors.Is(err, apperrors.ErrPermission) {
		t.Errorf("referee error = %v, want PERMISSION_DENIED", err)
	}

	org := f.organizer(t)
	if _, err := org.GenerateAccessCode(ctx, "t2", models.RolePlayer, CodeOptions{}); !apperrors.Is(err, apperrors.ErrPermission) {
		t.Errorf("other tournament error = %v, want PERMISSION_DENIED", err)
	}
}

// TestRedeemAccessCode verifies redemption opens a session with the code's
// grants and consumes a use.
func TestRedeemAccessCode(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.organizer(t)

	code, err := org.GenerateAccessCode(ctx, "t1", models.RoleReferee, CodeOptions{
		ExpirationMinutes: 30, MaxUses: 2, Permissions: []string{models.PermView, models.PermScoreEntry},
	})
	if err != nil {
		t.Fatalf("GenerateAccessCode() failed: %v", err)
	}
	if len(code.Code) != 6 {
		t.Errorf("code %q, want 6 characters", code.Code)
	}
	if code.Digest != Digest(code.Code) {
		t.Error("digest mismatch")
	}

	dev := f.manager("dev-ref")
	formatted := code.Code[:3] + "-" + code.Code[3:]
	s, err := dev.RedeemAccessCode(ctx, " "+formatted+" ")
	if err != nil {
		t.Fatalf("RedeemAccessCode() failed: %v", err)
	}
	if s.DeviceID != "dev-ref" || s.TournamentID != "t1" || s.Role != models.RoleReferee {
		t.Errorf("session = %+v", s)
	}
	if !s.Permissions.Has(models.PermScoreEntry) || s.Permissions.Has(models.PermMatchStatus) {
		t.Errorf("permissions = %v, want exactly the granted set", s.Permissions.Sorted())
	}

	var remaining int
	if err := f.db.QueryRow("SELECT uses_remaining FROM access_codes WHERE digest = ?", code.Digest).Scan(&remaining); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if remaining != 1 {
		t.Errorf("uses_remaining = %d, want 1", remaining)
	}
}

// TestRedeemConcurrentLastUse verifies a single-use code succeeds exactly
// once under concurrent redemption.
func TestRedeemConcurrentLastUse(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.organizer(t)

	code, err := org.GenerateAccessCode(ctx, "t1", models.RolePlayer, CodeOptions{MaxUses: 1})
	if err != nil {
		t.Fatalf("GenerateAccessCode() failed: %v", err)
	}

	const workers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		exhausted int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			m := f.manager("dev-" + string(rune('a'+i)))
			_, err := m.RedeemAccessCode(ctx, code.Code)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case apperrors.Is(err, apperrors.ErrCodeExhausted):
				exhausted++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 || exhausted != workers-1 {
		t.Errorf("successes=%d exhausted=%d, want 1 and %d", successes, exhausted, workers-1)
	}
}

// TestRedeemFailures verifies unknown, expired and malformed codes.
func TestRedeemFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.organizer(t)
	dev := f.manager("dev-x")

	if _, err := dev.RedeemAccessCode(ctx, "ABCDEF"); !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("unknown code error = %v, want NOT_FOUND", err)
	}
	if _, err := dev.RedeemAccessCode(ctx, "AB0"); !apperrors.Is(err, apperrors.ErrInvalid) {
		t.Errorf("malformed code error = %v, want INVALID_INPUT", err)
	}

	code, err := org.GenerateAccessCode(ctx, "t1", models.RolePlayer, CodeOptions{ExpirationMinutes: 5, MaxUses: 3})
	if err != nil {
		t.Fatalf("GenerateAccessCode() failed: %v", err)
	}
	f.clock.Advance(5 * time.Minute)
	if _, err := dev.RedeemAccessCode(ctx, code.Code); !apperrors.Is(err, apperrors.ErrCodeExhausted) {
		t.Errorf("expired code error = %v, want ACCESS_CODE_EXHAUSTED", err)
	}
}

// TestSpentCodesSurviveNewCodes verifies issuing more codes does not forget
// exhausted or expired ones.
func TestSpentCodesSurviveNewCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.organizer(t)

	used, err := org.GenerateAccessCode(ctx, "t1", models.RolePlayer, CodeOptions{MaxUses: 1})
	if err != nil {
		t.Fatalf("GenerateAccessCode() failed: %v", err)
	}
	if _, err := f.manager("dev-p1").RedeemAccessCode(ctx, used.Code); err != nil {
		t.Fatalf("RedeemAccessCode() failed: %v", err)
	}
	stale, err := org.GenerateAccessCode(ctx, "t1", models.RolePlayer, CodeOptions{ExpirationMinutes: 1})
	if err != nil {
		t.Fatalf("GenerateAccessCode() failed: %v", err)
	}
	f.clock.Advance(2 * time.Minute)

	if _, err := org.GenerateAccessCode(ctx, "t1", models.RoleReferee, CodeOptions{}); err != nil {
		t.Fatalf("GenerateAccessCode() failed: %v", err)
	}

	dev := f.manager("dev-p2")
	if _, err := dev.RedeemAccessCode(ctx, used.Code); !apperrors.Is(err, apperrors.ErrCodeExhausted) {
		t.Errorf("exhausted code error = %v, want ACCESS_CODE_EXHAUSTED", err)
	}
	if _, err := dev.RedeemAccessCode(ctx, stale.Code); !apperrors.Is(err, apperrors.ErrCodeExhausted) {
		t.Errorf("expired code error = %v, want ACCESS_CODE_EXHAUSTED", err)
	}
	var rows int
	if err := f.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM access_codes").Scan(&rows); err != nil || rows != 3 {
		t.Errorf("stored codes = %d, %v; want 3", rows, err)
	}
}

// TestGrantCannotExceedIssuer verifies codes cannot carry permissions the
// issuer lacks.
func TestGrantCannotExceedIssuer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	m := f.manager("dev-limited")
	perms := models.NewStringSet(models.PermView, models.PermManageAccess)
	if _, err := m.StartSession(ctx, "t1", models.RoleOrganizer, perms, nil); err != nil {
		t.Fatalf("StartSession() failed: %v", err)
	}
	_, err := m.GenerateAccessCode(ctx, "t1", models.RoleReferee, CodeOptions{Permissions: []string{models.PermScoreEntry}})
	if !apperrors.Is(err, apperrors.ErrPermission) {
		t.Errorf("error = %v, want PERMISSION_DENIED", err)
	}
}

// TestDelegatePermissions verifies delegated sessions are scoped and audited.
func TestDelegatePermissions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.organizer(t)

	s, err := org.DelegatePermissions(ctx, "dev-ref", "t1", []string{models.PermScoreEntry}, []string{"m1"}, DelegateOptions{})
	if err != nil {
		t.Fatalf("DelegatePermissions() failed: %v", err)
	}
	if s.Role != models.RoleReferee {
		t.Errorf("role = %s, want referee", s.Role)
	}

	ref := f.manager("dev-ref")
	if !ref.HasPermission(ctx, models.PermScoreEntry, "m1") {
		t.Error("delegated permission should apply to m1")
	}
	if ref.HasPermission(ctx, models.PermScoreEntry, "m2") {
		t.Error("delegated permission should not apply to m2")
	}

	entries, _ := db.ListAudit(ctx, f.db, 10)
	if len(entries) == 0 || entries[0].Action != models.AuditDelegated || entries[0].Subject != "dev-ref" {
		t.Errorf("audit = %+v", entries)
	}
}

// TestEndSessionAndRevoke verifies sessions can be ended and revoked.
func TestEndSessionAndRevoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org := f.organizer(t)

	if _, err := org.DelegatePermissions(ctx, "dev-ref", "t1", nil, nil, DelegateOptions{}); err != nil {
		t.Fatalf("DelegatePermissions() failed: %v", err)
	}
	n, err := org.RevokeRole(ctx, "dev-ref", "t1")
	if err != nil || n != 1 {
		t.Fatalf("RevokeRole() = %d, %v; want 1", n, err)
	}
	if f.manager("dev-ref").HasPermission(ctx, models.PermView, "") {
		t.Error("revoked device should have no permissions")
	}

	cur, _ := org.Current(ctx)
	if err := org.EndSession(ctx, cur.SessionID); err != nil {
		t.Fatalf("EndSession() failed: %v", err)
	}
	if err := org.EndSession(ctx, cur.SessionID); err != nil {
		t.Errorf("second EndSession() error = %v, want nil", err)
	}
	if org.HasPermission(ctx, models.PermView, "") {
		t.Error("ended session should deny")
	}
}

// TestCheckClock verifies skew measurement shifts the trusted clock and
// survives a restart.
func TestCheckClock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	remoteStore := memory.New(f.clock)
	remoteStore.SetClockOffset(90 * time.Second)

	m := f.manager("dev-1")
	skew, err := m.CheckClock(ctx, remoteStore)
	if err != nil {
		t.Fatalf("CheckClock() failed: %v", err)
	}
	if skew != 90*time.Second {
		t.Errorf("skew = %v, want 90s", skew)
	}
	if !m.Now().Equal(epoch.Add(90 * time.Second)) {
		t.Errorf("Now() = %v", m.Now())
	}

	restarted := f.manager("dev-1")
	if restarted.ClockSkew() != 90*time.Second {
		t.Errorf("restored skew = %v, want 90s", restarted.ClockSkew())
	}
}

// TestNormalizeCode verifies separators and case are ignored.
func TestNormalizeCode(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{"abc-def", "ABCDEF", true},
		{" K7M 2PQ9 ", "K7M2PQ9", true},
		{"ABCDE", "", false},
		{"ABCDEFGHJ", "", false},
		{"ABCDE0", "", false},
	}
	for _, tt := range tests {
		got, err := NormalizeCode(tt.in)
		if (err == nil) != tt.ok || got != tt.want {
			t.Errorf("NormalizeCode(%q) = %q, %v", tt.in, got, err)
		}
	}
}
