// Package models tests for data model definitions.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

// =====================================================
// Payload Tests
// =====================================================

// TestPayload_ValueScan verifies a payload survives a database round trip.
func TestPayload_ValueScan(t *testing.T) {
	p := Payload{"scoreA": 21, "status": "in_progress"}

	val, err := p.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}

	var got Payload
	if err := got.Scan(val); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if !got.Equal(p) {
		t.Errorf("Scan() = %v, want %v", got, p)
	}
}

// TestPayload_Value_nil verifies a nil payload is stored as NULL.
func TestPayload_Value_nil(t *testing.T) {
	var p Payload
	val, err := p.Value()
	if err != nil || val != nil {
		t.Errorf("Value() = %v, %v; want nil, nil", val, err)
	}
}

// TestPayload_Scan verifies accepted and rejected column types.
func TestPayload_Scan(t *testing.T) {
	var p Payload
	if err := p.Scan([]byte(`{"a":1}`)); err != nil || p["a"] != float64(1) {
		t.Errorf("Scan([]byte) = %v, %v", p, err)
	}
	if err := p.Scan(nil); err != nil || p != nil {
		t.Errorf("Scan(nil) = %v, %v", p, err)
	}
	if err := p.Scan(42); err == nil {
		t.Error("Scan(int) should fail")
	}
	if err := p.Scan(`{not json`); err == nil {
		t.Error("Scan(invalid JSON) should fail")
	}
}

// TestPayload_Clone verifies clones share no nested state.
func TestPayload_Clone(t *testing.T) {
	p := Payload{"players": []interface{}{"p1", "p2"}, "meta": map[string]interface{}{"court": "3"}}
	c := p.Clone()

	c["meta"].(map[string]interface{})["court"] = "4"
	if p["meta"].(map[string]interface{})["court"] != "3" {
		t.Error("Clone() shares nested maps with the original")
	}
	if Payload(nil).Clone() != nil {
		t.Error("Clone() of nil should be nil")
	}
}

// TestPayload_ChangedFields verifies added, removed and modified keys are
// reported, and numeric representations compare by value.
func TestPayload_ChangedFields(t *testing.T) {
	base := Payload{"scoreA": float64(19), "scoreB": float64(21), "court": "1"}
	next := Payload{"scoreA": 21, "scoreB": 21, "status": "completed"}

	got := next.ChangedFields(base)
	want := []string{"court", "scoreA", "status"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ChangedFields() = %v, want %v", got, want)
	}
}

// TestPayload_Equal verifies nil and empty payloads are distinct.
func TestPayload_Equal(t *testing.T) {
	if !(Payload{"a": 1}).Equal(Payload{"a": float64(1)}) {
		t.Error("int and float64 of the same value should be equal")
	}
	if Payload(nil).Equal(Payload{}) {
		t.Error("nil payload should not equal an empty one")
	}
}

// TestPayload_SizeBytes verifies the size is the encoded length.
func TestPayload_SizeBytes(t *testing.T) {
	if got := (Payload{"a": "b"}).SizeBytes(); got != int64(len(`{"a":"b"}`)) {
		t.Errorf("SizeBytes() = %d", got)
	}
	if got := Payload(nil).SizeBytes(); got != 0 {
		t.Errorf("SizeBytes(nil) = %d", got)
	}
}

// =====================================================
// StringSet Tests
// =====================================================

// TestStringSet_JSON verifies sets encode as sorted arrays.
func TestStringSet_JSON(t *testing.T) {
	s := NewStringSet("score_entry", "view", "check_in")
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if string(data) != `["check_in","score_entry","view"]` {
		t.Errorf("Marshal() = %s", data)
	}

	var back StringSet
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !back.Has("view") || len(back) != 3 {
		t.Errorf("Unmarshal() = %v", back.Sorted())
	}
}

// TestStringSet_ValueScan_nil verifies an absent scope stays nil, which is
// different from an empty scope.
func TestStringSet_ValueScan_nil(t *testing.T) {
	var s StringSet
	val, err := s.Value()
	if err != nil || val != nil {
		t.Fatalf("Value() = %v, %v; want nil, nil", val, err)
	}

	back := NewStringSet("m1")
	if err := back.Scan(nil); err != nil || back != nil {
		t.Errorf("Scan(nil) = %v, %v", back, err)
	}

	if err := back.Scan("[]"); err != nil || back == nil || len(back) != 0 {
		t.Errorf("Scan(\"[]\") = %v, %v; want empty non-nil set", back, err)
	}
}

// TestStringSet_Valuer verifies StringSet implements driver.Valuer.
func TestStringSet_Valuer(t *testing.T) {
	var _ driver.Valuer = NewStringSet()
}

// =====================================================
// Operation Tests
// =====================================================

// TestOpKind_Valid verifies only known kinds are accepted.
func TestOpKind_Valid(t *testing.T) {
	for _, k := range []OpKind{OpCreate, OpUpdate, OpDelete} {
		if !k.Valid() {
			t.Errorf("%s should be valid", k)
		}
	}
	if OpKind("upsert").Valid() {
		t.Error("upsert should not be valid")
	}
}

// TestQueueOperation_OfflineFor verifies the offline age of a write.
func TestQueueOperation_OfflineFor(t *testing.T) {
	created := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	op := QueueOperation{CreatedAt: created}
	if op.OfflineFor() != 0 {
		t.Errorf("OfflineFor() online = %v", op.OfflineFor())
	}

	since := created.Add(-90 * time.Second)
	op.OfflineSince = &since
	if op.OfflineFor() != 90*time.Second {
		t.Errorf("OfflineFor() = %v, want 90s", op.OfflineFor())
	}
}

// TestQueueStats_Total verifies dead letters are not counted as owned.
func TestQueueStats_Total(t *testing.T) {
	s := QueueStats{Pending: 2, Sending: 1, Failed: 3, DeadLettered: 4}
	if s.Total() != 6 {
		t.Errorf("Total() = %d, want 6", s.Total())
	}
}

// TestDocKey_String verifies the collection/id rendering.
func TestDocKey_String(t *testing.T) {
	d := CachedDocument{Collection: "matches", DocumentID: "m1"}
	if d.Key().String() != "matches/m1" {
		t.Errorf("String() = %q", d.Key().String())
	}
}

// =====================================================
// Conflict Tests
// =====================================================

// TestSeverity_Max verifies severities combine to the worse one.
func TestSeverity_Max(t *testing.T) {
	tests := []struct {
		a, b, want Severity
	}{
		{SeverityLow, SeverityHigh, SeverityHigh},
		{SeverityCritical, SeverityMedium, SeverityCritical},
		{SeverityMedium, SeverityMedium, SeverityMedium},
	}
	for _, tt := range tests {
		if got := tt.a.Max(tt.b); got != tt.want {
			t.Errorf("%s.Max(%s) = %s, want %s", tt.a, tt.b, got, tt.want)
		}
	}
}

// TestRiskAssessment_ValueScan verifies the risk is stored as JSON.
func TestRiskAssessment_ValueScan(t *testing.T) {
	r := RiskAssessment{DataLossRisk: RiskHigh, TournamentImpact: ImpactSevere, Urgency: UrgencyCritical, LiveMatch: true}
	val, err := r.Value()
	if err != nil {
		t.Fatalf("Value() error = %v", err)
	}
	var back RiskAssessment
	if err := back.Scan(val); err != nil {
		t.Fatalf("Scan() error = %v", err)
	}
	if back != r {
		t.Errorf("Scan() = %+v, want %+v", back, r)
	}
	if err := back.Scan(1.5); err == nil {
		t.Error("Scan(float) should fail")
	}
}

// =====================================================
// Session Tests
// =====================================================

// TestRole_Outranks verifies the role hierarchy.
func TestRole_Outranks(t *testing.T) {
	if !RoleOrganizer.Outranks(RoleReferee) {
		t.Error("organizer should outrank referee")
	}
	if RolePlayer.Outranks(RoleReferee) {
		t.Error("player should not outrank referee")
	}
	if RoleReferee.Outranks(RoleReferee) {
		t.Error("a role should not outrank itself")
	}
	if Role("admin").Valid() {
		t.Error("admin should not be a valid role")
	}
}

// TestDefaultPermissions verifies each role's default capabilities.
func TestDefaultPermissions(t *testing.T) {
	if !DefaultPermissions(RoleOrganizer).Has(PermManageAccess) {
		t.Error("organizer should manage access")
	}
	ref := DefaultPermissions(RoleReferee)
	if !ref.Has(PermScoreEntry) || ref.Has(PermManageBracket) {
		t.Errorf("referee permissions = %v", ref.Sorted())
	}
	if got := DefaultPermissions(RoleSpectator).Sorted(); !reflect.DeepEqual(got, []string{PermView}) {
		t.Errorf("spectator permissions = %v", got)
	}
}

// TestDeviceSession_ExpiredAt verifies expiry is inclusive of the deadline.
func TestDeviceSession_ExpiredAt(t *testing.T) {
	exp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s := DeviceSession{ExpiresAt: exp}
	if s.ExpiredAt(exp.Add(-time.Second)) {
		t.Error("session should be valid before expiry")
	}
	if !s.ExpiredAt(exp) {
		t.Error("session should be expired at the deadline")
	}
}

// TestAccessCode_ValidAt verifies uses and expiry both gate redemption.
func TestAccessCode_ValidAt(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	c := AccessCode{ExpiresAt: now.Add(time.Hour), UsesRemaining: 1}
	if !c.ValidAt(now) {
		t.Error("code should be valid")
	}
	c.UsesRemaining = 0
	if c.ValidAt(now) {
		t.Error("exhausted code should be invalid")
	}
	c.UsesRemaining = 1
	if c.ValidAt(now.Add(time.Hour)) {
		t.Error("expired code should be invalid")
	}
}

// TestAccessCode_JSONHidesDigest verifies the stored digest never leaves the
// device in JSON output.
func TestAccessCode_JSONHidesDigest(t *testing.T) {
	data, err := json.Marshal(AccessCode{Code: "ABCD2345", Digest: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatal(err)
	}
	if _, ok := m["digest"]; ok {
		t.Errorf("JSON contains digest: %s", data)
	}
	if m["code"] != "ABCD2345" {
		t.Errorf("code = %v", m["code"])
	}
}

// =====================================================
// Table Name Tests
// =====================================================

// TestTableNames verifies every persisted model names its table.
func TestTableNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{CachedDocument{}.TableName(), "cached_documents"},
		{QueueOperation{}.TableName(), "queue_operations"},
		{DeadLetter{}.TableName(), "dead_letters"},
		{ConflictRecord{}.TableName(), "conflict_records"},
		{DeviceSession{}.TableName(), "device_sessions"},
		{AccessCode{}.TableName(), "access_codes"},
		{AuditEntry{}.TableName(), "audit_log"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("TableName() = %q, want %q", tt.got, tt.want)
		}
	}
}
