package conflict

import (
	"reflect"
	"testing"
	"time"

	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/remote"
	"github.com/kimhsiao/tourneysync/internal/schema"
)

var epoch = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixedSkew time.Duration

func (s fixedSkew) ClockSkew() time.Duration { return time.Duration(s) }

func newValidator(t *testing.T) *schema.Validator {
	t.Helper()
	v, err := schema.New()
	if err != nil {
		t.Fatalf("schema.New() failed: %v", err)
	}
	return v
}

// scoreInput builds the two-device score conflict: both sides edited the
// score of a scheduled match from 0-0.
func scoreInput() Input {
	base := models.Payload{"status": "scheduled", "scoreA": 0, "scoreB": 0}
	return Input{
		Op: &models.QueueOperation{
			OpID: 7, Collection: "matches", DocumentID: "m1", Kind: models.OpUpdate,
			Payload:     models.Payload{"status": "scheduled", "scoreA": 19, "scoreB": 21},
			BaseVersion: 1, CreatedAt: epoch, DeviceID: "dev-b", ActorRole: models.RoleReferee,
		},
		Local: &models.CachedDocument{
			Collection: "matches", DocumentID: "m1", BasePayload: base, RemoteVersion: 1,
		},
		Remote: &remote.Document{
			ID: "m1", Version: 2,
			Payload:   models.Payload{"status": "scheduled", "scoreA": 21, "scoreB": 19},
			UpdatedBy: remote.Author{DeviceID: "dev-a", Role: models.RoleReferee},
		},
	}
}

// TestDetectSimultaneousEdit verifies the two-device score conflict.
func TestDetectSimultaneousEdit(t *testing.T) {
	d := NewDetector(Config{MaxOfflineDuration: 24 * time.Hour}, newValidator(t), fixedSkew(0))
	rec := d.Detect(scoreInput(), epoch)

	if rec.Type != models.ConflictSimultaneousEdit {
		t.Errorf("Type = %s, want simultaneous_edit", rec.Type)
	}
	if rec.LocalVersion != 1 || rec.RemoteVersion != 2 {
		t.Errorf("versions = %d/%d, want 1/2", rec.LocalVersion, rec.RemoteVersion)
	}
	if rec.LocalPayload["scoreA"] != float64(19) || rec.RemotePayload["scoreA"] != float64(21) {
		t.Errorf("payloads = %v / %v", rec.LocalPayload, rec.RemotePayload)
	}
	if got := rec.ChangedFields.Sorted(); !reflect.DeepEqual(got, []string{"scoreA", "scoreB"}) {
		t.Errorf("ChangedFields = %v", got)
	}
	if got := rec.InvolvedDeviceIDs.Sorted(); !reflect.DeepEqual(got, []string{"dev-a", "dev-b"}) {
		t.Errorf("InvolvedDeviceIDs = %v", got)
	}
	if rec.Risk.DataLossRisk != models.RiskHigh {
		t.Errorf("DataLossRisk = %s, want high", rec.Risk.DataLossRisk)
	}
	if rec.Risk.TournamentImpact != models.ImpactModerate || rec.Risk.LiveMatch {
		t.Errorf("risk = %+v", rec.Risk)
	}
	if rec.Resolved || rec.OpID != 7 || rec.ConflictID == "" {
		t.Errorf("record = %+v", rec)
	}
}

// TestClassificationOrder verifies the first matching rule wins.
func TestClassificationOrder(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Input)
		skew   time.Duration
		want   models.ConflictType
	}{
		{
			name: "corrupt remote beats everything",
			mutate: func(in *Input) {
				in.Remote.Payload["scoreA"] = "twenty"
				in.Remote.UpdatedBy.Role = models.RoleOrganizer
			},
			skew: time.Minute,
			want: models.ConflictDataCorruption,
		},
		{
			name:   "organizer overrides referee on same fields",
			mutate: func(in *Input) { in.Remote.UpdatedBy.Role = models.RoleOrganizer },
			skew:   time.Minute,
			want:   models.ConflictPermissionOverride,
		},
		{
			name: "long offline write",
			mutate: func(in *Input) {
				since := epoch.Add(-13 * time.Hour)
				in.Op.OfflineSince = &since
			},
			skew: time.Minute,
			want: models.ConflictNetworkPartition,
		},
		{
			name:   "measured skew",
			mutate: func(*Input) {},
			skew:   -6 * time.Second,
			want:   models.ConflictClockSkew,
		},
		{
			name:   "skew within tolerance",
			mutate: func(*Input) {},
			skew:   4 * time.Second,
			want:   models.ConflictSimultaneousEdit,
		},
	}

	v := newValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := scoreInput()
			tt.mutate(&in)
			d := NewDetector(Config{MaxOfflineDuration: 24 * time.Hour}, v, fixedSkew(tt.skew))
			if got := d.Classify(in); got != tt.want {
				t.Errorf("Classify() = %s, want %s", got, tt.want)
			}
		})
	}
}

// TestLockedFieldOverride verifies a higher role touching a locked field
// overrides even without overlapping edits.
func TestLockedFieldOverride(t *testing.T) {
	in := scoreInput()
	in.Op.Payload = models.Payload{"status": "scheduled", "scoreA": 0, "scoreB": 0, "round": 2}
	in.Remote.Payload = models.Payload{"status": "cancelled", "scoreA": 0, "scoreB": 0}
	in.Remote.UpdatedBy.Role = models.RoleOrganizer

	plain := NewDetector(Config{}, nil, nil)
	if got := plain.Classify(in); got != models.ConflictSimultaneousEdit {
		t.Errorf("without lock Classify() = %s, want simultaneous_edit", got)
	}
	locked := NewDetector(Config{LockedFields: map[string][]string{"matches": {"status"}}}, nil, nil)
	if got := locked.Classify(in); got != models.ConflictPermissionOverride {
		t.Errorf("with lock Classify() = %s, want permission_override", got)
	}
}

// TestDataCorruptionIsCritical verifies corrupt remote payloads are critical.
func TestDataCorruptionIsCritical(t *testing.T) {
	in := scoreInput()
	in.Remote.Payload["scoreB"] = -3
	rec := NewDetector(Config{}, newValidator(t), nil).Detect(in, epoch)
	if rec.Type != models.ConflictDataCorruption || rec.Severity != models.SeverityCritical {
		t.Errorf("type=%s severity=%s, want data_corruption/critical", rec.Type, rec.Severity)
	}
}

// TestRiskAssessment verifies risk grading from diffs and document state.
func TestRiskAssessment(t *testing.T) {
	d := NewDetector(Config{}, nil, nil)

	disjoint := scoreInput()
	disjoint.Op.Payload = models.Payload{"status": "scheduled", "scoreA": 0, "scoreB": 0, "round": 3}
	rec := d.Detect(disjoint, epoch)
	if rec.Risk.DataLossRisk != models.RiskLow || rec.Severity != models.SeverityLow {
		t.Errorf("disjoint risk=%s severity=%s, want low/low", rec.Risk.DataLossRisk, rec.Severity)
	}

	partial := scoreInput()
	partial.Op.Payload = models.Payload{"status": "scheduled", "scoreA": 5, "scoreB": 0, "round": 3}
	partial.Remote.Payload = models.Payload{"status": "scheduled", "scoreA": 6, "scoreB": 0, "winner": "p1"}
	rec = d.Detect(partial, epoch)
	if rec.Risk.DataLossRisk != models.RiskMedium {
		t.Errorf("partial overlap risk = %s, want medium", rec.Risk.DataLossRisk)
	}

	deleted := scoreInput()
	deleted.Op.Kind = models.OpDelete
	rec = d.Detect(deleted, epoch)
	if rec.Risk.DataLossRisk != models.RiskHigh || rec.LocalPayload != nil {
		t.Errorf("delete risk=%s local=%v, want high/nil", rec.Risk.DataLossRisk, rec.LocalPayload)
	}

	live := scoreInput()
	live.Remote.Payload["status"] = "in_progress"
	live.Remote.Payload["refereeId"] = "ref-9"
	rec = d.Detect(live, epoch)
	if !rec.Risk.LiveMatch || rec.Risk.TournamentImpact != models.ImpactSevere || rec.Risk.Urgency != models.UrgencyCritical {
		t.Errorf("live risk = %+v", rec.Risk)
	}
	if rec.Severity != models.SeverityCritical {
		t.Errorf("live severity = %s, want critical", rec.Severity)
	}

	player := scoreInput()
	player.Op.Collection = "players"
	rec = d.Detect(player, epoch)
	if rec.Risk.TournamentImpact != models.ImpactMinimal {
		t.Errorf("players impact = %s, want minimal", rec.Risk.TournamentImpact)
	}
}

// TestDetectDeterministic verifies identical inputs give identical output.
func TestDetectDeterministic(t *testing.T) {
	d := NewDetector(Config{MaxOfflineDuration: time.Hour}, newValidator(t), fixedSkew(time.Second))
	a := d.Detect(scoreInput(), epoch)
	b := d.Detect(scoreInput(), epoch)
	a.ConflictID, b.ConflictID = "", ""
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Detect() not deterministic:\n%+v\n%+v", a, b)
	}
}
