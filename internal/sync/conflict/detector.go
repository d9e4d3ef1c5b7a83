// Package conflict classifies rejected pushes into conflict records and
// resolves them.
package conflict

import (
	"time"

	"github.com/kimhsiao/tourneysync/internal/ids"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/remote"
)

// DefaultClockSkewTolerance is the measured skew above which conflicts are
// attributed to clock disagreement.
const DefaultClockSkewTolerance = 5 * time.Second

// Match payload fields the risk assessment reads.
const (
	matchCollection   = "matches"
	bracketCollection = "brackets"
	fieldStatus       = "status"
	fieldReferee      = "refereeId"
	statusInProgress  = "in_progress"
)

// PayloadValidator checks a payload against its collection schema.
type PayloadValidator interface {
	Validate(collection string, payload models.Payload) error
}

// SkewSource reports the measured difference between server and local time.
type SkewSource interface {
	ClockSkew() time.Duration
}

// Config tunes classification.
type Config struct {
	MaxOfflineDuration time.Duration
	ClockSkewTolerance time.Duration

	// LockedFields lists, per collection, fields only a higher role may
	// change. A remote edit by an outranking role that touches one is a
	// permission override even when the local side did not change it.
	LockedFields map[string][]string
}

// Input is a rejected push and the state around it.
type Input struct {
	Op     *models.QueueOperation
	Local  *models.CachedDocument
	Remote *remote.Document
}

// Detector classifies conflicts. It holds no mutable state, so identical
// inputs always produce identical records apart from id and timestamp.
type Detector struct {
	cfg       Config
	validator PayloadValidator
	skew      SkewSource
}

// NewDetector creates a Detector. validator and skew may be nil.
func NewDetector(cfg Config, validator PayloadValidator, skew SkewSource) *Detector {
	if cfg.ClockSkewTolerance <= 0 {
		cfg.ClockSkewTolerance = DefaultClockSkewTolerance
	}
	return &Detector{cfg: cfg, validator: validator, skew: skew}
}

// diff is the field-level comparison of both sides against the ancestor.
type diff struct {
	base          models.Payload
	local         models.Payload
	remote        models.Payload
	localChanged  models.StringSet
	remoteChanged models.StringSet
	overlap       models.StringSet
}

func newDiff(in Input) diff {
	var d diff
	if in.Op.Kind != models.OpDelete {
		d.local = in.Op.Payload
	}
	if in.Local != nil {
		d.base = in.Local.BasePayload
	}
	if in.Remote != nil && !in.Remote.Deleted {
		d.remote = in.Remote.Payload
	}
	d.localChanged = models.NewStringSet(d.local.ChangedFields(d.base)...)
	d.remoteChanged = models.NewStringSet(d.remote.ChangedFields(d.base)...)
	d.overlap = models.NewStringSet()
	for f := range d.localChanged {
		if d.remoteChanged.Has(f) {
			d.overlap.Add(f)
		}
	}
	return d
}

// Detect builds the conflict record for a rejected push.
func (d *Detector) Detect(in Input, now time.Time) *models.ConflictRecord {
	df := newDiff(in)
	typ := d.classify(in, df)
	risk := assess(in, df, typ)

	devices := models.NewStringSet()
	if in.Op.DeviceID != "" {
		devices.Add(in.Op.DeviceID)
	}
	if in.Remote != nil && in.Remote.UpdatedBy.DeviceID != "" {
		devices.Add(in.Remote.UpdatedBy.DeviceID)
	}
	changed := models.NewStringSet(df.localChanged.Sorted()...)
	changed.Add(df.remoteChanged.Sorted()...)

	rec := &models.ConflictRecord{
		ConflictID:        ids.NewConflictID(),
		Collection:        in.Op.Collection,
		DocumentID:        in.Op.DocumentID,
		OpID:              in.Op.OpID,
		Type:              typ,
		Severity:          severity(typ, df, risk),
		LocalVersion:      in.Op.BaseVersion,
		LocalPayload:      df.local.Clone(),
		RemotePayload:     df.remote.Clone(),
		BasePayload:       df.base.Clone(),
		ChangedFields:     changed,
		InvolvedDeviceIDs: devices,
		Risk:              risk,
		DetectedAt:        now.UTC(),
	}
	if in.Remote != nil {
		rec.RemoteVersion = in.Remote.Version
	}
	return rec
}

// Classify returns the conflict type for in. The first matching rule wins.
func (d *Detector) Classify(in Input) models.ConflictType {
	return d.classify(in, newDiff(in))
}

func (d *Detector) classify(in Input, df diff) models.ConflictType {
	if d.corrupt(in) {
		return models.ConflictDataCorruption
	}
	if d.overridden(in, df) {
		return models.ConflictPermissionOverride
	}
	if d.cfg.MaxOfflineDuration > 0 && in.Op.OfflineFor() > d.cfg.MaxOfflineDuration/2 {
		return models.ConflictNetworkPartition
	}
	if d.skew != nil && absDuration(d.skew.ClockSkew()) > d.cfg.ClockSkewTolerance {
		return models.ConflictClockSkew
	}
	return models.ConflictSimultaneousEdit
}

func (d *Detector) corrupt(in Input) bool {
	if in.Remote == nil || in.Remote.Deleted {
		return false
	}
	if in.Remote.Payload == nil {
		return true
	}
	if d.validator == nil {
		return false
	}
	return d.validator.Validate(in.Op.Collection, in.Remote.Payload) != nil
}

func (d *Detector) overridden(in Input, df diff) bool {
	if in.Remote == nil || !in.Remote.UpdatedBy.Role.Outranks(in.Op.ActorRole) {
		return false
	}
	if len(df.overlap) > 0 {
		return true
	}
	for _, f := range d.cfg.LockedFields[in.Op.Collection] {
		if df.remoteChanged.Has(f) {
			return true
		}
	}
	return false
}

func assess(in Input, df diff, typ models.ConflictType) models.RiskAssessment {
	var r models.RiskAssessment

	switch {
	case df.local == nil || df.remote == nil:
		r.DataLossRisk = models.RiskHigh
	case len(df.overlap) == 0:
		r.DataLossRisk = models.RiskLow
	case len(df.overlap) == len(df.localChanged) || len(df.overlap) == len(df.remoteChanged):
		r.DataLossRisk = models.RiskHigh
	default:
		r.DataLossRisk = models.RiskMedium
	}

	collection := in.Op.Collection
	live := collection == matchCollection &&
		(df.local.String(fieldStatus) == statusInProgress || df.remote.String(fieldStatus) == statusInProgress)
	officiated := df.local.String(fieldReferee) != "" || df.remote.String(fieldReferee) != ""
	r.LiveMatch = live

	switch {
	case live:
		r.TournamentImpact = models.ImpactSevere
	case collection == matchCollection || collection == bracketCollection:
		r.TournamentImpact = models.ImpactModerate
	default:
		r.TournamentImpact = models.ImpactMinimal
	}

	switch {
	case live && officiated:
		r.Urgency = models.UrgencyCritical
	case live, typ == models.ConflictDataCorruption, typ == models.ConflictPermissionOverride:
		r.Urgency = models.UrgencyHigh
	default:
		r.Urgency = models.UrgencyNormal
	}
	return r
}

func severity(typ models.ConflictType, df diff, risk models.RiskAssessment) models.Severity {
	var s models.Severity
	switch typ {
	case models.ConflictDataCorruption:
		return models.SeverityCritical
	case models.ConflictPermissionOverride, models.ConflictNetworkPartition:
		s = models.SeverityHigh
	case models.ConflictClockSkew:
		s = models.SeverityMedium
	default:
		if len(df.overlap) > 0 {
			s = models.SeverityMedium
		} else {
			s = models.SeverityLow
		}
	}
	if risk.Urgency == models.UrgencyCritical {
		return models.SeverityCritical
	}
	if risk.TournamentImpact == models.ImpactSevere || risk.DataLossRisk == models.RiskHigh {
		s = s.Max(models.SeverityHigh)
	}
	return s
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
