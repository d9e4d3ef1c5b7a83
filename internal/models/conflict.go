package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// ConflictType classifies why a push was rejected.
type ConflictType string

const (
	ConflictSimultaneousEdit   ConflictType = "simultaneous_edit"
	ConflictPermissionOverride ConflictType = "permission_override"
	ConflictNetworkPartition   ConflictType = "network_partition"
	ConflictClockSkew          ConflictType = "clock_skew"
	ConflictDataCorruption     ConflictType = "data_corruption"
)

// Severity ranks how much attention a conflict needs.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityRank = map[Severity]int{
	SeverityLow:      0,
	SeverityMedium:   1,
	SeverityHigh:     2,
	SeverityCritical: 3,
}

// Max returns the more severe of s and other.
func (s Severity) Max(other Severity) Severity {
	if severityRank[other] > severityRank[s] {
		return other
	}
	return s
}

// RiskLevel grades a single risk dimension.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// TournamentImpact grades how much live tournament state is affected.
type TournamentImpact string

const (
	ImpactMinimal  TournamentImpact = "minimal"
	ImpactModerate TournamentImpact = "moderate"
	ImpactSevere   TournamentImpact = "severe"
)

// Urgency grades how quickly a human must act.
type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// RiskAssessment accompanies each conflict record.
type RiskAssessment struct {
	DataLossRisk     RiskLevel        `json:"data_loss_risk"`
	TournamentImpact TournamentImpact `json:"tournament_impact"`
	Urgency          Urgency          `json:"urgency"`
	LiveMatch        bool             `json:"live_match"`
}

// Value implements driver.Valuer for RiskAssessment.
func (r RiskAssessment) Value() (driver.Value, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner for RiskAssessment.
func (r *RiskAssessment) Scan(value interface{}) error {
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	case nil:
		*r = RiskAssessment{}
		return nil
	default:
		return fmt.Errorf("cannot scan %T into RiskAssessment", value)
	}
}

// Strategy is how a conflict is resolved.
type Strategy string

const (
	StrategyKeepLocal   Strategy = "keep_local"
	StrategyKeepRemote  Strategy = "keep_remote"
	StrategyManualMerge Strategy = "manual_merge"

	// StrategyIgnored marks a conflict closed without applying a payload.
	StrategyIgnored Strategy = "ignored"
)

// ConflictRecord is the audit entry for a detected divergence.
type ConflictRecord struct {
	ConflictID        string         `db:"conflict_id" json:"conflict_id"`
	Collection        string         `db:"collection" json:"collection"`
	DocumentID        string         `db:"document_id" json:"document_id"`
	OpID              int64          `db:"op_id" json:"op_id"`
	Type              ConflictType   `db:"type" json:"type"`
	Severity          Severity       `db:"severity" json:"severity"`
	LocalVersion      int64          `db:"local_version" json:"local_version"`
	RemoteVersion     int64          `db:"remote_version" json:"remote_version"`
	LocalPayload      Payload        `db:"local_payload" json:"local_payload"`
	RemotePayload     Payload        `db:"remote_payload" json:"remote_payload"`
	BasePayload       Payload        `db:"base_payload" json:"base_payload,omitempty"`
	ChangedFields     StringSet      `db:"changed_fields" json:"changed_fields"`
	InvolvedDeviceIDs StringSet      `db:"involved_device_ids" json:"involved_device_ids"`
	Risk              RiskAssessment `db:"risk" json:"risk"`
	DetectedAt        time.Time      `db:"detected_at" json:"detected_at"`
	Resolved          bool           `db:"resolved" json:"resolved"`
	Resolution        Strategy       `db:"resolution" json:"resolution,omitempty"`
	ResolvedBy        string         `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt        *time.Time     `db:"resolved_at" json:"resolved_at,omitempty"`
}

// TableName returns the table name for ConflictRecord.
func (ConflictRecord) TableName() string {
	return "conflict_records"
}

// Key returns the document key of the conflict.
func (c *ConflictRecord) Key() DocKey {
	return DocKey{Collection: c.Collection, DocumentID: c.DocumentID}
}

// ResolutionOption is one ranked way to close a conflict. Options are
// generated per conflict and never persisted.
type ResolutionOption struct {
	ID                     string    `json:"id"`
	Label                  string    `json:"label"`
	Strategy               Strategy  `json:"strategy"`
	Confidence             int       `json:"confidence"`
	RiskLevel              RiskLevel `json:"risk_level"`
	Consequences           []string  `json:"consequences"`
	Payload                Payload   `json:"payload,omitempty"`
	RequiresAcknowledgment bool      `json:"requires_acknowledgment"`
}
