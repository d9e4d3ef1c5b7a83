package models

import "time"

// AuditAction names an auditable event.
type AuditAction string

const (
	AuditPermissionDenied AuditAction = "permission_denied"
	AuditConflictResolved AuditAction = "conflict_resolved"
	AuditConflictIgnored  AuditAction = "conflict_ignored"
	AuditConflictPruned   AuditAction = "conflict_pruned"
	AuditDeadLettered     AuditAction = "dead_lettered"
	AuditRequeued         AuditAction = "dead_letter_requeued"
	AuditSessionEnded     AuditAction = "session_ended"
	AuditRoleRevoked      AuditAction = "role_revoked"
	AuditCodeGenerated    AuditAction = "access_code_generated"
	AuditCodeRedeemed     AuditAction = "access_code_redeemed"
	AuditDelegated        AuditAction = "permissions_delegated"
)

// AuditEntry records who did what to which document or session.
type AuditEntry struct {
	ID        string                 `db:"id" json:"id"`
	Action    AuditAction            `db:"action" json:"action"`
	SessionID string                 `db:"session_id" json:"session_id,omitempty"`
	Subject   string                 `db:"subject" json:"subject"`
	Detail    map[string]interface{} `db:"detail" json:"detail,omitempty"`
	CreatedAt time.Time              `db:"created_at" json:"created_at"`
}

// TableName returns the table name for AuditEntry.
func (AuditEntry) TableName() string {
	return "audit_log"
}
