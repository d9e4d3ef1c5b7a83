package models

import "time"

// OpKind is the type of a local mutation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpDelete OpKind = "delete"
)

// Valid reports whether k is a known kind.
func (k OpKind) Valid() bool {
	return k == OpCreate || k == OpUpdate || k == OpDelete
}

// OpStatus is the lifecycle state of a queued operation.
type OpStatus string

const (
	OpPending      OpStatus = "pending"
	OpSending      OpStatus = "sending"
	OpAcknowledged OpStatus = "acknowledged"
	OpFailed       OpStatus = "failed"
	OpDeadLettered OpStatus = "dead_lettered"
)

// QueueOperation is a pending local mutation awaiting transmission.
type QueueOperation struct {
	OpID          int64      `db:"op_id" json:"op_id"`
	Collection    string     `db:"collection" json:"collection"`
	DocumentID    string     `db:"document_id" json:"document_id"`
	Kind          OpKind     `db:"kind" json:"kind"`
	Payload       Payload    `db:"payload" json:"payload"`
	BaseVersion   int64      `db:"base_version" json:"base_version"`
	CreatedAt     time.Time  `db:"created_at" json:"created_at"`
	RetryCount    int        `db:"retry_count" json:"retry_count"`
	NextAttemptAt time.Time  `db:"next_attempt_at" json:"next_attempt_at"`
	Status        OpStatus   `db:"status" json:"status"`
	LastError     string     `db:"last_error" json:"last_error,omitempty"`
	DeviceID      string     `db:"device_id" json:"device_id"`
	SessionID     string     `db:"session_id" json:"session_id,omitempty"`
	ActorRole     Role       `db:"actor_role" json:"actor_role,omitempty"`
	OfflineSince  *time.Time `db:"offline_since" json:"offline_since,omitempty"`
}

// TableName returns the table name for QueueOperation.
func (QueueOperation) TableName() string {
	return "queue_operations"
}

// Key returns the document key the operation targets.
func (op *QueueOperation) Key() DocKey {
	return DocKey{Collection: op.Collection, DocumentID: op.DocumentID}
}

// OfflineFor returns how long the device had been offline when the write
// was made, or zero if it was online.
func (op *QueueOperation) OfflineFor() time.Duration {
	if op.OfflineSince == nil {
		return 0
	}
	return op.CreatedAt.Sub(*op.OfflineSince)
}

// DeadLetter is an operation removed from active retry after exhausting its
// retry budget. It stays visible until an operator requeues or discards it.
type DeadLetter struct {
	Operation      QueueOperation `json:"operation"`
	Reason         string         `json:"reason"`
	DeadLetteredAt time.Time      `json:"dead_lettered_at"`
}

// TableName returns the table name for DeadLetter.
func (DeadLetter) TableName() string {
	return "dead_letters"
}

// QueueStats counts queued operations by status.
type QueueStats struct {
	Pending      int `json:"pending"`
	Sending      int `json:"sending"`
	Failed       int `json:"failed"`
	DeadLettered int `json:"dead_lettered"`
}

// Total returns the number of operations still owned by the active queue.
func (s QueueStats) Total() int {
	return s.Pending + s.Sending + s.Failed
}
