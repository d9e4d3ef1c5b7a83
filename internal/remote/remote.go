// Package remote defines the contract between the sync engine and the remote
// document store. The engine only ever pulls and pushes through Store; how the
// remote persists documents is its own concern.
package remote

import (
	"context"
	"time"

	"github.com/kimhsiao/tourneysync/internal/models"
)

// Document is the remote copy of a document.
type Document struct {
	ID      string         `json:"id"`
	Payload models.Payload `json:"payload"`
	Version int64          `json:"version"`
	// Seq orders changes within a collection and drives pull cursors.
	Seq       int64     `json:"seq"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy Author    `json:"updated_by"`
	Deleted   bool      `json:"deleted,omitempty"`
}

// Author identifies who made a change.
type Author struct {
	DeviceID  string      `json:"device_id"`
	SessionID string      `json:"session_id,omitempty"`
	Role      models.Role `json:"role,omitempty"`
}

// PullResult is a page of changes after a cursor.
type PullResult struct {
	Documents []Document `json:"documents"`
	// NextSeq is the cursor to pass to the next Pull.
	NextSeq int64 `json:"next_seq"`
}

// PushRequest carries one queued operation.
type PushRequest struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Kind       models.OpKind  `json:"kind"`
	Payload    models.Payload `json:"payload,omitempty"`
	// ExpectedVersion is the remote version the change was based on; zero
	// for a create.
	ExpectedVersion int64     `json:"expected_version"`
	Author          Author    `json:"author"`
	Timestamp       time.Time `json:"timestamp"`
	// OpID lets stores deduplicate retried pushes.
	OpID int64 `json:"op_id"`
}

// PushResult is either an acknowledgment or a conflict.
type PushResult struct {
	Acked      bool  `json:"acked"`
	NewVersion int64 `json:"new_version,omitempty"`
	// Conflict holds the current remote document when the expected version
	// did not match.
	Conflict *Document `json:"conflict,omitempty"`
}

// Store is the pull/push contract.
//
// Push returns an error with code PERMISSION_DENIED when the author may not
// make the change, and a NETWORK_ERROR or SYNC_TIMEOUT for transient failures.
type Store interface {
	Pull(ctx context.Context, collection string, sinceSeq int64) (*PullResult, error)
	Push(ctx context.Context, req PushRequest) (*PushResult, error)
}

// Change is a notification that a collection changed remotely. A zero Change
// means notifications may have been missed and every collection should be
// pulled.
type Change struct {
	Collection string `json:"collection"`
	DocumentID string `json:"document_id"`
	Seq        int64  `json:"seq"`
}

// Subscriber is implemented by stores that can push change notifications.
type Subscriber interface {
	Subscribe(ctx context.Context, fn func(Change)) (unsubscribe func(), err error)
}

// TimeSource is implemented by stores that report their clock.
type TimeSource interface {
	ServerTime(ctx context.Context) (time.Time, error)
}
