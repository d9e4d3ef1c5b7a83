package models

import (
	"fmt"
	"time"
)

// DocKey identifies a document across collections.
type DocKey struct {
	Collection string
	DocumentID string
}

// String renders the key as collection/id.
func (k DocKey) String() string {
	return fmt.Sprintf("%s/%s", k.Collection, k.DocumentID)
}

// CachedDocument is the on-device copy of a remote document.
//
// Dirty is true exactly when a pending QueueOperation exists for the key.
// BasePayload is the payload last seen at RemoteVersion; it is the common
// ancestor used to compute field-level diffs during conflict detection.
type CachedDocument struct {
	Collection     string    `db:"collection" json:"collection"`
	DocumentID     string    `db:"document_id" json:"document_id"`
	Payload        Payload   `db:"payload" json:"payload"`
	BasePayload    Payload   `db:"base_payload" json:"base_payload,omitempty"`
	LocalVersion   int64     `db:"local_version" json:"local_version"`
	RemoteVersion  int64     `db:"remote_version" json:"remote_version"`
	LastModifiedAt time.Time `db:"last_modified_at" json:"last_modified_at"`
	Dirty          bool      `db:"dirty" json:"dirty"`
	Deleted        bool      `db:"deleted" json:"deleted"`
	SizeBytes      int64     `db:"size_bytes" json:"size_bytes"`
}

// TableName returns the table name for CachedDocument.
func (CachedDocument) TableName() string {
	return "cached_documents"
}

// Key returns the document key.
func (d *CachedDocument) Key() DocKey {
	return DocKey{Collection: d.Collection, DocumentID: d.DocumentID}
}

// CacheStats summarizes the local cache.
type CacheStats struct {
	DocumentCount      int   `json:"document_count"`
	DirtyCount         int   `json:"dirty_count"`
	EstimatedSizeBytes int64 `json:"estimated_size_bytes"`
}
