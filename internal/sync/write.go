package sync

import (
	"context"

	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/sync/conflict"
	"github.com/kimhsiao/tourneysync/internal/sync/queue"
	"github.com/kimhsiao/tourneysync/internal/telemetry"
)

// Match fields and the capability needed to change them. Fields not listed
// need manage_bracket.
var matchFieldPermissions = map[string]string{
	"scoreA":    models.PermScoreEntry,
	"scoreB":    models.PermScoreEntry,
	"winner":    models.PermScoreEntry,
	"status":    models.PermMatchStatus,
	"updatedAt": "",
}

var playerFieldPermissions = map[string]string{
	"checkedIn": models.PermCheckIn,
	"updatedAt": "",
}

// WriteRequest is a local mutation submitted by the application.
type WriteRequest struct {
	Collection string         `json:"collection"`
	DocumentID string         `json:"document_id"`
	Kind       models.OpKind  `json:"kind"`
	Payload    models.Payload `json:"payload,omitempty"`
}

// Write validates and authorizes a local change, then records it in the
// cache and queue. It fails with OFFLINE_LIMIT_EXCEEDED once the device has
// been offline for too long; reads stay available.
func (o *Orchestrator) Write(ctx context.Context, w WriteRequest) (*models.QueueOperation, error) {
	tags := map[string]string{"collection": w.Collection}
	if !o.limiter.CanOperateOffline() {
		o.metrics.RecordCount(telemetry.MetricWriteRejected, 1, tags)
		return nil, apperrors.New(apperrors.ErrOfflineLimit, "offline time limit reached; reconnect to continue editing")
	}
	if w.Kind == "" {
		w.Kind = models.OpUpdate
	}
	if w.Kind != models.OpDelete {
		if err := o.validator.Validate(w.Collection, w.Payload); err != nil {
			o.metrics.RecordCount(telemetry.MetricWriteRejected, 1, tags)
			return nil, err
		}
	}

	existing, err := o.cache.Get(ctx, w.Collection, w.DocumentID)
	if err != nil {
		return nil, err
	}
	var current models.Payload
	if existing != nil && !existing.Deleted {
		current = existing.Payload
	}

	perms, matchID := requiredPermissions(w, current)
	var sess *models.DeviceSession
	for _, perm := range perms {
		s, err := o.sessions.Require(ctx, perm, matchID)
		if err != nil {
			o.metrics.RecordCount(telemetry.MetricWriteRejected, 1, tags)
			return nil, err
		}
		sess = s
	}

	op, err := o.queue.RecordWrite(ctx, queue.Write{
		Collection:   w.Collection,
		DocumentID:   w.DocumentID,
		Kind:         w.Kind,
		Payload:      w.Payload,
		DeviceID:     o.sessions.DeviceID(),
		SessionID:    sess.SessionID,
		ActorRole:    sess.Role,
		OfflineSince: o.limiter.OfflineSince(),
	})
	if err != nil {
		return nil, err
	}
	o.metrics.RecordCount(telemetry.MetricWrite, 1, tags)
	if o.monitor.IsOnline() {
		o.Trigger()
	}
	return op, nil
}

// requiredPermissions maps a change to the capabilities it needs, in a
// stable order, plus the match it is scoped to.
func requiredPermissions(w WriteRequest, current models.Payload) ([]string, string) {
	var table map[string]string
	matchID := ""
	switch w.Collection {
	case "matches":
		table = matchFieldPermissions
		matchID = w.DocumentID
	case "players":
		table = playerFieldPermissions
	}
	if table == nil || w.Kind != models.OpUpdate || current == nil {
		return []string{models.PermManageBracket}, matchID
	}

	needed := models.NewStringSet()
	for _, field := range w.Payload.ChangedFields(current) {
		perm, ok := table[field]
		switch {
		case !ok:
			needed.Add(models.PermManageBracket)
		case perm != "":
			needed.Add(perm)
		}
	}
	if len(needed) == 0 {
		// A no-op update still needs the narrowest capability on the
		// document.
		if w.Collection == "matches" {
			needed.Add(models.PermScoreEntry)
		} else {
			needed.Add(models.PermCheckIn)
		}
	}
	return needed.Sorted(), matchID
}

// Read returns the cached document, or nil when it is absent or deleted.
// Reads never touch the network.
func (o *Orchestrator) Read(ctx context.Context, collection, documentID string) (*models.CachedDocument, error) {
	doc, err := o.cache.Get(ctx, collection, documentID)
	if err != nil || doc == nil || doc.Deleted {
		return nil, err
	}
	return doc, nil
}

// List returns the live cached documents of a collection.
func (o *Orchestrator) List(ctx context.Context, collection string) ([]*models.CachedDocument, error) {
	docs, err := o.cache.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := docs[:0]
	for _, d := range docs {
		if !d.Deleted {
			out = append(out, d)
		}
	}
	return out, nil
}

// ConflictOptions returns the ranked options for an open conflict.
func (o *Orchestrator) ConflictOptions(ctx context.Context, conflictID string) (*models.ConflictRecord, []models.ResolutionOption, error) {
	rec, err := o.conflicts.Get(ctx, conflictID)
	if err != nil {
		return nil, nil, err
	}
	if rec == nil {
		return nil, nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", conflictID)
	}
	return rec, conflict.GenerateOptions(rec), nil
}

// ResolveConflict applies the option with optionID on behalf of the current
// session, which must hold resolve_conflicts, and schedules a cycle.
func (o *Orchestrator) ResolveConflict(ctx context.Context, conflictID, optionID string, acknowledged bool) (*models.ConflictRecord, error) {
	rec, options, err := o.ConflictOptions(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	sess, err := o.sessions.Require(ctx, models.PermResolve, matchOf(rec))
	if err != nil {
		return nil, err
	}

	var chosen *models.ResolutionOption
	for i := range options {
		if options[i].ID == optionID {
			chosen = &options[i]
			break
		}
	}
	if chosen == nil {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "conflict %s has no option %q", conflictID, optionID)
	}

	resolved, err := o.resolver.Resolve(ctx, conflictID, *chosen, sess.SessionID, acknowledged)
	if err != nil {
		return nil, err
	}
	o.metrics.RecordCount(telemetry.MetricConflictSolved, 1, map[string]string{"strategy": string(chosen.Strategy)})
	o.Trigger()
	return resolved, nil
}

// IgnoreConflict closes a conflict without changing the remote copy; the
// local edit is dropped.
func (o *Orchestrator) IgnoreConflict(ctx context.Context, conflictID string) error {
	rec, _, err := o.ConflictOptions(ctx, conflictID)
	if err != nil {
		return err
	}
	sess, err := o.sessions.Require(ctx, models.PermResolve, matchOf(rec))
	if err != nil {
		return err
	}
	if err := o.resolver.Ignore(ctx, conflictID, sess.SessionID); err != nil {
		return err
	}
	o.Trigger()
	return nil
}

// ResolveAllConflicts applies keep_local or keep_remote to every open
// conflict that does not require a manual merge.
func (o *Orchestrator) ResolveAllConflicts(ctx context.Context, strategy models.Strategy) (*conflict.BatchResult, error) {
	sess, err := o.sessions.Require(ctx, models.PermResolve, "")
	if err != nil {
		return nil, err
	}
	res, err := o.resolver.ResolveAll(ctx, strategy, sess.SessionID)
	if err != nil {
		return nil, err
	}
	if len(res.Resolved) > 0 {
		o.metrics.RecordCount(telemetry.MetricConflictSolved, len(res.Resolved), map[string]string{"strategy": string(strategy)})
		o.Trigger()
	}
	return res, nil
}

func matchOf(rec *models.ConflictRecord) string {
	if rec.Collection == "matches" {
		return rec.DocumentID
	}
	return ""
}
