package conflict

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kimhsiao/tourneysync/internal/cache"
	"github.com/kimhsiao/tourneysync/internal/clock"
	"github.com/kimhsiao/tourneysync/internal/db"
	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/sync/queue"
)

// Resolver turns conflict records into ranked options and applies the
// chosen one. Applying writes the cache, the queue and the record in one
// transaction.
type Resolver struct {
	db        *db.DB
	cache     *cache.Cache
	queue     *queue.Queue
	store     *Store
	validator PayloadValidator
	clock     clock.Clock
	log       *logging.Logger
}

// NewResolver creates a Resolver. validator may be nil.
func NewResolver(c *cache.Cache, q *queue.Queue, store *Store, validator PayloadValidator, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.Real()
	}
	return &Resolver{
		db:        c.DB(),
		cache:     c,
		queue:     q,
		store:     store,
		validator: validator,
		clock:     clk,
		log:       logging.Get().With(map[string]interface{}{"component": "resolver"}),
	}
}

// Store returns the record store.
func (r *Resolver) Store() *Store {
	return r.store
}

// ForcedManual reports whether only a manual merge may close rec: corrupt
// remote data and live matches are never resolved automatically.
func ForcedManual(rec *models.ConflictRecord) bool {
	return rec.Type == models.ConflictDataCorruption || rec.Risk.LiveMatch
}

// GenerateOptions returns the ways to close rec, recommended option first.
func GenerateOptions(rec *models.ConflictRecord) []models.ResolutionOption {
	local := models.NewStringSet(rec.LocalPayload.ChangedFields(rec.BasePayload)...)
	remoteChanged := models.NewStringSet(rec.RemotePayload.ChangedFields(rec.BasePayload)...)
	var overlap []string
	for _, f := range local.Sorted() {
		if remoteChanged.Has(f) {
			overlap = append(overlap, f)
		}
	}

	keepLocal := models.ResolutionOption{
		ID:         string(models.StrategyKeepLocal),
		Label:      "Keep this device's version",
		Strategy:   models.StrategyKeepLocal,
		Confidence: 50,
		RiskLevel:  rec.Risk.DataLossRisk,
		Payload:    rec.LocalPayload.Clone(),
	}
	keepRemote := models.ResolutionOption{
		ID:         string(models.StrategyKeepRemote),
		Label:      "Keep the synced version",
		Strategy:   models.StrategyKeepRemote,
		Confidence: 60,
		RiskLevel:  rec.Risk.DataLossRisk,
		Payload:    rec.RemotePayload.Clone(),
	}
	merge := models.ResolutionOption{
		ID:                     string(models.StrategyManualMerge),
		Label:                  "Merge both versions",
		Strategy:               models.StrategyManualMerge,
		Confidence:             40,
		RiskLevel:              models.RiskMedium,
		Payload:                Merge(rec.BasePayload, rec.LocalPayload, rec.RemotePayload),
		RequiresAcknowledgment: true,
	}

	switch {
	case rec.LocalPayload == nil:
		keepLocal.Consequences = append(keepLocal.Consequences, "Deletes the document everywhere")
	case len(remoteChanged) > 0:
		keepLocal.Consequences = append(keepLocal.Consequences,
			"Discards remote changes to "+strings.Join(remoteChanged.Sorted(), ", "))
	}
	keepLocal.Consequences = append(keepLocal.Consequences,
		fmt.Sprintf("Pushes this device's payload over version %d", rec.RemoteVersion))

	switch {
	case rec.RemotePayload == nil:
		keepRemote.Consequences = append(keepRemote.Consequences, "Accepts the remote deletion")
	case len(local) > 0:
		keepRemote.Consequences = append(keepRemote.Consequences,
			"Discards local changes to "+strings.Join(local.Sorted(), ", "))
	}

	if len(overlap) == 0 {
		merge.RiskLevel = models.RiskLow
		merge.Consequences = []string{"Combines changes to different fields"}
	} else {
		merge.Consequences = []string{"Overlapping fields keep the remote value unless edited: " + strings.Join(overlap, ", ")}
	}

	if ForcedManual(rec) {
		merge.Confidence = 70
		for _, o := range []*models.ResolutionOption{&keepLocal, &keepRemote} {
			o.Confidence = 0
			o.RiskLevel = models.RiskHigh
		}
		keepLocal.RequiresAcknowledgment = true
		keepRemote.RequiresAcknowledgment = true
		if rec.Type == models.ConflictDataCorruption {
			keepLocal.Consequences = append(keepLocal.Consequences, "Remote payload failed validation; review before choosing")
			return []models.ResolutionOption{merge, keepLocal}
		}
		keepLocal.Consequences = append(keepLocal.Consequences, "Match is live; review before choosing")
		keepRemote.Consequences = append(keepRemote.Consequences, "Match is live; review before choosing")
		return []models.ResolutionOption{merge, keepRemote, keepLocal}
	}

	switch rec.Type {
	case models.ConflictPermissionOverride:
		keepRemote.Confidence, keepRemote.RiskLevel = 90, models.RiskLow
		keepRemote.Consequences = append(keepRemote.Consequences, "Respects the higher role's edit")
		keepLocal.Confidence, keepLocal.RiskLevel = 10, models.RiskHigh
		return []models.ResolutionOption{keepRemote, merge, keepLocal}
	case models.ConflictNetworkPartition, models.ConflictClockSkew:
		keepRemote.Confidence = 70
		keepLocal.Confidence = 30
		return []models.ResolutionOption{keepRemote, merge, keepLocal}
	}

	if len(overlap) == 0 && rec.LocalPayload != nil && rec.RemotePayload != nil {
		merge.Confidence = 90
		return []models.ResolutionOption{merge, keepRemote, keepLocal}
	}
	return []models.ResolutionOption{keepRemote, keepLocal, merge}
}

// Merge applies local's changes against base onto remote. Fields both sides
// changed keep the remote value.
func Merge(base, local, remote models.Payload) models.Payload {
	if remote == nil {
		return local.Clone()
	}
	if local == nil {
		return remote.Clone()
	}
	out := remote.Clone()
	remoteChanged := models.NewStringSet(remote.ChangedFields(base)...)
	cloned := local.Clone()
	for _, f := range local.ChangedFields(base) {
		if remoteChanged.Has(f) {
			continue
		}
		if v, ok := cloned[f]; ok {
			out[f] = v
		} else {
			delete(out, f)
		}
	}
	return out
}

// Resolve applies option to the conflict. A manual merge needs acknowledged
// set and uses option.Payload when given, so callers may edit the merge.
func (r *Resolver) Resolve(ctx context.Context, conflictID string, option models.ResolutionOption, actingSessionID string, acknowledged bool) (*models.ConflictRecord, error) {
	rec, err := r.store.Get(ctx, conflictID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", conflictID)
	}
	if rec.Resolved {
		return nil, apperrors.Newf(apperrors.ErrAlreadyResolved, "conflict %s is already resolved", conflictID)
	}

	strategy := option.Strategy
	if strategy == "" {
		strategy = models.Strategy(option.ID)
	}
	var payload models.Payload
	switch strategy {
	case models.StrategyKeepLocal, models.StrategyKeepRemote:
		if strategy == models.StrategyKeepRemote && rec.Type == models.ConflictDataCorruption {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "conflict %s: the remote payload failed validation and cannot be kept", conflictID)
		}
		if ForcedManual(rec) && !acknowledged {
			return nil, apperrors.Newf(apperrors.ErrAckRequired, "conflict %s needs review; %s must be acknowledged", conflictID, strategy)
		}
	case models.StrategyManualMerge:
		if !acknowledged {
			return nil, apperrors.New(apperrors.ErrAckRequired, "manual merge must be acknowledged")
		}
		payload = option.Payload
		if payload == nil {
			payload = Merge(rec.BasePayload, rec.LocalPayload, rec.RemotePayload)
		}
		if r.validator != nil {
			if err := r.validator.Validate(rec.Collection, payload); err != nil {
				return nil, err
			}
		}
	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown resolution strategy %q", strategy)
	}

	now := r.clock.Now().UTC()
	err = r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := r.store.markResolvedTx(ctx, tx, conflictID, strategy, actingSessionID, now); err != nil {
			return err
		}
		if err := r.applyTx(ctx, tx, rec, strategy, payload); err != nil {
			return err
		}
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action: models.AuditConflictResolved, SessionID: actingSessionID, Subject: conflictID,
			Detail: map[string]interface{}{
				"document": rec.Key().String(), "strategy": string(strategy), "type": string(rec.Type),
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}

	rec.Resolved = true
	rec.Resolution = strategy
	rec.ResolvedBy = actingSessionID
	rec.ResolvedAt = &now
	r.log.Info("conflict resolved", map[string]interface{}{
		"conflict_id": conflictID, "document": rec.Key().String(), "strategy": string(strategy),
	})
	return rec, nil
}

func (r *Resolver) applyTx(ctx context.Context, tx *sql.Tx, rec *models.ConflictRecord, strategy models.Strategy, merged models.Payload) error {
	key := rec.Key()
	doc, err := r.cache.GetTx(ctx, tx, key.Collection, key.DocumentID)
	if err != nil {
		return err
	}
	localVersion := int64(1)
	if doc != nil {
		localVersion = doc.LocalVersion + 1
	}

	if strategy == models.StrategyKeepRemote {
		if _, err := r.queue.DropKey(ctx, tx, key); err != nil {
			return err
		}
		return r.adoptRemoteTx(ctx, tx, rec, localVersion)
	}

	payload := merged
	if strategy == models.StrategyKeepLocal {
		// Later local writes to the key supersede the conflicting one.
		payload = rec.LocalPayload
		if doc != nil && doc.Dirty {
			payload = doc.Payload
			if doc.Deleted {
				payload = nil
			}
		}
	}

	kind := models.OpUpdate
	switch {
	case payload == nil:
		kind = models.OpDelete
	case rec.RemoteVersion == 0:
		kind = models.OpCreate
	}
	if _, err := r.queue.Rebase(ctx, tx, key, kind, payload, rec.RemoteVersion); err != nil {
		return err
	}

	cached := &models.CachedDocument{
		Collection:    key.Collection,
		DocumentID:    key.DocumentID,
		Payload:       payload,
		BasePayload:   rec.RemotePayload,
		LocalVersion:  localVersion,
		RemoteVersion: rec.RemoteVersion,
		Dirty:         true,
		Deleted:       kind == models.OpDelete,
	}
	if cached.Deleted && doc != nil {
		cached.Payload = doc.Payload
	}
	return r.cache.PutTx(ctx, tx, cached)
}

// adoptRemoteTx stores the conflicting remote copy as the clean cached
// document. The pull that delivered it was skipped while the key was dirty.
func (r *Resolver) adoptRemoteTx(ctx context.Context, tx *sql.Tx, rec *models.ConflictRecord, localVersion int64) error {
	key := rec.Key()
	if rec.RemotePayload == nil {
		return r.cache.DeleteTx(ctx, tx, key.Collection, key.DocumentID)
	}
	return r.cache.PutTx(ctx, tx, &models.CachedDocument{
		Collection:    key.Collection,
		DocumentID:    key.DocumentID,
		Payload:       rec.RemotePayload,
		BasePayload:   rec.RemotePayload,
		LocalVersion:  localVersion,
		RemoteVersion: rec.RemoteVersion,
	})
}

// Ignore closes a conflict without pushing anything. The document's pending
// operations are dropped and the cache takes the remote copy recorded with
// the conflict. A corrupt remote copy is never cached; the document reverts
// to its last synced state instead.
func (r *Resolver) Ignore(ctx context.Context, conflictID, actingSessionID string) error {
	now := r.clock.Now().UTC()
	var rec *models.ConflictRecord
	err := r.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		rec, err = r.store.getTx(ctx, tx, conflictID)
		if err != nil {
			return err
		}
		if err := r.store.markResolvedTx(ctx, tx, conflictID, models.StrategyIgnored, actingSessionID, now); err != nil {
			return err
		}
		dropped, err := r.queue.DropKey(ctx, tx, rec.Key())
		if err != nil {
			return err
		}
		if rec.Type == models.ConflictDataCorruption {
			err = r.cache.RevertTx(ctx, tx, rec.Key())
		} else {
			err = r.ignoreTx(ctx, tx, rec)
		}
		if err != nil {
			return err
		}
		return db.InsertAudit(ctx, tx, &models.AuditEntry{
			Action: models.AuditConflictIgnored, SessionID: actingSessionID, Subject: conflictID,
			Detail:    map[string]interface{}{"document": rec.Key().String(), "dropped_ops": dropped},
			CreatedAt: now,
		})
	})
	if err != nil {
		return err
	}
	r.log.Info("conflict ignored", map[string]interface{}{"conflict_id": conflictID, "document": rec.Key().String()})
	return nil
}

func (r *Resolver) ignoreTx(ctx context.Context, tx *sql.Tx, rec *models.ConflictRecord) error {
	doc, err := r.cache.GetTx(ctx, tx, rec.Collection, rec.DocumentID)
	if err != nil {
		return err
	}
	localVersion := int64(1)
	if doc != nil {
		localVersion = doc.LocalVersion + 1
	}
	return r.adoptRemoteTx(ctx, tx, rec, localVersion)
}

// BatchResult reports a ResolveAll run.
type BatchResult struct {
	Resolved []string `json:"resolved"`
	Skipped  []string `json:"skipped"`
}

// ResolveAll applies keep_local or keep_remote to every open conflict that
// does not require a manual merge.
func (r *Resolver) ResolveAll(ctx context.Context, strategy models.Strategy, actingSessionID string) (*BatchResult, error) {
	if strategy != models.StrategyKeepLocal && strategy != models.StrategyKeepRemote {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "bulk resolution supports keep_local or keep_remote, not %q", strategy)
	}
	open, err := r.store.List(ctx, Filter{OnlyOpen: true})
	if err != nil {
		return nil, err
	}

	result := &BatchResult{}
	for _, rec := range open {
		if ForcedManual(rec) {
			result.Skipped = append(result.Skipped, rec.ConflictID)
			continue
		}
		opt := models.ResolutionOption{ID: string(strategy), Strategy: strategy}
		if _, err := r.Resolve(ctx, rec.ConflictID, opt, actingSessionID, false); err != nil {
			if apperrors.Is(err, apperrors.ErrAlreadyResolved) {
				continue
			}
			return result, err
		}
		result.Resolved = append(result.Resolved, rec.ConflictID)
	}
	return result, nil
}
