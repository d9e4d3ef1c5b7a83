// Package postgres implements the remote store on PostgreSQL. Documents are
// versioned rows; pushes are compare-and-swap updates on the version column
// and change notifications travel over LISTEN/NOTIFY.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	apperrors "github.com/kimhsiao/tourneysync/internal/errors"
	"github.com/kimhsiao/tourneysync/internal/logging"
	"github.com/kimhsiao/tourneysync/internal/models"
	"github.com/kimhsiao/tourneysync/internal/remote"
)

const (
	defaultTablePrefix = "tourneysync"
	pullPageSize       = 500
	operationTimeout   = 10 * time.Second
	listenerMinBackoff = 500 * time.Millisecond
	listenerMaxBackoff = 30 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Store is a remote.Store backed by PostgreSQL.
type Store struct {
	dsn    string
	prefix string
	openDB sqlOpenFunc
	log    *logging.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// New creates a Store. The connection and schema are set up on first use.
func New(dsn, tablePrefix string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "postgres DSN is required")
	}
	tablePrefix = strings.TrimSpace(tablePrefix)
	if tablePrefix == "" {
		tablePrefix = defaultTablePrefix
	}
	return &Store{
		dsn:    dsn,
		prefix: tablePrefix,
		openDB: sql.Open,
		log:    logging.Get().With(map[string]interface{}{"component": "remote.postgres"}),
	}, nil
}

func (s *Store) documentsTable() string { return quoteIdentifier(s.prefix + "_documents") }
func (s *Store) pushesTable() string    { return quoteIdentifier(s.prefix + "_pushes") }
func (s *Store) sequenceName() string   { return quoteIdentifier(s.prefix + "_seq") }
func (s *Store) channel() string        { return s.prefix + "_changes" }

func (s *Store) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = classify("open postgres", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), operationTimeout)
		defer cancel()

		statements := []string{
			fmt.Sprintf(`CREATE SEQUENCE IF NOT EXISTS %s`, s.sequenceName()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					collection  TEXT        NOT NULL,
					document_id TEXT        NOT NULL,
					payload     TEXT,
					version     BIGINT      NOT NULL,
					seq         BIGINT      NOT NULL,
					deleted     BOOLEAN     NOT NULL DEFAULT FALSE,
					updated_at  TIMESTAMPTZ NOT NULL,
					device_id   TEXT        NOT NULL DEFAULT '',
					session_id  TEXT        NOT NULL DEFAULT '',
					role        TEXT        NOT NULL DEFAULT '',
					PRIMARY KEY (collection, document_id)
				)`, s.documentsTable()),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (collection, seq)`,
				quoteIdentifier(s.prefix+"_documents_seq_idx"), s.documentsTable()),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					device_id   TEXT        NOT NULL,
					op_id       BIGINT      NOT NULL,
					new_version BIGINT      NOT NULL,
					applied_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
					PRIMARY KEY (device_id, op_id)
				)`, s.pushesTable()),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				s.initErr = classify("prepare postgres schema", err)
				return
			}
		}
		s.db = db
	})
	return s.initErr
}

// Close releases the connection pool.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Pull implements remote.Store. Pages hold at most pullPageSize documents.
func (s *Store) Pull(ctx context.Context, collection string, sinceSeq int64) (*remote.PullResult, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT document_id, payload, version, seq, deleted, updated_at, device_id, session_id, role
		FROM %s WHERE collection = $1 AND seq > $2
		ORDER BY seq LIMIT $3`, s.documentsTable())
	rows, err := s.db.QueryContext(ctx, query, collection, sinceSeq, pullPageSize)
	if err != nil {
		return nil, classify("pull", err)
	}
	defer rows.Close()

	res := &remote.PullResult{NextSeq: sinceSeq}
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, classify("pull", err)
		}
		res.Documents = append(res.Documents, *doc)
		res.NextSeq = doc.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, classify("pull", err)
	}
	return res, nil
}

// Push implements remote.Store. The row is locked for the duration of the
// version check, and a replayed OpID returns the recorded acknowledgment.
func (s *Store) Push(ctx context.Context, req remote.PushRequest) (*remote.PushResult, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, classify("begin push", err)
	}
	defer tx.Rollback()

	if req.OpID != 0 {
		var prev int64
		err := tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT new_version FROM %s WHERE device_id = $1 AND op_id = $2`, s.pushesTable()),
			req.Author.DeviceID, req.OpID).Scan(&prev)
		if err == nil {
			return &remote.PushResult{Acked: true, NewVersion: prev}, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, classify("check replay", err)
		}
	}

	current, err := scanDocument(tx.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT document_id, payload, version, seq, deleted, updated_at, device_id, session_id, role
		FROM %s WHERE collection = $1 AND document_id = $2 FOR UPDATE`, s.documentsTable()),
		req.Collection, req.DocumentID))
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, classify("read document", err)
	}
	if errors.Is(err, sql.ErrNoRows) {
		current = nil
	}

	var currentVersion int64
	if current != nil {
		currentVersion = current.Version
	}
	if req.ExpectedVersion != currentVersion || (req.Kind == models.OpCreate && current != nil && !current.Deleted) {
		if current == nil {
			return &remote.PushResult{Conflict: &remote.Document{ID: req.DocumentID, Deleted: true}}, nil
		}
		return &remote.PushResult{Conflict: current}, nil
	}

	payload := req.Payload
	if req.Kind == models.OpDelete && current != nil {
		payload = current.Payload
	}
	updatedAt := req.Timestamp
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	newVersion := currentVersion + 1

	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %[1]s (collection, document_id, payload, version, seq, deleted, updated_at, device_id, session_id, role)
		VALUES ($1, $2, $3, $4, nextval('%[2]s'), $5, $6, $7, $8, $9)
		ON CONFLICT (collection, document_id) DO UPDATE SET
			payload = EXCLUDED.payload, version = EXCLUDED.version, seq = EXCLUDED.seq,
			deleted = EXCLUDED.deleted, updated_at = EXCLUDED.updated_at, device_id = EXCLUDED.device_id,
			session_id = EXCLUDED.session_id, role = EXCLUDED.role
		WHERE %[1]s.version = $10`, s.documentsTable(), s.sequenceName()),
		req.Collection, req.DocumentID, payload, newVersion, req.Kind == models.OpDelete, updatedAt.UTC(),
		req.Author.DeviceID, req.Author.SessionID, string(req.Author.Role), currentVersion)
	if err != nil {
		return nil, classify("write document", err)
	}
	if n, _ := res.RowsAffected(); n != 1 {
		return nil, apperrors.Newf(apperrors.ErrNetwork, "document %s/%s changed during push", req.Collection, req.DocumentID)
	}

	if req.OpID != 0 {
		if _, err := tx.ExecContext(ctx,
			fmt.Sprintf(`INSERT INTO %s (device_id, op_id, new_version) VALUES ($1, $2, $3)`, s.pushesTable()),
			req.Author.DeviceID, req.OpID, newVersion); err != nil {
			return nil, classify("record push", err)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT seq FROM %s WHERE collection = $1 AND document_id = $2`, s.documentsTable()),
		req.Collection, req.DocumentID).Scan(&seq); err != nil {
		return nil, classify("read sequence", err)
	}
	change, _ := json.Marshal(remote.Change{Collection: req.Collection, DocumentID: req.DocumentID, Seq: seq})
	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, s.channel(), string(change)); err != nil {
		return nil, classify("notify", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, classify("commit push", err)
	}
	return &remote.PushResult{Acked: true, NewVersion: newVersion}, nil
}

// ServerTime implements remote.TimeSource.
func (s *Store) ServerTime(ctx context.Context) (time.Time, error) {
	if err := s.ensureReady(); err != nil {
		return time.Time{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, operationTimeout)
	defer cancel()
	var now time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT NOW()`).Scan(&now); err != nil {
		return time.Time{}, classify("server time", err)
	}
	return now, nil
}

// Subscribe implements remote.Subscriber over LISTEN/NOTIFY. The listener
// reconnects on its own; fn is called from a single goroutine.
func (s *Store) Subscribe(ctx context.Context, fn func(remote.Change)) (func(), error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	listener := pq.NewListener(s.dsn, listenerMinBackoff, listenerMaxBackoff, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			s.log.Warn("change listener event", map[string]interface{}{"event": int(ev), "error": err.Error()})
		}
	})
	if err := listener.Listen(s.channel()); err != nil {
		_ = listener.Close()
		return nil, classify("listen", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case n, ok := <-listener.Notify:
				if !ok {
					return
				}
				// A nil notification means the connection was re-established
				// and changes may have been missed.
				if n == nil {
					fn(remote.Change{})
					continue
				}
				var change remote.Change
				if err := json.Unmarshal([]byte(n.Extra), &change); err != nil {
					s.log.Warn("dropping malformed change notification", map[string]interface{}{"payload": n.Extra})
					continue
				}
				fn(change)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			_ = listener.Close()
			<-done
		})
	}, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDocument(row rowScanner) (*remote.Document, error) {
	var (
		doc  remote.Document
		role string
	)
	err := row.Scan(&doc.ID, &doc.Payload, &doc.Version, &doc.Seq, &doc.Deleted, &doc.UpdatedAt,
		&doc.UpdatedBy.DeviceID, &doc.UpdatedBy.SessionID, &role)
	if err != nil {
		return nil, err
	}
	doc.UpdatedBy.Role = models.Role(role)
	doc.UpdatedAt = doc.UpdatedAt.UTC()
	return &doc, nil
}

// classify maps driver failures onto the sync error taxonomy: connection and
// transaction-rollback classes are retryable, the rest fail the operation.
func classify(action string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(apperrors.ErrTimeout, action+" timed out", err)
	}
	if errors.Is(err, context.Canceled) {
		return apperrors.Wrap(apperrors.ErrNetwork, action+" cancelled", err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == "42501" {
			return apperrors.Wrap(apperrors.ErrPermission, action+" rejected", err)
		}
		switch pqErr.Code.Class() {
		case "08", "40", "53", "57":
			return apperrors.Wrap(apperrors.ErrNetwork, action+" failed", err)
		}
		return apperrors.Wrap(apperrors.ErrSyncFailed, action+" failed", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, sql.ErrConnDone) {
		return apperrors.Wrap(apperrors.ErrNetwork, action+" failed", err)
	}
	return apperrors.Wrap(apperrors.ErrSyncFailed, action+" failed", err)
}

func quoteIdentifier(identifier string) string {
	return pq.QuoteIdentifier(strings.TrimSpace(identifier))
}
