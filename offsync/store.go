// Copyright 2025 The roadtrip-offline Authors
// SPDX-License-Identifier: Apache-2.0

package offsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/mxh77/roadtrip-offline/migrations"
)

const timeLayout = "2006-01-02T15:04:05.999999999Z07:00" // RFC3339Nano, sorts lexicographically in UTC

// Store is the durable on-device storage for the pending-operation queue,
// the read-response cache and sync metadata. All mutation goes through its
// narrow operation set; writes are serialized to avoid SQLite lock
// contention from interleaved goroutines.
type Store struct {
	db      *sql.DB
	clk     clock.Clock
	writeMu sync.Mutex
}

// OpenStore opens (creating if needed) the sync database at path and
// applies pending schema migrations.
func OpenStore(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store, err := NewStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// NewStore wraps an already opened SQLite handle, enabling pragmas and
// running migrations. The store takes ownership of the handle.
func NewStore(db *sql.DB) (*Store, error) {
	if err := enablePragmas(db); err != nil {
		return nil, fmt.Errorf("enable pragmas: %w", err)
	}
	if err := runMigrations(db); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{db: db, clk: clock.New()}, nil
}

func enablePragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %s: %w", pragma, err)
		}
	}
	return nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}
	if err := goose.Up(db, "."); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// setClock swaps the time source; used by tests to control TTL expiry.
func (s *Store) setClock(clk clock.Clock) { s.clk = clk }

// Enqueue records a mutation as pending and returns its assigned id.
// A storage failure propagates to the caller: the operation is not durable
// and must not be reported as accepted.
func (s *Store) Enqueue(ctx context.Context, op *PendingOperation) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if op.CreatedAt.IsZero() {
		op.CreatedAt = s.clk.Now().UTC()
	}
	var headers sql.NullString
	if len(op.Headers) > 0 {
		raw, err := json.Marshal(op.Headers)
		if err != nil {
			return 0, fmt.Errorf("marshal headers: %w", err)
		}
		headers = sql.NullString{String: string(raw), Valid: true}
	}
	var payload sql.NullString
	if len(op.Payload) > 0 {
		payload = sql.NullString{String: string(op.Payload), Valid: true}
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pending_operations
			(operation_type, entity_type, entity_id, local_id, payload,
			 endpoint, http_method, headers, created_at, retry_count, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, op.OperationType, op.EntityType, nullable(op.EntityID), nullable(op.LocalID),
		payload, op.Endpoint, op.HTTPMethod, headers,
		op.CreatedAt.UTC().Format(timeLayout), StatusPending)
	if err != nil {
		return 0, fmt.Errorf("enqueue operation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read operation id: %w", err)
	}
	op.ID = id
	op.Status = StatusPending
	op.RetryCount = 0
	return id, nil
}

// ListPending returns up to limit pending operations ordered oldest first.
// Operations are never reordered or merged.
func (s *Store) ListPending(ctx context.Context, limit int) ([]PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_type, entity_type, entity_id, local_id, payload,
		       endpoint, http_method, headers, created_at, retry_count, last_error, status
		FROM pending_operations
		WHERE status = ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, StatusPending, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// ListFailed returns permanently failed operations, newest first, for the
// diagnostic surface and manual requeueing.
func (s *Store) ListFailed(ctx context.Context, limit int) ([]PendingOperation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, operation_type, entity_type, entity_id, local_id, payload,
		       endpoint, http_method, headers, created_at, retry_count, last_error, status
		FROM pending_operations
		WHERE status = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, StatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("query failed operations: %w", err)
	}
	defer rows.Close()
	return scanOperations(rows)
}

// GetOperation loads one operation by id.
func (s *Store) GetOperation(ctx context.Context, id int64) (*PendingOperation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, operation_type, entity_type, entity_id, local_id, payload,
		       endpoint, http_method, headers, created_at, retry_count, last_error, status
		FROM pending_operations WHERE id = ?
	`, id)
	op, err := scanOperation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("operation %d not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("query operation %d: %w", id, err)
	}
	return op, nil
}

// MarkCompleted transitions an operation pending→completed. Completed rows
// are retained for diagnostics until PurgeCompleted removes them.
func (s *Store) MarkCompleted(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET status = ?, last_error = NULL, completed_at = ?
		WHERE id = ?
	`, StatusCompleted, s.clk.Now().UTC().Format(timeLayout), id)
	if err != nil {
		return fmt.Errorf("mark operation %d completed: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt: increments retry_count and stores
// the error message. When permanent is true the operation is moved to the
// failed status and will not be retried automatically.
func (s *Store) MarkFailed(ctx context.Context, id int64, message string, permanent bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	status := StatusPending
	if permanent {
		status = StatusFailed
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET retry_count = retry_count + 1, last_error = ?, status = ?
		WHERE id = ?
	`, message, status, id)
	if err != nil {
		return fmt.Errorf("mark operation %d failed: %w", id, err)
	}
	return nil
}

// Requeue reopens a permanently failed operation: status back to pending
// with a fresh retry budget. This is the only path from failed to pending.
func (s *Store) Requeue(ctx context.Context, id int64) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE pending_operations
		SET status = ?, retry_count = 0, last_error = NULL
		WHERE id = ? AND status = ?
	`, StatusPending, id, StatusFailed)
	if err != nil {
		return fmt.Errorf("requeue operation %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("requeue operation %d: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("operation %d is not in failed status", id)
	}
	return nil
}

// PurgeCompleted deletes completed operations older than the retention
// window and returns the number of rows removed.
func (s *Store) PurgeCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	cutoff := s.clk.Now().UTC().Add(-olderThan).Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM pending_operations
		WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?
	`, StatusCompleted, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge completed operations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge completed operations: %w", err)
	}
	return n, nil
}

// SetCache upserts a cache entry. A non-positive ttl stores the entry
// without expiry.
func (s *Store) SetCache(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := s.clk.Now().UTC()
	var expires sql.NullString
	if ttl > 0 {
		expires = sql.NullString{String: now.Add(ttl).Format(timeLayout), Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cache_entries (cache_key, data, timestamp, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(cache_key) DO UPDATE SET
			data = excluded.data,
			timestamp = excluded.timestamp,
			expires_at = excluded.expires_at
	`, key, string(data), now.Format(timeLayout), expires)
	if err != nil {
		return fmt.Errorf("set cache %s: %w", key, err)
	}
	return nil
}

// GetCache returns the cached data for key only while it is fresh. The
// second return value reports whether a fresh entry was found; expired or
// missing entries both yield false (stale data is an explicit lookup, see
// GetCacheStale).
func (s *Store) GetCache(ctx context.Context, key string) (json.RawMessage, bool, error) {
	entry, err := s.GetCacheStale(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if entry == nil || entry.Expired(s.clk.Now().UTC()) {
		return nil, false, nil
	}
	return entry.Data, true, nil
}

// GetCacheStale returns the entry for key regardless of expiry, or nil when
// no entry exists. Callers use it for the stale-while-error fallback.
func (s *Store) GetCacheStale(ctx context.Context, key string) (*CacheEntry, error) {
	var (
		data      string
		ts        string
		expiresAt sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT data, timestamp, expires_at FROM cache_entries WHERE cache_key = ?
	`, key).Scan(&data, &ts, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query cache %s: %w", key, err)
	}

	entry := &CacheEntry{Key: key, Data: json.RawMessage(data)}
	if entry.Timestamp, err = time.Parse(timeLayout, ts); err != nil {
		return nil, fmt.Errorf("parse cache timestamp: %w", err)
	}
	if expiresAt.Valid {
		exp, err := time.Parse(timeLayout, expiresAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse cache expiry: %w", err)
		}
		entry.ExpiresAt = &exp
	}
	return entry, nil
}

// InvalidateCache deletes every entry whose key starts with prefix.
// Repositories use it to drop list and detail responses after a write.
func (s *Store) InvalidateCache(ctx context.Context, prefix string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE cache_key LIKE ? || '%'
	`, prefix)
	if err != nil {
		return fmt.Errorf("invalidate cache %s: %w", prefix, err)
	}
	return nil
}

// PurgeExpiredCache deletes entries whose expiry has passed.
func (s *Store) PurgeExpiredCache(ctx context.Context) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM cache_entries WHERE expires_at IS NOT NULL AND expires_at < ?
	`, s.clk.Now().UTC().Format(timeLayout))
	if err != nil {
		return 0, fmt.Errorf("purge expired cache: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge expired cache: %w", err)
	}
	return n, nil
}

// ClearAll wipes the operation queue, the cache and sync metadata. Used for
// full reset (sign-out).
func (s *Store) ClearAll(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	for _, stmt := range []string{
		`DELETE FROM pending_operations`,
		`DELETE FROM cache_entries`,
		`DELETE FROM sync_meta`,
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("clear local data: %w", err)
		}
	}
	return nil
}

// Stats returns the pending-operation and cached-item counts.
func (s *Store) Stats(ctx context.Context) (StoreStats, error) {
	var stats StoreStats
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_operations WHERE status = ?`, StatusPending,
	).Scan(&stats.PendingOperations)
	if err != nil {
		return stats, fmt.Errorf("count pending operations: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM cache_entries`).Scan(&stats.CachedItems)
	if err != nil {
		return stats, fmt.Errorf("count cache entries: %w", err)
	}
	return stats, nil
}

// BreakdownByEntity returns pending counts grouped by entity and operation
// type for the diagnostic object.
func (s *Store) BreakdownByEntity(ctx context.Context) ([]EntityBreakdown, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entity_type, operation_type, COUNT(*)
		FROM pending_operations
		WHERE status = ?
		GROUP BY entity_type, operation_type
		ORDER BY entity_type, operation_type
	`, StatusPending)
	if err != nil {
		return nil, fmt.Errorf("query pending breakdown: %w", err)
	}
	defer rows.Close()

	var out []EntityBreakdown
	for rows.Next() {
		var b EntityBreakdown
		if err := rows.Scan(&b.EntityType, &b.OperationType, &b.Count); err != nil {
			return nil, fmt.Errorf("scan pending breakdown: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending breakdown: %w", err)
	}
	return out, nil
}

// SetLastSync records the last successful sync time for an entity type.
func (s *Store) SetLastSync(ctx context.Context, entityType string, t time.Time) error {
	return s.setMeta(ctx, "last_sync:"+entityType, t.UTC().Format(timeLayout))
}

// LastSync returns the last successful sync time for an entity type. The
// second return value is false when none has been recorded.
func (s *Store) LastSync(ctx context.Context, entityType string) (time.Time, bool, error) {
	value, ok, err := s.getMeta(ctx, "last_sync:"+entityType)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse last sync: %w", err)
	}
	return t, true, nil
}

// DeviceID returns the stable per-install identifier, generating and
// persisting one on first use.
func (s *Store) DeviceID(ctx context.Context) (string, error) {
	id, ok, err := s.getMeta(ctx, "device_id")
	if err != nil {
		return "", err
	}
	if ok {
		return id, nil
	}
	id = uuid.New().String()
	if err := s.setMeta(ctx, "device_id", id); err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_meta (meta_key, meta_value, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(meta_key) DO UPDATE SET
			meta_value = excluded.meta_value,
			updated_at = excluded.updated_at
	`, key, value, s.clk.Now().UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("set meta %s: %w", key, err)
	}
	return nil
}

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT meta_value FROM sync_meta WHERE meta_key = ?`, key,
	).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get meta %s: %w", key, err)
	}
	return value, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOperation(row rowScanner) (*PendingOperation, error) {
	var (
		op        PendingOperation
		entityID  sql.NullString
		localID   sql.NullString
		payload   sql.NullString
		headers   sql.NullString
		createdAt string
		lastError sql.NullString
	)
	err := row.Scan(&op.ID, &op.OperationType, &op.EntityType, &entityID, &localID,
		&payload, &op.Endpoint, &op.HTTPMethod, &headers, &createdAt,
		&op.RetryCount, &lastError, &op.Status)
	if err != nil {
		return nil, err
	}
	op.EntityID = entityID.String
	op.LocalID = localID.String
	op.LastError = lastError.String
	if payload.Valid {
		op.Payload = json.RawMessage(payload.String)
	}
	if headers.Valid {
		if err := json.Unmarshal([]byte(headers.String), &op.Headers); err != nil {
			return nil, fmt.Errorf("unmarshal headers: %w", err)
		}
	}
	if op.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	return &op, nil
}

func scanOperations(rows *sql.Rows) ([]PendingOperation, error) {
	var ops []PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, *op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

func nullable(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
