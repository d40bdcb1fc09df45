package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/vecmath"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLite stores identities in a local database file.
type SQLite struct {
	db   *sql.DB
	path string
}

// NewSQLite opens (creating if needed) the database at path and applies migrations.
func NewSQLite(ctx context.Context, path string) (*SQLite, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("%w: ensure database directory: %v", ErrStoreUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite db: %v", ErrStoreUnavailable, err)
	}
	// One connection keeps :memory: databases coherent and serializes writers.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%w: apply pragma %q: %v", ErrStoreUnavailable, pragma, err)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate(ctx context.Context) error {
	migrations, err := loadMigrations("sqlite")
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY)"); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var count int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(1) FROM schema_migrations WHERE version = ?", m.version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration version: %w", err)
		}
		if count > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("apply migration %s: %w", m.version, err)
		}
		if _, err := tx.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (?)", m.version); err != nil {
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
	}
	return tx.Commit()
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) ListAll(ctx context.Context) ([]types.StoredRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, photo, embedding, metadata, scan_count, last_seen, created_at
		FROM identities
		ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("%w: list identities: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var out []types.StoredRecord
	for rows.Next() {
		var (
			r         rawRow
			metadata  sql.NullString
			lastSeen  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&r.id, &r.name, &r.photo, &r.embedding, &metadata, &r.scanCount, &lastSeen, &createdAt); err != nil {
			out = append(out, types.StoredRecord{Record: types.IdentityRecord{ID: r.id}, Reason: fmt.Sprintf("scan row: %v", err)})
			continue
		}
		if metadata.Valid {
			r.metadata = []byte(metadata.String)
		}
		r.lastSeen = parseNullTime(lastSeen)
		r.createdAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		out = append(out, r.decode())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate identities: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

func (s *SQLite) Append(ctx context.Context, rec *types.IdentityRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (name, photo, embedding, metadata, scan_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Name, rec.Photo, vecmath.Encode(rec.Embedding), meta, rec.ScanCount, now.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, rec.Name)
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("read identity id: %w", err)
	}
	rec.ID = id
	rec.CreatedAt = now
	return nil
}

func (s *SQLite) UpdateStats(ctx context.Context, id int64, scanCount int, lastSeen time.Time) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE identities SET scan_count = ?, last_seen = ? WHERE id = ?",
		scanCount, lastSeen.UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	return expectOne(res, id)
}

// IncrementStats bumps scan_count in place and returns the new value.
func (s *SQLite) IncrementStats(ctx context.Context, id int64, lastSeen time.Time) (int, error) {
	return incrementSQLite(ctx, s.db, id, lastSeen.UTC().Format(time.RFC3339Nano))
}

type sqliteQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func incrementSQLite(ctx context.Context, q sqliteQuerier, id int64, lastSeen string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		"UPDATE identities SET scan_count = scan_count + 1, last_seen = ? WHERE id = ? RETURNING scan_count",
		lastSeen, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("update stats: %w", err)
	}
	return count, nil
}

func (s *SQLite) AppendHistory(ctx context.Context, ev types.ScanEvent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scan_history (identity_id, confidence, method, source, scanned_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.IdentityID, ev.Confidence, ev.Method, ev.Source, ev.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (s *SQLite) RecordScan(ctx context.Context, ev types.ScanEvent) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin scan tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	ts := ev.Timestamp.UTC().Format(time.RFC3339Nano)
	count, err := incrementSQLite(ctx, tx, ev.IdentityID, ts)
	if err != nil {
		return 0, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO scan_history (identity_id, confidence, method, source, scanned_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.IdentityID, ev.Confidence, ev.Method, ev.Source, ts); err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit scan: %w", err)
	}
	return count, nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (types.IdentityRecord, error) {
	var (
		rec       types.IdentityRecord
		metadata  sql.NullString
		lastSeen  sql.NullString
		createdAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, photo, metadata, scan_count, last_seen, created_at
		FROM identities WHERE id = ?
	`, id).Scan(&rec.ID, &rec.Name, &rec.Photo, &metadata, &rec.ScanCount, &lastSeen, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("get identity: %w", err)
	}
	if metadata.Valid {
		rec.Metadata = decodeMetadata([]byte(metadata.String))
	}
	rec.LastSeen = parseNullTime(lastSeen)
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return rec, nil
}

func (s *SQLite) History(ctx context.Context, id int64, limit int) ([]types.ScanEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT identity_id, confidence, method, COALESCE(source, ''), scanned_at
		FROM scan_history
		WHERE identity_id = ?
		ORDER BY id DESC
		LIMIT ?
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []types.ScanEvent
	for rows.Next() {
		var (
			ev types.ScanEvent
			ts string
		)
		if err := rows.Scan(&ev.IdentityID, &ev.Confidence, &ev.Method, &ev.Source, &ts); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLite) Rename(ctx context.Context, id int64, name string) error {
	res, err := s.db.ExecContext(ctx, "UPDATE identities SET name = ? WHERE id = ?", name, id)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		return fmt.Errorf("rename identity: %w", err)
	}
	return expectOne(res, id)
}

func (s *SQLite) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	return expectOne(res, id)
}

// Reset drops every table and re-applies the schema.
func (s *SQLite) Reset(ctx context.Context) error {
	for _, stmt := range []string{
		"DROP TABLE IF EXISTS scan_history",
		"DROP TABLE IF EXISTS identities",
		"DROP TABLE IF EXISTS schema_migrations",
	} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return s.migrate(ctx)
}

func expectOne(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func parseNullTime(v sql.NullString) *time.Time {
	if !v.Valid || v.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v.String)
	if err != nil {
		return nil
	}
	return &t
}

func isUniqueViolation(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
	}
	return false
}
