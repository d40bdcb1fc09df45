package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/vecmath"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pgvector/pgvector-go"
)

// Postgres manages the PostgreSQL connection and pgvector operations.
type Postgres struct {
	mu   sync.Mutex // pgx.Conn is not safe for concurrent use
	conn *pgx.Conn
}

// NewPostgres establishes a connection to the database and runs migrations.
func NewPostgres(ctx context.Context, connString string) (*Postgres, error) {
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	p := &Postgres{conn: conn}
	if err := p.migrate(ctx); err != nil {
		conn.Close(ctx)
		return nil, fmt.Errorf("failed to initialize database schema: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	migrations, err := loadMigrations("postgres")
	if err != nil {
		return err
	}
	if _, err := p.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	for _, m := range migrations {
		var applied bool
		if err := p.conn.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)", m.version).Scan(&applied); err != nil {
			return fmt.Errorf("query migration %s: %w", m.version, err)
		}
		if applied {
			continue
		}

		tx, err := p.conn.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin transaction for %s: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("execute migration %s: %w", m.version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("record migration %s: %w", m.version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit migration %s: %w", m.version, err)
		}
	}
	return nil
}

// Close terminates the database connection.
func (p *Postgres) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// Background: the caller's context may already be cancelled (Ctrl+C) and we
	// still need to send the terminate message.
	return p.conn.Close(context.Background())
}

func (p *Postgres) ListAll(ctx context.Context) ([]types.StoredRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.conn.Query(ctx, `
		SELECT id, name, photo, embedding, metadata::text, scan_count, last_seen, created_at
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
			r        rawRow
			metadata *string
		)
		if err := rows.Scan(&r.id, &r.name, &r.photo, &r.embedding, &metadata, &r.scanCount, &r.lastSeen, &r.createdAt); err != nil {
			out = append(out, types.StoredRecord{Record: types.IdentityRecord{ID: r.id}, Reason: fmt.Sprintf("scan row: %v", err)})
			continue
		}
		if metadata != nil {
			r.metadata = []byte(*metadata)
		}
		out = append(out, r.decode())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterate identities: %v", ErrStoreUnavailable, err)
	}
	return out, nil
}

func (p *Postgres) Append(ctx context.Context, rec *types.IdentityRecord) error {
	if err := validateRecord(rec); err != nil {
		return err
	}
	meta, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.conn.QueryRow(ctx, `
		INSERT INTO identities (name, photo, embedding, embedding_vec, metadata, scan_count)
		VALUES ($1, $2, $3, $4::vector, $5::jsonb, $6)
		RETURNING id, created_at
	`, rec.Name, rec.Photo, vecmath.Encode(rec.Embedding), pgvector.NewVector(vecmath.ToFloat32(rec.Embedding)), meta, rec.ScanCount).
		Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, rec.Name)
		}
		return fmt.Errorf("insert identity: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateStats(ctx context.Context, id int64, scanCount int, lastSeen time.Time) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tag, err := p.conn.Exec(ctx, "UPDATE identities SET scan_count = $1, last_seen = $2 WHERE id = $3", scanCount, lastSeen, id)
	if err != nil {
		return fmt.Errorf("update stats: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// IncrementStats bumps scan_count in place and returns the new value.
func (p *Postgres) IncrementStats(ctx context.Context, id int64, lastSeen time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return incrementPostgres(ctx, p.conn, id, lastSeen)
}

type pgQuerier interface {
	QueryRow(ctx context.Context, query string, args ...any) pgx.Row
}

func incrementPostgres(ctx context.Context, q pgQuerier, id int64, lastSeen time.Time) (int, error) {
	var count int
	err := q.QueryRow(ctx, `
		UPDATE identities SET scan_count = scan_count + 1, last_seen = $1
		WHERE id = $2
		RETURNING scan_count
	`, lastSeen, id).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return 0, fmt.Errorf("update stats: %w", err)
	}
	return count, nil
}

func (p *Postgres) AppendHistory(ctx context.Context, ev types.ScanEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	_, err := p.conn.Exec(ctx, `
		INSERT INTO scan_history (identity_id, confidence, method, source, scanned_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.IdentityID, ev.Confidence, ev.Method, ev.Source, ev.Timestamp)
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

func (p *Postgres) RecordScan(ctx context.Context, ev types.ScanEvent) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	tx, err := p.conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin scan tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	count, err := incrementPostgres(ctx, tx, ev.IdentityID, ev.Timestamp)
	if err != nil {
		return 0, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO scan_history (identity_id, confidence, method, source, scanned_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.IdentityID, ev.Confidence, ev.Method, ev.Source, ev.Timestamp); err != nil {
		return 0, fmt.Errorf("append history: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit scan: %w", err)
	}
	return count, nil
}

func (p *Postgres) Get(ctx context.Context, id int64) (types.IdentityRecord, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		rec      types.IdentityRecord
		metadata *string
	)
	err := p.conn.QueryRow(ctx, `
		SELECT id, name, photo, metadata::text, scan_count, last_seen, created_at
		FROM identities WHERE id = $1
	`, id).Scan(&rec.ID, &rec.Name, &rec.Photo, &metadata, &rec.ScanCount, &rec.LastSeen, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return rec, fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	if err != nil {
		return rec, fmt.Errorf("get identity: %w", err)
	}
	if metadata != nil {
		rec.Metadata = decodeMetadata([]byte(*metadata))
	}
	return rec, nil
}

func (p *Postgres) History(ctx context.Context, id int64, limit int) ([]types.ScanEvent, error) {
	if limit <= 0 {
		limit = 50
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	rows, err := p.conn.Query(ctx, `
		SELECT identity_id, confidence, method, COALESCE(source, ''), scanned_at
		FROM scan_history
		WHERE identity_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var events []types.ScanEvent
	for rows.Next() {
		var ev types.ScanEvent
		if err := rows.Scan(&ev.IdentityID, &ev.Confidence, &ev.Method, &ev.Source, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (p *Postgres) Rename(ctx context.Context, id int64, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tag, err := p.conn.Exec(ctx, "UPDATE identities SET name = $1 WHERE id = $2", name, id)
	if err != nil {
		if isPgUniqueViolation(err) {
			return fmt.Errorf("%w: %q", ErrDuplicateName, name)
		}
		return fmt.Errorf("rename identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, id int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	tag, err := p.conn.Exec(ctx, "DELETE FROM identities WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete identity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %d", ErrNotFound, id)
	}
	return nil
}

// Reset drops all tables and re-applies the schema.
func (p *Postgres) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, err := p.conn.Exec(ctx, `
		DROP TABLE IF EXISTS scan_history;
		DROP TABLE IF EXISTS identities;
		DROP TABLE IF EXISTS schema_migrations;
	`); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return p.migrate(ctx)
}

// Nearest finds the closest identity by L2 distance using pgvector. Only rows
// whose vector has the probe's dimensionality are considered; ties resolve to
// the lowest id.
func (p *Postgres) Nearest(ctx context.Context, probe types.Embedding) (int64, string, float64, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var (
		id       int64
		name     string
		distance float64
	)
	err := p.conn.QueryRow(ctx, `
		SELECT id, name, embedding_vec <-> $1::vector AS distance
		FROM identities
		WHERE embedding_vec IS NOT NULL AND vector_dims(embedding_vec) = $2
		ORDER BY distance, id
		LIMIT 1
	`, pgvector.NewVector(vecmath.ToFloat32(probe)), len(probe)).Scan(&id, &name, &distance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, "", 0, false, nil
	}
	if err != nil {
		return 0, "", 0, false, fmt.Errorf("nearest identity: %w", err)
	}
	return id, name, distance, true, nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
