// Package store persists identities and their scan history.
//
// Two backends implement Store: SQLite (the default, a single local file) and
// PostgreSQL with the pgvector extension. Both keep the embedding as a raw
// little-endian float64 blob so rows stay readable by either backend.
package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/vecmath"
)

//go:embed migrations
var migrationsFS embed.FS

var (
	// ErrStoreUnavailable wraps connection and read failures against the backing store.
	ErrStoreUnavailable = errors.New("identity store unavailable")
	// ErrDuplicateName is returned when an identity with the same name already exists.
	ErrDuplicateName = errors.New("identity name already exists")
	// ErrNotFound is returned when the referenced identity does not exist.
	ErrNotFound = errors.New("identity not found")
)

// Store is the persistence contract the recognition core consumes.
type Store interface {
	// ListAll returns every identity row in id order. Rows whose core fields
	// cannot be decoded are returned with a Reason instead of failing the call.
	ListAll(ctx context.Context) ([]types.StoredRecord, error)
	// Append inserts rec and fills in its ID and CreatedAt.
	Append(ctx context.Context, rec *types.IdentityRecord) error
	UpdateStats(ctx context.Context, id int64, scanCount int, lastSeen time.Time) error
	AppendHistory(ctx context.Context, ev types.ScanEvent) error
	// RecordScan increments scan_count, sets last_seen and appends ev in one
	// transaction. It returns the new scan count.
	RecordScan(ctx context.Context, ev types.ScanEvent) (int, error)
	// Get returns an identity profile. The embedding is not loaded.
	Get(ctx context.Context, id int64) (types.IdentityRecord, error)
	// History returns the most recent scan events for id, newest first.
	History(ctx context.Context, id int64, limit int) ([]types.ScanEvent, error)
	Rename(ctx context.Context, id int64, name string) error
	Delete(ctx context.Context, id int64) error
	Reset(ctx context.Context) error
	Close() error
}

// NearestFinder is implemented by backends that can run the nearest-neighbor
// query server side.
type NearestFinder interface {
	Nearest(ctx context.Context, probe types.Embedding) (id int64, name string, distance float64, found bool, err error)
}

// Open picks a backend from the URL scheme: postgres:// and postgresql:// go to
// PostgreSQL, anything else is treated as a SQLite file path.
func Open(ctx context.Context, url string) (Store, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		return NewPostgres(ctx, url)
	default:
		path := strings.TrimPrefix(strings.TrimPrefix(url, "sqlite://"), "file:")
		return NewSQLite(ctx, path)
	}
}

type migration struct {
	version string
	sql     string
}

func loadMigrations(dialect string) ([]migration, error) {
	dir := "migrations/" + dialect
	entries, err := migrationsFS.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	migrations := make([]migration, 0, len(names))
	for _, name := range names {
		data, err := migrationsFS.ReadFile(dir + "/" + name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		migrations = append(migrations, migration{version: strings.TrimSuffix(name, ".sql"), sql: string(data)})
	}
	return migrations, nil
}

// rawRow is the column set shared by both backends' ListAll.
type rawRow struct {
	id        int64
	name      string
	photo     []byte
	embedding []byte
	metadata  []byte
	scanCount int
	lastSeen  *time.Time
	createdAt time.Time
}

func (r rawRow) decode() types.StoredRecord {
	rec := types.IdentityRecord{
		ID:        r.id,
		Name:      r.name,
		Photo:     r.photo,
		ScanCount: r.scanCount,
		LastSeen:  r.lastSeen,
		CreatedAt: r.createdAt,
		Metadata:  decodeMetadata(r.metadata),
	}
	if strings.TrimSpace(r.name) == "" {
		return types.StoredRecord{Record: rec, Reason: "empty name"}
	}
	vec, err := vecmath.Decode(r.embedding)
	if err != nil {
		return types.StoredRecord{Record: rec, Reason: err.Error()}
	}
	rec.Embedding = vec
	return types.StoredRecord{Record: rec}
}

// decodeMetadata is lenient: metadata is free-form, so text that is not a JSON
// object is kept verbatim under "raw" rather than failing the row.
func decodeMetadata(raw []byte) map[string]any {
	if len(raw) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"raw": string(raw)}
	}
	return m
}

func encodeMetadata(m map[string]any) (*string, error) {
	if len(m) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode metadata: %w", err)
	}
	s := string(data)
	return &s, nil
}

func validateRecord(rec *types.IdentityRecord) error {
	rec.Name = strings.TrimSpace(rec.Name)
	if rec.Name == "" {
		return errors.New("identity name must not be empty")
	}
	if len(rec.Embedding) == 0 {
		return errors.New("identity embedding must not be empty")
	}
	return nil
}
