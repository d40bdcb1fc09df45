// Package registry holds the in-memory cache of enrolled identities.
//
// Readers take an immutable Snapshot; writers build a new snapshot and swap it
// in atomically, so a reader never observes a half-applied change.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/utils"
	"github.com/andresmejia3/vigil/internal/vecmath"
)

// ErrEmptyRegistry is returned when matching or starting the pipeline with no identities.
var ErrEmptyRegistry = errors.New("registry is empty")

// Lister is the slice of the store the registry loads from.
type Lister interface {
	ListAll(ctx context.Context) ([]types.StoredRecord, error)
}

// Snapshot is an immutable view of the registry at one point in time.
type Snapshot struct {
	records []types.IdentityRecord
	version uint64
	origin  *Registry
}

// All returns the records in load order. The slice must not be modified.
func (s *Snapshot) All() []types.IdentityRecord {
	if s == nil {
		return nil
	}
	return s.records
}

// Version changes whenever the set of embeddings changes. Stats updates keep it.
func (s *Snapshot) Version() uint64 {
	if s == nil {
		return 0
	}
	return s.version
}

// Origin is the registry the snapshot was taken from. Versions are only
// comparable between snapshots of the same origin.
func (s *Snapshot) Origin() any {
	if s == nil || s.origin == nil {
		return nil
	}
	return s.origin
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.records)
}

// Registry is safe for concurrent use.
type Registry struct {
	dim    int
	logger *slog.Logger

	mu   sync.Mutex // serializes writers
	snap atomic.Pointer[Snapshot]
}

// New returns an empty registry for embeddings of length dim. A dim of zero
// adopts the length of the first record loaded or appended.
func New(dim int, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{dim: dim, logger: logger}
	r.snap.Store(&Snapshot{origin: r})
	return r
}

// Load builds a registry from every record in the store. Corrupt rows and
// rows with the wrong dimensionality are skipped with a warning.
func Load(ctx context.Context, src Lister, dim int, logger *slog.Logger) (*Registry, error) {
	r := New(dim, logger)
	if err := r.Reload(ctx, src); err != nil {
		return nil, err
	}
	return r, nil
}

// Reload replaces the registry contents wholesale. On failure the previous
// contents stay in place.
func (r *Registry) Reload(ctx context.Context, src Lister) error {
	rows, err := src.ListAll(ctx)
	if err != nil {
		if errors.Is(err, store.ErrStoreUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", store.ErrStoreUnavailable, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	records := make([]types.IdentityRecord, 0, len(rows))
	skipped := 0
	for _, row := range rows {
		if !row.Valid() {
			skipped++
			r.logger.Warn("skipping corrupt identity record", "id", row.Record.ID, "name", row.Record.Name, "reason", row.Reason)
			continue
		}
		if r.dim == 0 {
			r.dim = len(row.Record.Embedding)
		}
		if err := vecmath.CheckDim(row.Record.Embedding, r.dim); err != nil {
			skipped++
			r.logger.Warn("skipping identity record", "id", row.Record.ID, "name", row.Record.Name, "error", err)
			continue
		}
		records = append(records, row.Record)
	}

	prev := r.snap.Load()
	r.snap.Store(&Snapshot{records: records, version: prev.Version() + 1, origin: r})
	r.logger.Info("registry loaded", "identities", len(records), "skipped", skipped)
	return nil
}

// Snapshot returns the current immutable view.
func (r *Registry) Snapshot() *Snapshot { return r.snap.Load() }

func (r *Registry) IsEmpty() bool { return r.snap.Load().Len() == 0 }

func (r *Registry) Len() int { return r.snap.Load().Len() }

// All returns the current records in load order.
func (r *Registry) All() []types.IdentityRecord { return r.snap.Load().All() }

// Dim reports the embedding length the registry accepts.
func (r *Registry) Dim() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dim
}

// Append adds rec at the end of the registry. The record must already carry
// its store id. Names are compared after normalization.
func (r *Registry) Append(rec types.IdentityRecord) error {
	if rec.Name == "" {
		return errors.New("identity name must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.dim == 0 {
		r.dim = len(rec.Embedding)
	}
	if err := vecmath.CheckDim(rec.Embedding, r.dim); err != nil {
		return err
	}

	cur := r.snap.Load()
	key := utils.NormalizeName(rec.Name)
	for _, existing := range cur.records {
		if utils.NormalizeName(existing.Name) == key {
			return fmt.Errorf("%w: %q", store.ErrDuplicateName, rec.Name)
		}
	}

	records := make([]types.IdentityRecord, len(cur.records), len(cur.records)+1)
	copy(records, cur.records)
	records = append(records, rec)
	r.snap.Store(&Snapshot{records: records, version: cur.version + 1, origin: r})
	return nil
}

// HasName reports whether an identity with an equivalent name is loaded.
func (r *Registry) HasName(name string) bool {
	key := utils.NormalizeName(name)
	for _, rec := range r.All() {
		if utils.NormalizeName(rec.Name) == key {
			return true
		}
	}
	return false
}

// Invalidate drops the identity with the given id. It reports whether one was removed.
func (r *Registry) Invalidate(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	idx := indexOf(cur.records, id)
	if idx < 0 {
		return false
	}
	records := make([]types.IdentityRecord, 0, len(cur.records)-1)
	records = append(records, cur.records[:idx]...)
	records = append(records, cur.records[idx+1:]...)
	r.snap.Store(&Snapshot{records: records, version: cur.version + 1, origin: r})
	return true
}

// Lookup returns the cached record for id.
func (r *Registry) Lookup(id int64) (types.IdentityRecord, bool) {
	records := r.All()
	if idx := indexOf(records, id); idx >= 0 {
		return records[idx], true
	}
	return types.IdentityRecord{}, false
}

// UpdateStats refreshes the cached scan statistics for id.
func (r *Registry) UpdateStats(id int64, scanCount int, lastSeen time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	idx := indexOf(cur.records, id)
	if idx < 0 {
		return false
	}
	records := make([]types.IdentityRecord, len(cur.records))
	copy(records, cur.records)
	seen := lastSeen
	records[idx].ScanCount = scanCount
	records[idx].LastSeen = &seen
	r.snap.Store(&Snapshot{records: records, version: cur.version, origin: r})
	return true
}

func indexOf(records []types.IdentityRecord, id int64) int {
	for i := range records {
		if records[i].ID == id {
			return i
		}
	}
	return -1
}
