package registry

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/vecmath"
)

type fakeLister struct {
	rows []types.StoredRecord
	err  error
}

func (f *fakeLister) ListAll(context.Context) ([]types.StoredRecord, error) {
	return f.rows, f.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func valid(id int64, name string, vec ...float64) types.StoredRecord {
	return types.StoredRecord{Record: types.IdentityRecord{ID: id, Name: name, Embedding: vec}}
}

func TestLoadSkipsMalformedRecords(t *testing.T) {
	src := &fakeLister{rows: []types.StoredRecord{
		valid(1, "Alice", 1, 0, 0),
		{Record: types.IdentityRecord{ID: 2, Name: "Corrupt"}, Reason: "malformed embedding"},
		valid(3, "Short", 1, 0),
		valid(4, "Bob", 0, 1, 0),
	}}

	r, err := Load(context.Background(), src, 3, quietLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	all := r.All()
	if len(all) != 2 {
		t.Fatalf("Expected 2 identities, got %d", len(all))
	}
	if all[0].Name != "Alice" || all[1].Name != "Bob" {
		t.Errorf("Expected load order [Alice Bob], got [%s %s]", all[0].Name, all[1].Name)
	}
	if r.IsEmpty() {
		t.Error("Expected registry to be non-empty")
	}
}

func TestLoadInfersDimension(t *testing.T) {
	src := &fakeLister{rows: []types.StoredRecord{
		valid(1, "Alice", 1, 2),
		valid(2, "Wide", 1, 2, 3),
	}}
	r, err := Load(context.Background(), src, 0, quietLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if r.Dim() != 2 {
		t.Errorf("Expected inferred dim 2, got %d", r.Dim())
	}
	if r.Len() != 1 {
		t.Errorf("Expected the 3-dim record to be skipped, got %d records", r.Len())
	}
}

func TestLoadStoreUnavailable(t *testing.T) {
	_, err := Load(context.Background(), &fakeLister{err: errors.New("connection refused")}, 3, quietLogger())
	if !errors.Is(err, store.ErrStoreUnavailable) {
		t.Errorf("Expected ErrStoreUnavailable, got %v", err)
	}
}

func TestReloadKeepsPreviousOnFailure(t *testing.T) {
	src := &fakeLister{rows: []types.StoredRecord{valid(1, "Alice", 1)}}
	r, err := Load(context.Background(), src, 1, quietLogger())
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	src.err = errors.New("down")
	if err := r.Reload(context.Background(), src); err == nil {
		t.Fatal("Expected reload error")
	}
	if r.Len() != 1 {
		t.Errorf("Expected previous contents to survive, got %d", r.Len())
	}
}

func TestAppend(t *testing.T) {
	r := New(2, quietLogger())

	if err := r.Append(types.IdentityRecord{ID: 1, Name: "José Álvarez", Embedding: types.Embedding{1, 0}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := r.Append(types.IdentityRecord{ID: 2, Name: "jose_alvarez", Embedding: types.Embedding{0, 1}}); !errors.Is(err, store.ErrDuplicateName) {
		t.Errorf("Expected ErrDuplicateName, got %v", err)
	}
	if err := r.Append(types.IdentityRecord{ID: 3, Name: "Bob", Embedding: types.Embedding{0, 1, 0}}); !errors.Is(err, vecmath.ErrDimensionMismatch) {
		t.Errorf("Expected ErrDimensionMismatch, got %v", err)
	}
	if err := r.Append(types.IdentityRecord{ID: 4, Embedding: types.Embedding{0, 1}}); err == nil {
		t.Error("Expected error for empty name")
	}
	if r.Len() != 1 {
		t.Errorf("Expected 1 identity, got %d", r.Len())
	}
	if !r.HasName("JOSE ALVAREZ") {
		t.Error("Expected HasName to match normalized name")
	}
}

func TestSnapshotIsolation(t *testing.T) {
	r := New(1, quietLogger())
	if err := r.Append(types.IdentityRecord{ID: 1, Name: "Alice", Embedding: types.Embedding{1}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	before := r.Snapshot()
	if err := r.Append(types.IdentityRecord{ID: 2, Name: "Bob", Embedding: types.Embedding{2}}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if before.Len() != 1 {
		t.Errorf("Old snapshot changed under reader: %d records", before.Len())
	}
	after := r.Snapshot()
	if after.Len() != 2 {
		t.Errorf("Expected 2 records in new snapshot, got %d", after.Len())
	}
	if after.Version() == before.Version() {
		t.Error("Expected version to change on append")
	}

	// Stats updates keep the version, the embedding set is unchanged.
	if !r.UpdateStats(1, 7, time.Now()) {
		t.Fatal("UpdateStats did not find id 1")
	}
	if r.Snapshot().Version() != after.Version() {
		t.Error("Expected stats update to keep the version")
	}
	if after.All()[0].ScanCount != 0 {
		t.Error("Stats update leaked into an older snapshot")
	}
	rec, ok := r.Lookup(1)
	if !ok || rec.ScanCount != 7 || rec.LastSeen == nil {
		t.Errorf("Expected updated stats on lookup, got %+v", rec)
	}

	if !r.Invalidate(1) {
		t.Fatal("Invalidate did not find id 1")
	}
	if r.Invalidate(1) {
		t.Error("Expected second invalidate to report false")
	}
	if _, ok := r.Lookup(1); ok {
		t.Error("Expected id 1 to be gone")
	}
}

func TestConcurrentAppendAndRead(t *testing.T) {
	r := New(1, quietLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Append(types.IdentityRecord{ID: int64(i + 1), Name: string(rune('A'+i%26)) + string(rune('a'+i/26)), Embedding: types.Embedding{float64(i)}})
		}(i)
		go func() {
			defer wg.Done()
			snap := r.Snapshot()
			for _, rec := range snap.All() {
				if len(rec.Embedding) != 1 {
					t.Errorf("Observed torn record %+v", rec)
				}
			}
		}()
	}
	wg.Wait()
	if r.Len() != 50 {
		t.Errorf("Expected 50 identities, got %d", r.Len())
	}
}
