package recorder

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// plainStore has no transaction support.
type plainStore struct {
	calls      []string
	stats      map[int64]int
	lastSeen   map[int64]time.Time
	history    []types.ScanEvent
	statsErr   error
	historyErr error
}

func newPlainStore() *plainStore {
	return &plainStore{stats: map[int64]int{}, lastSeen: map[int64]time.Time{}}
}

func (p *plainStore) UpdateStats(_ context.Context, id int64, n int, ts time.Time) error {
	p.calls = append(p.calls, "stats")
	if p.statsErr != nil {
		return p.statsErr
	}
	p.stats[id] = n
	p.lastSeen[id] = ts
	return nil
}

func (p *plainStore) AppendHistory(_ context.Context, ev types.ScanEvent) error {
	p.calls = append(p.calls, "history")
	if p.historyErr != nil {
		return p.historyErr
	}
	p.history = append(p.history, ev)
	return nil
}

// incrementingStore bumps the count itself, like the SQL backends do.
type incrementingStore struct {
	*plainStore
}

func (s incrementingStore) IncrementStats(_ context.Context, id int64, ts time.Time) (int, error) {
	s.calls = append(s.calls, "increment")
	if s.statsErr != nil {
		return 0, s.statsErr
	}
	s.stats[id]++
	s.lastSeen[id] = ts
	return s.stats[id], nil
}

func fixedClock() time.Time { return time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC) }

func cacheWith(t *testing.T, rec types.IdentityRecord) *registry.Registry {
	t.Helper()
	reg := registry.New(len(rec.Embedding), quietLogger())
	if err := reg.Append(rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	return reg
}

func matched(id int64, name string) types.MatchResult {
	return types.MatchResult{IdentityID: id, Name: name, Distance: 0.2, Confidence: 80, Status: types.Matched}
}

func TestRecordIncrementsStats(t *testing.T) {
	st := newPlainStore()
	reg := cacheWith(t, types.IdentityRecord{ID: 1, Name: "A", Embedding: types.Embedding{1}, ScanCount: 3})
	r := New(st, reg, quietLogger(), WithClock(fixedClock))

	if err := r.Record(context.Background(), matched(1, "A"), Context{Method: MethodLive, Source: "s1"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if st.stats[1] != 4 {
		t.Errorf("Expected scan_count 4, got %d", st.stats[1])
	}
	if !st.lastSeen[1].Equal(fixedClock()) {
		t.Errorf("Expected last_seen %v, got %v", fixedClock(), st.lastSeen[1])
	}
	if len(st.history) != 1 {
		t.Fatalf("Expected exactly one history entry, got %d", len(st.history))
	}
	ev := st.history[0]
	if ev.IdentityID != 1 || ev.Method != MethodLive || ev.Source != "s1" || ev.Confidence != 80 {
		t.Errorf("Unexpected history entry %+v", ev)
	}
	if len(st.calls) != 2 || st.calls[0] != "stats" || st.calls[1] != "history" {
		t.Errorf("Expected stats before history, got %v", st.calls)
	}

	rec, _ := reg.Lookup(1)
	if rec.ScanCount != 4 || rec.LastSeen == nil {
		t.Errorf("Expected cache to follow the store, got %+v", rec)
	}
}

func TestRecordIncrementsInStore(t *testing.T) {
	st := newPlainStore()
	st.stats[1] = 3
	r := New(incrementingStore{st}, nil, quietLogger(), WithClock(fixedClock))

	if err := r.Record(context.Background(), matched(1, "A"), Context{Method: MethodLive}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if st.stats[1] != 4 {
		t.Errorf("Expected scan_count 4, got %d", st.stats[1])
	}
	if len(st.calls) != 2 || st.calls[0] != "increment" || st.calls[1] != "history" {
		t.Errorf("Expected increment before history, got %v", st.calls)
	}
}

func TestRecordWithoutKnownCountKeepsStoredCount(t *testing.T) {
	other := cacheWith(t, types.IdentityRecord{ID: 2, Name: "B", Embedding: types.Embedding{1}})
	tests := []struct {
		name  string
		cache Cache
	}{
		{"no cache", nil},
		{"identity not cached", other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newPlainStore()
			st.stats[1] = 3
			r := New(st, tt.cache, quietLogger())

			err := r.Record(context.Background(), matched(1, "A"), Context{Method: MethodLive})
			if !errors.Is(err, ErrStoreWrite) {
				t.Errorf("Expected ErrStoreWrite, got %v", err)
			}
			if st.stats[1] != 3 {
				t.Errorf("Expected stored scan_count to stay 3, got %d", st.stats[1])
			}
			if len(st.calls) != 0 {
				t.Errorf("Expected no writes, got %v", st.calls)
			}
		})
	}
}

func TestRecordIgnoresNonMatches(t *testing.T) {
	st := newPlainStore()
	r := New(st, nil, quietLogger())

	for _, status := range []types.MatchStatus{types.Unmatched, types.NoFaceDetected, types.MultipleFacesAmbiguous} {
		if err := r.Record(context.Background(), types.MatchResult{Status: status}, Context{Method: MethodLive}); err != nil {
			t.Errorf("%s: unexpected error %v", status, err)
		}
	}
	if len(st.calls) != 0 {
		t.Errorf("Expected no writes, got %v", st.calls)
	}
}

func TestRecordSurfacesFailures(t *testing.T) {
	tests := []struct {
		name      string
		statsErr  error
		histErr   error
		wantCalls int
	}{
		{"stats fails", errors.New("disk full"), nil, 1},
		{"history fails after stats", nil, errors.New("disk full"), 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := newPlainStore()
			st.statsErr, st.historyErr = tt.statsErr, tt.histErr

			var sunk []error
			reg := cacheWith(t, types.IdentityRecord{ID: 1, Name: "A", Embedding: types.Embedding{1}})
			r := New(st, reg, quietLogger(), WithErrorSink(func(err error) { sunk = append(sunk, err) }))

			err := r.Record(context.Background(), matched(1, "A"), Context{Method: MethodLive})
			if !errors.Is(err, ErrStoreWrite) {
				t.Errorf("Expected ErrStoreWrite, got %v", err)
			}
			if len(sunk) != 1 || !errors.Is(sunk[0], ErrStoreWrite) {
				t.Errorf("Expected the error sink to receive one write error, got %v", sunk)
			}
			if len(st.calls) != tt.wantCalls {
				t.Errorf("Expected %d store calls, got %v", tt.wantCalls, st.calls)
			}
		})
	}
}

func TestRecordUsesTransactionalStore(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, filepath.Join(t.TempDir(), "faces.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	defer st.Close()

	rec := &types.IdentityRecord{Name: "A", Embedding: types.Embedding{1}, ScanCount: 3}
	if err := st.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	reg := cacheWith(t, *rec)

	r := New(st, reg, quietLogger(), WithClock(fixedClock))
	if err := r.Record(ctx, matched(rec.ID, "A"), Context{Method: MethodImage, Source: "photo.jpg"}); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	got, err := st.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.ScanCount != 4 {
		t.Errorf("Expected scan_count 4, got %d", got.ScanCount)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(fixedClock()) {
		t.Errorf("Expected last_seen %v, got %v", fixedClock(), got.LastSeen)
	}
	history, err := st.History(ctx, rec.ID, 10)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 || history[0].Method != MethodImage {
		t.Errorf("Expected one image history entry, got %+v", history)
	}
	cached, _ := reg.Lookup(rec.ID)
	if cached.ScanCount != 4 {
		t.Errorf("Expected cached scan_count 4, got %d", cached.ScanCount)
	}

	// Unknown id: the transaction reports not found.
	err = r.Record(ctx, matched(999, "ghost"), Context{Method: MethodLive})
	if !errors.Is(err, ErrStoreWrite) {
		t.Errorf("Expected ErrStoreWrite for unknown identity, got %v", err)
	}
}
