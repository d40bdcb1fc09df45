package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// TestPostgresIntegration runs the store contract against a real pgvector container.
// It requires Docker and is skipped when Docker is missing.
func TestPostgresIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	ctx := context.Background()

	container, err := func() (c testcontainers.Container, err error) {
		// testcontainers panics when the docker socket is missing
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("testcontainers panicked: %v", r)
			}
		}()
		return testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "pgvector/pgvector:pg16",
				ExposedPorts: []string{"5432/tcp"},
				Env: map[string]string{
					"POSTGRES_USER":     "user",
					"POSTGRES_PASSWORD": "password",
					"POSTGRES_DB":       "vigil_test",
				},
				WaitingFor: wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(60 * time.Second),
			},
			Started: true,
		})
	}()
	if err != nil || container == nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	defer func() {
		if err := container.Terminate(ctx); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	}()

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	connStr := fmt.Sprintf("postgres://user:password@%s:%s/vigil_test?sslmode=disable", host, port.Port())

	st, err := Open(ctx, connStr)
	if err != nil {
		t.Fatalf("Failed to connect to store: %v", err)
	}
	defer st.Close()

	pg, ok := st.(*Postgres)
	if !ok {
		t.Fatalf("Expected *Postgres backend, got %T", st)
	}

	vecA := make(types.Embedding, 128)
	vecA[0] = 1.0
	vecB := make(types.Embedding, 128)
	vecB[1] = 1.0

	a := &types.IdentityRecord{Name: "Alice", Embedding: vecA, ScanCount: 3, Metadata: map[string]any{"occupation": "engineer"}}
	if err := pg.Append(ctx, a); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if a.ID <= 0 {
		t.Errorf("Expected positive ID, got %d", a.ID)
	}
	b := &types.IdentityRecord{Name: "Bob", Embedding: vecB}
	if err := pg.Append(ctx, b); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := pg.Append(ctx, &types.IdentityRecord{Name: "Alice", Embedding: vecB}); !errors.Is(err, ErrDuplicateName) {
		t.Errorf("Expected ErrDuplicateName, got %v", err)
	}

	rows, err := pg.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("Expected 2 identities, got %d", len(rows))
	}
	if !rows[0].Valid() || rows[0].Record.Embedding[0] != 1.0 {
		t.Errorf("Expected Alice's embedding to round trip, got %+v", rows[0])
	}
	if rows[0].Record.Metadata["occupation"] != "engineer" {
		t.Errorf("Expected metadata to round trip, got %v", rows[0].Record.Metadata)
	}

	// Exact match
	id, name, dist, found, err := pg.Nearest(ctx, vecA)
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if !found || id != a.ID || name != "Alice" {
		t.Errorf("Expected Alice (%d), got %q (%d) found=%v", a.ID, name, id, found)
	}
	epsilon := 1e-6
	if dist > epsilon {
		t.Errorf("Expected distance ~0, got %f", dist)
	}

	// Mismatched dimensionality never matches
	_, _, _, found, err = pg.Nearest(ctx, types.Embedding{1, 0, 0})
	if err != nil {
		t.Fatalf("Nearest failed: %v", err)
	}
	if found {
		t.Error("Expected no candidate for a 3-dim probe")
	}

	seen := time.Now().UTC().Truncate(time.Microsecond)
	count, err := pg.RecordScan(ctx, types.ScanEvent{IdentityID: a.ID, Confidence: 99.1, Timestamp: seen, Method: "live", Source: "test"})
	if err != nil {
		t.Fatalf("RecordScan failed: %v", err)
	}
	if count != 4 {
		t.Errorf("Expected scan_count 4, got %d", count)
	}
	got, err := pg.Get(ctx, a.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.LastSeen == nil || !got.LastSeen.Equal(seen) {
		t.Errorf("Expected last_seen %v, got %v", seen, got.LastSeen)
	}
	history, err := pg.History(ctx, a.ID, 50)
	if err != nil {
		t.Fatalf("History failed: %v", err)
	}
	if len(history) != 1 {
		t.Errorf("Expected exactly 1 history entry, got %d", len(history))
	}
	if count, err := pg.IncrementStats(ctx, a.ID, seen); err != nil || count != 5 {
		t.Errorf("IncrementStats = %d, %v; want 5", count, err)
	}

	if err := pg.Delete(ctx, b.ID); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := pg.Delete(ctx, b.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on second delete, got %v", err)
	}

	if err := pg.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	rows, err = pg.ListAll(ctx)
	if err != nil {
		t.Fatalf("ListAll after reset failed: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("Expected empty store after reset, got %d", len(rows))
	}
}
