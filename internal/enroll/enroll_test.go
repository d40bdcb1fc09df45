package enroll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeProvider answers by image content: "none", "two", "short" or anything
// else for a single face.
type fakeProvider struct{ calls int }

func (f *fakeProvider) DetectAndEncode(_ context.Context, img []byte) ([]types.Detection, error) {
	f.calls++
	face := types.Detection{Box: types.BoundingBox{Top: 1, Right: 5, Bottom: 5, Left: 1}, Vec: types.Embedding{float64(len(img)), 0, 0}}
	switch string(img) {
	case "none":
		return nil, nil
	case "two":
		return []types.Detection{face, face}, nil
	case "short":
		return []types.Detection{{Vec: types.Embedding{1}}}, nil
	case "boom":
		return nil, errors.New("engine crashed")
	}
	return []types.Detection{face}, nil
}

type fixture struct {
	store    *store.SQLite
	registry *registry.Registry
	provider *fakeProvider
	enroller *Enroller
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), filepath.Join(t.TempDir(), "faces.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	reg := registry.New(3, quietLogger())
	p := &fakeProvider{}
	return fixture{store: st, registry: reg, provider: p, enroller: New(p, st, reg, 3, quietLogger())}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestEnrollImage(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec, err := f.enroller.EnrollImage(ctx, []byte("alice"), Person{
		Name:     "Alice",
		Metadata: map[string]any{"department": "ops", "tags": ""},
	})
	if err != nil {
		t.Fatalf("EnrollImage failed: %v", err)
	}
	if rec.ID <= 0 {
		t.Errorf("Expected a store id, got %d", rec.ID)
	}
	if rec.ScanCount != 0 {
		t.Errorf("Expected scan_count 0, got %d", rec.ScanCount)
	}
	if _, ok := rec.Metadata["tags"]; ok {
		t.Error("Empty metadata values should be dropped")
	}

	got, err := f.store.Get(ctx, rec.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Name != "Alice" || got.Metadata["department"] != "ops" {
		t.Errorf("Unexpected stored profile %+v", got)
	}
	if string(got.Photo) != "alice" {
		t.Errorf("Expected the photo blob to be stored, got %q", got.Photo)
	}
	if _, ok := f.registry.Lookup(rec.ID); !ok {
		t.Error("Enrolled identity should be in the registry")
	}
}

func TestEnrollImageRejections(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		person  string
		wantErr error
	}{
		{"no face", "none", "Nobody", ErrNoFace},
		{"two faces", "two", "Crowd", ErrMultipleFaces},
		{"wrong dimension", "short", "Short", nil},
		{"engine failure", "boom", "Boom", nil},
		{"empty name", "ok", "   ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			_, err := f.enroller.EnrollImage(context.Background(), []byte(tt.data), Person{Name: tt.person})
			if err == nil {
				t.Fatal("Expected an error")
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("Expected %v, got %v", tt.wantErr, err)
			}
			if !f.registry.IsEmpty() {
				t.Error("Nothing should be enrolled")
			}
		})
	}
}

func TestEnrollDuplicateName(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.enroller.EnrollImage(ctx, []byte("a"), Person{Name: "John Doe"}); err != nil {
		t.Fatalf("EnrollImage failed: %v", err)
	}

	calls := f.provider.calls
	_, err := f.enroller.EnrollImage(ctx, []byte("b"), Person{Name: "john_doe"})
	if !errors.Is(err, store.ErrDuplicateName) {
		t.Errorf("Expected ErrDuplicateName, got %v", err)
	}
	if f.provider.calls != calls {
		t.Error("Duplicate should be rejected before running the engine")
	}

	// The store still enforces exact-name uniqueness.
	f.enroller.AllowDuplicate = true
	if _, err := f.enroller.EnrollImage(ctx, []byte("c"), Person{Name: "John Doe"}); !errors.Is(err, store.ErrDuplicateName) {
		t.Errorf("Expected store ErrDuplicateName, got %v", err)
	}
	if _, err := f.enroller.EnrollImage(ctx, []byte("d"), Person{Name: "john_doe"}); err != nil {
		t.Errorf("AllowDuplicate should accept a differently spelled name: %v", err)
	}
}

func TestEnrollDir(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	writeFile(t, dir, "jane_doe.jpg", "jane")
	writeFile(t, dir, "group.PNG", "two")
	writeFile(t, dir, "notes.txt", "ignored")
	writeFile(t, dir, "bob.jpeg", "bob")
	if err := os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755); err != nil {
		t.Fatal(err)
	}

	var seen []string
	f.enroller.OnResult = func(r Result) { seen = append(seen, r.Name) }

	sum, err := f.enroller.EnrollDir(context.Background(), dir)
	if err != nil {
		t.Fatalf("EnrollDir failed: %v", err)
	}
	if sum.Added() != 2 || sum.Failed() != 1 {
		t.Errorf("Expected 2 added and 1 failed, got %d and %d", sum.Added(), sum.Failed())
	}
	want := []string{"bob", "group", "jane doe"}
	if len(seen) != len(want) {
		t.Fatalf("Expected results %v, got %v", want, seen)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("Result %d: expected %q, got %q", i, want[i], seen[i])
		}
	}
	if !f.registry.HasName("Jane Doe") {
		t.Error("jane_doe.jpg should be enrolled as 'jane doe'")
	}
}

func TestEnrollManifest(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	if err := os.Mkdir(filepath.Join(dir, "photos"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "photos"), "x.jpg", "jane")
	writeFile(t, dir, "y.jpg", "none")
	manifest := writeFile(t, dir, "people.yaml", `people:
  - name: Jane Doe
    photo: photos/x.jpg
    metadata:
      department: research
      age: 41
  - photo: y.jpg
`)

	sum, err := f.enroller.EnrollManifest(context.Background(), manifest)
	if err != nil {
		t.Fatalf("EnrollManifest failed: %v", err)
	}
	if sum.Added() != 1 {
		t.Fatalf("Expected 1 added, got %d", sum.Added())
	}
	if !errors.Is(sum.Results[1].Err, ErrNoFace) {
		t.Errorf("Expected ErrNoFace for y.jpg, got %v", sum.Results[1].Err)
	}

	got, err := f.store.Get(context.Background(), sum.Results[0].ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Metadata["department"] != "research" {
		t.Errorf("Expected department metadata, got %v", got.Metadata)
	}
	// JSON round trip turns the YAML int into a float64.
	if age, _ := got.Metadata["age"].(float64); age != 41 {
		t.Errorf("Expected age 41, got %v", got.Metadata["age"])
	}
}

func TestLoadManifestErrors(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"bad yaml", "people: [unclosed"},
		{"missing photo", "people:\n  - name: Nobody\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeFile(t, dir, "m.yaml", tt.content)
			if _, err := LoadManifest(path); err == nil {
				t.Error("Expected an error")
			}
		})
	}
	if _, err := LoadManifest(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("Expected an error for a missing file")
	}
}

func TestNameFromFile(t *testing.T) {
	tests := map[string]string{
		"john_doe.jpg":          "john doe",
		"/a/b/Mary_Ann_Lee.PNG": "Mary Ann Lee",
		"plain.jpeg":            "plain",
	}
	for in, want := range tests {
		if got := NameFromFile(in); got != want {
			t.Errorf("NameFromFile(%q) = %q, want %q", in, got, want)
		}
	}
}
