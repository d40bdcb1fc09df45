// Package enroll adds identities to the store from photos.
package enroll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/andresmejia3/vigil/internal/pipeline"
	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/store"
	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/vecmath"
)

var (
	ErrNoFace        = errors.New("no face detected in the image")
	ErrMultipleFaces = errors.New("multiple faces detected, use an image with only one face")
)

// Appender is the part of the store enrollment writes to.
type Appender interface {
	Append(ctx context.Context, rec *types.IdentityRecord) error
}

// Person is one enrollment request.
type Person struct {
	Name     string         `yaml:"name"`
	Photo    string         `yaml:"photo"`
	Metadata map[string]any `yaml:"metadata"`
}

// Manifest is the YAML bulk-enrollment file:
//
//	people:
//	  - name: Jane Doe
//	    photo: photos/jane.jpg
//	    metadata: {department: research}
type Manifest struct {
	People []Person `yaml:"people"`
}

// Result is the outcome for one file in a bulk run.
type Result struct {
	Path string
	Name string
	ID   int64
	Err  error
}

// Summary collects the results of a bulk run.
type Summary struct {
	Results []Result
}

func (s Summary) Added() int {
	n := 0
	for _, r := range s.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

func (s Summary) Failed() int { return len(s.Results) - s.Added() }

type Enroller struct {
	provider pipeline.Provider
	store    Appender
	registry *registry.Registry
	dim      int
	logger   *slog.Logger

	// AllowDuplicate skips the normalized-name check. The store's unique
	// constraint on the exact name still applies.
	AllowDuplicate bool
	// OnResult is called after every file in a bulk run.
	OnResult func(Result)
}

// New returns an Enroller. reg may be nil; when set, enrolled identities are
// appended to it so a running matcher sees them without a reload.
func New(provider pipeline.Provider, st Appender, reg *registry.Registry, dim int, logger *slog.Logger) *Enroller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Enroller{provider: provider, store: st, registry: reg, dim: dim, logger: logger}
}

// EnrollImage detects exactly one face in data and stores it under p.Name.
func (e *Enroller) EnrollImage(ctx context.Context, data []byte, p Person) (types.IdentityRecord, error) {
	name := strings.TrimSpace(p.Name)
	if name == "" {
		return types.IdentityRecord{}, errors.New("a name is required")
	}
	if !e.AllowDuplicate && e.registry != nil && e.registry.HasName(name) {
		return types.IdentityRecord{}, fmt.Errorf("%w: %q", store.ErrDuplicateName, name)
	}

	dets, err := e.provider.DetectAndEncode(ctx, data)
	if err != nil {
		return types.IdentityRecord{}, fmt.Errorf("error processing image: %w", err)
	}
	switch {
	case len(dets) == 0:
		return types.IdentityRecord{}, ErrNoFace
	case len(dets) > 1:
		return types.IdentityRecord{}, ErrMultipleFaces
	}
	if e.dim > 0 {
		if err := vecmath.CheckDim(dets[0].Vec, e.dim); err != nil {
			return types.IdentityRecord{}, err
		}
	}

	rec := types.IdentityRecord{
		Name:      name,
		Embedding: dets[0].Vec,
		Photo:     data,
		Metadata:  cleanMetadata(p.Metadata),
	}
	if err := e.store.Append(ctx, &rec); err != nil {
		return types.IdentityRecord{}, err
	}
	e.logger.Info("identity enrolled", "id", rec.ID, "name", rec.Name)

	if e.registry != nil {
		if err := e.registry.Append(rec); err != nil {
			// Stored anyway; the next reload picks it up.
			e.logger.Warn("enrolled identity not added to registry", "id", rec.ID, "error", err)
		}
	}
	return rec, nil
}

// EnrollFile enrolls the photo at path. An empty p.Name is derived from the
// file name.
func (e *Enroller) EnrollFile(ctx context.Context, path string, p Person) (types.IdentityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return types.IdentityRecord{}, fmt.Errorf("image file not found at %s: %w", path, err)
	}
	if strings.TrimSpace(p.Name) == "" {
		p.Name = NameFromFile(path)
	}
	return e.EnrollImage(ctx, data, p)
}

// EnrollDir enrolls every .jpg, .jpeg and .png in dir, named after the file.
// Failures are collected, not fatal.
func (e *Enroller) EnrollDir(ctx context.Context, dir string) (Summary, error) {
	paths, err := ImageFiles(dir)
	if err != nil {
		return Summary{}, err
	}
	people := make([]Person, len(paths))
	for i, p := range paths {
		people[i] = Person{Photo: p}
	}
	return e.enrollAll(ctx, people)
}

// EnrollManifest enrolls every person in a YAML manifest. Photo paths are
// relative to the manifest.
func (e *Enroller) EnrollManifest(ctx context.Context, path string) (Summary, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return Summary{}, err
	}
	base := filepath.Dir(path)
	for i := range m.People {
		if !filepath.IsAbs(m.People[i].Photo) {
			m.People[i].Photo = filepath.Join(base, m.People[i].Photo)
		}
	}
	return e.enrollAll(ctx, m.People)
}

func (e *Enroller) enrollAll(ctx context.Context, people []Person) (Summary, error) {
	var sum Summary
	for _, p := range people {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		rec, err := e.EnrollFile(ctx, p.Photo, p)
		res := Result{Path: p.Photo, Name: rec.Name, ID: rec.ID, Err: err}
		if err != nil {
			res.Name = p.Name
			if res.Name == "" {
				res.Name = NameFromFile(p.Photo)
			}
			e.logger.Warn("enrollment failed", "path", p.Photo, "error", err)
		}
		sum.Results = append(sum.Results, res)
		if e.OnResult != nil {
			e.OnResult(res)
		}
	}
	return sum, nil
}

// LoadManifest reads and validates a manifest file.
func LoadManifest(path string) (Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, fmt.Errorf("read manifest: %w", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	for i, p := range m.People {
		if strings.TrimSpace(p.Photo) == "" {
			return Manifest{}, fmt.Errorf("manifest entry %d has no photo", i+1)
		}
	}
	return m, nil
}

// ImageFiles lists the enrollable images directly inside dir, sorted by name.
func ImageFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".jpg", ".jpeg", ".png":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// NameFromFile turns "john_doe.jpg" into "john doe".
func NameFromFile(path string) string {
	base := filepath.Base(path)
	return strings.ReplaceAll(strings.TrimSuffix(base, filepath.Ext(base)), "_", " ")
}

// cleanMetadata drops empty values so unset flags don't end up in the profile.
func cleanMetadata(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			continue
		}
		if v == nil {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
