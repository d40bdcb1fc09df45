// Package matcher resolves a probe embedding to the closest enrolled identity.
package matcher

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/andresmejia3/vigil/internal/registry"
	"github.com/andresmejia3/vigil/internal/types"
)

// DefaultTolerance is the largest distance still accepted as a match.
const DefaultTolerance = 0.6

// ErrEmptyRegistry is returned when there is nothing to match against.
var ErrEmptyRegistry = registry.ErrEmptyRegistry

// Source is the read side of the registry an engine matches against.
// *registry.Snapshot implements it.
type Source interface {
	All() []types.IdentityRecord
	// Version changes whenever the set of embeddings changes.
	Version() uint64
}

// Engine finds the best identity for a probe.
type Engine interface {
	Match(probe types.Embedding, src Source, tolerance float64) (types.MatchResult, error)
}

// New returns the engine named by kind ("linear" or "hnsw").
func New(kind string, logger *slog.Logger) (Engine, error) {
	switch kind {
	case "", "linear":
		return NewLinear(logger), nil
	case "hnsw":
		return NewHNSW(logger), nil
	default:
		return nil, fmt.Errorf("unknown matcher %q", kind)
	}
}

// Confidence maps a distance to a percentage in [0, 100].
func Confidence(distance float64) float64 {
	c := (1 - distance) * 100
	return math.Max(0, math.Min(100, c))
}

// Resolve turns the nearest candidate into a MatchResult under tolerance.
func Resolve(rec types.IdentityRecord, distance, tolerance float64) types.MatchResult {
	if distance > tolerance {
		return types.MatchResult{Distance: distance, Status: types.Unmatched}
	}
	return types.MatchResult{
		IdentityID: rec.ID,
		Name:       rec.Name,
		Distance:   distance,
		Confidence: Confidence(distance),
		Status:     types.Matched,
	}
}

func unmatched() types.MatchResult {
	return types.MatchResult{Distance: math.Inf(1), Status: types.Unmatched}
}

// dimWarner logs a dimensionality mismatch once per identity and probe size.
type dimWarner struct {
	logger *slog.Logger
	mu     sync.Mutex
	seen   map[[2]int64]struct{}
}

func (w *dimWarner) warn(rec types.IdentityRecord, probeDim int) {
	key := [2]int64{rec.ID, int64(probeDim)}
	w.mu.Lock()
	if w.seen == nil {
		w.seen = make(map[[2]int64]struct{})
	}
	_, dup := w.seen[key]
	w.seen[key] = struct{}{}
	w.mu.Unlock()
	if !dup {
		w.logger.Warn("skipping identity with mismatched embedding dimension",
			"id", rec.ID, "name", rec.Name, "identity_dim", len(rec.Embedding), "probe_dim", probeDim)
	}
}
