package matcher

import (
	"log/slog"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/vecmath"
)

// Linear compares the probe against every identity. Ties go to the identity
// that comes first in registry order.
type Linear struct {
	warner *dimWarner
}

func NewLinear(logger *slog.Logger) *Linear {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linear{warner: &dimWarner{logger: logger}}
}

func (l *Linear) Match(probe types.Embedding, src Source, tolerance float64) (types.MatchResult, error) {
	records := src.All()
	if len(records) == 0 {
		return types.MatchResult{}, ErrEmptyRegistry
	}

	best := -1
	bestDist := 0.0
	for i, rec := range records {
		d, err := vecmath.Euclidean(probe, rec.Embedding)
		if err != nil {
			l.warner.warn(rec, len(probe))
			continue
		}
		if best < 0 || d < bestDist {
			best, bestDist = i, d
		}
	}
	if best < 0 {
		return unmatched(), nil
	}
	return Resolve(records[best], bestDist, tolerance), nil
}
