package matcher

import (
	"log/slog"
	"sync"

	"github.com/coder/hnsw"

	"github.com/andresmejia3/vigil/internal/types"
	"github.com/andresmejia3/vigil/internal/vecmath"
)

const (
	hnswMaxNeighbors = 16
	// hnswCandidates is how many graph neighbors get re-ranked exactly.
	hnswCandidates = 8
)

// HNSW answers matches from an approximate nearest-neighbor graph. The graph
// is rebuilt when the source's origin or version changes (stats-only updates
// keep record positions, so they keep the graph); the returned candidates are
// re-ranked with exact float64 distances so ties still resolve to registry order.
type HNSW struct {
	warner *dimWarner

	mu      sync.Mutex
	graph   *hnsw.Graph[int]
	nodes   int
	origin  any
	version uint64
	dim     int
	size    int
}

func NewHNSW(logger *slog.Logger) *HNSW {
	if logger == nil {
		logger = slog.Default()
	}
	return &HNSW{warner: &dimWarner{logger: logger}}
}

func (h *HNSW) Match(probe types.Embedding, src Source, tolerance float64) (types.MatchResult, error) {
	records := src.All()
	if len(records) == 0 {
		return types.MatchResult{}, ErrEmptyRegistry
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	origin := originOf(src)
	if h.stale(records, origin, src.Version(), len(probe)) {
		h.rebuild(records, origin, src.Version(), len(probe))
	}
	if h.nodes == 0 {
		return unmatched(), nil
	}

	k := hnswCandidates
	if k > h.nodes {
		k = h.nodes
	}
	neighbors := h.graph.Search(vecmath.ToFloat32(probe), k)

	best := -1
	bestDist := 0.0
	for _, n := range neighbors {
		d, err := vecmath.Euclidean(probe, records[n.Key].Embedding)
		if err != nil {
			continue
		}
		if best < 0 || d < bestDist || (d == bestDist && n.Key < best) {
			best, bestDist = n.Key, d
		}
	}
	if best < 0 {
		return unmatched(), nil
	}
	return Resolve(records[best], bestDist, tolerance), nil
}

// originOf returns the registry behind src, or nil for sources that do not
// report one.
func originOf(src Source) any {
	if o, ok := src.(interface{ Origin() any }); ok {
		return o.Origin()
	}
	return nil
}

func (h *HNSW) stale(records []types.IdentityRecord, origin any, version uint64, dim int) bool {
	return h.graph == nil || h.origin != origin || h.version != version || h.dim != dim || h.size != len(records)
}

func (h *HNSW) rebuild(records []types.IdentityRecord, origin any, version uint64, dim int) {
	g := hnsw.NewGraph[int]()
	g.M = hnswMaxNeighbors
	g.Ml = 1.0 / float64(hnswMaxNeighbors)
	g.Distance = hnsw.EuclideanDistance

	nodes := 0
	for i, rec := range records {
		if len(rec.Embedding) != dim {
			h.warner.warn(rec, dim)
			continue
		}
		g.Add(hnsw.MakeNode(i, vecmath.ToFloat32(rec.Embedding)))
		nodes++
	}

	h.graph = g
	h.nodes = nodes
	h.origin = origin
	h.version = version
	h.dim = dim
	h.size = len(records)
}
