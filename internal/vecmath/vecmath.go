// Package vecmath holds the embedding blob codec and distance helpers.
package vecmath

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/andresmejia3/vigil/internal/types"
)

var (
	// ErrDimensionMismatch is returned when two embeddings of different length are compared.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrMalformedEmbedding is returned when a stored blob cannot be decoded.
	ErrMalformedEmbedding = errors.New("malformed embedding")
)

const float64Size = 8

// Encode serializes an embedding as a raw little-endian float64 array.
func Encode(vec types.Embedding) []byte {
	buf := make([]byte, len(vec)*float64Size)
	for i, v := range vec {
		binary.LittleEndian.PutUint64(buf[i*float64Size:], math.Float64bits(v))
	}
	return buf
}

// Decode parses a raw little-endian float64 array.
func Decode(blob []byte) (types.Embedding, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrMalformedEmbedding)
	}
	if len(blob)%float64Size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is not a multiple of %d", ErrMalformedEmbedding, len(blob), float64Size)
	}
	vec := make(types.Embedding, len(blob)/float64Size)
	for i := range vec {
		v := math.Float64frombits(binary.LittleEndian.Uint64(blob[i*float64Size:]))
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: non-finite value at index %d", ErrMalformedEmbedding, i)
		}
		vec[i] = v
	}
	return vec, nil
}

// CheckDim verifies that vec has exactly dim components.
func CheckDim(vec types.Embedding, dim int) error {
	if len(vec) != dim {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), dim)
	}
	return nil
}

// Euclidean returns the L2 distance between a and b.
func Euclidean(a, b types.Embedding) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimensionMismatch, len(a), len(b))
	}
	var sum float64
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return math.Sqrt(sum), nil
}

// ToFloat32 narrows an embedding for index structures that work in float32.
func ToFloat32(vec types.Embedding) []float32 {
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(v)
	}
	return out
}

// FromFloat32 widens a float32 vector into an embedding.
func FromFloat32(vec []float32) types.Embedding {
	out := make(types.Embedding, len(vec))
	for i, v := range vec {
		out[i] = float64(v)
	}
	return out
}
