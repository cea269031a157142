// Package index holds enrolled embeddings and answers exact nearest
// neighbour queries over them.
package index

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/chewxy/math32"
	"github.com/pkg/errors"
	"github.com/viant/vec/search"
)

// ErrDimensionMismatch is returned when a vector's length differs from the
// index dimension.
var ErrDimensionMismatch = errors.New("dimension mismatch")

// Neighbor is one query hit.
type Neighbor struct {
	// Slot is the insertion position, starting at 0.
	Slot int
	// Distance is the Euclidean distance to the query.
	Distance float32
}

// Flat is an append-only exact L2 index. It is not safe for concurrent use;
// Identities adds locking.
type Flat struct {
	dim  int
	vecs []search.Float32s
}

// NewFlat creates an index. A dim of 0 fixes the dimension at the first insert.
func NewFlat(dim int) *Flat {
	return &Flat{dim: dim}
}

// Dim returns the vector dimension, 0 until known.
func (f *Flat) Dim() int {
	return f.dim
}

// Len returns the number of stored vectors.
func (f *Flat) Len() int {
	return len(f.vecs)
}

func (f *Flat) check(vec []float32) error {
	if len(vec) == 0 {
		return errors.New("empty vector")
	}
	if f.dim != 0 && len(vec) != f.dim {
		return errors.Wrapf(ErrDimensionMismatch, "got %d, index holds %d", len(vec), f.dim)
	}
	for i, v := range vec {
		if math32.IsNaN(v) || math32.IsInf(v, 0) {
			return errors.Errorf("component %d is not finite", i)
		}
	}
	return nil
}

// Insert appends a copy of vec and returns its slot.
func (f *Flat) Insert(vec []float32) (int, error) {
	if err := f.check(vec); err != nil {
		return -1, errors.Wrap(err, "insert")
	}
	if f.dim == 0 {
		f.dim = len(vec)
	}
	f.vecs = append(f.vecs, append(search.Float32s(nil), vec...))
	return len(f.vecs) - 1, nil
}

// Vector returns the stored vector at slot. Callers must not modify it.
func (f *Flat) Vector(slot int) ([]float32, bool) {
	if slot < 0 || slot >= len(f.vecs) {
		return nil, false
	}
	return f.vecs[slot], true
}

// Query returns the k nearest stored vectors.
//
// Arguments:
//   - vec: The query vector.
//   - k: Maximum number of neighbours, at least 1.
//
// Returns:
//   - []Neighbor: Ascending distance, equal distances in insertion order.
//     Empty for an empty index.
//   - error: Non-positive k or a dimension mismatch.
func (f *Flat) Query(vec []float32, k int) ([]Neighbor, error) {
	return f.Search(vec, k, nil)
}

// Search is Query restricted to the slots keep accepts. A nil keep accepts
// every slot.
func (f *Flat) Search(vec []float32, k int, keep func(slot int) bool) ([]Neighbor, error) {
	if k <= 0 {
		return nil, errors.Errorf("query: k must be positive, got %d", k)
	}
	if len(f.vecs) == 0 {
		return []Neighbor{}, nil
	}
	if err := f.check(vec); err != nil {
		return nil, errors.Wrap(err, "query")
	}

	hits := make([]Neighbor, 0, len(f.vecs))
	for slot, stored := range f.vecs {
		if keep != nil && !keep(slot) {
			continue
		}
		hits = append(hits, Neighbor{Slot: slot, Distance: stored.EuclideanDistance(vec)})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Distance < hits[j].Distance
	})
	if k < len(hits) {
		hits = hits[:k]
	}
	return hits, nil
}

// EncodeVector encodes vec as little-endian IEEE 754 float32 values without
// a length prefix.
func EncodeVector(vec []float32) []byte {
	b := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(b[i*4:], math.Float32bits(v))
	}
	return b
}

// DecodeVector decodes an EncodeVector payload.
func DecodeVector(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("invalid vector blob length %d (not multiple of 4)", len(b))
	}
	vec := make([]float32, len(b)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return vec, nil
}
