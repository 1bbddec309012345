// Package retrieval finds the repository files most relevant to a query:
// embedding, indexing, similarity search and threshold selection.
package retrieval

import (
	"encoding/binary"
	"math"
)

// Vector is a dense embedding.
type Vector []float32

// Similarity returns the cosine similarity of v and other, or 0 when the
// lengths differ or either vector is zero.
func (v Vector) Similarity(other Vector) float64 {
	if len(v) != len(other) || len(v) == 0 {
		return 0
	}

	var dot, normV, normO float64
	for i := range v {
		dot += float64(v[i]) * float64(other[i])
		normV += float64(v[i]) * float64(v[i])
		normO += float64(other[i]) * float64(other[i])
	}
	if normV == 0 || normO == 0 {
		return 0
	}
	return dot / (math.Sqrt(normV) * math.Sqrt(normO))
}

// Normalize returns v scaled to unit length.
func (v Vector) Normalize() Vector {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	norm = math.Sqrt(norm)
	out := make(Vector, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// ToBytes encodes v as little-endian float32s for BLOB storage.
func (v Vector) ToBytes() []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// VectorFromBytes decodes a vector written by ToBytes. A length that is not
// a multiple of four yields nil.
func VectorFromBytes(b []byte) Vector {
	if len(b)%4 != 0 {
		return nil
	}
	v := make(Vector, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v
}
