// Package vecmath encodes embedding vectors for storage and scores them.
//
// Vectors are stored as little-endian float32 blobs. Norms are computed in
// float64 and stored next to the blob so a query only pays for dot products.
package vecmath

import (
	"encoding/binary"
	"errors"
	"math"
)

// ErrBlobLength is returned when a blob is not a whole number of float32s.
var ErrBlobLength = errors.New("vecmath: blob length not a multiple of 4")

// Encode converts vec to a little-endian blob.
func Encode(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// Decode converts a blob produced by Encode back to a vector.
func Decode(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, ErrBlobLength
	}
	vec := make([]float32, len(blob)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vec, nil
}

// Norm is the L2 norm of vec.
func Norm(vec []float32) float64 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum)
}

// Cosine is the cosine similarity of a and b, 0 when either is a zero
// vector or the widths differ.
func Cosine(a, b []float32) float64 {
	return CosineWithNorms(a, b, Norm(a), Norm(b))
}

// CosineWithNorms is Cosine with precomputed norms.
func CosineWithNorms(a, b []float32, normA, normB float64) float64 {
	if len(a) != len(b) || normA == 0 || normB == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (normA * normB)
}
