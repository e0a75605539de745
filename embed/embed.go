// Package embed defines the embedding provider boundary of the memory
// subsystem and the vector math shared by the semantic tier.
//
// The subsystem never implements an embedding model itself; it consumes a
// Provider supplied by the host. The package ships a deterministic Mock for
// tests, a Retry wrapper applying the bounded-attempt policy, and a Cached
// wrapper that absorbs repeated query embeddings.
package embed

import (
	"context"
	"math"
)

// Provider converts text to fixed-length embedding vectors.
//
// Implementations are supplied by the host system (local ONNX model, hosted
// API, ...). A failed call reports the provider unavailable; callers decide
// whether to retry, defer, or degrade.
type Provider interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Cosine computes cosine similarity between two vectors.
// Mismatched or empty vectors score zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Centroid computes the element-wise mean of the given vectors.
// All vectors must share the same length; vectors of a different length than
// the first are skipped. Returns nil for empty input.
func Centroid(vectors [][]float32) []float32 {
	if len(vectors) == 0 {
		return nil
	}
	dims := len(vectors[0])
	sum := make([]float64, dims)
	count := 0
	for _, v := range vectors {
		if len(v) != dims {
			continue
		}
		for i := range v {
			sum[i] += float64(v[i])
		}
		count++
	}
	if count == 0 {
		return nil
	}
	centroid := make([]float32, dims)
	for i := range sum {
		centroid[i] = float32(sum[i] / float64(count))
	}
	return centroid
}

// Normalize scales vec to unit length. Zero vectors are returned unchanged.
func Normalize(vec []float32) []float32 {
	var norm float64
	for _, v := range vec {
		norm += float64(v) * float64(v)
	}
	if norm == 0 {
		return vec
	}
	scale := float32(1 / math.Sqrt(norm))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v * scale
	}
	return out
}
