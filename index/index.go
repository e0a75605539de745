// Package index implements the recent-semantic tier: an
// approximate-nearest-neighbor store over record embeddings with bounded
// capacity.
//
// The index is the only tier queried by vector similarity. It enforces
// optimistic concurrency on writes: an upsert carrying a version at or below
// the stored one is rejected, which is how the consolidation engine detects
// duplicate promotions. Capacity is advisory here; the consolidation engine
// consults LeastValuable and evicts down to the configured bound.
package index

import (
	"context"

	"github.com/mnemo-ai/mnemo/record"
)

// Match pairs a record with its similarity to a query embedding.
type Match struct {
	Record     *record.MemoryRecord
	Similarity float64
}

// Predicate filters records during a query. A nil Predicate matches all.
type Predicate func(*record.MemoryRecord) bool

// Index is the semantic tier contract. Any vector backend (in-process
// index, embedded vector database, external service) can implement it
// without the consolidation engine or retrieval coordinator changing.
type Index interface {
	// Upsert inserts rec, or replaces the stored copy when rec.Version is
	// strictly greater than the stored version. A stale or equal version
	// returns memerr.ErrVersionConflict and leaves the stored copy intact.
	Upsert(ctx context.Context, rec *record.MemoryRecord) error

	// Get returns the record for id or memerr.ErrNotFound.
	Get(ctx context.Context, id string) (*record.MemoryRecord, error)

	// Delete removes the record for id. Absent ids return memerr.ErrNotFound.
	Delete(ctx context.Context, id string) error

	// NearestNeighbors returns up to k records by descending cosine
	// similarity to query. Ties break by higher importance, then earlier
	// CreatedAt. Records failing pred are excluded.
	NearestNeighbors(ctx context.Context, query []float32, k int, pred Predicate) ([]Match, error)

	// Size returns the number of records currently indexed.
	Size(ctx context.Context) (int, error)

	// LeastValuable returns up to n non-pinned records with the lowest
	// importance, ties broken by oldest LastAccessedAt. Pinned records are
	// never returned.
	LeastValuable(ctx context.Context, n int) ([]*record.MemoryRecord, error)

	// All returns a snapshot of every indexed record. The consolidation
	// engine uses it for the decay step.
	All(ctx context.Context) ([]*record.MemoryRecord, error)

	// Touch records a retrieval hit on id: bumps access tracking and
	// version, returns the updated record.
	Touch(ctx context.Context, id string, boost float64) (*record.MemoryRecord, error)
}
