// Package durable implements the long-term tier: an append-only, versioned,
// authoritative store for records and summaries.
//
// Rows are keyed by (id, version). Correcting a record means appending a new
// version and marking the old one superseded; nothing is rewritten in place,
// so the full history stays auditable. Forget writes a tombstone that
// suppresses future reads of the id without erasing prior versions.
package durable

import (
	"context"
	"time"

	"github.com/mnemo-ai/mnemo/record"
)

// Query selects durable records by keyword and creation time range.
type Query struct {
	// Keywords are OR-matched against record content, case-insensitively.
	// Empty means every record matches.
	Keywords []string

	// From and To bound CreatedAt. Zero values leave the bound open.
	From time.Time
	To   time.Time

	// Limit bounds the result size. Non-positive defaults to 100.
	Limit int
}

// Store is the durable tier contract.
type Store interface {
	// Append writes rec as a new (id, version) row, marking any previous
	// live version of the id superseded. Re-appending an identical
	// (id, version) is a no-op, which makes deferred promotion retries
	// idempotent. Appends never overwrite.
	Append(ctx context.Context, rec *record.MemoryRecord) error

	// Get returns the latest live version of id, or memerr.ErrNotFound if
	// the id is absent or tombstoned.
	Get(ctx context.Context, id string) (*record.MemoryRecord, error)

	// Find returns live records matching q, newest first. Tombstoned ids
	// never appear.
	Find(ctx context.Context, q Query) ([]*record.MemoryRecord, error)

	// FindBySource returns live summary records whose SourceIDs include
	// sourceID. Used to take summaries down when a source is forgotten.
	FindBySource(ctx context.Context, sourceID string) ([]*record.MemoryRecord, error)

	// Forget writes a tombstone for id. Tombstones are idempotent and
	// commutative; prior versions remain on disk for audit.
	Forget(ctx context.Context, id string) error

	// Touch records a retrieval hit on id by appending a new version with
	// updated access tracking, content untouched. The pre-touch version
	// stays in History.
	Touch(ctx context.Context, id string, boost float64) (*record.MemoryRecord, error)

	// History returns every stored version of id, newest first, including
	// superseded rows and regardless of tombstones. Intended for audit.
	History(ctx context.Context, id string) ([]*record.MemoryRecord, error)

	// Count returns the number of live, non-tombstoned ids.
	Count(ctx context.Context) (int64, error)

	// Close releases the backing database.
	Close() error
}
