// Package cache implements the ephemeral tier: a fixed-TTL keyed store for
// very recent records with no semantic indexing.
//
// Writes enter the memory subsystem here. Records past their TTL become
// invisible to Get and Scan immediately (lazy expiry); the consolidation
// engine calls Expire to physically reclaim them (active expiry) and decides
// whether each reclaimed record is promoted or discarded.
//
// The ephemeral tier is not required to survive restarts.
package cache

import (
	"context"
	"time"

	"github.com/mnemo-ai/mnemo/record"
)

// Cursor marks a position in a Scan sequence so an interrupted scan can be
// restarted without reprocessing earlier records. The zero Cursor starts
// from the beginning of the requested window.
type Cursor struct {
	// LastTouched is the touch timestamp (UnixMicro) of the last record the
	// previous Scan page returned. The next page resumes at it.
	LastTouched int64 `json:"last_touched"`

	// LastID disambiguates records sharing the same touch timestamp so a
	// resumed scan neither repeats nor skips them.
	LastID string `json:"last_id"`
}

// Cache is the ephemeral tier contract.
//
// Implementations must support concurrent readers with single-writer-per-id
// semantics: every mutation of a given record id is serialized via an
// optimistic compare-and-set on the record version.
type Cache interface {
	// Put stores a record and returns its id, assigning one if the record
	// does not carry an id yet.
	Put(ctx context.Context, rec *record.MemoryRecord) (string, error)

	// Get returns the record for id, or memerr.ErrNotFound if the id is
	// absent or past TTL. A hit updates LastAccessedAt and AccessCount and
	// bumps importance by the configured access boost (capped at 1.0).
	Get(ctx context.Context, id string) (*record.MemoryRecord, error)

	// Peek returns the record for id like Get, but without the
	// access-tracking side effect. Lazy expiry still applies.
	Peek(ctx context.Context, id string) (*record.MemoryRecord, error)

	// Scan returns up to limit records created or touched after since,
	// resuming from cursor. Expired records are invisible. Scan does not
	// count as an access. The returned cursor restarts the scan after the
	// last returned record; done is true when the window is exhausted.
	Scan(ctx context.Context, since time.Time, cursor Cursor, limit int) (recs []*record.MemoryRecord, next Cursor, done bool, err error)

	// Expire returns every record past TTL so the caller can promote or
	// discard them. Non-pinned records are physically removed; pinned ones
	// stay in place until the caller promotes them and completes the move
	// with Remove.
	Expire(ctx context.Context) ([]*record.MemoryRecord, error)

	// Remove deletes the record only if its stored version still equals
	// version; otherwise it returns memerr.ErrVersionConflict. Used by the
	// consolidation engine to complete promotions atomically.
	Remove(ctx context.Context, id string, version int64) error

	// Update overwrites the stored record if the stored version equals
	// rec.Version-1 (the caller read, mutated, and bumped the version);
	// otherwise it returns memerr.ErrVersionConflict.
	Update(ctx context.Context, rec *record.MemoryRecord) error

	// Forget unconditionally deletes the record. Absent ids return
	// memerr.ErrNotFound.
	Forget(ctx context.Context, id string) error

	// Count returns the number of physically present records, including
	// lazily expired ones not yet reclaimed.
	Count(ctx context.Context) (int64, error)

	// Close releases the backing connection.
	Close() error
}
