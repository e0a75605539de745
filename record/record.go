// Package record defines the memory record entity shared by every tier of
// the memory subsystem, along with the tier lifecycle model.
//
// A MemoryRecord is the only entity the subsystem stores. Records are created
// in the ephemeral tier and move monotonically toward longer retention
// horizons under control of the consolidation engine. Every mutation bumps
// the record's version, which the stores use for optimistic concurrency:
// a writer holding a stale version loses, re-reads, and re-evaluates.
package record

import (
	"fmt"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

// MemoryRecord is a single stored memory across all tiers.
type MemoryRecord struct {
	// ID is the stable unique identifier, assigned at creation, never reused.
	// IDs are ULIDs, so they sort by creation time.
	ID string `json:"id"`

	// Content is the opaque text payload.
	Content string `json:"content"`

	// Context is optional collaborator-supplied metadata describing where the
	// content came from (conversation id, task name, sensor, ...).
	Context string `json:"context,omitempty"`

	// Embedding is the fixed-length vector for semantic search. It is empty
	// while the record sits in the ephemeral tier and is computed on first
	// promotion at the latest.
	Embedding []float32 `json:"embedding,omitempty"`

	// CreatedAt is the creation timestamp. Never changes.
	CreatedAt time.Time `json:"created_at"`

	// LastAccessedAt is updated on every successful retrieval hit.
	LastAccessedAt time.Time `json:"last_accessed_at"`

	// AccessCount is incremented on every successful retrieval hit.
	AccessCount int64 `json:"access_count"`

	// Importance is a score in [0,1]. It never decreases on direct access and
	// decays only during consolidation passes.
	Importance float64 `json:"importance"`

	// Tier is the retention horizon the record currently occupies.
	Tier Tier `json:"tier"`

	// Version strictly increases with every state change. Promotions carrying
	// a stale version are rejected, not retried blindly.
	Version int64 `json:"version"`

	// SourceIDs is the set of record ids this record summarizes.
	// Empty unless Tier is TierSummary.
	SourceIDs []string `json:"source_ids,omitempty"`

	// Pinned exempts the record from TTL expiry and eviction. Pinned records
	// are only removed by an explicit forget.
	Pinned bool `json:"pinned"`
}

// NewID returns a fresh record identifier. IDs are ULIDs: globally unique,
// never reused, and lexicographically ordered by creation time.
func NewID() string {
	return ulid.Make().String()
}

// New creates a record in the ephemeral tier with version 1.
// Importance is clamped into [0,1].
func New(content, context string, importance float64, pinned bool, now time.Time) *MemoryRecord {
	return &MemoryRecord{
		ID:             NewID(),
		Content:        content,
		Context:        context,
		CreatedAt:      now,
		LastAccessedAt: now,
		Importance:     ClampImportance(importance),
		Tier:           TierEphemeral,
		Version:        1,
		Pinned:         pinned,
	}
}

// ClampImportance clamps v into the valid importance range [0,1].
func ClampImportance(v float64) float64 {
	return math.Min(1.0, math.Max(0.0, v))
}

// Touch records a retrieval hit: bumps the access counter, moves
// LastAccessedAt forward, raises importance by boost (capped at 1.0) and
// increments the version.
func (r *MemoryRecord) Touch(now time.Time, boost float64) {
	r.AccessCount++
	r.LastAccessedAt = now
	r.Importance = ClampImportance(r.Importance + boost)
	r.Version++
}

// Promote moves the record to the target tier, enforcing the transition
// table, and increments the version. The caller is responsible for making
// the move atomic across stores.
func (r *MemoryRecord) Promote(to Tier) error {
	if err := to.Validate(); err != nil {
		return err
	}
	if !r.Tier.CanPromote(to) {
		return fmt.Errorf("%w: %s -> %s (id=%s)", ErrInvalidTransition, r.Tier, to, r.ID)
	}
	r.Tier = to
	r.Version++
	return nil
}

// Age returns the duration since the record was created.
func (r *MemoryRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.CreatedAt)
}

// IsSummary reports whether the record is a synthetic summary.
func (r *MemoryRecord) IsSummary() bool {
	return r.Tier == TierSummary
}

// Clone returns a deep copy of the record. Stores hand out clones so callers
// can never mutate indexed state behind the store's back.
func (r *MemoryRecord) Clone() *MemoryRecord {
	clone := *r
	if r.Embedding != nil {
		clone.Embedding = make([]float32, len(r.Embedding))
		copy(clone.Embedding, r.Embedding)
	}
	if r.SourceIDs != nil {
		clone.SourceIDs = make([]string, len(r.SourceIDs))
		copy(clone.SourceIDs, r.SourceIDs)
	}
	return &clone
}
