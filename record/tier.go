package record

import (
	"errors"
	"fmt"
)

// Tier identifies the retention horizon a memory record currently occupies.
//
// Records move through tiers in one direction only:
//
//   - TierEphemeral: very recent records held under a fixed TTL
//   - TierRecent: semantically indexed records with bounded capacity
//   - TierDurable: append-only, authoritative long-term records
//   - TierSummary: synthetic records replacing a cluster of merged originals
//
// A record occupies exactly one tier at any externally observable instant.
// All tier changes go through Promote, which enforces the transition table;
// there is no demotion path.
type Tier string

const (
	// TierEphemeral is the entry tier for every new record. Records here are
	// keyed, unindexed, and expire after a fixed TTL unless promoted or pinned.
	TierEphemeral Tier = "ephemeral"

	// TierRecent holds records promoted out of the ephemeral tier into the
	// semantic index. Capacity is bounded; low-value records are evicted into
	// the durable tier under pressure.
	TierRecent Tier = "recent"

	// TierDurable holds records appended to the authoritative long-term store.
	// Durable records are never rewritten in place and never promoted further.
	TierDurable Tier = "durable"

	// TierSummary marks a synthetic record produced by merging a cluster of
	// semantically similar records. Summary records live in the durable store
	// and carry the ids of the records they replaced.
	TierSummary Tier = "summary"
)

// ErrInvalidTier is returned when a Tier value is not recognized.
var ErrInvalidTier = errors.New("record: invalid tier")

// ErrInvalidTransition is returned when a tier change is not permitted by the
// transition table.
var ErrInvalidTransition = errors.New("record: invalid tier transition")

// transitions is the authoritative table of permitted tier changes.
// Ephemeral records promote into the semantic index; recent records are
// evicted into the durable store either individually or merged into a
// summary. Durable and summary are terminal.
var transitions = map[Tier][]Tier{
	TierEphemeral: {TierRecent},
	TierRecent:    {TierDurable, TierSummary},
	TierDurable:   {},
	TierSummary:   {},
}

// String returns the string representation of the Tier.
func (t Tier) String() string {
	return string(t)
}

// IsValid returns true if the Tier is one of the defined constants.
func (t Tier) IsValid() bool {
	switch t {
	case TierEphemeral, TierRecent, TierDurable, TierSummary:
		return true
	default:
		return false
	}
}

// Validate returns an error if the Tier is not valid.
func (t Tier) Validate() error {
	if !t.IsValid() {
		return fmt.Errorf("%w: %q (must be one of: ephemeral, recent, durable, summary)", ErrInvalidTier, t)
	}
	return nil
}

// CanPromote reports whether the transition table permits moving from t to
// the target tier.
func (t Tier) CanPromote(to Tier) bool {
	for _, next := range transitions[t] {
		if next == to {
			return true
		}
	}
	return false
}
