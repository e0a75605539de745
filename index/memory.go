package index

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo/embed"
	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
)

// Memory is an in-process Index backed by a map and linear cosine scans.
// Suitable for the tens of thousands of records a single assistant holds in
// its recent horizon; larger deployments can swap in an ANN-backed
// implementation behind the same interface.
//
// All methods are safe for concurrent use. Records are cloned on the way in
// and out, so callers never alias indexed state.
type Memory struct {
	mu      sync.RWMutex
	records map[string]*record.MemoryRecord

	// now is injectable for tests.
	now func() time.Time
}

// NewMemory creates an empty in-process index.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]*record.MemoryRecord),
		now:     time.Now,
	}
}

// SetClock overrides the index clock. Intended for tests.
func (m *Memory) SetClock(now func() time.Time) {
	m.now = now
}

// Upsert inserts or replaces rec, rejecting stale versions.
func (m *Memory) Upsert(ctx context.Context, rec *record.MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.records[rec.ID]; ok && stored.Version >= rec.Version {
		return memerr.Conflict("index.Upsert", memerr.ErrVersionConflict)
	}
	m.records[rec.ID] = rec.Clone()
	return nil
}

// Get returns the record for id.
func (m *Memory) Get(ctx context.Context, id string) (*record.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, memerr.NotFound("index.Get", memerr.ErrNotFound)
	}
	return rec.Clone(), nil
}

// Delete removes the record for id.
func (m *Memory) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[id]; !ok {
		return memerr.NotFound("index.Delete", memerr.ErrNotFound)
	}
	delete(m.records, id)
	return nil
}

// NearestNeighbors returns up to k matches by descending cosine similarity.
func (m *Memory) NearestNeighbors(ctx context.Context, query []float32, k int, pred Predicate) ([]Match, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if k <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	matches := make([]Match, 0, len(m.records))
	for _, rec := range m.records {
		if pred != nil && !pred(rec) {
			continue
		}
		matches = append(matches, Match{
			Record:     rec.Clone(),
			Similarity: embed.Cosine(query, rec.Embedding),
		})
	}
	m.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Similarity != matches[j].Similarity {
			return matches[i].Similarity > matches[j].Similarity
		}
		if matches[i].Record.Importance != matches[j].Record.Importance {
			return matches[i].Record.Importance > matches[j].Record.Importance
		}
		return matches[i].Record.CreatedAt.Before(matches[j].Record.CreatedAt)
	})

	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// Size returns the number of indexed records.
func (m *Memory) Size(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records), nil
}

// LeastValuable returns up to n non-pinned eviction candidates, lowest
// importance first, ties broken by oldest LastAccessedAt.
func (m *Memory) LeastValuable(ctx context.Context, n int) ([]*record.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	candidates := make([]*record.MemoryRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.Pinned {
			continue
		}
		candidates = append(candidates, rec.Clone())
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Importance != candidates[j].Importance {
			return candidates[i].Importance < candidates[j].Importance
		}
		return candidates[i].LastAccessedAt.Before(candidates[j].LastAccessedAt)
	})

	if len(candidates) > n {
		candidates = candidates[:n]
	}
	return candidates, nil
}

// All returns a snapshot of every indexed record.
func (m *Memory) All(ctx context.Context) ([]*record.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*record.MemoryRecord, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	return out, nil
}

// Touch records a retrieval hit on id.
func (m *Memory) Touch(ctx context.Context, id string, boost float64) (*record.MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, memerr.NotFound("index.Touch", memerr.ErrNotFound)
	}
	rec.Touch(m.now(), boost)
	return rec.Clone(), nil
}
