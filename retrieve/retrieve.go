// Package retrieve implements ranked retrieval across all memory tiers.
//
// A query fans out to the ephemeral cache, the semantic index and the
// durable store concurrently, merges the candidates under a composite score
// and returns the top k. Retrieval is read-mostly: its only writes are the
// access-tracking touches applied to the returned records.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mnemo-ai/mnemo/cache"
	"github.com/mnemo-ai/mnemo/config"
	"github.com/mnemo-ai/mnemo/durable"
	"github.com/mnemo-ai/mnemo/embed"
	"github.com/mnemo-ai/mnemo/filter"
	"github.com/mnemo-ai/mnemo/index"
	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
	"github.com/mnemo-ai/mnemo/telemetry"
)

// Query is a retrieval request.
type Query struct {
	// Text is the query content. Empty means a recency pull: no semantic
	// matching, candidates ranked on recency and importance alone.
	Text string

	// K is the maximum number of results. Required, positive.
	K int

	// Filter optionally narrows candidates. Nil matches everything.
	Filter *filter.Filter

	// Tiers restricts the search to the named tiers. Empty searches all.
	Tiers []record.Tier
}

// Result is one ranked retrieval hit.
type Result struct {
	// Record is the matched record.
	Record *record.MemoryRecord

	// Score is the composite ranking score.
	Score float64

	// Similarity is the semantic similarity component, zero when ranking
	// ran degraded or the record carries no embedding.
	Similarity float64

	// Recency is the recency component in (0,1].
	Recency float64
}

// Coordinator fans retrieval out across the three tiers.
type Coordinator struct {
	cache    cache.Cache
	index    index.Index
	durable  durable.Store
	embedder embed.Provider
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics

	// now is injectable for tests.
	now func() time.Time
}

// Options configures coordinator construction. Cache, Index, Durable,
// Embedder and Config are required.
type Options struct {
	Cache    cache.Cache
	Index    index.Index
	Durable  durable.Store
	Embedder embed.Provider
	Config   *config.Config

	// Logger defaults to slog.Default.
	Logger *slog.Logger

	// Metrics may be nil.
	Metrics *telemetry.Metrics
}

// New creates a retrieval coordinator.
func New(opts Options) (*Coordinator, error) {
	if opts.Cache == nil || opts.Index == nil || opts.Durable == nil {
		return nil, fmt.Errorf("retrieve: cache, index and durable store are required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("retrieve: embedder is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("retrieve: config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Coordinator{
		cache:    opts.Cache,
		index:    opts.Index,
		durable:  opts.Durable,
		embedder: opts.Embedder,
		cfg:      opts.Config,
		logger:   logger.With("component", "retrieval"),
		metrics:  opts.Metrics,
		now:      time.Now,
	}, nil
}

// SetClock overrides the coordinator clock. Intended for tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// candidate tracks which tier produced a record so the touch after ranking
// lands on the right store.
type candidate struct {
	rec        *record.MemoryRecord
	similarity float64
	ephemeral  bool
}

// Retrieve returns the top q.K records ranked by the composite score.
//
// An empty query text is a recency pull: nothing is embedded, the
// similarity weight drops to zero and ranking runs on recency and
// importance alone. If the embedding provider is unavailable the query
// degrades the same way. A tier whose backing store is unavailable
// contributes nothing; only all three failing surfaces an error.
func (c *Coordinator) Retrieve(ctx context.Context, q Query) ([]Result, error) {
	if q.K <= 0 {
		return nil, memerr.Validation("retrieve.Retrieve",
			fmt.Errorf("%w: k must be positive, got %d", memerr.ErrInvalidInput, q.K))
	}

	start := c.now()

	var (
		queryVec []float32
		degraded bool
	)
	if strings.TrimSpace(q.Text) == "" {
		degraded = true
	} else {
		vec, err := c.embedder.Embed(ctx, q.Text)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			c.logger.Warn("embedding provider unavailable, ranking without similarity", "error", err)
			degraded = true
		} else {
			queryVec = vec
		}
	}

	var (
		mu         sync.Mutex
		candidates []*candidate
		tierErrs   []error
		wg         sync.WaitGroup
	)
	collect := func(recs []*candidate, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			tierErrs = append(tierErrs, err)
			return
		}
		candidates = append(candidates, recs...)
	}

	if c.tierWanted(q.Tiers, record.TierEphemeral) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(c.searchEphemeral(ctx, q, queryVec))
		}()
	}
	if c.tierWanted(q.Tiers, record.TierRecent) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(c.searchIndex(ctx, q, queryVec))
		}()
	}
	if c.tierWanted(q.Tiers, record.TierDurable) || c.tierWanted(q.Tiers, record.TierSummary) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			collect(c.searchDurable(ctx, q, queryVec))
		}()
	}
	wg.Wait()

	if len(candidates) == 0 && len(tierErrs) > 0 {
		return nil, memerr.Storage("retrieve.Retrieve", errors.Join(tierErrs...))
	}
	for _, err := range tierErrs {
		c.logger.Warn("tier unavailable during retrieval", "error", err)
	}

	results := c.rank(candidates, degraded, q.K)
	c.touch(ctx, results, candidates)

	c.metrics.RecordRetrieval(ctx, c.now().Sub(start), degraded)
	return results, nil
}

func (c *Coordinator) tierWanted(tiers []record.Tier, tier record.Tier) bool {
	if len(tiers) == 0 {
		return true
	}
	for _, t := range tiers {
		if t == tier {
			return true
		}
	}
	return false
}

// searchEphemeral scans recent cache entries. Ephemeral records carry no
// embedding, so they compete on recency and importance.
func (c *Coordinator) searchEphemeral(ctx context.Context, q Query, queryVec []float32) ([]*candidate, error) {
	now := c.now()
	since := now.Add(-c.cfg.Ephemeral.GetTTL())

	var (
		out    []*candidate
		cursor cache.Cursor
	)
	scanned := 0
	for scanned < c.cfg.Retrieval.ScanLimit {
		page := c.cfg.Retrieval.ScanLimit - scanned
		recs, next, done, err := c.cache.Scan(ctx, since, cursor, page)
		if err != nil {
			return nil, err
		}
		scanned += len(recs)
		for _, rec := range recs {
			if q.Filter != nil && !q.Filter.Matches(rec, now.Sub(rec.CreatedAt).Seconds()) {
				continue
			}
			sim := 0.0
			if queryVec != nil && len(rec.Embedding) > 0 {
				sim = embed.Cosine(queryVec, rec.Embedding)
			}
			out = append(out, &candidate{rec: rec, similarity: sim, ephemeral: true})
		}
		cursor = next
		if done {
			break
		}
	}
	return out, nil
}

// searchIndex queries the semantic tier by nearest neighbors, or falls back
// to a full snapshot when ranking runs degraded.
func (c *Coordinator) searchIndex(ctx context.Context, q Query, queryVec []float32) ([]*candidate, error) {
	pred := q.Filter.Predicate(c.now())

	if queryVec == nil {
		recs, err := c.index.All(ctx)
		if err != nil {
			return nil, err
		}
		var out []*candidate
		for _, rec := range recs {
			if pred != nil && !pred(rec) {
				continue
			}
			out = append(out, &candidate{rec: rec})
		}
		return out, nil
	}

	// Over-fetch so records with middling similarity but high recency or
	// importance still reach the ranking step.
	matches, err := c.index.NearestNeighbors(ctx, queryVec, q.K*4, pred)
	if err != nil {
		return nil, err
	}
	out := make([]*candidate, 0, len(matches))
	for _, match := range matches {
		out = append(out, &candidate{rec: match.Record, similarity: match.Similarity})
	}
	return out, nil
}

// searchDurable matches long-term records by query keywords.
func (c *Coordinator) searchDurable(ctx context.Context, q Query, queryVec []float32) ([]*candidate, error) {
	now := c.now()
	recs, err := c.durable.Find(ctx, durable.Query{
		Keywords: strings.Fields(strings.ToLower(q.Text)),
		Limit:    q.K * 4,
	})
	if err != nil {
		return nil, err
	}

	var out []*candidate
	for _, rec := range recs {
		// Find serves both durable and summary records; honor a
		// tier-scoped query.
		if !c.tierWanted(q.Tiers, rec.Tier) {
			continue
		}
		if q.Filter != nil && !q.Filter.Matches(rec, now.Sub(rec.CreatedAt).Seconds()) {
			continue
		}
		sim := 0.0
		if queryVec != nil && len(rec.Embedding) > 0 {
			sim = embed.Cosine(queryVec, rec.Embedding)
		}
		out = append(out, &candidate{rec: rec, similarity: sim})
	}
	return out, nil
}

// rank deduplicates candidates by id keeping the highest-scored copy,
// orders by composite score and truncates to k.
func (c *Coordinator) rank(candidates []*candidate, degraded bool, k int) []Result {
	now := c.now()
	halfLife := c.cfg.Retrieval.GetRecencyHalfLife()

	alpha := c.cfg.Retrieval.SimilarityWeight
	if degraded {
		alpha = 0
	}
	beta := c.cfg.Retrieval.RecencyWeight
	gamma := c.cfg.Retrieval.ImportanceWeight

	best := make(map[string]Result, len(candidates))
	for _, cand := range candidates {
		age := now.Sub(cand.rec.LastAccessedAt)
		if age < 0 {
			age = 0
		}
		recency := math.Exp(-math.Ln2 * age.Seconds() / halfLife.Seconds())
		score := alpha*cand.similarity + beta*recency + gamma*cand.rec.Importance

		if prev, ok := best[cand.rec.ID]; !ok || score > prev.Score {
			best[cand.rec.ID] = Result{
				Record:     cand.rec,
				Score:      score,
				Similarity: cand.similarity,
				Recency:    recency,
			}
		}
	}

	results := make([]Result, 0, len(best))
	for _, res := range best {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Record.CreatedAt.After(results[j].Record.CreatedAt)
	})
	if len(results) > k {
		results = results[:k]
	}
	return results
}

// touch applies access tracking to the returned records in their home
// tiers. Touch failures degrade silently; the retrieval already succeeded.
func (c *Coordinator) touch(ctx context.Context, results []Result, candidates []*candidate) {
	fromEphemeral := make(map[string]bool, len(candidates))
	for _, cand := range candidates {
		if cand.ephemeral {
			fromEphemeral[cand.rec.ID] = true
		}
	}

	boost := c.cfg.Ephemeral.AccessBoost
	for _, res := range results {
		id := res.Record.ID
		var err error
		switch {
		case fromEphemeral[id]:
			// Cache hits apply their own touch.
			_, err = c.cache.Get(ctx, id)
		case res.Record.Tier == record.TierRecent:
			_, err = c.index.Touch(ctx, id, boost)
		default:
			_, err = c.durable.Touch(ctx, id, boost)
		}
		if err != nil && !errors.Is(err, memerr.ErrNotFound) {
			c.logger.Warn("failed to record retrieval hit", "id", id, "error", err)
		}
	}
}
