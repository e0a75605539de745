// Package consolidate implements the background engine that moves records
// between tiers: expiry of the ephemeral cache, promotion into the semantic
// index, capacity eviction with summarization, and importance decay.
//
// A pass is a sequence of idempotent steps. Interrupting a pass mid-flight
// never corrupts state; a resumed pass detects already-applied work through
// version conflicts and skips it. At most one pass runs at a time.
package consolidate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/mnemo-ai/mnemo/cache"
	"github.com/mnemo-ai/mnemo/config"
	"github.com/mnemo-ai/mnemo/durable"
	"github.com/mnemo-ai/mnemo/embed"
	"github.com/mnemo-ai/mnemo/index"
	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
	"github.com/mnemo-ai/mnemo/telemetry"
)

// ErrPassActive is returned when RunPass is called while a pass is already
// in flight. Passes are mutually exclusive; the caller waits for the next
// scheduled pass instead of stacking them.
var ErrPassActive = errors.New("consolidation pass already running")

// scanPageSize bounds how many ephemeral records one scan page carries.
const scanPageSize = 128

// PassResult summarizes what a consolidation pass did.
type PassResult struct {
	// PassID identifies the pass in logs and checkpoints.
	PassID string

	// Promoted counts records moved into the semantic index.
	Promoted int

	// Discarded counts expired records dropped without promotion.
	Discarded int

	// Evicted counts records removed from the semantic index.
	Evicted int

	// Summaries counts summary records produced.
	Summaries int

	// Decayed counts records whose importance was decayed.
	Decayed int

	// Deferred is true when some step was postponed because a backing
	// store or the embedding provider was unavailable. The affected work
	// is retried on the next pass.
	Deferred bool

	// Elapsed is the wall time the pass took.
	Elapsed time.Duration
}

// Engine runs consolidation passes over the three tiers.
type Engine struct {
	cache    cache.Cache
	index    index.Index
	durable  durable.Store
	embedder embed.Provider
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	ckpt     Checkpointer

	// running enforces pass mutual exclusion.
	running atomic.Bool

	mu           sync.Mutex
	lastPassAt   time.Time
	lastDuration time.Duration

	// now is injectable for tests.
	now func() time.Time
}

// Options configures engine construction. Cache, Index, Durable, Embedder
// and Config are required.
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

	// Checkpointer defaults to an in-process checkpointer.
	Checkpointer Checkpointer
}

// NewEngine creates a consolidation engine.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Cache == nil || opts.Index == nil || opts.Durable == nil {
		return nil, fmt.Errorf("consolidate: cache, index and durable store are required")
	}
	if opts.Embedder == nil {
		return nil, fmt.Errorf("consolidate: embedder is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("consolidate: config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ckpt := opts.Checkpointer
	if ckpt == nil {
		ckpt = NewMemoryCheckpointer()
	}

	return &Engine{
		cache:    opts.Cache,
		index:    opts.Index,
		durable:  opts.Durable,
		embedder: opts.Embedder,
		cfg:      opts.Config,
		logger:   logger.With("component", "consolidation"),
		metrics:  opts.Metrics,
		ckpt:     ckpt,
		now:      time.Now,
	}, nil
}

// SetClock overrides the engine clock. Intended for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// LastPass returns when the previous completed pass started and how long it
// took. Zero values mean no pass has completed yet.
func (e *Engine) LastPass() (time.Time, time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPassAt, e.lastDuration
}

// RunPass executes one full consolidation pass. Only one pass runs at a
// time; a concurrent call returns ErrPassActive. Cancelling ctx stops the
// pass at the next step boundary with progress checkpointed.
func (e *Engine) RunPass(ctx context.Context) (*PassResult, error) {
	if !e.running.CompareAndSwap(false, true) {
		return nil, ErrPassActive
	}
	defer e.running.Store(false)

	start := e.now()
	res := &PassResult{PassID: uuid.NewString()}
	log := e.logger.With("pass_id", res.PassID)
	log.Debug("consolidation pass starting")

	e.mu.Lock()
	prevPass := e.lastPassAt
	e.mu.Unlock()

	if err := e.expireStep(ctx, res, log); err != nil {
		return res, err
	}
	if err := e.scanStep(ctx, res, log, prevPass); err != nil {
		return res, err
	}
	if err := e.evictStep(ctx, res, log); err != nil {
		return res, err
	}
	if err := e.decayStep(ctx, res, log, prevPass); err != nil {
		return res, err
	}

	if err := e.ckpt.Clear(ctx); err != nil {
		log.Warn("failed to clear checkpoint", "error", err)
	}

	res.Elapsed = e.now().Sub(start)
	e.mu.Lock()
	e.lastPassAt = start
	e.lastDuration = res.Elapsed
	e.mu.Unlock()

	e.metrics.RecordPass(ctx, res.Elapsed)
	log.Info("consolidation pass complete",
		"promoted", res.Promoted,
		"discarded", res.Discarded,
		"evicted", res.Evicted,
		"summaries", res.Summaries,
		"decayed", res.Decayed,
		"deferred", res.Deferred,
		"elapsed", res.Elapsed)
	return res, nil
}

// expireStep reclaims expired ephemeral records, promoting the valuable
// ones and discarding the rest.
func (e *Engine) expireStep(ctx context.Context, res *PassResult, log *slog.Logger) error {
	expired, err := e.cache.Expire(ctx)
	if err != nil {
		if errors.Is(err, memerr.ErrStorageUnavailable) {
			log.Warn("ephemeral tier unavailable, deferring expiry", "error", err)
			res.Deferred = true
			return nil
		}
		return fmt.Errorf("expire step: %w", err)
	}

	for _, rec := range expired {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Importance < e.cfg.Consolidation.PromoteThreshold && !rec.Pinned {
			res.Discarded++
			continue
		}
		// Pinned records survive Expire in place; their cache copy is only
		// removed after the promotion lands.
		pinned := rec.Pinned
		readVersion := rec.Version
		if err := e.promote(ctx, rec); err != nil {
			if errors.Is(err, memerr.ErrProviderUnavailable) || errors.Is(err, memerr.ErrStorageUnavailable) {
				// Non-pinned records were already reclaimed; put them back
				// so the next pass retries the promotion. They stay
				// invisible to readers.
				if !pinned {
					if _, perr := e.cache.Put(ctx, rec); perr != nil {
						log.Error("failed to requeue expired record", "id", rec.ID, "error", perr)
					}
				}
				res.Deferred = true
				continue
			}
			if errors.Is(err, memerr.ErrVersionConflict) {
				continue
			}
			return fmt.Errorf("expire step: promote %s: %w", rec.ID, err)
		}
		res.Promoted++
		if pinned {
			if err := e.cache.Remove(ctx, rec.ID, readVersion); err != nil && !errors.Is(err, memerr.ErrVersionConflict) && !errors.Is(err, memerr.ErrNotFound) {
				log.Warn("failed to remove promoted record", "id", rec.ID, "error", err)
			}
		}
	}
	if res.Discarded > 0 {
		e.metrics.RecordDiscards(ctx, int64(res.Discarded))
	}
	return nil
}

// scanStep walks recent ephemeral records and eagerly promotes those whose
// importance already crossed the threshold, without waiting for TTL expiry.
func (e *Engine) scanStep(ctx context.Context, res *PassResult, log *slog.Logger, prevPass time.Time) error {
	var cursor cache.Cursor
	if cp, ok, err := e.ckpt.Load(ctx); err != nil {
		log.Warn("failed to load checkpoint", "error", err)
	} else if ok {
		cursor = cp.Cursor
		log.Debug("resuming interrupted scan", "interrupted_pass", cp.PassID)
	}

	for {
		if err := ctx.Err(); err != nil {
			if serr := e.ckpt.Save(ctx, Checkpoint{PassID: res.PassID, Cursor: cursor, StartedAt: e.now()}); serr != nil {
				log.Warn("failed to save checkpoint", "error", serr)
			}
			return err
		}

		recs, next, done, err := e.cache.Scan(ctx, prevPass, cursor, scanPageSize)
		if err != nil {
			if errors.Is(err, memerr.ErrStorageUnavailable) {
				log.Warn("ephemeral tier unavailable, deferring scan", "error", err)
				res.Deferred = true
				return nil
			}
			return fmt.Errorf("scan step: %w", err)
		}

		for _, rec := range recs {
			if rec.Importance < e.cfg.Consolidation.PromoteThreshold {
				continue
			}
			readVersion := rec.Version
			if err := e.promote(ctx, rec); err != nil {
				switch {
				case errors.Is(err, memerr.ErrVersionConflict):
					// Already promoted by an earlier, interrupted pass.
					continue
				case errors.Is(err, memerr.ErrProviderUnavailable), errors.Is(err, memerr.ErrStorageUnavailable):
					res.Deferred = true
					continue
				default:
					return fmt.Errorf("scan step: promote %s: %w", rec.ID, err)
				}
			}
			res.Promoted++
			// Remove the ephemeral copy; a conflict means the record was
			// touched mid-promotion and the next pass reconciles it.
			if err := e.cache.Remove(ctx, rec.ID, readVersion); err != nil && !errors.Is(err, memerr.ErrVersionConflict) && !errors.Is(err, memerr.ErrNotFound) {
				log.Warn("failed to remove promoted record", "id", rec.ID, "error", err)
			}
		}

		cursor = next
		if done {
			return nil
		}
		if err := e.ckpt.Save(ctx, Checkpoint{PassID: res.PassID, Cursor: cursor, StartedAt: e.now()}); err != nil {
			log.Warn("failed to save checkpoint", "error", err)
		}
	}
}

// promote embeds rec if needed, moves it to the recent tier and upserts it
// into the semantic index. rec is mutated in place.
func (e *Engine) promote(ctx context.Context, rec *record.MemoryRecord) error {
	if len(rec.Embedding) == 0 {
		vec, err := e.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return err
		}
		rec.Embedding = vec
	}
	if rec.Tier == record.TierEphemeral {
		if err := rec.Promote(record.TierRecent); err != nil {
			return err
		}
	}
	if err := e.index.Upsert(ctx, rec); err != nil {
		return err
	}
	e.metrics.RecordPromotion(ctx, string(record.TierRecent))
	return nil
}

// evictStep shrinks the semantic index back to capacity. Co-evicted near
// neighbors merge into one summary; lone candidates move to the durable
// tier individually.
func (e *Engine) evictStep(ctx context.Context, res *PassResult, log *slog.Logger) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		size, err := e.index.Size(ctx)
		if err != nil {
			return fmt.Errorf("evict step: %w", err)
		}
		over := size - e.cfg.Index.Capacity
		if over <= 0 {
			return nil
		}

		batch := e.cfg.Consolidation.EvictionBatch
		if over < batch {
			batch = over
		}
		candidates, err := e.index.LeastValuable(ctx, batch)
		if err != nil {
			return fmt.Errorf("evict step: %w", err)
		}
		if len(candidates) == 0 {
			// Everything left is pinned; capacity stays exceeded.
			log.Warn("index over capacity but no evictable records", "size", size)
			return nil
		}

		evicted, err := e.evictBatch(ctx, res, candidates)
		if err != nil {
			if errors.Is(err, memerr.ErrStorageUnavailable) {
				log.Warn("durable tier unavailable, deferring eviction", "error", err)
				res.Deferred = true
				return nil
			}
			return fmt.Errorf("evict step: %w", err)
		}
		if evicted == 0 {
			return nil
		}
	}
}

// evictBatch drains one batch of eviction candidates, clustering near
// neighbors into summaries. Returns how many records left the index.
func (e *Engine) evictBatch(ctx context.Context, res *PassResult, candidates []*record.MemoryRecord) (int, error) {
	sim := e.cfg.Consolidation.NeighborSimilarity
	minCluster := e.cfg.Consolidation.MinClusterSize
	evicted := 0

	remaining := candidates
	for len(remaining) > 0 {
		seed := remaining[0]
		cluster := []*record.MemoryRecord{seed}
		rest := remaining[:0:0]
		for _, cand := range remaining[1:] {
			if embed.Cosine(seed.Embedding, cand.Embedding) >= sim {
				cluster = append(cluster, cand)
			} else {
				rest = append(rest, cand)
			}
		}
		remaining = rest

		if len(cluster) >= minCluster {
			if err := e.summarize(ctx, cluster); err != nil {
				return evicted, err
			}
			res.Summaries++
			e.metrics.RecordSummary(ctx, len(cluster))
		} else {
			for _, rec := range cluster {
				if err := e.demote(ctx, rec); err != nil {
					return evicted, err
				}
			}
		}

		for _, rec := range cluster {
			if err := e.index.Delete(ctx, rec.ID); err != nil && !errors.Is(err, memerr.ErrNotFound) {
				return evicted, err
			}
			evicted++
		}
		res.Evicted += len(cluster)
		e.metrics.RecordEvictions(ctx, int64(len(cluster)))
	}
	return evicted, nil
}

// summarize merges a cluster of near-duplicate records into one summary
// record and appends it to the durable tier.
func (e *Engine) summarize(ctx context.Context, cluster []*record.MemoryRecord) error {
	now := e.now()

	contents := make([]string, 0, len(cluster))
	vectors := make([][]float32, 0, len(cluster))
	sourceIDs := make([]string, 0, len(cluster))
	importance := 0.0
	for _, rec := range cluster {
		contents = append(contents, rec.Content)
		vectors = append(vectors, rec.Embedding)
		sourceIDs = append(sourceIDs, rec.ID)
		if rec.Importance > importance {
			importance = rec.Importance
		}
	}

	sum := record.New(strings.Join(contents, "\n"), cluster[0].Context, importance, false, now)
	if err := sum.Promote(record.TierRecent); err != nil {
		return err
	}
	if err := sum.Promote(record.TierSummary); err != nil {
		return err
	}
	sum.Embedding = embed.Centroid(vectors)
	sum.SourceIDs = sourceIDs

	if err := e.durable.Append(ctx, sum); err != nil {
		return err
	}
	e.metrics.RecordPromotion(ctx, string(record.TierSummary))
	return nil
}

// demote moves a single eviction candidate to the durable tier.
func (e *Engine) demote(ctx context.Context, rec *record.MemoryRecord) error {
	if err := rec.Promote(record.TierDurable); err != nil {
		return err
	}
	if err := e.durable.Append(ctx, rec); err != nil {
		return err
	}
	e.metrics.RecordPromotion(ctx, string(record.TierDurable))
	return nil
}

// decayStep multiplies importance by the decay factor for recent-tier
// records not accessed since the previous pass. Skipped on the first pass.
func (e *Engine) decayStep(ctx context.Context, res *PassResult, log *slog.Logger, prevPass time.Time) error {
	if prevPass.IsZero() {
		return nil
	}

	all, err := e.index.All(ctx)
	if err != nil {
		return fmt.Errorf("decay step: %w", err)
	}

	for _, rec := range all {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.Pinned || !rec.LastAccessedAt.Before(prevPass) {
			continue
		}
		rec.Importance = record.ClampImportance(rec.Importance * e.cfg.Consolidation.DecayFactor)
		rec.Version++
		if err := e.index.Upsert(ctx, rec); err != nil {
			if errors.Is(err, memerr.ErrVersionConflict) {
				// Touched concurrently; the access wins over the decay.
				continue
			}
			return fmt.Errorf("decay step: %w", err)
		}
		res.Decayed++
	}
	return nil
}

// Scheduler runs consolidation passes on a fixed interval.
type Scheduler struct {
	engine   *Engine
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler creates a scheduler for engine at the configured interval.
func NewScheduler(engine *Engine, interval time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:   engine,
		interval: interval,
		logger:   logger.With("component", "consolidation"),
	}
}

// Start launches the background pass loop. Calling Start on a running
// scheduler is a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := s.engine.RunPass(ctx); err != nil && !errors.Is(err, ErrPassActive) && !errors.Is(err, context.Canceled) {
					s.logger.Error("consolidation pass failed", "error", err)
				}
			}
		}
	}()
}

// Stop cancels the pass loop and waits for the in-flight pass to yield.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.done = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}
