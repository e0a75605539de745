package mnemo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mnemo-ai/mnemo/cache"
	"github.com/mnemo-ai/mnemo/config"
	"github.com/mnemo-ai/mnemo/consolidate"
	"github.com/mnemo-ai/mnemo/durable"
	"github.com/mnemo-ai/mnemo/embed"
	"github.com/mnemo-ai/mnemo/filter"
	"github.com/mnemo-ai/mnemo/index"
	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
	"github.com/mnemo-ai/mnemo/retrieve"
	"github.com/mnemo-ai/mnemo/telemetry"
)

// Memory is the façade over the three tiers, the consolidation engine and
// the retrieval coordinator. All methods are safe for concurrent use.
type Memory struct {
	cfg      *config.Config
	cache    cache.Cache
	index    index.Index
	durable  durable.Store
	embedder embed.Provider

	engine    *consolidate.Engine
	scheduler *consolidate.Scheduler
	coord     *retrieve.Coordinator

	logger  *slog.Logger
	metrics *telemetry.Metrics

	// now is injectable for tests.
	now func() time.Time
}

// New creates a Memory from cfg (nil means defaults) and options.
//
// Unless overridden, the ephemeral tier connects to Redis at
// redis://localhost:6379, the semantic tier is an in-process index, and the
// durable tier opens mnemo.db in the working directory. An embedding
// provider should always be supplied; the default is the deterministic mock,
// which is only suitable for tests and local runs.
func New(cfg *config.Config, opts ...Option) (*Memory, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mnemo: invalid config: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	metrics, err := telemetry.New(o.meter)
	if err != nil {
		return nil, fmt.Errorf("mnemo: create metrics: %w", err)
	}

	embedder := o.embedder
	if embedder == nil {
		embedder = embed.NewMock(0)
		logger.Warn("no embedding provider configured, using deterministic mock")
	}
	embedder = embed.NewRetry(embedder,
		cfg.Embedding.GetTimeout(), cfg.Embedding.MaxAttempts, cfg.Embedding.GetBackoff())
	cached, err := embed.NewCached(embedder, 0)
	if err != nil {
		return nil, fmt.Errorf("mnemo: create embedding cache: %w", err)
	}

	c := o.cache
	if c == nil {
		c, err = cache.NewRedis(cache.RedisOptions{
			TTL:         cfg.Ephemeral.GetTTL(),
			AccessBoost: cfg.Ephemeral.AccessBoost,
			Logger:      logger,
		})
		if err != nil {
			return nil, fmt.Errorf("mnemo: connect ephemeral tier: %w", err)
		}
	}

	idx := o.index
	if idx == nil {
		idx = index.NewMemory()
	}

	store := o.durable
	if store == nil {
		store, err = durable.NewSQLite("mnemo.db")
		if err != nil {
			return nil, fmt.Errorf("mnemo: open durable tier: %w", err)
		}
	}

	engine, err := consolidate.NewEngine(consolidate.Options{
		Cache:        c,
		Index:        idx,
		Durable:      store,
		Embedder:     cached,
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Checkpointer: o.checkpointer,
	})
	if err != nil {
		return nil, err
	}

	coord, err := retrieve.New(retrieve.Options{
		Cache:    c,
		Index:    idx,
		Durable:  store,
		Embedder: cached,
		Config:   cfg,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return nil, err
	}

	m := &Memory{
		cfg:       cfg,
		cache:     c,
		index:     idx,
		durable:   store,
		embedder:  cached,
		engine:    engine,
		scheduler: consolidate.NewScheduler(engine, cfg.Consolidation.GetInterval(), logger),
		coord:     coord,
		logger:    logger,
		metrics:   metrics,
		now:       time.Now,
	}
	if o.clock != nil {
		m.now = o.clock
		engine.SetClock(o.clock)
		coord.SetClock(o.clock)
	}
	return m, nil
}

// Store writes content into the ephemeral tier and returns the new record's
// id. Empty content is rejected.
func (m *Memory) Store(ctx context.Context, content string, opts ...StoreOption) (string, error) {
	if content == "" {
		return "", memerr.Validation("mnemo.Store",
			fmt.Errorf("%w: empty content", memerr.ErrInvalidInput))
	}

	so := &storeOptions{importance: 0.5}
	for _, opt := range opts {
		opt(so)
	}

	// The affect signal can only nudge importance, never dominate it.
	affect := so.affectBoost
	if limit := m.cfg.Ephemeral.AffectBoostCap; affect > limit {
		affect = limit
	}
	if affect < 0 {
		affect = 0
	}

	rec := record.New(content, so.context, so.importance+affect, so.pinned, m.now())
	id, err := m.cache.Put(ctx, rec)
	if err != nil {
		return "", err
	}
	m.metrics.RecordStore(ctx)
	m.logger.Debug("stored record", "id", id, "importance", rec.Importance, "pinned", rec.Pinned)
	return id, nil
}

// Retrieve returns up to k records ranked against the query text.
func (m *Memory) Retrieve(ctx context.Context, text string, k int, opts ...RetrieveOption) ([]retrieve.Result, error) {
	ro := &retrieveOptions{}
	for _, opt := range opts {
		opt(ro)
	}

	var f *filter.Filter
	if ro.filterExpr != "" {
		var err error
		f, err = filter.Compile(ro.filterExpr)
		if err != nil {
			return nil, err
		}
	}

	return m.coord.Retrieve(ctx, retrieve.Query{
		Text:   text,
		K:      k,
		Filter: f,
		Tiers:  ro.tiers,
	})
}

// Get returns the record for id from whichever tier holds it, without
// counting as an access.
func (m *Memory) Get(ctx context.Context, id string) (*record.MemoryRecord, error) {
	if rec, err := m.index.Get(ctx, id); err == nil {
		return rec, nil
	} else if !errors.Is(err, memerr.ErrNotFound) {
		return nil, err
	}
	if rec, err := m.durable.Get(ctx, id); err == nil {
		return rec, nil
	} else if !errors.Is(err, memerr.ErrNotFound) {
		return nil, err
	}
	return m.cache.Peek(ctx, id)
}

// Forget removes id from every tier. The durable tier keeps its history but
// tombstones the id, so a forgotten record never resurfaces in retrieval,
// not even via a later consolidation pass. Summaries that folded the record
// in are tombstoned with it; their concatenated content would otherwise keep
// the forgotten material retrievable.
func (m *Memory) Forget(ctx context.Context, id string) error {
	if err := m.cache.Forget(ctx, id); err != nil && !errors.Is(err, memerr.ErrNotFound) {
		return err
	}
	if err := m.index.Delete(ctx, id); err != nil && !errors.Is(err, memerr.ErrNotFound) {
		return err
	}
	if err := m.durable.Forget(ctx, id); err != nil {
		return err
	}

	summaries, err := m.durable.FindBySource(ctx, id)
	if err != nil {
		return err
	}
	for _, sum := range summaries {
		if err := m.durable.Forget(ctx, sum.ID); err != nil {
			return err
		}
		m.logger.Debug("forgot summary with forgotten source", "summary_id", sum.ID, "source_id", id)
	}
	return nil
}

// Pin exempts id from expiry, eviction and decay until unpinned.
func (m *Memory) Pin(ctx context.Context, id string) error {
	return m.setPinned(ctx, id, true)
}

// Unpin returns id to normal lifecycle management.
func (m *Memory) Unpin(ctx context.Context, id string) error {
	return m.setPinned(ctx, id, false)
}

func (m *Memory) setPinned(ctx context.Context, id string, pinned bool) error {
	if rec, err := m.cache.Get(ctx, id); err == nil {
		updated := rec.Clone()
		updated.Pinned = pinned
		updated.Version++
		return m.cache.Update(ctx, updated)
	} else if !errors.Is(err, memerr.ErrNotFound) {
		return err
	}

	if rec, err := m.index.Get(ctx, id); err == nil {
		updated := rec.Clone()
		updated.Pinned = pinned
		updated.Version++
		return m.index.Upsert(ctx, updated)
	} else if !errors.Is(err, memerr.ErrNotFound) {
		return err
	}

	if rec, err := m.durable.Get(ctx, id); err == nil {
		updated := rec.Clone()
		updated.Pinned = pinned
		updated.Version++
		return m.durable.Append(ctx, updated)
	} else if !errors.Is(err, memerr.ErrNotFound) {
		return err
	}

	return memerr.NotFound("mnemo.Pin", memerr.ErrNotFound)
}

// RunConsolidationPass triggers one consolidation pass immediately instead
// of waiting for the scheduler. Returns consolidate.ErrPassActive when a
// pass is already in flight.
func (m *Memory) RunConsolidationPass(ctx context.Context) (*consolidate.PassResult, error) {
	return m.engine.RunPass(ctx)
}

// Start launches the background consolidation scheduler.
func (m *Memory) Start() {
	m.scheduler.Start()
}

// Stats reports per-tier record counts and the last pass timing.
type Stats struct {
	// EphemeralCount is the number of records physically present in the
	// ephemeral tier, including lazily expired ones awaiting reclaim.
	EphemeralCount int64

	// RecentCount is the number of records in the semantic index.
	RecentCount int

	// DurableCount is the number of live ids in the durable tier.
	DurableCount int64

	// LastPassAt is when the last completed consolidation pass started.
	// Zero if no pass has completed.
	LastPassAt time.Time

	// LastPassDuration is how long the last completed pass took.
	LastPassDuration time.Duration
}

// Stats returns a point-in-time snapshot of the subsystem.
func (m *Memory) Stats(ctx context.Context) (Stats, error) {
	ephemeral, err := m.cache.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	recent, err := m.index.Size(ctx)
	if err != nil {
		return Stats{}, err
	}
	durableCount, err := m.durable.Count(ctx)
	if err != nil {
		return Stats{}, err
	}

	at, dur := m.engine.LastPass()
	return Stats{
		EphemeralCount:   ephemeral,
		RecentCount:      recent,
		DurableCount:     durableCount,
		LastPassAt:       at,
		LastPassDuration: dur,
	}, nil
}

// Close stops the scheduler and releases every tier's backing store.
func (m *Memory) Close() error {
	m.scheduler.Stop()

	var errs []error
	if err := m.cache.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := m.durable.Close(); err != nil {
		errs = append(errs, err)
	}
	if cached, ok := m.embedder.(*embed.Cached); ok {
		cached.Close()
	}
	return errors.Join(errs...)
}
