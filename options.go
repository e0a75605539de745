package mnemo

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/mnemo-ai/mnemo/cache"
	"github.com/mnemo-ai/mnemo/consolidate"
	"github.com/mnemo-ai/mnemo/durable"
	"github.com/mnemo-ai/mnemo/embed"
	"github.com/mnemo-ai/mnemo/index"
	"github.com/mnemo-ai/mnemo/record"
)

// options collects construction-time overrides.
type options struct {
	cache        cache.Cache
	index        index.Index
	durable      durable.Store
	embedder     embed.Provider
	logger       *slog.Logger
	meter        metric.Meter
	checkpointer consolidate.Checkpointer
	clock        func() time.Time
}

// Option configures Memory construction.
type Option func(*options)

// WithCache supplies the ephemeral tier store. The Memory takes ownership
// and closes it on Close.
func WithCache(c cache.Cache) Option {
	return func(o *options) { o.cache = c }
}

// WithIndex supplies the semantic tier index.
func WithIndex(idx index.Index) Option {
	return func(o *options) { o.index = idx }
}

// WithDurable supplies the durable tier store. The Memory takes ownership
// and closes it on Close.
func WithDurable(s durable.Store) Option {
	return func(o *options) { o.durable = s }
}

// WithEmbedder supplies the embedding provider. It is wrapped with the
// configured retry policy and an in-process result cache.
func WithEmbedder(p embed.Provider) Option {
	return func(o *options) { o.embedder = p }
}

// WithLogger supplies the structured logger. Defaults to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMeter enables OpenTelemetry metrics on the given meter. Without it
// the subsystem records nothing.
func WithMeter(meter metric.Meter) Option {
	return func(o *options) { o.meter = meter }
}

// WithCheckpointer supplies the consolidation checkpoint store. Defaults to
// an in-process checkpointer whose progress does not survive restarts.
func WithCheckpointer(ck consolidate.Checkpointer) Option {
	return func(o *options) { o.checkpointer = ck }
}

// WithClock overrides the time source of the engine and the retrieval
// coordinator. Intended for tests; tier stores supplied via options keep
// their own clocks.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.clock = now }
}

// storeOptions collects per-Store overrides.
type storeOptions struct {
	context     string
	importance  float64
	pinned      bool
	affectBoost float64
}

// StoreOption configures a single Store call.
type StoreOption func(*storeOptions)

// WithContext attaches collaborator-supplied metadata describing where the
// content came from.
func WithContext(context string) StoreOption {
	return func(o *storeOptions) { o.context = context }
}

// WithImportance sets the initial importance score. Defaults to 0.5;
// clamped into [0,1].
func WithImportance(importance float64) StoreOption {
	return func(o *storeOptions) { o.importance = importance }
}

// WithPinned exempts the record from expiry and eviction until explicitly
// forgotten or unpinned.
func WithPinned() StoreOption {
	return func(o *storeOptions) { o.pinned = true }
}

// WithAffectBoost adds an externally supplied salience signal to the
// initial importance, capped by the configured affect boost cap.
func WithAffectBoost(boost float64) StoreOption {
	return func(o *storeOptions) { o.affectBoost = boost }
}

// retrieveOptions collects per-Retrieve overrides.
type retrieveOptions struct {
	filterExpr string
	tiers      []record.Tier
}

// RetrieveOption configures a single Retrieve call.
type RetrieveOption func(*retrieveOptions)

// WithFilter narrows results with a CEL expression over record attributes,
// e.g. `importance > 0.5 && tier == "recent"`.
func WithFilter(expr string) RetrieveOption {
	return func(o *retrieveOptions) { o.filterExpr = expr }
}

// WithTiers restricts the search to the named tiers.
func WithTiers(tiers ...record.Tier) RetrieveOption {
	return func(o *retrieveOptions) { o.tiers = tiers }
}
