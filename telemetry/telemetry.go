// Package telemetry holds the OpenTelemetry instruments for the memory
// subsystem.
//
// Instruments are created once from a caller-supplied Meter and reused for
// the process lifetime. Every recording method is safe to call on a nil
// *Metrics, so components carry a possibly-nil handle and record
// unconditionally.
package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the subsystem's metric instruments.
type Metrics struct {
	// stores counts records accepted into the ephemeral tier.
	stores metric.Int64Counter

	// retrievals counts retrieval queries served.
	retrievals metric.Int64Counter

	// promotions counts tier promotions, attributed by target tier.
	promotions metric.Int64Counter

	// evictions counts records evicted from the semantic index.
	evictions metric.Int64Counter

	// summaries counts summary records produced by consolidation.
	summaries metric.Int64Counter

	// discards counts expired records dropped without promotion.
	discards metric.Int64Counter

	// passDuration records consolidation pass duration in milliseconds.
	passDuration metric.Float64Histogram

	// retrievalLatency records retrieval latency in milliseconds.
	retrievalLatency metric.Float64Histogram
}

// New creates all instruments from meter. A nil meter returns a nil *Metrics,
// which every recording method tolerates.
func New(meter metric.Meter) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	m := &Metrics{}
	var err error

	m.stores, err = meter.Int64Counter(
		"memory.stores",
		metric.WithDescription("Records accepted into the ephemeral tier"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create stores counter: %w", err)
	}

	m.retrievals, err = meter.Int64Counter(
		"memory.retrievals",
		metric.WithDescription("Retrieval queries served"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retrievals counter: %w", err)
	}

	m.promotions, err = meter.Int64Counter(
		"memory.promotions",
		metric.WithDescription("Tier promotions, attributed by target tier"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create promotions counter: %w", err)
	}

	m.evictions, err = meter.Int64Counter(
		"memory.evictions",
		metric.WithDescription("Records evicted from the semantic index"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create evictions counter: %w", err)
	}

	m.summaries, err = meter.Int64Counter(
		"memory.summaries",
		metric.WithDescription("Summary records produced by consolidation"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create summaries counter: %w", err)
	}

	m.discards, err = meter.Int64Counter(
		"memory.discards",
		metric.WithDescription("Expired records discarded without promotion"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, fmt.Errorf("create discards counter: %w", err)
	}

	m.passDuration, err = meter.Float64Histogram(
		"memory.pass.duration",
		metric.WithDescription("Consolidation pass duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create pass duration histogram: %w", err)
	}

	m.retrievalLatency, err = meter.Float64Histogram(
		"memory.retrieval.latency",
		metric.WithDescription("Retrieval latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("create retrieval latency histogram: %w", err)
	}

	return m, nil
}

// RecordStore counts one accepted write.
func (m *Metrics) RecordStore(ctx context.Context) {
	if m == nil || m.stores == nil {
		return
	}
	m.stores.Add(ctx, 1)
}

// RecordRetrieval counts one served query and its latency. degraded marks
// queries ranked without a query embedding.
func (m *Metrics) RecordRetrieval(ctx context.Context, elapsed time.Duration, degraded bool) {
	if m == nil {
		return
	}
	opts := metric.WithAttributes(attribute.Bool("degraded", degraded))
	if m.retrievals != nil {
		m.retrievals.Add(ctx, 1, opts)
	}
	if m.retrievalLatency != nil {
		m.retrievalLatency.Record(ctx, float64(elapsed.Milliseconds()), opts)
	}
}

// RecordPromotion counts one promotion into tier.
func (m *Metrics) RecordPromotion(ctx context.Context, tier string) {
	if m == nil || m.promotions == nil {
		return
	}
	m.promotions.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", tier)))
}

// RecordEvictions counts n evicted records.
func (m *Metrics) RecordEvictions(ctx context.Context, n int64) {
	if m == nil || m.evictions == nil {
		return
	}
	m.evictions.Add(ctx, n)
}

// RecordSummary counts one produced summary covering n source records.
func (m *Metrics) RecordSummary(ctx context.Context, n int) {
	if m == nil || m.summaries == nil {
		return
	}
	m.summaries.Add(ctx, 1, metric.WithAttributes(attribute.Int("sources", n)))
}

// RecordDiscards counts n expired records dropped without promotion.
func (m *Metrics) RecordDiscards(ctx context.Context, n int64) {
	if m == nil || m.discards == nil {
		return
	}
	m.discards.Add(ctx, n)
}

// RecordPass records one consolidation pass duration.
func (m *Metrics) RecordPass(ctx context.Context, elapsed time.Duration) {
	if m == nil || m.passDuration == nil {
		return
	}
	m.passDuration.Record(ctx, float64(elapsed.Milliseconds()))
}
