// Package mnemo provides a tiered memory subsystem for AI assistants and
// agents.
//
// Records enter a TTL-bounded ephemeral tier, graduate into a semantic
// index queryable by embedding similarity, and settle into an append-only
// durable store. A background consolidation engine moves records between
// tiers: it promotes what proved important, summarizes near-duplicate
// evictions, decays the importance of untouched records, and discards the
// rest.
//
// # Core Concepts
//
// The subsystem is organized around a few key concepts:
//
//   - Records: the single stored entity, carrying content, an embedding,
//     an importance score and access-tracking metadata
//   - Tiers: ephemeral, recent, durable and summary retention horizons;
//     records only ever move toward longer retention
//   - Consolidation: the background pass that promotes, evicts,
//     summarizes and decays
//   - Retrieval: ranked search across all tiers under one composite score
//     of similarity, recency and importance
//
// # Getting Started
//
// Create a Memory and give it an embedding provider:
//
//	import "github.com/mnemo-ai/mnemo"
//
//	mem, err := mnemo.New(nil,
//		mnemo.WithEmbedder(provider),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer mem.Close()
//
//	id, err := mem.Store(ctx, "the deploy finished at noon",
//		mnemo.WithImportance(0.8))
//
//	results, err := mem.Retrieve(ctx, "when did the deploy finish", 5)
//
// # Subsystem Layout
//
// Each tier and concern lives in its own package:
//
//   - cache: Redis-backed ephemeral tier with fixed TTL
//   - index: capacity-bounded semantic tier queried by vector similarity
//   - durable: append-only, versioned SQLite tier with tombstoned forgets
//   - consolidate: the background engine and its pass scheduler
//   - retrieve: the multi-tier retrieval coordinator
//   - embed: the embedding provider contract with retry and caching
//     wrappers
//   - filter: CEL-based retrieval filter expressions
//   - record, memerr, config, telemetry: the shared entity, error
//     taxonomy, configuration and metrics
//
// This root package ties them together behind one façade so most callers
// never import the tier packages directly.
package mnemo
