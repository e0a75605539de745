// Package config provides loading and validation of memory subsystem
// configuration files.
//
// Every threshold the subsystem uses is an explicit named field with a
// documented default. Configuration is parsed from YAML once at startup and
// validated before any component is constructed; components receive the
// validated struct and never re-read files at runtime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all tunable parameters of the memory subsystem.
type Config struct {
	// Ephemeral configures the TTL-bounded entry tier.
	Ephemeral EphemeralConfig `yaml:"ephemeral"`

	// Index configures the capacity-bounded semantic tier.
	Index IndexConfig `yaml:"index"`

	// Consolidation configures the background consolidation engine.
	Consolidation ConsolidationConfig `yaml:"consolidation"`

	// Retrieval configures ranked multi-tier retrieval.
	Retrieval RetrievalConfig `yaml:"retrieval"`

	// Embedding configures calls to the embedding provider.
	Embedding EmbeddingConfig `yaml:"embedding"`
}

// EphemeralConfig configures the ephemeral cache.
type EphemeralConfig struct {
	// TTL is the fixed retention period for non-pinned records.
	// Format: Go duration string (e.g., "30m", "1800s").
	// Default: 30m
	TTL string `yaml:"ttl,omitempty"`

	// AccessBoost is the importance increment applied on each cache hit,
	// capped so importance never exceeds 1.0.
	// Default: 0.05
	AccessBoost float64 `yaml:"access_boost,omitempty"`

	// AffectBoostCap bounds the additive importance boost supplied by the
	// external affect signal at write time.
	// Default: 0.25
	AffectBoostCap float64 `yaml:"affect_boost_cap,omitempty"`
}

// IndexConfig configures the semantic index.
type IndexConfig struct {
	// Capacity is the maximum number of records held in the semantic index.
	// The consolidation engine evicts down to this bound.
	// Default: 4096
	Capacity int `yaml:"capacity,omitempty"`
}

// ConsolidationConfig configures the background consolidation engine.
type ConsolidationConfig struct {
	// Interval is the period between consolidation passes.
	// Default: 60s
	Interval string `yaml:"interval,omitempty"`

	// PromoteThreshold is the minimum importance for promotion from the
	// ephemeral tier into the semantic index.
	// Default: 0.6
	PromoteThreshold float64 `yaml:"promote_threshold,omitempty"`

	// DecayFactor is the multiplicative importance decay applied per pass to
	// recent-tier records not accessed since the previous pass.
	// Default: 0.98
	DecayFactor float64 `yaml:"decay_factor,omitempty"`

	// MinClusterSize is the minimum number of co-evicted near neighbors
	// required to merge eviction candidates into one summary record.
	// Default: 3
	MinClusterSize int `yaml:"min_cluster_size,omitempty"`

	// NeighborSimilarity is the cosine similarity at or above which two
	// eviction candidates count as near neighbors for summarization.
	// Default: 0.85
	NeighborSimilarity float64 `yaml:"neighbor_similarity,omitempty"`

	// EvictionBatch is how many least-valuable candidates the engine pulls
	// per eviction round while over capacity.
	// Default: 32
	EvictionBatch int `yaml:"eviction_batch,omitempty"`
}

// RetrievalConfig configures composite-score ranking.
type RetrievalConfig struct {
	// SimilarityWeight is the weight of semantic similarity (alpha).
	// Default: 0.5
	SimilarityWeight float64 `yaml:"similarity_weight,omitempty"`

	// RecencyWeight is the weight of the recency signal (beta).
	// Default: 0.2
	RecencyWeight float64 `yaml:"recency_weight,omitempty"`

	// ImportanceWeight is the weight of stored importance (gamma).
	// Default: 0.3
	ImportanceWeight float64 `yaml:"importance_weight,omitempty"`

	// RecencyHalfLife is the age at which the recency signal halves.
	// Format: Go duration string.
	// Default: 6h
	RecencyHalfLife string `yaml:"recency_half_life,omitempty"`

	// ScanLimit bounds how many ephemeral records a single retrieval scans.
	// Default: 256
	ScanLimit int `yaml:"scan_limit,omitempty"`
}

// EmbeddingConfig configures embedding provider calls.
type EmbeddingConfig struct {
	// Timeout bounds a single provider call during promotion or retrieval.
	// Format: Go duration string.
	// Default: 5s
	Timeout string `yaml:"timeout,omitempty"`

	// MaxAttempts is the bounded retry budget for provider calls.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Backoff is the base delay between retry attempts (doubled per attempt).
	// Format: Go duration string.
	// Default: 200ms
	Backoff string `yaml:"backoff,omitempty"`
}

// Default returns a Config populated with every documented default.
func Default() *Config {
	return &Config{
		Ephemeral: EphemeralConfig{
			TTL:            "30m",
			AccessBoost:    0.05,
			AffectBoostCap: 0.25,
		},
		Index: IndexConfig{
			Capacity: 4096,
		},
		Consolidation: ConsolidationConfig{
			Interval:           "60s",
			PromoteThreshold:   0.6,
			DecayFactor:        0.98,
			MinClusterSize:     3,
			NeighborSimilarity: 0.85,
			EvictionBatch:      32,
		},
		Retrieval: RetrievalConfig{
			SimilarityWeight: 0.5,
			RecencyWeight:    0.2,
			ImportanceWeight: 0.3,
			RecencyHalfLife:  "6h",
			ScanLimit:        256,
		},
		Embedding: EmbeddingConfig{
			Timeout:     "5s",
			MaxAttempts: 3,
			Backoff:     "200ms",
		},
	}
}

// Load reads and parses a YAML configuration file, fills unset fields with
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDefaults fills zero-valued fields left empty by a partial YAML file.
func (c *Config) applyDefaults() {
	d := Default()
	if c.Ephemeral.TTL == "" {
		c.Ephemeral.TTL = d.Ephemeral.TTL
	}
	if c.Ephemeral.AccessBoost == 0 {
		c.Ephemeral.AccessBoost = d.Ephemeral.AccessBoost
	}
	if c.Ephemeral.AffectBoostCap == 0 {
		c.Ephemeral.AffectBoostCap = d.Ephemeral.AffectBoostCap
	}
	if c.Index.Capacity == 0 {
		c.Index.Capacity = d.Index.Capacity
	}
	if c.Consolidation.Interval == "" {
		c.Consolidation.Interval = d.Consolidation.Interval
	}
	if c.Consolidation.PromoteThreshold == 0 {
		c.Consolidation.PromoteThreshold = d.Consolidation.PromoteThreshold
	}
	if c.Consolidation.DecayFactor == 0 {
		c.Consolidation.DecayFactor = d.Consolidation.DecayFactor
	}
	if c.Consolidation.MinClusterSize == 0 {
		c.Consolidation.MinClusterSize = d.Consolidation.MinClusterSize
	}
	if c.Consolidation.NeighborSimilarity == 0 {
		c.Consolidation.NeighborSimilarity = d.Consolidation.NeighborSimilarity
	}
	if c.Consolidation.EvictionBatch == 0 {
		c.Consolidation.EvictionBatch = d.Consolidation.EvictionBatch
	}
	if c.Retrieval.SimilarityWeight == 0 && c.Retrieval.RecencyWeight == 0 && c.Retrieval.ImportanceWeight == 0 {
		c.Retrieval.SimilarityWeight = d.Retrieval.SimilarityWeight
		c.Retrieval.RecencyWeight = d.Retrieval.RecencyWeight
		c.Retrieval.ImportanceWeight = d.Retrieval.ImportanceWeight
	}
	if c.Retrieval.RecencyHalfLife == "" {
		c.Retrieval.RecencyHalfLife = d.Retrieval.RecencyHalfLife
	}
	if c.Retrieval.ScanLimit == 0 {
		c.Retrieval.ScanLimit = d.Retrieval.ScanLimit
	}
	if c.Embedding.Timeout == "" {
		c.Embedding.Timeout = d.Embedding.Timeout
	}
	if c.Embedding.MaxAttempts == 0 {
		c.Embedding.MaxAttempts = d.Embedding.MaxAttempts
	}
	if c.Embedding.Backoff == "" {
		c.Embedding.Backoff = d.Embedding.Backoff
	}
}

// Validate checks that every parameter is inside its legal range.
func (c *Config) Validate() error {
	if _, err := time.ParseDuration(c.Ephemeral.TTL); err != nil {
		return fmt.Errorf("invalid ephemeral.ttl %q: %w", c.Ephemeral.TTL, err)
	}
	if c.Ephemeral.AccessBoost < 0 || c.Ephemeral.AccessBoost > 1 {
		return fmt.Errorf("ephemeral.access_boost must be in [0,1], got %v", c.Ephemeral.AccessBoost)
	}
	if c.Ephemeral.AffectBoostCap < 0 || c.Ephemeral.AffectBoostCap > 1 {
		return fmt.Errorf("ephemeral.affect_boost_cap must be in [0,1], got %v", c.Ephemeral.AffectBoostCap)
	}
	if c.Index.Capacity <= 0 {
		return fmt.Errorf("index.capacity must be positive, got %d", c.Index.Capacity)
	}
	if _, err := time.ParseDuration(c.Consolidation.Interval); err != nil {
		return fmt.Errorf("invalid consolidation.interval %q: %w", c.Consolidation.Interval, err)
	}
	if c.Consolidation.PromoteThreshold < 0 || c.Consolidation.PromoteThreshold > 1 {
		return fmt.Errorf("consolidation.promote_threshold must be in [0,1], got %v", c.Consolidation.PromoteThreshold)
	}
	if c.Consolidation.DecayFactor <= 0 || c.Consolidation.DecayFactor > 1 {
		return fmt.Errorf("consolidation.decay_factor must be in (0,1], got %v", c.Consolidation.DecayFactor)
	}
	if c.Consolidation.MinClusterSize < 2 {
		return fmt.Errorf("consolidation.min_cluster_size must be at least 2, got %d", c.Consolidation.MinClusterSize)
	}
	if c.Consolidation.NeighborSimilarity < 0 || c.Consolidation.NeighborSimilarity > 1 {
		return fmt.Errorf("consolidation.neighbor_similarity must be in [0,1], got %v", c.Consolidation.NeighborSimilarity)
	}
	if c.Consolidation.EvictionBatch <= 0 {
		return fmt.Errorf("consolidation.eviction_batch must be positive, got %d", c.Consolidation.EvictionBatch)
	}
	for name, w := range map[string]float64{
		"retrieval.similarity_weight": c.Retrieval.SimilarityWeight,
		"retrieval.recency_weight":    c.Retrieval.RecencyWeight,
		"retrieval.importance_weight": c.Retrieval.ImportanceWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("%s must be in [0,1], got %v", name, w)
		}
	}
	if _, err := time.ParseDuration(c.Retrieval.RecencyHalfLife); err != nil {
		return fmt.Errorf("invalid retrieval.recency_half_life %q: %w", c.Retrieval.RecencyHalfLife, err)
	}
	if c.Retrieval.ScanLimit <= 0 {
		return fmt.Errorf("retrieval.scan_limit must be positive, got %d", c.Retrieval.ScanLimit)
	}
	if _, err := time.ParseDuration(c.Embedding.Timeout); err != nil {
		return fmt.Errorf("invalid embedding.timeout %q: %w", c.Embedding.Timeout, err)
	}
	if c.Embedding.MaxAttempts <= 0 {
		return fmt.Errorf("embedding.max_attempts must be positive, got %d", c.Embedding.MaxAttempts)
	}
	if _, err := time.ParseDuration(c.Embedding.Backoff); err != nil {
		return fmt.Errorf("invalid embedding.backoff %q: %w", c.Embedding.Backoff, err)
	}
	return nil
}

// GetTTL parses the ephemeral TTL. Call only after Validate.
func (c *EphemeralConfig) GetTTL() time.Duration {
	d, err := time.ParseDuration(c.TTL)
	if err != nil {
		return 30 * time.Minute
	}
	return d
}

// GetInterval parses the consolidation interval. Call only after Validate.
func (c *ConsolidationConfig) GetInterval() time.Duration {
	d, err := time.ParseDuration(c.Interval)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetRecencyHalfLife parses the recency half-life. Call only after Validate.
func (c *RetrievalConfig) GetRecencyHalfLife() time.Duration {
	d, err := time.ParseDuration(c.RecencyHalfLife)
	if err != nil {
		return 6 * time.Hour
	}
	return d
}

// GetTimeout parses the embedding timeout. Call only after Validate.
func (c *EmbeddingConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 5 * time.Second
	}
	return d
}

// GetBackoff parses the embedding retry backoff. Call only after Validate.
func (c *EmbeddingConfig) GetBackoff() time.Duration {
	d, err := time.ParseDuration(c.Backoff)
	if err != nil {
		return 200 * time.Millisecond
	}
	return d
}
