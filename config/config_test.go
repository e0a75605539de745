package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "memory.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Minute, cfg.Ephemeral.GetTTL())
	assert.Equal(t, 4096, cfg.Index.Capacity)
	assert.Equal(t, 0.6, cfg.Consolidation.PromoteThreshold)
	assert.Equal(t, 0.98, cfg.Consolidation.DecayFactor)
	assert.Equal(t, 3, cfg.Consolidation.MinClusterSize)
	assert.Equal(t, 0.5, cfg.Retrieval.SimilarityWeight)
	assert.Equal(t, 0.2, cfg.Retrieval.RecencyWeight)
	assert.Equal(t, 0.3, cfg.Retrieval.ImportanceWeight)
	assert.Equal(t, 6*time.Hour, cfg.Retrieval.GetRecencyHalfLife())
	assert.Equal(t, 5*time.Second, cfg.Embedding.GetTimeout())
	assert.Equal(t, 3, cfg.Embedding.MaxAttempts)
}

func TestLoad(t *testing.T) {
	t.Run("full file", func(t *testing.T) {
		path := writeConfig(t, `
ephemeral:
  ttl: 2s
  access_boost: 0.1
index:
  capacity: 10
consolidation:
  interval: 5s
  promote_threshold: 0.7
retrieval:
  similarity_weight: 0.6
  recency_weight: 0.2
  importance_weight: 0.2
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 2*time.Second, cfg.Ephemeral.GetTTL())
		assert.Equal(t, 0.1, cfg.Ephemeral.AccessBoost)
		assert.Equal(t, 10, cfg.Index.Capacity)
		assert.Equal(t, 5*time.Second, cfg.Consolidation.GetInterval())
		assert.Equal(t, 0.7, cfg.Consolidation.PromoteThreshold)
		assert.Equal(t, 0.6, cfg.Retrieval.SimilarityWeight)
	})

	t.Run("partial file keeps defaults", func(t *testing.T) {
		path := writeConfig(t, `
index:
  capacity: 128
`)
		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 128, cfg.Index.Capacity)
		assert.Equal(t, 0.6, cfg.Consolidation.PromoteThreshold)
		assert.Equal(t, 30*time.Minute, cfg.Ephemeral.GetTTL())
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := writeConfig(t, "ephemeral: [not a map")
		_, err := Load(path)
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad ttl", func(c *Config) { c.Ephemeral.TTL = "soon" }},
		{"access boost out of range", func(c *Config) { c.Ephemeral.AccessBoost = 1.5 }},
		{"negative capacity", func(c *Config) { c.Index.Capacity = -1 }},
		{"bad interval", func(c *Config) { c.Consolidation.Interval = "often" }},
		{"threshold above one", func(c *Config) { c.Consolidation.PromoteThreshold = 1.2 }},
		{"zero decay", func(c *Config) { c.Consolidation.DecayFactor = -0.1 }},
		{"cluster too small", func(c *Config) { c.Consolidation.MinClusterSize = 1 }},
		{"weight out of range", func(c *Config) { c.Retrieval.RecencyWeight = 2 }},
		{"bad half life", func(c *Config) { c.Retrieval.RecencyHalfLife = "eventually" }},
		{"zero attempts", func(c *Config) { c.Embedding.MaxAttempts = -3 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
