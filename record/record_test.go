package record

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	now := time.Now()
	r := New("remember the milk", "shopping", 0.4, false, now)

	assert.NotEmpty(t, r.ID)
	assert.Equal(t, TierEphemeral, r.Tier)
	assert.Equal(t, int64(1), r.Version)
	assert.Equal(t, 0.4, r.Importance)
	assert.Equal(t, now, r.CreatedAt)
	assert.Equal(t, now, r.LastAccessedAt)
	assert.False(t, r.Pinned)
}

func TestNewID(t *testing.T) {
	t.Run("unique", func(t *testing.T) {
		seen := make(map[string]bool)
		for i := 0; i < 1000; i++ {
			id := NewID()
			require.False(t, seen[id], "duplicate id %s", id)
			seen[id] = true
		}
	})

	t.Run("time ordered", func(t *testing.T) {
		a := NewID()
		time.Sleep(2 * time.Millisecond)
		b := NewID()
		assert.Less(t, a, b)
	})
}

func TestClampImportance(t *testing.T) {
	assert.Equal(t, 0.0, ClampImportance(-0.5))
	assert.Equal(t, 1.0, ClampImportance(1.5))
	assert.Equal(t, 0.7, ClampImportance(0.7))
}

func TestTouch(t *testing.T) {
	now := time.Now()
	r := New("x", "", 0.95, false, now)
	v := r.Version

	later := now.Add(time.Minute)
	r.Touch(later, 0.1)

	assert.Equal(t, int64(1), r.AccessCount)
	assert.Equal(t, later, r.LastAccessedAt)
	assert.Equal(t, 1.0, r.Importance, "importance capped at 1.0")
	assert.Equal(t, v+1, r.Version, "touch bumps version")
}

func TestPromote(t *testing.T) {
	t.Run("ephemeral to recent", func(t *testing.T) {
		r := New("x", "", 0.8, false, time.Now())
		v := r.Version
		require.NoError(t, r.Promote(TierRecent))
		assert.Equal(t, TierRecent, r.Tier)
		assert.Equal(t, v+1, r.Version)
	})

	t.Run("recent to durable", func(t *testing.T) {
		r := New("x", "", 0.8, false, time.Now())
		require.NoError(t, r.Promote(TierRecent))
		require.NoError(t, r.Promote(TierDurable))
		assert.Equal(t, TierDurable, r.Tier)
	})

	t.Run("recent to summary", func(t *testing.T) {
		r := New("x", "", 0.8, false, time.Now())
		require.NoError(t, r.Promote(TierRecent))
		require.NoError(t, r.Promote(TierSummary))
	})

	t.Run("no demotion", func(t *testing.T) {
		r := New("x", "", 0.8, false, time.Now())
		require.NoError(t, r.Promote(TierRecent))
		err := r.Promote(TierEphemeral)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})

	t.Run("no tier skipping", func(t *testing.T) {
		r := New("x", "", 0.8, false, time.Now())
		err := r.Promote(TierDurable)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidTransition)
		assert.Equal(t, TierEphemeral, r.Tier, "failed promotion leaves tier unchanged")
		assert.Equal(t, int64(1), r.Version, "failed promotion leaves version unchanged")
	})

	t.Run("durable is terminal", func(t *testing.T) {
		r := New("x", "", 0.8, false, time.Now())
		require.NoError(t, r.Promote(TierRecent))
		require.NoError(t, r.Promote(TierDurable))
		for _, to := range []Tier{TierEphemeral, TierRecent, TierSummary} {
			assert.ErrorIs(t, r.Promote(to), ErrInvalidTransition)
		}
	})

	t.Run("invalid tier", func(t *testing.T) {
		r := New("x", "", 0.8, false, time.Now())
		assert.ErrorIs(t, r.Promote(Tier("archived")), ErrInvalidTier)
	})
}

func TestTierValidate(t *testing.T) {
	for _, tier := range []Tier{TierEphemeral, TierRecent, TierDurable, TierSummary} {
		assert.NoError(t, tier.Validate())
	}
	assert.ErrorIs(t, Tier("bogus").Validate(), ErrInvalidTier)
	assert.ErrorIs(t, Tier("").Validate(), ErrInvalidTier)
}

func TestClone(t *testing.T) {
	r := New("payload", "ctx", 0.5, true, time.Now())
	r.Embedding = []float32{1, 2, 3}
	r.SourceIDs = []string{"a", "b"}

	c := r.Clone()
	c.Embedding[0] = 99
	c.SourceIDs[0] = "z"
	c.Content = "changed"

	assert.Equal(t, float32(1), r.Embedding[0])
	assert.Equal(t, "a", r.SourceIDs[0])
	assert.Equal(t, "payload", r.Content)
}
