package mnemo

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemo-ai/mnemo/cache"
	"github.com/mnemo-ai/mnemo/config"
	"github.com/mnemo-ai/mnemo/durable"
	"github.com/mnemo-ai/mnemo/embed"
	"github.com/mnemo-ai/mnemo/index"
	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func setup(t *testing.T, mutate func(*config.Config)) (*Memory, *testClock) {
	t.Helper()

	cfg := config.Default()
	cfg.Ephemeral.TTL = "2s"
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	clock := newTestClock()

	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(cache.RedisOptions{
		URL:         "redis://" + mr.Addr(),
		TTL:         cfg.Ephemeral.GetTTL(),
		AccessBoost: cfg.Ephemeral.AccessBoost,
	})
	require.NoError(t, err)
	c.SetClock(clock.Now)

	idx := index.NewMemory()
	idx.SetClock(clock.Now)

	store, err := durable.NewSQLite(filepath.Join(t.TempDir(), "mnemo.db"))
	require.NoError(t, err)
	store.SetClock(clock.Now)

	mem, err := New(cfg,
		WithCache(c),
		WithIndex(idx),
		WithDurable(store),
		WithEmbedder(embed.NewMock(32)),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	return mem, clock
}

func TestStoreAndRetrieve(t *testing.T) {
	ctx := context.Background()
	mem, _ := setup(t, nil)

	id, err := mem.Store(ctx, "the staging cluster was rebuilt this morning")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	results, err := mem.Retrieve(ctx, "staging cluster rebuilt", 5)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].Record.ID)
}

func TestStoreValidation(t *testing.T) {
	mem, _ := setup(t, nil)
	_, err := mem.Store(context.Background(), "")
	assert.ErrorIs(t, err, memerr.ErrInvalidInput)
}

func TestConcurrentStores(t *testing.T) {
	ctx := context.Background()
	mem, _ := setup(t, nil)

	const n = 50
	ids := make(chan string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := mem.Store(ctx, fmt.Sprintf("concurrent write %d", i))
			assert.NoError(t, err)
			ids <- id
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool, n)
	for id := range ids {
		assert.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(n), stats.EphemeralCount)
}

func TestLifecycleByImportance(t *testing.T) {
	ctx := context.Background()
	mem, clock := setup(t, nil)

	trivial, err := mem.Store(ctx, "idle remark about the weather", WithImportance(0.2))
	require.NoError(t, err)
	notable, err := mem.Store(ctx, "the customer asked for an export feature", WithImportance(0.7))
	require.NoError(t, err)
	critical, err := mem.Store(ctx, "the primary database is nearly full", WithImportance(0.9))
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	res, err := mem.RunConsolidationPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Promoted)
	assert.Equal(t, 1, res.Discarded)

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EphemeralCount)
	assert.Equal(t, 2, stats.RecentCount)
	assert.False(t, stats.LastPassAt.IsZero())

	_, err = mem.Get(ctx, trivial)
	assert.ErrorIs(t, err, memerr.ErrNotFound)
	for _, id := range []string{notable, critical} {
		got, err := mem.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, record.TierRecent, got.Tier)
	}
}

func TestForgetNeverResurrects(t *testing.T) {
	ctx := context.Background()
	mem, clock := setup(t, nil)

	id, err := mem.Store(ctx, "embarrassing but memorable incident", WithImportance(0.9))
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	_, err = mem.RunConsolidationPass(ctx)
	require.NoError(t, err)

	require.NoError(t, mem.Forget(ctx, id))

	_, err = mem.Get(ctx, id)
	assert.ErrorIs(t, err, memerr.ErrNotFound)

	clock.Advance(time.Second)
	_, err = mem.RunConsolidationPass(ctx)
	require.NoError(t, err)

	results, err := mem.Retrieve(ctx, "embarrassing memorable incident", 10)
	require.NoError(t, err)
	for _, res := range results {
		assert.NotEqual(t, id, res.Record.ID)
	}
}

func TestPinnedSurvivesExpiry(t *testing.T) {
	ctx := context.Background()
	mem, clock := setup(t, nil)

	id, err := mem.Store(ctx, "user prefers terse answers", WithImportance(0.1), WithPinned())
	require.NoError(t, err)

	clock.Advance(time.Minute)
	res, err := mem.RunConsolidationPass(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Promoted)
	assert.Zero(t, res.Discarded)

	// Low importance alone would have discarded it; the pin promotes it
	// into the recent tier instead.
	got, err := mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, record.TierRecent, got.Tier)
	assert.True(t, got.Pinned)

	stats, err := mem.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.EphemeralCount)
	assert.Equal(t, 1, stats.RecentCount)
}

func TestPinAndUnpin(t *testing.T) {
	ctx := context.Background()
	mem, clock := setup(t, nil)

	id, err := mem.Store(ctx, "pin me down", WithImportance(0.9))
	require.NoError(t, err)

	clock.Advance(3 * time.Second)
	_, err = mem.RunConsolidationPass(ctx)
	require.NoError(t, err)

	require.NoError(t, mem.Pin(ctx, id))
	got, err := mem.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Pinned)

	require.NoError(t, mem.Unpin(ctx, id))
	got, err = mem.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, got.Pinned)

	t.Run("unknown id", func(t *testing.T) {
		assert.ErrorIs(t, mem.Pin(ctx, "missing"), memerr.ErrNotFound)
	})
}

func TestAffectBoostIsCapped(t *testing.T) {
	ctx := context.Background()
	mem, _ := setup(t, nil)

	id, err := mem.Store(ctx, "emotionally charged moment",
		WithImportance(0.5), WithAffectBoost(0.9))
	require.NoError(t, err)

	// Stored importance is 0.5 + the 0.25 cap.
	got, err := mem.Get(ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, 0.75, got.Importance, 1e-9)
}

func TestGetIsNotAnAccess(t *testing.T) {
	ctx := context.Background()
	mem, _ := setup(t, nil)

	id, err := mem.Store(ctx, "observed without disturbance", WithImportance(0.5))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		got, err := mem.Get(ctx, id)
		require.NoError(t, err)
		assert.Zero(t, got.AccessCount)
		assert.InDelta(t, 0.5, got.Importance, 1e-9)
	}

	// Retrieval, by contrast, does count.
	_, err = mem.Retrieve(ctx, "observed without disturbance", 5)
	require.NoError(t, err)
	got, err := mem.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
}

func TestRetrieveWithFilter(t *testing.T) {
	ctx := context.Background()
	mem, _ := setup(t, nil)

	_, err := mem.Store(ctx, "filterable low note", WithImportance(0.2))
	require.NoError(t, err)
	keep, err := mem.Store(ctx, "filterable high note", WithImportance(0.9))
	require.NoError(t, err)

	results, err := mem.Retrieve(ctx, "filterable note", 10,
		WithFilter("importance > 0.5"))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keep, results[0].Record.ID)

	t.Run("invalid expression", func(t *testing.T) {
		_, err := mem.Retrieve(ctx, "anything", 5, WithFilter("importance >"))
		assert.ErrorIs(t, err, memerr.ErrInvalidInput)
	})
}

func TestRetrieveWithoutQueryText(t *testing.T) {
	ctx := context.Background()
	mem, clock := setup(t, nil)

	older, err := mem.Store(ctx, "context gathered earlier", WithImportance(0.5))
	require.NoError(t, err)
	clock.Advance(time.Second)
	newer, err := mem.Store(ctx, "context gathered just now", WithImportance(0.5))
	require.NoError(t, err)

	// A task consumer pulls the latest records with no query at all;
	// ranking falls back to recency and importance.
	results, err := mem.Retrieve(ctx, "", 5)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, newer, results[0].Record.ID)
	assert.Equal(t, older, results[1].Record.ID)
	for _, res := range results {
		assert.Zero(t, res.Similarity)
	}
}

func TestForgetTakesDownSummaries(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	clock := newTestClock()

	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(cache.RedisOptions{
		URL: "redis://" + mr.Addr(),
		TTL: cfg.Ephemeral.GetTTL(),
	})
	require.NoError(t, err)
	c.SetClock(clock.Now)

	idx := index.NewMemory()
	idx.SetClock(clock.Now)

	store, err := durable.NewSQLite(filepath.Join(t.TempDir(), "mnemo.db"))
	require.NoError(t, err)
	store.SetClock(clock.Now)

	mem, err := New(cfg,
		WithCache(c),
		WithIndex(idx),
		WithDurable(store),
		WithEmbedder(embed.NewMock(32)),
		WithClock(clock.Now),
	)
	require.NoError(t, err)
	t.Cleanup(func() { mem.Close() })

	source := record.New("the secret launch date slipped", "", 0.4, false, clock.Now())
	require.NoError(t, source.Promote(record.TierRecent))
	require.NoError(t, source.Promote(record.TierDurable))
	require.NoError(t, store.Append(ctx, source))

	sum := record.New("the secret launch date slipped\nother standup chatter", "", 0.6, false, clock.Now())
	require.NoError(t, sum.Promote(record.TierRecent))
	require.NoError(t, sum.Promote(record.TierSummary))
	sum.SourceIDs = []string{source.ID, record.NewID()}
	require.NoError(t, store.Append(ctx, sum))

	require.NoError(t, mem.Forget(ctx, source.ID))

	// The summary concatenated the source's content; it goes down with it.
	_, err = mem.Get(ctx, sum.ID)
	assert.ErrorIs(t, err, memerr.ErrNotFound)

	results, err := mem.Retrieve(ctx, "secret launch date", 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestTierScopedRetrieve(t *testing.T) {
	ctx := context.Background()
	mem, clock := setup(t, nil)

	promoted, err := mem.Store(ctx, "scoped memo about billing", WithImportance(0.9))
	require.NoError(t, err)
	clock.Advance(3 * time.Second)
	_, err = mem.RunConsolidationPass(ctx)
	require.NoError(t, err)

	_, err = mem.Store(ctx, "scoped memo still fresh", WithImportance(0.3))
	require.NoError(t, err)

	results, err := mem.Retrieve(ctx, "scoped memo", 10,
		WithTiers(record.TierRecent))
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, promoted, results[0].Record.ID)
}
