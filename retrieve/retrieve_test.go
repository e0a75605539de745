package retrieve

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
	"github.com/mnemo-ai/mnemo/filter"
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

type harness struct {
	coord   *Coordinator
	cache   *cache.RedisCache
	index   *index.Memory
	durable *durable.SQLiteStore
	mock    *embed.Mock
	clock   *testClock
}

func setup(t *testing.T) *harness {
	t.Helper()

	cfg := config.Default()
	clock := newTestClock()

	mr := miniredis.RunT(t)
	c, err := cache.NewRedis(cache.RedisOptions{
		URL:         "redis://" + mr.Addr(),
		TTL:         cfg.Ephemeral.GetTTL(),
		AccessBoost: cfg.Ephemeral.AccessBoost,
	})
	require.NoError(t, err)
	c.SetClock(clock.Now)
	t.Cleanup(func() { c.Close() })

	idx := index.NewMemory()
	idx.SetClock(clock.Now)

	store, err := durable.NewSQLite(filepath.Join(t.TempDir(), "mnemo.db"))
	require.NoError(t, err)
	store.SetClock(clock.Now)
	t.Cleanup(func() { store.Close() })

	mock := embed.NewMock(32)

	coord, err := New(Options{
		Cache:    c,
		Index:    idx,
		Durable:  store,
		Embedder: mock,
		Config:   cfg,
	})
	require.NoError(t, err)
	coord.SetClock(clock.Now)

	return &harness{coord: coord, cache: c, index: idx, durable: store, mock: mock, clock: clock}
}

func (h *harness) ephemeral(t *testing.T, content string, importance float64) *record.MemoryRecord {
	t.Helper()
	rec := record.New(content, "", importance, false, h.clock.Now())
	_, err := h.cache.Put(context.Background(), rec)
	require.NoError(t, err)
	return rec
}

func (h *harness) recent(t *testing.T, content string, importance float64) *record.MemoryRecord {
	t.Helper()
	rec := record.New(content, "", importance, false, h.clock.Now())
	require.NoError(t, rec.Promote(record.TierRecent))
	vec, err := h.mock.Embed(context.Background(), content)
	require.NoError(t, err)
	rec.Embedding = vec
	require.NoError(t, h.index.Upsert(context.Background(), rec))
	return rec
}

func (h *harness) stored(t *testing.T, content string, importance float64) *record.MemoryRecord {
	t.Helper()
	rec := record.New(content, "", importance, false, h.clock.Now())
	require.NoError(t, rec.Promote(record.TierRecent))
	require.NoError(t, rec.Promote(record.TierDurable))
	vec, err := h.mock.Embed(context.Background(), content)
	require.NoError(t, err)
	rec.Embedding = vec
	require.NoError(t, h.durable.Append(context.Background(), rec))
	return rec
}

func TestValidation(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	_, err := h.coord.Retrieve(ctx, Query{Text: "status", K: 0})
	assert.ErrorIs(t, err, memerr.ErrInvalidInput)

	_, err = h.coord.Retrieve(ctx, Query{Text: "status", K: -1})
	assert.ErrorIs(t, err, memerr.ErrInvalidInput)
}

func TestEmptyQueryPullsRecent(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	old := h.recent(t, "stale context from yesterday", 0.5)
	h.clock.Advance(12 * time.Hour)
	eph := h.ephemeral(t, "just happened", 0.5)
	rec := h.recent(t, "indexed moments ago", 0.5)
	dur := h.stored(t, "archived moments ago", 0.5)

	// No query text: the freshest records come back across all tiers,
	// ranked on recency and importance, without touching the embedder.
	h.mock.Fail(memerr.ErrProviderUnavailable)
	results, err := h.coord.Retrieve(ctx, Query{Text: "", K: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := make(map[string]bool)
	for _, res := range results {
		ids[res.Record.ID] = true
		assert.Zero(t, res.Similarity)
	}
	assert.True(t, ids[eph.ID])
	assert.True(t, ids[rec.ID])
	assert.True(t, ids[dur.ID])
	assert.False(t, ids[old.ID], "the stale record loses the recency race")

	t.Run("whitespace counts as empty", func(t *testing.T) {
		results, err := h.coord.Retrieve(ctx, Query{Text: "  ", K: 5})
		require.NoError(t, err)
		assert.NotEmpty(t, results)
	})
}

func TestRetrieveAcrossTiers(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	eph := h.ephemeral(t, "status update drafted just now", 0.5)
	rec := h.recent(t, "status update for the platform migration", 0.6)
	dur := h.stored(t, "quarterly status report archived", 0.7)
	h.recent(t, "completely unrelated grocery list", 0.1)

	results, err := h.coord.Retrieve(ctx, Query{Text: "status update", K: 3})
	require.NoError(t, err)
	require.Len(t, results, 3)

	ids := make(map[string]bool)
	for _, res := range results {
		ids[res.Record.ID] = true
		assert.Positive(t, res.Score)
	}
	assert.True(t, ids[eph.ID])
	assert.True(t, ids[rec.ID])
	assert.True(t, ids[dur.ID])
}

func TestRankingPrefersSimilarity(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	relevant := h.recent(t, "database migration plan for postgres", 0.5)
	h.recent(t, "lunch order from the thai place", 0.5)

	results, err := h.coord.Retrieve(ctx, Query{Text: "database migration plan", K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, relevant.ID, results[0].Record.ID)
	assert.Greater(t, results[0].Similarity, results[1].Similarity)
}

func TestKTruncates(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	for i := 0; i < 5; i++ {
		h.recent(t, fmt.Sprintf("note %d about the incident", i), 0.5)
	}

	results, err := h.coord.Retrieve(ctx, Query{Text: "incident", K: 2})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestDedupAcrossTiers(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	// A record caught mid-promotion exists in both the cache and the index.
	rec := h.ephemeral(t, "duplicate across tiers", 0.7)
	promoted := rec.Clone()
	require.NoError(t, promoted.Promote(record.TierRecent))
	vec, err := h.mock.Embed(ctx, promoted.Content)
	require.NoError(t, err)
	promoted.Embedding = vec
	require.NoError(t, h.index.Upsert(ctx, promoted))

	results, err := h.coord.Retrieve(ctx, Query{Text: "duplicate across tiers", K: 10})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, rec.ID, results[0].Record.ID)
}

func TestTouchSideEffects(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	rec := h.recent(t, "touched on retrieval", 0.5)
	dur := h.stored(t, "durable touched on retrieval", 0.5)

	_, err := h.coord.Retrieve(ctx, Query{Text: "touched on retrieval", K: 5})
	require.NoError(t, err)

	got, err := h.index.Get(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	assert.Equal(t, rec.Version+1, got.Version)

	gotDur, err := h.durable.Get(ctx, dur.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), gotDur.AccessCount)
}

func TestDegradedRanking(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	important := h.recent(t, "very important fact", 0.9)
	h.recent(t, "forgettable aside", 0.1)

	h.mock.Fail(memerr.ErrProviderUnavailable)

	results, err := h.coord.Retrieve(ctx, Query{Text: "anything at all", K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)

	// Without similarity the important record wins on the importance term.
	assert.Equal(t, important.ID, results[0].Record.ID)
	for _, res := range results {
		assert.Zero(t, res.Similarity)
	}
}

func TestFilterNarrowsResults(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	keep := h.recent(t, "filtered retrieval target", 0.8)
	h.recent(t, "filtered retrieval noise", 0.2)

	f := filter.MustCompile("importance > 0.5")
	results, err := h.coord.Retrieve(ctx, Query{Text: "filtered retrieval", K: 10, Filter: f})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, keep.ID, results[0].Record.ID)
}

func TestTierScopedQuery(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	h.ephemeral(t, "scoped query material", 0.5)
	rec := h.recent(t, "scoped query material indexed", 0.5)
	h.stored(t, "scoped query material archived", 0.5)

	results, err := h.coord.Retrieve(ctx, Query{
		Text:  "scoped query material",
		K:     10,
		Tiers: []record.Tier{record.TierRecent},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, rec.ID, results[0].Record.ID)
}

func TestRecencyDecaysScore(t *testing.T) {
	ctx := context.Background()
	h := setup(t)

	old := h.recent(t, "stale entry about deployments", 0.5)
	h.clock.Advance(12 * time.Hour)
	fresh := h.recent(t, "fresh entry about deployments", 0.5)

	results, err := h.coord.Retrieve(ctx, Query{Text: "entry about deployments", K: 2})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, fresh.ID, results[0].Record.ID)
	assert.Equal(t, old.ID, results[1].Record.ID)
	assert.Greater(t, results[0].Recency, results[1].Recency)
}
