package cache

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mnemo-ai/mnemo/memerr"
	"github.com/mnemo-ai/mnemo/record"
)

// casAttempts bounds optimistic retries of the access-tracking transaction
// inside Get before the hit is served without a touch.
const casAttempts = 8

// RedisOptions configures the Redis-backed ephemeral cache.
type RedisOptions struct {
	// URL is the Redis connection string (e.g., "redis://localhost:6379").
	URL string

	// TLS configuration for secure connections.
	TLS *tls.Config

	// ConnectTimeout is the maximum time to wait for connection establishment.
	ConnectTimeout time.Duration

	// ReadTimeout is the maximum time to wait for read operations.
	ReadTimeout time.Duration

	// WriteTimeout is the maximum time to wait for write operations.
	WriteTimeout time.Duration

	// Prefix namespaces every key this cache writes. Default: "mnemo".
	Prefix string

	// TTL is the fixed retention period for non-pinned records.
	TTL time.Duration

	// AccessBoost is the importance increment applied on each hit.
	AccessBoost float64

	// Logger receives structured diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// RedisCache implements Cache on Redis.
//
// Layout (all keys under the configured prefix):
//
//	<prefix>:rec:<id>  JSON-encoded record
//	<prefix>:created   ZSET id scored by CreatedAt (drives Expire)
//	<prefix>:touched   ZSET id scored by last create-or-access (drives Scan)
//
// Records carry their own timestamps rather than relying on Redis EXPIRE:
// the consolidation engine must see an expired record's importance before
// deciding to promote or discard it, so expiry reclaims keys explicitly.
type RedisCache struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	accessBoost float64
	logger      *slog.Logger

	// now is injectable for TTL tests.
	now func() time.Time
}

// NewRedis creates a Redis-backed ephemeral cache and verifies connectivity.
func NewRedis(opts RedisOptions) (*RedisCache, error) {
	if opts.URL == "" {
		opts.URL = "redis://localhost:6379"
	}
	if opts.ConnectTimeout == 0 {
		opts.ConnectTimeout = 5 * time.Second
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = 30 * time.Second
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Prefix == "" {
		opts.Prefix = "mnemo"
	}
	if opts.TTL <= 0 {
		opts.TTL = 30 * time.Minute
	}
	if opts.AccessBoost <= 0 {
		opts.AccessBoost = 0.05
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	redisOpts, err := redis.ParseURL(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	redisOpts.TLSConfig = opts.TLS
	redisOpts.DialTimeout = opts.ConnectTimeout
	redisOpts.ReadTimeout = opts.ReadTimeout
	redisOpts.WriteTimeout = opts.WriteTimeout

	client := redis.NewClient(redisOpts)

	ctx, cancel := context.WithTimeout(context.Background(), opts.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisCache{
		client:      client,
		prefix:      opts.Prefix,
		ttl:         opts.TTL,
		accessBoost: opts.AccessBoost,
		logger:      opts.Logger,
		now:         time.Now,
	}, nil
}

// SetClock overrides the cache's clock. Intended for tests.
func (c *RedisCache) SetClock(now func() time.Time) {
	c.now = now
}

// TTL returns the configured retention period.
func (c *RedisCache) TTL() time.Duration {
	return c.ttl
}

func (c *RedisCache) recKey(id string) string {
	return c.prefix + ":rec:" + id
}

func (c *RedisCache) createdKey() string {
	return c.prefix + ":created"
}

func (c *RedisCache) touchedKey() string {
	return c.prefix + ":touched"
}

// microScore converts a timestamp to a ZSET score. Microsecond resolution
// stays inside float64's exact integer range; ties are broken by record id
// in the Scan cursor.
func microScore(t time.Time) float64 {
	return float64(t.UnixMicro())
}

func (c *RedisCache) expired(rec *record.MemoryRecord, now time.Time) bool {
	return !rec.Pinned && now.Sub(rec.CreatedAt) >= c.ttl
}

func storageErr(op string, err error) error {
	return memerr.Storage(op, errors.Join(memerr.ErrStorageUnavailable, err))
}

// Put stores a record and returns its id, assigning one if needed.
func (c *RedisCache) Put(ctx context.Context, rec *record.MemoryRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = record.NewID()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", memerr.Internal("cache.Put", err)
	}

	pipe := c.client.TxPipeline()
	pipe.Set(ctx, c.recKey(rec.ID), data, 0)
	pipe.ZAdd(ctx, c.createdKey(), redis.Z{Score: microScore(rec.CreatedAt), Member: rec.ID})
	pipe.ZAdd(ctx, c.touchedKey(), redis.Z{Score: microScore(rec.LastAccessedAt), Member: rec.ID})
	if _, err := pipe.Exec(ctx); err != nil {
		return "", storageErr("cache.Put", err)
	}
	return rec.ID, nil
}

// Get returns the record for id, updating its access tracking via an
// optimistic transaction. Expired records are invisible.
func (c *RedisCache) Get(ctx context.Context, id string) (*record.MemoryRecord, error) {
	key := c.recKey(id)
	var result *record.MemoryRecord

	for attempt := 0; attempt < casAttempts; attempt++ {
		err := c.client.Watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.Get(ctx, key).Result()
			if err == redis.Nil {
				return memerr.NotFound("cache.Get", memerr.ErrNotFound)
			}
			if err != nil {
				return storageErr("cache.Get", err)
			}

			var rec record.MemoryRecord
			if err := json.Unmarshal([]byte(data), &rec); err != nil {
				return memerr.Internal("cache.Get", err)
			}
			if c.expired(&rec, c.now()) {
				return memerr.NotFound("cache.Get", memerr.ErrNotFound)
			}

			rec.Touch(c.now(), c.accessBoost)
			updated, err := json.Marshal(&rec)
			if err != nil {
				return memerr.Internal("cache.Get", err)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, key, updated, 0)
				pipe.ZAdd(ctx, c.touchedKey(), redis.Z{Score: microScore(rec.LastAccessedAt), Member: rec.ID})
				return nil
			})
			if err != nil {
				return err
			}
			result = &rec
			return nil
		}, key)

		if err == redis.TxFailedErr {
			continue // concurrent writer won; re-read and retry
		}
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	// Contention exhausted the retry budget: serve the read without the
	// access-tracking side effect rather than failing a foreground call.
	c.logger.Debug("cache get served without touch after contention", "id", id)
	return c.Peek(ctx, id)
}

// Peek reads a record without touching it.
func (c *RedisCache) Peek(ctx context.Context, id string) (*record.MemoryRecord, error) {
	data, err := c.client.Get(ctx, c.recKey(id)).Result()
	if err == redis.Nil {
		return nil, memerr.NotFound("cache.Peek", memerr.ErrNotFound)
	}
	if err != nil {
		return nil, storageErr("cache.Peek", err)
	}
	var rec record.MemoryRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, memerr.Internal("cache.Peek", err)
	}
	if c.expired(&rec, c.now()) {
		return nil, memerr.NotFound("cache.Peek", memerr.ErrNotFound)
	}
	return &rec, nil
}

// Scan pages through records created or touched after since. Expired
// records are skipped without counting against limit fulfillment; the
// returned cursor resumes after the last physically visited entry.
func (c *RedisCache) Scan(ctx context.Context, since time.Time, cursor Cursor, limit int) ([]*record.MemoryRecord, Cursor, bool, error) {
	if limit <= 0 {
		limit = 64
	}

	min := microScore(since)
	if float64(cursor.LastTouched) > min {
		min = float64(cursor.LastTouched)
	}

	entries, err := c.client.ZRangeByScoreWithScores(ctx, c.touchedKey(), &redis.ZRangeBy{
		Min:   fmt.Sprintf("%d", int64(min)),
		Max:   "+inf",
		Count: int64(limit) + 1,
	}).Result()
	if err != nil {
		return nil, cursor, false, storageErr("cache.Scan", err)
	}

	now := c.now()
	var recs []*record.MemoryRecord
	next := cursor
	seen := 0
	for _, entry := range entries {
		id, _ := entry.Member.(string)
		// Skip entries already covered by the cursor at the same score.
		if int64(entry.Score) == cursor.LastTouched && cursor.LastID != "" && id <= cursor.LastID {
			continue
		}
		if seen == limit {
			return recs, next, false, nil
		}
		seen++
		next = Cursor{LastTouched: int64(entry.Score), LastID: id}

		data, err := c.client.Get(ctx, c.recKey(id)).Result()
		if err == redis.Nil {
			continue // reclaimed between ZSET read and fetch
		}
		if err != nil {
			return nil, cursor, false, storageErr("cache.Scan", err)
		}
		var rec record.MemoryRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			c.logger.Warn("skipping undecodable cache record", "id", id, "error", err)
			continue
		}
		if c.expired(&rec, now) {
			continue
		}
		recs = append(recs, &rec)
	}
	return recs, next, true, nil
}

// Expire returns every record past TTL. Non-pinned records are physically
// removed; pinned ones are handed back without deletion so the caller can
// promote them first and complete the move with Remove.
func (c *RedisCache) Expire(ctx context.Context) ([]*record.MemoryRecord, error) {
	deadline := c.now().Add(-c.ttl)
	ids, err := c.client.ZRangeByScore(ctx, c.createdKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", deadline.UnixMicro()),
	}).Result()
	if err != nil {
		return nil, storageErr("cache.Expire", err)
	}

	var expired []*record.MemoryRecord
	for _, id := range ids {
		data, err := c.client.Get(ctx, c.recKey(id)).Result()
		if err == redis.Nil {
			// Stale index entry; drop it.
			c.client.ZRem(ctx, c.createdKey(), id)
			c.client.ZRem(ctx, c.touchedKey(), id)
			continue
		}
		if err != nil {
			return expired, storageErr("cache.Expire", err)
		}
		var rec record.MemoryRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			c.logger.Warn("reclaiming undecodable cache record", "id", id, "error", err)
			c.delete(ctx, id)
			continue
		}
		if !rec.Pinned {
			if err := c.delete(ctx, id); err != nil {
				return expired, err
			}
		}
		expired = append(expired, &rec)
	}
	return expired, nil
}

// Remove deletes the record only if its stored version still equals version.
func (c *RedisCache) Remove(ctx context.Context, id string, version int64) error {
	key := c.recKey(id)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return memerr.NotFound("cache.Remove", memerr.ErrNotFound)
		}
		if err != nil {
			return storageErr("cache.Remove", err)
		}
		var rec record.MemoryRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return memerr.Internal("cache.Remove", err)
		}
		if rec.Version != version {
			return memerr.Conflict("cache.Remove", memerr.ErrVersionConflict)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.ZRem(ctx, c.createdKey(), id)
			pipe.ZRem(ctx, c.touchedKey(), id)
			return nil
		})
		return err
	}, key)

	if err == redis.TxFailedErr {
		return memerr.Conflict("cache.Remove", memerr.ErrVersionConflict)
	}
	return err
}

// Update overwrites the stored record if the stored version equals
// rec.Version-1.
func (c *RedisCache) Update(ctx context.Context, rec *record.MemoryRecord) error {
	key := c.recKey(rec.ID)
	err := c.client.Watch(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Result()
		if err == redis.Nil {
			return memerr.NotFound("cache.Update", memerr.ErrNotFound)
		}
		if err != nil {
			return storageErr("cache.Update", err)
		}
		var stored record.MemoryRecord
		if err := json.Unmarshal([]byte(data), &stored); err != nil {
			return memerr.Internal("cache.Update", err)
		}
		if stored.Version != rec.Version-1 {
			return memerr.Conflict("cache.Update", memerr.ErrVersionConflict)
		}
		updated, err := json.Marshal(rec)
		if err != nil {
			return memerr.Internal("cache.Update", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.ZAdd(ctx, c.touchedKey(), redis.Z{Score: microScore(rec.LastAccessedAt), Member: rec.ID})
			return nil
		})
		return err
	}, key)

	if err == redis.TxFailedErr {
		return memerr.Conflict("cache.Update", memerr.ErrVersionConflict)
	}
	return err
}

// Forget unconditionally deletes the record.
func (c *RedisCache) Forget(ctx context.Context, id string) error {
	exists, err := c.client.Exists(ctx, c.recKey(id)).Result()
	if err != nil {
		return storageErr("cache.Forget", err)
	}
	if exists == 0 {
		return memerr.NotFound("cache.Forget", memerr.ErrNotFound)
	}
	return c.delete(ctx, id)
}

func (c *RedisCache) delete(ctx context.Context, id string) error {
	pipe := c.client.TxPipeline()
	pipe.Del(ctx, c.recKey(id))
	pipe.ZRem(ctx, c.createdKey(), id)
	pipe.ZRem(ctx, c.touchedKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return storageErr("cache.Forget", err)
	}
	return nil
}

// Count returns the number of physically present records.
func (c *RedisCache) Count(ctx context.Context) (int64, error) {
	n, err := c.client.ZCard(ctx, c.createdKey()).Result()
	if err != nil {
		return 0, storageErr("cache.Count", err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
