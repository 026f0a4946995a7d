package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Key layout:
//
//	pc:entry:<id>             hash   product-search cache entry
//	pc:image:<id>             hash   generated-image cache entry
//	pc:stats:<locationId>     hash   warming stats
//	pc:idx:entries:expires    zset   entry id scored by expires_at (ms)
//	pc:idx:images:created     zset   image id scored by created_at (ms)
//	pc:locations:active       set    location ids configured by active accounts
const (
	entryPrefix     = "pc:entry:"
	imagePrefix     = "pc:image:"
	statsPrefix     = "pc:stats:"
	entryExpiresIdx = "pc:idx:entries:expires"
	imageCreatedIdx = "pc:idx:images:created"

	// ActiveLocationsKey is maintained by the account service.
	ActiveLocationsKey = "pc:locations:active"
)

const defaultStoreTimeout = 2 * time.Second

// upsertStatsScript merges warming stats and keeps last_warmed_at monotonic.
// KEYS[1] = stats hash
// ARGV[1] = last_warmed_at (unix ms)
// ARGV[2] = location id
// ARGV[3] = items warmed
// ARGV[4] = errors
// ARGV[5] = warm type
// ARGV[6] = warmed by ("" leaves the stored value untouched)
var upsertStatsScript = redis.NewScript(`
		local key  = KEYS[1]
		local last = ARGV[1]
		local cur  = redis.call('HGET', key, 'last_warmed_at')
		if cur and tonumber(cur) > tonumber(last) then
			last = cur
		end

		redis.call('HSET', key,
			'location_id', ARGV[2],
			'last_warmed_at', last,
			'items_warmed', ARGV[3],
			'errors', ARGV[4],
			'warm_type', ARGV[5])
		if ARGV[6] ~= '' then
			redis.call('HSET', key, 'warmed_by', ARGV[6])
		end
		return 1
`)

// recordHitScript bumps the hit counter only when the entry exists.
// KEYS[1] = entry hash
// ARGV[1] = last_accessed_at (unix ms)
// Returns 1 on success, 0 when the entry is missing.
var recordHitScript = redis.NewScript(`
		if redis.call('EXISTS', KEYS[1]) == 0 then
			return 0
		end
		redis.call('HINCRBY', KEYS[1], 'hit_count', 1)
		redis.call('HSET', KEYS[1], 'last_accessed_at', ARGV[1])
		return 1
`)

// RedisStore is a Redis-backed Store.
//
// Entries and stats are hashes so an upsert writes only the fields it owns
// (HSET) and leaves the rest untouched. Expiry and age are mirrored into
// sorted sets so FindStale is a single ZRANGEBYSCORE.
type RedisStore struct {
	client       *redis.Client
	queryTimeout time.Duration
}

// NewRedisStoreFromClient wraps an existing Redis client in a RedisStore.
// The caller owns the client lifecycle (creation and Close).
func NewRedisStoreFromClient(redisCli *redis.Client) *RedisStore {
	return &RedisStore{client: redisCli, queryTimeout: defaultStoreTimeout}
}

// NewRedisStoreFromURL parses redisURL, creates a Redis client, verifies the
// connection with a PING, and returns a RedisStore.
func NewRedisStoreFromURL(ctx context.Context, redisURL string) (*RedisStore, error) {
	if ctx == nil {
		return nil, fmt.Errorf("cache: context must not be nil")
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("cache: parse url: %w", err)
	}

	cli := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := cli.Ping(pingCtx).Err(); err != nil {
		_ = cli.Close()
		return nil, fmt.Errorf("cache: ping: %w", err)
	}

	return &RedisStore{client: cli, queryTimeout: defaultStoreTimeout}, nil
}

func (s *RedisStore) UpsertEntry(ctx context.Context, e *Entry) error {
	if e == nil || e.LocationID == "" || e.NormalizedTerm == "" {
		return fmt.Errorf("cache: upsert entry: location and normalized term are required")
	}

	products, err := json.Marshal(e.Products)
	if err != nil {
		return fmt.Errorf("cache: upsert entry: marshal products: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	id := e.ID()
	key := entryPrefix + id

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, map[string]any{
			"location_id":     e.LocationID,
			"term":            e.Term,
			"normalized_term": e.NormalizedTerm,
			"source":          e.Source,
			"products":        products,
			"total":           e.Total,
			"created_at":      e.CreatedAt.UnixMilli(),
			"updated_at":      e.UpdatedAt.UnixMilli(),
			"expires_at":      e.ExpiresAt.UnixMilli(),
			"warmed_at":       e.WarmedAt.UnixMilli(),
		})
		pipe.HSetNX(ctx, key, "hit_count", 0)
		pipe.ZAdd(ctx, entryExpiresIdx, redis.Z{Score: float64(e.ExpiresAt.UnixMilli()), Member: id})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: upsert entry %s: %w", id, err)
	}
	return nil
}

func (s *RedisStore) Entry(ctx context.Context, key Key) (*Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	h, err := s.client.HGetAll(ctx, entryPrefix+key.ID()).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get entry %s: %w", key.ID(), err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}

	e := &Entry{
		LocationID:     h["location_id"],
		Term:           h["term"],
		NormalizedTerm: h["normalized_term"],
		Source:         h["source"],
		Total:          atoi(h["total"]),
		CreatedAt:      msTime(h["created_at"]),
		UpdatedAt:      msTime(h["updated_at"]),
		ExpiresAt:      msTime(h["expires_at"]),
		WarmedAt:       msTime(h["warmed_at"]),
		HitCount:       int64(atoi(h["hit_count"])),
		LastAccessedAt: msTime(h["last_accessed_at"]),
	}
	if raw := h["products"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &e.Products); err != nil {
			return nil, fmt.Errorf("cache: decode products %s: %w", key.ID(), err)
		}
	}
	return e, nil
}

func (s *RedisStore) RecordHit(ctx context.Context, key Key, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	n, err := recordHitScript.Run(ctx, s.client, []string{entryPrefix + key.ID()}, at.UnixMilli()).Int()
	if err != nil {
		return fmt.Errorf("cache: record hit %s: %w", key.ID(), err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *RedisStore) Stats(ctx context.Context, locationID string) (*WarmingStats, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	h, err := s.client.HGetAll(ctx, statsPrefix+locationID).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: get stats %s: %w", locationID, err)
	}
	if len(h) == 0 {
		return nil, ErrNotFound
	}

	return &WarmingStats{
		LocationID:   locationID,
		LastWarmedAt: msTime(h["last_warmed_at"]),
		ItemsWarmed:  atoi(h["items_warmed"]),
		Errors:       atoi(h["errors"]),
		WarmedBy:     h["warmed_by"],
		WarmType:     WarmType(h["warm_type"]),
	}, nil
}

func (s *RedisStore) UpsertStats(ctx context.Context, st *WarmingStats) error {
	if st == nil || st.LocationID == "" {
		return fmt.Errorf("cache: upsert stats: location is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	err := upsertStatsScript.Run(ctx, s.client,
		[]string{statsPrefix + st.LocationID},
		st.LastWarmedAt.UnixMilli(),
		st.LocationID,
		st.ItemsWarmed,
		st.Errors,
		string(st.WarmType),
		st.WarmedBy,
	).Err()
	if err != nil {
		return fmt.Errorf("cache: upsert stats %s: %w", st.LocationID, err)
	}
	return nil
}

func (s *RedisStore) PutImage(ctx context.Context, img *ImageEntry) error {
	if img == nil || img.ID == "" {
		return fmt.Errorf("cache: put image: id is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, imagePrefix+img.ID, map[string]any{
			"prompt":     img.Prompt,
			"url":        img.URL,
			"created_at": img.CreatedAt.UnixMilli(),
		})
		pipe.ZAdd(ctx, imageCreatedIdx, redis.Z{Score: float64(img.CreatedAt.UnixMilli()), Member: img.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: put image %s: %w", img.ID, err)
	}
	return nil
}

func (s *RedisStore) FindStale(ctx context.Context, q StaleQuery) ([]string, error) {
	idx, _, err := redisCollection(q.Collection)
	if err != nil {
		return nil, err
	}
	if q.Limit <= 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	// "(" makes the upper bound exclusive: strictly before q.Before.
	ids, err := s.client.ZRangeByScore(ctx, idx, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   "(" + strconv.FormatInt(q.Before.UnixMilli(), 10),
		Count: int64(q.Limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: find stale %s: %w", q.Collection, err)
	}
	return ids, nil
}

func (s *RedisStore) DeleteBatch(ctx context.Context, collection Collection, ids []string) error {
	idx, prefix, err := redisCollection(collection)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	keys := make([]string, len(ids))
	members := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = prefix + id
		members[i] = id
	}

	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	// MULTI/EXEC: the page is removed as a unit or not at all.
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.ZRem(ctx, idx, members...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache: delete batch %s (%d ids): %w", collection, len(ids), err)
	}
	return nil
}

func (s *RedisStore) ActiveLocations(ctx context.Context, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()

	seen := make(map[string]struct{})
	var locs []string
	var cursor uint64
	for {
		batch, next, err := s.client.SScan(ctx, ActiveLocationsKey, cursor, "", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("cache: scan active locations: %w", err)
		}
		for _, l := range batch {
			if _, dup := seen[l]; dup || l == "" {
				continue
			}
			seen[l] = struct{}{}
			locs = append(locs, l)
			if limit > 0 && len(locs) >= limit {
				return locs, nil
			}
		}
		if next == 0 {
			return locs, nil
		}
		cursor = next
	}
}

func (s *RedisStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	return s.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func redisCollection(c Collection) (index, prefix string, err error) {
	switch c {
	case Products:
		return entryExpiresIdx, entryPrefix, nil
	case Images:
		return imageCreatedIdx, imagePrefix, nil
	}
	return "", "", fmt.Errorf("cache: unknown collection %q", c)
}

func msTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil || ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func atoi(v string) int {
	n, _ := strconv.Atoi(v)
	return n
}

var _ Store = (*RedisStore)(nil)
