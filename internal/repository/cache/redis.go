package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

type RedisCache struct {
	client      *redis.Client
	prefix      string
	ttl         time.Duration
	maxElements int
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	Prefix      string
	TTL         time.Duration
	MaxElements int
}

func NewRedisCache(cfg RedisConfig) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	ttl := cfg.TTL
	if ttl == 0 {
		ttl = DefaultMaxAge
	}
	maxElements := cfg.MaxElements
	if maxElements == 0 {
		maxElements = DefaultMaxElements
	}

	return &RedisCache{
		client:      client,
		prefix:      cfg.Prefix,
		ttl:         ttl,
		maxElements: maxElements,
	}, nil
}

var _ TileCache = (*RedisCache)(nil)

func (c *RedisCache) keyFor(k TileCacheKey) string {
	return fmt.Sprintf("%stile:%s:%d:%d:%d", c.prefix, k.Set, k.Z, k.X, k.Y)
}

// indexKey is a sorted set of tile keys scored by store time, used for eviction.
func (c *RedisCache) indexKey() string {
	return c.prefix + "tiles:index"
}

func (c *RedisCache) Get(ctx context.Context, k TileCacheKey) (CachedTile, error) {
	vals, err := c.client.HMGet(ctx, c.keyFor(k), "subtype", "data").Result()
	if err != nil {
		return CachedTile{}, fmt.Errorf("redis get error: %w", err)
	}

	subtype, _ := vals[0].(string)
	data, _ := vals[1].(string)
	if subtype == "" {
		return CachedTile{}, nil
	}

	return CachedTile{Subtype: subtype, Data: []byte(data)}, nil
}

func (c *RedisCache) BeginStore(ctx context.Context, k TileCacheKey, subtype string) (TileWriter, error) {
	if err := validSubtype(subtype); err != nil {
		return nil, err
	}

	ctx = context.WithoutCancel(ctx)

	return &bufferedWriter{commit: func(data []byte) error {
		return c.set(ctx, k, subtype, data)
	}}, nil
}

func (c *RedisCache) set(ctx context.Context, k TileCacheKey, subtype string, data []byte) error {
	key := c.keyFor(k)
	now := time.Now()

	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "subtype", subtype, "data", data)
		pipe.Expire(ctx, key, c.ttl)
		pipe.ZAdd(ctx, c.indexKey(), redis.Z{Score: float64(now.UnixMilli()), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis set error: %w", err)
	}

	return nil
}

// Sweep trims the index. Redis expires the tiles themselves, so expired
// index members only need removing; the oldest live tiles are evicted when
// the index is above the cap.
func (c *RedisCache) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	index := c.indexKey()

	cutoff := strconv.FormatInt(time.Now().Add(-c.ttl).UnixMilli(), 10)
	expired, err := c.client.ZRemRangeByScore(ctx, index, "-inf", "("+cutoff).Result()
	if err != nil {
		return stats, fmt.Errorf("redis sweep expired: %w", err)
	}
	stats.Expired = int(expired)

	count, err := c.client.ZCard(ctx, index).Result()
	if err != nil {
		return stats, fmt.Errorf("redis sweep count: %w", err)
	}
	stats.Scanned = int(count) + stats.Expired

	excess := count - int64(c.maxElements)
	if excess <= 0 {
		return stats, nil
	}

	oldest, err := c.client.ZPopMin(ctx, index, excess).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return stats, nil
		}
		return stats, fmt.Errorf("redis sweep evict: %w", err)
	}

	keys := make([]string, 0, len(oldest))
	for _, z := range oldest {
		if key, ok := z.Member.(string); ok {
			keys = append(keys, key)
		}
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return stats, fmt.Errorf("redis sweep delete: %w", err)
		}
	}
	stats.Evicted = len(keys)

	return stats, nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}
