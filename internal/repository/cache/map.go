package cache

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"
)

type mapEntry struct {
	subtype  string
	data     []byte
	storedAt time.Time
}

type TypedSyncMap struct {
	m sync.Map
}

func (c *TypedSyncMap) Load(k TileCacheKey) (mapEntry, bool) {
	v, exists := c.m.Load(k)
	if !exists {
		return mapEntry{}, false
	}
	return v.(mapEntry), exists
}

func (c *TypedSyncMap) Store(k TileCacheKey, v mapEntry) {
	c.m.Store(k, v)
}

func (c *TypedSyncMap) Delete(k TileCacheKey) {
	c.m.Delete(k)
}

func (c *TypedSyncMap) Range(f func(k TileCacheKey, v mapEntry) bool) {
	c.m.Range(func(k, v any) bool {
		return f(k.(TileCacheKey), v.(mapEntry))
	})
}

// MapCache keeps tiles in process memory. Contents are lost on restart.
type MapCache struct {
	m           *TypedSyncMap
	maxAge      time.Duration
	maxElements int
}

func NewMapCache(maxAge time.Duration, maxElements int) *MapCache {
	return &MapCache{
		m:           &TypedSyncMap{},
		maxAge:      maxAge,
		maxElements: maxElements,
	}
}

var _ TileCache = (*MapCache)(nil)

func (c *MapCache) Get(_ context.Context, k TileCacheKey) (CachedTile, error) {
	v, exists := c.m.Load(k)
	if !exists || time.Since(v.storedAt) > c.maxAge {
		return CachedTile{}, nil
	}
	return CachedTile{Subtype: v.subtype, Data: v.data}, nil
}

func (c *MapCache) BeginStore(_ context.Context, k TileCacheKey, subtype string) (TileWriter, error) {
	if err := validSubtype(subtype); err != nil {
		return nil, err
	}
	return &bufferedWriter{commit: func(data []byte) error {
		c.m.Store(k, mapEntry{subtype: subtype, data: data, storedAt: time.Now()})
		return nil
	}}, nil
}

func (c *MapCache) Sweep(_ context.Context) (SweepStats, error) {
	var stats SweepStats

	type aged struct {
		k        TileCacheKey
		storedAt time.Time
	}
	var kept []aged

	c.m.Range(func(k TileCacheKey, v mapEntry) bool {
		stats.Scanned++
		if time.Since(v.storedAt) > c.maxAge {
			c.m.Delete(k)
			stats.Expired++
			return true
		}
		kept = append(kept, aged{k, v.storedAt})
		return true
	})

	if excess := len(kept) - c.maxElements; excess > 0 {
		sort.Slice(kept, func(i, j int) bool {
			return kept[i].storedAt.Before(kept[j].storedAt)
		})
		for _, e := range kept[:excess] {
			c.m.Delete(e.k)
			stats.Evicted++
		}
	}

	return stats, nil
}

func (c *MapCache) Close() error {
	return nil
}

// bufferedWriter collects a tile in memory for backends that store whole
// values (map, sqlite, redis).
type bufferedWriter struct {
	buf    bytes.Buffer
	commit func(data []byte) error
	done   bool
}

func (w *bufferedWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *bufferedWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true
	return w.commit(w.buf.Bytes())
}

func (w *bufferedWriter) Abort() error {
	w.done = true
	w.buf.Reset()
	return nil
}
