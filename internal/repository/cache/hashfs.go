package cache

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
	"lukechampine.com/blake3"
)

// HashFilesystemCache stores tiles under a blake3 digest of the coordinate:
// {root}/{h[0:2]}/{h[2:4]}/{h}.{subtype}. The fan-out keeps directories small
// no matter how many tile sets share the cache.
type HashFilesystemCache struct {
	store *fsStore
}

var _ TileCache = (*HashFilesystemCache)(nil)

func NewHashFilesystemCache(root string, maxAge time.Duration, maxElements int, l logger.Logger) (*HashFilesystemCache, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &HashFilesystemCache{
		store: &fsStore{
			root:        root,
			maxAge:      maxAge,
			maxElements: maxElements,
			layout:      hashLayout,
			logger:      l,
		},
	}, nil
}

func hashKey(k TileCacheKey) string {
	sum := blake3.Sum256([]byte(k.String()))
	return hex.EncodeToString(sum[:16])
}

func hashLayout(root string, k TileCacheKey) (string, string) {
	h := hashKey(k)
	return filepath.Join(root, h[0:2], h[2:4]), h
}

func (c *HashFilesystemCache) Get(_ context.Context, k TileCacheKey) (CachedTile, error) {
	return c.store.get(k)
}

func (c *HashFilesystemCache) BeginStore(_ context.Context, k TileCacheKey, subtype string) (TileWriter, error) {
	return c.store.beginStore(k, subtype)
}

func (c *HashFilesystemCache) Sweep(ctx context.Context) (SweepStats, error) {
	return c.store.sweep(ctx)
}

func (c *HashFilesystemCache) Close() error {
	return nil
}
