package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
)

func TestSubtypeFromContentType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"image/png", "png"},
		{"image/jpeg; charset=binary", "jpeg"},
		{"IMAGE/WebP", "webp"},
		{" image/svg+xml ", "svg+xml"},
		{"text/html", ""},
		{"application/octet-stream", ""},
		{"image", ""},
		{"", ""},
	}

	for _, tt := range tests {
		if got := SubtypeFromContentType(tt.in); got != tt.want {
			t.Errorf("SubtypeFromContentType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMapCache(t *testing.T) {
	ctx := context.Background()
	c := NewMapCache(time.Hour, 2)

	keys := []TileCacheKey{
		{Set: "osm", Z: 1, X: 0, Y: 0},
		{Set: "osm", Z: 1, X: 0, Y: 1},
		{Set: "osm", Z: 1, X: 1, Y: 0},
	}
	for _, k := range keys {
		if err := Store(ctx, c, k, []byte(k.String()), "png"); err != nil {
			t.Fatal(err)
		}
		time.Sleep(time.Millisecond)
	}

	tile, err := c.Get(ctx, keys[0])
	if err != nil {
		t.Fatal(err)
	}
	if tile.Subtype != "png" || string(tile.Data) != keys[0].String() || tile.Path != "" {
		t.Fatalf("unexpected tile %+v", tile)
	}

	stats, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scanned != 3 || stats.Evicted != 1 || stats.Expired != 0 {
		t.Errorf("stats = %+v, want scanned 3, evicted 1", stats)
	}
	if tile, _ := c.Get(ctx, keys[0]); !tile.Empty() {
		t.Error("oldest tile was not evicted")
	}
	if tile, _ := c.Get(ctx, keys[2]); tile.Empty() {
		t.Error("newest tile was evicted")
	}
}

func TestMapCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c := NewMapCache(10*time.Millisecond, 10)
	key := TileCacheKey{Set: "osm", Z: 0, X: 0, Y: 0}

	if err := Store(ctx, c, key, []byte("x"), "png"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	if tile, _ := c.Get(ctx, key); !tile.Empty() {
		t.Error("expired tile returned")
	}
	stats, _ := c.Sweep(ctx)
	if stats.Expired != 1 {
		t.Errorf("expired = %d, want 1", stats.Expired)
	}
}

func TestMapCache_AbortDiscards(t *testing.T) {
	ctx := context.Background()
	c := NewMapCache(time.Hour, 10)
	key := TileCacheKey{Set: "osm", Z: 0, X: 0, Y: 0}

	w, err := c.BeginStore(ctx, key, "png")
	if err != nil {
		t.Fatal(err)
	}
	w.Write([]byte("partial"))
	w.Abort()

	if tile, _ := c.Get(ctx, key); !tile.Empty() {
		t.Error("aborted tile is visible")
	}
}

func TestSQLiteCache(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "tiles.db"), time.Hour, 2, logger.Nop())
	if err != nil {
		t.Fatalf("NewSQLiteCache: %v", err)
	}
	defer c.Close()

	key := TileCacheKey{Set: "osm", Z: 3, X: 4, Y: 5}
	if tile, err := c.Get(ctx, key); err != nil || !tile.Empty() {
		t.Fatalf("Get on empty cache = %+v, %v", tile, err)
	}

	if err := Store(ctx, c, key, []byte("png-bytes"), "png"); err != nil {
		t.Fatalf("Store: %v", err)
	}
	if err := Store(ctx, c, key, []byte("jpeg-bytes"), "jpeg"); err != nil {
		t.Fatalf("Store overwrite: %v", err)
	}

	tile, err := c.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if tile.Subtype != "jpeg" || string(tile.Data) != "jpeg-bytes" {
		t.Fatalf("got %+v, want the overwritten jpeg", tile)
	}

	for i := 0; i < 3; i++ {
		k := TileCacheKey{Set: "osm", Z: 10, X: i, Y: i}
		if err := Store(ctx, c, k, []byte("x"), "png"); err != nil {
			t.Fatal(err)
		}
	}

	stats, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Scanned != 4 || stats.Evicted != 2 || stats.Expired != 0 {
		t.Errorf("stats = %+v, want scanned 4, evicted 2", stats)
	}
	if tile, _ := c.Get(ctx, key); !tile.Empty() {
		t.Error("oldest tile survived eviction")
	}
}

func TestSQLiteCache_Expiry(t *testing.T) {
	ctx := context.Background()
	c, err := NewSQLiteCache(filepath.Join(t.TempDir(), "tiles.db"), 20*time.Millisecond, 10, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	key := TileCacheKey{Set: "osm", Z: 0, X: 0, Y: 0}
	if err := Store(ctx, c, key, []byte("x"), "png"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(40 * time.Millisecond)

	if tile, _ := c.Get(ctx, key); !tile.Empty() {
		t.Error("expired tile returned")
	}
	stats, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Expired != 1 {
		t.Errorf("expired = %d, want 1", stats.Expired)
	}
}

func TestRedisCache(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}

	ctx := context.Background()
	prefix := "tmsproxy-test-" + time.Now().Format("150405.000000") + ":"
	c, err := NewRedisCache(RedisConfig{Addr: addr, Prefix: prefix, TTL: time.Hour, MaxElements: 1})
	if err != nil {
		t.Fatalf("NewRedisCache: %v", err)
	}
	defer c.Close()

	first := TileCacheKey{Set: "osm", Z: 1, X: 0, Y: 0}
	second := TileCacheKey{Set: "osm", Z: 1, X: 1, Y: 0}
	if err := Store(ctx, c, first, []byte("first"), "png"); err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	if err := Store(ctx, c, second, []byte("second"), "webp"); err != nil {
		t.Fatal(err)
	}

	tile, err := c.Get(ctx, second)
	if err != nil {
		t.Fatal(err)
	}
	if tile.Subtype != "webp" || string(tile.Data) != "second" {
		t.Fatalf("got %+v", tile)
	}

	stats, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Evicted != 1 {
		t.Errorf("evicted = %d, want 1", stats.Evicted)
	}
	if tile, _ := c.Get(ctx, first); !tile.Empty() {
		t.Error("oldest tile survived eviction")
	}
	c.client.Del(ctx, c.keyFor(second), c.indexKey())
}

func TestNewTileCache(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		cfg     Config
		wantErr bool
	}{
		{cfg: Config{Name: "fs", Type: TypeFilesystem, Directory: filepath.Join(dir, "fs")}},
		{cfg: Config{Name: "hash", Type: TypeHashFS, Directory: filepath.Join(dir, "hash")}},
		{cfg: Config{Name: "db", Type: TypeSQLite, Directory: filepath.Join(dir, "db")}},
		{cfg: Config{Name: "mem", Type: TypeMemory}},
		{cfg: Config{Name: "bad", Type: "s3"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.cfg.Name, func(t *testing.T) {
			tt.cfg.MaxAge = time.Hour
			tt.cfg.MaxElements = 10

			c, err := NewTileCache(tt.cfg, logger.Nop())
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("NewTileCache: %v", err)
			}
			defer c.Close()

			key := TileCacheKey{Set: "osm", Z: 1, X: 2, Y: 3}
			if err := Store(context.Background(), c, key, []byte("tile"), "png"); err != nil {
				t.Fatalf("Store: %v", err)
			}
			tile, err := c.Get(context.Background(), key)
			if err != nil || tile.Subtype != "png" {
				t.Fatalf("Get = %+v, %v", tile, err)
			}
		})
	}
}
