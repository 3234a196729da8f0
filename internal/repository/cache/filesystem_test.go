package cache

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
)

func newTestFilesystemCache(t *testing.T, maxAge time.Duration, maxElements int) (*FilesystemCache, string) {
	t.Helper()
	root := t.TempDir()
	c, err := NewFilesystemCache(root, maxAge, maxElements, logger.Nop())
	if err != nil {
		t.Fatalf("NewFilesystemCache: %v", err)
	}
	return c, root
}

func tileDir(root string, k TileCacheKey) string {
	dir, _ := coordinateLayout(root, k)
	return dir
}

func listFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func setAge(t *testing.T, path string, age time.Duration) {
	t.Helper()
	ts := time.Now().Add(-age)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("Chtimes: %v", err)
	}
}

func TestFilesystemCache_StoreAndGet(t *testing.T) {
	c, root := newTestFilesystemCache(t, time.Hour, 10)
	ctx := context.Background()
	key := TileCacheKey{Set: "osm", Z: 3, X: 4, Y: 5}
	payload := []byte("png-bytes")

	tile, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !tile.Empty() {
		t.Fatalf("expected miss on empty cache, got %+v", tile)
	}

	if err := Store(ctx, c, key, payload, "png"); err != nil {
		t.Fatalf("Store: %v", err)
	}

	want := filepath.Join(root, "osm", "3", "4", "5", "tile.png")
	tile, err = c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if tile.Subtype != "png" || tile.Path != want {
		t.Fatalf("got %+v, want subtype png at %s", tile, want)
	}
	if tile.ContentType() != "image/png" {
		t.Errorf("content type = %q", tile.ContentType())
	}

	data, err := os.ReadFile(tile.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("stored %q, want %q", data, payload)
	}
}

func TestFilesystemCache_UncommittedIsInvisible(t *testing.T) {
	c, root := newTestFilesystemCache(t, time.Hour, 10)
	ctx := context.Background()
	key := TileCacheKey{Set: "osm", Z: 1, X: 1, Y: 1}

	w, err := c.BeginStore(ctx, key, "png")
	if err != nil {
		t.Fatalf("BeginStore: %v", err)
	}
	w.Write([]byte("partial"))

	tile, _ := c.Get(ctx, key)
	if !tile.Empty() {
		t.Fatalf("uncommitted tile visible: %+v", tile)
	}

	if err := w.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}
	if files := listFiles(t, tileDir(root, key)); len(files) != 0 {
		t.Errorf("abort left files behind: %v", files)
	}

	w, err = c.BeginStore(ctx, key, "png")
	if err != nil {
		t.Fatalf("BeginStore: %v", err)
	}
	w.Write([]byte("complete"))
	if err := w.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	tile, _ = c.Get(ctx, key)
	if tile.Empty() {
		t.Fatal("committed tile not visible")
	}
}

func TestFilesystemCache_Expired(t *testing.T) {
	c, _ := newTestFilesystemCache(t, time.Hour, 10)
	ctx := context.Background()
	key := TileCacheKey{Set: "osm", Z: 2, X: 1, Y: 0}

	if err := Store(ctx, c, key, []byte("x"), "png"); err != nil {
		t.Fatal(err)
	}
	tile, _ := c.Get(ctx, key)
	setAge(t, tile.Path, 2*time.Hour)

	tile, err := c.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !tile.Empty() {
		t.Errorf("expired tile returned: %+v", tile)
	}
}

func TestFilesystemCache_OverwriteReplacesExtension(t *testing.T) {
	c, root := newTestFilesystemCache(t, time.Hour, 10)
	ctx := context.Background()
	key := TileCacheKey{Set: "osm", Z: 3, X: 4, Y: 5}

	if err := Store(ctx, c, key, []byte("png"), "png"); err != nil {
		t.Fatal(err)
	}
	if err := Store(ctx, c, key, []byte("jpeg"), "jpeg"); err != nil {
		t.Fatal(err)
	}

	files := listFiles(t, tileDir(root, key))
	if len(files) != 1 || files[0] != "tile.jpeg" {
		t.Fatalf("files = %v, want [tile.jpeg]", files)
	}
	tile, _ := c.Get(ctx, key)
	if tile.Subtype != "jpeg" {
		t.Errorf("subtype = %q, want jpeg", tile.Subtype)
	}
}

func TestFilesystemCache_NewestDuplicateWins(t *testing.T) {
	c, root := newTestFilesystemCache(t, time.Hour, 10)
	key := TileCacheKey{Set: "osm", Z: 0, X: 0, Y: 0}
	dir := tileDir(root, key)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"tile.png", "tile.webp"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	setAge(t, filepath.Join(dir, "tile.png"), 10*time.Minute)

	tile, err := c.Get(context.Background(), key)
	if err != nil {
		t.Fatal(err)
	}
	if tile.Subtype != "webp" {
		t.Errorf("subtype = %q, want webp", tile.Subtype)
	}

	if _, err := c.Sweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if files := listFiles(t, dir); len(files) != 1 || files[0] != "tile.webp" {
		t.Errorf("after sweep files = %v, want [tile.webp]", files)
	}
}

func TestFilesystemCache_InvalidSubtype(t *testing.T) {
	c, _ := newTestFilesystemCache(t, time.Hour, 10)
	key := TileCacheKey{Set: "osm", Z: 0, X: 0, Y: 0}

	for _, subtype := range []string{"", "../../etc", "PNG", "svg xml"} {
		if _, err := c.BeginStore(context.Background(), key, subtype); !errors.Is(err, ErrInvalidSubtype) {
			t.Errorf("BeginStore(%q) error = %v, want ErrInvalidSubtype", subtype, err)
		}
	}
}

func TestFilesystemCache_ConcurrentStores(t *testing.T) {
	c, root := newTestFilesystemCache(t, time.Hour, 10)
	ctx := context.Background()
	key := TileCacheKey{Set: "osm", Z: 5, X: 6, Y: 7}
	payload := bytes.Repeat([]byte("t"), 32<<10)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := Store(ctx, c, key, payload, "png"); err != nil {
				t.Errorf("Store: %v", err)
			}
		}()
	}
	wg.Wait()

	files := listFiles(t, tileDir(root, key))
	if len(files) != 1 || files[0] != "tile.png" {
		t.Fatalf("files = %v, want [tile.png]", files)
	}

	tile, _ := c.Get(ctx, key)
	data, err := os.ReadFile(tile.Path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("stored %d bytes, want %d", len(data), len(payload))
	}
}

func TestFilesystemCache_Sweep(t *testing.T) {
	c, root := newTestFilesystemCache(t, time.Hour, 2)
	ctx := context.Background()

	keys := []TileCacheKey{
		{Set: "osm", Z: 1, X: 0, Y: 0},
		{Set: "osm", Z: 1, X: 0, Y: 1},
		{Set: "osm", Z: 1, X: 1, Y: 0},
		{Set: "osm", Z: 1, X: 1, Y: 1},
	}
	ages := []time.Duration{3 * time.Hour, 30 * time.Minute, 20 * time.Minute, 10 * time.Minute}

	for i, k := range keys {
		if err := Store(ctx, c, k, []byte("x"), "png"); err != nil {
			t.Fatal(err)
		}
		tile, _ := c.Get(ctx, k)
		setAge(t, tile.Path, ages[i])
	}

	stats, err := c.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if stats.Scanned != 4 || stats.Expired != 1 || stats.Evicted != 1 {
		t.Errorf("stats = %+v, want scanned 4, expired 1, evicted 1", stats)
	}

	for i, k := range keys {
		tile, _ := c.Get(ctx, k)
		if kept := !tile.Empty(); kept != (i >= 2) {
			t.Errorf("tile %s kept = %v", k, kept)
		}
	}

	if _, err := os.Stat(tileDir(root, keys[0])); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("empty directory of evicted tile not pruned: %v", err)
	}
	if _, err := os.Stat(root); err != nil {
		t.Errorf("cache root removed: %v", err)
	}
}

func TestFilesystemCache_SweepOrphanedTemp(t *testing.T) {
	c, root := newTestFilesystemCache(t, time.Hour, 10)
	ctx := context.Background()
	key := TileCacheKey{Set: "osm", Z: 4, X: 4, Y: 4}

	stale, err := c.BeginStore(ctx, key, "png")
	if err != nil {
		t.Fatal(err)
	}
	staleName := stale.(*fileWriter).f.Name()
	stale.Write([]byte("crashed"))
	setAge(t, staleName, 2*time.Hour)

	fresh, err := c.BeginStore(ctx, key, "png")
	if err != nil {
		t.Fatal(err)
	}
	defer fresh.Abort()

	stats, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scanned != 0 {
		t.Errorf("temp files counted as tiles: %+v", stats)
	}

	files := listFiles(t, tileDir(root, key))
	if len(files) != 1 || !strings.HasPrefix(files[0], tempPrefix) {
		t.Fatalf("files = %v, want only the fresh temp file", files)
	}
	if filepath.Join(tileDir(root, key), files[0]) == staleName {
		t.Errorf("stale temp file survived the sweep")
	}
}

func TestHashFilesystemCache_StoreAndGet(t *testing.T) {
	root := t.TempDir()
	c, err := NewHashFilesystemCache(root, time.Hour, 10, logger.Nop())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := TileCacheKey{Set: "osm", Z: 3, X: 4, Y: 5}
	other := TileCacheKey{Set: "topo", Z: 3, X: 4, Y: 5}

	if err := Store(ctx, c, key, []byte("osm"), "png"); err != nil {
		t.Fatal(err)
	}
	if err := Store(ctx, c, other, []byte("topo"), "jpeg"); err != nil {
		t.Fatal(err)
	}

	h := hashKey(key)
	want := filepath.Join(root, h[0:2], h[2:4], h+".png")
	tile, err := c.Get(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if tile.Path != want || tile.Subtype != "png" {
		t.Fatalf("got %+v, want png at %s", tile, want)
	}

	tile, _ = c.Get(ctx, other)
	data, _ := os.ReadFile(tile.Path)
	if tile.Subtype != "jpeg" || string(data) != "topo" {
		t.Errorf("other set: subtype %q data %q", tile.Subtype, data)
	}

	if hashKey(key) == hashKey(other) {
		t.Error("different tile sets hash to the same key")
	}

	stats, err := c.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Scanned != 2 || stats.Expired != 0 || stats.Evicted != 0 {
		t.Errorf("stats = %+v, want 2 scanned and nothing removed", stats)
	}
}
