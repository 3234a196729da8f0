package cache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
)

const (
	tileBaseName = "tile"
	tempPrefix   = ".tmp-"
	// temp files older than this belong to a crashed store
	orphanTempAge = time.Hour
)

// layout maps a key to the directory holding its file and the file name
// without extension.
type layout func(root string, k TileCacheKey) (dir, base string)

// fsStore is the shared part of the filesystem backed caches: atomic
// publication through rename, mtime based expiry and the eviction sweep.
type fsStore struct {
	root        string
	maxAge      time.Duration
	maxElements int
	layout      layout
	logger      logger.Logger
}

func (s *fsStore) get(k TileCacheKey) (CachedTile, error) {
	dir, base := s.layout(s.root, k)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return CachedTile{}, nil
		}
		return CachedTile{}, fmt.Errorf("read tile directory: %w", err)
	}

	prefix := base + "."
	var name string
	var modTime time.Time
	matches := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		matches++
		if name == "" || info.ModTime().After(modTime) {
			name = e.Name()
			modTime = info.ModTime()
		}
	}

	if name == "" {
		return CachedTile{}, nil
	}
	if matches > 1 {
		s.logger.Warn("expected one cached tile file but found several", "dir", dir, "files", matches, "using", name)
	}
	if time.Since(modTime) > s.maxAge {
		return CachedTile{}, nil
	}

	return CachedTile{
		Subtype: strings.TrimPrefix(name, prefix),
		Path:    filepath.Join(dir, name),
	}, nil
}

func (s *fsStore) beginStore(k TileCacheKey, subtype string) (TileWriter, error) {
	if err := validSubtype(subtype); err != nil {
		return nil, err
	}

	dir, base := s.layout(s.root, k)

	f, err := s.createTemp(dir, base)
	if errors.Is(err, fs.ErrNotExist) {
		// a concurrent sweep may have pruned the directory in between
		f, err = s.createTemp(dir, base)
	}
	if err != nil {
		return nil, err
	}

	return &fileWriter{
		f:     f,
		dir:   dir,
		base:  base,
		final: filepath.Join(dir, base+"."+subtype),
	}, nil
}

func (s *fsStore) createTemp(dir, base string) (*os.File, error) {
	// MkdirAll tolerates directories that already exist, including ones
	// created by a racing request for the same tile.
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create tile directory: %w", err)
	}
	f, err := os.CreateTemp(dir, tempPrefix+base+"-*")
	if err != nil {
		return nil, fmt.Errorf("create temp tile file: %w", err)
	}
	return f, nil
}

type fileWriter struct {
	f     *os.File
	dir   string
	base  string
	final string
	done  bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	return w.f.Write(p)
}

// Commit publishes the file under its final name. Files of the same tile
// with another extension are removed first, the rename replaces a file with
// the same name. Concurrent commits for one tile end with the last rename.
func (w *fileWriter) Commit() error {
	if w.done {
		return nil
	}
	w.done = true

	tmp := w.f.Name()
	if err := w.f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp tile file: %w", err)
	}

	w.removeSiblings()

	if err := os.Rename(tmp, w.final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("publish tile file: %w", err)
	}
	return nil
}

func (w *fileWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true

	w.f.Close()
	return os.Remove(w.f.Name())
}

func (w *fileWriter) removeSiblings() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	prefix := w.base + "."
	finalName := filepath.Base(w.final)
	for _, e := range entries {
		if e.IsDir() || e.Name() == finalName || !strings.HasPrefix(e.Name(), prefix) {
			continue
		}
		os.Remove(filepath.Join(w.dir, e.Name()))
	}
}

type sweepEntry struct {
	path    string
	group   string
	modTime time.Time
}

// sweep walks the whole tree without holding any lock. An entry rewritten
// after it was scanned is skipped, everything else is best effort.
func (s *fsStore) sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	var entries []sweepEntry
	now := time.Now()

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}

		name := d.Name()
		if strings.HasPrefix(name, tempPrefix) {
			if now.Sub(info.ModTime()) > orphanTempAge {
				os.Remove(path)
			}
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}

		base, _, _ := strings.Cut(name, ".")
		entries = append(entries, sweepEntry{
			path:    path,
			group:   filepath.Join(filepath.Dir(path), base),
			modTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return stats, fmt.Errorf("walk cache directory: %w", err)
	}

	stats.Scanned = len(entries)

	// oldest first
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].modTime.Before(entries[j].modTime)
	})

	// keep only the newest file of every tile
	newest := make(map[string]int, len(entries))
	for i, e := range entries {
		newest[e.group] = i
	}

	kept := entries[:0]
	for i, e := range entries {
		switch {
		case newest[e.group] != i:
			if s.remove(e) {
				stats.Evicted++
			}
		case now.Sub(e.modTime) > s.maxAge:
			if s.remove(e) {
				stats.Expired++
			}
		default:
			kept = append(kept, e)
		}
	}

	if excess := len(kept) - s.maxElements; excess > 0 {
		for _, e := range kept[:excess] {
			if s.remove(e) {
				stats.Evicted++
			}
		}
	}

	return stats, nil
}

func (s *fsStore) remove(e sweepEntry) bool {
	info, err := os.Stat(e.path)
	if err != nil || info.ModTime().After(e.modTime) {
		return false
	}
	if err := os.Remove(e.path); err != nil {
		return false
	}
	s.pruneDirs(filepath.Dir(e.path))
	return true
}

// pruneDirs removes now empty directories up to, not including, the root.
func (s *fsStore) pruneDirs(dir string) {
	root := filepath.Clean(s.root)
	for dir != root && strings.HasPrefix(dir, root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// FilesystemCache stores tiles as {root}/{set}/{z}/{x}/{y}/tile.{subtype}.
type FilesystemCache struct {
	store *fsStore
}

var _ TileCache = (*FilesystemCache)(nil)

func NewFilesystemCache(root string, maxAge time.Duration, maxElements int, l logger.Logger) (*FilesystemCache, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	return &FilesystemCache{
		store: &fsStore{
			root:        root,
			maxAge:      maxAge,
			maxElements: maxElements,
			layout:      coordinateLayout,
			logger:      l,
		},
	}, nil
}

func coordinateLayout(root string, k TileCacheKey) (string, string) {
	return filepath.Join(root, k.Set, strconv.Itoa(k.Z), strconv.Itoa(k.X), strconv.Itoa(k.Y)), tileBaseName
}

func (c *FilesystemCache) Get(_ context.Context, k TileCacheKey) (CachedTile, error) {
	return c.store.get(k)
}

func (c *FilesystemCache) BeginStore(_ context.Context, k TileCacheKey, subtype string) (TileWriter, error) {
	return c.store.beginStore(k, subtype)
}

func (c *FilesystemCache) Sweep(ctx context.Context) (SweepStats, error) {
	return c.store.sweep(ctx)
}

func (c *FilesystemCache) Close() error {
	return nil
}
