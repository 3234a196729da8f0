package cache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteCache struct {
	db          *sql.DB
	maxAge      time.Duration
	maxElements int
	logger      logger.Logger
}

func NewSQLiteCache(path string, maxAge time.Duration, maxElements int, l logger.Logger) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	err = db.Ping()
	if err != nil {
		db.Close()
		return nil, err
	}

	c := &SQLiteCache{
		db:          db,
		maxAge:      maxAge,
		maxElements: maxElements,
		logger:      l,
	}

	err = c.runMigrations()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run sqlite migrations: %w", err)
	}

	l.Info("sqlite cache initialized", "path", path)

	return c, nil
}

func (c *SQLiteCache) runMigrations() error {
	goose.SetBaseFS(migrations)

	err := goose.SetDialect("sqlite3")
	if err != nil {
		return err
	}

	err = goose.Up(c.db, "migrations")
	if err != nil {
		return err
	}

	return nil
}

var _ TileCache = (*SQLiteCache)(nil)

func (c *SQLiteCache) Get(ctx context.Context, k TileCacheKey) (CachedTile, error) {
	c.logger.Debug("sqlite cache get", "tile", k.String())

	query := `SELECT subtype, tile_data, stored_at
	FROM tile_cache
	WHERE tile_set = ? AND z = ? AND x = ? AND y = ?`

	var (
		subtype  string
		tileData []byte
		storedAt int64
	)
	err := c.db.QueryRowContext(ctx, query, k.Set, k.Z, k.X, k.Y).Scan(&subtype, &tileData, &storedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CachedTile{}, nil
		}
		return CachedTile{}, fmt.Errorf("sqlite cache get: %w", err)
	}

	if time.Since(time.Unix(0, storedAt)) > c.maxAge {
		return CachedTile{}, nil
	}

	return CachedTile{Subtype: subtype, Data: tileData}, nil
}

func (c *SQLiteCache) BeginStore(ctx context.Context, k TileCacheKey, subtype string) (TileWriter, error) {
	if err := validSubtype(subtype); err != nil {
		return nil, err
	}

	// the store outlives the request that triggered it
	ctx = context.WithoutCancel(ctx)

	return &bufferedWriter{commit: func(data []byte) error {
		return c.set(ctx, k, subtype, data)
	}}, nil
}

func (c *SQLiteCache) set(ctx context.Context, k TileCacheKey, subtype string, data []byte) error {
	c.logger.Debug("sqlite cache set", "tile", k.String(), "size", len(data))

	query := `INSERT INTO tile_cache (tile_set, z, x, y, subtype, tile_data, stored_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(tile_set, z, x, y) DO UPDATE SET
		subtype = excluded.subtype,
		tile_data = excluded.tile_data,
		stored_at = excluded.stored_at`

	_, err := c.db.ExecContext(ctx, query, k.Set, k.Z, k.X, k.Y, subtype, data, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite cache set: %w", err)
	}

	return nil
}

func (c *SQLiteCache) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tile_cache`).Scan(&stats.Scanned)
	if err != nil {
		return stats, fmt.Errorf("count tiles: %w", err)
	}

	cutoff := time.Now().Add(-c.maxAge).UnixNano()
	res, err := c.db.ExecContext(ctx, `DELETE FROM tile_cache WHERE stored_at < ?`, cutoff)
	if err != nil {
		return stats, fmt.Errorf("delete expired tiles: %w", err)
	}
	expired, _ := res.RowsAffected()
	stats.Expired = int(expired)

	excess := stats.Scanned - stats.Expired - c.maxElements
	if excess <= 0 {
		return stats, nil
	}

	res, err = c.db.ExecContext(ctx, `DELETE FROM tile_cache WHERE rowid IN (
		SELECT rowid FROM tile_cache ORDER BY stored_at ASC LIMIT ?
	)`, excess)
	if err != nil {
		return stats, fmt.Errorf("evict tiles: %w", err)
	}
	evicted, _ := res.RowsAffected()
	stats.Evicted = int(evicted)

	return stats, nil
}

func (c *SQLiteCache) Close() error {
	return c.db.Close()
}
