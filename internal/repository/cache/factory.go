package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
)

const (
	TypeFilesystem = "filesystem"
	TypeHashFS     = "hashfs"
	TypeSQLite     = "sqlite"
	TypeRedis      = "redis"
	TypeMemory     = "memory"
)

const sqliteFileName = "tiles.db"

type Config struct {
	Name        string
	Type        string
	MaxAge      time.Duration
	MaxElements int
	Directory   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// NewTileCache creates a cache instance based on the cache type.
func NewTileCache(cfg Config, l logger.Logger) (TileCache, error) {
	var (
		c   TileCache
		err error
	)

	switch cfg.Type {
	case TypeFilesystem, "":
		l.Info("using filesystem cache", "name", cfg.Name, "directory", cfg.Directory)
		c, err = NewFilesystemCache(cfg.Directory, cfg.MaxAge, cfg.MaxElements, l)
	case TypeHashFS:
		l.Info("using hashed filesystem cache", "name", cfg.Name, "directory", cfg.Directory)
		c, err = NewHashFilesystemCache(cfg.Directory, cfg.MaxAge, cfg.MaxElements, l)
	case TypeSQLite:
		if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory: %w", err)
		}
		path := filepath.Join(cfg.Directory, sqliteFileName)
		l.Info("using sqlite cache", "name", cfg.Name, "path", path)
		c, err = NewSQLiteCache(path, cfg.MaxAge, cfg.MaxElements, l)
	case TypeRedis:
		l.Info("using redis cache", "name", cfg.Name, "address", cfg.RedisAddr)
		c, err = NewRedisCache(RedisConfig{
			Addr:        cfg.RedisAddr,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			Prefix:      cfg.Name + ":",
			TTL:         cfg.MaxAge,
			MaxElements: cfg.MaxElements,
		})
	case TypeMemory:
		l.Info("using memory cache", "name", cfg.Name, "max_elements", cfg.MaxElements)
		c = NewMapCache(cfg.MaxAge, cfg.MaxElements)
	default:
		return nil, fmt.Errorf("unknown cache type: %s (supported: filesystem, hashfs, sqlite, redis, memory)", cfg.Type)
	}

	if err != nil {
		return nil, fmt.Errorf("cache %q: %w", cfg.Name, err)
	}
	return c, nil
}
