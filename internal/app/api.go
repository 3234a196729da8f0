package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/entity"
	v1 "github.com/jaennil/guide_helper/backend/tmsproxy/internal/infrastructure/http/v1"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/repository/upstream"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/usecase"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/config"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/http_server"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/telemetry"
)

const shutdownTimeout = 30 * time.Second

func Run(cfg *config.Config) {
	l := logger.NewZapLogger(cfg.Logger)
	defer l.Sync()

	l.Info("app config", "cfg", cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ctx = logger.WithLogger(ctx, l)

	if cfg.Telemetry.Enabled {
		shutdownTelemetry, err := telemetry.InitTracer(telemetry.Config{
			ServiceName:    cfg.Telemetry.ServiceName,
			ServiceVersion: cfg.Telemetry.ServiceVersion,
			Environment:    cfg.Telemetry.Environment,
			OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		}, l)
		if err != nil {
			l.Fatal("failed to initialize telemetry", "error", err)
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				l.Error("failed to shutdown telemetry", "error", err)
			}
		}()
	}

	tiles, err := config.LoadTiles(cfg.TMS.ConfigPath)
	if err != nil {
		l.Fatal("failed to load tile configuration", "path", cfg.TMS.ConfigPath, "error", err)
	}

	sources, err := buildSources(tiles.Tiles)
	if err != nil {
		l.Fatal("failed to load tile configuration", "path", cfg.TMS.ConfigPath, "error", err)
	}

	caches, err := buildCaches(tiles.Caches, l)
	if err != nil {
		l.Fatal("failed to initialize caches", "error", err)
	}
	defer func() {
		if err := closeCaches(caches); err != nil {
			l.Error("failed to close caches", "error", err)
		}
	}()

	proxyUseCase := usecase.NewProxyUseCase(sources, caches, upstream.NewClient(cfg.Upstream), l)

	h := handler.NewHandler(proxyUseCase, len(sources))
	router := v1.NewRouter(h, l, cfg.Telemetry.Enabled, cfg.Telemetry.ServiceName)

	port := strconv.Itoa(tiles.Port)
	if cfg.HTTP.Server.Port != "" {
		port = cfg.HTTP.Server.Port
	}
	httpServer := http_server.NewServer(ctx, port, cfg.HTTP.Server, router)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		l.Info("starting http server...", "address", httpServer.Addr, "tile_sets", len(sources), "caches", len(caches))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		l.Info("http server stopped", "address", httpServer.Addr)
		return nil
	})

	for name, c := range caches {
		sweeper := cache.NewSweeper(name, c, cfg.Sweep.Interval, l)
		g.Go(func() error {
			return sweeper.Run(gctx)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		l.Info("received shutdown signal")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()

		l.Info("shutting down http server...", "address", httpServer.Addr)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		l.Info("http_server shutdown completed")
		return nil
	})

	if err := g.Wait(); err != nil {
		l.Error("application stopped with error", "error", err)
	}

	l.Info("application shutdown completed")
}

func buildSources(tiles []config.TileSourceConfig) ([]*entity.TileSource, error) {
	sources := make([]*entity.TileSource, 0, len(tiles))
	for i, t := range tiles {
		src, err := entity.NewTileSource(t.Name, t.Cache, t.MinZoom, t.MaxZoom, t.Sources)
		if err != nil {
			return nil, &config.ConfigurationError{Field: fmt.Sprintf("tiles[%d]", i), Err: err}
		}
		sources = append(sources, src)
	}
	return sources, nil
}

// buildCaches opens every configured cache. Caches opened before a failure
// are closed again.
func buildCaches(configs []config.CacheConfig, l logger.Logger) (map[string]cache.TileCache, error) {
	caches := make(map[string]cache.TileCache, len(configs))
	for _, cc := range configs {
		c, err := cache.NewTileCache(cache.Config{
			Name:          cc.Name,
			Type:          cc.Type,
			MaxAge:        cc.MaxAge,
			MaxElements:   cc.MaxElements,
			Directory:     cc.Directory,
			RedisAddr:     cc.Address,
			RedisPassword: cc.Password,
			RedisDB:       cc.DB,
		}, l)
		if err != nil {
			return nil, multierr.Append(err, closeCaches(caches))
		}
		caches[cc.Name] = c
	}
	return caches, nil
}

func closeCaches(caches map[string]cache.TileCache) error {
	var err error
	for name, c := range caches {
		if cerr := c.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("cache %q: %w", name, cerr))
		}
	}
	return err
}
