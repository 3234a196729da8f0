package cache

import (
	"context"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/metrics"
)

// Sweeper periodically enforces maxAge and maxElements on one cache.
type Sweeper struct {
	name     string
	cache    TileCache
	interval time.Duration
	logger   logger.Logger
}

func NewSweeper(name string, c TileCache, interval time.Duration, l logger.Logger) *Sweeper {
	return &Sweeper{
		name:     name,
		cache:    c,
		interval: interval,
		logger:   l,
	}
}

// Run sweeps once per interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

func (s *Sweeper) SweepOnce(ctx context.Context) SweepStats {
	start := time.Now()

	stats, err := s.cache.Sweep(ctx)
	if err != nil {
		s.logger.Error("cache sweep failed", "cache", s.name, "error", err)
	}

	metrics.CacheEvictions.WithLabelValues(s.name, "expired").Add(float64(stats.Expired))
	metrics.CacheEvictions.WithLabelValues(s.name, "capacity").Add(float64(stats.Evicted))
	metrics.CacheSweepDuration.WithLabelValues(s.name).Observe(time.Since(start).Seconds())

	s.logger.Info("cache sweep finished",
		"cache", s.name,
		"scanned", stats.Scanned,
		"expired", stats.Expired,
		"evicted", stats.Evicted,
		"duration", time.Since(start),
	)

	return stats
}
