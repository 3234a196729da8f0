package usecase

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/entity"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/fanout"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/repository/upstream"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/metrics"
)

const tracerName = "github.com/jaennil/guide_helper/backend/tmsproxy/usecase"

// ErrorBody is sent with every 500 caused by the upstream.
const ErrorBody = "the server encountered an error and could not process your request"

const (
	HeaderTileSource = "X-Tile-Source"

	sourceCache   = "cache"
	sourceNetwork = "network"
)

type Outcome int

const (
	// RouteMiss means the request is not ours to answer. Nothing was written.
	RouteMiss Outcome = iota
	CacheHit
	Fetched
	UpstreamFailed
	ClientGone
)

func (o Outcome) String() string {
	switch o {
	case RouteMiss:
		return "route_miss"
	case CacheHit:
		return "cache_hit"
	case Fetched:
		return "fetched"
	case UpstreamFailed:
		return "upstream_failed"
	case ClientGone:
		return "client_gone"
	default:
		return "unknown"
	}
}

type Fetcher interface {
	Fetch(ctx context.Context, set, url string) (*upstream.Response, error)
}

type boundSource struct {
	source    *entity.TileSource
	cache     cache.TileCache
	cacheName string
}

type ProxyUseCase struct {
	sources   map[string]boundSource
	fetcher   Fetcher
	queueSize int
	logger    logger.Logger
}

// NewProxyUseCase binds every source to its cache by name. A source naming
// an unknown cache is served without one.
func NewProxyUseCase(sources []*entity.TileSource, caches map[string]cache.TileCache, fetcher Fetcher, l logger.Logger) *ProxyUseCase {
	uc := &ProxyUseCase{
		sources:   make(map[string]boundSource, len(sources)),
		fetcher:   fetcher,
		queueSize: fanout.DefaultQueueSize,
		logger:    l,
	}

	for _, src := range sources {
		b := boundSource{source: src}
		if name := src.Cache(); name != "" {
			if c, ok := caches[name]; ok {
				b.cache = c
				b.cacheName = name
			} else {
				l.Warn("tile source references unknown cache, serving without cache", "tile", src.Name(), "cache", name)
			}
		}
		uc.sources[src.Name()] = b
		l.Debug("tile source bound", "tile", src.Name(), "cache", b.cacheName, "min_zoom", src.MinZoom(), "max_zoom", src.MaxZoom())
	}

	return uc
}

// Serve answers one tile request. On RouteMiss nothing has been written to w.
func (uc *ProxyUseCase) Serve(ctx context.Context, w http.ResponseWriter, set string, z, x, y int) Outcome {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "ProxyUseCase.Serve",
		trace.WithAttributes(
			attribute.String("tile.set", set),
			attribute.Int("tile.z", z),
			attribute.Int("tile.x", x),
			attribute.Int("tile.y", y),
		),
	)
	defer span.End()

	outcome := uc.serve(ctx, w, set, z, x, y)

	span.SetAttributes(attribute.String("tile.outcome", outcome.String()))
	metrics.TileRequests.WithLabelValues(outcome.String()).Inc()

	return outcome
}

func (uc *ProxyUseCase) serve(ctx context.Context, w http.ResponseWriter, set string, z, x, y int) Outcome {
	l := logger.FromContextOr(ctx, uc.logger)

	b, ok := uc.sources[set]
	if !ok || !b.source.AcceptsZoom(z) {
		return RouteMiss
	}

	key := cache.TileCacheKey{Set: set, Z: z, X: x, Y: y}

	if b.cache != nil {
		if outcome, served := uc.serveCached(ctx, w, b, key); served {
			return outcome
		}
	}

	// A bound cache keeps the fetch alive after the client leaves.
	fetchCtx := ctx
	if b.cache != nil {
		fetchCtx = context.WithoutCancel(ctx)
	}

	url := b.source.Resolve(z, x, y)
	l.Debug("fetching tile from upstream", "tile", key.String(), "url", url)

	resp, err := uc.fetcher.Fetch(fetchCtx, set, url)
	if errors.Is(err, upstream.ErrNotFound) {
		l.Debug("upstream has no such tile", "tile", key.String(), "url", url)
		return RouteMiss
	}
	if err != nil {
		l.Error("upstream fetch failed", "tile", key.String(), "url", url, "error", err)
		writeError(w)
		return UpstreamFailed
	}
	defer resp.Body.Close()

	return uc.deliver(ctx, w, b, key, resp)
}

func (uc *ProxyUseCase) serveCached(ctx context.Context, w http.ResponseWriter, b boundSource, key cache.TileCacheKey) (Outcome, bool) {
	l := logger.FromContextOr(ctx, uc.logger)

	tile, err := b.cache.Get(ctx, key)
	if err != nil {
		metrics.CacheErrors.WithLabelValues(b.cacheName, "get").Inc()
		l.Warn("cache lookup failed, fetching from upstream", "cache", b.cacheName, "tile", key.String(), "error", err)
		return 0, false
	}
	if tile.Empty() {
		metrics.CacheMisses.WithLabelValues(b.cacheName).Inc()
		return 0, false
	}

	var (
		body io.Reader
		size int64
	)
	if tile.Path != "" {
		f, err := os.Open(tile.Path)
		if err != nil {
			// evicted between lookup and open
			metrics.CacheMisses.WithLabelValues(b.cacheName).Inc()
			l.Debug("cached tile disappeared", "tile", key.String(), "path", tile.Path, "error", err)
			return 0, false
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			metrics.CacheErrors.WithLabelValues(b.cacheName, "get").Inc()
			return 0, false
		}
		body, size = f, info.Size()
	} else {
		body, size = bytes.NewReader(tile.Data), int64(len(tile.Data))
	}

	metrics.CacheHits.WithLabelValues(b.cacheName).Inc()
	l.Debug("cache hit", "cache", b.cacheName, "tile", key.String())

	h := w.Header()
	h.Set("Content-Type", tile.ContentType())
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set(HeaderTileSource, sourceCache)
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, body); err != nil {
		metrics.ClientDisconnects.Inc()
		l.Debug("client went away while serving cached tile", "tile", key.String(), "error", err)
		return ClientGone, true
	}
	return CacheHit, true
}

const (
	clientLane = 0
	cacheLane  = 1
)

// deliver streams the validated upstream body to the client and, when a
// cache is bound, into the cache at the same time.
func (uc *ProxyUseCase) deliver(ctx context.Context, w http.ResponseWriter, b boundSource, key cache.TileCacheKey, resp *upstream.Response) Outcome {
	l := logger.FromContextOr(ctx, uc.logger)

	h := w.Header()
	h.Set("Content-Type", resp.ContentType)
	if resp.ContentLength >= 0 {
		h.Set("Content-Length", strconv.FormatInt(resp.ContentLength, 10))
	}
	h.Set(HeaderTileSource, sourceNetwork)
	w.WriteHeader(resp.StatusCode)

	consumers := []fanout.Consumer{fanout.FromWriter(w)}

	var tw cache.TileWriter
	if b.cache != nil {
		var err error
		tw, err = b.cache.BeginStore(context.WithoutCancel(ctx), key, resp.Subtype)
		if err != nil {
			metrics.CacheStores.WithLabelValues(b.cacheName, "error").Inc()
			l.Warn("cannot start cache store", "cache", b.cacheName, "tile", key.String(), "error", err)
		} else {
			consumers = append(consumers, cacheConsumer{tw})
		}
	}

	sink := fanout.New(consumers,
		fanout.WithQueueSize(uc.queueSize),
		fanout.WithErrorHandler(func(i int, err error) {
			if i == clientLane {
				l.Debug("client write failed, detaching", "tile", key.String(), "error", err)
				return
			}
			l.Warn("cache write failed, detaching", "cache", b.cacheName, "tile", key.String(), "error", err)
		}),
	)

	stop := context.AfterFunc(ctx, func() {
		sink.Detach(clientLane)
	})
	_, copyErr := io.Copy(sink, resp.Body)
	clientCancelled := !stop()

	if copyErr != nil && tw != nil {
		// never publish a truncated tile
		sink.Detach(cacheLane)
	}
	if err := sink.End(); err != nil {
		l.Debug("fan-out finished with consumer errors", "tile", key.String(), "error", err)
	}

	if tw != nil {
		if sink.Detached(cacheLane) {
			tw.Abort()
			metrics.CacheStores.WithLabelValues(b.cacheName, "error").Inc()
			if err := sink.Err(cacheLane); err != nil {
				l.Warn("tile not cached", "cache", b.cacheName, "tile", key.String(), "error", err)
			}
		} else {
			metrics.CacheStores.WithLabelValues(b.cacheName, "ok").Inc()
			l.Debug("tile cached", "cache", b.cacheName, "tile", key.String(), "subtype", resp.Subtype)
		}
	}

	if copyErr != nil && !errors.Is(copyErr, fanout.ErrNoConsumers) && ctx.Err() == nil {
		l.Error("upstream body failed mid-stream", "tile", key.String(), "error", copyErr)
	}

	switch {
	case clientCancelled || sink.Detached(clientLane):
		metrics.ClientDisconnects.Inc()
		l.Info("client went away during transfer", "tile", key.String())
		return ClientGone
	case copyErr != nil:
		return UpstreamFailed
	default:
		return Fetched
	}
}

// cacheConsumer publishes the tile once the whole body went through.
type cacheConsumer struct {
	cache.TileWriter
}

func (c cacheConsumer) End() error {
	return c.Commit()
}

func writeError(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(ErrorBody)))
	w.WriteHeader(http.StatusInternalServerError)
	io.WriteString(w, ErrorBody)
}
