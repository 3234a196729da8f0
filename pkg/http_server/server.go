package http_server

import (
	"context"
	"net/http"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/config"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
)

func NewServer(ctx context.Context, port string, cfg config.Server, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           withLoggingMiddleware(ctx, handler),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
	}
}

// withLoggingMiddleware makes the application logger reachable from every
// request context. The request keeps its own cancellation.
func withLoggingMiddleware(ctx context.Context, next http.Handler) http.Handler {
	l := logger.FromContext(ctx)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		l.Debug("new request", "method", r.Method, "path", r.URL.Path, "ip", r.RemoteAddr)

		start := time.Now()

		next.ServeHTTP(w, r.WithContext(logger.WithLogger(r.Context(), l)))

		l.Debug("new response", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}
