package v1

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/infrastructure/http/v1/handler"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/telemetry"
)

const requestIDHeader = "X-Request-ID"

func NewRouter(h *handler.Handler, l logger.Logger, telemetryEnabled bool, serviceName string) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(gin.Recovery())

	if telemetryEnabled {
		r.Use(telemetry.GinMiddleware(serviceName))
	}

	r.Use(ginZapLogger(l))

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.GET("/tms/:name/:z/:x/:y", h.Tile)

	r.NoRoute(h.NotFound)

	return r
}

// ginZapLogger tags each request with an id, hands a request scoped logger
// down through the request context and writes one access log line.
func ginZapLogger(l logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(requestIDHeader, requestID)

		rl := logger.With(l, "request_id", requestID)
		c.Request = c.Request.WithContext(logger.WithLogger(c.Request.Context(), rl))
		c.Set("logger", rl)

		start := time.Now()

		c.Next()

		latency := time.Since(start)

		fields := []any{
			"status", c.Writer.Status(),
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"ip", c.ClientIP(),
			"latency", latency,
			"size", c.Writer.Size(),
		}
		if outcome, ok := c.Get(handler.OutcomeKey); ok {
			fields = append(fields, "outcome", outcome)
		}

		rl.Info("request", fields...)
	}
}
