package upstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/repository/cache"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/config"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/metrics"
)

const tracerName = "github.com/jaennil/guide_helper/backend/tmsproxy/upstream"

var (
	ErrNotFound    = errors.New("upstream tile not found")
	ErrStatus      = errors.New("unexpected upstream status")
	ErrContentType = errors.New("upstream content is not an image")
)

// Response is a validated upstream tile. The caller owns Body.
type Response struct {
	StatusCode    int
	ContentType   string
	ContentLength int64
	Subtype       string
	Body          io.ReadCloser
}

// Client fetches tiles over a shared connection pool.
type Client struct {
	http      *http.Client
	userAgent string
}

func NewClient(cfg config.Upstream) *Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConnsPerHost * 4,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	return NewClientWithHTTP(&http.Client{Transport: transport}, cfg.UserAgent)
}

func NewClientWithHTTP(c *http.Client, userAgent string) *Client {
	return &Client{
		http:      c,
		userAgent: userAgent,
	}
}

// Fetch issues a GET for one tile and validates status and content type.
// On any error the body is already closed.
func (c *Client) Fetch(ctx context.Context, set, url string) (*Response, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "upstream.Fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("tile.set", set),
			attribute.String("url.full", url),
		),
	)
	defer span.End()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, c.fail(span, set, "invalid_request", fmt.Errorf("failed to create request: %w", err))
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	start := time.Now()
	resp, err := c.http.Do(req)
	metrics.UpstreamLatency.WithLabelValues(set).Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, c.fail(span, set, "transport_error", fmt.Errorf("failed to fetch tile from upstream: %w", err))
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode == http.StatusNotFound {
		drain(resp.Body)
		metrics.UpstreamRequests.WithLabelValues(set, "not_found").Inc()
		return nil, ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp.Body)
		return nil, c.fail(span, set, "bad_status", fmt.Errorf("%w: %d", ErrStatus, resp.StatusCode))
	}

	contentType := resp.Header.Get("Content-Type")
	subtype := cache.SubtypeFromContentType(contentType)
	if subtype == "" {
		drain(resp.Body)
		return nil, c.fail(span, set, "bad_content_type", fmt.Errorf("%w: %q", ErrContentType, contentType))
	}

	metrics.UpstreamRequests.WithLabelValues(set, "ok").Inc()
	span.SetStatus(codes.Ok, "")

	return &Response{
		StatusCode:    resp.StatusCode,
		ContentType:   contentType,
		ContentLength: resp.ContentLength,
		Subtype:       subtype,
		Body:          resp.Body,
	}, nil
}

func (c *Client) fail(span trace.Span, set, result string, err error) error {
	metrics.UpstreamRequests.WithLabelValues(set, result).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// drain lets the transport reuse the connection for small error bodies.
func drain(body io.ReadCloser) {
	io.CopyN(io.Discard, body, 4<<10)
	body.Close()
}
