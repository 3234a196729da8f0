package entity

import (
	"errors"
	"fmt"
	"math/rand"
)

var (
	ErrNoSources        = errors.New("tile source needs at least one url template")
	ErrInvalidZoomRange = errors.New("minZoom must not be greater than maxZoom")
)

// TileSource is a named tile layer. It is immutable after construction and
// shared by all request handlers without locking.
type TileSource struct {
	name    string
	cache   string
	minZoom int
	maxZoom int
	urls    []URLTemplate
}

func NewTileSource(name, cache string, minZoom, maxZoom int, templates []string) (*TileSource, error) {
	if len(templates) == 0 {
		return nil, ErrNoSources
	}
	if minZoom < 0 || minZoom > maxZoom {
		return nil, fmt.Errorf("%w: got %d..%d", ErrInvalidZoomRange, minZoom, maxZoom)
	}

	urls := make([]URLTemplate, 0, len(templates))
	for i, raw := range templates {
		t, err := ParseURLTemplate(raw)
		if err != nil {
			return nil, fmt.Errorf("source %d: %w", i, err)
		}
		urls = append(urls, t)
	}

	return &TileSource{
		name:    name,
		cache:   cache,
		minZoom: minZoom,
		maxZoom: maxZoom,
		urls:    urls,
	}, nil
}

func (s *TileSource) Name() string  { return s.name }
func (s *TileSource) Cache() string { return s.cache }
func (s *TileSource) MinZoom() int  { return s.minZoom }
func (s *TileSource) MaxZoom() int  { return s.maxZoom }

func (s *TileSource) AcceptsZoom(z int) bool {
	return z >= s.minZoom && z <= s.maxZoom
}

// Resolve picks one of the configured mirrors uniformly at random and fills
// in the coordinate. There is no failover: a retry may land on another mirror.
func (s *TileSource) Resolve(z, x, y int) string {
	t := s.urls[0]
	if len(s.urls) > 1 {
		t = s.urls[rand.Intn(len(s.urls))]
	}
	return t.Resolve(z, x, y)
}
