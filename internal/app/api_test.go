package app

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jaennil/guide_helper/backend/tmsproxy/internal/entity"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/config"
	"github.com/jaennil/guide_helper/backend/tmsproxy/pkg/logger"
)

func TestBuildSources(t *testing.T) {
	sources, err := buildSources([]config.TileSourceConfig{
		{Name: "osm", Cache: "disk", MinZoom: 0, MaxZoom: 19, Sources: []string{"http://a/{z}/{x}/{y}.png"}},
	})
	if err != nil {
		t.Fatalf("buildSources: %v", err)
	}
	if len(sources) != 1 || sources[0].Name() != "osm" || sources[0].Cache() != "disk" {
		t.Fatalf("unexpected sources %+v", sources)
	}
	if got := sources[0].Resolve(1, 2, 3); got != "http://a/1/2/3.png" {
		t.Errorf("Resolve = %q", got)
	}
}

func TestBuildSources_InvalidIsConfigurationError(t *testing.T) {
	_, err := buildSources([]config.TileSourceConfig{
		{Name: "osm", MinZoom: 5, MaxZoom: 1, Sources: []string{"http://a/{z}/{x}/{y}.png"}},
	})

	var cfgErr *config.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error %v is not a ConfigurationError", err)
	}
	if cfgErr.Field != "tiles[0]" {
		t.Errorf("field = %q, want tiles[0]", cfgErr.Field)
	}
	if !errors.Is(err, entity.ErrInvalidZoomRange) {
		t.Errorf("error %v does not wrap ErrInvalidZoomRange", err)
	}
}

func TestBuildCaches(t *testing.T) {
	dir := t.TempDir()
	caches, err := buildCaches([]config.CacheConfig{
		{Name: "disk", Type: "filesystem", MaxAge: time.Hour, MaxElements: 10, Directory: filepath.Join(dir, "disk")},
		{Name: "mem", Type: "memory", MaxAge: time.Hour, MaxElements: 10},
	}, logger.Nop())
	if err != nil {
		t.Fatalf("buildCaches: %v", err)
	}
	if len(caches) != 2 || caches["disk"] == nil || caches["mem"] == nil {
		t.Fatalf("unexpected caches %v", caches)
	}
	if err := closeCaches(caches); err != nil {
		t.Errorf("closeCaches: %v", err)
	}
}

func TestBuildCaches_UnknownType(t *testing.T) {
	_, err := buildCaches([]config.CacheConfig{
		{Name: "mem", Type: "memory", MaxAge: time.Hour, MaxElements: 10},
		{Name: "broken", Type: "tape", MaxAge: time.Hour, MaxElements: 10},
	}, logger.Nop())
	if err == nil {
		t.Fatal("expected error for unknown cache type")
	}
}
