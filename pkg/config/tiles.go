package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultPort            = 80
	DefaultTileMinZoom     = 0
	DefaultTileMaxZoom     = 20
	DefaultCacheMaxAge     = "48h"
	DefaultCacheMaxElement = 500_000
	DefaultCacheType       = "filesystem"
)

// ConfigurationError reports an invalid tile configuration. The process
// must not start when one is returned.
type ConfigurationError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("invalid configuration")
	if e.Field != "" {
		fmt.Fprintf(&b, ": '%s'", e.Field)
	}
	if e.Message != "" {
		b.WriteString(" ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}

type TilesFile struct {
	Port   int
	Tiles  []TileSourceConfig
	Caches []CacheConfig
}

type TileSourceConfig struct {
	Name    string
	Cache   string
	MinZoom int
	MaxZoom int
	Sources []string
}

type CacheConfig struct {
	Name        string
	Type        string
	MaxAge      time.Duration
	MaxElements int
	Directory   string

	Address  string
	Password string
	DB       int
}

type rawTilesFile struct {
	Port   *int       `json:"port" validate:"omitempty,min=1,max=65535"`
	Tiles  []rawTile  `json:"tiles" validate:"required,min=1,dive"`
	Caches []rawCache `json:"caches" validate:"omitempty,dive"`
}

type rawTile struct {
	Name    string   `json:"name" validate:"required"`
	Cache   string   `json:"cache"`
	MinZoom *int     `json:"minZoom" validate:"omitempty,min=0"`
	MaxZoom *int     `json:"maxZoom" validate:"omitempty,min=0"`
	Sources []string `json:"sources" validate:"required,min=1,dive,required"`
}

type rawCache struct {
	Name        string  `json:"name" validate:"required"`
	Type        string  `json:"type" validate:"omitempty,oneof=filesystem hashfs sqlite redis memory"`
	MaxAge      *string `json:"maxAge"`
	MaxElements *int    `json:"maxElements" validate:"omitempty,min=1"`
	Directory   string  `json:"directory"`
	Address     string  `json:"address"`
	Password    string  `json:"password"`
	DB          int     `json:"db" validate:"min=0"`
}

// LoadTiles reads and validates the JSON tile configuration file.
func LoadTiles(path string) (*TilesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigurationError{Message: fmt.Sprintf("cannot read config file '%s'", path), Err: err}
	}
	return ParseTiles(data)
}

func ParseTiles(data []byte) (*TilesFile, error) {
	var raw rawTilesFile
	if err := json.NewDecoder(bytes.NewReader(data)).Decode(&raw); err != nil {
		return nil, decodeError(err)
	}

	if err := newValidator().Struct(raw); err != nil {
		return nil, validationError(err)
	}

	cfg := &TilesFile{Port: DefaultPort}
	if raw.Port != nil {
		cfg.Port = *raw.Port
	}

	seen := make(map[string]bool, len(raw.Tiles))
	for i, t := range raw.Tiles {
		field := fmt.Sprintf("tiles[%d]", i)
		if seen[t.Name] {
			return nil, &ConfigurationError{Field: field + ".name", Message: fmt.Sprintf("duplicate tile source named '%s'", t.Name)}
		}
		seen[t.Name] = true

		ts := TileSourceConfig{
			Name:    t.Name,
			Cache:   t.Cache,
			MinZoom: intOr(t.MinZoom, DefaultTileMinZoom),
			MaxZoom: intOr(t.MaxZoom, DefaultTileMaxZoom),
			Sources: t.Sources,
		}
		if ts.MinZoom > ts.MaxZoom {
			return nil, &ConfigurationError{Field: field, Message: fmt.Sprintf("minZoom %d is greater than maxZoom %d", ts.MinZoom, ts.MaxZoom)}
		}
		cfg.Tiles = append(cfg.Tiles, ts)
	}

	seen = make(map[string]bool, len(raw.Caches))
	for i, c := range raw.Caches {
		field := fmt.Sprintf("caches[%d]", i)
		if seen[c.Name] {
			return nil, &ConfigurationError{Field: field + ".name", Message: fmt.Sprintf("duplicate cache named '%s'", c.Name)}
		}
		seen[c.Name] = true

		maxAgeRaw := DefaultCacheMaxAge
		if c.MaxAge != nil {
			maxAgeRaw = *c.MaxAge
		}
		maxAge, err := ParseDuration(maxAgeRaw)
		if err != nil {
			return nil, &ConfigurationError{Field: field + ".maxAge", Message: "is not a valid duration", Err: err}
		}

		cacheType := c.Type
		if cacheType == "" {
			cacheType = DefaultCacheType
		}
		switch cacheType {
		case "redis":
			if c.Address == "" {
				return nil, &ConfigurationError{Field: field + ".address", Message: "is required for redis caches"}
			}
		case "memory":
		default:
			if c.Directory == "" {
				return nil, &ConfigurationError{Field: field + ".directory", Message: "is required"}
			}
		}

		cfg.Caches = append(cfg.Caches, CacheConfig{
			Name:        c.Name,
			Type:        cacheType,
			MaxAge:      maxAge,
			MaxElements: intOr(c.MaxElements, DefaultCacheMaxElement),
			Directory:   c.Directory,
			Address:     c.Address,
			Password:    c.Password,
			DB:          c.DB,
		})
	}

	return cfg, nil
}

// ParseDuration accepts an integer with an s, m, h or d suffix. A bare
// integer is a number of hours.
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty duration")
	}

	number := s
	unit, ok := durationUnits[s[len(s)-1]]
	if ok {
		number = strings.TrimSpace(s[:len(s)-1])
	} else {
		unit = time.Hour
	}

	value, err := strconv.Atoi(number)
	if err != nil {
		return 0, fmt.Errorf("unable to parse duration '%s': %w", s, err)
	}
	if value <= 0 {
		return 0, fmt.Errorf("duration '%s' must be positive", s)
	}

	return time.Duration(value) * unit, nil
}

var durationUnits = map[byte]time.Duration{
	's': time.Second,
	'm': time.Minute,
	'h': time.Hour,
	'd': 24 * time.Hour,
}

func intOr(v *int, def int) int {
	if v == nil {
		return def
	}
	return *v
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return &ConfigurationError{Err: err}
	}

	fe := verrs[0]
	field := fe.Namespace()
	if _, rest, ok := strings.Cut(field, "."); ok {
		field = rest
	}

	var msg string
	switch fe.Tag() {
	case "required":
		msg = "is required"
	case "min":
		if fe.Kind() == reflect.Slice {
			msg = fmt.Sprintf("must contain at least %s element(s)", fe.Param())
		} else {
			msg = fmt.Sprintf("must be at least %s", fe.Param())
		}
	case "max":
		msg = fmt.Sprintf("must be at most %s", fe.Param())
	case "oneof":
		msg = fmt.Sprintf("must be one of [%s]", fe.Param())
	default:
		msg = fmt.Sprintf("failed '%s' validation", fe.Tag())
	}

	return &ConfigurationError{Field: field, Message: msg}
}

func decodeError(err error) error {
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &typeErr) {
		return &ConfigurationError{Field: typeErr.Field, Message: fmt.Sprintf("must be of type %s", typeErr.Type)}
	}
	return &ConfigurationError{Message: "is not valid JSON", Err: err}
}
