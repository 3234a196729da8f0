package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

const (
	DefaultMaxAge      = 48 * time.Hour
	DefaultMaxElements = 500_000
)

var ErrInvalidSubtype = errors.New("invalid content subtype")

type TileCacheKey struct {
	Set string
	Z   int
	X   int
	Y   int
}

func (k TileCacheKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", k.Set, k.Z, k.X, k.Y)
}

// CachedTile is the result of a lookup. The zero value is a miss. A hit
// carries a non-empty Subtype and either a file Path or in-memory Data.
type CachedTile struct {
	Subtype string
	Path    string
	Data    []byte
}

func (t CachedTile) Empty() bool {
	return t.Subtype == ""
}

func (t CachedTile) ContentType() string {
	return "image/" + t.Subtype
}

// TileWriter receives the bytes of one tile. Nothing becomes visible to
// lookups until Commit succeeds. Abort discards the pending write.
type TileWriter interface {
	io.Writer
	Commit() error
	Abort() error
}

type SweepStats struct {
	Scanned int
	Expired int
	Evicted int
}

// TileCache persists tiles by coordinate. Get returns a zero CachedTile on a
// miss or an expired entry.
type TileCache interface {
	Get(ctx context.Context, k TileCacheKey) (CachedTile, error)
	BeginStore(ctx context.Context, k TileCacheKey, subtype string) (TileWriter, error)
	// Sweep drops expired entries and evicts the oldest ones above the
	// population cap. It runs outside the request path.
	Sweep(ctx context.Context) (SweepStats, error)
	Close() error
}

// Store writes a complete payload through BeginStore.
func Store(ctx context.Context, c TileCache, k TileCacheKey, payload []byte, subtype string) error {
	w, err := c.BeginStore(ctx, k, subtype)
	if err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		w.Abort()
		return err
	}
	return w.Commit()
}

// SubtypeFromContentType returns the part after "image/" with parameters
// removed, or "" when the content type is not an image.
func SubtypeFromContentType(contentType string) string {
	ct := strings.TrimSpace(contentType)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if len(ct) < len("image/") || !strings.EqualFold(ct[:len("image/")], "image/") {
		return ""
	}
	return strings.ToLower(ct[len("image/"):])
}

// validSubtype guards file names built from upstream headers.
func validSubtype(s string) error {
	if s == "" || len(s) > 64 {
		return fmt.Errorf("%w: %q", ErrInvalidSubtype, s)
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '+', r == '-', r == '.':
		default:
			return fmt.Errorf("%w: %q", ErrInvalidSubtype, s)
		}
	}
	return nil
}
