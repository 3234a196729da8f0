package entity

import (
	"fmt"
	"strconv"
	"strings"
)

type TileCoordinate struct {
	Set string
	Z   int
	X   int
	Y   int
}

func (c TileCoordinate) String() string {
	return fmt.Sprintf("%s/%d/%d/%d", c.Set, c.Z, c.X, c.Y)
}

// ParseTileCoordinate parses route parameters. A trailing extension on y
// (".png") is dropped. ok is false when any value is not a non-negative integer.
func ParseTileCoordinate(set, z, x, y string) (TileCoordinate, bool) {
	if i := strings.IndexByte(y, '.'); i >= 0 {
		y = y[:i]
	}

	zi, ok := parseNonNegative(z)
	if !ok {
		return TileCoordinate{}, false
	}
	xi, ok := parseNonNegative(x)
	if !ok {
		return TileCoordinate{}, false
	}
	yi, ok := parseNonNegative(y)
	if !ok {
		return TileCoordinate{}, false
	}

	return TileCoordinate{Set: set, Z: zi, X: xi, Y: yi}, true
}

func parseNonNegative(s string) (int, bool) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, false
	}
	return v, true
}
