// Package tile maps geometries onto web-mercator quadtree tiles addressed by
// quadkeys. A quadkey has one base-4 digit per zoom level; the root tile is "".
package tile

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// MaxZoom is the leaf depth used for points and as the upper bound when
// searching for the tile covering a bounding box.
const MaxZoom maptile.Zoom = 28

// mercator latitude limit
const maxLat = 85.0511287798066

var ErrUnsupportedGeometry = errors.New("unsupported geometry")

// At returns the tile containing p at zoom z. Coordinates outside the
// mercator range are clamped onto the edge tiles.
func At(p orb.Point, z maptile.Zoom) maptile.Tile {
	n := math.Exp2(float64(z))
	lon := clamp(p.Lon(), -180, 180)
	lat := clamp(p.Lat(), -maxLat, maxLat)

	x := math.Floor((lon + 180) / 360 * n)
	sin := math.Sin(lat * math.Pi / 180)
	y := math.Floor((0.5 - 0.25*math.Log((1+sin)/(1-sin))/math.Pi) * n)

	x = clamp(x, 0, n-1)
	y = clamp(y, 0, n-1)
	return maptile.New(uint32(x), uint32(y), z)
}

// Quadkey encodes t as a base-4 digit string of length t.Z.
func Quadkey(t maptile.Tile) string {
	b := make([]byte, t.Z)
	for i := t.Z; i > 0; i-- {
		digit := byte('0')
		mask := uint32(1) << (i - 1)
		if t.X&mask != 0 {
			digit++
		}
		if t.Y&mask != 0 {
			digit += 2
		}
		b[t.Z-i] = digit
	}
	return string(b)
}

// FromQuadkey decodes a quadkey back into its tile.
func FromQuadkey(q string) (maptile.Tile, error) {
	if len(q) > 32 {
		return maptile.Tile{}, fmt.Errorf("quadkey %q too deep", q)
	}
	var x, y uint32
	for i := 0; i < len(q); i++ {
		x <<= 1
		y <<= 1
		switch q[i] {
		case '0':
		case '1':
			x |= 1
		case '2':
			y |= 1
		case '3':
			x |= 1
			y |= 1
		default:
			return maptile.Tile{}, fmt.Errorf("invalid quadkey digit %q in %q", q[i], q)
		}
	}
	return maptile.New(x, y, maptile.Zoom(len(q))), nil
}

// ForPoint returns the leaf quadkey for p.
func ForPoint(p orb.Point) string {
	return Quadkey(At(p, MaxZoom))
}

// ForBound returns the quadkey of the deepest tile that contains both
// corners of b. Boxes reaching past the antimeridian belong to the root.
func ForBound(b orb.Bound) string {
	if b.Min.Lon() < -180 || b.Max.Lon() > 180 {
		return ""
	}
	sw := ForPoint(orb.Point{b.Min.Lon(), b.Min.Lat()})
	ne := ForPoint(orb.Point{b.Max.Lon(), b.Max.Lat()})
	n := 0
	for n < len(sw) && sw[n] == ne[n] {
		n++
	}
	return sw[:n]
}

// ForGeometry returns the quadkey a geometry is indexed under.
func ForGeometry(g orb.Geometry) (string, error) {
	switch v := g.(type) {
	case nil:
		return "", fmt.Errorf("%w: nil geometry", ErrUnsupportedGeometry)
	case orb.Point:
		return ForPoint(v), nil
	case orb.Collection:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedGeometry, v.GeoJSONType())
	case orb.MultiPoint, orb.LineString, orb.MultiLineString, orb.Ring,
		orb.Polygon, orb.MultiPolygon, orb.Bound:
		return ForBound(v.Bound()), nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnsupportedGeometry, g)
	}
}

// Ancestors returns the proper ancestors of q, parent first, root last.
func Ancestors(q string) []string {
	out := make([]string, 0, len(q))
	for i := len(q) - 1; i >= 0; i-- {
		out = append(out, q[:i])
	}
	return out
}

// IsDescendant reports whether q lies within (or equals) ancestor.
func IsDescendant(q, ancestor string) bool {
	return len(q) >= len(ancestor) && q[:len(ancestor)] == ancestor
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
