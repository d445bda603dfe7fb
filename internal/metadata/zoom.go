package metadata

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"github.com/mohammed-shakir/tileindex/internal/tile"
)

const (
	topZoom = 22
	// tiles averaging less than this are considered detailed enough
	detailBytes = 1000
	// tiles averaging more than this are too heavy to render
	heavyBytes = 500 * 1024
)

// DeriveZoom suggests a zoom window for rendering bytes of data spread over
// b. It is a heuristic: walking from zoom 22 towards 0, maxZoom is the coarsest
// zoom whose tiles still average under 1000 bytes, and minZoom is the first zoom
// whose tiles average over 500 KB. When the box fits a single tile the data
// renders at every coarser zoom, so minZoom is 0.
//
// An inverted (empty) box yields 0, 0.
func DeriveZoom(bytes int64, b orb.Bound) (minZoom, maxZoom int) {
	if b.Min.Lon() > b.Max.Lon() || b.Min.Lat() > b.Max.Lat() {
		return 0, 0
	}
	maxZoom = -1
	for z := topZoom; z >= 0; z-- {
		sw := tile.At(b.Min, maptile.Zoom(z))
		ne := tile.At(b.Max, maptile.Zoom(z))
		tiles := span(sw.X, ne.X) * span(ne.Y, sw.Y)
		avg := float64(bytes) / float64(tiles)

		if avg < detailBytes {
			maxZoom = z
		}
		if avg > heavyBytes {
			if maxZoom < 0 {
				maxZoom = z
			}
			return z, maxZoom
		}
		if tiles == 1 {
			break
		}
	}
	if maxZoom < 0 {
		maxZoom = 0
	}
	return 0, maxZoom
}

func span(lo, hi uint32) int64 {
	if hi < lo {
		lo, hi = hi, lo
	}
	return int64(hi-lo) + 1
}
