// Package query turns a bounding box into tile scoped lookups against the
// cell index and assembles the matching features.
//
// Every feature is indexed under the single tile that covers its box. A query
// box is cut into pieces that each sit inside one quadrant, and for every
// piece's covering tile the planner asks for (a) all cells below the tile and
// (b) the exact cell of each ancestor, so coarse features indexed above the
// tile are still found.
package query

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/tileindex/internal/tile"
)

// eps keeps split parts off the split line when choosing tiles. It is far
// below the width of a leaf tile.
const eps = 1e-8

var ErrInvalidBound = errors.New("invalid bounding box")

// SubQuery is one lookup on the cell index. Prefix is a quadkey; Exact asks
// for that cell only, otherwise every descendant cell matches too.
type SubQuery struct {
	Prefix string
	Exact  bool
	Filter orb.Bound
}

func (q SubQuery) String() string {
	mode := "below"
	if q.Exact {
		mode = "at"
	}
	return fmt.Sprintf("%s %q %v", mode, q.Prefix, q.Filter)
}

// ParseBound reads "west,south,east,north".
func ParseBound(s string) (orb.Bound, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("%w: %q: want west,south,east,north", ErrInvalidBound, s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return orb.Bound{}, fmt.Errorf("%w: %q: %v", ErrInvalidBound, s, err)
		}
		v[i] = f
	}
	b := orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
	return b, Validate(b)
}

// Validate rejects boxes the planner cannot interpret. West may exceed east
// (a box crossing the antimeridian); south may not exceed north.
func Validate(b orb.Bound) error {
	for _, v := range []float64{b.Min.Lon(), b.Min.Lat(), b.Max.Lon(), b.Max.Lat()} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite coordinate in %v", ErrInvalidBound, b)
		}
	}
	if b.Min.Lat() > b.Max.Lat() {
		return fmt.Errorf("%w: south %v above north %v", ErrInvalidBound, b.Min.Lat(), b.Max.Lat())
	}
	return nil
}

// Wrap folds a box onto [-180,180] longitude, returning two pieces when it
// crosses the antimeridian. Latitudes are clamped to [-90,90].
func Wrap(b orb.Bound) []orb.Bound {
	south := math.Max(b.Min.Lat(), -90)
	north := math.Min(b.Max.Lat(), 90)
	west, east := b.Min.Lon(), b.Max.Lon()

	box := func(w, e float64) orb.Bound {
		return orb.Bound{Min: orb.Point{w, south}, Max: orb.Point{e, north}}
	}

	if west > east {
		// already wrapped: west edge in the east, east edge in the west
		west = normalizeLon(west)
		east = normalizeLon(east)
		if west <= east {
			return []orb.Bound{box(-180, 180)}
		}
		return []orb.Bound{box(west, 180), box(-180, east)}
	}
	if east-west >= 360 {
		return []orb.Bound{box(-180, 180)}
	}
	for west < -180 && east < -180 {
		west, east = west+360, east+360
	}
	for west > 180 && east > 180 {
		west, east = west-360, east-360
	}
	switch {
	case west < -180:
		return []orb.Bound{box(west+360, 180), box(-180, east)}
	case east > 180:
		return []orb.Bound{box(west, 180), box(-180, east-360)}
	default:
		return []orb.Bound{box(west, east)}
	}
}

func normalizeLon(v float64) float64 {
	for v > 180 {
		v -= 360
	}
	for v < -180 {
		v += 360
	}
	return v
}

// part is a piece of the query confined to one quadrant. cover is the box
// used to pick its tile; filter is what stored boxes are matched against.
type part struct {
	cover  orb.Bound
	filter orb.Bound
}

// Split cuts a wrapped piece along the prime meridian and the equator where
// it reaches into both halves. Longitude 0 is indexed in the eastern half and
// latitude 0 in the southern one, so a box that only touches the line from
// the other side is cut too. Split edges are pulled in by eps for tile choice
// only; the filter stays the whole piece, so features on a split line are
// matched from either side.
func split(piece orb.Bound) []part {
	w, e := piece.Min.Lon(), piece.Max.Lon()
	lons := [][2]float64{{w, e}}
	if w < 0 && e >= 0 {
		lons = [][2]float64{{math.Min(w, -eps), -eps}, {eps, math.Max(e, eps)}}
	}
	s, n := piece.Min.Lat(), piece.Max.Lat()
	lats := [][2]float64{{s, n}}
	if s <= 0 && n > 0 {
		lats = [][2]float64{{math.Min(s, -eps), -eps}, {eps, math.Max(n, eps)}}
	}
	out := make([]part, 0, len(lons)*len(lats))
	for _, lon := range lons {
		for _, lat := range lats {
			out = append(out, part{
				cover:  orb.Bound{Min: orb.Point{lon[0], lat[0]}, Max: orb.Point{lon[1], lat[1]}},
				filter: piece,
			})
		}
	}
	return out
}

type candidate struct {
	quadkey   string
	filter    orb.Bound
	redundant bool
}

// Plan expands a query box into the deduplicated set of sub-queries that
// together return every stored feature whose box overlaps it.
func Plan(b orb.Bound) []SubQuery {
	var cands []candidate
	var shifted []SubQuery
	for _, piece := range Wrap(b) {
		parts := split(piece)
		if len(parts) > 1 {
			// the unsplit piece's own tile, kept only if nothing else remains
			cands = append(cands, candidate{quadkey: tile.ForBound(piece), filter: piece, redundant: true})
		}
		for _, p := range parts {
			cands = append(cands, candidate{quadkey: tile.ForBound(p.cover), filter: p.filter})
		}
		// features reaching past the antimeridian are indexed at the root
		// with their unwrapped coordinates
		if piece.Min.Lon() < 0 {
			shifted = append(shifted, SubQuery{Prefix: "", Exact: true, Filter: shift(piece, 360)})
		}
		if piece.Max.Lon() > 0 {
			shifted = append(shifted, SubQuery{Prefix: "", Exact: true, Filter: shift(piece, -360)})
		}
	}

	distinct := map[string]struct{}{}
	for _, c := range cands {
		distinct[c.quadkey] = struct{}{}
	}

	seen := map[SubQuery]struct{}{}
	var out []SubQuery
	add := func(q SubQuery) {
		if _, ok := seen[q]; ok {
			return
		}
		seen[q] = struct{}{}
		out = append(out, q)
	}
	for _, c := range cands {
		if c.redundant && len(distinct) > 1 {
			continue
		}
		add(SubQuery{Prefix: c.quadkey, Filter: c.filter})
		for _, a := range tile.Ancestors(c.quadkey) {
			add(SubQuery{Prefix: a, Exact: true, Filter: c.filter})
		}
	}
	for _, q := range shifted {
		add(q)
	}
	return out
}

func shift(b orb.Bound, dx float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{b.Min.Lon() + dx, b.Min.Lat()},
		Max: orb.Point{b.Max.Lon() + dx, b.Max.Lat()},
	}
}
