// Package codec converts features to and from store records. Payloads are a
// msgpack envelope around WKB geometry and JSON properties; payloads over the
// overflow threshold are zstd compressed into the blob store and the record
// keeps only their URL.
package codec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/encoding/wkb"
	"github.com/paulmach/orb/geojson"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/mohammed-shakir/tileindex/internal/blob"
	"github.com/mohammed-shakir/tileindex/internal/ids"
	"github.com/mohammed-shakir/tileindex/internal/store"
	"github.com/mohammed-shakir/tileindex/internal/tile"
)

// DefaultThreshold is the payload size above which geometry spills to the
// blob store.
const DefaultThreshold = 10 * 1024

const payloadVersion = 1

var (
	ErrUnlocatedFeature = errors.New("feature has no geometry coordinates")
	ErrCorruptPayload   = errors.New("corrupt feature payload")
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

type envelope struct {
	_msgpack   struct{} `msgpack:",as_array"`
	Version    uint8
	ID         string
	Geometry   []byte
	Properties []byte
}

// Overflow is a payload that must be written to the blob store before the
// record referencing it.
type Overflow struct {
	URL  string
	Body []byte
}

// Fetcher reads overflow payloads.
type Fetcher interface {
	Get(ctx context.Context, rawURL string) ([]byte, error)
}

type Codec struct {
	// Threshold in bytes; 0 means DefaultThreshold.
	Threshold int
	// Blob locates new overflow objects. When disabled every payload is
	// stored inline regardless of size.
	Blob     blob.Locator
	Assigner ids.Assigner
}

func (c Codec) threshold() int {
	if c.Threshold <= 0 {
		return DefaultThreshold
	}
	return c.Threshold
}

// ToRecord assigns the feature its id and encodes it for dataset.
func (c Codec) ToRecord(ctx context.Context, f *geojson.Feature, dataset string) (store.Record, *Overflow, error) {
	if f == nil || f.Geometry == nil || empty(f.Geometry) {
		return store.Record{}, nil, ErrUnlocatedFeature
	}
	cell, err := tile.ForGeometry(f.Geometry)
	if err != nil {
		return store.Record{}, nil, err
	}
	id, err := c.Assigner.Assign(ctx, f, dataset)
	if err != nil {
		return store.Record{}, nil, err
	}

	payload, err := Encode(f, id)
	if err != nil {
		return store.Record{}, nil, err
	}
	b := StoredBound(f.Geometry.Bound())
	rec := store.Record{
		Dataset: dataset,
		Key:     ids.FeatureKey(id),
		Cell:    ids.CellKey(cell),
		West:    b.Min.Lon(),
		South:   b.Min.Lat(),
		East:    b.Max.Lon(),
		North:   b.Max.Lat(),
		Size:    int64(len(payload)),
	}
	if len(payload) <= c.threshold() || !c.Blob.Enabled() {
		rec.Val = payload
		return rec, nil, nil
	}
	sum := strconv.FormatUint(xxhash.Sum64(payload), 16)
	rec.BlobURL = c.Blob.URL(dataset, id, sum)
	return rec, &Overflow{URL: rec.BlobURL, Body: encoder.EncodeAll(payload, nil)}, nil
}

// Measure returns the encoded size and stored bounds f would have, without
// assigning it an id.
func Measure(f *geojson.Feature) (int64, orb.Bound, error) {
	if f == nil || f.Geometry == nil || empty(f.Geometry) {
		return 0, orb.Bound{}, ErrUnlocatedFeature
	}
	id, _ := ids.Normalize(f.ID)
	payload, err := Encode(f, id)
	if err != nil {
		return 0, orb.Bound{}, err
	}
	return int64(len(payload)), StoredBound(f.Geometry.Bound()), nil
}

// StoredBound cuts b to six decimal places, moving min edges down and max
// edges up so the result still contains b.
func StoredBound(b orb.Bound) orb.Bound {
	return orb.Bound{
		Min: orb.Point{roundDown(b.Min.Lon()), roundDown(b.Min.Lat())},
		Max: orb.Point{roundUp(b.Max.Lon()), roundUp(b.Max.Lat())},
	}
}

// FromRecord rebuilds the feature a record holds, reading overflow payloads
// through fetch.
func FromRecord(ctx context.Context, rec store.Record, fetch Fetcher) (*geojson.Feature, error) {
	payload := rec.Val
	if rec.BlobURL != "" {
		if fetch == nil {
			return nil, fmt.Errorf("record %s/%s references %s but no blob store is configured", rec.Dataset, rec.Key, rec.BlobURL)
		}
		body, err := fetch.Get(ctx, rec.BlobURL)
		if errors.Is(err, blob.ErrNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrCorruptPayload, err)
		}
		if err != nil {
			return nil, err
		}
		payload, err = decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrCorruptPayload, rec.BlobURL, err)
		}
	}
	f, err := Decode(payload)
	if err != nil {
		return nil, fmt.Errorf("%s/%s: %w", rec.Dataset, rec.Key, err)
	}
	if f.ID == "" {
		_, f.ID = ids.SplitKey(rec.Key)
	}
	return f, nil
}

// Encode serializes f under id.
func Encode(f *geojson.Feature, id string) ([]byte, error) {
	g := f.Geometry
	switch v := g.(type) {
	case orb.Bound:
		g = v.ToPolygon()
	case orb.Ring:
		g = orb.Polygon{v}
	}
	geom, err := wkb.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode geometry: %w", err)
	}
	props := f.Properties
	if props == nil {
		props = geojson.Properties{}
	}
	pj, err := json.Marshal(props)
	if err != nil {
		return nil, fmt.Errorf("encode properties: %w", err)
	}
	return msgpack.Marshal(&envelope{
		Version:    payloadVersion,
		ID:         id,
		Geometry:   geom,
		Properties: pj,
	})
}

// Decode parses a payload produced by Encode. The returned feature always has
// a string id (possibly empty) and non-nil properties.
func Decode(payload []byte) (*geojson.Feature, error) {
	var env envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptPayload, err)
	}
	if env.Version != payloadVersion {
		return nil, fmt.Errorf("%w: unknown payload version %d", ErrCorruptPayload, env.Version)
	}
	g, err := wkb.Unmarshal(env.Geometry)
	if err != nil {
		return nil, fmt.Errorf("%w: geometry: %v", ErrCorruptPayload, err)
	}
	f := geojson.NewFeature(g)
	f.ID = env.ID
	if len(env.Properties) > 0 {
		if err := json.Unmarshal(env.Properties, &f.Properties); err != nil {
			return nil, fmt.Errorf("%w: properties: %v", ErrCorruptPayload, err)
		}
	}
	if f.Properties == nil {
		f.Properties = geojson.Properties{}
	}
	return f, nil
}

// micro scales v to millionths, snapping values that are a rounding error
// away from a whole millionth.
func micro(v float64) float64 {
	m := v * 1e6
	if r := math.Round(m); math.Abs(m-r) < 1e-6 {
		return r
	}
	return m
}

func roundDown(v float64) float64 { return math.Floor(micro(v)) / 1e6 }

func roundUp(v float64) float64 { return math.Ceil(micro(v)) / 1e6 }

// empty reports whether g has no coordinates to locate it by.
func empty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.Point, orb.Bound:
		return false
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.Ring:
		return len(v) == 0
	case orb.MultiLineString:
		for _, ls := range v {
			if len(ls) > 0 {
				return false
			}
		}
		return true
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		for _, p := range v {
			if len(p) > 0 && len(p[0]) > 0 {
				return false
			}
		}
		return true
	case orb.Collection:
		return len(v) == 0
	default:
		return false
	}
}
