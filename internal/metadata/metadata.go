// Package metadata maintains the per-dataset summary record: feature count,
// cumulative payload size, edit count and the union of feature bounds.
//
// Every adjustment is a single-key conditional write. Counters and bounds are
// updated independently, so the summary is eventually consistent with the
// feature records and can always be rebuilt with Recompute.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tileindex/internal/codec"
	"github.com/mohammed-shakir/tileindex/internal/ids"
	"github.com/mohammed-shakir/tileindex/internal/store"
)

const recomputePageSize = 1000

var errEmptyChange = errors.New("metadata: empty change")

// Info is a dataset summary with its derived zoom range.
type Info struct {
	Dataset   string  `json:"dataset"`
	Count     int64   `json:"count"`
	Size      int64   `json:"size"`
	West      float64 `json:"west"`
	South     float64 `json:"south"`
	East      float64 `json:"east"`
	North     float64 `json:"north"`
	MinZoom   int     `json:"minzoom"`
	MaxZoom   int     `json:"maxzoom"`
	Updated   int64   `json:"updated"`
	EditCount int64   `json:"editcount"`
}

// Bound returns the stored bounds. It is inverted while the dataset is empty.
func (i Info) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{i.West, i.South}, Max: orb.Point{i.East, i.North}}
}

func infoFrom(rec store.Record) Info {
	info := Info{
		Dataset:   rec.Dataset,
		Count:     rec.Count,
		Size:      rec.Size,
		West:      rec.West,
		South:     rec.South,
		East:      rec.East,
		North:     rec.North,
		Updated:   rec.Updated,
		EditCount: rec.EditCount,
	}
	if info.Count > 0 {
		info.MinZoom, info.MaxZoom = DeriveZoom(info.Size, info.Bound())
	}
	return info
}

// Change describes one side of a feature write. Callers holding only the
// feature use RawFeature; callers that already encoded it use EncodedRecord.
type Change struct {
	feature *geojson.Feature
	record  *store.Record
}

func RawFeature(f *geojson.Feature) Change { return Change{feature: f} }

func EncodedRecord(rec store.Record) Change { return Change{record: &rec} }

func (c Change) measure() (int64, orb.Bound, error) {
	switch {
	case c.record != nil:
		return c.record.Size, c.record.Bound(), nil
	case c.feature != nil:
		return codec.Measure(c.feature)
	default:
		return 0, orb.Bound{}, errEmptyChange
	}
}

// Delta is the net effect of one or more feature writes.
type Delta struct {
	Count int64
	Size  int64
	Edits int64
	// Bound is applied only when HasBound is set.
	Bound    orb.Bound
	HasBound bool
}

// Aggregator applies feature changes to dataset summaries.
type Aggregator struct {
	store store.Store
	now   func() time.Time
	log   *slog.Logger
}

func New(s store.Store, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{store: s, now: time.Now, log: log}
}

// GetInfo returns the dataset summary; ok is false when none exists.
func (a *Aggregator) GetInfo(ctx context.Context, dataset string) (Info, bool, error) {
	rec, err := a.store.Get(ctx, dataset, ids.MetadataKey(dataset))
	if errors.Is(err, store.ErrNotFound) {
		return Info{}, false, nil
	}
	if err != nil {
		return Info{}, false, err
	}
	return infoFrom(rec), true, nil
}

// EnsureDefault creates an empty summary with inverted bounds unless one
// exists, and reports whether it created it.
func (a *Aggregator) EnsureDefault(ctx context.Context, dataset string) (bool, error) {
	rec := store.Record{
		Dataset: dataset,
		Key:     ids.MetadataKey(dataset),
		West:    180,
		South:   90,
		East:    -180,
		North:   -90,
		Updated: a.now().UnixMilli(),
	}
	err := a.store.Put(ctx, rec, store.IfAbsent)
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create metadata for %s: %w", dataset, err)
	}
	a.log.DebugContext(ctx, "metadata created", "dataset", dataset)
	return true, nil
}

// AdjustCounters adds deltas to an existing summary. It reports false, and
// changes nothing, when the summary does not exist.
func (a *Aggregator) AdjustCounters(ctx context.Context, dataset string, d store.Deltas) (bool, error) {
	if d.Updated == 0 {
		d.Updated = a.now().UnixMilli()
	}
	err := a.store.Update(ctx, dataset, ids.MetadataKey(dataset), d, store.IfExists)
	if errors.Is(err, store.ErrConditionFailed) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("adjust metadata counters for %s: %w", dataset, err)
	}
	return true, nil
}

// AdjustBounds pushes each summary edge outward to cover b. Edges never move
// inward.
func (a *Aggregator) AdjustBounds(ctx context.Context, dataset string, b orb.Bound) error {
	key := ids.MetadataKey(dataset)
	edges := [...]struct {
		edge store.Edge
		v    float64
	}{
		{store.West, b.Min.Lon()},
		{store.South, b.Min.Lat()},
		{store.East, b.Max.Lon()},
		{store.North, b.Max.Lat()},
	}
	g, gctx := errgroup.WithContext(ctx)
	for _, e := range edges {
		g.Go(func() error {
			if _, err := a.store.Extend(gctx, dataset, key, e.edge, e.v); err != nil {
				return fmt.Errorf("extend metadata %s for %s: %w", e.edge, dataset, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Apply records d against the summary, creating it first when create is set.
func (a *Aggregator) Apply(ctx context.Context, dataset string, d Delta, create bool) error {
	if create {
		if _, err := a.EnsureDefault(ctx, dataset); err != nil {
			return err
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		_, err := a.AdjustCounters(gctx, dataset, store.Deltas{
			Count:     d.Count,
			Size:      d.Size,
			EditCount: d.Edits,
		})
		return err
	})
	if d.HasBound {
		g.Go(func() error { return a.AdjustBounds(gctx, dataset, d.Bound) })
	}
	return g.Wait()
}

// AddFeature accounts for a new feature, creating the summary if needed.
func (a *Aggregator) AddFeature(ctx context.Context, dataset string, c Change) error {
	size, b, err := c.measure()
	if err != nil {
		return err
	}
	return a.Apply(ctx, dataset, Delta{Count: 1, Size: size, Edits: 1, Bound: b, HasBound: true}, true)
}

// UpdateFeature accounts for a feature replaced in place.
func (a *Aggregator) UpdateFeature(ctx context.Context, dataset string, from, to Change) error {
	oldSize, _, err := from.measure()
	if err != nil {
		return err
	}
	newSize, b, err := to.measure()
	if err != nil {
		return err
	}
	return a.Apply(ctx, dataset, Delta{Size: newSize - oldSize, Edits: 1, Bound: b, HasBound: true}, false)
}

// DeleteFeature accounts for a removed feature. Bounds are left alone.
func (a *Aggregator) DeleteFeature(ctx context.Context, dataset string, c Change) error {
	size, _, err := c.measure()
	if err != nil {
		return err
	}
	return a.Apply(ctx, dataset, Delta{Count: -1, Size: -size, Edits: 1}, false)
}

// Recompute rebuilds the summary from every feature record in the dataset
// and overwrites the stored one. The edit count carries over.
func (a *Aggregator) Recompute(ctx context.Context, dataset string) (Info, error) {
	rec := store.Record{
		Dataset: dataset,
		Key:     ids.MetadataKey(dataset),
		West:    180,
		South:   90,
		East:    -180,
		North:   -90,
	}
	q := store.Query{Dataset: dataset, Index: store.PrimaryIndex, Prefix: ids.TagID, Limit: recomputePageSize}
	for {
		page, err := a.store.Query(ctx, q)
		if err != nil {
			return Info{}, fmt.Errorf("recompute %s: %w", dataset, err)
		}
		for _, r := range page.Records {
			rec.Count++
			rec.Size += r.Size
			for _, e := range []store.Edge{store.West, store.South, store.East, store.North} {
				if e.Extends(e.Get(rec), e.Get(r)) {
					e.Set(&rec, e.Get(r))
				}
			}
		}
		if page.Next == nil {
			break
		}
		q.Start = page.Next
	}

	prev, err := a.store.Get(ctx, dataset, rec.Key)
	switch {
	case err == nil:
		rec.EditCount = prev.EditCount
	case !errors.Is(err, store.ErrNotFound):
		return Info{}, err
	}
	rec.Updated = a.now().UnixMilli()
	if err := a.store.Put(ctx, rec, store.Always); err != nil {
		return Info{}, fmt.Errorf("recompute %s: %w", dataset, err)
	}
	a.log.InfoContext(ctx, "metadata recomputed", "dataset", dataset, "count", rec.Count, "size", rec.Size)
	return infoFrom(rec), nil
}

// Delete removes the summary. A missing summary is not an error.
func (a *Aggregator) Delete(ctx context.Context, dataset string) error {
	_, err := a.store.Delete(ctx, dataset, ids.MetadataKey(dataset), store.Always)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete metadata for %s: %w", dataset, err)
	}
	return nil
}
