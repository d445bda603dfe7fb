// Package index is the feature index: single and batch writes, reads,
// bounding box queries, listing and dataset management on top of a store
// and an optional overflow blob store.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileindex/internal/batch"
	"github.com/mohammed-shakir/tileindex/internal/blob"
	"github.com/mohammed-shakir/tileindex/internal/changes"
	"github.com/mohammed-shakir/tileindex/internal/codec"
	"github.com/mohammed-shakir/tileindex/internal/ids"
	"github.com/mohammed-shakir/tileindex/internal/metadata"
	"github.com/mohammed-shakir/tileindex/internal/query"
	"github.com/mohammed-shakir/tileindex/internal/store"
)

// ErrNotFound is returned for ids and datasets that do not exist.
var ErrNotFound = store.ErrNotFound

var ErrNoBlobStore = errors.New("index: overflow location configured without a blob store")

// Publisher receives an event after every successful write.
type Publisher interface {
	Publish(ctx context.Context, ev changes.Event)
}

type Config struct {
	// Threshold is the payload size in bytes above which features overflow
	// to the blob store. 0 means codec.DefaultThreshold.
	Threshold int
	// Blob says where overflow payloads are written. Leave it zero to keep
	// every payload inline.
	Blob blob.Locator
	// IDBlock, when positive, hands out numeric ids from per-dataset blocks
	// reserved in the store instead of random UUIDs.
	IDBlock int64
	Query   query.Config
	Batch   batch.Config
}

type Index struct {
	store   store.Store
	blobs   blob.Store
	codec   codec.Codec
	planner *query.Planner
	meta    *metadata.Aggregator
	batch   *batch.Coordinator
	ranges  *ids.Ranges // nil unless cfg.IDBlock > 0
	events  Publisher
	cfg     Config
	log     *slog.Logger
}

// New wires an index. blobs and events may be nil.
func New(s store.Store, blobs blob.Store, events Publisher, cfg Config, log *slog.Logger) (*Index, error) {
	if s == nil {
		return nil, errors.New("index: store is required")
	}
	if cfg.Blob.Enabled() && blobs == nil {
		return nil, ErrNoBlobStore
	}
	if log == nil {
		log = slog.Default()
	}
	if cfg.Query.Concurrency <= 0 {
		cfg.Query.Concurrency = query.DefaultConcurrency
	}
	var (
		gen    ids.Generator = ids.UUID{}
		ranges *ids.Ranges
	)
	if cfg.IDBlock > 0 {
		ranges = ids.NewRanges(s, cfg.IDBlock)
		gen = ranges
	}
	x := &Index{
		store:  s,
		blobs:  blobs,
		codec:  codec.Codec{Threshold: cfg.Threshold, Blob: cfg.Blob, Assigner: ids.NewAssigner(gen)},
		meta:   metadata.New(s, log),
		ranges: ranges,
		events: events,
		cfg:    cfg,
		log:    log,
	}
	x.planner = query.NewPlanner(s, x.fetcher(), cfg.Query, log)
	x.batch = batch.New(s, blobs, x.codec, x.meta, cfg.Batch, log)
	return x, nil
}

func (x *Index) fetcher() codec.Fetcher {
	if x.blobs == nil {
		return nil
	}
	return x.blobs
}

func (x *Index) publish(ctx context.Context, op, dataset, id string, b *orb.Bound) {
	if x.events == nil {
		return
	}
	x.events.Publish(ctx, changes.New(op, dataset, id, b))
}

// Put stores f in dataset, replacing any feature with the same id, and
// returns it with its final id. Features without geometry fail before any
// write.
func (x *Index) Put(ctx context.Context, dataset string, f *geojson.Feature) (*geojson.Feature, error) {
	rec, over, err := x.codec.ToRecord(ctx, f, dataset)
	if err != nil {
		return nil, err
	}
	if over != nil {
		if err := x.blobs.Put(ctx, over.URL, over.Body); err != nil {
			return nil, fmt.Errorf("put %s/%v: %w", dataset, f.ID, err)
		}
	}

	old, err := x.store.Get(ctx, dataset, rec.Key)
	existed := err == nil
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	if err := x.store.Put(ctx, rec, store.Always); err != nil {
		return nil, fmt.Errorf("put %s/%v: %w", dataset, f.ID, err)
	}
	if existed && old.BlobURL != "" && old.BlobURL != rec.BlobURL {
		x.dropBlob(ctx, old.BlobURL)
	}

	_, id := ids.SplitKey(rec.Key)
	b := rec.Bound()
	if existed {
		err = x.meta.UpdateFeature(ctx, dataset, metadata.EncodedRecord(old), metadata.EncodedRecord(rec))
		x.publish(ctx, changes.OpUpdate, dataset, id, &b)
	} else {
		err = x.meta.AddFeature(ctx, dataset, metadata.EncodedRecord(rec))
		x.publish(ctx, changes.OpInsert, dataset, id, &b)
	}
	if err != nil {
		x.log.WarnContext(ctx, "metadata update failed", "dataset", dataset, "id", id, "err", err)
	}
	return f, nil
}

// Get returns the feature stored under id, or ErrNotFound.
func (x *Index) Get(ctx context.Context, dataset, id string) (*geojson.Feature, error) {
	rec, err := x.store.Get(ctx, dataset, ids.FeatureKey(id))
	if err != nil {
		return nil, err
	}
	return codec.FromRecord(ctx, rec, x.fetcher())
}

// Delete removes the feature stored under id. Deleting a missing feature
// returns ErrNotFound.
func (x *Index) Delete(ctx context.Context, dataset, id string) error {
	old, err := x.store.Delete(ctx, dataset, ids.FeatureKey(id), store.IfExists)
	if err != nil {
		return err
	}
	if old.BlobURL != "" {
		x.dropBlob(ctx, old.BlobURL)
	}
	if err := x.meta.DeleteFeature(ctx, dataset, metadata.EncodedRecord(old)); err != nil {
		x.log.WarnContext(ctx, "metadata update failed", "dataset", dataset, "id", id, "err", err)
	}
	b := old.Bound()
	x.publish(ctx, changes.OpDelete, dataset, id, &b)
	return nil
}

func (x *Index) dropBlob(ctx context.Context, u string) {
	if x.blobs == nil {
		return
	}
	if err := x.blobs.Delete(ctx, u); err != nil && !errors.Is(err, blob.ErrNotFound) {
		x.log.WarnContext(ctx, "blob cleanup failed", "url", u, "err", err)
	}
}

// BBox returns every feature of dataset whose box overlaps b, ordered by id.
// West may exceed east for boxes crossing the antimeridian.
func (x *Index) BBox(ctx context.Context, dataset string, b orb.Bound) (*geojson.FeatureCollection, error) {
	return x.planner.Execute(ctx, dataset, b)
}

// PutBatch writes many features at once. See batch.Coordinator.Put.
func (x *Index) PutBatch(ctx context.Context, dataset string, fc *geojson.FeatureCollection) (*geojson.FeatureCollection, error) {
	res, err := x.batch.Write(ctx, fc, dataset)
	for _, f := range res.Written.Features {
		id, _ := ids.Normalize(f.ID)
		b := codec.StoredBound(f.Geometry.Bound())
		op := changes.OpInsert
		if res.Replaced[id] {
			op = changes.OpUpdate
		}
		x.publish(ctx, op, dataset, id, &b)
	}
	return res.Written, err
}

// DeleteBatch removes many features at once and returns the ids removed.
func (x *Index) DeleteBatch(ctx context.Context, dataset string, idList []string) ([]string, error) {
	removed, err := x.batch.Remove(ctx, idList, dataset)
	out := make([]string, 0, len(removed))
	for _, rec := range removed {
		_, id := ids.SplitKey(rec.Key)
		b := rec.Bound()
		x.publish(ctx, changes.OpDelete, dataset, id, &b)
		out = append(out, id)
	}
	return out, err
}

// Info returns the dataset summary; ok is false when the dataset has none.
func (x *Index) Info(ctx context.Context, dataset string) (metadata.Info, bool, error) {
	return x.meta.GetInfo(ctx, dataset)
}

// CalculateInfo rebuilds the dataset summary from its features.
func (x *Index) CalculateInfo(ctx context.Context, dataset string) (metadata.Info, error) {
	return x.meta.Recompute(ctx, dataset)
}

// Ready reads one summary record to check the store answers.
func (x *Index) Ready(ctx context.Context) error {
	if _, err := x.store.Scan(ctx, ids.TagMetadata, nil, 1); err != nil {
		return fmt.Errorf("store not ready: %w", err)
	}
	return nil
}

// Close releases the store.
func (x *Index) Close() error {
	return x.store.Close()
}
