// Package batch writes and removes many features of one dataset at a time.
// Overflow payloads are stored before the records that reference them, and
// blobs are removed only after their records are gone. Items the backends
// could not process are reported back, never dropped.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tileindex/internal/blob"
	"github.com/mohammed-shakir/tileindex/internal/codec"
	"github.com/mohammed-shakir/tileindex/internal/core/observability"
	"github.com/mohammed-shakir/tileindex/internal/ids"
	"github.com/mohammed-shakir/tileindex/internal/metadata"
	"github.com/mohammed-shakir/tileindex/internal/store"
)

const (
	DefaultBlobWorkers = 150
	DefaultReadLimit   = 100
)

var ErrPartialFailure = errors.New("batch partially failed")

var errNoBlobStore = errors.New("overflow payload but no blob store configured")

// PartialFailure reports the part of a batch that was not applied. For puts
// Unprocessed holds the features to retry; for removals IDs lists every id
// still present or never found, and NotFound the subset that never existed.
type PartialFailure struct {
	Op          string
	Unprocessed *geojson.FeatureCollection
	IDs         []string
	NotFound    []string
	// Causes maps feature ids to the error that stopped them, where known.
	Causes map[string]error
}

func (e *PartialFailure) Error() string {
	n := len(e.IDs)
	if e.Unprocessed != nil {
		n = len(e.Unprocessed.Features)
	}
	msg := fmt.Sprintf("%s: %d item(s) not processed", e.Op, n)
	if len(e.NotFound) > 0 {
		msg += fmt.Sprintf(", %d not found", len(e.NotFound))
	}
	return msg
}

func (e *PartialFailure) Is(target error) bool { return target == ErrPartialFailure }

type Config struct {
	// BlobWorkers caps concurrent blob writes and deletes per batch.
	BlobWorkers int
	// ReadLimit caps concurrent record reads before a batch write or removal.
	ReadLimit int
}

type Coordinator struct {
	store store.Store
	blobs blob.Store
	codec codec.Codec
	meta  *metadata.Aggregator
	cfg   Config
	log   *slog.Logger
}

// New builds a coordinator. blobs may be nil when the codec never overflows.
func New(s store.Store, blobs blob.Store, c codec.Codec, meta *metadata.Aggregator, cfg Config, log *slog.Logger) *Coordinator {
	if cfg.BlobWorkers <= 0 {
		cfg.BlobWorkers = DefaultBlobWorkers
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = DefaultReadLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{store: s, blobs: blobs, codec: c, meta: meta, cfg: cfg, log: log}
}

type encoded struct {
	feature  *geojson.Feature
	record   store.Record
	overflow *codec.Overflow
}

// Result describes what a batch put wrote.
type Result struct {
	Written *geojson.FeatureCollection
	// Replaced holds the ids of written features that were already stored.
	Replaced map[string]bool
}

// Put writes every feature of fc to dataset, assigning ids where missing.
// It returns the written features. When some could not be written the error
// is a *PartialFailure carrying them.
func (c *Coordinator) Put(ctx context.Context, fc *geojson.FeatureCollection, dataset string) (*geojson.FeatureCollection, error) {
	res, err := c.Write(ctx, fc, dataset)
	return res.Written, err
}

// Write is Put that also reports which features replaced stored ones.
// Existing records are read first so the dataset summary counts only new
// ids and the size difference of replaced ones.
func (c *Coordinator) Write(ctx context.Context, fc *geojson.FeatureCollection, dataset string) (Result, error) {
	written := geojson.NewFeatureCollection()
	res := Result{Written: written, Replaced: map[string]bool{}}
	if fc == nil || len(fc.Features) == 0 {
		return res, nil
	}
	failed := &PartialFailure{Op: "put", Unprocessed: geojson.NewFeatureCollection(), Causes: map[string]error{}}
	fail := func(f *geojson.Feature, err error) {
		failed.Unprocessed.Features = append(failed.Unprocessed.Features, f)
		if id, ok := ids.Normalize(f.ID); ok && err != nil {
			failed.Causes[id] = err
		}
	}

	// encode; a later feature with the same id replaces an earlier one
	var items []encoded
	pos := map[string]int{}
	for _, f := range fc.Features {
		rec, over, err := c.codec.ToRecord(ctx, f, dataset)
		if err != nil {
			c.log.WarnContext(ctx, "feature rejected", "dataset", dataset, "id", f.ID, "err", err)
			fail(f, err)
			continue
		}
		item := encoded{feature: f, record: rec, overflow: over}
		if i, ok := pos[rec.Key]; ok {
			items[i] = item
			continue
		}
		pos[rec.Key] = len(items)
		items = append(items, item)
	}

	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.record.Key
	}
	existing, err := c.readExisting(ctx, dataset, keys)
	if err != nil {
		return res, fmt.Errorf("batch put %s: %w", dataset, err)
	}

	// overflow payloads go first so no record points at a missing blob
	var spill []encoded
	for _, it := range items {
		if it.overflow != nil {
			spill = append(spill, it)
		}
	}
	blobErrs := forEach(ctx, c.cfg.BlobWorkers, spill, func(ctx context.Context, it encoded) error {
		if c.blobs == nil {
			return errNoBlobStore
		}
		return c.blobs.Put(ctx, it.overflow.URL, it.overflow.Body)
	})
	skip := map[string]bool{}
	for i, err := range blobErrs {
		if err != nil {
			skip[spill[i].record.Key] = true
			fail(spill[i].feature, err)
		}
	}

	recs := make([]store.Record, 0, len(items))
	for _, it := range items {
		if !skip[it.record.Key] {
			recs = append(recs, it.record)
		}
	}
	var unprocessed []store.Record
	if len(recs) > 0 {
		var err error
		unprocessed, err = c.store.BatchPut(ctx, recs)
		if err != nil {
			return res, fmt.Errorf("batch put %s: %w", dataset, err)
		}
	}
	// blobs of unwritten records stay: their urls are content addressed and
	// may still back an earlier version of the same feature
	lost := map[string]bool{}
	for _, r := range unprocessed {
		lost[r.Key] = true
		fail(items[pos[r.Key]].feature, nil)
	}

	var d metadata.Delta
	var ok []store.Record
	var stale []string
	for _, r := range recs {
		if lost[r.Key] {
			continue
		}
		written.Features = append(written.Features, items[pos[r.Key]].feature)
		ok = append(ok, r)
		d.Edits++
		old, replaced := existing[r.Key]
		if !replaced {
			d.Count++
			d.Size += r.Size
			continue
		}
		_, id := ids.SplitKey(r.Key)
		res.Replaced[id] = true
		d.Size += r.Size - old.Size
		if old.BlobURL != "" && old.BlobURL != r.BlobURL {
			stale = append(stale, old.BlobURL)
		}
	}
	c.cleanup(ctx, dataset, stale)
	d.Bound, d.HasBound = union(ok)
	if len(ok) > 0 && c.meta != nil {
		if err := c.meta.Apply(ctx, dataset, d, true); err != nil {
			c.log.WarnContext(ctx, "metadata update failed", "dataset", dataset, "err", err)
		}
	}

	if n := len(failed.Unprocessed.Features); n > 0 {
		observability.AddBatchUnprocessed("put", n)
		c.log.WarnContext(ctx, "batch put incomplete", "dataset", dataset, "written", len(written.Features), "unprocessed", n)
		return res, failed
	}
	return res, nil
}

// Remove deletes the features with the given ids and returns the records that
// were removed. Ids that do not exist or could not be removed are reported
// through a *PartialFailure.
func (c *Coordinator) Remove(ctx context.Context, idList []string, dataset string) ([]store.Record, error) {
	uniq := make([]string, 0, len(idList))
	seen := map[string]bool{}
	for _, id := range idList {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}

	keys := make([]string, len(uniq))
	for i, id := range uniq {
		keys[i] = ids.FeatureKey(id)
	}
	existing, err := c.readExisting(ctx, dataset, keys)
	if err != nil {
		return nil, fmt.Errorf("batch remove %s: %w", dataset, err)
	}

	failed := &PartialFailure{Op: "delete"}
	var targets []store.Key
	byKey := map[string]store.Record{}
	for i, id := range uniq {
		rec, ok := existing[keys[i]]
		if !ok {
			failed.NotFound = append(failed.NotFound, id)
			failed.IDs = append(failed.IDs, id)
			continue
		}
		targets = append(targets, store.Key{Dataset: dataset, Key: rec.Key})
		byKey[rec.Key] = rec
	}

	var unprocessed []store.Key
	if len(targets) > 0 {
		unprocessed, err = c.store.BatchDelete(ctx, targets)
		if err != nil {
			return nil, fmt.Errorf("batch remove %s: %w", dataset, err)
		}
	}
	for _, k := range unprocessed {
		_, id := ids.SplitKey(k.Key)
		failed.IDs = append(failed.IDs, id)
		delete(byKey, k.Key)
	}

	removed := make([]store.Record, 0, len(byKey))
	var d metadata.Delta
	for _, k := range targets {
		rec, ok := byKey[k.Key]
		if !ok {
			continue
		}
		removed = append(removed, rec)
		d.Count--
		d.Size -= rec.Size
		d.Edits++
	}
	c.cleanup(ctx, dataset, overflowURLs(removed))
	if len(removed) > 0 && c.meta != nil {
		if err := c.meta.Apply(ctx, dataset, d, false); err != nil {
			c.log.WarnContext(ctx, "metadata update failed", "dataset", dataset, "err", err)
		}
	}

	if len(failed.IDs) > 0 {
		observability.AddBatchUnprocessed("delete", len(failed.IDs))
		c.log.WarnContext(ctx, "batch remove incomplete", "dataset", dataset,
			"removed", len(removed), "missing", strings.Join(failed.IDs, ","))
		return removed, failed
	}
	return removed, nil
}

// readExisting fetches the records stored under keys, at most ReadLimit at
// a time. Keys with nothing stored are left out of the map.
func (c *Coordinator) readExisting(ctx context.Context, dataset string, keys []string) (map[string]store.Record, error) {
	found := make([]*store.Record, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.cfg.ReadLimit)
	for i, k := range keys {
		g.Go(func() error {
			rec, err := c.store.Get(gctx, dataset, k)
			if errors.Is(err, store.ErrNotFound) {
				return nil
			}
			if err != nil {
				return err
			}
			found[i] = &rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	out := make(map[string]store.Record, len(keys))
	for i, rec := range found {
		if rec != nil {
			out[keys[i]] = *rec
		}
	}
	return out, nil
}

// cleanup deletes blobs no record references any more. Failures only leave
// orphaned objects behind, so they are logged.
func (c *Coordinator) cleanup(ctx context.Context, dataset string, urls []string) {
	if c.blobs == nil || len(urls) == 0 {
		return
	}
	errs := forEach(ctx, c.cfg.BlobWorkers, urls, func(ctx context.Context, u string) error {
		err := c.blobs.Delete(ctx, u)
		if errors.Is(err, blob.ErrNotFound) {
			return nil
		}
		return err
	})
	for i, err := range errs {
		if err != nil {
			c.log.WarnContext(ctx, "blob cleanup failed", "dataset", dataset, "url", urls[i], "err", err)
		}
	}
}

func overflowURLs(recs []store.Record) []string {
	var out []string
	for _, r := range recs {
		if r.BlobURL != "" {
			out = append(out, r.BlobURL)
		}
	}
	return out
}

func union(recs []store.Record) (orb.Bound, bool) {
	if len(recs) == 0 {
		return orb.Bound{}, false
	}
	b := recs[0].Bound()
	for _, r := range recs[1:] {
		b = b.Union(r.Bound())
	}
	return b, true
}
