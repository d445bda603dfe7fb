package index

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileindex/internal/batch"
	"github.com/mohammed-shakir/tileindex/internal/ids"
	"github.com/mohammed-shakir/tileindex/internal/query"
	"github.com/mohammed-shakir/tileindex/internal/store"
)

type ListOptions struct {
	// Start is an exclusive cursor: the id of the last feature already seen.
	Start string
	// MaxFeatures caps the page. 0 returns the rest of the dataset.
	MaxFeatures int
}

// List returns features of dataset in id order after opts.Start, and the id
// of the last one returned. The cursor is empty when nothing was returned.
func (x *Index) List(ctx context.Context, dataset string, opts ListOptions) (*geojson.FeatureCollection, string, error) {
	fc := geojson.NewFeatureCollection()
	cursor := opts.Start
	for {
		limit := x.pageSize()
		if opts.MaxFeatures > 0 {
			limit = min(limit, opts.MaxFeatures-len(fc.Features))
		}
		recs, more, err := x.page(ctx, dataset, cursor, limit)
		if err != nil {
			return nil, "", err
		}
		feats, err := query.Decode(ctx, recs, x.fetcher(), x.cfg.Query.Concurrency)
		if err != nil {
			return nil, "", err
		}
		fc.Features = append(fc.Features, feats...)
		if len(recs) > 0 {
			_, cursor = ids.SplitKey(recs[len(recs)-1].Key)
		}
		if !more || len(recs) == 0 || (opts.MaxFeatures > 0 && len(fc.Features) >= opts.MaxFeatures) {
			break
		}
	}
	if len(fc.Features) == 0 {
		cursor = ""
	}
	return fc, cursor, nil
}

// Iter streams every feature of dataset after start in id order, one page
// in memory at a time. Iteration stops at the first error, which is yielded
// with a nil feature. Resume by calling Iter again with the last id seen.
func (x *Index) Iter(ctx context.Context, dataset, start string) iter.Seq2[*geojson.Feature, error] {
	return func(yield func(*geojson.Feature, error) bool) {
		cursor := start
		for {
			recs, more, err := x.page(ctx, dataset, cursor, x.pageSize())
			if err != nil {
				yield(nil, err)
				return
			}
			feats, err := query.Decode(ctx, recs, x.fetcher(), x.cfg.Query.Concurrency)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, f := range feats {
				if !yield(f, nil) {
					return
				}
			}
			if !more || len(recs) == 0 {
				return
			}
			_, cursor = ids.SplitKey(recs[len(recs)-1].Key)
		}
	}
}

func (x *Index) pageSize() int {
	if x.cfg.Query.PageSize > 0 {
		return x.cfg.Query.PageSize
	}
	return query.DefaultPageSize
}

// page reads up to limit feature records after the id cursor.
func (x *Index) page(ctx context.Context, dataset, cursor string, limit int) ([]store.Record, bool, error) {
	q := store.Query{
		Dataset: dataset,
		Index:   store.PrimaryIndex,
		Prefix:  ids.TagID,
		Limit:   limit,
	}
	if cursor != "" {
		q.Start = &store.Cursor{Dataset: dataset, Key: ids.FeatureKey(cursor)}
	}
	page, err := x.store.Query(ctx, q)
	if err != nil {
		return nil, false, fmt.Errorf("list %s: %w", dataset, err)
	}
	return page.Records, page.Next != nil, nil
}

// ListDatasets returns the name of every dataset that has a summary record,
// in order.
func (x *Index) ListDatasets(ctx context.Context) ([]string, error) {
	var out []string
	var start *store.Cursor
	for {
		page, err := x.store.Scan(ctx, ids.TagMetadata, start, x.pageSize())
		if err != nil {
			return nil, fmt.Errorf("list datasets: %w", err)
		}
		for _, r := range page.Records {
			out = append(out, r.Dataset)
		}
		if page.Next == nil {
			return out, nil
		}
		start = page.Next
	}
}

// DeleteDataset removes every feature of dataset and then its summary. The
// summary stays when some features could not be removed.
func (x *Index) DeleteDataset(ctx context.Context, dataset string) error {
	var (
		cursor string
		failed []string
	)
	for {
		recs, more, err := x.page(ctx, dataset, cursor, x.pageSize())
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			break
		}
		idList := make([]string, len(recs))
		for i, r := range recs {
			_, idList[i] = ids.SplitKey(r.Key)
		}
		cursor = idList[len(idList)-1]
		if _, err := x.DeleteBatch(ctx, dataset, idList); err != nil {
			var pf *batch.PartialFailure
			if !errors.As(err, &pf) {
				return err
			}
			failed = append(failed, pf.IDs...)
		}
		if !more {
			break
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("delete dataset %s: %w", dataset, &batch.PartialFailure{Op: "delete", IDs: failed})
	}
	if err := x.meta.Delete(ctx, dataset); err != nil {
		return err
	}
	if x.ranges != nil {
		x.ranges.Forget(dataset)
	}
	x.log.InfoContext(ctx, "dataset deleted", "dataset", dataset)
	return nil
}
