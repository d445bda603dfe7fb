package query

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"golang.org/x/sync/errgroup"

	"github.com/mohammed-shakir/tileindex/internal/codec"
	"github.com/mohammed-shakir/tileindex/internal/core/observability"
	"github.com/mohammed-shakir/tileindex/internal/ids"
	"github.com/mohammed-shakir/tileindex/internal/store"
)

const (
	DefaultConcurrency = 100
	DefaultPageSize    = 500
)

type Config struct {
	// Concurrency caps sub-queries (and decodes) in flight per query.
	Concurrency int
	// PageSize is the store page size each sub-query walks with.
	PageSize int
}

type Planner struct {
	store store.Store
	blobs codec.Fetcher
	cfg   Config
	log   *slog.Logger
}

func NewPlanner(s store.Store, blobs codec.Fetcher, cfg Config, log *slog.Logger) *Planner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if log == nil {
		log = slog.Default()
	}
	return &Planner{store: s, blobs: blobs, cfg: cfg, log: log}
}

// Records returns every record in dataset whose box overlaps b, once each,
// ordered by sort key.
func (p *Planner) Records(ctx context.Context, dataset string, b orb.Bound) ([]store.Record, error) {
	recs, _, err := p.records(ctx, dataset, b)
	return recs, err
}

func (p *Planner) records(ctx context.Context, dataset string, b orb.Bound) ([]store.Record, int, error) {
	if err := Validate(b); err != nil {
		return nil, 0, err
	}
	plan := Plan(b)

	var (
		mu    sync.Mutex
		found = map[string]store.Record{}
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency)
	for _, sq := range plan {
		g.Go(func() error {
			filter := sq.Filter
			q := store.Query{
				Dataset: dataset,
				Index:   store.CellIndex,
				Prefix:  ids.CellKey(sq.Prefix),
				Exact:   sq.Exact,
				Filter:  &filter,
				Limit:   p.cfg.PageSize,
			}
			for {
				page, err := p.store.Query(gctx, q)
				if err != nil {
					return err
				}
				mu.Lock()
				for _, r := range page.Records {
					found[r.Key] = r
				}
				mu.Unlock()
				if page.Next == nil {
					return nil
				}
				q.Start = page.Next
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, len(plan), err
	}

	out := make([]store.Record, 0, len(found))
	for _, r := range found {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, len(plan), nil
}

// Execute answers a bounding box query with the decoded features, ordered by
// id.
func (p *Planner) Execute(ctx context.Context, dataset string, b orb.Bound) (*geojson.FeatureCollection, error) {
	start := time.Now()
	fc, n, err := p.execute(ctx, dataset, b)
	observability.ObserveQuery(n, err, time.Since(start).Seconds())
	if err != nil {
		p.log.WarnContext(ctx, "bbox query failed", "dataset", dataset, "bbox", b, "subqueries", n, "err", err)
		return nil, err
	}
	p.log.DebugContext(ctx, "bbox query", "dataset", dataset, "bbox", b,
		"subqueries", n, "features", len(fc.Features), "took", time.Since(start))
	return fc, nil
}

func (p *Planner) execute(ctx context.Context, dataset string, b orb.Bound) (*geojson.FeatureCollection, int, error) {
	recs, n, err := p.records(ctx, dataset, b)
	if err != nil {
		return nil, n, err
	}
	feats, err := Decode(ctx, recs, p.blobs, p.cfg.Concurrency)
	if err != nil {
		return nil, n, err
	}
	fc := geojson.NewFeatureCollection()
	fc.Features = feats
	return fc, n, nil
}

// Decode resolves records to features with at most limit decodes in flight,
// preserving order. The first failure (a corrupt payload included) is
// returned.
func Decode(ctx context.Context, recs []store.Record, blobs codec.Fetcher, limit int) ([]*geojson.Feature, error) {
	out := make([]*geojson.Feature, len(recs))
	g, gctx := errgroup.WithContext(ctx)
	if limit > 0 {
		g.SetLimit(limit)
	}
	var inlineErr error
	for i, r := range recs {
		if r.BlobURL == "" {
			f, err := codec.FromRecord(ctx, r, nil)
			if err != nil {
				inlineErr = err
				break
			}
			out[i] = f
			continue
		}
		g.Go(func() error {
			f, err := codec.FromRecord(gctx, r, blobs)
			if err != nil {
				return err
			}
			out[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if inlineErr != nil {
		return nil, inlineErr
	}
	return out, nil
}
