package metadata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/mohammed-shakir/tileindex/internal/codec"
	"github.com/mohammed-shakir/tileindex/internal/ids"
	"github.com/mohammed-shakir/tileindex/internal/store"
	"github.com/mohammed-shakir/tileindex/internal/store/boltstore"
)

func newAggregator(t *testing.T) (*Aggregator, store.Store) {
	t.Helper()
	s, err := boltstore.Open(filepath.Join(t.TempDir(), "meta.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	a := New(s, nil)
	a.now = func() time.Time { return time.UnixMilli(1700000000000) }
	return a, s
}

func mustInfo(t *testing.T, a *Aggregator, dataset string) Info {
	t.Helper()
	info, ok, err := a.GetInfo(context.Background(), dataset)
	if err != nil || !ok {
		t.Fatalf("GetInfo(%s) = %v, %v", dataset, ok, err)
	}
	return info
}

func feature(id string, g orb.Geometry) *geojson.Feature {
	f := geojson.NewFeature(g)
	f.ID = id
	return f
}

func TestGetInfoMissing(t *testing.T) {
	a, _ := newAggregator(t)
	info, ok, err := a.GetInfo(context.Background(), "nope")
	if err != nil || ok || info != (Info{}) {
		t.Fatalf("GetInfo = %+v, %v, %v", info, ok, err)
	}
}

func TestEnsureDefault(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)

	created, err := a.EnsureDefault(ctx, "ds")
	if err != nil || !created {
		t.Fatalf("first EnsureDefault = %v, %v", created, err)
	}
	created, err = a.EnsureDefault(ctx, "ds")
	if err != nil || created {
		t.Fatalf("second EnsureDefault = %v, %v", created, err)
	}
	info := mustInfo(t, a, "ds")
	if info.West != 180 || info.South != 90 || info.East != -180 || info.North != -90 {
		t.Fatalf("default bounds = %+v", info)
	}
	if info.Count != 0 || info.MinZoom != 0 || info.MaxZoom != 0 || info.Updated != 1700000000000 {
		t.Fatalf("default info = %+v", info)
	}
}

func TestAdjustCountersDoesNotCreate(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)
	ok, err := a.AdjustCounters(ctx, "ds", store.Deltas{Count: 1})
	if err != nil || ok {
		t.Fatalf("AdjustCounters on missing = %v, %v", ok, err)
	}
	if _, found, _ := a.GetInfo(ctx, "ds"); found {
		t.Fatal("AdjustCounters created metadata")
	}
}

func TestFeatureLifecycle(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)

	f1 := feature("a", orb.Point{-10, -5})
	f2 := feature("b", orb.LineString{{5, 5}, {20, 30}})
	for _, f := range []*geojson.Feature{f1, f2} {
		if err := a.AddFeature(ctx, "ds", RawFeature(f)); err != nil {
			t.Fatalf("AddFeature: %v", err)
		}
	}
	s1, _, _ := codec.Measure(f1)
	s2, _, _ := codec.Measure(f2)

	info := mustInfo(t, a, "ds")
	if info.Count != 2 || info.Size != s1+s2 || info.EditCount != 2 {
		t.Fatalf("after adds = %+v", info)
	}
	if info.Bound() != (orb.Bound{Min: orb.Point{-10, -5}, Max: orb.Point{20, 30}}) {
		t.Fatalf("bounds after adds = %v", info.Bound())
	}
	if lo, hi := DeriveZoom(info.Size, info.Bound()); info.MinZoom != lo || info.MaxZoom != hi {
		t.Fatalf("zoom = %d,%d want %d,%d", info.MinZoom, info.MaxZoom, lo, hi)
	}

	// growing b moves the east edge; size follows the new encoding
	grown := feature("b", orb.LineString{{5, 5}, {40, 30}})
	if err := a.UpdateFeature(ctx, "ds", RawFeature(f2), RawFeature(grown)); err != nil {
		t.Fatalf("UpdateFeature: %v", err)
	}
	sg, _, _ := codec.Measure(grown)
	info = mustInfo(t, a, "ds")
	if info.Count != 2 || info.Size != s1+sg || info.East != 40 || info.EditCount != 3 {
		t.Fatalf("after update = %+v", info)
	}

	if err := a.DeleteFeature(ctx, "ds", RawFeature(grown)); err != nil {
		t.Fatalf("DeleteFeature: %v", err)
	}
	info = mustInfo(t, a, "ds")
	if info.Count != 1 || info.Size != s1 || info.EditCount != 4 {
		t.Fatalf("after delete = %+v", info)
	}
	if info.East != 40 || info.North != 30 {
		t.Fatalf("bounds shrank on delete: %v", info.Bound())
	}
}

func TestEncodedRecordChange(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)
	rec := store.Record{Dataset: "ds", Key: ids.FeatureKey("r"), West: 1, South: 2, East: 3, North: 4, Size: 77}
	if err := a.AddFeature(ctx, "ds", EncodedRecord(rec)); err != nil {
		t.Fatalf("AddFeature: %v", err)
	}
	info := mustInfo(t, a, "ds")
	if info.Count != 1 || info.Size != 77 || info.Bound() != rec.Bound() {
		t.Fatalf("info = %+v", info)
	}
	if err := a.AddFeature(ctx, "ds", Change{}); err == nil {
		t.Fatal("empty change accepted")
	}
}

func TestUpdateAndDeleteDoNotCreate(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)
	rec := EncodedRecord(store.Record{Size: 10, West: 1, South: 1, East: 2, North: 2})
	if err := a.UpdateFeature(ctx, "ds", rec, rec); err != nil {
		t.Fatalf("UpdateFeature: %v", err)
	}
	if err := a.DeleteFeature(ctx, "ds", rec); err != nil {
		t.Fatalf("DeleteFeature: %v", err)
	}
	if _, ok, _ := a.GetInfo(ctx, "ds"); ok {
		t.Fatal("metadata created by update/delete")
	}
}

func TestBoundsMonotonicUnderConcurrentAdds(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)
	errs := make(chan error, 40)
	for i := 0; i < 40; i++ {
		go func() {
			x := float64(i) - 20
			errs <- a.AddFeature(ctx, "ds", RawFeature(feature("", orb.Point{x, x / 2})))
		}()
	}
	for i := 0; i < 40; i++ {
		if err := <-errs; err != nil {
			t.Fatalf("AddFeature: %v", err)
		}
	}
	info := mustInfo(t, a, "ds")
	if info.Count != 40 || info.West != -20 || info.East != 19 || info.South != -10 || info.North != 9.5 {
		t.Fatalf("info = %+v", info)
	}
}

func TestRecompute(t *testing.T) {
	ctx := context.Background()
	a, s := newAggregator(t)
	c := codec.Codec{Assigner: ids.NewAssigner(nil)}

	var total int64
	for i, g := range []orb.Geometry{orb.Point{1, 1}, orb.Point{2, 3}, orb.LineString{{-4, 0}, {0, 1}}} {
		f := geojson.NewFeature(g)
		f.ID = i
		rec, _, err := c.ToRecord(ctx, f, "ds")
		if err != nil {
			t.Fatalf("ToRecord: %v", err)
		}
		if err := s.Put(ctx, rec, store.Always); err != nil {
			t.Fatalf("Put: %v", err)
		}
		total += rec.Size
	}
	// stale summary: wrong counts and bounds far wider than the data
	if err := a.AddFeature(ctx, "ds", EncodedRecord(store.Record{Size: 5, West: -100, South: -50, East: 100, North: 50})); err != nil {
		t.Fatalf("AddFeature: %v", err)
	}

	info, err := a.Recompute(ctx, "ds")
	if err != nil {
		t.Fatalf("Recompute: %v", err)
	}
	if info.Count != 3 || info.Size != total || info.EditCount != 1 {
		t.Fatalf("recomputed = %+v", info)
	}
	if info.Bound() != (orb.Bound{Min: orb.Point{-4, 0}, Max: orb.Point{2, 3}}) {
		t.Fatalf("recomputed bounds = %v", info.Bound())
	}
	if stored := mustInfo(t, a, "ds"); stored != info {
		t.Fatalf("stored %+v, returned %+v", stored, info)
	}

	empty, err := a.Recompute(ctx, "other")
	if err != nil || empty.Count != 0 || empty.West != 180 || empty.East != -180 {
		t.Fatalf("empty recompute = %+v, %v", empty, err)
	}
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	a, _ := newAggregator(t)
	if _, err := a.EnsureDefault(ctx, "ds"); err != nil {
		t.Fatalf("EnsureDefault: %v", err)
	}
	if err := a.Delete(ctx, "ds"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := a.GetInfo(ctx, "ds"); ok {
		t.Fatal("metadata survived Delete")
	}
	if err := a.Delete(ctx, "ds"); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
}

func TestDeriveZoom(t *testing.T) {
	world := orb.Bound{Min: orb.Point{-180, -89}, Max: orb.Point{180, 89}}
	cases := []struct {
		name     string
		bytes    int64
		b        orb.Bound
		min, max int
	}{
		{"empty", 0, orb.Bound{Min: orb.Point{180, 90}, Max: orb.Point{-180, -90}}, 0, 0},
		{"single point", 100, orb.Bound{Min: orb.Point{1, 1}, Max: orb.Point{1, 1}}, 0, 22},
		{"gigabyte world", 1e9, world, 5, 10},
		{"terabyte world", 1e12, world, 10, 15},
	}
	for _, tc := range cases {
		lo, hi := DeriveZoom(tc.bytes, tc.b)
		if lo != tc.min || hi != tc.max {
			t.Fatalf("%s: DeriveZoom = %d,%d want %d,%d", tc.name, lo, hi, tc.min, tc.max)
		}
	}
}
