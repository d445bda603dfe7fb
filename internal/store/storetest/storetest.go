// Package storetest is a conformance suite every store.Store backend runs.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/paulmach/orb"

	"github.com/mohammed-shakir/tileindex/internal/store"
)

// Factory returns an empty store; the suite closes it.
type Factory func(t *testing.T) store.Store

// Run exercises the full store contract against the backend built by open.
func Run(t *testing.T, open Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(*testing.T, store.Store)
	}{
		{"GetMissing", testGetMissing},
		{"PutConditions", testPutConditions},
		{"DeleteConditions", testDeleteConditions},
		{"UpdateCounters", testUpdateCounters},
		{"ExtendMonotonic", testExtendMonotonic},
		{"Increment", testIncrement},
		{"PrefixQueryPaging", testPrefixQueryPaging},
		{"CellQueries", testCellQueries},
		{"CellMovesOnReplace", testCellMovesOnReplace},
		{"Batch", testBatch},
		{"Scan", testScan},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tc.fn(t, s)
		})
	}
}

func feature(ds, id, cell string, lon, lat float64) store.Record {
	return store.Record{
		Dataset: ds,
		Key:     "id!" + id,
		Cell:    cell,
		West:    lon, South: lat, East: lon, North: lat,
		Size: 10,
		Val:  []byte("payload-" + id),
	}
}

func keys(recs []store.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key
	}
	return out
}

func testGetMissing(t *testing.T, s store.Store) {
	_, err := s.Get(context.Background(), "ds", "id!nope")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get missing: got %v, want ErrNotFound", err)
	}
}

func testPutConditions(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := feature("ds", "a", "cell!0", 1, 1)

	if err := s.Put(ctx, rec, store.IfExists); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("Put IfExists on absent: %v", err)
	}
	if err := s.Put(ctx, rec, store.IfAbsent); err != nil {
		t.Fatalf("Put IfAbsent: %v", err)
	}
	if err := s.Put(ctx, rec, store.IfAbsent); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("second Put IfAbsent: %v", err)
	}
	rec.Size = 99
	if err := s.Put(ctx, rec, store.Always); err != nil {
		t.Fatalf("Put Always: %v", err)
	}
	got, err := s.Get(ctx, "ds", rec.Key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Size != 99 || string(got.Val) != "payload-a" || got.Cell != "cell!0" {
		t.Fatalf("Get = %+v", got)
	}
	if _, err := s.Get(ctx, "other", rec.Key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("dataset isolation: %v", err)
	}
}

func testDeleteConditions(t *testing.T, s store.Store) {
	ctx := context.Background()
	if _, err := s.Delete(ctx, "ds", "id!a", store.IfExists); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Delete IfExists on absent: %v", err)
	}
	rec := feature("ds", "a", "cell!0", 1, 1)
	if err := s.Put(ctx, rec, store.Always); err != nil {
		t.Fatalf("Put: %v", err)
	}
	old, err := s.Delete(ctx, "ds", rec.Key, store.IfExists)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if old.Key != rec.Key || string(old.Val) != string(rec.Val) {
		t.Fatalf("Delete returned %+v", old)
	}
	if _, err := s.Get(ctx, "ds", rec.Key); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	page, err := s.Query(ctx, store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Records) != 0 {
		t.Fatalf("cell index still holds %v", keys(page.Records))
	}
}

func testUpdateCounters(t *testing.T, s store.Store) {
	ctx := context.Background()
	d := store.Deltas{Count: 1, Size: 10, EditCount: 1, Updated: 5}
	if err := s.Update(ctx, "ds", "metadata!ds", d, store.IfExists); !errors.Is(err, store.ErrConditionFailed) {
		t.Fatalf("Update IfExists on absent: %v", err)
	}
	base := store.Record{Dataset: "ds", Key: "metadata!ds", West: 180, South: 90, East: -180, North: -90}
	if err := s.Put(ctx, base, store.IfAbsent); err != nil {
		t.Fatalf("Put: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.Update(ctx, "ds", "metadata!ds", d, store.IfExists); err != nil {
			t.Fatalf("Update: %v", err)
		}
	}
	if err := s.Update(ctx, "ds", "metadata!ds", store.Deltas{Count: -1, Size: -10}, store.IfExists); err != nil {
		t.Fatalf("Update negative: %v", err)
	}
	got, err := s.Get(ctx, "ds", "metadata!ds")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Count != 2 || got.Size != 20 || got.EditCount != 3 || got.Updated != 5 {
		t.Fatalf("counters = %+v", got)
	}
	if got.West != 180 || got.North != -90 {
		t.Fatalf("Update touched bounds: %+v", got)
	}
}

func testExtendMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	ok, err := s.Extend(ctx, "ds", "metadata!ds", store.West, 1)
	if err != nil || ok {
		t.Fatalf("Extend on absent = (%v,%v)", ok, err)
	}
	base := store.Record{Dataset: "ds", Key: "metadata!ds", West: 180, South: 90, East: -180, North: -90}
	if err := s.Put(ctx, base, store.Always); err != nil {
		t.Fatalf("Put: %v", err)
	}
	steps := []struct {
		edge store.Edge
		v    float64
		want bool
	}{
		{store.West, 10, true},
		{store.West, 20, false},
		{store.West, -5, true},
		{store.East, 10, true},
		{store.East, 5, false},
		{store.South, -1, true},
		{store.North, 3, true},
		{store.North, 3, false},
	}
	for _, st := range steps {
		ok, err := s.Extend(ctx, "ds", "metadata!ds", st.edge, st.v)
		if err != nil {
			t.Fatalf("Extend %v %v: %v", st.edge, st.v, err)
		}
		if ok != st.want {
			t.Fatalf("Extend %v %v applied=%v, want %v", st.edge, st.v, ok, st.want)
		}
	}
	got, _ := s.Get(ctx, "ds", "metadata!ds")
	if got.West != -5 || got.East != 10 || got.South != -1 || got.North != 3 {
		t.Fatalf("bounds = %+v", got.Bound())
	}
}

func testIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i, want := range []int64{100, 200, 300} {
		n, err := s.Increment(ctx, "ds", "idrange!ds", 100)
		if err != nil {
			t.Fatalf("Increment %d: %v", i, err)
		}
		if n != want {
			t.Fatalf("Increment %d = %d, want %d", i, n, want)
		}
	}
	page, err := s.Query(ctx, store.Query{Dataset: "ds", Prefix: "id!"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Records) != 0 {
		t.Fatalf("counter leaked into id! range: %v", keys(page.Records))
	}
}

func testPrefixQueryPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	var want []string
	for i := 0; i < 25; i++ {
		rec := feature("ds", fmt.Sprintf("%03d", i), "cell!0", float64(i), 0)
		if err := s.Put(ctx, rec, store.Always); err != nil {
			t.Fatalf("Put: %v", err)
		}
		want = append(want, rec.Key)
	}
	if err := s.Put(ctx, store.Record{Dataset: "ds", Key: "metadata!ds"}, store.Always); err != nil {
		t.Fatalf("Put metadata: %v", err)
	}

	var got []string
	q := store.Query{Dataset: "ds", Prefix: "id!", Limit: 7}
	for pages := 0; ; pages++ {
		if pages > 10 {
			t.Fatalf("paging did not terminate")
		}
		page, err := s.Query(ctx, q)
		if err != nil {
			t.Fatalf("Query: %v", err)
		}
		got = append(got, keys(page.Records)...)
		if page.Next == nil {
			break
		}
		q.Start = page.Next
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("paged keys = %v, want %v", got, want)
	}

	filter := orb.Bound{Min: orb.Point{10, -1}, Max: orb.Point{12, 1}}
	page, err := s.Query(ctx, store.Query{Dataset: "ds", Prefix: "id!", Filter: &filter})
	if err != nil {
		t.Fatalf("Query filter: %v", err)
	}
	if fmt.Sprint(keys(page.Records)) != "[id!010 id!011 id!012]" {
		t.Fatalf("filtered = %v", keys(page.Records))
	}

	page, err = s.Query(ctx, store.Query{Dataset: "ds", Prefix: "id!007", Exact: true})
	if err != nil || len(page.Records) != 1 {
		t.Fatalf("exact query = %v, %v", keys(page.Records), err)
	}
}

func testCellQueries(t *testing.T, s store.Store) {
	ctx := context.Background()
	recs := []store.Record{
		feature("ds", "root", "cell!", 0, 0),
		feature("ds", "a", "cell!0", -1, 1),
		feature("ds", "b", "cell!01", -1, 1),
		feature("ds", "c", "cell!012", -1, 1),
		feature("ds", "d", "cell!1", 1, 1),
		feature("ds", "e", "cell!012", 50, 50),
	}
	for _, r := range recs {
		if err := s.Put(ctx, r, store.Always); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	sorted := func(recs []store.Record) string {
		k := keys(recs)
		sort.Strings(k)
		return fmt.Sprint(k)
	}

	page, err := s.Query(ctx, store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!01"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if got := sorted(page.Records); got != "[id!b id!c id!e]" {
		t.Fatalf("descendants of 01 = %s", got)
	}

	page, err = s.Query(ctx, store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!0", Exact: true})
	if err != nil {
		t.Fatalf("Query exact: %v", err)
	}
	if got := sorted(page.Records); got != "[id!a]" {
		t.Fatalf("exact 0 = %s", got)
	}

	page, err = s.Query(ctx, store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!", Exact: true})
	if err != nil {
		t.Fatalf("Query root: %v", err)
	}
	if got := sorted(page.Records); got != "[id!root]" {
		t.Fatalf("exact root = %s", got)
	}

	filter := orb.Bound{Min: orb.Point{-2, 0}, Max: orb.Point{0, 2}}
	var all []store.Record
	q := store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!", Filter: &filter, Limit: 1}
	for {
		page, err := s.Query(ctx, q)
		if err != nil {
			t.Fatalf("Query paged: %v", err)
		}
		all = append(all, page.Records...)
		if page.Next == nil {
			break
		}
		q.Start = page.Next
	}
	if got := sorted(all); got != "[id!a id!b id!c id!root]" {
		t.Fatalf("filtered cell walk = %s", got)
	}
}

func testCellMovesOnReplace(t *testing.T, s store.Store) {
	ctx := context.Background()
	rec := feature("ds", "a", "cell!0", -1, 1)
	if err := s.Put(ctx, rec, store.Always); err != nil {
		t.Fatalf("Put: %v", err)
	}
	rec.Cell = "cell!3"
	rec.West, rec.East, rec.South, rec.North = 1, 1, -1, -1
	if err := s.Put(ctx, rec, store.Always); err != nil {
		t.Fatalf("Put replace: %v", err)
	}
	page, err := s.Query(ctx, store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!0"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(page.Records) != 0 {
		t.Fatalf("stale cell entry: %v", keys(page.Records))
	}
	page, err = s.Query(ctx, store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!3"})
	if err != nil || len(page.Records) != 1 {
		t.Fatalf("moved record = %v, %v", keys(page.Records), err)
	}
}

func testBatch(t *testing.T, s store.Store) {
	ctx := context.Background()
	var recs []store.Record
	for i := 0; i < 60; i++ {
		recs = append(recs, feature("ds", fmt.Sprintf("%02d", i), "cell!2", -1, -1))
	}
	unprocessed, err := s.BatchPut(ctx, recs)
	if err != nil || len(unprocessed) != 0 {
		t.Fatalf("BatchPut = %d unprocessed, %v", len(unprocessed), err)
	}
	page, err := s.Query(ctx, store.Query{Dataset: "ds", Prefix: "id!", Limit: 100})
	if err != nil || len(page.Records) != 60 {
		t.Fatalf("after BatchPut: %d records, %v", len(page.Records), err)
	}

	var ks []store.Key
	for _, r := range recs[:30] {
		ks = append(ks, store.Key{Dataset: "ds", Key: r.Key})
	}
	ks = append(ks, store.Key{Dataset: "ds", Key: "id!missing"})
	left, err := s.BatchDelete(ctx, ks)
	if err != nil || len(left) != 0 {
		t.Fatalf("BatchDelete = %v, %v", left, err)
	}
	page, err = s.Query(ctx, store.Query{Dataset: "ds", Index: store.CellIndex, Prefix: "cell!", Limit: 100})
	if err != nil || len(page.Records) != 30 {
		t.Fatalf("after BatchDelete: %d records, %v", len(page.Records), err)
	}
}

func testScan(t *testing.T, s store.Store) {
	ctx := context.Background()
	for _, ds := range []string{"alpha", "beta", "gamma"} {
		if err := s.Put(ctx, store.Record{Dataset: ds, Key: "metadata!" + ds}, store.Always); err != nil {
			t.Fatalf("Put: %v", err)
		}
		if err := s.Put(ctx, feature(ds, "x", "cell!0", 1, 1), store.Always); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	var got []string
	var from *store.Cursor
	for {
		page, err := s.Scan(ctx, "metadata!", from, 2)
		if err != nil {
			t.Fatalf("Scan: %v", err)
		}
		for _, r := range page.Records {
			got = append(got, r.Dataset)
		}
		if page.Next == nil {
			break
		}
		from = page.Next
	}
	sort.Strings(got)
	if fmt.Sprint(got) != "[alpha beta gamma]" {
		t.Fatalf("Scan datasets = %v", got)
	}
}
