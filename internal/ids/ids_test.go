package ids

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   any
		want string
		ok   bool
	}{
		{nil, "", false},
		{"abc", "abc", true},
		{"a!b!c", "a!b!c", true},
		{float64(0), "0", true},
		{float64(12), "12", true},
		{1.5, "1.5", true},
		{int(7), "7", true},
		{int64(-3), "-3", true},
		{json.Number("42"), "42", true},
	}
	for _, tc := range cases {
		got, ok := Normalize(tc.in)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("Normalize(%#v) = (%q,%v), want (%q,%v)", tc.in, got, ok, tc.want, tc.ok)
		}
	}
}

func TestSplitKeyFirstSeparatorOnly(t *testing.T) {
	tag, id := SplitKey(FeatureKey("a!b!c"))
	if tag != TagID || id != "a!b!c" {
		t.Fatalf("SplitKey = (%q,%q)", tag, id)
	}
	tag, id = SplitKey("plain")
	if tag != "" || id != "plain" {
		t.Fatalf("SplitKey(plain) = (%q,%q)", tag, id)
	}
	if MetadataKey("ds") != "metadata!ds" || CellKey("012") != "cell!012" {
		t.Fatalf("unexpected key layout")
	}
}

func TestAssign(t *testing.T) {
	ctx := context.Background()
	a := NewAssigner(nil)

	f := geojson.NewFeature(orb.Point{1, 2})
	f.ID = float64(0)
	id, err := a.Assign(ctx, f, "ds")
	if err != nil || id != "0" || f.ID != "0" {
		t.Fatalf("numeric id: id=%q f.ID=%v err=%v", id, f.ID, err)
	}

	g := geojson.NewFeature(orb.Point{1, 2})
	id, err = a.Assign(ctx, g, "ds")
	if err != nil || id == "" || g.ID != id {
		t.Fatalf("generated id: id=%q f.ID=%v err=%v", id, g.ID, err)
	}
}

type memCounter struct {
	mu   sync.Mutex
	vals map[string]int64
	fail bool
}

func (m *memCounter) Increment(_ context.Context, dataset, key string, delta int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return 0, errors.New("boom")
	}
	if m.vals == nil {
		m.vals = map[string]int64{}
	}
	m.vals[dataset+"/"+key] += delta
	return m.vals[dataset+"/"+key], nil
}

func TestRangesNoDuplicatesUnderConcurrency(t *testing.T) {
	ctx := context.Background()
	counter := &memCounter{}
	gen := NewRanges(counter, 37)

	const workers, perWorker = 50, 100
	var (
		mu   sync.Mutex
		seen = map[string]struct{}{}
		wg   sync.WaitGroup
	)
	errs := make(chan error, workers)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				id, err := gen.Next(ctx, "ds")
				if err != nil {
					errs <- err
					return
				}
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("Next: %v", err)
	}
	if len(seen) != workers*perWorker {
		t.Fatalf("distinct ids = %d, want %d", len(seen), workers*perWorker)
	}
}

func TestRangesAbandonedBlockNotReissued(t *testing.T) {
	ctx := context.Background()
	counter := &memCounter{}

	first, _ := NewRangeAllocator(counter, "ds", 10)
	id, err := first.Next(ctx)
	if err != nil || id != "0" {
		t.Fatalf("first id = %q err=%v", id, err)
	}

	// a fresh allocator (new process) starts after the abandoned block
	second, _ := NewRangeAllocator(counter, "ds", 10)
	id, err = second.Next(ctx)
	if err != nil || id != "10" {
		t.Fatalf("second allocator id = %q err=%v", id, err)
	}

	counter.fail = true
	third, _ := NewRangeAllocator(counter, "ds", 10)
	if _, err := third.Next(ctx); err == nil {
		t.Fatalf("expected reservation error")
	}
}
