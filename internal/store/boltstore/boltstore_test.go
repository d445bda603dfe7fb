package boltstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/mohammed-shakir/tileindex/internal/store"
	"github.com/mohammed-shakir/tileindex/internal/store/storetest"
)

func newTemp(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store { return newTemp(t) })
}

func TestOpenRequiresPath(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}

func TestConcurrentIncrementIsAtomic(t *testing.T) {
	s := newTemp(t)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := s.Increment(ctx, "ds", "idrange!ds", 1); err != nil {
					t.Errorf("Increment: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	n, err := s.Increment(ctx, "ds", "idrange!ds", 0)
	if err != nil {
		t.Fatalf("Increment: %v", err)
	}
	if n != 200 {
		t.Fatalf("counter = %d, want 200", n)
	}
}

func TestBatchPutRejectsMissingDataset(t *testing.T) {
	s := newTemp(t)
	t.Cleanup(func() { _ = s.Close() })

	recs := []store.Record{
		{Dataset: "ds", Key: "id!ok", Cell: "cell!0", Val: []byte("x")},
		{Dataset: "", Key: "id!bad", Cell: "cell!0", Val: []byte("y")},
	}
	left, err := s.BatchPut(context.Background(), recs)
	if err != nil {
		t.Fatalf("BatchPut: %v", err)
	}
	if len(left) != 1 || left[0].Key != "id!bad" {
		t.Fatalf("unprocessed = %+v", left)
	}
}

func TestBackendErrorAfterClose(t *testing.T) {
	s := newTemp(t)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	_, err := s.Get(context.Background(), "ds", "id!a")
	var be *store.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Get after close: got %v, want *store.BackendError", err)
	}
}
