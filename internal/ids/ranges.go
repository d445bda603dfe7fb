package ids

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

// DefaultBlockSize is how many sequential ids one reservation claims.
const DefaultBlockSize = 1000

// Counter is the slice of the store contract the allocator needs: an atomic
// add that returns the new value.
type Counter interface {
	Increment(ctx context.Context, dataset, key string, delta int64) (int64, error)
}

// RangeAllocator hands out sequential numeric ids for one dataset. Blocks are
// reserved through an atomic counter in the store, so several processes can
// allocate concurrently without overlap. A block that is abandoned (process
// exit, crash) is never reissued; its unused ids are simply skipped.
type RangeAllocator struct {
	store   Counter
	dataset string
	block   int64

	mu   sync.Mutex
	next int64
	end  int64 // exclusive
}

func NewRangeAllocator(store Counter, dataset string, block int64) (*RangeAllocator, error) {
	if store == nil {
		return nil, errors.New("range allocator requires a counter store")
	}
	if block <= 0 {
		block = DefaultBlockSize
	}
	return &RangeAllocator{store: store, dataset: dataset, block: block}, nil
}

// Next returns the next id in the current block, reserving a new block when
// the current one is used up.
func (r *RangeAllocator) Next(ctx context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next >= r.end {
		hi, err := r.store.Increment(ctx, r.dataset, TagIDRange+r.dataset, r.block)
		if err != nil {
			return "", fmt.Errorf("reserve id block for %q: %w", r.dataset, err)
		}
		r.next, r.end = hi-r.block, hi
	}
	id := r.next
	r.next++
	return strconv.FormatInt(id, 10), nil
}

// Ranges is a Generator backed by one RangeAllocator per dataset. The
// allocators live as long as the Ranges value that owns them.
type Ranges struct {
	store Counter
	block int64

	mu     sync.Mutex
	byName map[string]*RangeAllocator
}

func NewRanges(store Counter, block int64) *Ranges {
	return &Ranges{store: store, block: block, byName: map[string]*RangeAllocator{}}
}

func (r *Ranges) Next(ctx context.Context, dataset string) (string, error) {
	a, err := r.allocator(dataset)
	if err != nil {
		return "", err
	}
	return a.Next(ctx)
}

func (r *Ranges) allocator(dataset string) (*RangeAllocator, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.byName[dataset]; ok {
		return a, nil
	}
	a, err := NewRangeAllocator(r.store, dataset, r.block)
	if err != nil {
		return nil, err
	}
	r.byName[dataset] = a
	return a, nil
}

// Forget drops the allocator of a dataset, e.g. after the dataset is deleted.
func (r *Ranges) Forget(dataset string) {
	r.mu.Lock()
	delete(r.byName, dataset)
	r.mu.Unlock()
}
