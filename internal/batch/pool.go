package batch

import (
	"context"
	"sync"
)

// forEach runs fn over items on at most workers goroutines and returns the
// error of each item by index. Items not started before ctx ends get
// ctx.Err().
func forEach[T any](ctx context.Context, workers int, items []T, fn func(context.Context, T) error) []error {
	errs := make([]error, len(items))
	if len(items) == 0 {
		return errs
	}
	if workers <= 0 {
		workers = 1
	}
	if workers > len(items) {
		workers = len(items)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			defer wg.Done()
			for i := range jobs {
				if err := ctx.Err(); err != nil {
					errs[i] = err
					continue
				}
				errs[i] = fn(ctx, items[i])
			}
		}()
	}

	next := 0
feed:
	for ; next < len(items); next++ {
		select {
		case jobs <- next:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()
	for i := next; i < len(items); i++ {
		errs[i] = ctx.Err()
	}
	return errs
}
