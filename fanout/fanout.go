// Package fanout runs one task per recipient with bounded concurrency.
//
// Unlike a bare errgroup, a failing task never cancels its siblings: every
// item is attempted and its outcome recorded, so one bad address cannot
// prevent delivery to the rest of a batch.
package fanout

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// DefaultLimit is the number of concurrent tasks used when a caller passes a limit below 1.
const DefaultLimit = 10

// Result is the outcome of the task for a single item.
type Result[T any] struct {
	Item T
	Err  error
}

// Gather calls fn for every item, at most limit at a time, and waits for all of them.
// Results are returned in input order. A panicking task is recorded as an error.
// Once ctx is done, items not yet started are recorded with ctx.Err().
func Gather[T any](ctx context.Context, limit int, items []T, fn func(context.Context, T) error) []Result[T] {
	if limit < 1 {
		limit = DefaultLimit
	}
	results := make([]Result[T], len(items))

	var g errgroup.Group
	g.SetLimit(limit)
	for i, item := range items {
		results[i].Item = item
		g.Go(func() error {
			results[i].Err = run(ctx, item, fn)
			return nil
		})
	}
	_ = g.Wait() // tasks never fail; errors live in results

	return results
}

func run[T any](ctx context.Context, item T, fn func(context.Context, T) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(ctx, item)
}
