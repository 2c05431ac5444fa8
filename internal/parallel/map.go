// Package parallel runs a function over a sequence of inputs concurrently.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type result[D any] struct {
	d D
	e error
}

// Map calls fn for every input, at most limit calls at a time, and yields
// the results in completion order. The typical usage is
//
//	for d, err := range parallel.Map(ctx, limit, inputs, fn) {}
//
// Once ctx is canceled no new calls are started and results of the calls
// still running may be dropped. Stopping the iteration cancels the context
// passed to fn and waits for the running calls.
func Map[E, D any](ctx context.Context, limit int, inputs iter.Seq[E], fn func(context.Context, E) (D, error)) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		var g errgroup.Group
		g.SetLimit(max(limit, 1))
		results := make(chan result[D])

		go func() {
			defer close(results)
			for e := range inputs {
				if ctx.Err() != nil {
					break
				}
				g.Go(func() error {
					d, err := fn(ctx, e)
					select {
					case results <- result[D]{d: d, e: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range results {
			if !yield(r.d, r.e) {
				cancel()
				for range results {
				}
				return
			}
		}
	}
}
