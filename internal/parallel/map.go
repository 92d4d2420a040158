// Package parallel runs a function over an iterator with a bounded number of
// goroutines.
package parallel

import (
	"context"
	"iter"

	"golang.org/x/sync/errgroup"
)

type MapFunc[T, R any] func(context.Context, T) (R, error)

// Map applies f to every element with at most limit concurrent calls
type Map[T, R any] struct {
	ctx   context.Context
	limit int
	f     MapFunc[T, R]
}

func NewMap[T, R any](ctx context.Context, limit int, f MapFunc[T, R]) *Map[T, R] {
	if limit <= 0 {
		limit = 1
	}
	return &Map[T, R]{ctx: ctx, limit: limit, f: f}
}

type result[R any] struct {
	value R
	err   error
}

// Iter returns results in order of completion. Errors of the input sequence
// are passed through. Once the context is done no further results are
// produced, calls finishing after cancellation are dropped.
func (m *Map[T, R]) Iter(seq iter.Seq2[T, error]) iter.Seq2[R, error] {
	return func(yield func(R, error) bool) {
		ctx, cancel := context.WithCancel(m.ctx)
		defer cancel()

		results := make(chan result[R])
		go func() {
			defer close(results)
			var g errgroup.Group
			g.SetLimit(m.limit)
			for in, err := range seq {
				if ctx.Err() != nil {
					break
				}
				if err != nil {
					select {
					case results <- result[R]{err: err}:
					case <-ctx.Done():
					}
					continue
				}
				g.Go(func() error {
					// g.Go may block on a free slot past cancellation
					if ctx.Err() != nil {
						return nil
					}
					v, err := m.f(ctx, in)
					if ctx.Err() != nil {
						return nil
					}
					select {
					case results <- result[R]{value: v, err: err}:
					case <-ctx.Done():
					}
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range results {
			if !yield(r.value, r.err) {
				cancel()
				for range results {
				}
				return
			}
		}
	}
}
