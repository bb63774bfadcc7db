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

// Map applies mapFunc to the elements of an iterator on at most limit
// goroutines. Results are yielded in completion order.
//
//	for d, err := range parallel.NewMap(4, read).Iter(ctx, parallel.All(paths)) {}
type Map[E, D any] struct {
	limit   int
	mapFunc func(context.Context, E) (D, error)
}

func NewMap[E, D any](limit int, mapFunc func(context.Context, E) (D, error)) *Map[E, D] {
	if limit < 1 {
		limit = 1
	}
	return &Map[E, D]{
		limit:   limit,
		mapFunc: mapFunc,
	}
}

// Iter is context aware: once ctx is canceled or the caller stops the
// iteration, pending results are dropped. All goroutines have exited when
// the range loop over the returned iterator ends.
func (m *Map[E, D]) Iter(ctx context.Context, seq iter.Seq2[E, error]) iter.Seq2[D, error] {
	return func(yield func(D, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		mapped := make(chan result[D], m.limit)
		send := func(r result[D]) {
			select {
			case mapped <- r:
			case <-ctx.Done():
			}
		}

		go func() {
			defer close(mapped)
			var g errgroup.Group
			g.SetLimit(m.limit)
			for entry, err := range seq {
				if ctx.Err() != nil {
					break
				}
				if err != nil {
					send(result[D]{e: err})
					continue
				}
				g.Go(func() error {
					d, err := m.mapFunc(ctx, entry)
					send(result[D]{d: d, e: err})
					return nil
				})
			}
			_ = g.Wait()
		}()

		for r := range mapped {
			if ctx.Err() != nil || !yield(r.d, r.e) {
				cancel()
				for range mapped { // wait for the workers
				}
				return
			}
		}
	}
}

// All adapts a slice to the input of Map.Iter.
func All[T any](s []T) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for _, x := range s {
			if !yield(x, nil) {
				return
			}
		}
	}
}
