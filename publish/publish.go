// Package publish delivers verified readings downstream.
// All publishers must be safe for concurrent use, server calls Publish from connection goroutines.
package publish

import (
	"context"
	"sync"

	"github.com/temoto/envtele/helpers"
	"github.com/temoto/envtele/reading"
)

type Publisher interface {
	Publish(ctx context.Context, r reading.SensorReading) error
}

type Func func(ctx context.Context, r reading.SensorReading) error

func (f Func) Publish(ctx context.Context, r reading.SensorReading) error { return f(ctx, r) }

type Nop struct{}

func (Nop) Publish(context.Context, reading.SensorReading) error { return nil }

// Multi calls every publisher concurrently, one failing does not stop others.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, r reading.SensorReading) error {
	switch len(m) {
	case 0:
		return nil
	case 1:
		return m[0].Publish(ctx, r)
	}
	errs := make([]error, len(m))
	var wg sync.WaitGroup
	wg.Add(len(m))
	for i, p := range m {
		go func(i int, p Publisher) {
			defer wg.Done()
			errs[i] = p.Publish(ctx, r)
		}(i, p)
	}
	wg.Wait()
	return helpers.FoldErrors(errs)
}
