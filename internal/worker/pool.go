package worker

import (
	"context"
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/muaviaUsmani/planner/internal/errors"
	"github.com/muaviaUsmani/planner/internal/logger"
)

// Pool runs independent units of work with bounded concurrency and an
// optional start rate. Each unit's panic is recovered and reported as that
// unit's error.
type Pool struct {
	concurrency int
	limiter     *rate.Limiter
	active      atomic.Int64
	log         logger.Logger
}

// NewPool creates a pool running at most concurrency units at once. A
// ratePerSec of zero or less disables throttling.
func NewPool(concurrency int, ratePerSec float64) *Pool {
	if concurrency < 1 {
		concurrency = 1
	}
	p := &Pool{
		concurrency: concurrency,
		log:         logger.Default().WithComponent(logger.ComponentHandler),
	}
	if ratePerSec > 0 {
		burst := int(ratePerSec)
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(ratePerSec), burst)
	}
	return p
}

// Concurrency returns the maximum number of concurrent units
func (p *Pool) Concurrency() int {
	return p.concurrency
}

// Active returns the number of units currently running
func (p *Pool) Active() int64 {
	return p.active.Load()
}

// Outcome is the tagged result of one unit of work
type Outcome[R any] struct {
	Value R
	Err   error
}

// Map applies fn to every item and returns one Outcome per item, in input
// order. Units share no state: each writes only its own slot, and the caller
// reduces the outcomes after all units return. A cancelled ctx fails the
// units that have not started yet.
func Map[T, R any](ctx context.Context, p *Pool, items []T, fn func(context.Context, T) (R, error)) []Outcome[R] {
	out := make([]Outcome[R], len(items))
	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup

	for i, item := range items {
		if err := ctx.Err(); err != nil {
			out[i].Err = err
			continue
		}
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				out[i].Err = err
				continue
			}
		}

		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			out[i].Err = ctx.Err()
			continue
		}

		wg.Add(1)
		go func(i int, item T) {
			defer wg.Done()
			defer func() { <-sem }()
			p.active.Add(1)
			defer p.active.Add(-1)

			var value R
			var unitErr error
			if err := errors.RecoverPanic(func() {
				value, unitErr = fn(ctx, item)
			}); err != nil {
				if pe, ok := err.(*errors.PanicError); ok {
					p.log.ErrorContext(ctx, "Fan-out unit panicked",
						"index", i,
						"panic_value", pe.Value,
						"stack_trace", pe.Stacktrace)
				}
				unitErr = err
			}
			out[i] = Outcome[R]{Value: value, Err: unitErr}
		}(i, item)
	}

	wg.Wait()
	return out
}
