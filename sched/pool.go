package sched

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"

	"swaprelay/core/swap"
)

// Limiters holds one token bucket per ledger, sized to the adapter's RPC
// budget.
type Limiters struct {
	buckets map[swap.Ledger]*rate.Limiter
}

// NewLimiters builds the per-ledger buckets from requests-per-second
// budgets. A zero or negative budget means unlimited.
func NewLimiters(budgets map[swap.Ledger]float64) *Limiters {
	buckets := make(map[swap.Ledger]*rate.Limiter, len(budgets))
	for ledger, rps := range budgets {
		if rps <= 0 {
			buckets[ledger] = rate.NewLimiter(rate.Inf, 1)
			continue
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		buckets[ledger] = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return &Limiters{buckets: buckets}
}

// Wait blocks until the ledger's bucket grants a token or the context is
// cancelled. Unknown ledgers pass through unthrottled.
func (l *Limiters) Wait(ctx context.Context, ledger swap.Ledger) error {
	if l == nil {
		return nil
	}
	bucket, ok := l.buckets[ledger]
	if !ok {
		return nil
	}
	return bucket.Wait(ctx)
}

// Pool is a bounded worker pool. Submissions beyond the ceiling block the
// caller, making backpressure visible instead of queueing unboundedly.
type Pool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool sizes the pool to the worker ceiling.
func NewPool(workers int) *Pool {
	if workers <= 0 {
		workers = 8
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    make(chan struct{}, workers),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit runs fn on a worker slot. It blocks while the pool is saturated
// and fails once the pool is shutting down.
func (p *Pool) Submit(fn func(ctx context.Context)) error {
	if p.ctx.Err() != nil {
		return fmt.Errorf("pool is draining")
	}
	select {
	case <-p.ctx.Done():
		return fmt.Errorf("pool is draining")
	case p.sem <- struct{}{}:
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			<-p.sem
			p.wg.Done()
		}()
		fn(p.ctx)
	}()
	return nil
}

// Drain cancels outstanding work at its next suspension point and waits
// for every worker to return.
func (p *Pool) Drain() {
	p.cancel()
	p.wg.Wait()
}
