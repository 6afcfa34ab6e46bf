package worker

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pool runs tasks with at most size in flight. Each task gets its own
// deadline derived from the pool timeout.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	timeout time.Duration
	limiter *rate.Limiter // nil if unlimited
}

func NewPool(size int, timeout time.Duration) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{sem: make(chan struct{}, size), timeout: timeout}
}

// NewLimiter returns a token bucket for perSecond tasks, or nil when
// perSecond <= 0. Share one limiter between pools to bound the rate across
// them.
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// WithLimiter makes every task wait for a token from l before it starts.
// A nil l leaves the pool unlimited.
func (p *Pool) WithLimiter(l *rate.Limiter) *Pool {
	p.limiter = l
	return p
}

// Go blocks until a slot is free, then runs fn in a goroutine. If ctx ends
// while waiting for a slot or a token, fn still runs with the error so the
// caller can account for the work it could not start.
func (p *Pool) Go(ctx context.Context, fn func(ctx context.Context, err error)) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		fn(ctx, ctx.Err())
		return
	}
	p.wg.Add(1)
	go func() {
		defer func() { <-p.sem; p.wg.Done() }()
		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				fn(ctx, err)
				return
			}
		}
		c, cancel := ctx, context.CancelFunc(func() {})
		if p.timeout > 0 {
			c, cancel = context.WithTimeout(ctx, p.timeout)
		}
		defer cancel()
		fn(c, nil)
	}()
}

// Wait blocks until every started task returned.
func (p *Pool) Wait() { p.wg.Wait() }
