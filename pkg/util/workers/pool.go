// Package workers fans lookups out over a bounded, rate-limited set of goroutines
// and retries flaky upstream queries.
package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Task represents a unit of work to be executed
type Task func(ctx context.Context) error

// Result contains the result of a task execution
type Result struct {
	Index int   // Index of the task in submission order
	Error error // Error if task failed
}

// Pool runs submitted tasks with bounded concurrency and an optional rate limit
type Pool struct {
	limiter   *rate.Limiter
	semaphore chan struct{}
	mu        sync.Mutex
	results   []Result
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
}

// Config contains configuration for a worker pool
type Config struct {
	Workers   int     // Number of concurrent workers
	RateLimit float64 // Tasks started per second (0 = no limit)
	BurstSize int     // Burst size for rate limiter
}

// NewLimiter returns a limiter for perSecond events, or nil when perSecond is not positive
func NewLimiter(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return nil
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// NewPool creates a new worker pool
func NewPool(ctx context.Context, cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = cfg.Workers
	}

	poolCtx, cancel := context.WithCancel(ctx)

	return &Pool{
		limiter:   NewLimiter(cfg.RateLimit, cfg.BurstSize),
		semaphore: make(chan struct{}, cfg.Workers),
		ctx:       poolCtx,
		cancel:    cancel,
	}
}

// Submit schedules task under index. It does not block.
func (p *Pool) Submit(index int, task Task) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.record(index, p.run(task))
	}()
}

func (p *Pool) run(task Task) error {
	if err := p.ctx.Err(); err != nil {
		return err
	}
	select {
	case p.semaphore <- struct{}{}:
		defer func() { <-p.semaphore }()
	case <-p.ctx.Done():
		return p.ctx.Err()
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(p.ctx); err != nil {
			return err
		}
	}
	return task(p.ctx)
}

func (p *Pool) record(index int, err error) {
	p.mu.Lock()
	p.results = append(p.results, Result{Index: index, Error: err})
	p.mu.Unlock()
}

// Wait blocks until every submitted task has finished and returns the
// results in completion order
func (p *Pool) Wait() []Result {
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.results
}

// Stop cancels all pending tasks
func (p *Pool) Stop() {
	p.cancel()
}

// Each runs fn for indexes 0..n-1 through a pool and returns the error of
// every index at its own position.
func Each(ctx context.Context, cfg Config, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	if n == 0 {
		return errs
	}
	pool := NewPool(ctx, cfg)
	defer pool.Stop()

	for i := 0; i < n; i++ {
		pool.Submit(i, func(ctx context.Context) error {
			return fn(ctx, i)
		})
	}
	for _, r := range pool.Wait() {
		errs[r.Index] = r.Error
	}
	return errs
}

// RetryConfig contains configuration for retry logic
type RetryConfig struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
}

// DefaultRetryConfig returns the retry policy used for registry queries
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		Multiplier:   2.0,
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. Retry returns the wrapped error as is.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// Permanent error, or MaxAttempts is reached
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(err, &perm) {
			return perm.err
		}
		lastErr = err

		if attempt == cfg.MaxAttempts {
			break
		}

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		}
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// RateLimitedRetry waits on limiter before every attempt
func RateLimitedRetry(ctx context.Context, limiter *rate.Limiter, cfg RetryConfig, fn func() error) error {
	return Retry(ctx, cfg, func() error {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return Permanent(err)
			}
		}
		return fn()
	})
}
