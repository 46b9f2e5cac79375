package usecase

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
)

// cacheRetry bounds status-cache I/O. Status records are best effort, so the
// whole budget (attempts x attemptTimeout plus backoff) stays small next to
// one analysis, and a miss is an answer rather than a failure.
type cacheRetry struct {
	attempts       int
	attemptTimeout time.Duration
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func defaultCacheRetry() cacheRetry {
	return cacheRetry{
		attempts:       3,
		attemptTimeout: 250 * time.Millisecond,
		initialBackoff: 25 * time.Millisecond,
		maxBackoff:     100 * time.Millisecond,
	}
}

// delay is the wait before retry n, n >= 1.
func (p cacheRetry) delay(n int) time.Duration {
	d := p.initialBackoff << (n - 1)
	if d <= 0 || d > p.maxBackoff {
		return p.maxBackoff
	}
	return d
}

// run calls fn until it succeeds, fails permanently or the budget is spent,
// and reports how many attempts it made. Each attempt gets its own deadline.
func (p cacheRetry) run(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	attempts := max(p.attempts, 1)
	var err error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			timer := time.NewTimer(p.delay(n))
			select {
			case <-ctx.Done():
				timer.Stop()
				return n, ctx.Err()
			case <-timer.C:
			}
		}
		if err = p.attempt(ctx, fn); err == nil || !retryableCacheError(err) {
			return n + 1, err
		}
	}
	return attempts, err
}

func (p cacheRetry) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.attemptTimeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, p.attemptTimeout)
	defer cancel()
	return fn(ctx)
}

// retryableCacheError reports whether another attempt could succeed.
func retryableCacheError(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, redis.Nil),
		errors.Is(err, redis.ErrClosed),
		errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	// Server replies that ask the client to come back later.
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		msg := redisErr.Error()
		return strings.HasPrefix(msg, "LOADING ") || strings.HasPrefix(msg, "TRYAGAIN ") || strings.HasPrefix(msg, "BUSY ")
	}
	return false
}
