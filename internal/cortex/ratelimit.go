package cortex

import (
	"context"
	"fmt"
	"time"
)

// RateLimiter is a token bucket shared by all calls of one client.
type RateLimiter struct {
	tokens     chan struct{}
	quit       chan struct{}
	refillRate time.Duration
}

// NewRateLimiter creates a limiter allowing rps requests per second with
// the given burst.
func NewRateLimiter(rps, burst int) *RateLimiter {
	if rps <= 0 {
		rps = 1
	}
	if burst <= 0 {
		burst = rps
	}
	rl := &RateLimiter{
		tokens:     make(chan struct{}, burst),
		quit:       make(chan struct{}),
		refillRate: time.Second / time.Duration(rps),
	}
	for i := 0; i < burst; i++ {
		rl.tokens <- struct{}{}
	}
	go rl.refill()
	return rl
}

func (rl *RateLimiter) refill() {
	t := time.NewTicker(rl.refillRate)
	defer t.Stop()
	for {
		select {
		case <-rl.quit:
			return
		case <-t.C:
			select {
			case rl.tokens <- struct{}{}:
			default:
				// bucket full
			}
		}
	}
}

// Wait blocks until a token is available, ctx is done or five seconds pass.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-rl.tokens:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("rate limit timeout")
	}
}

// Close stops the refill goroutine.
func (rl *RateLimiter) Close() { close(rl.quit) }
