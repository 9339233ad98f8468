package crew

import (
	"context"
	"sync"
	"time"

	"okami/internal/errorx"
)

// rpmLimiter is a token bucket keyed by agent name: capacity max_rpm,
// refilled continuously at max_rpm per minute.
type rpmLimiter struct {
	mu     sync.Mutex
	rpm    float64
	tokens float64
	last   time.Time
	agent  string
}

func newRPMLimiter(agent string, rpm int) *rpmLimiter {
	if rpm <= 0 {
		return nil // unlimited
	}
	return &rpmLimiter{
		rpm:    float64(rpm),
		tokens: float64(rpm),
		last:   time.Now(),
		agent:  agent,
	}
}

// wait blocks until a token is available or the budget expires, returning
// RateBudgetError on exhaustion. A nil limiter never blocks.
func (l *rpmLimiter) wait(ctx context.Context, budget time.Duration) error {
	if l == nil {
		return nil
	}
	deadline := time.Now().Add(budget)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if l.take() {
			return nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &errorx.RateBudgetError{Agent: l.agent}
		}
		pause := 50 * time.Millisecond
		if pause > remaining {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (l *rpmLimiter) take() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.tokens += now.Sub(l.last).Minutes() * l.rpm
	if l.tokens > l.rpm {
		l.tokens = l.rpm
	}
	l.last = now
	if l.tokens >= 1 {
		l.tokens--
		return true
	}
	return false
}
