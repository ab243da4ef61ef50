// Package retry polls an operation until it reports a terminal outcome.
package retry

import (
	"context"
	"time"
)

// Outcome is what a single attempt reports back to the poller.
type Outcome int

const (
	// Done means the attempt produced a terminal answer.
	Done Outcome = iota
	// NotVisible means the thing being polled for is not observable yet.
	NotVisible
)

// Policy bounds the polling loop.
type Policy struct {
	Attempts int
	Delay    time.Duration

	// Sleep defaults to a context-aware timer. Tests replace it.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Poll calls fn up to p.Attempts times, waiting p.Delay between attempts
// that return NotVisible. It returns the number of attempts made and
// whether the last one was terminal. A canceled context stops the loop
// and its error is returned.
func Poll(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) Outcome) (int, bool, error) {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	for i := 1; i <= attempts; i++ {
		if err := ctx.Err(); err != nil {
			return i - 1, false, err
		}
		if fn(ctx, i) == Done {
			return i, true, nil
		}
		if i == attempts {
			break
		}
		if err := p.sleep(ctx, p.Delay); err != nil {
			return i, false, err
		}
	}
	return attempts, false, ctx.Err()
}

// NoSleep is a Sleep that only honors cancellation.
func NoSleep(ctx context.Context, _ time.Duration) error {
	return ctx.Err()
}
