package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll(t *testing.T) {
	tests := []struct {
		name       string
		attempts   int
		visibleAt  int
		wantCalls  int
		wantDone   bool
		wantSleeps int
	}{
		{name: "visible on first attempt", attempts: 5, visibleAt: 1, wantCalls: 1, wantDone: true, wantSleeps: 0},
		{name: "visible on third attempt", attempts: 5, visibleAt: 3, wantCalls: 3, wantDone: true, wantSleeps: 2},
		{name: "visible on last attempt", attempts: 5, visibleAt: 5, wantCalls: 5, wantDone: true, wantSleeps: 4},
		{name: "never visible", attempts: 5, visibleAt: 0, wantCalls: 5, wantDone: false, wantSleeps: 4},
		{name: "zero attempts still tries once", attempts: 0, visibleAt: 0, wantCalls: 1, wantDone: false, wantSleeps: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var sleeps []time.Duration
			p := Policy{
				Attempts: tt.attempts,
				Delay:    2 * time.Second,
				Sleep: func(ctx context.Context, d time.Duration) error {
					sleeps = append(sleeps, d)
					return nil
				},
			}

			calls := 0
			n, done, err := Poll(context.Background(), p, func(ctx context.Context, attempt int) Outcome {
				calls++
				assert.Equal(t, calls, attempt)
				if attempt == tt.visibleAt {
					return Done
				}
				return NotVisible
			})

			require.NoError(t, err)
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantCalls, n)
			assert.Equal(t, tt.wantDone, done)
			assert.Len(t, sleeps, tt.wantSleeps)
			for _, d := range sleeps {
				assert.Equal(t, 2*time.Second, d)
			}
		})
	}
}

func TestPollCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	p := Policy{Attempts: 5, Delay: time.Second, Sleep: NoSleep}
	_, done, err := Poll(ctx, p, func(ctx context.Context, attempt int) Outcome {
		calls++
		if attempt == 2 {
			cancel()
		}
		return NotVisible
	})

	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, done)
	assert.Equal(t, 2, calls)
}

func TestPollDefaultSleepHonorsDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, _, err := Poll(ctx, Policy{Attempts: 3, Delay: time.Hour}, func(ctx context.Context, attempt int) Outcome {
		return NotVisible
	})

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}
