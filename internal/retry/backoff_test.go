package retry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDelay(t *testing.T) {
	b := Backoff{Initial: 500 * time.Millisecond, Max: time.Minute, Multiplier: 2}

	assert.Equal(t, 500*time.Millisecond, b.Delay(1))
	assert.Equal(t, time.Second, b.Delay(2))
	assert.Equal(t, 4*time.Second, b.Delay(4))
	assert.Equal(t, time.Minute, b.Delay(20), "capped")
}

func TestDelay_Jitter(t *testing.T) {
	b := Backoff{Initial: 500 * time.Millisecond, Max: time.Minute, Multiplier: 2, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		d := b.Delay(3)
		assert.GreaterOrEqual(t, d, 1600*time.Millisecond)
		assert.LessOrEqual(t, d, 2400*time.Millisecond)
	}
}

func TestWait_Cancelled(t *testing.T) {
	b := Backoff{Initial: time.Hour, Max: time.Hour, Multiplier: 2}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, b.Wait(ctx, 1), context.Canceled)
	assert.NoError(t, Backoff{Initial: time.Millisecond, Max: time.Millisecond, Multiplier: 2}.Wait(context.Background(), 1))
}
