package backoff

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff_RetriesExceeded(t *testing.T) {
	b := New(1, time.Millisecond, time.Millisecond*4)

	assert.True(t, b.Wait(context.Background()))
	assert.True(t, b.Wait(context.Background()))
	assert.False(t, b.Wait(context.Background()))
}

func TestBackoff_ContextCancelled(t *testing.T) {
	b := New(0, time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.False(t, b.Wait(ctx))
}

func TestBackoff_Exponential(t *testing.T) {
	b := New(0, time.Millisecond, time.Millisecond*4)

	// Doubles each attempt up to the maximum. Each wait adds up to 10%
	// jitter, and the jitter compounds through doubling until the maximum
	// caps it, so bound each attempt by its pre-jitter base and the base
	// plus compounded jitter. Once capped successive waits may shrink as
	// each jitter is drawn independently.
	bases := []time.Duration{
		time.Millisecond,
		time.Millisecond * 2,
		time.Millisecond * 4,
		time.Millisecond * 4,
		time.Millisecond * 4,
	}
	for _, base := range bases {
		assert.True(t, b.Wait(context.Background()))

		assert.GreaterOrEqual(t, b.lastBackoff, base)
		assert.LessOrEqual(
			t,
			b.lastBackoff,
			time.Duration(float64(base)*1.1*1.1),
		)
	}
}
