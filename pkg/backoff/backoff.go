// Package backoff implements exponential backoff with jitter.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Backoff implements exponential backoff with jitter.
type Backoff struct {
	// retries is the maximum number of attempts, or zero to retry forever.
	retries    int
	minBackoff time.Duration
	maxBackoff time.Duration

	attempts    int
	lastBackoff time.Duration
}

// New creates a new backoff.
//
// Set 'retries' to zero to retry forever.
func New(retries int, minBackoff time.Duration, maxBackoff time.Duration) *Backoff {
	return &Backoff{
		retries:    retries,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
	}
}

// Wait blocks until the next retry. Returns false if the number of retries
// has been exceeded or the context cancelled, so the caller should stop.
func (b *Backoff) Wait(ctx context.Context) bool {
	if b.retries != 0 && b.attempts > b.retries {
		return false
	}
	b.attempts++

	b.lastBackoff = b.nextWait()

	select {
	case <-time.After(b.lastBackoff):
		return true
	case <-ctx.Done():
		return false
	}
}

func (b *Backoff) nextWait() time.Duration {
	backoff := b.lastBackoff * 2
	if b.lastBackoff == 0 {
		backoff = b.minBackoff
	}
	if backoff > b.maxBackoff {
		backoff = b.maxBackoff
	}

	// Add upto 10% jitter to avoid retries synchronising.
	jitterMultiplier := 1.0 + (rand.Float64() * 0.1)
	return time.Duration(float64(backoff) * jitterMultiplier)
}
