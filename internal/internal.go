package internal

import (
	"context"
	"time"

	"github.com/redwire-go/redwire/internal/rand"
)

// RetryBackoff returns the sleep duration before the given retry attempt:
// minBackoff plus a random share of minBackoff<<retry, so the upper bound
// grows exponentially, capped at maxBackoff.
func RetryBackoff(retry int, minBackoff, maxBackoff time.Duration) time.Duration {
	if retry < 0 {
		panic("not reached")
	}
	if minBackoff == 0 {
		return 0
	}

	d := minBackoff << uint(retry)
	if d < minBackoff {
		return maxBackoff
	}

	d = minBackoff + time.Duration(rand.Int63n(int64(d)))
	if d > maxBackoff || d < minBackoff {
		d = maxBackoff
	}
	return d
}

// Sleep pauses for dur or until the context is done, whichever comes first.
func Sleep(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
