package connector

import (
	"context"
	"errors"
	"log"
	mrand "math/rand/v2"
	"time"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// Runner drives one transport session function in a reconnect loop:
// exponential backoff capped at 30s with jitter, and a single token refresh
// per attempt when the session reports ErrAuthFailed.
type Runner struct {
	Name string
	// Session dials, authenticates, subscribes and reads until the
	// transport drops or ctx is cancelled.
	Session func(ctx context.Context) error
	// RefreshNow refreshes credentials after an auth failure. Optional.
	RefreshNow func(ctx context.Context) (string, error)
	// OnStateChange observes connected/disconnected transitions. The
	// session signals "connected" itself once subscribed; the runner only
	// reports the down edges.
	OnStateChange func(connected bool)
}

// Loop runs sessions until ctx is cancelled.
func (r *Runner) Loop(ctx context.Context) error {
	backoff := initialBackoff
	refreshBackoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := r.Session(ctx)
		if err == nil {
			backoff = initialBackoff
			refreshBackoff = initialBackoff
			continue
		}
		if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return ctx.Err()
		}

		if r.OnStateChange != nil {
			r.OnStateChange(false)
		}

		if errors.Is(err, ErrAuthFailed) && r.RefreshNow != nil {
			log.Printf("%s: authentication failed; refreshing token", r.Name)
			if _, refreshErr := r.RefreshNow(ctx); refreshErr != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				log.Printf("%s: refresh failed: %v; retrying in %s", r.Name, refreshErr, refreshBackoff)
				if !sleep(ctx, withJitter(refreshBackoff)) {
					return ctx.Err()
				}
				refreshBackoff = grow(refreshBackoff)
				continue
			}
			refreshBackoff = initialBackoff
			backoff = initialBackoff
			continue
		}

		log.Printf("%s: disconnected: %v; reconnecting in %s", r.Name, err, backoff)
		if !sleep(ctx, withJitter(backoff)) {
			return ctx.Err()
		}
		backoff = grow(backoff)
	}
}

func grow(d time.Duration) time.Duration {
	d *= 2
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

func withJitter(d time.Duration) time.Duration {
	return d + time.Duration(mrand.Int64N(int64(d/2)+1))
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
