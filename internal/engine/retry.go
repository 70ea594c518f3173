package engine

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"trackline/internal/repo"
)

// retryOnConflict runs fn until it succeeds, fails with something other than
// a uniqueness violation, or the attempt budget runs out. Each attempt must
// redo its reads: fn runs a whole allocate-and-insert transaction.
func (e Engine) retryOnConflict(ctx context.Context, op string, fn func(attempt int) error) error {
	attempts := e.keyAttempts()
	base := e.retryBaseDelay()
	var last error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, backoff(base, attempt)); err != nil {
				return err
			}
		}
		last = fn(attempt)
		if last == nil || !repo.IsUniqueViolation(last) {
			return last
		}
		e.logf("engine: %s conflict on attempt %d/%d: %v", op, attempt+1, attempts, last)
	}
	return fmt.Errorf("%s: %w after %d attempts", op, repo.ErrConflict, attempts)
}

// backoff doubles base per attempt and keeps a random half of the result.
func backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << (attempt - 1)
	half := d / 2
	return half + rand.N(half+1)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
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
