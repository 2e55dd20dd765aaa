package engine

import (
	"context"
	"fmt"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/engine/auth"
)

// checkRetry reports why op cannot be retried at now, or nil.
func (e Engine) checkRetry(op domain.PendingOperation, now time.Time, force bool) error {
	if op.Status != domain.StatusFailed {
		return fmt.Errorf("%w: status %s", ErrNotRetryable, op.Status)
	}
	if limit := e.dispatchConfig().MaxAttempts; op.Attempts >= limit {
		return fmt.Errorf("%w: %d of %d attempts used", ErrRetryExhausted, op.Attempts, limit)
	}
	if !force && op.NextRetryAt != nil && now.Before(*op.NextRetryAt) {
		return fmt.Errorf("%w: next retry at %s", ErrRetryTooEarly, op.NextRetryAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// Retry re-dispatches a FAILED operation on behalf of p.
func (e Engine) Retry(ctx context.Context, p auth.Principal, id string, force bool) (domain.PendingOperation, error) {
	op, err := e.Operation(ctx, p, id)
	if err != nil {
		return op, err
	}
	if err := e.checkRetry(op, e.CurrentTime(), force); err != nil {
		return op, err
	}
	return e.Dispatch(ctx, op, domain.StatusFailed)
}

// RetryDue re-dispatches FAILED operations whose backoff has elapsed,
// highest priority first, and returns their new state.
func (e Engine) RetryDue(ctx context.Context, limit int) ([]domain.PendingOperation, error) {
	if limit <= 0 {
		limit = 100
	}
	due, err := e.Repo.ListRetryable(ctx, e.CurrentTime(), e.dispatchConfig().MaxAttempts, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.PendingOperation, 0, len(due))
	for _, op := range due {
		res, err := e.Dispatch(ctx, op, domain.StatusFailed)
		if err != nil {
			return out, fmt.Errorf("retry %s: %w", op.ID, err)
		}
		out = append(out, res)
	}
	return out, nil
}

// Sweep resets operations stuck in PROCESSING past sweeper.stale_after to FAILED.
func (e Engine) Sweep(ctx context.Context) ([]string, error) {
	staleAfter := 5 * time.Minute
	if e.Config != nil && e.Config.Sweeper.StaleAfter > 0 {
		staleAfter = e.Config.Sweeper.StaleAfter
	}
	now := e.CurrentTime()
	ids, err := e.Repo.ReclaimStale(ctx, now.Add(-staleAfter), now, "claim expired")
	if err != nil {
		return nil, err
	}
	if len(ids) > 0 {
		e.log().Warn("reclaimed stale operations", "count", len(ids), "op_ids", ids)
	}
	return ids, nil
}

// RunSweeper calls Sweep every interval until ctx is done.
func (e Engine) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := e.Sweep(ctx); err != nil {
				e.log().Error("sweep", "err", err)
			}
		}
	}
}
