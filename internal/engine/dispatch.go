package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"fieldsync/internal/domain"
	"fieldsync/internal/repo"
)

// Dispatch claims op out of one of the given states, runs its handler and
// records the outcome. When the claim is lost to another worker the attempt
// is dropped and the operation's current state is returned.
func (e Engine) Dispatch(ctx context.Context, op domain.PendingOperation, from ...domain.Status) (domain.PendingOperation, error) {
	// store writes must land even if the caller goes away mid-handler
	store := context.WithoutCancel(ctx)
	token := uuid.NewString()
	claimed, err := e.Repo.ClaimOperation(store, op.ID, token, e.CurrentTime(), from...)
	if err != nil {
		return op, err
	}
	if !claimed {
		e.log().Debug("claim dropped", "op_id", op.ID, "local_id", op.LocalID)
		return e.Repo.GetOperation(store, op.ID)
	}
	attempt := op.Attempts + 1

	res, applyErr := e.apply(ctx, op, attempt)
	resolution := repo.Resolution{ID: op.ID, Token: token, At: e.CurrentTime()}
	switch {
	case applyErr == nil:
		resolution.Status = domain.StatusSynced
		resolution.ServerEntityID = res.ServerEntityID
		if resolution.ServerEntityID == "" {
			resolution.ServerEntityID = op.EntityID
		}
	case IsConflict(applyErr):
		resolution.Status = domain.StatusConflict
		resolution.Error = applyErr.Error()
	default:
		resolution.Status = domain.StatusFailed
		resolution.Error = applyErr.Error()
		d := e.dispatchConfig()
		if attempt < d.MaxAttempts {
			next := resolution.At.Add(Backoff(d.BackoffBase, d.BackoffMax, attempt))
			resolution.NextRetryAt = &next
		}
	}

	if err := e.Repo.ResolveOperation(store, resolution); err != nil {
		if errors.Is(err, repo.ErrClaimLost) {
			e.log().Warn("late resolution rejected", "op_id", op.ID, "local_id", op.LocalID, "status", resolution.Status)
			return e.Repo.GetOperation(store, op.ID)
		}
		return op, err
	}

	lvl := e.log().Debug
	if resolution.Status != domain.StatusSynced {
		lvl = e.log().Warn
	}
	lvl("operation dispatched",
		"op_id", op.ID,
		"local_id", op.LocalID,
		"entity_type", op.EntityType,
		"action", op.Action,
		"attempt", attempt,
		"status", resolution.Status,
		"error", resolution.Error,
	)
	return e.Repo.GetOperation(store, op.ID)
}

func (e Engine) apply(ctx context.Context, op domain.PendingOperation, attempt int) (ApplyResult, error) {
	h, ok := e.Handlers.Lookup(op.EntityType, op.Action)
	if !ok {
		return ApplyResult{}, fmt.Errorf("%w for %s %s", ErrNoHandler, op.EntityType, op.Action.Wire())
	}
	req := ApplyRequest{
		OperationID: op.ID,
		UserID:      op.UserID,
		DeviceID:    op.DeviceID,
		EntityType:  op.EntityType,
		EntityID:    op.EntityID,
		Action:      op.Action,
		Payload:     op.Payload,
		SubmittedAt: op.SubmittedAt,
		Attempt:     attempt,
	}
	return e.invoke(ctx, h, req)
}

// invoke runs h bounded by dispatch.handler_timeout, turning panics into errors.
func (e Engine) invoke(ctx context.Context, h Handler, req ApplyRequest) (ApplyResult, error) {
	ctx, cancel := context.WithTimeout(ctx, e.dispatchConfig().HandlerTimeout)
	defer cancel()

	type outcome struct {
		res ApplyResult
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				e.log().Error("handler panic", "op_id", req.OperationID, "entity_type", req.EntityType, "panic", p)
				done <- outcome{err: fmt.Errorf("handler panic: %v", p)}
			}
		}()
		res, err := h.Apply(ctx, req)
		done <- outcome{res: res, err: err}
	}()

	select {
	case o := <-done:
		if o.err != nil && errors.Is(o.err, context.DeadlineExceeded) && !IsConflict(o.err) {
			return o.res, fmt.Errorf("%w: %v", ErrHandlerTimeout, o.err)
		}
		return o.res, o.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return ApplyResult{}, fmt.Errorf("%w after %s", ErrHandlerTimeout, e.dispatchConfig().HandlerTimeout)
		}
		return ApplyResult{}, ctx.Err()
	}
}
