package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"fieldsync/internal/domain"
	"fieldsync/internal/priority"
)

// ValidationError rejects a whole batch before anything is stored.
type ValidationError struct {
	Message string
	Details map[string]any
}

func (e *ValidationError) Error() string { return e.Message }

func invalid(msg string, details map[string]any) error {
	return &ValidationError{Message: msg, Details: details}
}

// SyncRequest is one batch pushed by a device.
type SyncRequest struct {
	UserID            string
	DeviceID          string
	Items             []domain.SyncItem
	LastSyncTimestamp *time.Time
}

func (e Engine) validate(req SyncRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return invalid("userId is required", nil)
	}
	if strings.TrimSpace(req.DeviceID) == "" {
		return invalid("deviceId is required", nil)
	}
	if len(req.Items) == 0 {
		return invalid("items must not be empty", nil)
	}
	if limit := e.dispatchConfig().MaxBatchItems; limit > 0 && len(req.Items) > limit {
		return invalid(fmt.Sprintf("batch of %d items exceeds the limit of %d", len(req.Items), limit),
			map[string]any{"items": len(req.Items), "limit": limit})
	}
	for i, it := range req.Items {
		field := ""
		switch {
		case strings.TrimSpace(it.EntityType) == "":
			field = "entityType"
		case strings.TrimSpace(it.LocalID) == "":
			field = "localId"
		case it.Timestamp.IsZero():
			field = "timestamp"
		}
		if field != "" {
			return invalid(fmt.Sprintf("items[%d].%s is required", i, field), map[string]any{"index": i, "field": field})
		}
		action, err := domain.ParseAction(it.Action)
		if err != nil {
			return invalid(fmt.Sprintf("items[%d].action: %v", i, err), map[string]any{"index": i, "field": "action"})
		}
		if it.Data == nil && action != domain.ActionDelete {
			return invalid(fmt.Sprintf("items[%d].data is required", i), map[string]any{"index": i, "field": "data"})
		}
	}
	return nil
}

// Sync persists every item of a batch, dispatches new operations by priority
// and returns one result per item in submission order, plus the delta of
// server changes since req.LastSyncTimestamp.
func (e Engine) Sync(ctx context.Context, req SyncRequest) (domain.SyncResponse, error) {
	if err := e.validate(req); err != nil {
		return domain.SyncResponse{}, err
	}
	ops, err := e.persist(ctx, req)
	if err != nil {
		return domain.SyncResponse{}, err
	}

	final := map[string]domain.PendingOperation{}
	for _, op := range ops {
		final[op.ID] = op
	}
	for _, tier := range e.dispatchOrder(ops) {
		e.dispatchTier(ctx, tier, final)
	}

	resp := domain.SyncResponse{Synced: make([]domain.SyncResult, len(ops))}
	var run domain.SyncRun
	for i, op := range ops {
		res := final[op.ID].Result()
		res.LocalID = req.Items[i].LocalID
		resp.Synced[i] = res
		switch res.Status {
		case domain.StatusSynced:
			run.Synced++
		case domain.StatusFailed:
			run.Failed++
		case domain.StatusConflict:
			run.Conflicts++
		}
	}

	resp.SyncTimestamp = e.CurrentTime()
	changes, err := e.ServerChanges(ctx, req.UserID, req.DeviceID, req.LastSyncTimestamp)
	if err != nil {
		return domain.SyncResponse{}, fmt.Errorf("server changes: %w", err)
	}
	resp.ServerChanges = changes

	run.UserID = req.UserID
	run.DeviceID = req.DeviceID
	run.Items = len(req.Items)
	run.Changes = len(changes)
	run.LastSyncAt = req.LastSyncTimestamp
	run.SyncTimestamp = resp.SyncTimestamp
	if _, err := e.Repo.InsertSyncRun(context.WithoutCancel(ctx), run); err != nil {
		e.log().Warn("record sync run", "user_id", req.UserID, "device_id", req.DeviceID, "err", err)
	}
	e.log().Info("sync batch",
		"user_id", req.UserID,
		"device_id", req.DeviceID,
		"items", run.Items,
		"synced", run.Synced,
		"failed", run.Failed,
		"conflicts", run.Conflicts,
		"changes", run.Changes,
	)
	return resp, nil
}

// persist stores one operation per item in a single transaction. Items whose
// localId is already known resolve to the existing row.
func (e Engine) persist(ctx context.Context, req SyncRequest) ([]domain.PendingOperation, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	now := e.CurrentTime()
	ops := make([]domain.PendingOperation, len(req.Items))
	for i, it := range req.Items {
		action, _ := domain.ParseAction(it.Action)
		data := it.Data
		if data == nil {
			data = map[string]any{}
		}
		payload, err := json.Marshal(data)
		if err != nil {
			return nil, invalid(fmt.Sprintf("items[%d].data: %v", i, err), map[string]any{"index": i, "field": "data"})
		}
		op := domain.PendingOperation{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			DeviceID:    req.DeviceID,
			EntityType:  priority.Normalize(it.EntityType),
			EntityID:    strings.TrimSpace(it.EntityID),
			Action:      action,
			Payload:     payload,
			LocalID:     it.LocalID,
			SubmittedAt: it.Timestamp.UTC(),
			Priority:    priority.Classify(it.EntityType),
			Status:      domain.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		inserted, err := e.Repo.InsertOperation(ctx, tx, op)
		if err != nil {
			return nil, err
		}
		if inserted {
			if err := e.eventWriter().AppendOperation(ctx, tx, op); err != nil {
				return nil, fmt.Errorf("append event: %w", err)
			}
			ops[i] = op
			continue
		}
		existing, err := e.Repo.GetOperationByLocalID(ctx, tx, req.UserID, req.DeviceID, it.LocalID)
		if err != nil {
			return nil, fmt.Errorf("load existing operation %s: %w", it.LocalID, err)
		}
		ops[i] = existing
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ops, nil
}

// dispatchOrder groups the PENDING operations of a batch into priority tiers,
// highest first, each ordered by client timestamp then submission index.
func (e Engine) dispatchOrder(ops []domain.PendingOperation) [][]domain.PendingOperation {
	seen := map[string]bool{}
	var pending []domain.PendingOperation
	for _, op := range ops {
		if op.Status != domain.StatusPending || seen[op.ID] {
			continue
		}
		seen[op.ID] = true
		pending = append(pending, op)
	}
	sort.SliceStable(pending, func(i, j int) bool {
		a, b := pending[i], pending[j]
		if a.Priority != b.Priority {
			return priority.Less(a.Priority, b.Priority)
		}
		return a.SubmittedAt.Before(b.SubmittedAt)
	})
	var tiers [][]domain.PendingOperation
	for i, op := range pending {
		if i == 0 || op.Priority != pending[i-1].Priority {
			tiers = append(tiers, nil)
		}
		tiers[len(tiers)-1] = append(tiers[len(tiers)-1], op)
	}
	return tiers
}

// dispatchTier runs one tier to completion, sequentially or on a bounded
// worker pool. Store failures are logged and leave the operation as last read.
func (e Engine) dispatchTier(ctx context.Context, tier []domain.PendingOperation, final map[string]domain.PendingOperation) {
	run := func(op domain.PendingOperation) domain.PendingOperation {
		out, err := e.Dispatch(ctx, op, domain.StatusPending)
		if err != nil {
			e.log().Error("dispatch", "op_id", op.ID, "local_id", op.LocalID, "err", err)
		}
		if out.ID == "" {
			return op
		}
		return out
	}
	workers := e.dispatchConfig().Parallelism
	if workers <= 1 || len(tier) == 1 {
		for _, op := range tier {
			final[op.ID] = run(op)
		}
		return
	}
	results := make([]domain.PendingOperation, len(tier))
	var g errgroup.Group
	g.SetLimit(workers)
	for i, op := range tier {
		g.Go(func() error {
			results[i] = run(op)
			return nil
		})
	}
	_ = g.Wait()
	for i, op := range tier {
		final[op.ID] = results[i]
	}
}
