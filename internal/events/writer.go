package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/domain"
	"fieldsync/internal/repo"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Type returns the event name for an operation, e.g. sync.order.update.
func Type(entityType string, action domain.Action) string {
	return "sync." + strings.ToLower(entityType) + "." + action.Wire()
}

// AppendOperation records the acceptance of op inside tx.
func (w Writer) AppendOperation(ctx context.Context, tx *sql.Tx, op domain.PendingOperation) error {
	payload := EventPayload{
		"local_id":     op.LocalID,
		"priority":     op.Priority.String(),
		"submitted_at": repo.FormatTime(op.SubmittedAt),
	}
	if len(op.Payload) > 0 {
		payload["data"] = op.Payload
	}
	return w.Append(ctx, tx, Type(op.EntityType, op.Action), op, payload)
}

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType string, op domain.PendingOperation, payload EventPayload) error {
	if tx == nil {
		return fmt.Errorf("append %s: transaction required", evtType)
	}
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO sync_events(ts,type,user_id,device_id,entity_type,entity_id,operation_id,payload_json) VALUES (?,?,?,?,?,?,?,?)`,
		repo.FormatTime(w.Now()), evtType, op.UserID, op.DeviceID, op.EntityType, nullable(op.EntityID), op.ID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
