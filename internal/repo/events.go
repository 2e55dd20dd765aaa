package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"fieldsync/internal/domain"
)

const eventColumns = `id,ts,type,user_id,device_id,entity_type,entity_id,operation_id,payload_json`

func scanEvents(rows *sql.Rows) ([]domain.SyncEvent, error) {
	defer rows.Close()
	var res []domain.SyncEvent
	for rows.Next() {
		var e domain.SyncEvent
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.UserID, &e.DeviceID, &e.EntityType, &entityID, &e.OperationID, &e.Payload); err != nil {
			return nil, err
		}
		e.EntityID = entityID.String
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEvents returns events newest first, optionally filtered by user and type.
func (r Repo) LatestEvents(ctx context.Context, limit int, userID, evtType string) ([]domain.SyncEvent, error) {
	return r.EventsBefore(ctx, limit, 0, userID, evtType)
}

// EventsBefore pages LatestEvents backwards; a zero before starts at the newest event.
func (r Repo) EventsBefore(ctx context.Context, limit int, before int64, userID, evtType string) ([]domain.SyncEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if before > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, before)
	}
	if userID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, userID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	query := fmt.Sprintf(`SELECT %s FROM sync_events WHERE %s ORDER BY id DESC LIMIT ?`, eventColumns, strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.SyncEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventColumns+` FROM sync_events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM sync_events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
