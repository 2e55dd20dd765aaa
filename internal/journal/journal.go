// Package journal is a generic SQLite-backed entity store. It serves as the
// apply handler for entity types without a dedicated subsystem and reports
// every change it applies back to other devices.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/domain"
	"fieldsync/internal/engine"
	"fieldsync/internal/repo"
)

const (
	ScopeUser   = "user"
	ScopeGlobal = "global"
)

// SourceName is the name the journal registers under in the change feed.
const SourceName = "journal"

type Journal struct {
	DB    *sql.DB
	Scope string
	Now   func() time.Time
}

type Entity struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	OwnerID    string         `json:"owner_user_id"`
	Data       map[string]any `json:"data"`
	Version    int            `json:"version"`
	Deleted    bool           `json:"deleted"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

func (j Journal) now() time.Time {
	if j.Now != nil {
		return j.Now().UTC()
	}
	return time.Now().UTC()
}

// Register binds the journal as handler for every action of types and adds
// it to the change feed.
func (j Journal) Register(reg *engine.Registry, feed *engine.ChangeFeed, types []string) error {
	for _, t := range types {
		if err := reg.RegisterAll(t, j); err != nil {
			return err
		}
	}
	return feed.Register(SourceName, j)
}

// Apply implements engine.Handler. Re-applying an operation id returns the
// entity it produced the first time.
func (j Journal) Apply(ctx context.Context, req engine.ApplyRequest) (engine.ApplyResult, error) {
	tx, err := j.DB.BeginTx(ctx, nil)
	if err != nil {
		return engine.ApplyResult{}, engine.Transient(err)
	}
	defer tx.Rollback()

	var prior string
	err = tx.QueryRowContext(ctx, `SELECT entity_id FROM entity_applies WHERE operation_id=?`, req.OperationID).Scan(&prior)
	if err == nil {
		return engine.ApplyResult{ServerEntityID: prior}, nil
	}
	if err != sql.ErrNoRows {
		return engine.ApplyResult{}, engine.Transient(err)
	}

	var patch map[string]any
	if len(req.Payload) > 0 {
		if err := json.Unmarshal(req.Payload, &patch); err != nil {
			return engine.ApplyResult{}, engine.Conflictf("payload is not a JSON object: %v", err)
		}
	}
	if patch == nil {
		patch = map[string]any{}
	}

	now := j.now()
	var ent Entity
	switch req.Action {
	case domain.ActionCreate:
		delete(patch, "baseVersion")
		ent = Entity{
			EntityType: req.EntityType,
			EntityID:   uuid.NewString(),
			OwnerID:    req.UserID,
			Data:       patch,
			Version:    1,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
		if err := insertEntity(ctx, tx, ent); err != nil {
			return engine.ApplyResult{}, engine.Transient(err)
		}
	case domain.ActionUpdate, domain.ActionDelete:
		ent, err = j.loadForWrite(ctx, tx, req, patch)
		if err != nil {
			return engine.ApplyResult{}, err
		}
		ent.Version++
		ent.UpdatedAt = now
		if req.Action == domain.ActionDelete {
			ent.Deleted = true
			ent.Data = map[string]any{}
		} else {
			delete(patch, "baseVersion")
			for k, v := range patch {
				ent.Data[k] = v
			}
		}
		if err := updateEntity(ctx, tx, ent); err != nil {
			return engine.ApplyResult{}, engine.Transient(err)
		}
	default:
		return engine.ApplyResult{}, engine.Conflictf("unsupported action %s", req.Action)
	}

	if err := appendChange(ctx, tx, req, ent, now); err != nil {
		return engine.ApplyResult{}, engine.Transient(err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO entity_applies(operation_id,entity_type,entity_id,created_at) VALUES (?,?,?,?)`,
		req.OperationID, ent.EntityType, ent.EntityID, repo.FormatTime(now)); err != nil {
		return engine.ApplyResult{}, engine.Transient(err)
	}
	if err := tx.Commit(); err != nil {
		return engine.ApplyResult{}, engine.Transient(err)
	}
	return engine.ApplyResult{ServerEntityID: ent.EntityID}, nil
}

func (j Journal) loadForWrite(ctx context.Context, tx *sql.Tx, req engine.ApplyRequest, patch map[string]any) (Entity, error) {
	if req.EntityID == "" {
		return Entity{}, engine.Conflictf("entityId is required for %s", req.Action.Wire())
	}
	ent, err := getEntity(ctx, tx, req.EntityType, req.EntityID)
	if errors.Is(err, repo.ErrNotFound) {
		return Entity{}, engine.Conflictf("%s %s does not exist", req.EntityType, req.EntityID)
	}
	if err != nil {
		return Entity{}, engine.Transient(err)
	}
	if ent.Deleted {
		return Entity{}, engine.Conflictf("%s %s was deleted", req.EntityType, req.EntityID)
	}
	if j.Scope != ScopeGlobal && ent.OwnerID != req.UserID {
		return Entity{}, engine.Conflictf("%s %s belongs to another user", req.EntityType, req.EntityID)
	}
	if base, ok := patch["baseVersion"]; ok {
		n, ok := base.(float64)
		if !ok || n != float64(ent.Version) {
			return Entity{}, engine.Conflictf("version conflict: base %v, current %d", base, ent.Version)
		}
	}
	return ent, nil
}

// ListChangesSince implements engine.ChangeSource.
func (j Journal) ListChangesSince(ctx context.Context, userID string, since time.Time) ([]domain.ServerChange, error) {
	query := `SELECT seq,entity_type,entity_id,action,data_json,origin_user_id,origin_device_id,occurred_at
FROM entity_changes WHERE occurred_at >= ?`
	args := []any{repo.FormatTime(since)}
	if j.Scope != ScopeGlobal {
		query += ` AND owner_user_id=?`
		args = append(args, userID)
	}
	query += ` ORDER BY occurred_at ASC, seq ASC`
	rows, err := j.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ServerChange
	for rows.Next() {
		var (
			c          domain.ServerChange
			data, when string
		)
		if err := rows.Scan(&c.Seq, &c.EntityType, &c.EntityID, &c.Action, &data, &c.OriginUserID, &c.OriginDeviceID, &when); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(data), &c.Data); err != nil {
			return nil, fmt.Errorf("change %d data: %w", c.Seq, err)
		}
		if c.OccurredAt, err = repo.ParseTime(when); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns the current state of an entity.
func (j Journal) Get(ctx context.Context, entityType, entityID string) (Entity, error) {
	return getEntity(ctx, j.DB, entityType, entityID)
}

type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getEntity(ctx context.Context, tx rowQueryer, entityType, entityID string) (Entity, error) {
	var (
		ent                    Entity
		data, created, updated string
		deleted                int
	)
	err := tx.QueryRowContext(ctx, `SELECT entity_type,entity_id,owner_user_id,data_json,version,deleted,created_at,updated_at
FROM entities WHERE entity_type=? AND entity_id=?`, entityType, entityID).
		Scan(&ent.EntityType, &ent.EntityID, &ent.OwnerID, &data, &ent.Version, &deleted, &created, &updated)
	if err == sql.ErrNoRows {
		return ent, repo.ErrNotFound
	}
	if err != nil {
		return ent, err
	}
	ent.Deleted = deleted == 1
	if err := json.Unmarshal([]byte(data), &ent.Data); err != nil {
		return ent, fmt.Errorf("entity %s data: %w", entityID, err)
	}
	if ent.Data == nil {
		ent.Data = map[string]any{}
	}
	if ent.CreatedAt, err = repo.ParseTime(created); err != nil {
		return ent, err
	}
	ent.UpdatedAt, err = repo.ParseTime(updated)
	return ent, err
}

func insertEntity(ctx context.Context, tx *sql.Tx, ent Entity) error {
	data, err := json.Marshal(ent.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entities(entity_type,entity_id,owner_user_id,data_json,version,deleted,created_at,updated_at) VALUES (?,?,?,?,?,0,?,?)`,
		ent.EntityType, ent.EntityID, ent.OwnerID, string(data), ent.Version, repo.FormatTime(ent.CreatedAt), repo.FormatTime(ent.UpdatedAt))
	return err
}

func updateEntity(ctx context.Context, tx *sql.Tx, ent Entity) error {
	data, err := json.Marshal(ent.Data)
	if err != nil {
		return err
	}
	deleted := 0
	if ent.Deleted {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, `UPDATE entities SET data_json=?, version=?, deleted=?, updated_at=? WHERE entity_type=? AND entity_id=?`,
		string(data), ent.Version, deleted, repo.FormatTime(ent.UpdatedAt), ent.EntityType, ent.EntityID)
	return err
}

func appendChange(ctx context.Context, tx *sql.Tx, req engine.ApplyRequest, ent Entity, at time.Time) error {
	data, err := json.Marshal(ent.Data)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO entity_changes(entity_type,entity_id,action,data_json,owner_user_id,origin_user_id,origin_device_id,occurred_at) VALUES (?,?,?,?,?,?,?,?)`,
		ent.EntityType, ent.EntityID, req.Action.Wire(), string(data), ent.OwnerID, req.UserID, req.DeviceID, repo.FormatTime(at))
	return err
}
