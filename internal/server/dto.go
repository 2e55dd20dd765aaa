package server

import (
	"encoding/json"
	"time"

	"fieldsync/internal/domain"
)

// Request payloads

type SyncRequestBody struct {
	_                 struct{}          `json:"-" additionalProperties:"true"`
	Items             []domain.SyncItem `json:"items" minItems:"1"`
	DeviceID          string            `json:"deviceId" minLength:"1"`
	LastSyncTimestamp *time.Time        `json:"lastSyncTimestamp,omitempty" format:"date-time"`
}

// Responses

type OperationResponse struct {
	Seq            int64          `json:"seq"`
	ID             string         `json:"id"`
	UserID         string         `json:"userId"`
	DeviceID       string         `json:"deviceId"`
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId,omitempty"`
	Action         string         `json:"action" enum:"create,update,delete"`
	Data           map[string]any `json:"data"`
	LocalID        string         `json:"localId"`
	SubmittedAt    time.Time      `json:"submittedAt" format:"date-time"`
	Priority       string         `json:"priority" enum:"CRITICAL,HIGH,MEDIUM,LOW"`
	Status         domain.Status  `json:"status" enum:"PENDING,PROCESSING,SYNCED,FAILED,CONFLICT"`
	ServerEntityID string         `json:"serverEntityId,omitempty"`
	Error          string         `json:"error,omitempty"`
	Attempts       int            `json:"attempts"`
	NextRetryAt    *time.Time     `json:"nextRetryAt,omitempty" format:"date-time"`
	ProcessedAt    *time.Time     `json:"processedAt,omitempty" format:"date-time"`
	CreatedAt      time.Time      `json:"createdAt" format:"date-time"`
	UpdatedAt      time.Time      `json:"updatedAt" format:"date-time"`
}

type SyncRunResponse struct {
	ID            int64      `json:"id"`
	DeviceID      string     `json:"deviceId"`
	Items         int        `json:"items"`
	Synced        int        `json:"synced"`
	Failed        int        `json:"failed"`
	Conflicts     int        `json:"conflicts"`
	Changes       int        `json:"changes"`
	LastSyncAt    *time.Time `json:"lastSyncTimestamp,omitempty" format:"date-time"`
	SyncTimestamp time.Time  `json:"syncTimestamp" format:"date-time"`
}

type SyncStatusResponse struct {
	UserID     string           `json:"userId"`
	LastRun    *SyncRunResponse `json:"lastRun,omitempty"`
	Operations map[string]int   `json:"operations"`
}

type ChangesResponse struct {
	ServerChanges []domain.ServerChange `json:"serverChanges"`
	SyncTimestamp time.Time             `json:"syncTimestamp" format:"date-time"`
}

type EventResponse struct {
	ID          int64          `json:"id"`
	TS          string         `json:"ts" format:"date-time"`
	Type        string         `json:"type"`
	UserID      string         `json:"userId"`
	DeviceID    string         `json:"deviceId"`
	EntityType  string         `json:"entityType"`
	EntityID    string         `json:"entityId,omitempty"`
	OperationID string         `json:"operationId"`
	Payload     map[string]any `json:"payload"`
}

type paginatedOperations struct {
	Items      []OperationResponse `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"nextCursor,omitempty"`
}

// Conversion helpers

func operationResponse(op domain.PendingOperation) OperationResponse {
	return OperationResponse{
		Seq:            op.Seq,
		ID:             op.ID,
		UserID:         op.UserID,
		DeviceID:       op.DeviceID,
		EntityType:     op.EntityType,
		EntityID:       op.EntityID,
		Action:         op.Action.Wire(),
		Data:           decodeJSONMap(op.Payload),
		LocalID:        op.LocalID,
		SubmittedAt:    op.SubmittedAt,
		Priority:       op.Priority.String(),
		Status:         op.Status,
		ServerEntityID: op.ServerEntityID,
		Error:          op.Error,
		Attempts:       op.Attempts,
		NextRetryAt:    op.NextRetryAt,
		ProcessedAt:    op.ProcessedAt,
		CreatedAt:      op.CreatedAt,
		UpdatedAt:      op.UpdatedAt,
	}
}

func syncStatusResponse(st domain.SyncStatus) SyncStatusResponse {
	resp := SyncStatusResponse{UserID: st.UserID, Operations: map[string]int{}}
	for status, n := range st.Operations {
		resp.Operations[string(status)] = n
	}
	if st.LastRun != nil {
		r := st.LastRun
		resp.LastRun = &SyncRunResponse{
			ID:            r.ID,
			DeviceID:      r.DeviceID,
			Items:         r.Items,
			Synced:        r.Synced,
			Failed:        r.Failed,
			Conflicts:     r.Conflicts,
			Changes:       r.Changes,
			LastSyncAt:    r.LastSyncAt,
			SyncTimestamp: r.SyncTimestamp,
		}
	}
	return resp
}

func eventResponse(e domain.SyncEvent) EventResponse {
	return EventResponse{
		ID:          e.ID,
		TS:          e.TS,
		Type:        e.Type,
		UserID:      e.UserID,
		DeviceID:    e.DeviceID,
		EntityType:  e.EntityType,
		EntityID:    e.EntityID,
		OperationID: e.OperationID,
		Payload:     decodeJSONMap([]byte(e.Payload)),
	}
}

func decodeJSONMap(raw []byte) map[string]any {
	out := map[string]any{}
	if len(raw) == 0 {
		return out
	}
	if err := json.Unmarshal(raw, &out); err != nil || out == nil {
		return map[string]any{}
	}
	return out
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
