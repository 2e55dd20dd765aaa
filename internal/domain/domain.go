package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Action is the kind of mutation a client submitted.
type Action string

const (
	ActionCreate Action = "CREATE"
	ActionUpdate Action = "UPDATE"
	ActionDelete Action = "DELETE"
)

// ParseAction accepts the wire form (create/update/delete) in any case.
func ParseAction(s string) (Action, error) {
	switch Action(strings.ToUpper(strings.TrimSpace(s))) {
	case ActionCreate:
		return ActionCreate, nil
	case ActionUpdate:
		return ActionUpdate, nil
	case ActionDelete:
		return ActionDelete, nil
	}
	return "", fmt.Errorf("invalid action %q", s)
}

// Wire returns the lowercase form used on the HTTP API and in event names.
func (a Action) Wire() string { return strings.ToLower(string(a)) }

// Status is the lifecycle state of a PendingOperation.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSynced     Status = "SYNCED"
	StatusFailed     Status = "FAILED"
	StatusConflict   Status = "CONFLICT"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusProcessing, StatusSynced, StatusFailed, StatusConflict}
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusSynced || s == StatusConflict
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusSynced, StatusFailed, StatusConflict:
		return st, nil
	}
	return "", fmt.Errorf("invalid status %q", s)
}

// Priority is the dispatch tier of an operation. Higher values win the channel.
type Priority int

const (
	PriorityLow Priority = iota + 1
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityMedium:
		return "MEDIUM"
	case PriorityLow:
		return "LOW"
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "CRITICAL":
		*p = PriorityCritical
	case "HIGH":
		*p = PriorityHigh
	case "MEDIUM":
		*p = PriorityMedium
	case "LOW":
		*p = PriorityLow
	default:
		return fmt.Errorf("invalid priority %q", b)
	}
	return nil
}

// PendingOperation is the durable record of one client mutation.
type PendingOperation struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	DeviceID       string          `json:"device_id"`
	EntityType     string          `json:"entity_type"`
	EntityID       string          `json:"entity_id,omitempty"`
	Action         Action          `json:"action"`
	Payload        json.RawMessage `json:"payload"`
	LocalID        string          `json:"local_id"`
	SubmittedAt    time.Time       `json:"submitted_at"`
	Priority       Priority        `json:"priority"`
	Status         Status          `json:"status"`
	ServerEntityID string          `json:"server_entity_id,omitempty"`
	Error          string          `json:"error,omitempty"`
	Attempts       int             `json:"attempts"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty"`
	ClaimToken     string          `json:"-"`
	ClaimedAt      *time.Time      `json:"claimed_at,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Result is the client-facing outcome of an operation in its current state.
func (op PendingOperation) Result() SyncResult {
	res := SyncResult{LocalID: op.LocalID, Status: op.Status}
	switch op.Status {
	case StatusSynced:
		res.Success = true
		res.ServerID = op.ServerEntityID
	case StatusFailed, StatusConflict:
		res.Error = op.Error
	default:
		res.Error = "operation in progress"
	}
	return res
}

// SyncItem is one client mutation as submitted on the wire. Fields the engine
// does not read, such as a client priority claim, are accepted and ignored.
type SyncItem struct {
	_          struct{}       `json:"-" additionalProperties:"true"`
	EntityType string         `json:"entityType" minLength:"1"`
	EntityID   string         `json:"entityId,omitempty"`
	Action     string         `json:"action" enum:"create,update,delete,CREATE,UPDATE,DELETE"`
	Data       map[string]any `json:"data,omitempty"`
	LocalID    string         `json:"localId" minLength:"1"`
	Timestamp  time.Time      `json:"timestamp" format:"date-time"`
}

// SyncResult correlates a client localId with its server outcome.
type SyncResult struct {
	LocalID  string `json:"localId"`
	ServerID string `json:"serverId,omitempty"`
	Success  bool   `json:"success"`
	Error    string `json:"error,omitempty"`
	Status   Status `json:"status" enum:"PENDING,PROCESSING,SYNCED,FAILED,CONFLICT"`
}

// ServerChange is one change visible to other devices, as reported by a change source.
type ServerChange struct {
	EntityType     string         `json:"entityType"`
	EntityID       string         `json:"entityId"`
	Action         string         `json:"action" enum:"create,update,delete"`
	Data           map[string]any `json:"data"`
	OccurredAt     time.Time      `json:"occurredAt" format:"date-time"`
	Seq            int64          `json:"seq"`
	Source         string         `json:"-"`
	OriginUserID   string         `json:"-"`
	OriginDeviceID string         `json:"-"`
}

// SyncResponse is the aggregated answer to one batch.
type SyncResponse struct {
	Synced        []SyncResult   `json:"synced"`
	ServerChanges []ServerChange `json:"serverChanges"`
	SyncTimestamp time.Time      `json:"syncTimestamp" format:"date-time"`
}

// SyncRun records one accepted batch.
type SyncRun struct {
	ID            int64      `json:"id"`
	UserID        string     `json:"user_id"`
	DeviceID      string     `json:"device_id"`
	Items         int        `json:"items"`
	Synced        int        `json:"synced"`
	Failed        int        `json:"failed"`
	Conflicts     int        `json:"conflicts"`
	Changes       int        `json:"changes"`
	LastSyncAt    *time.Time `json:"last_sync_at,omitempty"`
	SyncTimestamp time.Time  `json:"sync_timestamp"`
}

// SyncStatus summarizes a user's sync state.
type SyncStatus struct {
	UserID     string         `json:"user_id"`
	LastRun    *SyncRun       `json:"last_run,omitempty"`
	Operations map[Status]int `json:"operations"`
}

type SyncEvent struct {
	ID          int64  `json:"id"`
	TS          string `json:"ts"`
	Type        string `json:"type"`
	UserID      string `json:"user_id"`
	DeviceID    string `json:"device_id"`
	EntityType  string `json:"entity_type"`
	EntityID    string `json:"entity_id,omitempty"`
	OperationID string `json:"operation_id"`
	Payload     string `json:"payload_json"`
}

// APIKey authenticates a device or a service account. A key bound to a
// device may only push batches as that device.
type APIKey struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id,omitempty"`
	Name     string `json:"name,omitempty"`
	// Prefix is the leading part of the secret, kept for display.
	Prefix     string     `json:"prefix"`
	KeyHash    string     `json:"-"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	RevokedAt  *time.Time `json:"revoked_at,omitempty"`
}

// Revoked reports whether the key can no longer authenticate.
func (k APIKey) Revoked() bool { return k.RevokedAt != nil }
