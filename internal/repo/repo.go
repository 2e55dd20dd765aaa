package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fieldsync/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrClaimLost means the operation is no longer PROCESSING under the caller's claim token.
	ErrClaimLost = errors.New("claim lost")
)

// TimeLayout is fixed-width UTC so stored timestamps compare correctly as text.
const TimeLayout = "2006-01-02T15:04:05.000000Z07:00"

func FormatTime(t time.Time) string {
	return t.UTC().Format(TimeLayout)
}

func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(TimeLayout, s)
	if err != nil {
		t, err = time.Parse(time.RFC3339Nano, s)
	}
	return t.UTC(), err
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) conn(tx *sql.Tx) execer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const opColumns = `seq,id,user_id,device_id,entity_type,entity_id,action,payload_json,local_id,submitted_at,priority,status,server_entity_id,error,attempts,next_retry_at,claim_token,claimed_at,processed_at,created_at,updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOperation(row scanner) (domain.PendingOperation, error) {
	var (
		op                                         domain.PendingOperation
		entityID, serverID, errMsg, token          sql.NullString
		nextRetry, claimedAt, processedAt          sql.NullString
		payload, submittedAt, createdAt, updatedAt string
		action, status                             string
		prio                                       int
	)
	err := row.Scan(&op.Seq, &op.ID, &op.UserID, &op.DeviceID, &op.EntityType, &entityID, &action, &payload, &op.LocalID,
		&submittedAt, &prio, &status, &serverID, &errMsg, &op.Attempts, &nextRetry, &token, &claimedAt, &processedAt,
		&createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return op, ErrNotFound
	}
	if err != nil {
		return op, err
	}
	op.Action = domain.Action(action)
	op.Status = domain.Status(status)
	op.Priority = domain.Priority(prio)
	op.Payload = []byte(payload)
	op.EntityID = entityID.String
	op.ServerEntityID = serverID.String
	op.Error = errMsg.String
	op.ClaimToken = token.String
	if op.SubmittedAt, err = ParseTime(submittedAt); err != nil {
		return op, fmt.Errorf("operation %s submitted_at: %w", op.ID, err)
	}
	if op.CreatedAt, err = ParseTime(createdAt); err != nil {
		return op, fmt.Errorf("operation %s created_at: %w", op.ID, err)
	}
	if op.UpdatedAt, err = ParseTime(updatedAt); err != nil {
		return op, fmt.Errorf("operation %s updated_at: %w", op.ID, err)
	}
	if op.NextRetryAt, err = parseNullTime(nextRetry); err != nil {
		return op, err
	}
	if op.ClaimedAt, err = parseNullTime(claimedAt); err != nil {
		return op, err
	}
	if op.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return op, err
	}
	return op, nil
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// InsertOperation stores a new PENDING operation. Re-inserting the same
// (user_id, device_id, local_id) is a no-op and reports inserted=false.
func (r Repo) InsertOperation(ctx context.Context, tx *sql.Tx, op domain.PendingOperation) (bool, error) {
	if op.ID == "" || op.UserID == "" || op.DeviceID == "" || op.LocalID == "" {
		return false, errors.New("id, user_id, device_id and local_id required")
	}
	if op.Status == "" {
		op.Status = domain.StatusPending
	}
	now := FormatTime(op.CreatedAt)
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO pending_operations(id,user_id,device_id,entity_type,entity_id,action,payload_json,local_id,submitted_at,priority,status,attempts,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,0,?,?)
ON CONFLICT(user_id,device_id,local_id) DO NOTHING`,
		op.ID, op.UserID, op.DeviceID, op.EntityType, nullable(op.EntityID), string(op.Action), string(op.Payload), op.LocalID,
		FormatTime(op.SubmittedAt), int(op.Priority), string(op.Status), now, now)
	if err != nil {
		return false, fmt.Errorf("insert operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) GetOperation(ctx context.Context, id string) (domain.PendingOperation, error) {
	return scanOperation(r.DB.QueryRowContext(ctx, `SELECT `+opColumns+` FROM pending_operations WHERE id=?`, id))
}

func (r Repo) GetOperationByLocalID(ctx context.Context, tx *sql.Tx, userID, deviceID, localID string) (domain.PendingOperation, error) {
	return scanOperation(r.conn(tx).QueryRowContext(ctx, `SELECT `+opColumns+` FROM pending_operations WHERE user_id=? AND device_id=? AND local_id=?`,
		userID, deviceID, localID))
}

// ClaimOperation atomically moves an operation from one of the given states
// into PROCESSING under token. It returns false when another worker got there
// first or the operation is not in an eligible state.
func (r Repo) ClaimOperation(ctx context.Context, id, token string, now time.Time, from ...domain.Status) (bool, error) {
	if token == "" {
		return false, errors.New("claim token required")
	}
	if len(from) == 0 {
		from = []domain.Status{domain.StatusPending}
	}
	for _, s := range from {
		if s != domain.StatusPending && s != domain.StatusFailed {
			return false, fmt.Errorf("cannot claim from %s", s)
		}
	}
	args := []any{string(domain.StatusProcessing), token, FormatTime(now), FormatTime(now), id}
	marks := make([]string, len(from))
	for i, s := range from {
		marks[i] = "?"
		args = append(args, string(s))
	}
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE pending_operations
SET status=?, claim_token=?, claimed_at=?, attempts=attempts+1, updated_at=?
WHERE id=? AND status IN (%s)`, strings.Join(marks, ",")), args...)
	if err != nil {
		return false, fmt.Errorf("claim operation: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Resolution is the outcome written when leaving PROCESSING.
type Resolution struct {
	ID             string
	Token          string
	Status         domain.Status
	ServerEntityID string
	Error          string
	NextRetryAt    *time.Time
	At             time.Time
}

// ResolveOperation transitions a claimed operation to SYNCED, FAILED or
// CONFLICT. It fails with ErrClaimLost when the claim is no longer held.
func (r Repo) ResolveOperation(ctx context.Context, res Resolution) error {
	switch res.Status {
	case domain.StatusSynced, domain.StatusFailed, domain.StatusConflict:
	default:
		return fmt.Errorf("cannot resolve to %s", res.Status)
	}
	var nextRetry any
	if res.NextRetryAt != nil {
		nextRetry = FormatTime(*res.NextRetryAt)
	}
	at := FormatTime(res.At)
	out, err := r.DB.ExecContext(ctx, `UPDATE pending_operations
SET status=?, server_entity_id=?, error=?, next_retry_at=?, claim_token=NULL, processed_at=?, updated_at=?
WHERE id=? AND status=? AND claim_token=?`,
		string(res.Status), nullable(res.ServerEntityID), nullable(res.Error), nextRetry, at, at,
		res.ID, string(domain.StatusProcessing), res.Token)
	if err != nil {
		return fmt.Errorf("resolve operation: %w", err)
	}
	n, err := out.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrClaimLost
	}
	return nil
}

// ReclaimStale resets PROCESSING operations claimed before cutoff to FAILED
// and returns their ids.
func (r Repo) ReclaimStale(ctx context.Context, cutoff, now time.Time, reason string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `UPDATE pending_operations
SET status=?, error=?, claim_token=NULL, next_retry_at=?, processed_at=?, updated_at=?
WHERE status=? AND claimed_at < ?
RETURNING id`,
		string(domain.StatusFailed), reason, FormatTime(now), FormatTime(now), FormatTime(now),
		string(domain.StatusProcessing), FormatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

type OperationFilters struct {
	UserID    string
	DeviceID  string
	Status    domain.Status
	Limit     int
	BeforeSeq int64
}

// ListOperations returns operations newest first, paginated by seq.
func (r Repo) ListOperations(ctx context.Context, f OperationFilters) ([]domain.PendingOperation, error) {
	var clauses []string
	var args []any
	if f.UserID != "" {
		clauses = append(clauses, "user_id=?")
		args = append(args, f.UserID)
	}
	if f.DeviceID != "" {
		clauses = append(clauses, "device_id=?")
		args = append(args, f.DeviceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(f.Status))
	}
	if f.BeforeSeq > 0 {
		clauses = append(clauses, "seq < ?")
		args = append(args, f.BeforeSeq)
	}
	query := `SELECT ` + opColumns + ` FROM pending_operations`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryOperations(ctx, query, args...)
}

// ListRetryable returns FAILED operations due for retry, highest priority first.
func (r Repo) ListRetryable(ctx context.Context, now time.Time, maxAttempts, limit int) ([]domain.PendingOperation, error) {
	query := `SELECT ` + opColumns + ` FROM pending_operations
WHERE status=? AND attempts < ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
ORDER BY priority DESC, submitted_at ASC, seq ASC`
	args := []any{string(domain.StatusFailed), maxAttempts, FormatTime(now)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return r.queryOperations(ctx, query, args...)
}

func (r Repo) queryOperations(ctx context.Context, query string, args ...any) ([]domain.PendingOperation, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PendingOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, op)
	}
	return res, rows.Err()
}

// CountByStatus returns per-status operation counts, optionally for one user.
func (r Repo) CountByStatus(ctx context.Context, userID string) (map[domain.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM pending_operations`
	var args []any
	if userID != "" {
		query += ` WHERE user_id=?`
		args = append(args, userID)
	}
	query += ` GROUP BY status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	counts := map[domain.Status]int{}
	for _, st := range domain.Statuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.Status(status)] = n
	}
	return counts, rows.Err()
}

func (r Repo) InsertSyncRun(ctx context.Context, run domain.SyncRun) (int64, error) {
	var lastSync any
	if run.LastSyncAt != nil {
		lastSync = FormatTime(*run.LastSyncAt)
	}
	res, err := r.DB.ExecContext(ctx, `INSERT INTO sync_runs(user_id,device_id,items,synced,failed,conflicts,changes,last_sync_at,sync_timestamp)
VALUES (?,?,?,?,?,?,?,?,?)`,
		run.UserID, run.DeviceID, run.Items, run.Synced, run.Failed, run.Conflicts, run.Changes, lastSync, FormatTime(run.SyncTimestamp))
	if err != nil {
		return 0, fmt.Errorf("insert sync run: %w", err)
	}
	return res.LastInsertId()
}

func (r Repo) LatestSyncRun(ctx context.Context, userID string) (domain.SyncRun, error) {
	var (
		run      domain.SyncRun
		lastSync sql.NullString
		syncTS   string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,user_id,device_id,items,synced,failed,conflicts,changes,last_sync_at,sync_timestamp
FROM sync_runs WHERE user_id=? ORDER BY id DESC LIMIT 1`, userID).
		Scan(&run.ID, &run.UserID, &run.DeviceID, &run.Items, &run.Synced, &run.Failed, &run.Conflicts, &run.Changes, &lastSync, &syncTS)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if run.LastSyncAt, err = parseNullTime(lastSync); err != nil {
		return run, err
	}
	run.SyncTimestamp, err = ParseTime(syncTS)
	return run, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
