package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"fieldsync/internal/domain"
)

const (
	apiKeyScheme    = "fsk_"
	apiKeyPrefixLen = len(apiKeyScheme) + 8
	apiKeyColumns   = `id,user_id,device_id,name,prefix,key_hash,created_at,last_used_at,revoked_at`
)

// HashAPIKey returns the SHA-256 hex digest stored in place of the secret.
func HashAPIKey(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

// NewAPIKeySecret returns a fresh "fsk_" secret with 256 bits of randomness.
func NewAPIKeySecret() string {
	return apiKeyScheme + strings.ReplaceAll(uuid.NewString(), "-", "") + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// IssueAPIKey creates a key for userID, optionally pinned to deviceID, and
// returns it with the plaintext secret. Only the hash is persisted.
func (r Repo) IssueAPIKey(ctx context.Context, userID, deviceID, name string, now time.Time) (domain.APIKey, string, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return domain.APIKey{}, "", errors.New("user id required")
	}
	secret := NewAPIKeySecret()
	key := domain.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		DeviceID:  strings.TrimSpace(deviceID),
		Name:      strings.TrimSpace(name),
		Prefix:    secret[:apiKeyPrefixLen],
		KeyHash:   HashAPIKey(secret),
		CreatedAt: now.UTC(),
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO api_keys(id,user_id,device_id,name,prefix,key_hash,created_at) VALUES (?,?,?,?,?,?,?)`,
		key.ID, key.UserID, nullable(key.DeviceID), nullable(key.Name), key.Prefix, key.KeyHash, FormatTime(key.CreatedAt))
	if err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// AuthenticateAPIKey resolves a presented secret to its live key and
// records the use. Unknown and revoked secrets both return ErrNotFound.
func (r Repo) AuthenticateAPIKey(ctx context.Context, secret string, now time.Time) (domain.APIKey, error) {
	if strings.TrimSpace(secret) == "" {
		return domain.APIKey{}, ErrNotFound
	}
	key, err := scanAPIKey(r.DB.QueryRowContext(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_hash=? AND revoked_at IS NULL`, HashAPIKey(secret)))
	if err != nil {
		return domain.APIKey{}, err
	}
	used := now.UTC()
	if _, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET last_used_at=? WHERE id=?`, FormatTime(used), key.ID); err != nil {
		return domain.APIKey{}, err
	}
	key.LastUsedAt = &used
	return key, nil
}

type APIKeyFilters struct {
	UserID         string
	DeviceID       string
	IncludeRevoked bool
}

// ListAPIKeys returns keys newest first. Revoked keys are skipped unless asked for.
func (r Repo) ListAPIKeys(ctx context.Context, f APIKeyFilters) ([]domain.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.DeviceID != "" {
		query += ` AND device_id=?`
		args = append(args, f.DeviceID)
	}
	if !f.IncludeRevoked {
		query += ` AND revoked_at IS NULL`
	}
	query += ` ORDER BY created_at DESC, id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []domain.APIKey
	for rows.Next() {
		key, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey stops a key from authenticating. The row stays for audit.
func (r Repo) RevokeAPIKey(ctx context.Context, id string, now time.Time) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("id required")
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE api_keys SET revoked_at=? WHERE id=? AND revoked_at IS NULL`, FormatTime(now), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKey(row scanner) (domain.APIKey, error) {
	var (
		key                 domain.APIKey
		device, name        sql.NullString
		created             string
		lastUsed, revokedAt sql.NullString
	)
	err := row.Scan(&key.ID, &key.UserID, &device, &name, &key.Prefix, &key.KeyHash, &created, &lastUsed, &revokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.APIKey{}, ErrNotFound
	}
	if err != nil {
		return domain.APIKey{}, err
	}
	key.DeviceID = device.String
	key.Name = name.String
	if key.CreatedAt, err = ParseTime(created); err != nil {
		return domain.APIKey{}, err
	}
	if key.LastUsedAt, err = parseNullTime(lastUsed); err != nil {
		return domain.APIKey{}, err
	}
	if key.RevokedAt, err = parseNullTime(revokedAt); err != nil {
		return domain.APIKey{}, err
	}
	return key, nil
}
