package store

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const keyPrefix = "opk_"

// KeyDigest hashes a raw API key for storage and lookup. Only digests
// touch the database, so a dump never leaks usable credentials.
func KeyDigest(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// CreateAPIKey mints a machine credential for the tenant. The raw key is
// returned exactly once; afterwards only its digest exists.
func (s *Store) CreateAPIKey(ctx context.Context, tenantID, name string) (string, *APIKey, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generate api key: %w", err)
	}
	raw := keyPrefix + hex.EncodeToString(buf)

	key := &APIKey{ID: uuid.NewString(), TenantID: tenantID, Name: name}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, tenant_id, name, key_digest)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		key.ID, key.TenantID, key.Name, KeyDigest(raw))
	if err := row.Scan(&key.CreatedAt); err != nil {
		return "", nil, fmt.Errorf("insert api key: %w", err)
	}
	return raw, key, nil
}

// LookupAPIKey resolves a raw key to its record. Revoked keys do not
// resolve.
func (s *Store) LookupAPIKey(ctx context.Context, raw string) (*APIKey, error) {
	var key APIKey
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, created_at, revoked_at FROM api_keys
		WHERE key_digest = $1 AND revoked_at IS NULL`,
		KeyDigest(raw)).
		Scan(&key.ID, &key.TenantID, &key.Name, &key.CreatedAt, &key.RevokedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("lookup api key: %w", err)
	}
	return &key, nil
}

func (s *Store) ListAPIKeys(ctx context.Context, tenantID string) ([]*APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, name, created_at, revoked_at FROM api_keys
		WHERE tenant_id = $1 ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	var keys []*APIKey
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(&key.ID, &key.TenantID, &key.Name, &key.CreatedAt, &key.RevokedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// RevokeAPIKey disables a key within its tenant. Beacons using it are
// cut off on their next request; open WebSocket sessions survive until
// they reconnect.
func (s *Store) RevokeAPIKey(ctx context.Context, tenantID, keyID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = now()
		WHERE id = $1 AND tenant_id = $2 AND revoked_at IS NULL`, keyID, tenantID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}
