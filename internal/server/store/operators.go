package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// CreateOperator adds a human user. Email is the unique login handle.
func (s *Store) CreateOperator(ctx context.Context, tenantID, email, passwordHash string) (*Operator, error) {
	op := &Operator{
		ID:           uuid.NewString(),
		TenantID:     tenantID,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: passwordHash,
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO operators (id, tenant_id, email, password_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		op.ID, op.TenantID, op.Email, op.PasswordHash)
	if err := row.Scan(&op.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrOperatorExists
		}
		return nil, fmt.Errorf("insert operator: %w", err)
	}
	return op, nil
}

func (s *Store) GetOperatorByEmail(ctx context.Context, email string) (*Operator, error) {
	var op Operator
	err := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, email, password_hash, created_at FROM operators
		WHERE email = $1`,
		strings.ToLower(strings.TrimSpace(email))).
		Scan(&op.ID, &op.TenantID, &op.Email, &op.PasswordHash, &op.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, fmt.Errorf("get operator: %w", err)
	}
	return &op, nil
}

// CountOperators is used at startup to decide whether to bootstrap an
// initial operator from the environment.
func (s *Store) CountOperators(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM operators`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count operators: %w", err)
	}
	return n, nil
}
