package store

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/outpost-ops/outpost/pkg/api"
)

const commandColumns = `id, beacon_id, tenant_id, commands, initiated_by, agent_id,
	status, timeout_seconds, risk_level, warnings, queued_at, sent_at, completed_at,
	approval_expires_at, exit_code, stdout, stderr, execution_time_ms,
	final_working_dir, full_result_json, error_message, result_late`

// activeStatuses are the states a beacon may legitimately report a
// result from. Everything else is either terminal or not yet released.
var activeStatuses = []string{StatusQueued, StatusSent, StatusExecuting}

func scanCommand(row pgx.Row) (*Command, error) {
	var c Command
	err := row.Scan(&c.ID, &c.BeaconID, &c.TenantID, &c.Commands, &c.InitiatedBy,
		&c.AgentID, &c.Status, &c.TimeoutSeconds, &c.RiskLevel, &c.Warnings,
		&c.QueuedAt, &c.SentAt, &c.CompletedAt, &c.ApprovalExpiresAt, &c.ExitCode,
		&c.Stdout, &c.Stderr, &c.ExecutionTimeMs, &c.FinalWorkingDir,
		&c.FullResultJSON, &c.ErrorMessage, &c.ResultLate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCommandNotFound
		}
		return nil, fmt.Errorf("scan command: %w", err)
	}
	return &c, nil
}

// CreateCommand persists a new command. The caller decides the initial
// status: QUEUED for released work, PENDING_APPROVAL for gated work.
// ID and QueuedAt are assigned here.
func (s *Store) CreateCommand(ctx context.Context, c *Command) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Warnings == nil {
		c.Warnings = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO commands (id, beacon_id, tenant_id, commands, initiated_by,
			agent_id, status, timeout_seconds, risk_level, warnings,
			approval_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING queued_at`,
		c.ID, c.BeaconID, c.TenantID, c.Commands, c.InitiatedBy, c.AgentID,
		c.Status, c.TimeoutSeconds, c.RiskLevel, c.Warnings, c.ApprovalExpiresAt)
	if err := row.Scan(&c.QueuedAt); err != nil {
		return fmt.Errorf("insert command: %w", err)
	}
	return nil
}

// GetCommand always reads the committed row, so watchers polling for a
// terminal status see results as soon as they land.
func (s *Store) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE id = $1`, commandID)
	return scanCommand(row)
}

// HandoutPending atomically claims every releasable command for the
// beacon and marks it EXECUTING. SENT commands are included because a
// push may have been lost in flight; the beacon deduplicates replays.
// SKIP LOCKED keeps concurrent check-ins from handing out the same row
// twice.
func (s *Store) HandoutPending(ctx context.Context, beaconID string) ([]*Command, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE commands SET status = $3, sent_at = COALESCE(sent_at, now())
		WHERE id IN (
			SELECT id FROM commands
			WHERE beacon_id = $1 AND status = ANY($2)
			ORDER BY queued_at
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+commandColumns,
		beaconID, []string{StatusQueued, StatusSent}, StatusExecuting)
	if err != nil {
		return nil, fmt.Errorf("claim pending commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// RETURNING does not preserve the subquery order.
	slices.SortFunc(cmds, func(a, b *Command) int {
		return a.QueuedAt.Compare(b.QueuedAt)
	})
	return cmds, nil
}

// MarkSent records a successful push. Lost races (the beacon polled
// first, or a cancel landed) surface as ErrConflict and are harmless.
func (s *Store) MarkSent(ctx context.Context, commandID string) error {
	return s.transition(ctx, commandID, `
		UPDATE commands SET status = $2, sent_at = now()
		WHERE id = $1 AND status = $3`,
		StatusSent, StatusQueued)
}

// MarkExecuting records a beacon's acknowledgement of a pushed command.
func (s *Store) MarkExecuting(ctx context.Context, commandID string) error {
	return s.transition(ctx, commandID, `
		UPDATE commands SET status = $2, sent_at = COALESCE(sent_at, now())
		WHERE id = $1 AND status = ANY($3)`,
		StatusExecuting, []string{StatusQueued, StatusSent})
}

// MarkTimeout moves an unfinished command to TIMEOUT. A result that
// arrives later is still recorded, flagged late, without reviving the
// status.
func (s *Store) MarkTimeout(ctx context.Context, commandID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET status = $2, error_message = $3, completed_at = now()
		WHERE id = $1 AND status = ANY($4)`,
		commandID, StatusTimeout, reason, activeStatuses)
	if err != nil {
		return fmt.Errorf("mark timeout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, commandID)
	}
	return nil
}

// CancelCommand cancels queued or in-flight work. A beacon that already
// started executing will still report a result; it is recorded late.
func (s *Store) CancelCommand(ctx context.Context, commandID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET status = $2, completed_at = now(),
			error_message = 'cancelled by operator'
		WHERE id = $1 AND status = ANY($3)`,
		commandID, StatusCancelled, activeStatuses)
	if err != nil {
		return fmt.Errorf("cancel command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, commandID)
	}
	return nil
}

// RecordResult stores a beacon's execution report. An active command
// completes normally; a command that already reached a terminal state
// (timeout, cancel) keeps its status and gets the result attached with
// result_late set.
func (s *Store) RecordResult(ctx context.Context, r *api.ResultRequest) (*Command, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE commands SET
			status = CASE WHEN $2 = 0 THEN $9 ELSE $10 END,
			exit_code = $2, stdout = $3, stderr = $4, execution_time_ms = $5,
			final_working_dir = $6, full_result_json = $7, error_message = $8,
			completed_at = now()
		WHERE id = $1 AND status = ANY($11)
		RETURNING `+commandColumns,
		r.CommandID, r.ExitCode, r.Stdout, r.Stderr, r.ExecutionTimeMs,
		r.FinalWorkingDir, r.FullResultJSON, r.ErrorMessage,
		StatusCompleted, StatusFailed, activeStatuses)
	cmd, err := scanCommand(row)
	if err == nil {
		return cmd, nil
	}
	if !errors.Is(err, ErrCommandNotFound) {
		return nil, err
	}

	// Late arrival: keep the terminal status, attach the result.
	row = s.pool.QueryRow(ctx, `
		UPDATE commands SET
			exit_code = $2, stdout = $3, stderr = $4, execution_time_ms = $5,
			final_working_dir = $6, full_result_json = $7, result_late = TRUE
		WHERE id = $1
		RETURNING `+commandColumns,
		r.CommandID, r.ExitCode, r.Stdout, r.Stderr, r.ExecutionTimeMs,
		r.FinalWorkingDir, r.FullResultJSON)
	return scanCommand(row)
}

// ApproveCommand releases a pending command into the queue and returns
// it so the caller can attempt an immediate push.
func (s *Store) ApproveCommand(ctx context.Context, commandID string) (*Command, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE commands SET status = $2, approval_expires_at = NULL
		WHERE id = $1 AND status = $3
		RETURNING `+commandColumns,
		commandID, StatusQueued, StatusPendingApproval)
	cmd, err := scanCommand(row)
	if errors.Is(err, ErrCommandNotFound) {
		return nil, s.conflictOrMissing(ctx, commandID)
	}
	return cmd, err
}

// RejectCommand denies a pending command.
func (s *Store) RejectCommand(ctx context.Context, commandID, reason string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET status = $2, error_message = $3, completed_at = now()
		WHERE id = $1 AND status = $4`,
		commandID, StatusRejected, reason, StatusPendingApproval)
	if err != nil {
		return fmt.Errorf("reject command: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, commandID)
	}
	return nil
}

// ExpireApprovals sweeps pending commands whose approval window elapsed.
func (s *Store) ExpireApprovals(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE commands SET status = $1, completed_at = now(),
			error_message = 'approval window elapsed'
		WHERE status = $2 AND approval_expires_at IS NOT NULL
			AND approval_expires_at < now()`,
		StatusExpired, StatusPendingApproval)
	if err != nil {
		return 0, fmt.Errorf("expire approvals: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PendingApprovals lists commands awaiting an operator decision.
func (s *Store) PendingApprovals(ctx context.Context, tenantID string) ([]*Command, error) {
	return s.queryCommands(ctx, `
		SELECT `+commandColumns+` FROM commands
		WHERE tenant_id = $1 AND status = $2
		ORDER BY queued_at`,
		tenantID, StatusPendingApproval)
}

// ListCommands returns the tenant's command history, newest first.
// beaconID and status filter when non-empty.
func (s *Store) ListCommands(ctx context.Context, tenantID, beaconID, status string, limit int) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE tenant_id = $1`
	args := []any{tenantID}
	if beaconID != "" {
		args = append(args, beaconID)
		query += fmt.Sprintf(" AND beacon_id = $%d", len(args))
	}
	if status != "" {
		args = append(args, status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	query += " ORDER BY queued_at DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return s.queryCommands(ctx, query, args...)
}

func (s *Store) queryCommands(ctx context.Context, query string, args ...any) ([]*Command, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var cmds []*Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, c)
	}
	return cmds, rows.Err()
}

func (s *Store) transition(ctx context.Context, commandID, query string, args ...any) error {
	tag, err := s.pool.Exec(ctx, query, append([]any{commandID}, args...)...)
	if err != nil {
		return fmt.Errorf("update command status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.conflictOrMissing(ctx, commandID)
	}
	return nil
}

// conflictOrMissing distinguishes a guarded update that lost a race from
// one aimed at a command that does not exist.
func (s *Store) conflictOrMissing(ctx context.Context, commandID string) error {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM commands WHERE id = $1)`, commandID).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check command existence: %w", err)
	}
	if exists {
		return ErrConflict
	}
	return ErrCommandNotFound
}
