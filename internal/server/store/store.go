// Package store is the server's Postgres layer: beacons, the command
// queue, machine credentials, operators and published beacon builds.
// Every method acquires a pooled connection for just that call; there is
// no caching layer between the services and the database, so a read
// always observes the latest committed write.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/outpost-ops/outpost/internal/logging"
)

var log = logging.L("store")

// Sentinel errors mapped to HTTP statuses by the API layer.
var (
	ErrBeaconNotFound   = errors.New("beacon not found")
	ErrCommandNotFound  = errors.New("command not found")
	ErrKeyNotFound      = errors.New("api key not found")
	ErrOperatorExists   = errors.New("operator already exists")
	ErrOperatorNotFound = errors.New("operator not found")
	ErrNoVersion        = errors.New("no published version")
	ErrBadVersion       = errors.New("version is not a major.minor.patch triple")
	// ErrConflict marks a status transition the state machine forbids,
	// such as cancelling a command that already completed.
	ErrConflict = errors.New("conflicting status transition")
)

// Command lifecycle states. BLOCKED commands are never persisted; they
// exist only in the audit log.
const (
	StatusQueued          = "QUEUED"
	StatusSent            = "SENT"
	StatusExecuting       = "EXECUTING"
	StatusCompleted       = "COMPLETED"
	StatusFailed          = "FAILED"
	StatusTimeout         = "TIMEOUT"
	StatusCancelled       = "CANCELLED"
	StatusPendingApproval = "PENDING_APPROVAL"
	StatusRejected        = "REJECTED"
	StatusExpired         = "EXPIRED"
)

// Terminal reports whether a status can never transition again.
func Terminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled,
		StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Policy is the per-beacon security policy the gate enforces.
type Policy struct {
	AllowedCommands   []string `json:"allowed_commands"`
	AllowedPaths      []string `json:"allowed_paths"`
	YoloMode          bool     `json:"yolo_mode"`
	SentinelProtected bool     `json:"sentinel_protected"`
}

// Beacon is one registered remote agent. Online state is never stored;
// it is derived from the hub and last_seen by the callers that need it.
type Beacon struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Hostname      string    `json:"hostname"`
	DisplayName   string    `json:"display_name,omitempty"`
	OSType        string    `json:"os_type"`
	OSVersion     string    `json:"os_version"`
	OSBuild       string    `json:"os_build,omitempty"`
	Architecture  string    `json:"architecture"`
	BeaconVersion string    `json:"beacon_version,omitempty"`
	UptimeSeconds uint64    `json:"uptime_seconds"`
	Policy        Policy    `json:"policy"`
	CreatedAt     time.Time `json:"created_at"`
	LastSeen      time.Time `json:"last_seen"`
}

// Command is one queued unit of work and its lifecycle record.
type Command struct {
	ID                string     `json:"id"`
	BeaconID          string     `json:"beacon_id"`
	TenantID          string     `json:"tenant_id"`
	Commands          []string   `json:"commands"`
	InitiatedBy       string     `json:"initiated_by"`
	AgentID           string     `json:"agent_id,omitempty"`
	Status            string     `json:"status"`
	TimeoutSeconds    int        `json:"timeout_seconds"`
	RiskLevel         string     `json:"risk_level,omitempty"`
	Warnings          []string   `json:"warnings,omitempty"`
	QueuedAt          time.Time  `json:"queued_at"`
	SentAt            *time.Time `json:"sent_at,omitempty"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	ApprovalExpiresAt *time.Time `json:"approval_expires_at,omitempty"`
	ExitCode          *int       `json:"exit_code,omitempty"`
	Stdout            string     `json:"stdout,omitempty"`
	Stderr            string     `json:"stderr,omitempty"`
	ExecutionTimeMs   *int64     `json:"execution_time_ms,omitempty"`
	FinalWorkingDir   string     `json:"final_working_dir,omitempty"`
	FullResultJSON    string     `json:"-"`
	ErrorMessage      string     `json:"error_message,omitempty"`
	ResultLate        bool       `json:"result_late,omitempty"`
}

// APIKey is a machine credential. Only the sha256 digest is stored.
type APIKey struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Operator is a human user of the operator API.
type Operator struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenant_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// BeaconVersion is one published beacon build for a platform/arch pair.
type BeaconVersion struct {
	ID          string    `json:"id"`
	Version     string    `json:"version"`
	Platform    string    `json:"platform"`
	Arch        string    `json:"arch"`
	StorageKey  string    `json:"storage_key"`
	Checksum    string    `json:"checksum,omitempty"`
	SizeBytes   int64     `json:"size_bytes"`
	PublishedAt time.Time `json:"published_at"`
}

// Store wraps the pgx pool. Safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens the pool, pins the schema's search_path and verifies
// connectivity.
func Connect(ctx context.Context, url, schema string) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2

	if schema != "" {
		// Set per connection too: poolers like PgBouncer can reset
		// session settings between transactions.
		poolConfig.ConnConfig.RuntimeParams["search_path"] = schema
		poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, "SET search_path TO "+pgx.Identifier{schema}.Sanitize())
			return err
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("connected to postgres", "schema", schema)
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool, for tests that provision their own
// database container.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies database connectivity, used by the health endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}
