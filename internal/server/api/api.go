// Package api is the server's HTTP surface: the machine-facing beacon
// endpoints (poll, result, update check, WebSocket), the operator API
// and the middleware that authenticates both. Handlers translate store
// sentinels into statuses; queueing and policy decisions stay in the
// command service and the security gate.
package api

import (
	"context"
	"time"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/command"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

var log = logging.L("api")

// HeaderAdminKey carries the static operator credential for
// non-interactive clients.
const HeaderAdminKey = "X-Admin-Key"

// DefaultTenant is where bootstrap operators and the admin key live
// until tenancy is wired to an external directory.
const DefaultTenant = "default"

// Gin context keys set by the auth middleware.
const (
	ctxTenantID   = "tenant_id"
	ctxAPIKeyID   = "api_key_id"
	ctxOperatorID = "operator_id"
	ctxEmail      = "operator_email"
)

// Store is the slice of the persistence layer the HTTP surface uses.
// *store.Store satisfies it; tests substitute an in-memory fake.
type Store interface {
	LookupAPIKey(ctx context.Context, raw string) (*store.APIKey, error)
	CreateAPIKey(ctx context.Context, tenantID, name string) (string, *store.APIKey, error)
	ListAPIKeys(ctx context.Context, tenantID string) ([]*store.APIKey, error)
	RevokeAPIKey(ctx context.Context, tenantID, keyID string) error

	RegisterBeacon(ctx context.Context, tenantID string, info api.OSInfo) (*store.Beacon, error)
	TouchBeacon(ctx context.Context, beaconID string, info api.OSInfo) error
	GetBeacon(ctx context.Context, beaconID string) (*store.Beacon, error)
	ListBeacons(ctx context.Context, tenantID string) ([]*store.Beacon, error)
	UpdateBeaconPolicy(ctx context.Context, beaconID string, p store.Policy) error

	HandoutPending(ctx context.Context, beaconID string) ([]*store.Command, error)
	RecordResult(ctx context.Context, r *api.ResultRequest) (*store.Command, error)
	MarkExecuting(ctx context.Context, commandID string) error
	GetCommand(ctx context.Context, commandID string) (*store.Command, error)
	ListCommands(ctx context.Context, tenantID, beaconID, status string, limit int) ([]*store.Command, error)
	PendingApprovals(ctx context.Context, tenantID string) ([]*store.Command, error)

	GetOperatorByEmail(ctx context.Context, email string) (*store.Operator, error)
	CreateOperator(ctx context.Context, tenantID, email, passwordHash string) (*store.Operator, error)

	PublishVersion(ctx context.Context, v *store.BeaconVersion) error
	LatestVersion(ctx context.Context, platform, arch string) (*store.BeaconVersion, error)
	ListVersions(ctx context.Context) ([]*store.BeaconVersion, error)

	Ping(ctx context.Context) error
}

// Executor runs operator submissions. *command.Service satisfies it.
type Executor interface {
	Execute(ctx context.Context, req command.Request) (*command.Result, error)
	Cancel(ctx context.Context, commandID string) error
	ResolveApproval(ctx context.Context, commandID string, approve bool, reason string) (*store.Command, error)
}

// Presence answers whether a beacon holds a live push connection.
type Presence interface {
	IsConnected(beaconID string) bool
}

// Options tunes the HTTP surface.
type Options struct {
	// PollInterval is handed to beacons at registration and check-in,
	// in seconds.
	PollInterval int
	// OnlineWindow is how fresh last_seen must be for a polling beacon
	// to show as online.
	OnlineWindow time.Duration
	// PresignTTL bounds the lifetime of artifact download URLs.
	PresignTTL time.Duration
	// JWT signs and validates operator tokens.
	JWT JWTConfig
	// AdminKey, when set, is accepted on operator routes and guards
	// operator provisioning. Empty disables both.
	AdminKey string
}

func (o *Options) fillDefaults() {
	if o.PollInterval <= 0 {
		o.PollInterval = 30
	}
	if o.OnlineWindow <= 0 {
		o.OnlineWindow = 2 * time.Minute
	}
	if o.PresignTTL <= 0 {
		o.PresignTTL = 15 * time.Minute
	}
}
