package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/outpost-ops/outpost/internal/server/artifact"
	"github.com/outpost-ops/outpost/internal/server/command"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// asOperator stamps requests with a fixed operator identity, standing in
// for OperatorAuth in handler tests.
func asOperator(tenantID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		setOperator(c, "op-test", "op@acme.test", tenantID)
	}
}

// fakeStore is an in-memory Store with the same transition rules as the
// Postgres implementation.
type fakeStore struct {
	mu sync.Mutex

	keys      map[string]*store.APIKey // raw key -> record
	beacons   []*store.Beacon
	commands  []*store.Command
	operators []*store.Operator
	versions  []*store.BeaconVersion

	// touched records the payload of every TouchBeacon call.
	touched map[string]api.OSInfo

	lookupErr error
	pingErr   error

	seq int
}

var _ Store = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		keys:    make(map[string]*store.APIKey),
		touched: make(map[string]api.OSInfo),
	}
}

// id must be called with mu held.
func (f *fakeStore) id(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) seedKey(raw, tenantID string) *store.APIKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := &store.APIKey{ID: f.id("key"), TenantID: tenantID, Name: "test", CreatedAt: time.Now()}
	f.keys[raw] = key
	return key
}

func (f *fakeStore) seedBeacon(tenantID, hostname string) *store.Beacon {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := &store.Beacon{
		ID:        f.id("beacon"),
		TenantID:  tenantID,
		Hostname:  hostname,
		OSType:    "linux",
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}
	f.beacons = append(f.beacons, b)
	return b
}

func (f *fakeStore) seedCommand(c *store.Command) *store.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c.ID == "" {
		c.ID = f.id("cmd")
	}
	if c.Status == "" {
		c.Status = store.StatusQueued
	}
	if c.QueuedAt.IsZero() {
		c.QueuedAt = time.Now()
	}
	f.commands = append(f.commands, c)
	return c
}

func (f *fakeStore) seedOperator(tenantID, email, password string) *store.Operator {
	hash, err := HashPassword(password)
	if err != nil {
		panic(err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	op := &store.Operator{
		ID:           f.id("op"),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: hash,
		CreatedAt:    time.Now(),
	}
	f.operators = append(f.operators, op)
	return op
}

func (f *fakeStore) LookupAPIKey(_ context.Context, raw string) (*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.lookupErr != nil {
		return nil, f.lookupErr
	}
	key, ok := f.keys[raw]
	if !ok || key.RevokedAt != nil {
		return nil, store.ErrKeyNotFound
	}
	return key, nil
}

func (f *fakeStore) CreateAPIKey(_ context.Context, tenantID, name string) (string, *store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := &store.APIKey{ID: f.id("key"), TenantID: tenantID, Name: name, CreatedAt: time.Now()}
	raw := "opk_" + key.ID
	f.keys[raw] = key
	return raw, key, nil
}

func (f *fakeStore) ListAPIKeys(_ context.Context, tenantID string) ([]*store.APIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []*store.APIKey
	for _, key := range f.keys {
		if key.TenantID == tenantID {
			keys = append(keys, key)
		}
	}
	return keys, nil
}

func (f *fakeStore) RevokeAPIKey(_ context.Context, tenantID, keyID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, key := range f.keys {
		if key.ID == keyID && key.TenantID == tenantID && key.RevokedAt == nil {
			now := time.Now()
			key.RevokedAt = &now
			return nil
		}
	}
	return store.ErrKeyNotFound
}

func applyOSInfo(b *store.Beacon, info api.OSInfo) {
	b.OSType = info.OSType
	b.OSVersion = info.OSVersion
	b.OSBuild = info.OSBuild
	b.Architecture = info.Architecture
	b.BeaconVersion = info.BeaconVersion
	b.UptimeSeconds = info.UptimeSeconds
}

func (f *fakeStore) RegisterBeacon(_ context.Context, tenantID string, info api.OSInfo) (*store.Beacon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beacons {
		if b.TenantID == tenantID && b.Hostname == info.Hostname {
			applyOSInfo(b, info)
			b.LastSeen = time.Now()
			return b, nil
		}
	}
	b := &store.Beacon{
		ID:        f.id("beacon"),
		TenantID:  tenantID,
		Hostname:  info.Hostname,
		CreatedAt: time.Now(),
		LastSeen:  time.Now(),
	}
	applyOSInfo(b, info)
	f.beacons = append(f.beacons, b)
	return b, nil
}

func (f *fakeStore) TouchBeacon(_ context.Context, beaconID string, info api.OSInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beacons {
		if b.ID == beaconID {
			applyOSInfo(b, info)
			b.LastSeen = time.Now()
			f.touched[beaconID] = info
			return nil
		}
	}
	return store.ErrBeaconNotFound
}

func (f *fakeStore) GetBeacon(_ context.Context, beaconID string) (*store.Beacon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beacons {
		if b.ID == beaconID {
			return b, nil
		}
	}
	return nil, store.ErrBeaconNotFound
}

func (f *fakeStore) ListBeacons(_ context.Context, tenantID string) ([]*store.Beacon, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var beacons []*store.Beacon
	for _, b := range f.beacons {
		if b.TenantID == tenantID {
			beacons = append(beacons, b)
		}
	}
	return beacons, nil
}

func (f *fakeStore) UpdateBeaconPolicy(_ context.Context, beaconID string, p store.Policy) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.beacons {
		if b.ID == beaconID {
			b.Policy = p
			return nil
		}
	}
	return store.ErrBeaconNotFound
}

// findCommand must be called with mu held.
func (f *fakeStore) findCommand(commandID string) *store.Command {
	for _, c := range f.commands {
		if c.ID == commandID {
			return c
		}
	}
	return nil
}

func (f *fakeStore) HandoutPending(_ context.Context, beaconID string) ([]*store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Command
	for _, c := range f.commands {
		if c.BeaconID != beaconID {
			continue
		}
		if c.Status == store.StatusQueued || c.Status == store.StatusSent {
			c.Status = store.StatusExecuting
			if c.SentAt == nil {
				now := time.Now()
				c.SentAt = &now
			}
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) RecordResult(_ context.Context, r *api.ResultRequest) (*store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.findCommand(r.CommandID)
	if c == nil {
		return nil, store.ErrCommandNotFound
	}
	exit := r.ExitCode
	ms := r.ExecutionTimeMs
	c.ExitCode = &exit
	c.Stdout = r.Stdout
	c.Stderr = r.Stderr
	c.ExecutionTimeMs = &ms
	c.FinalWorkingDir = r.FinalWorkingDir
	if store.Terminal(c.Status) {
		c.ResultLate = true
		return c, nil
	}
	c.ErrorMessage = r.ErrorMessage
	if r.ExitCode == 0 {
		c.Status = store.StatusCompleted
	} else {
		c.Status = store.StatusFailed
	}
	now := time.Now()
	c.CompletedAt = &now
	return c, nil
}

func (f *fakeStore) MarkExecuting(_ context.Context, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.findCommand(commandID)
	if c == nil {
		return store.ErrCommandNotFound
	}
	if c.Status != store.StatusQueued && c.Status != store.StatusSent {
		return store.ErrConflict
	}
	c.Status = store.StatusExecuting
	return nil
}

func (f *fakeStore) GetCommand(_ context.Context, commandID string) (*store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.findCommand(commandID); c != nil {
		return c, nil
	}
	return nil, store.ErrCommandNotFound
}

func (f *fakeStore) ListCommands(_ context.Context, tenantID, beaconID, status string, limit int) ([]*store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Command
	for i := len(f.commands) - 1; i >= 0; i-- {
		c := f.commands[i]
		if c.TenantID != tenantID {
			continue
		}
		if beaconID != "" && c.BeaconID != beaconID {
			continue
		}
		if status != "" && c.Status != status {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f *fakeStore) PendingApprovals(_ context.Context, tenantID string) ([]*store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*store.Command
	for _, c := range f.commands {
		if c.TenantID == tenantID && c.Status == store.StatusPendingApproval {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeStore) GetOperatorByEmail(_ context.Context, email string) (*store.Operator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.operators {
		if op.Email == email {
			return op, nil
		}
	}
	return nil, store.ErrOperatorNotFound
}

func (f *fakeStore) CreateOperator(_ context.Context, tenantID, email, passwordHash string) (*store.Operator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, op := range f.operators {
		if op.Email == email {
			return nil, store.ErrOperatorExists
		}
	}
	op := &store.Operator{
		ID:           f.id("op"),
		TenantID:     tenantID,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    time.Now(),
	}
	f.operators = append(f.operators, op)
	return op, nil
}

func (f *fakeStore) PublishVersion(_ context.Context, v *store.BeaconVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if v.ID == "" {
		v.ID = f.id("ver")
	}
	v.PublishedAt = time.Now()
	f.versions = append(f.versions, v)
	return nil
}

func (f *fakeStore) LatestVersion(_ context.Context, platform, arch string) (*store.BeaconVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.versions) - 1; i >= 0; i-- {
		v := f.versions[i]
		if v.Platform == platform && v.Arch == arch {
			return v, nil
		}
	}
	return nil, store.ErrNoVersion
}

func (f *fakeStore) ListVersions(_ context.Context) ([]*store.BeaconVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*store.BeaconVersion(nil), f.versions...), nil
}

func (f *fakeStore) Ping(_ context.Context) error {
	return f.pingErr
}

// commandSnapshot copies a command under the lock, for assertions that
// race against a handler goroutine.
func (f *fakeStore) commandSnapshot(commandID string) (store.Command, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c := f.findCommand(commandID); c != nil {
		return *c, true
	}
	return store.Command{}, false
}

func (f *fakeStore) touchedInfo(beaconID string) (api.OSInfo, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.touched[beaconID]
	return info, ok
}

// fakeExecutor records calls and plays back canned results.
type fakeExecutor struct {
	mu sync.Mutex

	lastReq command.Request
	result  *command.Result
	err     error

	cancelErr error
	cancelled []string

	resolveCmd      *store.Command
	resolveErr      error
	resolvedApprove bool
	resolvedReason  string
}

var _ Executor = (*fakeExecutor)(nil)

func (f *fakeExecutor) Execute(_ context.Context, req command.Request) (*command.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func (f *fakeExecutor) Cancel(_ context.Context, commandID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, commandID)
	return f.cancelErr
}

func (f *fakeExecutor) ResolveApproval(_ context.Context, commandID string, approve bool, reason string) (*store.Command, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolvedApprove = approve
	f.resolvedReason = reason
	if f.resolveErr != nil {
		return nil, f.resolveErr
	}
	return f.resolveCmd, nil
}

type fakePresence map[string]bool

func (f fakePresence) IsConnected(beaconID string) bool { return f[beaconID] }

// fakeArtifacts keeps uploads in memory and hands out stub URLs.
type fakeArtifacts struct {
	mu      sync.Mutex
	objects map[string][]byte

	putErr     error
	presignErr error
}

var _ artifact.Store = (*fakeArtifacts)(nil)

func newFakeArtifacts() *fakeArtifacts {
	return &fakeArtifacts{objects: make(map[string][]byte)}
}

func (f *fakeArtifacts) Put(_ context.Context, key string, r io.Reader) (string, int64, error) {
	if f.putErr != nil {
		return "", 0, f.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, err
	}
	f.mu.Lock()
	f.objects[key] = data
	f.mu.Unlock()
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

func (f *fakeArtifacts) PresignGet(_ context.Context, key string, _ time.Duration) (string, error) {
	if f.presignErr != nil {
		return "", f.presignErr
	}
	return "https://artifacts.test/" + key + "?sig=stub", nil
}

func (f *fakeArtifacts) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := f.objects[key]
	if !ok {
		return nil, artifact.ErrNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}
