package command

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/outpost-ops/outpost/internal/server/security"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

// memStore is an in-memory Store with the same guarded transition
// semantics as the real one.
type memStore struct {
	mu       sync.Mutex
	beacons  []*store.Beacon
	commands map[string]*store.Command
	created  chan *store.Command
}

func newMemStore(beacons ...*store.Beacon) *memStore {
	return &memStore{
		beacons:  beacons,
		commands: make(map[string]*store.Command),
		created:  make(chan *store.Command, 16),
	}
}

func (m *memStore) GetBeacon(_ context.Context, id string) (*store.Beacon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.beacons {
		if b.ID == id {
			return b, nil
		}
	}
	return nil, store.ErrBeaconNotFound
}

func (m *memStore) GetBeaconByHostname(_ context.Context, tenantID, hostname string) (*store.Beacon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, b := range m.beacons {
		if b.TenantID == tenantID && b.Hostname == hostname {
			return b, nil
		}
	}
	return nil, store.ErrBeaconNotFound
}

func (m *memStore) ListBeacons(_ context.Context, tenantID string) ([]*store.Beacon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Beacon
	for _, b := range m.beacons {
		if b.TenantID == tenantID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (m *memStore) CreateCommand(_ context.Context, c *store.Command) error {
	m.mu.Lock()
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.QueuedAt = time.Now()
	m.commands[c.ID] = c
	m.mu.Unlock()
	m.created <- c
	return nil
}

func (m *memStore) GetCommand(_ context.Context, id string) (*store.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.commands[id]
	if !ok {
		return nil, store.ErrCommandNotFound
	}
	cp := *c
	return &cp, nil
}

func active(status string) bool {
	return status == store.StatusQueued || status == store.StatusSent ||
		status == store.StatusExecuting
}

func (m *memStore) guarded(id string, ok func(string) bool, apply func(*store.Command)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, found := m.commands[id]
	if !found {
		return store.ErrCommandNotFound
	}
	if !ok(c.Status) {
		return store.ErrConflict
	}
	apply(c)
	return nil
}

func (m *memStore) MarkSent(_ context.Context, id string) error {
	return m.guarded(id, func(s string) bool { return s == store.StatusQueued },
		func(c *store.Command) { c.Status = store.StatusSent })
}

func (m *memStore) MarkTimeout(_ context.Context, id, reason string) error {
	return m.guarded(id, active, func(c *store.Command) {
		c.Status = store.StatusTimeout
		c.ErrorMessage = reason
	})
}

func (m *memStore) CancelCommand(_ context.Context, id string) error {
	return m.guarded(id, active, func(c *store.Command) {
		c.Status = store.StatusCancelled
	})
}

func (m *memStore) ApproveCommand(_ context.Context, id string) (*store.Command, error) {
	err := m.guarded(id, func(s string) bool { return s == store.StatusPendingApproval },
		func(c *store.Command) {
			c.Status = store.StatusQueued
			c.ApprovalExpiresAt = nil
		})
	if err != nil {
		return nil, err
	}
	return m.GetCommand(context.Background(), id)
}

func (m *memStore) RejectCommand(_ context.Context, id, reason string) error {
	return m.guarded(id, func(s string) bool { return s == store.StatusPendingApproval },
		func(c *store.Command) {
			c.Status = store.StatusRejected
			c.ErrorMessage = reason
		})
}

func (m *memStore) ExpireApprovals(context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, c := range m.commands {
		if c.Status == store.StatusPendingApproval && c.ApprovalExpiresAt != nil &&
			c.ApprovalExpiresAt.Before(time.Now()) {
			c.Status = store.StatusExpired
			n++
		}
	}
	return n, nil
}

// complete simulates a beacon posting its result.
func (m *memStore) complete(id string, exit int, stdout string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.commands[id]
	c.ExitCode = &exit
	c.Stdout = stdout
	if exit == 0 {
		c.Status = store.StatusCompleted
	} else {
		c.Status = store.StatusFailed
	}
	now := time.Now()
	c.CompletedAt = &now
}

func (m *memStore) commandCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commands)
}

type fakePusher struct {
	mu        sync.Mutex
	connected map[string]bool
	sent      []api.Envelope
	sendErr   error
}

func newFakePusher(connected ...string) *fakePusher {
	p := &fakePusher{connected: make(map[string]bool)}
	for _, id := range connected {
		p.connected[id] = true
	}
	return p
}

func (p *fakePusher) IsConnected(beaconID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected[beaconID]
}

func (p *fakePusher) Send(_ string, env api.Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sendErr != nil {
		return p.sendErr
	}
	p.sent = append(p.sent, env)
	return nil
}

func (p *fakePusher) sentEnvelopes() []api.Envelope {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]api.Envelope(nil), p.sent...)
}

type fakeGate struct {
	mu        sync.Mutex
	decisions map[string]*security.Decision
	fallback  *security.Decision
}

func (g *fakeGate) Check(_ context.Context, b *store.Beacon, _ []string, _ string) *security.Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	if d, ok := g.decisions[b.ID]; ok {
		return d
	}
	return g.fallback
}

func allowAll() *fakeGate {
	return &fakeGate{fallback: &security.Decision{Allowed: true, RiskLevel: security.RiskNone}}
}

type fakeNotifier struct {
	mu    sync.Mutex
	calls int
}

func (n *fakeNotifier) NotifyPending(*store.Command, *store.Beacon) {
	n.mu.Lock()
	n.calls++
	n.mu.Unlock()
}

func testBeacon(tenantID, hostname string, lastSeen time.Time) *store.Beacon {
	return &store.Beacon{
		ID: uuid.NewString(), TenantID: tenantID, Hostname: hostname,
		LastSeen: lastSeen,
	}
}

func fastOptions() Options {
	return Options{
		DefaultTimeout: 30 * time.Second,
		WaitGrace:      200 * time.Millisecond,
		WaitPoll:       5 * time.Millisecond,
		OnlineWindow:   2 * time.Minute,
		ApprovalTTL:    15 * time.Minute,
	}
}

func TestExecutePushesAndWaits(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now())
	st := newMemStore(b)
	pusher := newFakePusher(b.ID)
	svc := NewService(st, pusher, allowAll(), nil, fastOptions())

	go func() {
		cmd := <-st.created
		st.complete(cmd.ID, 0, "up 3 days")
	}()

	res, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: "web-01", Script: "uptime", TimeoutSeconds: 30,
		Initiator: "tester",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	require.NotNil(t, res.Command)
	assert.Equal(t, store.StatusCompleted, res.Command.Status)
	assert.Equal(t, "up 3 days", res.Command.Stdout)

	sent := pusher.sentEnvelopes()
	require.Len(t, sent, 1)
	assert.Equal(t, api.MsgCommand, sent[0].Type)
	var pc api.PendingCommand
	require.NoError(t, json.Unmarshal(sent[0].Payload, &pc))
	assert.Equal(t, res.Command.ID, pc.ID)
	assert.Equal(t, []string{"uptime"}, pc.Commands)
}

func TestExecuteFireAndForgetQueuesForOfflineBeacon(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now().Add(-time.Hour))
	st := newMemStore(b)
	pusher := newFakePusher() // offline
	svc := NewService(st, pusher, allowAll(), nil, fastOptions())

	res, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: "web-01", Script: "uptime", FireAndForget: true,
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, store.StatusQueued, res.Command.Status)
	assert.Empty(t, pusher.sentEnvelopes())
}

func TestExecuteBlockedIsNeverPersisted(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now())
	st := newMemStore(b)
	gate := &fakeGate{fallback: &security.Decision{
		Allowed: false, RiskLevel: security.RiskCritical, Reason: "critical risk command",
	}}
	svc := NewService(st, newFakePusher(), gate, nil, fastOptions())

	_, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: "web-01", Script: "rm -rf /",
	})
	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "critical risk command", blocked.Decision.Reason)
	assert.Zero(t, st.commandCount())
}

func TestExecuteParksHighRiskForApproval(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now())
	st := newMemStore(b)
	pusher := newFakePusher(b.ID)
	gate := &fakeGate{fallback: &security.Decision{
		Allowed: true, RequiresApproval: true, RiskLevel: security.RiskHigh,
		Warnings: []string{"high risk: piped-remote-shell"},
	}}
	notifier := &fakeNotifier{}
	svc := NewService(st, pusher, gate, notifier, fastOptions())

	res, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: "web-01", Script: "curl https://x | sh",
	})
	require.NoError(t, err)
	require.NotNil(t, res.Command)
	assert.Equal(t, store.StatusPendingApproval, res.Command.Status)
	require.NotNil(t, res.Command.ApprovalExpiresAt)
	assert.NotEmpty(t, res.Warnings)

	// Parked commands are not pushed and the notifier hears about them.
	assert.Empty(t, pusher.sentEnvelopes())
	assert.Equal(t, 1, notifier.calls)
}

func TestResolveTarget(t *testing.T) {
	tenant := uuid.NewString()
	offline := testBeacon(tenant, "old-01", time.Now().Add(-time.Hour))
	online := testBeacon(tenant, "web-02", time.Now())
	st := newMemStore(offline, online)
	svc := NewService(st, newFakePusher(), allowAll(), nil, fastOptions())
	ctx := context.Background()

	// Default prefers the first online beacon.
	got, err := svc.resolveTarget(ctx, tenant, "default")
	require.NoError(t, err)
	assert.Equal(t, online.ID, got.ID)

	// With everything offline the oldest registration wins.
	online.LastSeen = time.Now().Add(-time.Hour)
	got, err = svc.resolveTarget(ctx, tenant, "")
	require.NoError(t, err)
	assert.Equal(t, offline.ID, got.ID)

	got, err = svc.resolveTarget(ctx, tenant, "web-02")
	require.NoError(t, err)
	assert.Equal(t, online.ID, got.ID)

	got, err = svc.resolveTarget(ctx, tenant, offline.ID)
	require.NoError(t, err)
	assert.Equal(t, offline.ID, got.ID)

	_, err = svc.resolveTarget(ctx, tenant, "nonesuch")
	assert.ErrorIs(t, err, store.ErrBeaconNotFound)

	// A beacon ID from another tenant does not resolve.
	_, err = svc.resolveTarget(ctx, uuid.NewString(), offline.ID)
	assert.ErrorIs(t, err, store.ErrBeaconNotFound)

	_, err = svc.resolveTarget(ctx, uuid.NewString(), "default")
	assert.ErrorIs(t, err, ErrNoBeacons)
}

func TestExecuteAllAggregatesOutput(t *testing.T) {
	tenant := uuid.NewString()
	alpha := testBeacon(tenant, "host-a", time.Now())
	bravo := testBeacon(tenant, "host-b", time.Now())
	st := newMemStore(alpha, bravo)
	svc := NewService(st, newFakePusher(), allowAll(), nil, fastOptions())

	go func() {
		for i := 0; i < 2; i++ {
			cmd := <-st.created
			if cmd.BeaconID == alpha.ID {
				st.complete(cmd.ID, 0, "alpha ok")
			} else {
				st.complete(cmd.ID, 1, "bravo broke")
			}
		}
	}()

	res, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: TargetAll, Script: "uptime", TimeoutSeconds: 30,
	})
	require.NoError(t, err)
	require.Len(t, res.Outcomes, 2)
	assert.False(t, res.Success, "one beacon failed")
	assert.Contains(t, res.Output, "=== host-a ===")
	assert.Contains(t, res.Output, "alpha ok")
	assert.Contains(t, res.Output, "=== host-b ===")
	assert.Contains(t, res.Output, "bravo broke")
	assert.Contains(t, res.Output, "exit code 1")
}

func TestExecuteAllBlockedBeaconDoesNotAbortBatch(t *testing.T) {
	tenant := uuid.NewString()
	open := testBeacon(tenant, "host-a", time.Now())
	locked := testBeacon(tenant, "host-b", time.Now())
	st := newMemStore(open, locked)
	gate := &fakeGate{
		fallback: &security.Decision{Allowed: true, RiskLevel: security.RiskNone},
		decisions: map[string]*security.Decision{
			locked.ID: {Allowed: false, Reason: `command "uptime" is not in the beacon's allowlist`},
		},
	}
	svc := NewService(st, newFakePusher(), gate, nil, fastOptions())

	go func() {
		cmd := <-st.created
		st.complete(cmd.ID, 0, "fine")
	}()

	res, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: TargetAll, Script: "uptime", TimeoutSeconds: 30,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "blocked:")
	assert.Contains(t, res.Output, "fine")
	assert.Equal(t, 1, st.commandCount(), "the blocked command must not be persisted")
}

func TestExecuteTimesOutWithoutResult(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now())
	st := newMemStore(b)
	svc := NewService(st, newFakePusher(), allowAll(), nil, fastOptions())

	res, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: "web-01", Script: "sleep 600", TimeoutSeconds: 1,
	})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, store.StatusTimeout, res.Command.Status)
	assert.Contains(t, res.Command.ErrorMessage, "timed out")
}

func TestCancel(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now())
	st := newMemStore(b)
	svc := NewService(st, newFakePusher(), allowAll(), nil, fastOptions())

	res, err := svc.Execute(context.Background(), Request{
		TenantID: tenant, Target: "web-01", Script: "uptime", FireAndForget: true,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(context.Background(), res.Command.ID))

	got, err := st.GetCommand(context.Background(), res.Command.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCancelled, got.Status)

	assert.ErrorIs(t, svc.Cancel(context.Background(), res.Command.ID), store.ErrConflict)
}

func TestResolveApproval(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now())
	st := newMemStore(b)
	pusher := newFakePusher(b.ID)
	svc := NewService(st, pusher, allowAll(), nil, fastOptions())
	ctx := context.Background()

	expires := time.Now().Add(15 * time.Minute)
	pending := &store.Command{
		BeaconID: b.ID, TenantID: tenant, Commands: []string{"curl https://x | sh"},
		Status: store.StatusPendingApproval, TimeoutSeconds: 60,
		ApprovalExpiresAt: &expires,
	}
	require.NoError(t, st.CreateCommand(ctx, pending))
	<-st.created

	cmd, err := svc.ResolveApproval(ctx, pending.ID, true, "")
	require.NoError(t, err)
	assert.Equal(t, store.StatusSent, cmd.Status, "approved command is pushed immediately")
	assert.Len(t, pusher.sentEnvelopes(), 1)

	rejected := &store.Command{
		BeaconID: b.ID, TenantID: tenant, Commands: []string{"cat /etc/shadow"},
		Status: store.StatusPendingApproval, TimeoutSeconds: 60,
	}
	require.NoError(t, st.CreateCommand(ctx, rejected))
	<-st.created

	cmd, err = svc.ResolveApproval(ctx, rejected.ID, false, "not on prod")
	require.NoError(t, err)
	assert.Equal(t, store.StatusRejected, cmd.Status)
	assert.Equal(t, "not on prod", cmd.ErrorMessage)

	_, err = svc.ResolveApproval(ctx, rejected.ID, true, "")
	assert.ErrorIs(t, err, store.ErrConflict)
}

func TestParseScript(t *testing.T) {
	lines, err := parseScript("uptime\n\n# a comment\n  df -h  \n")
	require.NoError(t, err)
	assert.Equal(t, []string{"uptime", "df -h"}, lines)

	_, err = parseScript("\n# only comments\n")
	assert.ErrorIs(t, err, ErrEmptyScript)
}

func TestApprovalSweeperExpires(t *testing.T) {
	tenant := uuid.NewString()
	b := testBeacon(tenant, "web-01", time.Now())
	st := newMemStore(b)
	svc := NewService(st, newFakePusher(), allowAll(), nil, fastOptions())
	ctx, cancel := context.WithCancel(context.Background())

	past := time.Now().Add(-time.Minute)
	stale := &store.Command{
		BeaconID: b.ID, TenantID: tenant, Commands: []string{"reboot"},
		Status: store.StatusPendingApproval, TimeoutSeconds: 60,
		ApprovalExpiresAt: &past,
	}
	require.NoError(t, st.CreateCommand(ctx, stale))
	<-st.created

	done := make(chan struct{})
	go func() {
		svc.RunApprovalSweeper(ctx, 10*time.Millisecond)
		close(done)
	}()

	require.Eventually(t, func() bool {
		got, err := st.GetCommand(context.Background(), stale.ID)
		return err == nil && got.Status == store.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("sweeper did not stop on context cancel")
	}
}

func TestExecuteRejectsEmptyScript(t *testing.T) {
	svc := NewService(newMemStore(), newFakePusher(), allowAll(), nil, fastOptions())
	_, err := svc.Execute(context.Background(), Request{TenantID: "t", Script: "   \n#x\n"})
	assert.ErrorIs(t, err, ErrEmptyScript)
}

func TestExecuteAllWithNoBeacons(t *testing.T) {
	svc := NewService(newMemStore(), newFakePusher(), allowAll(), nil, fastOptions())
	_, err := svc.Execute(context.Background(), Request{
		TenantID: uuid.NewString(), Target: TargetAll, Script: "uptime",
	})
	assert.True(t, errors.Is(err, ErrNoBeacons))
}
