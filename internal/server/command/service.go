// Package command orchestrates the life of a command: gate check,
// queueing, push or poll delivery, waiting for results, approvals and
// cancellation. It owns every write path; reads for display go straight
// to the store.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/security"
	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

var log = logging.L("command")

// TargetAll fans a script out to every beacon of the tenant.
const TargetAll = "@all"

var (
	ErrNoBeacons   = errors.New("tenant has no registered beacons")
	ErrEmptyScript = errors.New("script contains no commands")
)

// BlockedError carries the gate's decision for a denied submission.
type BlockedError struct {
	Decision *security.Decision
}

func (e *BlockedError) Error() string {
	return "blocked by security gate: " + e.Decision.Reason
}

// Store is the slice of the persistence layer this service writes to.
type Store interface {
	GetBeacon(ctx context.Context, beaconID string) (*store.Beacon, error)
	GetBeaconByHostname(ctx context.Context, tenantID, hostname string) (*store.Beacon, error)
	ListBeacons(ctx context.Context, tenantID string) ([]*store.Beacon, error)
	CreateCommand(ctx context.Context, c *store.Command) error
	GetCommand(ctx context.Context, commandID string) (*store.Command, error)
	MarkSent(ctx context.Context, commandID string) error
	MarkTimeout(ctx context.Context, commandID, reason string) error
	CancelCommand(ctx context.Context, commandID string) error
	ApproveCommand(ctx context.Context, commandID string) (*store.Command, error)
	RejectCommand(ctx context.Context, commandID, reason string) error
	ExpireApprovals(ctx context.Context) (int64, error)
}

// Pusher delivers envelopes to live connections. The hub implements it.
type Pusher interface {
	Send(beaconID string, env api.Envelope) error
	IsConnected(beaconID string) bool
}

// Gate decides whether a submission may proceed.
type Gate interface {
	Check(ctx context.Context, beacon *store.Beacon, commands []string, initiator string) *security.Decision
}

// Notifier is told about commands parked for approval. May be nil.
type Notifier interface {
	NotifyPending(cmd *store.Command, beacon *store.Beacon)
}

// Options tunes delivery and waiting behaviour.
type Options struct {
	// DefaultTimeout is the execution budget when the request omits one.
	DefaultTimeout time.Duration
	// WaitGrace extends the synchronous wait beyond the execution budget
	// to absorb poll latency and transport time.
	WaitGrace time.Duration
	// WaitPoll is how often a synchronous wait re-reads the command.
	WaitPoll time.Duration
	// OnlineWindow is how fresh last_seen must be for a polling beacon
	// to count as online.
	OnlineWindow time.Duration
	// ApprovalTTL bounds how long a command may sit pending approval.
	ApprovalTTL time.Duration
}

func (o *Options) fillDefaults() {
	if o.DefaultTimeout <= 0 {
		o.DefaultTimeout = 5 * time.Minute
	}
	if o.WaitGrace <= 0 {
		o.WaitGrace = time.Minute
	}
	if o.WaitPoll <= 0 {
		o.WaitPoll = 500 * time.Millisecond
	}
	if o.OnlineWindow <= 0 {
		o.OnlineWindow = 2 * time.Minute
	}
	if o.ApprovalTTL <= 0 {
		o.ApprovalTTL = 15 * time.Minute
	}
}

// Request is one command submission.
type Request struct {
	TenantID       string
	Target         string // hostname, beacon id, "default"/"" or "@all"
	Script         string
	TimeoutSeconds int
	FireAndForget  bool
	Initiator      string
	AgentID        string
}

// BeaconOutcome is one beacon's share of a fan-out.
type BeaconOutcome struct {
	BeaconID string         `json:"beacon_id"`
	Hostname string         `json:"hostname"`
	Command  *store.Command `json:"command,omitempty"`
	Blocked  bool           `json:"blocked,omitempty"`
	Reason   string         `json:"reason,omitempty"`
}

// Result is what a submission produced. Single-target submissions fill
// Command; fan-outs fill Outcomes and the aggregated Output.
type Result struct {
	Command  *store.Command  `json:"command,omitempty"`
	Outcomes []BeaconOutcome `json:"outcomes,omitempty"`
	Output   string          `json:"output,omitempty"`
	Success  bool            `json:"success"`
	Warnings []string        `json:"warnings,omitempty"`
}

type Service struct {
	store    Store
	pusher   Pusher
	gate     Gate
	notifier Notifier
	opts     Options
}

func NewService(st Store, pusher Pusher, gate Gate, notifier Notifier, opts Options) *Service {
	opts.fillDefaults()
	return &Service{store: st, pusher: pusher, gate: gate, notifier: notifier, opts: opts}
}

// Execute runs a submission end to end. Unless FireAndForget is set it
// blocks until the command reaches a terminal state or the wait
// deadline passes. Gate denials surface as *BlockedError for single
// targets; in a fan-out each beacon's denial lands in its outcome.
func (s *Service) Execute(ctx context.Context, req Request) (*Result, error) {
	lines, err := parseScript(req.Script)
	if err != nil {
		return nil, err
	}
	timeout := clampTimeout(req.TimeoutSeconds, s.opts.DefaultTimeout)

	if req.Target == TargetAll {
		return s.executeAll(ctx, req, lines, timeout)
	}

	beacon, err := s.resolveTarget(ctx, req.TenantID, req.Target)
	if err != nil {
		return nil, err
	}

	cmd, decision, err := s.submit(ctx, req, beacon, lines, timeout)
	if err != nil {
		return nil, err
	}

	res := &Result{Command: cmd, Warnings: decision.Warnings}
	if cmd.Status == store.StatusPendingApproval || req.FireAndForget {
		res.Success = true
		return res, nil
	}

	final, err := s.waitForCompletion(ctx, cmd)
	if err != nil {
		return res, err
	}
	res.Command = final
	res.Success = final.Status == store.StatusCompleted
	return res, nil
}

// submit runs the gate, persists the command and attempts a push.
func (s *Service) submit(ctx context.Context, req Request, beacon *store.Beacon, lines []string, timeout int) (*store.Command, *security.Decision, error) {
	decision := s.gate.Check(ctx, beacon, lines, req.Initiator)
	if !decision.Allowed {
		// Blocked commands are never persisted; the gate audited it.
		return nil, decision, &BlockedError{Decision: decision}
	}

	cmd := &store.Command{
		BeaconID:       beacon.ID,
		TenantID:       beacon.TenantID,
		Commands:       lines,
		InitiatedBy:    req.Initiator,
		AgentID:        req.AgentID,
		Status:         store.StatusQueued,
		TimeoutSeconds: timeout,
		RiskLevel:      decision.RiskLevel,
		Warnings:       decision.Warnings,
	}
	if decision.RequiresApproval {
		cmd.Status = store.StatusPendingApproval
		expires := time.Now().Add(s.opts.ApprovalTTL)
		cmd.ApprovalExpiresAt = &expires
	}

	if err := s.store.CreateCommand(ctx, cmd); err != nil {
		return nil, decision, fmt.Errorf("queue command: %w", err)
	}

	if cmd.Status == store.StatusPendingApproval {
		log.Info("command pending approval", "command_id", cmd.ID,
			"beacon_id", beacon.ID, "risk", decision.RiskLevel, "initiator", req.Initiator)
		if s.notifier != nil {
			s.notifier.NotifyPending(cmd, beacon)
		}
		return cmd, decision, nil
	}

	log.Info("command queued", "command_id", cmd.ID, "beacon_id", beacon.ID,
		"risk", decision.RiskLevel, "initiator", req.Initiator)
	s.tryPush(ctx, cmd)
	return cmd, decision, nil
}

func (s *Service) executeAll(ctx context.Context, req Request, lines []string, timeout int) (*Result, error) {
	beacons, err := s.store.ListBeacons(ctx, req.TenantID)
	if err != nil {
		return nil, fmt.Errorf("list beacons: %w", err)
	}
	if len(beacons) == 0 {
		return nil, ErrNoBeacons
	}

	outcomes := make([]BeaconOutcome, len(beacons))
	var wg sync.WaitGroup
	for i, b := range beacons {
		wg.Add(1)
		go func(i int, b *store.Beacon) {
			defer wg.Done()
			outcomes[i] = s.executeOne(ctx, req, b, lines, timeout)
		}(i, b)
	}
	wg.Wait()

	res := &Result{Outcomes: outcomes, Success: true}
	var out strings.Builder
	for _, o := range outcomes {
		fmt.Fprintf(&out, "=== %s ===\n", o.Hostname)
		section := renderSection(o)
		out.WriteString(section)
		if !strings.HasSuffix(section, "\n") {
			out.WriteByte('\n')
		}
		if o.Blocked || o.Command == nil || o.Command.Status != store.StatusCompleted {
			res.Success = false
		}
		if o.Command != nil {
			for _, w := range o.Command.Warnings {
				res.Warnings = append(res.Warnings, o.Hostname+": "+w)
			}
		}
	}
	res.Output = out.String()
	return res, nil
}

// executeOne is the per-beacon leg of a fan-out. Failures degrade to
// outcome fields so one beacon cannot abort the batch.
func (s *Service) executeOne(ctx context.Context, req Request, beacon *store.Beacon, lines []string, timeout int) BeaconOutcome {
	o := BeaconOutcome{BeaconID: beacon.ID, Hostname: beacon.Hostname}

	cmd, _, err := s.submit(ctx, req, beacon, lines, timeout)
	if err != nil {
		var blocked *BlockedError
		if errors.As(err, &blocked) {
			o.Blocked = true
			o.Reason = blocked.Decision.Reason
		} else {
			o.Reason = err.Error()
		}
		return o
	}
	o.Command = cmd

	if cmd.Status == store.StatusPendingApproval || req.FireAndForget {
		return o
	}
	final, err := s.waitForCompletion(ctx, cmd)
	if err != nil {
		o.Reason = err.Error()
	}
	if final != nil {
		o.Command = final
	}
	return o
}

func renderSection(o BeaconOutcome) string {
	switch {
	case o.Blocked:
		return "blocked: " + o.Reason
	case o.Command == nil:
		return "error: " + o.Reason
	}
	c := o.Command
	switch c.Status {
	case store.StatusPendingApproval:
		return fmt.Sprintf("pending approval (%s risk)", c.RiskLevel)
	case store.StatusTimeout:
		return "timed out: " + c.ErrorMessage
	case store.StatusQueued, store.StatusSent:
		return "queued"
	}
	out := c.Stdout
	if c.Stderr != "" {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += "stderr: " + c.Stderr
	}
	if c.Status == store.StatusFailed && c.ExitCode != nil {
		if out != "" && !strings.HasSuffix(out, "\n") {
			out += "\n"
		}
		out += fmt.Sprintf("exit code %d", *c.ExitCode)
	}
	if out == "" {
		out = "(no output)"
	}
	return out
}

// resolveTarget maps the request target to a beacon. "default" (or
// empty) prefers the first online beacon and falls back to the oldest
// registration.
func (s *Service) resolveTarget(ctx context.Context, tenantID, target string) (*store.Beacon, error) {
	switch target {
	case "", "default":
		beacons, err := s.store.ListBeacons(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("list beacons: %w", err)
		}
		if len(beacons) == 0 {
			return nil, ErrNoBeacons
		}
		for _, b := range beacons {
			if s.isOnline(b) {
				return b, nil
			}
		}
		return beacons[0], nil
	}

	if uuid.Validate(target) == nil {
		b, err := s.store.GetBeacon(ctx, target)
		if err != nil {
			return nil, err
		}
		if b.TenantID != tenantID {
			return nil, store.ErrBeaconNotFound
		}
		return b, nil
	}
	return s.store.GetBeaconByHostname(ctx, tenantID, target)
}

func (s *Service) isOnline(b *store.Beacon) bool {
	return s.pusher.IsConnected(b.ID) || time.Since(b.LastSeen) <= s.opts.OnlineWindow
}

// tryPush hands the command to a live connection. Any failure just
// means the beacon picks it up on its next poll.
func (s *Service) tryPush(ctx context.Context, cmd *store.Command) {
	if !s.pusher.IsConnected(cmd.BeaconID) {
		return
	}
	env, err := api.NewEnvelope(api.MsgCommand, api.PendingCommand{
		ID: cmd.ID, Commands: cmd.Commands, TimeoutSeconds: cmd.TimeoutSeconds,
	})
	if err != nil {
		log.Error("build command envelope", "command_id", cmd.ID, "error", err)
		return
	}
	if err := s.pusher.Send(cmd.BeaconID, env); err != nil {
		log.Debug("push failed, beacon will poll", "command_id", cmd.ID,
			"beacon_id", cmd.BeaconID, "error", err)
		return
	}
	if err := s.store.MarkSent(ctx, cmd.ID); err != nil {
		if !errors.Is(err, store.ErrConflict) {
			log.Warn("mark sent failed", "command_id", cmd.ID, "error", err)
		}
		return
	}
	cmd.Status = store.StatusSent
}

// waitForCompletion polls until the command reaches a terminal state.
// Past the deadline it forces TIMEOUT; losing that race to an arriving
// result is fine, the fresh read settles it either way.
func (s *Service) waitForCompletion(ctx context.Context, cmd *store.Command) (*store.Command, error) {
	deadline := time.Now().Add(time.Duration(cmd.TimeoutSeconds)*time.Second + s.opts.WaitGrace)
	ticker := time.NewTicker(s.opts.WaitPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// The command stays queued; the operator can still fetch the
			// result later.
			return cmd, ctx.Err()
		case <-ticker.C:
			fresh, err := s.store.GetCommand(ctx, cmd.ID)
			if err != nil {
				return cmd, err
			}
			if store.Terminal(fresh.Status) {
				return fresh, nil
			}
			if time.Now().After(deadline) {
				err := s.store.MarkTimeout(ctx, cmd.ID, "timed out waiting for result")
				if err != nil && !errors.Is(err, store.ErrConflict) {
					return fresh, err
				}
				return s.store.GetCommand(ctx, cmd.ID)
			}
		}
	}
}

// Cancel stops a queued or in-flight command.
func (s *Service) Cancel(ctx context.Context, commandID string) error {
	if err := s.store.CancelCommand(ctx, commandID); err != nil {
		return err
	}
	log.Info("command cancelled", "command_id", commandID)
	return nil
}

// ResolveApproval decides a pending command. Approval releases it into
// the queue and attempts an immediate push.
func (s *Service) ResolveApproval(ctx context.Context, commandID string, approve bool, reason string) (*store.Command, error) {
	if !approve {
		if reason == "" {
			reason = "rejected by operator"
		}
		if err := s.store.RejectCommand(ctx, commandID, reason); err != nil {
			return nil, err
		}
		log.Info("command rejected", "command_id", commandID)
		return s.store.GetCommand(ctx, commandID)
	}

	cmd, err := s.store.ApproveCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	log.Info("command approved", "command_id", commandID, "beacon_id", cmd.BeaconID)
	s.tryPush(ctx, cmd)
	return cmd, nil
}

// RunApprovalSweeper expires overdue pending commands until ctx ends.
func (s *Service) RunApprovalSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.store.ExpireApprovals(ctx)
			if err != nil {
				log.Error("approval sweep failed", "error", err)
				continue
			}
			if n > 0 {
				log.Info("expired pending approvals", "count", n)
			}
		}
	}
}

// parseScript splits a script into executable lines. Blank lines and
// comments are dropped here so the gate, the audit trail and the beacon
// all see the same batch.
func parseScript(script string) ([]string, error) {
	var lines []string
	for _, raw := range strings.Split(script, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return nil, ErrEmptyScript
	}
	return lines, nil
}

func clampTimeout(seconds int, def time.Duration) int {
	if seconds <= 0 {
		return int(def.Seconds())
	}
	const max = 86400
	if seconds > max {
		return max
	}
	return seconds
}
