// Package security is the layered gate every command passes before it
// is queued: per-beacon rate limiting, pattern scanning against the
// beacon's policy, and an optional semantic analyzer for sentinel
// protected hosts. The gate decides; it never queues or executes.
package security

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/outpost-ops/outpost/internal/audit"
	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/server/store"
)

var log = logging.L("security")

// Risk levels, ordered. Critical blocks unconditionally, high demands
// approval, medium and low surface warnings.
const (
	RiskNone     = "none"
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

var riskRank = map[string]int{
	RiskNone:     0,
	RiskLow:      1,
	RiskMedium:   2,
	RiskHigh:     3,
	RiskCritical: 4,
}

// riskAtLeast reports whether a is at least as severe as b.
func riskAtLeast(a, b string) bool {
	return riskRank[a] >= riskRank[b]
}

// maxRisk returns the more severe of two levels.
func maxRisk(a, b string) string {
	if riskRank[b] > riskRank[a] {
		return b
	}
	return a
}

// ScanResult is a scanner's judgement of a command batch.
type ScanResult struct {
	Allowed          bool
	RiskLevel        string
	MatchedPatterns  []string
	Warnings         []string
	RequiresApproval bool
	Reason           string
}

// Scanner inspects commands against the beacon's policy. Implementations
// must be safe for concurrent use.
type Scanner interface {
	Scan(ctx context.Context, beacon *store.Beacon, commands []string) (*ScanResult, error)
}

// Analyzer verdicts for sentinel protected beacons.
const (
	VerdictAllow = "allow"
	VerdictWarn  = "warn"
	VerdictBlock = "block"
)

// Analysis is a semantic analyzer's judgement.
type Analysis struct {
	Verdict  string
	Reason   string
	Warnings []string
}

// SemanticAnalyzer performs deeper inspection of commands aimed at
// sentinel protected beacons. It runs only after the pattern scan
// passes; a block verdict overrides everything upstream.
type SemanticAnalyzer interface {
	Analyze(ctx context.Context, beacon *store.Beacon, commands []string) (*Analysis, error)
}

// Decision is the gate's final word on a command batch.
type Decision struct {
	Allowed          bool     `json:"allowed"`
	RequiresApproval bool     `json:"requires_approval"`
	RiskLevel        string   `json:"risk_level"`
	MatchedPatterns  []string `json:"matched_patterns,omitempty"`
	Warnings         []string `json:"warnings,omitempty"`
	Reason           string   `json:"reason,omitempty"`
}

// Options tunes the gate.
type Options struct {
	// RatePerMinute caps command submissions per beacon. Zero disables
	// rate limiting.
	RatePerMinute int
	// Burst allows short submission spikes. Defaults to 5.
	Burst int
}

// Gate chains the security layers. Scanner is required; analyzer and
// audit may be nil.
type Gate struct {
	scanner  Scanner
	analyzer SemanticAnalyzer
	auditLog *audit.Logger
	opts     Options

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewGate(scanner Scanner, analyzer SemanticAnalyzer, auditLog *audit.Logger, opts Options) *Gate {
	if opts.Burst <= 0 {
		opts.Burst = 5
	}
	return &Gate{
		scanner:  scanner,
		analyzer: analyzer,
		auditLog: auditLog,
		opts:     opts,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Check runs the full gate against a command batch. The result is
// always a decision: scanner failures degrade to an allow with a loud
// warning (availability wins for the operator path), while rate limit
// hits and policy violations block.
func (g *Gate) Check(ctx context.Context, beacon *store.Beacon, commands []string, initiator string) *Decision {
	if !g.allow(beacon.ID) {
		g.auditLog.Log(audit.EventRateLimited, "", map[string]any{
			"beacon_id": beacon.ID,
			"hostname":  beacon.Hostname,
			"initiator": initiator,
		})
		return &Decision{
			Allowed:   false,
			RiskLevel: RiskNone,
			Reason:    "rate limit exceeded for this beacon",
		}
	}

	res, err := g.scanner.Scan(ctx, beacon, commands)
	if err != nil {
		// The scanner is advisory infrastructure; its outage must not
		// take remote management down with it. Allow, but leave a trail.
		log.Error("command scanner failed, allowing unscanned", "error", err,
			"beacon_id", beacon.ID, "initiator", initiator)
		g.auditLog.Log(audit.EventScannerFailOpen, "", map[string]any{
			"beacon_id": beacon.ID,
			"hostname":  beacon.Hostname,
			"initiator": initiator,
			"error":     err.Error(),
			"commands":  auditCommands(commands),
		})
		res = &ScanResult{
			Allowed:   true,
			RiskLevel: RiskNone,
			Warnings:  []string{"security scanner unavailable, commands were not scanned"},
		}
	}

	d := &Decision{
		Allowed:          res.Allowed,
		RequiresApproval: res.RequiresApproval,
		RiskLevel:        res.RiskLevel,
		MatchedPatterns:  res.MatchedPatterns,
		Warnings:         res.Warnings,
		Reason:           res.Reason,
	}
	if d.RiskLevel == "" {
		d.RiskLevel = RiskNone
	}

	// Critical risk is not negotiable, whatever the scanner or the
	// beacon's yolo flag say.
	if riskAtLeast(d.RiskLevel, RiskCritical) {
		d.Allowed = false
		d.RequiresApproval = false
		if d.Reason == "" {
			d.Reason = "critical risk command"
		}
	}

	if !d.Allowed {
		g.auditBlocked(beacon, initiator, commands, d)
		return d
	}

	if d.RequiresApproval && beacon.Policy.YoloMode {
		d.RequiresApproval = false
		d.Warnings = append(d.Warnings, "high risk command auto-approved by yolo mode")
		g.auditLog.Log(audit.EventAutoApproved, "", map[string]any{
			"beacon_id": beacon.ID,
			"hostname":  beacon.Hostname,
			"initiator": initiator,
			"risk":      d.RiskLevel,
			"patterns":  d.MatchedPatterns,
			"commands":  auditCommands(commands),
		})
	}

	if beacon.Policy.SentinelProtected && g.analyzer != nil {
		g.applyAnalysis(ctx, beacon, commands, initiator, d)
		if !d.Allowed {
			g.auditBlocked(beacon, initiator, commands, d)
		}
	}

	return d
}

func (g *Gate) applyAnalysis(ctx context.Context, beacon *store.Beacon, commands []string, initiator string, d *Decision) {
	a, err := g.analyzer.Analyze(ctx, beacon, commands)
	if err != nil {
		log.Error("semantic analyzer failed, allowing without analysis", "error", err,
			"beacon_id", beacon.ID, "initiator", initiator)
		g.auditLog.Log(audit.EventScannerFailOpen, "", map[string]any{
			"beacon_id": beacon.ID,
			"hostname":  beacon.Hostname,
			"initiator": initiator,
			"stage":     "semantic_analyzer",
			"error":     err.Error(),
		})
		d.Warnings = append(d.Warnings, "semantic analyzer unavailable, commands were not analyzed")
		return
	}

	d.Warnings = append(d.Warnings, a.Warnings...)
	switch a.Verdict {
	case VerdictBlock:
		d.Allowed = false
		d.RequiresApproval = false
		d.Reason = a.Reason
		if d.Reason == "" {
			d.Reason = "blocked by semantic analysis"
		}
	case VerdictWarn:
		if a.Reason != "" {
			d.Warnings = append(d.Warnings, a.Reason)
		}
	}
}

func (g *Gate) auditBlocked(beacon *store.Beacon, initiator string, commands []string, d *Decision) {
	g.auditLog.Log(audit.EventCommandBlocked, "", map[string]any{
		"beacon_id": beacon.ID,
		"hostname":  beacon.Hostname,
		"initiator": initiator,
		"risk":      d.RiskLevel,
		"patterns":  d.MatchedPatterns,
		"reason":    d.Reason,
		"commands":  auditCommands(commands),
	})
}

// allow consults the beacon's rate limiter, creating it on first use.
func (g *Gate) allow(beaconID string) bool {
	if g.opts.RatePerMinute <= 0 {
		return true
	}
	g.mu.Lock()
	lim, ok := g.limiters[beaconID]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(g.opts.RatePerMinute)/60.0), g.opts.Burst)
		g.limiters[beaconID] = lim
	}
	g.mu.Unlock()
	return lim.Allow()
}

// auditCommands keeps audit entries bounded when a script is large.
func auditCommands(commands []string) string {
	joined := strings.Join(commands, "\n")
	if len(joined) > 500 {
		return joined[:500] + "...(truncated)"
	}
	return joined
}
