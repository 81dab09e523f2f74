package security

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/outpost-ops/outpost/internal/server/store"
	"github.com/outpost-ops/outpost/pkg/api"
)

// rule is one named pattern with the risk tier it carries.
type rule struct {
	name string
	risk string
	re   *regexp.Regexp
}

// Tiers: critical patterns are destructive beyond recovery and always
// block. High patterns are dangerous but legitimate under supervision,
// so they demand approval. Medium and low only warn.
var builtinRules = []rule{
	{"filesystem-wipe", RiskCritical,
		regexp.MustCompile(`(?i)\brm\s+(-[a-z]*[rf][a-z]*\s+)+(--no-preserve-root\s+)?/(\s|$|\*)`)},
	{"fork-bomb", RiskCritical,
		regexp.MustCompile(`:\(\)\s*\{\s*:\s*\|\s*:`)},
	{"raw-disk-write", RiskCritical,
		regexp.MustCompile(`(?i)\bdd\b[^|;]*\bof=/dev/(sd|hd|vd|xvd|nvme|mmcblk)`)},
	{"filesystem-format", RiskCritical,
		regexp.MustCompile(`(?i)\bmkfs(\.[a-z0-9]+)?\s+(-\S+\s+)*/dev/`)},
	{"piped-remote-shell", RiskHigh,
		regexp.MustCompile(`(?i)\b(curl|wget)\b[^|;&]*\|\s*(sudo\s+)?(ba|z|da|k)?sh\b`)},
	{"credential-file-read", RiskHigh,
		regexp.MustCompile(`(?i)(/etc/shadow|/etc/sudoers|\.ssh/id_[a-z0-9]+|\.aws/credentials)`)},
	{"privilege-escalation", RiskMedium,
		regexp.MustCompile(`(?i)\bsudo\b|\bsu\s+(-|root\b)`)},
	{"world-writable-chmod", RiskLow,
		regexp.MustCompile(`(?i)\bchmod\s+(-[a-z]+\s+)*0?777\b`)},
}

// segmentSplit breaks compound lines so the allowlist sees every
// program in "a && b | c", not just the first.
var segmentSplit = regexp.MustCompile(`[;&|]+`)

// RuleScanner is the built-in pattern scanner. Stateless and safe for
// concurrent use.
type RuleScanner struct {
	rules []rule
}

func NewRuleScanner() *RuleScanner {
	return &RuleScanner{rules: builtinRules}
}

// Scan checks every line against the pattern tiers and the beacon's
// allowlist policy. Lifecycle commands (the @outpost: prefix) are
// intercepted by the beacon, never shelled out, so they bypass both.
func (rs *RuleScanner) Scan(_ context.Context, beacon *store.Beacon, commands []string) (*ScanResult, error) {
	res := &ScanResult{Allowed: true, RiskLevel: RiskNone}
	matched := make(map[string]bool)

	for _, line := range commands {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") || api.IsSystemCommand(trimmed) {
			continue
		}

		for _, r := range rs.rules {
			if !r.re.MatchString(trimmed) || matched[r.name] {
				continue
			}
			matched[r.name] = true
			res.MatchedPatterns = append(res.MatchedPatterns, r.name)
			res.RiskLevel = maxRisk(res.RiskLevel, r.risk)
			if riskRank[r.risk] < riskRank[RiskCritical] {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("%s risk: %s", r.risk, r.name))
			}
		}

		if reason := checkAllowlist(beacon.Policy.AllowedCommands, trimmed); reason != "" {
			res.Allowed = false
			res.Reason = reason
		}
		if reason := checkPaths(beacon.Policy.AllowedPaths, trimmed); reason != "" {
			res.Allowed = false
			res.Reason = reason
		}
	}

	if riskAtLeast(res.RiskLevel, RiskCritical) {
		res.Allowed = false
		res.RequiresApproval = false
		res.Reason = fmt.Sprintf("critical risk pattern matched: %s",
			strings.Join(res.MatchedPatterns, ", "))
	} else if res.Allowed && riskAtLeast(res.RiskLevel, RiskHigh) {
		res.RequiresApproval = true
	}

	return res, nil
}

// checkAllowlist verifies the first program of every pipeline segment
// against the beacon's allowed commands. An empty allowlist allows
// everything.
func checkAllowlist(allowed []string, line string) string {
	if len(allowed) == 0 {
		return ""
	}
	for _, segment := range segmentSplit.Split(line, -1) {
		argv0 := firstProgram(segment)
		if argv0 == "" {
			continue
		}
		if !allowlisted(allowed, argv0) {
			return fmt.Sprintf("command %q is not in the beacon's allowlist", argv0)
		}
	}
	return ""
}

// firstProgram returns the program name of a segment, skipping leading
// VAR=value assignments.
func firstProgram(segment string) string {
	for _, tok := range strings.Fields(segment) {
		if strings.Contains(tok, "=") && !strings.HasPrefix(tok, "/") {
			continue
		}
		return tok
	}
	return ""
}

func allowlisted(allowed []string, argv0 string) bool {
	base := path.Base(argv0)
	for _, a := range allowed {
		if argv0 == a || base == a {
			return true
		}
	}
	return false
}

// checkPaths verifies every absolute path mentioned in the line sits
// under one of the allowed prefixes. Relative paths cannot be resolved
// server-side and pass unchecked. An empty list allows everything.
func checkPaths(allowed []string, line string) string {
	if len(allowed) == 0 {
		return ""
	}
	for _, tok := range strings.Fields(line) {
		p := tok
		if i := strings.Index(tok, "=/"); i >= 0 {
			p = tok[i+1:]
		}
		if !strings.HasPrefix(p, "/") {
			continue
		}
		if !pathAllowed(allowed, path.Clean(p)) {
			return fmt.Sprintf("path %q is outside the beacon's allowed paths", p)
		}
	}
	return ""
}

func pathAllowed(allowed []string, p string) bool {
	for _, a := range allowed {
		a = path.Clean(a)
		if a == "/" || p == a || strings.HasPrefix(p, a+"/") {
			return true
		}
	}
	return false
}
