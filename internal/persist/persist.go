// Package persist installs the beacon into the operating system's native
// start-at-boot mechanism: a systemd unit on Linux, a launchd plist on
// macOS, an SCM service or logon-triggered scheduled task on Windows.
package persist

import (
	"fmt"

	"github.com/outpost-ops/outpost/internal/logging"
)

var log = logging.L("persist")

// Scope selects whether persistence applies to the whole machine or only
// the invoking user. System scope needs elevated privileges and is never
// chosen implicitly.
type Scope int

const (
	ScopeUser Scope = iota
	ScopeSystem
)

func (s Scope) String() string {
	if s == ScopeSystem {
		return "system"
	}
	return "user"
}

// Options carries everything Install embeds into the native mechanism.
type Options struct {
	BinaryPath string
	ConfigPath string
	ServerURL  string
	APIKey     string
}

// Status describes the current persistence state. Detail is the
// mechanism's own report with credentials redacted.
type Status struct {
	Installed bool
	Enabled   bool
	Running   bool
	Scope     Scope
	Detail    string
}

// Summary renders the state as operator-facing text, shared by the CLI
// and the persist-status system command.
func (s Status) Summary() string {
	if !s.Installed {
		return "persistence: not installed\n"
	}
	enabled := "disabled"
	if s.Enabled {
		enabled = "enabled"
	}
	state := "stopped"
	if s.Running {
		state = "running"
	}
	head := fmt.Sprintf("persistence: installed (%s scope, %s, %s)\n", s.Scope, enabled, state)
	if s.Detail == "" {
		return head
	}
	return head + s.Detail
}

// Manager is the per-OS persistence strategy. All operations are
// idempotent: installing twice rewrites in place, uninstalling a clean
// system reports removed=false instead of failing.
type Manager interface {
	Install(opts Options) error
	Uninstall() (removed bool, err error)
	Status() (Status, error)
}
