//go:build darwin

package persist

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const daemonPlistPath = "/Library/LaunchDaemons/" + launchdLabel + ".plist"

// New returns the launchd-backed manager for this host.
func New(scope Scope) (Manager, error) {
	if scope == ScopeSystem && os.Geteuid() != 0 {
		return nil, fmt.Errorf("system-scope persistence requires root: re-run with sudo, or drop --system for a per-user LaunchAgent")
	}
	return &launchdManager{scope: scope}, nil
}

type launchdManager struct {
	scope Scope
}

func (m *launchdManager) plistPath() (string, error) {
	if m.scope == ScopeSystem {
		return daemonPlistPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), nil
}

func (m *launchdManager) logBase() string {
	if m.scope == ScopeSystem {
		return "/Library/Logs/Outpost/beacon"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "outpost-beacon")
	}
	return filepath.Join(home, "Library", "Logs", "Outpost", "beacon")
}

func (m *launchdManager) domain() string {
	if m.scope == ScopeSystem {
		return "system/" + launchdLabel
	}
	return fmt.Sprintf("gui/%d/%s", os.Getuid(), launchdLabel)
}

func (m *launchdManager) bootstrapTarget() string {
	if m.scope == ScopeSystem {
		return "system"
	}
	return fmt.Sprintf("gui/%d", os.Getuid())
}

// Install rewrites the plist and (re)loads it. A loaded job is booted out
// first so the new plist takes effect, never duplicated.
func (m *launchdManager) Install(opts Options) error {
	path, err := m.plistPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	logBase := m.logBase()
	if err := os.MkdirAll(filepath.Dir(logBase), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(launchdPlist(opts, logBase)), 0o600); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	log.Info("launchd plist written", "path", path, "scope", m.scope.String())

	if m.isLoaded() {
		if out, err := launchctl("bootout", m.domain()); err != nil {
			log.Warn("launchctl bootout failed before reload", "output", out)
		}
	}

	if out, err := launchctl("bootstrap", m.bootstrapTarget(), path); err != nil {
		// Older macOS releases only understand the legacy verbs.
		if out2, err2 := launchctl("load", path); err2 != nil {
			return fmt.Errorf("launchctl bootstrap: %s / load: %s", out, out2)
		}
	}

	// RunAtLoad starts the job on bootstrap; kickstart covers the reload
	// path where the job was already registered.
	if out, err := launchctl("kickstart", m.domain()); err != nil {
		log.Debug("launchctl kickstart", "output", out)
	}
	return nil
}

func (m *launchdManager) Uninstall() (bool, error) {
	path, err := m.plistPath()
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if m.isLoaded() {
		if out, err := launchctl("bootout", m.domain()); err != nil {
			if out2, err2 := launchctl("unload", path); err2 != nil {
				log.Warn("failed to stop launchd job", "bootout", out, "unload", out2)
			}
		}
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove plist: %w", err)
	}
	return true, nil
}

func (m *launchdManager) Status() (Status, error) {
	st := Status{Scope: m.scope}

	path, err := m.plistPath()
	if err != nil {
		return st, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Installed = true
	// RunAtLoad in the plist makes presence equal boot-enabled.
	st.Enabled = true

	if out, err := launchctl("print", m.domain()); err == nil {
		st.Running = launchdJobRunning(out)
	}
	st.Detail = redactSecrets(string(data))
	return st, nil
}

func (m *launchdManager) isLoaded() bool {
	_, err := launchctl("print", m.domain())
	return err == nil
}

func launchctl(args ...string) (string, error) {
	out, err := exec.Command("launchctl", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
