//go:build linux

package persist

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

const systemUnitPath = "/etc/systemd/system/" + serviceName + ".service"

// New returns the systemd-backed manager for this host.
func New(scope Scope) (Manager, error) {
	if scope == ScopeSystem && os.Geteuid() != 0 {
		return nil, fmt.Errorf("system-scope persistence requires root: re-run with sudo, or drop --system for a per-user unit")
	}
	return &systemdManager{scope: scope}, nil
}

type systemdManager struct {
	scope Scope
}

func (m *systemdManager) unitPath() (string, error) {
	if m.scope == ScopeSystem {
		return systemUnitPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "systemd", "user", serviceName+".service"), nil
}

func (m *systemdManager) systemctl(args ...string) (string, error) {
	if m.scope == ScopeUser {
		args = append([]string{"--user"}, args...)
	}
	out, err := exec.Command("systemctl", args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}

// Install writes the unit in place and enables it, so running it twice
// updates the existing entry instead of duplicating anything.
func (m *systemdManager) Install(opts Options) error {
	path, err := m.unitPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(systemdUnit(opts, m.scope)), 0o600); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	log.Info("systemd unit written", "path", path, "scope", m.scope.String())

	if out, err := m.systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %s", out)
	}

	wasActive := m.isActive()
	if out, err := m.systemctl("enable", "--now", serviceName); err != nil {
		return fmt.Errorf("systemctl enable --now: %s", out)
	}
	if wasActive {
		// enable --now is a no-op for a running service; bounce it so the
		// rewritten unit takes effect.
		if out, err := m.systemctl("restart", serviceName); err != nil {
			return fmt.Errorf("systemctl restart: %s", out)
		}
	}
	return nil
}

func (m *systemdManager) Uninstall() (bool, error) {
	path, err := m.unitPath()
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	if out, err := m.systemctl("disable", "--now", serviceName); err != nil {
		log.Warn("systemctl disable --now failed", "output", out)
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("remove unit file: %w", err)
	}
	if out, err := m.systemctl("daemon-reload"); err != nil {
		log.Warn("systemctl daemon-reload failed", "output", out)
	}
	return true, nil
}

func (m *systemdManager) Status() (Status, error) {
	st := Status{Scope: m.scope}

	path, err := m.unitPath()
	if err != nil {
		return st, err
	}
	unit, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return st, err
	}
	st.Installed = true

	if out, err := m.systemctl("is-enabled", serviceName); err == nil && out == "enabled" {
		st.Enabled = true
	}
	st.Running = m.isActive()
	st.Detail = redactSecrets(string(unit))
	return st, nil
}

func (m *systemdManager) isActive() bool {
	out, err := m.systemctl("is-active", serviceName)
	return err == nil && out == "active"
}
