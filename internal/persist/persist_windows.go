//go:build windows

package persist

import (
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/windows/svc"
	"golang.org/x/sys/windows/svc/mgr"
)

const (
	windowsServiceName = "OutpostBeacon"
	windowsTaskName    = "OutpostBeacon"
)

// New returns the SCM-backed manager for system scope or a scheduled-task
// manager for user scope. The API key is not embedded on Windows: service
// and task command lines are visible to other users, so the credential
// stays in the config file the embedded --config path points at.
func New(scope Scope) (Manager, error) {
	if scope == ScopeSystem {
		m, err := mgr.Connect()
		if err != nil {
			return nil, fmt.Errorf("system-scope persistence requires Administrator rights: %w", err)
		}
		m.Disconnect()
		return &scmManager{}, nil
	}
	return &taskManager{}, nil
}

// scmManager registers the beacon as a Windows service.
type scmManager struct{}

func serviceArgs(opts Options) []string {
	return []string{"run", "--config", opts.ConfigPath, "--server", opts.ServerURL}
}

func serviceCommand(opts Options) string {
	return fmt.Sprintf(`"%s" run --config "%s" --server "%s"`,
		opts.BinaryPath, opts.ConfigPath, opts.ServerURL)
}

func (m *scmManager) Install(opts Options) error {
	sm, err := mgr.Connect()
	if err != nil {
		return fmt.Errorf("connect to service manager: %w", err)
	}
	defer sm.Disconnect()

	cfg := mgr.Config{
		DisplayName:  "Outpost Beacon",
		Description:  "Outpost remote command execution beacon",
		StartType:    mgr.StartAutomatic,
		ErrorControl: mgr.ErrorNormal,
	}

	s, err := sm.OpenService(windowsServiceName)
	if err == nil {
		// Rewrite the existing entry in place.
		defer s.Close()
		cfg.BinaryPathName = serviceCommand(opts)
		if err := s.UpdateConfig(cfg); err != nil {
			return fmt.Errorf("update service config: %w", err)
		}
	} else {
		s, err = sm.CreateService(windowsServiceName, opts.BinaryPath, cfg, serviceArgs(opts)...)
		if err != nil {
			return fmt.Errorf("create service: %w", err)
		}
		defer s.Close()
	}
	log.Info("windows service registered", "name", windowsServiceName)

	// The self-updater exits without reporting a clean SCM stop, which the
	// SCM counts as a failure; these actions bring the new binary up.
	if err := s.SetRecoveryActions([]mgr.RecoveryAction{
		{Type: mgr.ServiceRestart, Delay: 5 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 10 * time.Second},
		{Type: mgr.ServiceRestart, Delay: 30 * time.Second},
	}, 86400); err != nil {
		log.Warn("failed to set recovery actions", "error", err)
	}

	status, err := s.Query()
	if err != nil {
		return fmt.Errorf("query service: %w", err)
	}
	if status.State != svc.Running {
		if err := s.Start(); err != nil {
			return fmt.Errorf("start service: %w", err)
		}
	}
	return nil
}

func (m *scmManager) Uninstall() (bool, error) {
	sm, err := mgr.Connect()
	if err != nil {
		return false, fmt.Errorf("connect to service manager: %w", err)
	}
	defer sm.Disconnect()

	s, err := sm.OpenService(windowsServiceName)
	if err != nil {
		return false, nil
	}
	defer s.Close()

	if status, err := s.Query(); err == nil && status.State != svc.Stopped {
		_, _ = s.Control(svc.Stop)
		deadline := time.Now().Add(15 * time.Second)
		for time.Now().Before(deadline) {
			st, qErr := s.Query()
			if qErr != nil || st.State == svc.Stopped {
				break
			}
			time.Sleep(500 * time.Millisecond)
		}
	}

	if err := s.Delete(); err != nil {
		return false, fmt.Errorf("delete service: %w", err)
	}
	return true, nil
}

func (m *scmManager) Status() (Status, error) {
	st := Status{Scope: ScopeSystem}

	sm, err := mgr.Connect()
	if err != nil {
		return st, fmt.Errorf("connect to service manager: %w", err)
	}
	defer sm.Disconnect()

	s, err := sm.OpenService(windowsServiceName)
	if err != nil {
		return st, nil
	}
	defer s.Close()
	st.Installed = true

	if cfg, err := s.Config(); err == nil {
		st.Enabled = cfg.StartType == mgr.StartAutomatic
		st.Detail = redactSecrets("binary: " + cfg.BinaryPathName + "\n")
	}
	if q, err := s.Query(); err == nil {
		st.Running = q.State == svc.Running
	}
	return st, nil
}

// taskManager registers a logon-triggered scheduled task, the user-scope
// mechanism that needs no elevation.
type taskManager struct{}

func (m *taskManager) Install(opts Options) error {
	cmdline := fmt.Sprintf(`"%s" run --config "%s" --server "%s"`,
		opts.BinaryPath, opts.ConfigPath, opts.ServerURL)

	// /f overwrites an existing task with the same name.
	out, err := exec.Command("schtasks", "/create", "/f",
		"/tn", windowsTaskName,
		"/sc", "onlogon",
		"/rl", "limited",
		"/tr", cmdline,
	).CombinedOutput()
	if err != nil {
		return fmt.Errorf("schtasks create: %s", strings.TrimSpace(string(out)))
	}
	log.Info("scheduled task registered", "name", windowsTaskName)

	// The logon trigger alone would wait for the next sign-in.
	if out, err := exec.Command("schtasks", "/run", "/tn", windowsTaskName).CombinedOutput(); err != nil {
		log.Warn("task created but immediate start failed", "output", strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *taskManager) Uninstall() (bool, error) {
	if exec.Command("schtasks", "/query", "/tn", windowsTaskName).Run() != nil {
		return false, nil
	}

	_ = exec.Command("schtasks", "/end", "/tn", windowsTaskName).Run()
	out, err := exec.Command("schtasks", "/delete", "/f", "/tn", windowsTaskName).CombinedOutput()
	if err != nil {
		return false, fmt.Errorf("schtasks delete: %s", strings.TrimSpace(string(out)))
	}
	return true, nil
}

func (m *taskManager) Status() (Status, error) {
	st := Status{Scope: ScopeUser}

	out, err := exec.Command("schtasks", "/query", "/tn", windowsTaskName, "/v", "/fo", "list").CombinedOutput()
	if err != nil {
		return st, nil
	}
	st.Installed = true
	st.Enabled = true
	st.Running = strings.Contains(string(out), "Running")
	st.Detail = redactSecrets(string(out))
	return st, nil
}
