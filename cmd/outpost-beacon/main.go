package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/outpost-ops/outpost/internal/audit"
	"github.com/outpost-ops/outpost/internal/beacon"
	"github.com/outpost-ops/outpost/internal/config"
	"github.com/outpost-ops/outpost/internal/executor"
	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/internal/persist"
	"github.com/outpost-ops/outpost/internal/updater"
	"github.com/outpost-ops/outpost/internal/wsclient"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "0.1.0"

var log = logging.L("main")

var (
	cfgFile       string
	noAutoUpdate  bool
	persistSystem bool
)

var rootCmd = &cobra.Command{
	Use:           "outpost-beacon",
	Short:         "Outpost Beacon",
	Long:          `Outpost Beacon - remote command execution agent for Linux, macOS, and Windows`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the beacon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBeacon()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Outpost Beacon v%s (%s/%s)\n", version, runtime.GOOS, runtime.GOARCH)
	},
}

var dumpConfigCmd = &cobra.Command{
	Use:   "dump-config",
	Short: "Print the effective configuration as YAML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cliLogging()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		out, err := cfg.DumpYAML()
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

var persistenceCmd = &cobra.Command{
	Use:   "persistence",
	Short: "Manage the beacon's start-at-boot persistence",
}

var persistInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install persistence so the beacon starts at boot or login",
	RunE: func(cmd *cobra.Command, args []string) error {
		cliLogging()
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := cfg.RequireConnection(); err != nil {
			return err
		}
		mgr, err := persist.New(cliScope())
		if err != nil {
			return err
		}
		opts, err := persistOptions(cfg)
		if err != nil {
			return err
		}
		// The installed unit points at this config path; write the full
		// settings there so the service sees more than the URL and key
		// carried in its environment.
		if err := config.SaveTo(cfg, opts.ConfigPath); err != nil {
			return fmt.Errorf("write config %s: %w", opts.ConfigPath, err)
		}
		if err := mgr.Install(opts); err != nil {
			return err
		}
		st, err := mgr.Status()
		if err != nil {
			fmt.Println("persistence installed")
			return nil
		}
		fmt.Print(st.Summary())
		return nil
	},
}

var persistUninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Remove the persistence mechanism",
	RunE: func(cmd *cobra.Command, args []string) error {
		cliLogging()
		mgr, err := persist.New(cliScope())
		if err != nil {
			return err
		}
		removed, err := mgr.Uninstall()
		if err != nil {
			return err
		}
		if removed {
			fmt.Println("persistence removed")
		} else {
			fmt.Println("persistence was not installed")
		}
		return nil
	},
}

var persistStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the persistence state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cliLogging()
		mgr, err := persist.New(cliScope())
		if err != nil {
			return err
		}
		st, err := mgr.Status()
		if err != nil {
			return err
		}
		fmt.Print(st.Summary())
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default beacon.yaml in the per-OS config dir)")
	pf.String("server", "", "Outpost server base URL")
	pf.String("api-key", "", "beacon API key")
	pf.String("mode", "", "connection mode: http or websocket")
	pf.Int("poll-interval", 0, "check-in interval in seconds (http mode)")
	pf.Int("heartbeat-interval", 0, "heartbeat interval in seconds (websocket mode)")
	pf.String("shell", "", "shell used to execute commands")
	pf.Int("exec-timeout", 0, "per-command timeout in seconds")
	pf.String("workdir", "", "initial working directory for commands")
	pf.Bool("stop-on-error", false, "stop a command batch at the first failure")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.String("log-file", "", "write logs to this file instead of stderr")
	pf.BoolVar(&noAutoUpdate, "no-auto-update", false, "disable periodic self-update checks")

	// Changed flags override env, config file and defaults through viper.
	for key, name := range map[string]string{
		"server_url":                 "server",
		"api_key":                    "api-key",
		"mode":                       "mode",
		"poll_interval_seconds":      "poll-interval",
		"heartbeat_interval_seconds": "heartbeat-interval",
		"shell":                      "shell",
		"exec_timeout_seconds":       "exec-timeout",
		"working_dir":                "workdir",
		"stop_on_error":              "stop-on-error",
		"log_level":                  "log-level",
		"log_format":                 "log-format",
		"log_file":                   "log-file",
	} {
		_ = viper.BindPFlag(key, pf.Lookup(name))
	}

	persistenceCmd.PersistentFlags().BoolVar(&persistSystem, "system", false,
		"manage machine-level persistence (requires root or Administrator)")
	persistenceCmd.AddCommand(persistInstallCmd)
	persistenceCmd.AddCommand(persistUninstallCmd)
	persistenceCmd.AddCommand(persistStatusCmd)

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(dumpConfigCmd)
	rootCmd.AddCommand(persistenceCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cliLogging routes logs to stderr so subcommand output stays clean.
func cliLogging() {
	logging.Init("text", "warn", os.Stderr)
}

// loadConfig resolves the layered configuration (flags > env > file >
// defaults) and applies the validation clamps.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if noAutoUpdate {
		cfg.AutoUpdate = false
	}
	cfg.Validate()
	return cfg, nil
}

func runBeacon() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.RequireConnection(); err != nil {
		return err
	}

	closeLogs, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLogs()

	log.Info("outpost beacon starting",
		"version", version,
		"mode", cfg.Mode,
		"server", cfg.ServerURL,
		"api_key", config.Redact(cfg.APIKey))

	auditLog := openAudit(cfg)
	defer auditLog.Close()
	auditLog.Log(audit.EventBeaconStart, "", map[string]any{"version": version, "mode": cfg.Mode})

	upd, err := updater.New(cfg, version)
	if err != nil {
		log.Warn("self-update unavailable", "error", err)
		upd = nil
	} else {
		upd.SetAuditLog(auditLog)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.AutoUpdate && upd != nil {
		go upd.Run(ctx, time.Duration(cfg.UpdateCheckIntervalHours)*time.Hour)
	}

	comps := startBeacon(ctx, cfg, upd, auditLog)

	var runErr error
	if isWindowsService() {
		runErr = runAsService(comps)
	} else {
		go stopOnSignal(cancel, comps.stop)
		runErr = <-comps.done
	}

	if comps.updateApplied.Load() {
		// Skip the clean-stop reporting so the service manager restarts
		// the new binary; a beacon started by hand needs a manual restart.
		log.Info("update installed, exiting so the service manager restarts the new binary")
		auditLog.Close()
		closeLogs()
		os.Exit(0)
	}

	auditLog.Log(audit.EventBeaconStop, "", nil)
	log.Info("outpost beacon stopped")
	return runErr
}

// beaconComponents is the running transport loop plus its graceful stop
// trigger, shared by the console and Windows-service entry paths.
type beaconComponents struct {
	stop          func() // idempotent, asks the loop to drain and exit
	done          chan error
	updateApplied atomic.Bool
}

// startBeacon wires the executor, runner and transport for the configured
// mode and starts the main loop in the background.
func startBeacon(ctx context.Context, cfg *config.Config, upd *updater.Updater, auditLog *audit.Logger) *beaconComponents {
	opts := executor.Options{
		Shell:          cfg.Shell,
		TimeoutSeconds: cfg.ExecTimeoutSeconds,
		StopOnError:    cfg.StopOnError,
		WorkDir:        cfg.WorkingDir,
	}

	comps := &beaconComponents{done: make(chan error, 1)}
	handler := systemHandler(cfg, upd, auditLog, &comps.updateApplied)
	var once sync.Once

	if cfg.Mode == config.ModeWebSocket {
		// Commands dispatch concurrently, so the working directory never
		// carries from one command to the next.
		runner := beacon.NewRunner(opts, false, handler, auditLog)
		client := wsclient.New(cfg, version, runner)
		comps.stop = func() {
			once.Do(func() {
				sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
				defer cancel()
				client.Shutdown(sctx)
			})
		}
		go func() { comps.done <- client.Run(ctx) }()
		return comps
	}

	runner := beacon.NewRunner(opts, true, handler, auditLog)
	b := beacon.New(cfg, version, runner)
	comps.stop = func() { once.Do(b.Stop) }
	go func() { comps.done <- b.Run(ctx) }()
	return comps
}

// systemHandler maps the reserved lifecycle actions onto the local
// subsystems. The returned stop flag is only raised after a successful
// update, so the result reaches the server before the process exits and
// the service manager brings up the new binary.
func systemHandler(cfg *config.Config, upd *updater.Updater, auditLog *audit.Logger, updateApplied *atomic.Bool) beacon.SystemHandler {
	return func(ctx context.Context, action string) (string, bool, error) {
		switch action {
		case "persist-install":
			mgr, err := remotePersist()
			if err != nil {
				return "", false, err
			}
			opts, err := persistOptions(cfg)
			if err != nil {
				return "", false, err
			}
			if err := config.SaveTo(cfg, opts.ConfigPath); err != nil {
				// The unit carries the URL and key in its environment, so
				// a missing config file is not fatal.
				log.Warn("config not written for persistence unit", "path", opts.ConfigPath, "error", err)
			}
			if err := mgr.Install(opts); err != nil {
				return "", false, err
			}
			auditLog.Log(audit.EventPersistChange, "", map[string]any{"action": "install"})
			st, err := mgr.Status()
			if err != nil {
				return "persistence installed\n", false, nil
			}
			return st.Summary(), false, nil

		case "persist-uninstall":
			mgr, err := remotePersist()
			if err != nil {
				return "", false, err
			}
			removed, err := mgr.Uninstall()
			if err != nil {
				return "", false, err
			}
			if !removed {
				return "persistence was not installed\n", false, nil
			}
			auditLog.Log(audit.EventPersistChange, "", map[string]any{"action": "uninstall"})
			return "persistence removed\n", false, nil

		case "persist-status":
			mgr, err := remotePersist()
			if err != nil {
				return "", false, err
			}
			st, err := mgr.Status()
			if err != nil {
				return "", false, err
			}
			return st.Summary(), false, nil

		case "update":
			if upd == nil {
				return "", false, fmt.Errorf("self-update is unavailable on this install")
			}
			applied, latest, err := upd.CheckAndApply(ctx)
			if err != nil {
				return "", false, err
			}
			if !applied {
				return fmt.Sprintf("already up to date (v%s)\n", version), false, nil
			}
			updateApplied.Store(true)
			return fmt.Sprintf("updated to v%s, beacon restarting\n", latest), true, nil

		default:
			return "", false, fmt.Errorf("unsupported system command %q", action)
		}
	}
}

// cliScope maps the --system flag to a persistence scope.
func cliScope() persist.Scope {
	if persistSystem {
		return persist.ScopeSystem
	}
	return persist.ScopeUser
}

// remotePersist picks the widest scope this process can actually manage:
// an elevated beacon maintains the machine-level mechanism, an
// unprivileged one falls back to the per-user mechanism.
func remotePersist() (persist.Manager, error) {
	mgr, err := persist.New(persist.ScopeSystem)
	if err == nil {
		return mgr, nil
	}
	return persist.New(persist.ScopeUser)
}

// persistOptions resolves what the persistence unit embeds: the running
// binary, the config path, and the connection settings.
func persistOptions(cfg *config.Config) (persist.Options, error) {
	bin, err := os.Executable()
	if err != nil {
		return persist.Options{}, fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(bin); err == nil {
		bin = resolved
	}

	cfgPath := cfgFile
	if cfgPath == "" {
		cfgPath = filepath.Join(config.Dir(), "beacon.yaml")
	} else if abs, err := filepath.Abs(cfgPath); err == nil {
		cfgPath = abs
	}

	return persist.Options{
		BinaryPath: bin,
		ConfigPath: cfgPath,
		ServerURL:  cfg.ServerURL,
		APIKey:     cfg.APIKey,
	}, nil
}

// initLogging configures slog for the whole process. With log_file set,
// output goes through the rotating writer and SIGHUP reopens the file so
// logrotate can move it aside.
func initLogging(cfg *config.Config) (func(), error) {
	if cfg.LogFile == "" {
		logging.Init(cfg.LogFormat, cfg.LogLevel, nil)
		return func() {}, nil
	}

	rw, err := logging.NewRotatingWriter(cfg.LogFile, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	logging.Init(cfg.LogFormat, cfg.LogLevel, rw)
	go reopenOnHUP(rw)
	return func() { rw.Close() }, nil
}

// openAudit opens the tamper-evident audit log under the data dir. The
// beacon keeps running without one; the audit logger is nil-safe.
func openAudit(cfg *config.Config) *audit.Logger {
	path := filepath.Join(config.DataDir(), "audit.jsonl")
	l, err := audit.NewLogger(path, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups)
	if err != nil {
		log.Warn("audit log unavailable", "path", path, "error", err)
		return nil
	}
	return l
}

// reopenOnHUP closes and reopens the log file on SIGHUP.
func reopenOnHUP(w *logging.RotatingWriter) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	for range ch {
		if err := w.Reopen(); err != nil {
			log.Error("log file reopen failed", "error", err)
			continue
		}
		log.Info("log file reopened")
	}
}

// stopOnSignal requests a graceful stop on the first SIGINT/SIGTERM and
// cancels everything outright on the second.
func stopOnSignal(cancel context.CancelFunc, stop func()) {
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)

	<-ch
	log.Info("shutdown signal received")
	go stop()

	<-ch
	log.Warn("second signal received, shutting down immediately")
	cancel()
}
