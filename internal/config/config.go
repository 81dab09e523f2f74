package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds the beacon's layered settings. Resolution precedence is
// CLI flag > environment > config file > built-in default; the cmd layer
// binds flags into viper before Load runs. Immutable for the life of one
// process run.
type Config struct {
	IntegrationID string `mapstructure:"integration_id" yaml:"integration_id"`
	ServerURL     string `mapstructure:"server_url" yaml:"server_url"`
	APIKey        string `mapstructure:"api_key" yaml:"api_key"`

	Mode                     string `mapstructure:"mode" yaml:"mode"` // "http" or "websocket"
	PollIntervalSeconds      int    `mapstructure:"poll_interval_seconds" yaml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int    `mapstructure:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"`

	Shell                 string `mapstructure:"shell" yaml:"shell"`
	ExecTimeoutSeconds    int    `mapstructure:"exec_timeout_seconds" yaml:"exec_timeout_seconds"`
	WorkingDir            string `mapstructure:"working_dir" yaml:"working_dir"`
	StopOnError           bool   `mapstructure:"stop_on_error" yaml:"stop_on_error"`
	MaxConcurrentCommands int    `mapstructure:"max_concurrent_commands" yaml:"max_concurrent_commands"`

	LogLevel  string `mapstructure:"log_level" yaml:"log_level"`
	LogFormat string `mapstructure:"log_format" yaml:"log_format"`
	LogFile   string `mapstructure:"log_file" yaml:"log_file"`

	AutoUpdate               bool `mapstructure:"auto_update" yaml:"auto_update"`
	UpdateCheckIntervalHours int  `mapstructure:"update_check_interval_hours" yaml:"update_check_interval_hours"`

	AuditMaxSizeMB  int `mapstructure:"audit_max_size_mb" yaml:"audit_max_size_mb"`
	AuditMaxBackups int `mapstructure:"audit_max_backups" yaml:"audit_max_backups"`
}

const (
	ModeHTTP      = "http"
	ModeWebSocket = "websocket"
)

// Default returns a config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Mode:                     ModeHTTP,
		PollIntervalSeconds:      30,
		HeartbeatIntervalSeconds: 30,
		ExecTimeoutSeconds:       300,
		MaxConcurrentCommands:    4,
		LogLevel:                 "info",
		LogFormat:                "text",
		AutoUpdate:               true,
		UpdateCheckIntervalHours: 6,
		AuditMaxSizeMB:           50,
		AuditMaxBackups:          3,
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("integration_id", "")
	v.SetDefault("server_url", "")
	v.SetDefault("api_key", "")
	v.SetDefault("mode", ModeHTTP)
	v.SetDefault("poll_interval_seconds", 30)
	v.SetDefault("heartbeat_interval_seconds", 30)
	v.SetDefault("shell", "")
	v.SetDefault("exec_timeout_seconds", 300)
	v.SetDefault("working_dir", "")
	v.SetDefault("stop_on_error", false)
	v.SetDefault("max_concurrent_commands", 4)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("log_file", "")
	v.SetDefault("auto_update", true)
	v.SetDefault("update_check_interval_hours", 6)
	v.SetDefault("audit_max_size_mb", 50)
	v.SetDefault("audit_max_backups", 3)
}

// Load reads the config file (explicit path, else beacon.yaml in the
// per-OS config dir or the working directory), applies OUTPOST_* env
// overrides and any flags the cmd layer bound into the global viper.
func Load(cfgFile string) (*Config, error) {
	setDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("beacon")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(Dir())
		viper.AddConfigPath(".")
	}

	viper.SetEnvPrefix("OUTPOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Save persists the config to the default location.
func Save(cfg *Config) error {
	return SaveTo(cfg, "")
}

// SaveTo persists the config to cfgFile (default location when empty).
// The file is restricted to owner-only access since it holds the API key.
func SaveTo(cfg *Config, cfgFile string) error {
	viper.Set("integration_id", cfg.IntegrationID)
	viper.Set("server_url", cfg.ServerURL)
	viper.Set("api_key", cfg.APIKey)
	viper.Set("mode", cfg.Mode)
	viper.Set("poll_interval_seconds", cfg.PollIntervalSeconds)
	viper.Set("heartbeat_interval_seconds", cfg.HeartbeatIntervalSeconds)
	viper.Set("shell", cfg.Shell)
	viper.Set("exec_timeout_seconds", cfg.ExecTimeoutSeconds)
	viper.Set("working_dir", cfg.WorkingDir)
	viper.Set("stop_on_error", cfg.StopOnError)
	viper.Set("max_concurrent_commands", cfg.MaxConcurrentCommands)
	viper.Set("log_level", cfg.LogLevel)
	viper.Set("log_format", cfg.LogFormat)
	viper.Set("log_file", cfg.LogFile)
	viper.Set("auto_update", cfg.AutoUpdate)
	viper.Set("update_check_interval_hours", cfg.UpdateCheckIntervalHours)
	viper.Set("audit_max_size_mb", cfg.AuditMaxSizeMB)
	viper.Set("audit_max_backups", cfg.AuditMaxBackups)

	var cfgPath string
	if cfgFile != "" {
		cfgPath = cfgFile
		dir := filepath.Dir(cfgPath)
		if dir != "." {
			if err := os.MkdirAll(dir, 0700); err != nil {
				return err
			}
		}
	} else {
		cfgPath = filepath.Join(Dir(), "beacon.yaml")
		if err := os.MkdirAll(Dir(), 0700); err != nil {
			return err
		}
	}

	if err := viper.WriteConfigAs(cfgPath); err != nil {
		return err
	}

	return os.Chmod(cfgPath, 0600)
}

// DumpYAML renders the effective config as YAML with the credential
// redacted, for --dump-config.
func (c *Config) DumpYAML() (string, error) {
	out := *c
	out.APIKey = Redact(out.APIKey)
	b, err := yaml.Marshal(&out)
	if err != nil {
		return "", fmt.Errorf("marshal config: %w", err)
	}
	return string(b), nil
}

// Redact shortens a credential to a prefix/suffix form safe for display.
func Redact(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "..." + secret[len(secret)-2:]
}

// Dir returns the per-OS config directory.
func Dir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Outpost")
	case "darwin":
		return "/Library/Application Support/Outpost"
	default:
		return "/etc/outpost"
	}
}

// DataDir returns the per-OS state directory (audit logs, update backups).
func DataDir() string {
	switch runtime.GOOS {
	case "windows":
		return filepath.Join(os.Getenv("ProgramData"), "Outpost", "data")
	case "darwin":
		return "/Library/Application Support/Outpost/data"
	default:
		return "/var/lib/outpost"
	}
}
