package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/outpost-ops/outpost/internal/logging"
)

// Config is the server configuration, loaded from application.yaml, a
// .env file and OUTPOST_SERVER_* environment variables, in ascending
// precedence.
type Config struct {
	Listen    string         `mapstructure:"listen"`
	Log       LogConfig      `mapstructure:"log"`
	Database  DatabaseConfig `mapstructure:"database"`
	Beacons   BeaconConfig   `mapstructure:"beacons"`
	Commands  CommandConfig  `mapstructure:"commands"`
	Security  SecurityConfig `mapstructure:"security"`
	Artifacts ArtifactConfig `mapstructure:"artifacts"`
	Auth      AuthConfig     `mapstructure:"auth"`
	CORS      CORSConfig     `mapstructure:"cors"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type DatabaseConfig struct {
	URL    string `mapstructure:"url"`
	Schema string `mapstructure:"schema"`
}

type BeaconConfig struct {
	// PollInterval is handed to beacons at registration and check-in,
	// in seconds.
	PollInterval int `mapstructure:"poll_interval"`
	// OnlineWindow is how fresh last_seen must be for a polling beacon
	// to count as online.
	OnlineWindow time.Duration `mapstructure:"online_window"`
}

type CommandConfig struct {
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	WaitGrace      time.Duration `mapstructure:"wait_grace"`
	WaitPoll       time.Duration `mapstructure:"wait_poll"`
	ApprovalTTL    time.Duration `mapstructure:"approval_ttl"`
	ApprovalSweep  time.Duration `mapstructure:"approval_sweep"`
}

type SecurityConfig struct {
	RatePerMinute int `mapstructure:"rate_per_minute"`
	Burst         int `mapstructure:"burst"`
	// AuditLog is the path of the gate's audit file. Empty disables
	// audit logging.
	AuditLog        string `mapstructure:"audit_log"`
	AuditMaxSizeMB  int    `mapstructure:"audit_max_size_mb"`
	AuditMaxBackups int    `mapstructure:"audit_max_backups"`
}

type ArtifactConfig struct {
	// Backend selects where beacon binaries live: "s3" or "local".
	Backend    string        `mapstructure:"backend"`
	PresignTTL time.Duration `mapstructure:"presign_ttl"`
	S3         S3Config      `mapstructure:"s3"`
	Local      LocalConfig   `mapstructure:"local"`
}

type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	Prefix          string `mapstructure:"prefix"`
	PathStyle       bool   `mapstructure:"path_style"`
}

type LocalConfig struct {
	Dir string `mapstructure:"dir"`
	// BaseURL is the server address beacons can reach, used to build
	// download links.
	BaseURL string `mapstructure:"base_url"`
	// Secret signs download links. Must stay stable across restarts or
	// handed-out links die with the process.
	Secret string `mapstructure:"secret"`
}

type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	AdminKey  string        `mapstructure:"admin_key"`
	// BootstrapEmail/BootstrapPassword create the first operator account
	// when the database has none, so a fresh install can log in.
	BootstrapEmail    string `mapstructure:"bootstrap_email"`
	BootstrapPassword string `mapstructure:"bootstrap_password"`
}

type CORSConfig struct {
	// Origins is a comma separated allow list. Empty means every origin.
	Origins string `mapstructure:"origins"`
}

var config Config

// InitConfig loads the configuration and initializes logging. The
// config file is optional; environment variables alone are enough for
// container deployments.
func InitConfig() error {
	_ = godotenv.Load()

	viper.SetConfigName("application")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./cmd/outpost-server")
	viper.SetConfigType("yaml")
	viper.SetEnvPrefix("OUTPOST_SERVER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("read config file: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}

	logging.Init(config.Log.Format, config.Log.Level, nil)

	slog.Debug("config loaded",
		"file", viper.ConfigFileUsed(),
		"listen", config.Listen,
		"schema", config.Database.Schema,
		"artifact_backend", config.Artifacts.Backend,
		"poll_interval", config.Beacons.PollInterval)

	return validate()
}

// setDefaults registers every key. Keys without a default are invisible
// to Unmarshal when set only through the environment, so even required
// fields get an empty default here.
func setDefaults() {
	viper.SetDefault("listen", ":8080")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")

	viper.SetDefault("database.url", "")
	viper.SetDefault("database.schema", "outpost")

	viper.SetDefault("beacons.poll_interval", 30)
	viper.SetDefault("beacons.online_window", "2m")

	viper.SetDefault("commands.default_timeout", "5m")
	viper.SetDefault("commands.wait_grace", "1m")
	viper.SetDefault("commands.wait_poll", "500ms")
	viper.SetDefault("commands.approval_ttl", "15m")
	viper.SetDefault("commands.approval_sweep", "1m")

	viper.SetDefault("security.rate_per_minute", 30)
	viper.SetDefault("security.burst", 5)
	viper.SetDefault("security.audit_log", "")
	viper.SetDefault("security.audit_max_size_mb", 50)
	viper.SetDefault("security.audit_max_backups", 3)

	viper.SetDefault("artifacts.backend", "local")
	viper.SetDefault("artifacts.presign_ttl", "15m")
	viper.SetDefault("artifacts.s3.bucket", "")
	viper.SetDefault("artifacts.s3.region", "")
	viper.SetDefault("artifacts.s3.endpoint", "")
	viper.SetDefault("artifacts.s3.access_key_id", "")
	viper.SetDefault("artifacts.s3.secret_access_key", "")
	viper.SetDefault("artifacts.s3.prefix", "")
	viper.SetDefault("artifacts.s3.path_style", false)
	viper.SetDefault("artifacts.local.dir", "./data/artifacts")
	viper.SetDefault("artifacts.local.base_url", "")
	viper.SetDefault("artifacts.local.secret", "")

	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.admin_key", "")
	viper.SetDefault("auth.bootstrap_email", "")
	viper.SetDefault("auth.bootstrap_password", "")

	viper.SetDefault("cors.origins", "")
}

func validate() error {
	if config.Database.URL == "" {
		return fmt.Errorf("database.url is not set (OUTPOST_SERVER_DATABASE_URL)")
	}
	if config.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set (OUTPOST_SERVER_AUTH_JWT_SECRET)")
	}

	switch config.Artifacts.Backend {
	case "s3":
		if config.Artifacts.S3.Bucket == "" {
			return fmt.Errorf("artifacts.s3.bucket is not set (OUTPOST_SERVER_ARTIFACTS_S3_BUCKET)")
		}
	case "local":
		if config.Artifacts.Local.BaseURL == "" {
			return fmt.Errorf("artifacts.local.base_url is not set (OUTPOST_SERVER_ARTIFACTS_LOCAL_BASE_URL)")
		}
		if config.Artifacts.Local.Secret == "" {
			return fmt.Errorf("artifacts.local.secret is not set (OUTPOST_SERVER_ARTIFACTS_LOCAL_SECRET)")
		}
	default:
		return fmt.Errorf("unknown artifact backend %q (want s3 or local)", config.Artifacts.Backend)
	}

	if config.Auth.BootstrapEmail != "" && config.Auth.BootstrapPassword == "" {
		return fmt.Errorf("auth.bootstrap_password is required when auth.bootstrap_email is set")
	}
	return nil
}

// corsOrigins parses the configured allow list. Empty falls back to
// every origin, which suits single node installs without a fixed UI
// host.
func corsOrigins() []string {
	origins := parseCommaSeparated(config.CORS.Origins)
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}

func parseCommaSeparated(input string) []string {
	if input == "" {
		return nil
	}
	parts := strings.Split(input, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
