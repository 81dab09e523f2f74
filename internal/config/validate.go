package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"unicode"
)

var uuidRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous zero-values that would cause panics are clamped to safe defaults.
// Other validation errors are logged as warnings but do not prevent startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.IntegrationID != "" && !uuidRegex.MatchString(c.IntegrationID) {
		errs = append(errs, fmt.Errorf("integration_id %q is not a valid UUID", c.IntegrationID))
	}

	if c.ServerURL != "" {
		u, err := url.Parse(c.ServerURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("server_url %q is not a valid URL: %w", c.ServerURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			errs = append(errs, fmt.Errorf("server_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	if c.APIKey != "" {
		for _, r := range c.APIKey {
			if unicode.IsControl(r) {
				errs = append(errs, fmt.Errorf("api_key contains control characters"))
				break
			}
		}
	}

	if c.Mode != ModeHTTP && c.Mode != ModeWebSocket {
		errs = append(errs, fmt.Errorf("mode %q is not valid (use http or websocket), falling back to http", c.Mode))
		c.Mode = ModeHTTP
	}

	// Clamp intervals to a safe range to prevent panics (e.g. rand.Int64N(0))
	if c.PollIntervalSeconds < 5 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds %d is below minimum 5, clamping", c.PollIntervalSeconds))
		c.PollIntervalSeconds = 5
	} else if c.PollIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("poll_interval_seconds %d exceeds maximum 3600, clamping", c.PollIntervalSeconds))
		c.PollIntervalSeconds = 3600
	}

	if c.HeartbeatIntervalSeconds < 5 {
		errs = append(errs, fmt.Errorf("heartbeat_interval_seconds %d is below minimum 5, clamping", c.HeartbeatIntervalSeconds))
		c.HeartbeatIntervalSeconds = 5
	} else if c.HeartbeatIntervalSeconds > 3600 {
		errs = append(errs, fmt.Errorf("heartbeat_interval_seconds %d exceeds maximum 3600, clamping", c.HeartbeatIntervalSeconds))
		c.HeartbeatIntervalSeconds = 3600
	}

	if c.ExecTimeoutSeconds < 1 {
		errs = append(errs, fmt.Errorf("exec_timeout_seconds %d is below minimum 1, clamping", c.ExecTimeoutSeconds))
		c.ExecTimeoutSeconds = 1
	} else if c.ExecTimeoutSeconds > 86400 {
		errs = append(errs, fmt.Errorf("exec_timeout_seconds %d exceeds maximum 86400, clamping", c.ExecTimeoutSeconds))
		c.ExecTimeoutSeconds = 86400
	}

	if c.MaxConcurrentCommands < 1 {
		errs = append(errs, fmt.Errorf("max_concurrent_commands %d is below minimum 1, clamping", c.MaxConcurrentCommands))
		c.MaxConcurrentCommands = 1
	} else if c.MaxConcurrentCommands > 100 {
		errs = append(errs, fmt.Errorf("max_concurrent_commands %d exceeds maximum 100, clamping", c.MaxConcurrentCommands))
		c.MaxConcurrentCommands = 100
	}

	if c.UpdateCheckIntervalHours < 1 {
		errs = append(errs, fmt.Errorf("update_check_interval_hours %d is below minimum 1, clamping", c.UpdateCheckIntervalHours))
		c.UpdateCheckIntervalHours = 1
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}

// RequireConnection returns an error when the settings needed to reach
// the server are missing. run/persistence-install refuse to start without
// them; offline subcommands (version, dump-config) do not call this.
func (c *Config) RequireConnection() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required (set --server, OUTPOST_SERVER_URL, or the config file)")
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required (set --api-key, OUTPOST_API_KEY, or the config file)")
	}
	return nil
}
