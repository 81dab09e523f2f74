// Package api defines the wire types shared by the Outpost server and beacon.
package api

import (
	"encoding/json"
	"fmt"
)

// HeaderAPIKey carries the machine credential on beacon HTTP requests.
const HeaderAPIKey = "X-API-Key"

// SystemCommandPrefix marks commands the beacon intercepts as lifecycle
// actions instead of shelling out.
const SystemCommandPrefix = "@outpost:"

// System command names (after the prefix).
const (
	SysShutdown         = SystemCommandPrefix + "shutdown"
	SysPersistInstall   = SystemCommandPrefix + "persist-install"
	SysPersistUninstall = SystemCommandPrefix + "persist-uninstall"
	SysPersistStatus    = SystemCommandPrefix + "persist-status"
	SysUpdate           = SystemCommandPrefix + "update"
)

// OSInfo is the host metadata a beacon reports at registration and on
// every check-in.
type OSInfo struct {
	Hostname      string `json:"hostname"`
	OSType        string `json:"os_type"`
	OSVersion     string `json:"os_version"`
	OSBuild       string `json:"os_build,omitempty"`
	Architecture  string `json:"architecture"`
	BeaconVersion string `json:"beacon_version,omitempty"`
	UptimeSeconds uint64 `json:"uptime_seconds,omitempty"`
}

// RegisterRequest registers (or re-registers) a beacon.
type RegisterRequest struct {
	Hostname string `json:"hostname"`
	OSInfo   OSInfo `json:"os_info"`
}

// RegisterResponse carries the server-assigned identity.
type RegisterResponse struct {
	IntegrationID string `json:"integration_id"`
	PollInterval  int    `json:"poll_interval"`
}

// CheckinRequest is sent on every poll so the server always has a fresh
// liveness signal.
type CheckinRequest struct {
	Hostname string `json:"hostname"`
	OSInfo   OSInfo `json:"os_info"`
}

// PendingCommand is one queued unit of work handed to a beacon.
type PendingCommand struct {
	ID             string   `json:"id"`
	Commands       []string `json:"commands"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

// CheckinResponse carries the next poll interval and any pending work.
type CheckinResponse struct {
	PollInterval    int              `json:"poll_interval"`
	PendingCommands []PendingCommand `json:"pending_commands"`
}

// ResultRequest reports the outcome of one command back to the server.
type ResultRequest struct {
	CommandID       string `json:"command_id"`
	ExitCode        int    `json:"exit_code"`
	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	ExecutionTimeMs int64  `json:"execution_time_ms"`
	FinalWorkingDir string `json:"final_working_dir,omitempty"`
	FullResultJSON  string `json:"full_result_json,omitempty"`
	ErrorMessage    string `json:"error_message,omitempty"`
}

// UpdateInfo describes the latest published beacon build for a platform.
type UpdateInfo struct {
	Version  string `json:"version"`
	URL      string `json:"url"`
	Checksum string `json:"checksum,omitempty"`
}

// WebSocket message types.
const (
	MsgAuth          = "auth"
	MsgAuthSuccess   = "auth_success"
	MsgAuthFailure   = "auth_failure"
	MsgOSInfo        = "os_info"
	MsgHeartbeat     = "heartbeat"
	MsgCommand       = "command"
	MsgCommandResult = "command_result"
	MsgAck           = "ack"
)

// Envelope is the framing for every WebSocket message in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// AuthPayload is the first frame a beacon sends after connecting.
type AuthPayload struct {
	APIKey   string `json:"api_key"`
	Hostname string `json:"hostname"`
	OSInfo   OSInfo `json:"os_info"`
}

// AuthSuccessPayload acknowledges a successful handshake.
type AuthSuccessPayload struct {
	IntegrationID string `json:"integration_id"`
	PollInterval  int    `json:"poll_interval"`
}

// AuthFailurePayload explains a rejected handshake.
type AuthFailurePayload struct {
	Reason string `json:"reason"`
}

// AckPayload acknowledges receipt of a pushed command.
type AckPayload struct {
	CommandID string `json:"command_id"`
}

// NewEnvelope marshals payload into a typed envelope.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	if payload == nil {
		return Envelope{Type: msgType}, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// IsSystemCommand reports whether the command line is a reserved beacon
// lifecycle action rather than a shell command.
func IsSystemCommand(line string) bool {
	return len(line) >= len(SystemCommandPrefix) && line[:len(SystemCommandPrefix)] == SystemCommandPrefix
}
