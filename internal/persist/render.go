package persist

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/outpost-ops/outpost/internal/config"
)

const (
	serviceName  = "outpost-beacon"
	launchdLabel = "com.outpost.beacon"
)

// Restart=always so a clean exit after a self-update comes back up as the
// new binary.
const systemdSystemUnit = `[Unit]
Description=Outpost Beacon
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart=%[1]s run --config %[2]s
Environment="OUTPOST_SERVER_URL=%[3]s"
Environment="OUTPOST_API_KEY=%[4]s"
Restart=always
RestartSec=5
StandardOutput=journal
StandardError=journal
SyslogIdentifier=outpost-beacon

[Install]
WantedBy=multi-user.target
`

const systemdUserUnit = `[Unit]
Description=Outpost Beacon

[Service]
Type=simple
ExecStart=%[1]s run --config %[2]s
Environment="OUTPOST_SERVER_URL=%[3]s"
Environment="OUTPOST_API_KEY=%[4]s"
Restart=always
RestartSec=5
SyslogIdentifier=outpost-beacon

[Install]
WantedBy=default.target
`

func systemdUnit(opts Options, scope Scope) string {
	tmpl := systemdSystemUnit
	if scope == ScopeUser {
		tmpl = systemdUserUnit
	}
	return fmt.Sprintf(tmpl, opts.BinaryPath, opts.ConfigPath, opts.ServerURL, opts.APIKey)
}

const launchdPlistTemplate = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.outpost.beacon</string>

    <key>ProgramArguments</key>
    <array>
        <string>%[1]s</string>
        <string>run</string>
        <string>--config</string>
        <string>%[2]s</string>
    </array>

    <key>EnvironmentVariables</key>
    <dict>
        <key>OUTPOST_SERVER_URL</key>
        <string>%[3]s</string>
        <key>OUTPOST_API_KEY</key>
        <string>%[4]s</string>
    </dict>

    <key>RunAtLoad</key>
    <true/>

    <key>KeepAlive</key>
    <true/>

    <key>ThrottleInterval</key>
    <integer>5</integer>

    <key>StandardOutPath</key>
    <string>%[5]s</string>

    <key>StandardErrorPath</key>
    <string>%[6]s</string>
</dict>
</plist>
`

func launchdPlist(opts Options, logBase string) string {
	return fmt.Sprintf(launchdPlistTemplate,
		xmlEscape(opts.BinaryPath),
		xmlEscape(opts.ConfigPath),
		xmlEscape(opts.ServerURL),
		xmlEscape(opts.APIKey),
		xmlEscape(logBase+".log"),
		xmlEscape(logBase+".err"),
	)
}

var xmlEscaper = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
	`"`, "&quot;",
	"'", "&apos;",
)

func xmlEscape(s string) string { return xmlEscaper.Replace(s) }

var (
	envKeyRe   = regexp.MustCompile(`(OUTPOST_API_KEY=)([^"\n]+)`)
	plistKeyRe = regexp.MustCompile(`(?s)(<key>OUTPOST_API_KEY</key>\s*<string>)([^<]*)(</string>)`)
	argKeyRe   = regexp.MustCompile(`(--api-key[= ]"?)([^"\s]+)`)
)

// redactSecrets masks the embedded credential in mechanism files and
// command lines so Status output is safe to print and report upstream.
func redactSecrets(text string) string {
	text = envKeyRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := envKeyRe.FindStringSubmatch(m)
		return sub[1] + config.Redact(sub[2])
	})
	text = plistKeyRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := plistKeyRe.FindStringSubmatch(m)
		return sub[1] + config.Redact(sub[2]) + sub[3]
	})
	text = argKeyRe.ReplaceAllStringFunc(text, func(m string) string {
		sub := argKeyRe.FindStringSubmatch(m)
		return sub[1] + config.Redact(sub[2])
	})
	return text
}

// launchdJobRunning parses `launchctl print` output for a live process.
func launchdJobRunning(printOutput string) bool {
	for _, line := range strings.Split(printOutput, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "state = ") {
			return strings.TrimPrefix(trimmed, "state = ") == "running"
		}
	}
	return false
}
