package persist

import (
	"strings"
	"testing"
)

var testOpts = Options{
	BinaryPath: "/usr/local/bin/outpost-beacon",
	ConfigPath: "/etc/outpost/beacon.yaml",
	ServerURL:  "https://outpost.example.com",
	APIKey:     "opk_1234567890abcdef56",
}

func TestSystemdUnitEmbedsOptions(t *testing.T) {
	unit := systemdUnit(testOpts, ScopeSystem)

	for _, want := range []string{
		"ExecStart=/usr/local/bin/outpost-beacon run --config /etc/outpost/beacon.yaml",
		`Environment="OUTPOST_SERVER_URL=https://outpost.example.com"`,
		`Environment="OUTPOST_API_KEY=opk_1234567890abcdef56"`,
		"Restart=always",
		"WantedBy=multi-user.target",
	} {
		if !strings.Contains(unit, want) {
			t.Errorf("system unit missing %q:\n%s", want, unit)
		}
	}
}

func TestSystemdUserUnitTargetsUserSession(t *testing.T) {
	unit := systemdUnit(testOpts, ScopeUser)

	if !strings.Contains(unit, "WantedBy=default.target") {
		t.Errorf("user unit should install into default.target:\n%s", unit)
	}
	if strings.Contains(unit, "network-online.target") {
		t.Errorf("user unit must not depend on system targets:\n%s", unit)
	}
}

func TestLaunchdPlistEmbedsAndEscapes(t *testing.T) {
	opts := testOpts
	opts.ServerURL = "https://outpost.example.com/?tenant=a&env=prod"

	plist := launchdPlist(opts, "/Library/Logs/Outpost/beacon")

	for _, want := range []string{
		"<string>com.outpost.beacon</string>",
		"<string>/usr/local/bin/outpost-beacon</string>",
		"<string>run</string>",
		"<string>https://outpost.example.com/?tenant=a&amp;env=prod</string>",
		"<key>OUTPOST_API_KEY</key>",
		"<key>RunAtLoad</key>",
		"<string>/Library/Logs/Outpost/beacon.log</string>",
	} {
		if !strings.Contains(plist, want) {
			t.Errorf("plist missing %q:\n%s", want, plist)
		}
	}
	if strings.Contains(plist, "a&env=prod") {
		t.Error("plist contains an unescaped ampersand")
	}
}

func TestRedactSecretsCoversEveryEmbeddingForm(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"systemd", systemdUnit(testOpts, ScopeSystem)},
		{"launchd", launchdPlist(testOpts, "/tmp/beacon")},
		{"args", `"C:\outpost\beacon.exe" run --api-key opk_1234567890abcdef56`},
	}
	for _, tt := range tests {
		got := redactSecrets(tt.text)
		if strings.Contains(got, "opk_1234567890abcdef56") {
			t.Errorf("%s: raw credential survived redaction:\n%s", tt.name, got)
		}
		if !strings.Contains(got, "opk_...56") {
			t.Errorf("%s: redacted form missing:\n%s", tt.name, got)
		}
	}
}

func TestRedactSecretsLeavesOtherValuesAlone(t *testing.T) {
	unit := systemdUnit(testOpts, ScopeSystem)
	got := redactSecrets(unit)

	if !strings.Contains(got, "OUTPOST_SERVER_URL=https://outpost.example.com") {
		t.Errorf("server URL should not be redacted:\n%s", got)
	}
}

func TestLaunchdJobRunning(t *testing.T) {
	running := "system/com.outpost.beacon = {\n\tactive count = 1\n\tstate = running\n\tpid = 4242\n}"
	if !launchdJobRunning(running) {
		t.Error("running job not detected")
	}

	waiting := "system/com.outpost.beacon = {\n\tstate = waiting\n}"
	if launchdJobRunning(waiting) {
		t.Error("waiting job reported as running")
	}

	if launchdJobRunning("") {
		t.Error("empty output reported as running")
	}
}

func TestStatusSummary(t *testing.T) {
	if got := (Status{}).Summary(); !strings.Contains(got, "not installed") {
		t.Errorf("empty status summary: %q", got)
	}

	st := Status{Installed: true, Enabled: true, Running: true, Scope: ScopeSystem, Detail: "unit: x\n"}
	got := st.Summary()
	for _, want := range []string{"installed", "system scope", "enabled", "running", "unit: x"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q: %q", want, got)
		}
	}

	st = Status{Installed: true, Scope: ScopeUser}
	got = st.Summary()
	for _, want := range []string{"user scope", "disabled", "stopped"} {
		if !strings.Contains(got, want) {
			t.Errorf("summary missing %q: %q", want, got)
		}
	}
}
