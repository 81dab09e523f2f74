// Package updater keeps the beacon binary current against the versions
// published on the server. The swap is designed so a failure at any point
// leaves a runnable binary on disk.
package updater

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/outpost-ops/outpost/internal/audit"
	"github.com/outpost-ops/outpost/internal/config"
	"github.com/outpost-ops/outpost/internal/httputil"
	"github.com/outpost-ops/outpost/internal/logging"
	"github.com/outpost-ops/outpost/pkg/api"
)

var log = logging.L("updater")

// DefaultCheckInterval is how often the background loop asks the server
// for a newer build when auto-update is enabled.
const DefaultCheckInterval = 6 * time.Hour

// Updater checks the server for newer beacon builds and swaps the running
// binary in place.
type Updater struct {
	cfg      *config.Config
	version  string
	client   *http.Client
	retry    httputil.RetryConfig
	auditLog *audit.Logger

	binaryPath string
	backupPath string

	exit func(int)
}

// SetAuditLog records applied updates in the audit trail.
func (u *Updater) SetAuditLog(l *audit.Logger) { u.auditLog = l }

// New resolves the running executable and returns an Updater for it.
func New(cfg *config.Config, version string) (*Updater, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve executable: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(bin); err == nil {
		bin = resolved
	}
	return &Updater{
		cfg:        cfg,
		version:    version,
		client:     &http.Client{Timeout: 5 * time.Minute},
		retry:      httputil.DefaultRetryConfig(),
		binaryPath: bin,
		backupPath: bin + ".backup",
		exit:       os.Exit,
	}, nil
}

// Check asks the server for the latest published build for this platform.
// It returns nil when the server has nothing newer than the running
// version.
func (u *Updater) Check(ctx context.Context) (*api.UpdateInfo, error) {
	url := fmt.Sprintf("%s/api/v1/beacon/update/latest?platform=%s&arch=%s",
		u.cfg.ServerURL, runtime.GOOS, runtime.GOARCH)

	headers := http.Header{}
	headers.Set(api.HeaderAPIKey, u.cfg.APIKey)

	resp, err := httputil.Do(ctx, u.client, http.MethodGet, url, nil, headers, u.retry)
	if err != nil {
		return nil, fmt.Errorf("update check: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusNotFound:
		return nil, nil
	default:
		return nil, fmt.Errorf("update check returned status %d", resp.StatusCode)
	}

	var info api.UpdateInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("decode update info: %w", err)
	}
	if info.Version == "" || info.URL == "" {
		return nil, errors.New("update info missing version or url")
	}

	newer, err := versionNewer(info.Version, u.version)
	if err != nil {
		return nil, err
	}
	if !newer {
		return nil, nil
	}
	return &info, nil
}

// Apply downloads the published binary, verifies it, and replaces the
// running executable. The previous binary is kept at the .backup path and
// restored if the swap fails partway.
func (u *Updater) Apply(ctx context.Context, info *api.UpdateInfo) error {
	log.Info("applying update", "current", u.version, "target", info.Version)

	tempPath, err := u.download(ctx, info.URL)
	if err != nil {
		return fmt.Errorf("download update: %w", err)
	}
	defer os.Remove(tempPath)

	if info.Checksum == "" {
		log.Warn("update published without a checksum, skipping verification", "version", info.Version)
	} else if err := verifyChecksum(tempPath, info.Checksum); err != nil {
		return fmt.Errorf("verify update: %w", err)
	}

	if err := u.backupCurrent(); err != nil {
		return fmt.Errorf("backup current binary: %w", err)
	}

	if err := u.replaceBinary(tempPath); err != nil {
		if rbErr := u.Rollback(); rbErr != nil {
			log.Error("rollback failed after replace error", "replaceError", err, "rollbackError", rbErr)
			return fmt.Errorf("replace binary: %w (rollback failed: %v)", err, rbErr)
		}
		return fmt.Errorf("replace binary (rolled back): %w", err)
	}

	log.Info("update applied", "version", info.Version, "binary", u.binaryPath)
	u.auditLog.Log(audit.EventUpdateApplied, "", map[string]any{
		"from": u.version,
		"to":   info.Version,
	})
	return nil
}

// CheckAndApply runs one check-and-update cycle. It reports whether a new
// binary was installed and which version it is.
func (u *Updater) CheckAndApply(ctx context.Context) (bool, string, error) {
	info, err := u.Check(ctx)
	if err != nil {
		return false, "", err
	}
	if info == nil {
		return false, "", nil
	}
	if err := u.Apply(ctx, info); err != nil {
		return false, "", err
	}
	return true, info.Version, nil
}

// Run checks for updates until ctx is cancelled, once at startup and then
// on the given interval. After a successful update it exits the process so
// the service manager restarts the new binary; a beacon started by hand
// has to be restarted by hand.
func (u *Updater) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		applied, version, err := u.CheckAndApply(ctx)
		switch {
		case err != nil:
			log.Warn("update check failed", "error", err)
		case applied:
			log.Info("update installed, exiting so the service manager restarts the new binary", "version", version)
			u.exit(0)
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Rollback restores the binary saved by the last Apply.
func (u *Updater) Rollback() error {
	log.Info("restoring previous binary", "backup", u.backupPath)

	info, err := os.Stat(u.backupPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no backup at %s", u.backupPath)
		}
		return err
	}
	return copyFile(u.backupPath, u.binaryPath, info.Mode())
}

// download fetches the binary to a temp file and returns its path. The
// URL comes from the server (often a presigned object-store link), so no
// credential is attached.
func (u *Updater) download(ctx context.Context, url string) (string, error) {
	resp, err := httputil.Do(ctx, u.client, http.MethodGet, url, nil, nil, u.retry)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("binary download returned status %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "outpost-beacon-*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return tmp.Name(), nil
}

// backupCurrent copies the running binary to the .backup path, replacing
// any backup left over from an earlier update.
func (u *Updater) backupCurrent() error {
	os.Remove(u.backupPath)

	info, err := os.Stat(u.binaryPath)
	if err != nil {
		return err
	}
	return copyFile(u.binaryPath, u.backupPath, info.Mode())
}

// replaceBinary swaps the downloaded file into place. The rename is atomic
// when the temp file shares a filesystem with the binary; otherwise the
// new binary is staged next to the target and renamed from there.
func (u *Updater) replaceBinary(tempPath string) error {
	if runtime.GOOS == "windows" {
		// A running exe cannot be overwritten, but it can be renamed away.
		oldPath := u.binaryPath + ".old"
		os.Remove(oldPath)
		if err := os.Rename(u.binaryPath, oldPath); err != nil {
			return err
		}
	}

	if err := os.Rename(tempPath, u.binaryPath); err == nil {
		return os.Chmod(u.binaryPath, 0o755)
	}

	stage := u.binaryPath + ".new"
	if err := copyFile(tempPath, stage, 0o755); err != nil {
		return err
	}
	if err := os.Rename(stage, u.binaryPath); err != nil {
		os.Remove(stage)
		return err
	}
	return nil
}

func verifyChecksum(path, want string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch: want %s, got %s", want, got)
	}
	return nil
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	if err := out.Close(); err != nil {
		return err
	}
	return os.Chmod(dst, mode)
}

// versionNewer reports whether candidate is a strictly newer semantic
// version than current. Both accept an optional leading "v"; the patch
// component may carry a pre-release or build suffix, which is ignored.
func versionNewer(candidate, current string) (bool, error) {
	cand, err := parseVersion(candidate)
	if err != nil {
		return false, fmt.Errorf("server version %q: %w", candidate, err)
	}
	cur, err := parseVersion(current)
	if err != nil {
		log.Warn("running a non-release build, skipping update", "version", current)
		return false, nil
	}
	return compareVersions(cand, cur) > 0, nil
}

func parseVersion(s string) ([3]int, error) {
	var v [3]int
	s = strings.TrimPrefix(strings.TrimSpace(s), "v")
	parts := strings.SplitN(s, ".", 3)
	if len(parts) != 3 {
		return v, errors.New("not a MAJOR.MINOR.PATCH version")
	}
	for i, p := range parts {
		if i == 2 {
			if idx := strings.IndexAny(p, "-+"); idx >= 0 {
				p = p[:idx]
			}
		}
		n, err := strconv.Atoi(p)
		if err != nil || n < 0 {
			return v, fmt.Errorf("bad version component %q", parts[i])
		}
		v[i] = n
	}
	return v, nil
}

func compareVersions(a, b [3]int) int {
	for i := range a {
		switch {
		case a[i] > b[i]:
			return 1
		case a[i] < b[i]:
			return -1
		}
	}
	return 0
}
