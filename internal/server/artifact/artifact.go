// Package artifact stores published beacon binaries and hands out
// time-limited download URLs the beacon can fetch without credentials.
package artifact

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/outpost-ops/outpost/internal/logging"
)

var log = logging.L("artifact")

// DownloadPath is where the API serves locally stored artifacts. The
// local backend signs URLs under this path; the S3 backend never uses
// it.
const DownloadPath = "/api/v1/beacon/update/download"

var (
	ErrNotFound         = errors.New("artifact not found")
	ErrInvalidKey       = errors.New("invalid artifact key")
	ErrInvalidSignature = errors.New("invalid or expired download signature")
)

// Store is a write-once blob store for beacon builds.
type Store interface {
	// Put streams the artifact into storage and returns its sha256 hex
	// checksum and size.
	Put(ctx context.Context, key string, r io.Reader) (checksum string, size int64, err error)
	// PresignGet returns a URL that downloads the artifact without
	// further authentication until ttl elapses.
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
	// Open streams the artifact back out.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}
