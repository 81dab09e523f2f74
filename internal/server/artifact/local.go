package artifact

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// LocalStore keeps artifacts on the server's filesystem and serves them
// through the API's download route. URLs carry an HMAC signature with an
// expiry, standing in for an object store's presigned links.
type LocalStore struct {
	dir     string
	baseURL string
	secret  []byte
}

// NewLocal creates the storage directory if needed. baseURL is the
// server's external address, used to build download URLs; secret signs
// them.
func NewLocal(dir, baseURL string, secret []byte) (*LocalStore, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("local artifact store needs a signing secret")
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create artifact directory: %w", err)
	}
	log.Info("local artifact store ready", "dir", dir)
	return &LocalStore{
		dir:     dir,
		baseURL: strings.TrimRight(baseURL, "/"),
		secret:  secret,
	}, nil
}

func (s *LocalStore) Put(_ context.Context, key string, r io.Reader) (string, int64, error) {
	path, err := s.resolve(key)
	if err != nil {
		return "", 0, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return "", 0, fmt.Errorf("create artifact directory: %w", err)
	}

	// Stage and rename so a failed upload never leaves a half-written
	// artifact at the final key.
	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return "", 0, fmt.Errorf("create staging file: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("write artifact: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("close staging file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", 0, fmt.Errorf("finalize artifact: %w", err)
	}

	return hex.EncodeToString(h.Sum(nil)), size, nil
}

func (s *LocalStore) PresignGet(_ context.Context, key string, ttl time.Duration) (string, error) {
	if _, err := s.resolve(key); err != nil {
		return "", err
	}
	exp := time.Now().Add(ttl).Unix()
	q := url.Values{}
	q.Set("key", key)
	q.Set("exp", strconv.FormatInt(exp, 10))
	q.Set("sig", s.sign(key, exp))
	return s.baseURL + DownloadPath + "?" + q.Encode(), nil
}

func (s *LocalStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open artifact: %w", err)
	}
	return f, nil
}

// VerifySignature checks a download URL's signature and expiry. The API
// route calls this before serving a file.
func (s *LocalStore) VerifySignature(key string, exp int64, sig string) error {
	if time.Now().Unix() > exp {
		return ErrInvalidSignature
	}
	expected := s.sign(key, exp)
	if !hmac.Equal([]byte(expected), []byte(sig)) {
		return ErrInvalidSignature
	}
	return nil
}

func (s *LocalStore) sign(key string, exp int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s\n%d", key, exp)
	return hex.EncodeToString(mac.Sum(nil))
}

// resolve maps a key to a path strictly inside the store directory.
func (s *LocalStore) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", ErrInvalidKey
	}
	clean := filepath.Clean(filepath.FromSlash(key))
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", ErrInvalidKey
	}
	return filepath.Join(s.dir, clean), nil
}
