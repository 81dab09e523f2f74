package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Latest-version selection casts the stored version to an int array, so
// only plain major.minor.patch triples are accepted at publish time.
var versionPattern = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

// NormalizeVersion strips an optional v prefix and validates the
// major.minor.patch shape the version ordering relies on.
func NormalizeVersion(version string) (string, error) {
	v := strings.TrimPrefix(strings.TrimSpace(version), "v")
	if !versionPattern.MatchString(v) {
		return "", fmt.Errorf("%q: %w", version, ErrBadVersion)
	}
	return v, nil
}

// PublishVersion registers a beacon build. Republishing the same
// version/platform/arch replaces the artifact pointer.
func (s *Store) PublishVersion(ctx context.Context, v *BeaconVersion) error {
	normalized, err := NormalizeVersion(v.Version)
	if err != nil {
		return err
	}
	v.Version = normalized
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO beacon_versions (id, version, platform, arch, storage_key,
			checksum, size_bytes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (version, platform, arch) DO UPDATE SET
			storage_key = EXCLUDED.storage_key,
			checksum = EXCLUDED.checksum,
			size_bytes = EXCLUDED.size_bytes,
			published_at = now()
		RETURNING id, published_at`,
		v.ID, v.Version, v.Platform, v.Arch, v.StorageKey, v.Checksum, v.SizeBytes)
	if err := row.Scan(&v.ID, &v.PublishedAt); err != nil {
		return fmt.Errorf("publish version: %w", err)
	}
	return nil
}

// LatestVersion returns the numerically highest published build for the
// platform/arch pair, so 1.10.0 correctly beats 1.9.0.
func (s *Store) LatestVersion(ctx context.Context, platform, arch string) (*BeaconVersion, error) {
	var v BeaconVersion
	err := s.pool.QueryRow(ctx, `
		SELECT id, version, platform, arch, storage_key, checksum, size_bytes,
			published_at
		FROM beacon_versions
		WHERE platform = $1 AND arch = $2
		ORDER BY string_to_array(version, '.')::int[] DESC
		LIMIT 1`,
		platform, arch).
		Scan(&v.ID, &v.Version, &v.Platform, &v.Arch, &v.StorageKey,
			&v.Checksum, &v.SizeBytes, &v.PublishedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoVersion
		}
		return nil, fmt.Errorf("latest version: %w", err)
	}
	return &v, nil
}

// ListVersions returns every published build, newest first.
func (s *Store) ListVersions(ctx context.Context) ([]*BeaconVersion, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, version, platform, arch, storage_key, checksum, size_bytes,
			published_at
		FROM beacon_versions
		ORDER BY published_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var versions []*BeaconVersion
	for rows.Next() {
		var v BeaconVersion
		if err := rows.Scan(&v.ID, &v.Version, &v.Platform, &v.Arch, &v.StorageKey,
			&v.Checksum, &v.SizeBytes, &v.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}
