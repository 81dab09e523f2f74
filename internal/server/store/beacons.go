package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/outpost-ops/outpost/pkg/api"
)

const beaconColumns = `id, tenant_id, hostname, display_name, os_type, os_version,
	os_build, architecture, beacon_version, uptime_seconds, allowed_commands,
	allowed_paths, yolo_mode, sentinel_protected, created_at, last_seen`

func scanBeacon(row pgx.Row) (*Beacon, error) {
	var b Beacon
	err := row.Scan(&b.ID, &b.TenantID, &b.Hostname, &b.DisplayName, &b.OSType,
		&b.OSVersion, &b.OSBuild, &b.Architecture, &b.BeaconVersion,
		&b.UptimeSeconds, &b.Policy.AllowedCommands, &b.Policy.AllowedPaths,
		&b.Policy.YoloMode, &b.Policy.SentinelProtected, &b.CreatedAt, &b.LastSeen)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBeaconNotFound
		}
		return nil, fmt.Errorf("scan beacon: %w", err)
	}
	return &b, nil
}

// RegisterBeacon creates a beacon or, when the tenant already has one
// with this hostname, refreshes its host metadata. The returned ID is
// stable across re-registrations so a reinstalled beacon keeps its
// command history.
func (s *Store) RegisterBeacon(ctx context.Context, tenantID string, info api.OSInfo) (*Beacon, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO beacons (id, tenant_id, hostname, os_type, os_version,
			os_build, architecture, beacon_version, uptime_seconds)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, hostname) DO UPDATE SET
			os_type = EXCLUDED.os_type,
			os_version = EXCLUDED.os_version,
			os_build = EXCLUDED.os_build,
			architecture = EXCLUDED.architecture,
			beacon_version = EXCLUDED.beacon_version,
			uptime_seconds = EXCLUDED.uptime_seconds,
			last_seen = now()
		RETURNING `+beaconColumns,
		uuid.NewString(), tenantID, info.Hostname, info.OSType, info.OSVersion,
		info.OSBuild, info.Architecture, info.BeaconVersion, info.UptimeSeconds)
	return scanBeacon(row)
}

// TouchBeacon refreshes liveness and host metadata on check-in.
func (s *Store) TouchBeacon(ctx context.Context, beaconID string, info api.OSInfo) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE beacons SET
			os_type = $2, os_version = $3, os_build = $4, architecture = $5,
			beacon_version = $6, uptime_seconds = $7, last_seen = now()
		WHERE id = $1`,
		beaconID, info.OSType, info.OSVersion, info.OSBuild, info.Architecture,
		info.BeaconVersion, info.UptimeSeconds)
	if err != nil {
		return fmt.Errorf("touch beacon: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBeaconNotFound
	}
	return nil
}

func (s *Store) GetBeacon(ctx context.Context, beaconID string) (*Beacon, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+beaconColumns+` FROM beacons WHERE id = $1`, beaconID)
	return scanBeacon(row)
}

func (s *Store) GetBeaconByHostname(ctx context.Context, tenantID, hostname string) (*Beacon, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+beaconColumns+` FROM beacons WHERE tenant_id = $1 AND hostname = $2`,
		tenantID, hostname)
	return scanBeacon(row)
}

// ListBeacons returns the tenant's beacons, oldest registration first so
// "the first beacon" is a stable default target.
func (s *Store) ListBeacons(ctx context.Context, tenantID string) ([]*Beacon, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+beaconColumns+` FROM beacons WHERE tenant_id = $1 ORDER BY created_at`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list beacons: %w", err)
	}
	defer rows.Close()

	var beacons []*Beacon
	for rows.Next() {
		b, err := scanBeacon(rows)
		if err != nil {
			return nil, err
		}
		beacons = append(beacons, b)
	}
	return beacons, rows.Err()
}

// UpdateBeaconPolicy replaces the beacon's security policy wholesale.
func (s *Store) UpdateBeaconPolicy(ctx context.Context, beaconID string, p Policy) error {
	if p.AllowedCommands == nil {
		p.AllowedCommands = []string{}
	}
	if p.AllowedPaths == nil {
		p.AllowedPaths = []string{}
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE beacons SET
			allowed_commands = $2, allowed_paths = $3, yolo_mode = $4,
			sentinel_protected = $5
		WHERE id = $1`,
		beaconID, p.AllowedCommands, p.AllowedPaths, p.YoloMode, p.SentinelProtected)
	if err != nil {
		return fmt.Errorf("update beacon policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBeaconNotFound
	}
	return nil
}

// SetDisplayName sets the operator-facing label for a beacon.
func (s *Store) SetDisplayName(ctx context.Context, beaconID, name string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE beacons SET display_name = $2 WHERE id = $1`, beaconID, name)
	if err != nil {
		return fmt.Errorf("set display name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBeaconNotFound
	}
	return nil
}
