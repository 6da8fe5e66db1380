package storage

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/atc-ota/atc-ota-server/internal/models"
)

// ========== Device Methods ==========

// CreateDevice creates a new device
func (s *PostgresStore) CreateDevice(ctx context.Context, device *models.Device) error {
	now := time.Now()
	device.CreatedAt = now
	device.UpdatedAt = now

	if device.State == "" {
		device.State = models.DeviceStateUnknown
	}

	query := `
        INSERT INTO devices (
            mac, created_at, updated_at, name, description, source,
            current_version, available_version, pinned_version,
            state, last_error, last_checked_at, is_disabled
        ) VALUES (
            $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
        )`

	_, err := s.getDB().ExecContext(ctx, query,
		device.MAC[:], device.CreatedAt, device.UpdatedAt,
		device.Name, device.Description, device.Source,
		device.CurrentVersion, device.AvailableVersion, device.PinnedVersion,
		device.State, device.LastError, device.LastCheckedAt, device.IsDisabled,
	)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return ErrDuplicateKey
		}
		return err
	}

	return nil
}

// GetDevice gets a device by MAC address
func (s *PostgresStore) GetDevice(ctx context.Context, mac models.MACAddress) (*models.Device, error) {
	query := `
        SELECT mac, created_at, updated_at, name, description, source,
               current_version, available_version, pinned_version,
               state, last_error, last_checked_at, is_disabled
        FROM devices
        WHERE mac = $1`

	device := &models.Device{}
	var macBytes []byte

	err := s.getDB().QueryRowContext(ctx, query, mac[:]).Scan(
		&macBytes, &device.CreatedAt, &device.UpdatedAt,
		&device.Name, &device.Description, &device.Source,
		&device.CurrentVersion, &device.AvailableVersion, &device.PinnedVersion,
		&device.State, &device.LastError, &device.LastCheckedAt, &device.IsDisabled,
	)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	copy(device.MAC[:], macBytes)
	return device, nil
}

// UpdateDevice updates a device
func (s *PostgresStore) UpdateDevice(ctx context.Context, device *models.Device) error {
	device.UpdatedAt = time.Now()

	query := `
        UPDATE devices SET
            updated_at = $2, name = $3, description = $4, source = $5,
            current_version = $6, available_version = $7, pinned_version = $8,
            state = $9, last_error = $10, last_checked_at = $11, is_disabled = $12
        WHERE mac = $1`

	result, err := s.getDB().ExecContext(ctx, query,
		device.MAC[:], device.UpdatedAt, device.Name, device.Description,
		device.Source, device.CurrentVersion, device.AvailableVersion,
		device.PinnedVersion, device.State, device.LastError,
		device.LastCheckedAt, device.IsDisabled,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// DeleteDevice deletes a device by MAC address
func (s *PostgresStore) DeleteDevice(ctx context.Context, mac models.MACAddress) error {
	result, err := s.getDB().ExecContext(ctx, `DELETE FROM devices WHERE mac = $1`, mac[:])
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}

	return nil
}

// ListDevices lists devices
func (s *PostgresStore) ListDevices(ctx context.Context, limit, offset int) ([]*models.Device, int64, error) {
	var count int64
	if err := s.getDB().QueryRowContext(ctx, `SELECT COUNT(*) FROM devices`).Scan(&count); err != nil {
		return nil, 0, err
	}

	query := `
        SELECT mac, created_at, updated_at, name, description, source,
               current_version, available_version, pinned_version,
               state, last_error, last_checked_at, is_disabled
        FROM devices
        ORDER BY created_at
        LIMIT $1 OFFSET $2`

	rows, err := s.getDB().QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	devices := make([]*models.Device, 0)
	for rows.Next() {
		device := &models.Device{}
		var macBytes []byte

		err := rows.Scan(
			&macBytes, &device.CreatedAt, &device.UpdatedAt,
			&device.Name, &device.Description, &device.Source,
			&device.CurrentVersion, &device.AvailableVersion, &device.PinnedVersion,
			&device.State, &device.LastError, &device.LastCheckedAt, &device.IsDisabled,
		)
		if err != nil {
			return nil, 0, err
		}

		copy(device.MAC[:], macBytes)
		devices = append(devices, device)
	}

	return devices, count, rows.Err()
}
