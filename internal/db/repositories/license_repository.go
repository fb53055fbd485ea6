// license_repository.go implements LicenseRepository, the SQL-backed license store.
// Queries are written with ? placeholders and rebound for the connection's dialect,
// so one statement set serves both PostgreSQL and SQLite.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/license-registry/license-registry/internal/db/models"
)

const licenseColumns = `code, active, expires_at, bound_device, notify_target, notify_label, created_at`

// LicenseRepository handles license database operations
type LicenseRepository struct {
	db *sqlx.DB
}

// NewLicenseRepository creates a new LicenseRepository
func NewLicenseRepository(db *sqlx.DB) *LicenseRepository {
	return &LicenseRepository{db: db}
}

// Create inserts a new license. It returns false without error when the code is
// already taken; the unique key decides, so two racing registrations cannot
// both succeed.
func (r *LicenseRepository) Create(ctx context.Context, license *models.License) (bool, error) {
	query := r.db.Rebind(`
		INSERT INTO licenses (` + licenseColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (code) DO NOTHING
	`)

	res, err := r.db.ExecContext(ctx, query,
		license.Code,
		license.Active,
		license.ExpiresAt.UTC(),
		license.BoundDevice,
		license.NotifyTarget,
		license.NotifyLabel,
		license.CreatedAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert license: %w", err)
	}
	return affected(res)
}

// GetByCode retrieves a license by its code. Returns nil, nil when no license matches.
func (r *LicenseRepository) GetByCode(ctx context.Context, code string) (*models.License, error) {
	query := r.db.Rebind(`SELECT ` + licenseColumns + ` FROM licenses WHERE code = ?`)

	var license models.License
	err := r.db.GetContext(ctx, &license, query, code)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get license: %w", err)
	}
	return &license, nil
}

// List returns every license, newest first.
func (r *LicenseRepository) List(ctx context.Context) ([]*models.License, error) {
	query := `SELECT ` + licenseColumns + ` FROM licenses ORDER BY created_at DESC, code`

	licenses := []*models.License{}
	if err := r.db.SelectContext(ctx, &licenses, query); err != nil {
		return nil, fmt.Errorf("failed to list licenses: %w", err)
	}
	return licenses, nil
}

// ListExpiringBetween returns active, bound licenses with a notify target whose
// expiry falls in (from, to].
func (r *LicenseRepository) ListExpiringBetween(ctx context.Context, from, to time.Time) ([]*models.License, error) {
	query := r.db.Rebind(`
		SELECT ` + licenseColumns + `
		FROM licenses
		WHERE active
		  AND bound_device IS NOT NULL
		  AND notify_target IS NOT NULL
		  AND expires_at > ?
		  AND expires_at <= ?
		ORDER BY expires_at
	`)

	licenses := []*models.License{}
	if err := r.db.SelectContext(ctx, &licenses, query, from.UTC(), to.UTC()); err != nil {
		return nil, fmt.Errorf("failed to list expiring licenses: %w", err)
	}
	return licenses, nil
}

// BindDevice atomically binds an unbound, active, unexpired license to deviceID.
// A non-nil target or label is recorded in the same statement. It reports
// whether the bind happened; false means another device won, or the license
// changed state after the caller last read it.
func (r *LicenseRepository) BindDevice(ctx context.Context, code, deviceID string, target, label *string, now time.Time) (bool, error) {
	query := r.db.Rebind(`
		UPDATE licenses
		SET bound_device = ?,
		    notify_target = COALESCE(?, notify_target),
		    notify_label = COALESCE(?, notify_label)
		WHERE code = ?
		  AND bound_device IS NULL
		  AND active
		  AND expires_at >= ?
	`)

	res, err := r.db.ExecContext(ctx, query, deviceID, target, label, code, now.UTC())
	if err != nil {
		return false, fmt.Errorf("failed to bind device: %w", err)
	}
	return affected(res)
}

// SetActive sets the active flag and leaves the binding as is.
// It reports whether the license exists.
func (r *LicenseRepository) SetActive(ctx context.Context, code string, active bool) (bool, error) {
	query := r.db.Rebind(`UPDATE licenses SET active = ? WHERE code = ?`)

	res, err := r.db.ExecContext(ctx, query, active, code)
	if err != nil {
		return false, fmt.Errorf("failed to update license state: %w", err)
	}
	return affected(res)
}

// Reactivate marks the license active and releases its device binding. The
// notify target belonged to the released device and is cleared with it.
// It reports whether the license exists.
func (r *LicenseRepository) Reactivate(ctx context.Context, code string) (bool, error) {
	query := r.db.Rebind(`
		UPDATE licenses
		SET active = ?, bound_device = NULL, notify_target = NULL, notify_label = NULL
		WHERE code = ?
	`)

	res, err := r.db.ExecContext(ctx, query, true, code)
	if err != nil {
		return false, fmt.Errorf("failed to reactivate license: %w", err)
	}
	return affected(res)
}

// SetNotifyTarget overwrites the notify target and label, provided the license
// is still bound to deviceID at the moment of the write.
func (r *LicenseRepository) SetNotifyTarget(ctx context.Context, code, deviceID, target string, label *string) (bool, error) {
	query := r.db.Rebind(`
		UPDATE licenses
		SET notify_target = ?, notify_label = ?
		WHERE code = ? AND bound_device = ?
	`)

	res, err := r.db.ExecContext(ctx, query, target, label, code, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to set notify target: %w", err)
	}
	return affected(res)
}

// Ping verifies the database is reachable.
func (r *LicenseRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}
