package distributor

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

const appColumns = `app_id, distribution_id, installer, major, minor, patch, renounced, detached_to, migration_id, migration_caller, created_at`

func (d *Distributor) nextAppID(ctx context.Context) (uint64, error) {
	db := d.l.DB(ctx)
	if _, err := db.ExecContext(ctx, `
		INSERT INTO app_counters (distributor, last_app_id) VALUES (?, 1)
		ON CONFLICT(distributor) DO UPDATE SET last_app_id = last_app_id + 1`, d.addr[:]); err != nil {
		return 0, fmt.Errorf("distributor: failed to allocate app id: %w", err)
	}
	var id uint64
	if err := db.QueryRowContext(ctx,
		`SELECT last_app_id FROM app_counters WHERE distributor = ?`, d.addr[:]).Scan(&id); err != nil {
		return 0, fmt.Errorf("distributor: failed to read app id: %w", err)
	}
	return id, nil
}

func (d *Distributor) insertApp(ctx context.Context, app *App) error {
	v := app.Version
	if _, err := d.l.DB(ctx).ExecContext(ctx, `
		INSERT INTO apps (distributor, app_id, distribution_id, installer, major, minor, patch, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.addr[:], app.AppID, app.DistributionID[:], app.Installer[:], v.Major, v.Minor, v.Patch,
		time.Now().UnixNano()); err != nil {
		return fmt.Errorf("distributor: failed to insert app: %w", err)
	}
	return nil
}

// bindComponents maps each component to appID in order. A component can
// belong to one app only.
func (d *Distributor) bindComponents(ctx context.Context, appID uint64, comps []types.Address) error {
	db := d.l.DB(ctx)
	for i, c := range comps {
		var owner uint64
		err := db.QueryRowContext(ctx,
			`SELECT app_id FROM app_components WHERE distributor = ? AND component = ?`,
			d.addr[:], c[:]).Scan(&owner)
		if err == nil {
			return ederrors.ErrAlreadyExists.WithDetails(map[string]interface{}{
				"component": c.String(),
				"app_id":    owner,
			})
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("distributor: failed to check component: %w", err)
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO app_components (distributor, component, app_id, position) VALUES (?, ?, ?, ?)`,
			d.addr[:], c[:], appID, i); err != nil {
			return fmt.Errorf("distributor: failed to bind component: %w", err)
		}
	}
	return nil
}

func (d *Distributor) components(ctx context.Context, appID uint64) ([]types.Address, error) {
	rows, err := d.l.DB(ctx).QueryContext(ctx,
		`SELECT component FROM app_components WHERE distributor = ? AND app_id = ? ORDER BY position`,
		d.addr[:], appID)
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to load components: %w", err)
	}
	defer rows.Close()

	var out []types.Address
	for rows.Next() {
		var c []byte
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("distributor: failed to scan component: %w", err)
		}
		out = append(out, types.BytesToAddress(c))
	}
	return out, rows.Err()
}

// loadApp returns the app row with its components. Detached apps are
// returned too; callers decide how to treat them.
func (d *Distributor) loadApp(ctx context.Context, appID uint64) (*App, error) {
	var (
		dist, installer      []byte
		detached, mid, mcall []byte
		renounced            int
		createdAt            int64
	)
	app := &App{}
	err := d.l.DB(ctx).QueryRowContext(ctx,
		`SELECT `+appColumns+` FROM apps WHERE distributor = ? AND app_id = ?`, d.addr[:], appID).
		Scan(&app.AppID, &dist, &installer, &app.Version.Major, &app.Version.Minor, &app.Version.Patch,
			&renounced, &detached, &mid, &mcall, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrAppNotFound.WithDetails(map[string]interface{}{"app_id": appID})
	}
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to load app: %w", err)
	}
	app.DistributionID = types.BytesToHash(dist)
	app.Installer = types.BytesToAddress(installer)
	app.Renounced = renounced != 0
	app.DetachedTo = addressOrZero(detached)
	if mid != nil {
		app.MigrationID = types.BytesToHash(mid)
	}
	app.migrationCaller = addressOrZero(mcall)
	app.CreatedAt = time.Unix(0, createdAt)

	if app.Components, err = d.components(ctx, appID); err != nil {
		return nil, err
	}
	return app, nil
}

// appOf returns the app id a component is bound to.
func (d *Distributor) appOf(ctx context.Context, component types.Address) (uint64, bool, error) {
	var id uint64
	err := d.l.DB(ctx).QueryRowContext(ctx,
		`SELECT app_id FROM app_components WHERE distributor = ? AND component = ?`,
		d.addr[:], component[:]).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("distributor: failed to look up component: %w", err)
	}
	return id, true, nil
}

func (d *Distributor) setVersion(ctx context.Context, appID uint64, v semver.Version) error {
	if _, err := d.l.DB(ctx).ExecContext(ctx,
		`UPDATE apps SET major = ?, minor = ?, patch = ? WHERE distributor = ? AND app_id = ?`,
		v.Major, v.Minor, v.Patch, d.addr[:], appID); err != nil {
		return fmt.Errorf("distributor: failed to set app version: %w", err)
	}
	return nil
}

func (d *Distributor) setMarker(ctx context.Context, appID uint64, migrationID types.Hash, caller types.Address) error {
	var mid, mcall interface{}
	if !migrationID.IsZero() {
		mid, mcall = migrationID.Bytes(), caller.Bytes()
	}
	if _, err := d.l.DB(ctx).ExecContext(ctx,
		`UPDATE apps SET migration_id = ?, migration_caller = ? WHERE distributor = ? AND app_id = ?`,
		mid, mcall, d.addr[:], appID); err != nil {
		return fmt.Errorf("distributor: failed to update migration marker: %w", err)
	}
	return nil
}

// GetApp returns the app registered under appID.
func (d *Distributor) GetApp(ctx context.Context, appID uint64) (*App, error) {
	return d.loadApp(ctx, appID)
}

// Components returns the components of appID in instantiation order.
func (d *Distributor) Components(ctx context.Context, appID uint64) ([]types.Address, error) {
	if _, err := d.loadApp(ctx, appID); err != nil {
		return nil, err
	}
	return d.components(ctx, appID)
}

// GetAppID returns the app a component belongs to, or zero when the
// component is unknown or its app was detached.
func (d *Distributor) GetAppID(ctx context.Context, component types.Address) (uint64, error) {
	id, ok, err := d.appOf(ctx, component)
	if err != nil || !ok {
		return 0, err
	}
	return id, nil
}

// GetDistributionID returns the distribution an app was created from.
func (d *Distributor) GetDistributionID(ctx context.Context, appID uint64) (types.Hash, error) {
	app, err := d.loadApp(ctx, appID)
	if err != nil {
		return types.Hash{}, err
	}
	return app.DistributionID, nil
}

// AppVersions returns the current version of appID. Apps of fixed
// distributions report the zero version.
func (d *Distributor) AppVersions(ctx context.Context, appID uint64) (semver.Version, error) {
	app, err := d.loadApp(ctx, appID)
	if err != nil {
		return semver.Version{}, err
	}
	return app.Version, nil
}

// ListApps returns the apps created from distributionID.
func (d *Distributor) ListApps(ctx context.Context, distributionID types.Hash) ([]uint64, error) {
	rows, err := d.l.DB(ctx).QueryContext(ctx,
		`SELECT app_id FROM apps WHERE distributor = ? AND distribution_id = ? ORDER BY app_id`,
		d.addr[:], distributionID[:])
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to list apps: %w", err)
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("distributor: failed to scan app: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
