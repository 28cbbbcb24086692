package installer

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/arkilian/eds/internal/distributor"
	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

// App is an app installed through the installer.
type App struct {
	AppID          uint64          `json:"app_id"`
	Distributor    types.Address   `json:"distributor"`
	RemoteAppID    uint64          `json:"remote_app_id"`
	DistributionID types.Hash      `json:"distribution_id"`
	Components     []types.Address `json:"components"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Install instantiates distribution id from distributor addr with the
// installer as the app's installer and returns the local app id. The
// distributor must be whitelisted or the distribution allowed.
func (i *Installer) Install(ctx context.Context, addr types.Address, id types.Hash, args []byte) (uint64, error) {
	var appID uint64
	err := i.l.Atomic(ctx, func(ctx context.Context) error {
		ok, err := i.Permitted(ctx, addr, id)
		if err != nil {
			return err
		}
		if !ok {
			return ederrors.ErrUnauthorized.WithDetails(map[string]interface{}{
				"distributor":     addr.String(),
				"distribution_id": id.String(),
				"reason":          "distribution is not trusted",
			})
		}
		d, err := i.resolve(ctx, addr)
		if err != nil {
			return err
		}
		remoteID, comps, err := d.Instantiate(i.asInstaller(ctx), id, args)
		if err != nil {
			return err
		}

		db := i.l.DB(ctx)
		if _, err := db.ExecContext(ctx, `
			INSERT INTO installer_counters (installer, last_app_id) VALUES (?, 1)
			ON CONFLICT(installer) DO UPDATE SET last_app_id = last_app_id + 1`, i.addr[:]); err != nil {
			return fmt.Errorf("installer: failed to allocate app id: %w", err)
		}
		if err := db.QueryRowContext(ctx,
			`SELECT last_app_id FROM installer_counters WHERE installer = ?`, i.addr[:]).Scan(&appID); err != nil {
			return fmt.Errorf("installer: failed to read app id: %w", err)
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO installer_apps (installer, app_id, distributor, remote_app_id, distribution_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			i.addr[:], appID, addr[:], remoteID, id[:], time.Now().UnixNano()); err != nil {
			return fmt.Errorf("installer: failed to record app: %w", err)
		}
		for pos, c := range comps {
			if _, err := db.ExecContext(ctx, `
				INSERT INTO installer_components (installer, component, app_id, position) VALUES (?, ?, ?, ?)`,
				i.addr[:], c[:], appID, pos); err != nil {
				return fmt.Errorf("installer: failed to record component: %w", err)
			}
		}
		return i.l.Emit(ctx, i.addr, "Installed", map[string]interface{}{
			"app_id":          appID,
			"distributor":     addr,
			"distribution_id": id,
			"components":      comps,
		})
	})
	if err != nil {
		return 0, err
	}
	i.logger.Info("app installed", "app_id", appID, "distributor", addr.String())
	return appID, nil
}

// Uninstall forgets appID. Its components stop passing BeforeCall. Owner
// only.
func (i *Installer) Uninstall(ctx context.Context, appID uint64) error {
	return i.l.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := i.GetApp(ctx, appID); err != nil {
			return err
		}
		db := i.l.DB(ctx)
		if _, err := db.ExecContext(ctx,
			`DELETE FROM installer_components WHERE installer = ? AND app_id = ?`, i.addr[:], appID); err != nil {
			return fmt.Errorf("installer: failed to remove components: %w", err)
		}
		if _, err := db.ExecContext(ctx,
			`DELETE FROM installer_apps WHERE installer = ? AND app_id = ?`, i.addr[:], appID); err != nil {
			return fmt.Errorf("installer: failed to remove app: %w", err)
		}
		return i.l.Emit(ctx, i.addr, "Uninstalled", map[string]interface{}{"app_id": appID})
	})
}

// UpgradeApp asks the app's distributor to run migrationID. Owner only.
func (i *Installer) UpgradeApp(ctx context.Context, appID uint64, migrationID types.Hash, userCalldata []byte) (semver.Version, error) {
	var v semver.Version
	err := i.l.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(ctx); err != nil {
			return err
		}
		app, err := i.GetApp(ctx, appID)
		if err != nil {
			return err
		}
		d, err := i.resolve(ctx, app.Distributor)
		if err != nil {
			return err
		}
		if v, err = d.UpgradeUserInstance(i.asInstaller(ctx), app.RemoteAppID, migrationID, userCalldata); err != nil {
			return err
		}
		return i.l.Emit(ctx, i.addr, "AppUpgraded", map[string]interface{}{
			"app_id":       appID,
			"migration_id": migrationID,
			"version":      v,
		})
	})
	return v, err
}

// ChangeDistributor detaches appID from its distributor and records
// newDistributor, which must be whitelisted, as its distributor. The
// remote app id is kept. Owner only.
func (i *Installer) ChangeDistributor(ctx context.Context, appID uint64, newDistributor types.Address, appData [][]byte) error {
	return i.l.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(ctx); err != nil {
			return err
		}
		app, err := i.GetApp(ctx, appID)
		if err != nil {
			return err
		}
		ok, err := i.IsDistributor(ctx, newDistributor)
		if err != nil {
			return err
		}
		if !ok {
			return ederrors.ErrUnauthorized.WithDetails(map[string]interface{}{
				"distributor": newDistributor.String(),
				"reason":      "distributor is not whitelisted",
			})
		}
		d, err := i.resolve(ctx, app.Distributor)
		if err != nil {
			return err
		}
		if err := d.OnDistributorChanged(i.asInstaller(ctx), app.RemoteAppID, newDistributor, appData); err != nil {
			return err
		}
		if _, err := i.l.DB(ctx).ExecContext(ctx,
			`UPDATE installer_apps SET distributor = ? WHERE installer = ? AND app_id = ?`,
			newDistributor[:], i.addr[:], appID); err != nil {
			return fmt.Errorf("installer: failed to update distributor: %w", err)
		}
		return i.l.Emit(ctx, i.addr, "DistributorChanged", map[string]interface{}{
			"app_id":          appID,
			"old_distributor": app.Distributor,
			"new_distributor": newDistributor,
		})
	})
}

// GetApp returns the installed app appID.
func (i *Installer) GetApp(ctx context.Context, appID uint64) (*App, error) {
	var dist, distID []byte
	var createdAt int64
	app := &App{AppID: appID}
	err := i.l.DB(ctx).QueryRowContext(ctx, `
		SELECT distributor, remote_app_id, distribution_id, created_at FROM installer_apps
		WHERE installer = ? AND app_id = ?`, i.addr[:], appID).
		Scan(&dist, &app.RemoteAppID, &distID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrAppNotFound.WithDetails(map[string]interface{}{"app_id": appID})
	}
	if err != nil {
		return nil, fmt.Errorf("installer: failed to load app: %w", err)
	}
	app.Distributor = types.BytesToAddress(dist)
	app.DistributionID = types.BytesToHash(distID)
	app.CreatedAt = time.Unix(0, createdAt)

	rows, err := i.l.DB(ctx).QueryContext(ctx,
		`SELECT component FROM installer_components WHERE installer = ? AND app_id = ? ORDER BY position`,
		i.addr[:], appID)
	if err != nil {
		return nil, fmt.Errorf("installer: failed to load components: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c []byte
		if err := rows.Scan(&c); err != nil {
			return nil, fmt.Errorf("installer: failed to scan component: %w", err)
		}
		app.Components = append(app.Components, types.BytesToAddress(c))
	}
	return app, rows.Err()
}

// AppCount returns the last local app id allocated.
func (i *Installer) AppCount(ctx context.Context) (uint64, error) {
	var n uint64
	err := i.l.DB(ctx).QueryRowContext(ctx,
		`SELECT last_app_id FROM installer_counters WHERE installer = ?`, i.addr[:]).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("installer: failed to read app count: %w", err)
	}
	return n, nil
}

func (i *Installer) appOf(ctx context.Context, component types.Address) (*App, error) {
	var appID uint64
	err := i.l.DB(ctx).QueryRowContext(ctx,
		`SELECT app_id FROM installer_components WHERE installer = ? AND component = ?`,
		i.addr[:], component[:]).Scan(&appID)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrNotAnInstance.WithDetails(map[string]interface{}{"component": component.String()})
	}
	if err != nil {
		return nil, fmt.Errorf("installer: component lookup failed: %w", err)
	}
	return i.GetApp(ctx, appID)
}

// guard checks that the target is calling about one of the installer's
// components and returns that component's distributor.
func (i *Installer) guard(ctx context.Context, req distributor.CallRequest) (Distributor, error) {
	target, err := i.Target(ctx)
	if err != nil {
		return nil, err
	}
	if sender := ledger.Sender(ctx); sender != target {
		return nil, ederrors.ErrInvalidTarget.WithDetails(map[string]interface{}{"caller": sender.String()})
	}
	app, err := i.appOf(ctx, req.Sender)
	if err != nil {
		return nil, err
	}
	return i.resolve(ctx, app.Distributor)
}

// BeforeCall is called by the target before it serves req.Sender, one of
// the installed components. It forwards to the component's distributor
// with the installer as caller.
func (i *Installer) BeforeCall(ctx context.Context, req distributor.CallRequest) ([]byte, error) {
	d, err := i.guard(ctx, req)
	if err != nil {
		return nil, err
	}
	return d.BeforeCall(i.asInstaller(ctx), req)
}

// AfterCall completes a call authorized by BeforeCall.
func (i *Installer) AfterCall(ctx context.Context, req distributor.CallRequest, beforeResult []byte) error {
	d, err := i.guard(ctx, req)
	if err != nil {
		return err
	}
	return d.AfterCall(i.asInstaller(ctx), req, beforeResult)
}

var _ Distributor = (*distributor.Distributor)(nil)
