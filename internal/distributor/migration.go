package distributor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/repository"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// MigrationContractAdded is emitted when a migration plan is registered.
type MigrationContractAdded struct {
	ID              types.Hash         `json:"id"`
	DistributionID  types.Hash         `json:"distribution_id"`
	From            semver.Requirement `json:"from"`
	To              semver.Requirement `json:"to"`
	MigrationCodeID types.Hash         `json:"migration_code_id"`
	Strategy        Strategy           `json:"strategy"`
}

// MigrationContractRemoved is emitted when a migration plan is removed.
type MigrationContractRemoved struct {
	ID types.Hash `json:"id"`
}

// UserUpgraded is emitted when an app migrates to a new version.
type UserUpgraded struct {
	AppID        uint64         `json:"app_id"`
	MigrationID  types.Hash     `json:"migration_id"`
	From         semver.Version `json:"from"`
	To           semver.Version `json:"to"`
	UserCalldata []byte         `json:"user_calldata,omitempty"`
}

// DistributorChanged is emitted when an app leaves this distributor.
type DistributorChanged struct {
	AppID          uint64        `json:"app_id"`
	NewDistributor types.Address `json:"new_distributor"`
	AppData        [][]byte      `json:"app_data"`
}

// AppRenounced is emitted when an installer gives up checks on an app.
type AppRenounced struct {
	AppID uint64 `json:"app_id"`
}

const migrationColumns = `id, distribution_id, from_kind, from_major, from_minor, from_patch,
	to_kind, to_major, to_minor, to_patch, migration_code_id, strategy, distributor_calldata, created_at`

// AddVersionMigration registers a plan moving apps of distribution id from
// one version window to another. Owner only.
//
// CALL and DELEGATECALL plans execute the code indexed under
// migrationCodeID. REPOSITORY_MANAGED plans execute the repository's
// migration script for the destination major; migrationCodeID only
// contributes to the plan id.
func (d *Distributor) AddVersionMigration(ctx context.Context, id types.Hash, from, to semver.Requirement,
	migrationCodeID types.Hash, strategy Strategy, distributorCalldata []byte) (migrationID types.Hash, err error) {
	ctx, done := d.begin(ctx, "AddVersionMigration",
		attribute.String("eds.distribution", id.String()),
		attribute.String("eds.strategy", strategy.String()),
	)
	defer func() { done(err) }()

	migrationID = MigrationID(id, migrationCodeID, strategy)
	err = d.l.Atomic(ctx, func(ctx context.Context) error {
		if err := d.onlyOwner(ctx); err != nil {
			return err
		}
		dist, err := d.loadDistribution(ctx, id)
		if err != nil {
			return err
		}
		if !dist.Versioned() {
			return ederrors.ErrUnversionedDistribution.WithDetails(map[string]interface{}{"id": id.String()})
		}
		if !strategy.Valid() {
			return ederrors.ErrInvalidMigration.WithDetails(map[string]interface{}{"strategy": strategy.String()})
		}
		if !from.Kind.Valid() || !to.Kind.Valid() || to.Version.IsZero() ||
			!from.Version.Valid() || !to.Version.Valid() {
			return ederrors.ErrInvalidVersionRequested.WithDetails(map[string]interface{}{
				"from": from.String(),
				"to":   to.String(),
			})
		}
		switch strategy {
		case StrategyRepositoryManaged:
			if from.Version.Major == to.Version.Major {
				return ederrors.ErrInvalidMigration.WithDetails(map[string]interface{}{
					"reason": "repository managed migrations must change the major version",
				})
			}
		case StrategyCall, StrategyDelegateCall:
			if _, err := d.index.Get(ctx, migrationCodeID); err != nil {
				return err
			}
		}

		db := d.l.DB(ctx)
		var one int
		err = db.QueryRowContext(ctx, `SELECT 1 FROM migrations WHERE distributor = ? AND id = ?`,
			d.addr[:], migrationID[:]).Scan(&one)
		if err == nil {
			return ederrors.ErrMigrationAlreadyExists.WithDetails(map[string]interface{}{"id": migrationID.String()})
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("distributor: failed to check migration: %w", err)
		}

		if distributorCalldata == nil {
			distributorCalldata = []byte{}
		}
		if _, err := db.ExecContext(ctx, `
			INSERT INTO migrations (distributor, `+migrationColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			d.addr[:], migrationID[:], id[:],
			int(from.Kind), from.Version.Major, from.Version.Minor, from.Version.Patch,
			int(to.Kind), to.Version.Major, to.Version.Minor, to.Version.Patch,
			migrationCodeID[:], int(strategy), distributorCalldata, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("distributor: failed to insert migration: %w", err)
		}
		return d.l.Emit(ctx, d.addr, "MigrationContractAdded", MigrationContractAdded{
			ID:              migrationID,
			DistributionID:  id,
			From:            from,
			To:              to,
			MigrationCodeID: migrationCodeID,
			Strategy:        strategy,
		})
	})
	if err != nil {
		return types.Hash{}, err
	}
	return migrationID, nil
}

// RemoveVersionMigration deletes a migration plan. Owner only.
func (d *Distributor) RemoveVersionMigration(ctx context.Context, migrationID types.Hash) (err error) {
	ctx, done := d.begin(ctx, "RemoveVersionMigration", attribute.String("eds.migration", migrationID.String()))
	defer func() { done(err) }()

	return d.l.Atomic(ctx, func(ctx context.Context) error {
		if err := d.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := d.loadMigration(ctx, migrationID); err != nil {
			return err
		}
		if _, err := d.l.DB(ctx).ExecContext(ctx,
			`DELETE FROM migrations WHERE distributor = ? AND id = ?`, d.addr[:], migrationID[:]); err != nil {
			return fmt.Errorf("distributor: failed to remove migration: %w", err)
		}
		return d.l.Emit(ctx, d.addr, "MigrationContractRemoved", MigrationContractRemoved{ID: migrationID})
	})
}

func scanMigration(row rowScanner) (*MigrationPlan, error) {
	var (
		id, dist, code []byte
		fromKind       int
		toKind         int
		strategy       int
		createdAt      int64
	)
	p := &MigrationPlan{}
	err := row.Scan(&id, &dist,
		&fromKind, &p.From.Version.Major, &p.From.Version.Minor, &p.From.Version.Patch,
		&toKind, &p.To.Version.Major, &p.To.Version.Minor, &p.To.Version.Patch,
		&code, &strategy, &p.DistributorCalldata, &createdAt)
	if err != nil {
		return nil, err
	}
	p.ID = types.BytesToHash(id)
	p.DistributionID = types.BytesToHash(dist)
	p.From.Kind = semver.Kind(fromKind)
	p.To.Kind = semver.Kind(toKind)
	p.MigrationCodeID = types.BytesToHash(code)
	p.Strategy = Strategy(strategy)
	p.CreatedAt = time.Unix(0, createdAt)
	return p, nil
}

func (d *Distributor) loadMigration(ctx context.Context, migrationID types.Hash) (*MigrationPlan, error) {
	row := d.l.DB(ctx).QueryRowContext(ctx,
		`SELECT `+migrationColumns+` FROM migrations WHERE distributor = ? AND id = ?`,
		d.addr[:], migrationID[:])
	p, err := scanMigration(row)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrMigrationContractNotFound.WithDetails(map[string]interface{}{"id": migrationID.String()})
	}
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to load migration: %w", err)
	}
	return p, nil
}

// GetVersionMigration returns the migration plan registered under
// migrationID.
func (d *Distributor) GetVersionMigration(ctx context.Context, migrationID types.Hash) (*MigrationPlan, error) {
	return d.loadMigration(ctx, migrationID)
}

// ListMigrations returns the plans registered for distribution id.
func (d *Distributor) ListMigrations(ctx context.Context, id types.Hash) ([]*MigrationPlan, error) {
	rows, err := d.l.DB(ctx).QueryContext(ctx,
		`SELECT `+migrationColumns+` FROM migrations WHERE distributor = ? AND distribution_id = ? ORDER BY created_at, rowid`,
		d.addr[:], id[:])
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to list migrations: %w", err)
	}
	defer rows.Close()

	var out []*MigrationPlan
	for rows.Next() {
		p, err := scanMigration(rows)
		if err != nil {
			return nil, fmt.Errorf("distributor: failed to scan migration: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// liveApp loads an app that still belongs to this distributor.
func (d *Distributor) liveApp(ctx context.Context, appID uint64) (*App, error) {
	app, err := d.loadApp(ctx, appID)
	if errors.Is(err, ederrors.ErrAppNotFound) {
		return nil, ederrors.ErrDistributionNotFound.WithDetails(map[string]interface{}{"app_id": appID})
	}
	if err != nil {
		return nil, err
	}
	if app.Detached() {
		return nil, ederrors.ErrDistributionNotFound.WithDetails(map[string]interface{}{
			"app_id":      appID,
			"detached_to": app.DetachedTo.String(),
		})
	}
	return app, nil
}

// UpgradeUserInstance runs migration plan migrationID against appID and
// returns the app's new version. Only the app's installer may upgrade it.
func (d *Distributor) UpgradeUserInstance(ctx context.Context, appID uint64, migrationID types.Hash, userCalldata []byte) (newVersion semver.Version, err error) {
	ctx, done := d.begin(ctx, "UpgradeUserInstance",
		attribute.Int64("eds.app_id", int64(appID)),
		attribute.String("eds.migration", migrationID.String()),
	)
	defer func() { done(err) }()

	caller := ledger.Sender(ctx)
	var from semver.Version
	err = d.l.Atomic(ctx, func(ctx context.Context) error {
		app, err := d.liveApp(ctx, appID)
		if err != nil {
			return err
		}
		plan, err := d.loadMigration(ctx, migrationID)
		if err != nil {
			return err
		}
		if plan.DistributionID != app.DistributionID {
			return ederrors.ErrMigrationContractNotFound.WithDetails(map[string]interface{}{
				"id":     migrationID.String(),
				"app_id": appID,
			})
		}
		if caller != app.Installer {
			return ederrors.ErrNotAnInstaller.WithDetails(map[string]interface{}{
				"app_id": appID,
				"caller": caller.String(),
			})
		}
		if !plan.From.Satisfies(app.Version) {
			return ederrors.ErrMigrationOutOfRange.WithDetails(map[string]interface{}{
				"app_id":  appID,
				"version": app.Version.String(),
				"from":    plan.From.String(),
			})
		}
		dist, err := d.loadDistribution(ctx, app.DistributionID)
		if err != nil {
			return err
		}

		code, target, err := d.resolveMigration(ctx, dist, plan)
		if err != nil {
			return err
		}

		var self types.Address
		switch plan.Strategy {
		case StrategyDelegateCall:
			self = app.Components[0]
		case StrategyCall, StrategyRepositoryManaged:
			self = code
		default:
			return ederrors.ErrInvalidMigration.WithDetails(map[string]interface{}{"strategy": plan.Strategy.String()})
		}

		// Version and marker are written before the migration code runs so
		// reentrant calls observe the target state.
		from = app.Version
		if err := d.setVersion(ctx, appID, target); err != nil {
			return err
		}
		if err := d.setMarker(ctx, appID, migrationID, self); err != nil {
			return err
		}

		call := MigrationCall{
			Components:          app.Components,
			AppID:               appID,
			From:                from,
			To:                  target,
			UserCalldata:        userCalldata,
			DistributorCalldata: plan.DistributorCalldata,
			Hook:                d,
		}
		err = d.l.Invoke(ctx, ledger.Call{Caller: d.addr, Code: code, Self: self},
			func(ctx context.Context, c ledger.Contract) error {
				m, ok := c.(Migration)
				if !ok {
					return ledger.NotImplemented("Migration")
				}
				return m.Migrate(ctx, d.l, call)
			})
		if err != nil {
			return upgradeError(err)
		}

		if err := d.setMarker(ctx, appID, types.Hash{}, types.Address{}); err != nil {
			return err
		}
		newVersion = target
		return d.l.Emit(ctx, d.addr, "UserUpgraded", UserUpgraded{
			AppID:        appID,
			MigrationID:  migrationID,
			From:         from,
			To:           target,
			UserCalldata: userCalldata,
		})
	})
	if err != nil {
		return semver.Version{}, err
	}
	d.logger.Info("app upgraded", "app_id", appID, "from", from.String(), "to", newVersion.String())
	return newVersion, nil
}

// resolveMigration returns the address of the code a plan executes and the
// version the app ends up at.
func (d *Distributor) resolveMigration(ctx context.Context, dist *Distribution, plan *MigrationPlan) (types.Address, semver.Version, error) {
	switch plan.Strategy {
	case StrategyCall, StrategyDelegateCall:
		code, err := d.index.Get(ctx, plan.MigrationCodeID)
		if err != nil {
			return types.Address{}, semver.Version{}, ederrors.ErrMigrationContractNotFound.WithCause(err)
		}
		return code, plan.To.Version, nil

	case StrategyRepositoryManaged:
		repo, err := repository.At(d.l, dist.Repository)
		if err != nil {
			return types.Address{}, semver.Version{}, err
		}
		rel, err := repo.Get(ctx, plan.To)
		if err != nil {
			return types.Address{}, semver.Version{}, err
		}
		script, err := repo.GetMigrationScript(ctx, rel.Version.Major)
		if err != nil {
			return types.Address{}, semver.Version{}, err
		}
		if script.IsZero() {
			return types.Address{}, semver.Version{}, ederrors.ErrMigrationContractNotFound.WithDetails(map[string]interface{}{
				"major": rel.Version.Major,
			})
		}
		code, err := d.index.Get(ctx, script)
		if err != nil {
			return types.Address{}, semver.Version{}, ederrors.ErrMigrationContractNotFound.WithCause(err)
		}
		return code, rel.Version, nil

	default:
		return types.Address{}, semver.Version{}, ederrors.ErrInvalidMigration.WithDetails(map[string]interface{}{
			"strategy": plan.Strategy.String(),
		})
	}
}

// OnDistributorChanged detaches appID from this distributor. Its
// components stop resolving here. appData carries one entry per component.
// Installer only.
func (d *Distributor) OnDistributorChanged(ctx context.Context, appID uint64, newDistributor types.Address, appData [][]byte) (err error) {
	ctx, done := d.begin(ctx, "OnDistributorChanged",
		attribute.Int64("eds.app_id", int64(appID)),
		attribute.String("eds.new_distributor", newDistributor.String()),
	)
	defer func() { done(err) }()

	if newDistributor.IsZero() {
		return ederrors.NewValidationError("new distributor is required")
	}
	caller := ledger.Sender(ctx)
	return d.l.Atomic(ctx, func(ctx context.Context) error {
		app, err := d.liveApp(ctx, appID)
		if err != nil {
			return err
		}
		if caller != app.Installer {
			return ederrors.ErrNotAnInstaller.WithDetails(map[string]interface{}{
				"app_id": appID,
				"caller": caller.String(),
			})
		}
		if len(appData) != len(app.Components) {
			return ederrors.ErrAppDataLengthMismatch.WithDetails(map[string]interface{}{
				"components": len(app.Components),
				"app_data":   len(appData),
			})
		}

		db := d.l.DB(ctx)
		if _, err := db.ExecContext(ctx,
			`DELETE FROM app_components WHERE distributor = ? AND app_id = ?`, d.addr[:], appID); err != nil {
			return fmt.Errorf("distributor: failed to release components: %w", err)
		}
		if _, err := db.ExecContext(ctx,
			`UPDATE apps SET detached_to = ? WHERE distributor = ? AND app_id = ?`,
			newDistributor[:], d.addr[:], appID); err != nil {
			return fmt.Errorf("distributor: failed to detach app: %w", err)
		}
		return d.l.Emit(ctx, d.addr, "DistributorChanged", DistributorChanged{
			AppID:          appID,
			NewDistributor: newDistributor,
			AppData:        appData,
		})
	})
}

// RenounceApp permanently disables hook checks for appID. Installer only.
// Renouncing twice is a no-op.
func (d *Distributor) RenounceApp(ctx context.Context, appID uint64) (err error) {
	ctx, done := d.begin(ctx, "RenounceApp", attribute.Int64("eds.app_id", int64(appID)))
	defer func() { done(err) }()

	caller := ledger.Sender(ctx)
	return d.l.Atomic(ctx, func(ctx context.Context) error {
		app, err := d.liveApp(ctx, appID)
		if err != nil {
			return err
		}
		if caller != app.Installer {
			return ederrors.ErrNotAnInstaller.WithDetails(map[string]interface{}{
				"app_id": appID,
				"caller": caller.String(),
			})
		}
		if app.Renounced {
			return nil
		}
		if _, err := d.l.DB(ctx).ExecContext(ctx,
			`UPDATE apps SET renounced = 1 WHERE distributor = ? AND app_id = ?`, d.addr[:], appID); err != nil {
			return fmt.Errorf("distributor: failed to renounce app: %w", err)
		}
		return d.l.Emit(ctx, d.addr, "AppRenounced", AppRenounced{AppID: appID})
	})
}
