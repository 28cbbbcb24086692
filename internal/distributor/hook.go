package distributor

import (
	"bytes"
	"context"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// hookContextSize is the length of the context BeforeCall returns for
// checked calls: distribution id followed by the app id word.
const hookContextSize = 2 * types.WordSize

// Hook decisions reported to metrics.
const (
	decisionUnknown   = "unknown"
	decisionFiltered  = "filtered"
	decisionRenounced = "renounced"
	decisionMigration = "migration"
	decisionAllowed   = "allowed"
	decisionDenied    = "denied"
)

var _ Hook = (*Distributor)(nil)

func encodeHookContext(distributionID types.Hash, appID uint64) []byte {
	out := make([]byte, 0, hookContextSize)
	out = append(out, distributionID[:]...)
	return append(out, types.Uint64Word(appID)...)
}

// BeforeCall authorizes a privileged call on the component req.Sender made
// by the context's sender. It returns an opaque context for AfterCall; the
// context is empty when the app has been renounced.
//
// Checks run in order: the component must belong to a live app; renounced
// apps pass unchecked; the migration currently executing on the app passes
// unchecked; otherwise the distribution must be enabled, the caller must be
// the app's installer, a target must belong to the same app and the app's
// version must satisfy the distribution's live requirement.
func (d *Distributor) BeforeCall(ctx context.Context, req CallRequest) (result []byte, err error) {
	ctx, done := d.begin(ctx, "BeforeCall", attribute.String("eds.component", req.Sender.String()))
	defer func() { done(err) }()

	caller := ledger.Sender(ctx)
	decision := decisionDenied
	defer func() { d.metrics.decision(decision) }()

	if !d.maybeComponent(req.Sender) {
		decision = decisionFiltered
		return nil, ederrors.ErrInvalidInstance.WithDetails(map[string]interface{}{"component": req.Sender.String()})
	}
	appID, ok, err := d.appOf(ctx, req.Sender)
	if err != nil {
		return nil, err
	}
	if !ok {
		decision = decisionUnknown
		return nil, ederrors.ErrInvalidInstance.WithDetails(map[string]interface{}{"component": req.Sender.String()})
	}
	app, err := d.loadApp(ctx, appID)
	if err != nil {
		return nil, err
	}

	if app.Renounced {
		decision = decisionRenounced
		return []byte{}, nil
	}
	if !app.MigrationID.IsZero() && caller == app.migrationCaller {
		decision = decisionMigration
		return encodeHookContext(app.DistributionID, appID), nil
	}

	dist, err := d.loadDistribution(ctx, app.DistributionID)
	if err != nil {
		return nil, ederrors.ErrInvalidApp.WithCause(err)
	}
	if dist.Disabled {
		return nil, ederrors.ErrInvalidApp.WithDetails(map[string]interface{}{
			"app_id": appID,
			"reason": "distribution disabled",
		})
	}
	if caller != app.Installer {
		return nil, ederrors.ErrNotAnInstaller.WithDetails(map[string]interface{}{
			"app_id": appID,
			"caller": caller.String(),
		})
	}
	if !req.Target.IsZero() {
		targetApp, ok, err := d.appOf(ctx, req.Target)
		if err != nil {
			return nil, err
		}
		if !ok || targetApp != appID {
			return nil, ederrors.ErrInvalidApp.WithDetails(map[string]interface{}{
				"app_id": appID,
				"target": req.Target.String(),
			})
		}
	}
	if dist.Versioned() && !dist.Requirement.Satisfies(app.Version) {
		return nil, ederrors.ErrVersionOutdated.WithDetails(map[string]interface{}{
			"app_id":      appID,
			"version":     app.Version.String(),
			"requirement": dist.Requirement.String(),
		})
	}

	decision = decisionAllowed
	return encodeHookContext(app.DistributionID, appID), nil
}

// AfterCall checks that the component still maps to the app BeforeCall
// authorized.
func (d *Distributor) AfterCall(ctx context.Context, req CallRequest, beforeResult []byte) (err error) {
	ctx, done := d.begin(ctx, "AfterCall", attribute.String("eds.component", req.Sender.String()))
	defer func() { done(err) }()

	appID, ok, err := d.appOf(ctx, req.Sender)
	if err != nil {
		return err
	}
	if !ok {
		return ederrors.ErrInvalidInstance.WithDetails(map[string]interface{}{"component": req.Sender.String()})
	}
	app, err := d.loadApp(ctx, appID)
	if err != nil {
		return err
	}
	if len(beforeResult) == 0 && app.Renounced {
		return nil
	}
	if !bytes.Equal(beforeResult, encodeHookContext(app.DistributionID, appID)) {
		return ederrors.ErrInvalidApp.WithDetails(map[string]interface{}{
			"app_id": appID,
			"reason": "hook context mismatch",
		})
	}
	return nil
}
