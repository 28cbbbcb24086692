package distributor

import (
	"context"
	"errors"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// Instantiated is emitted when a new app is created.
type Instantiated struct {
	DistributionID types.Hash      `json:"distribution_id"`
	AppID          uint64          `json:"app_id"`
	Components     []types.Address `json:"components"`
	Installer      types.Address   `json:"installer"`
	Version        semver.Version  `json:"version"`
	Args           []byte          `json:"args,omitempty"`
}

// Instantiate creates a new app from distribution id. The sender becomes
// the app's installer. args are handed to the source's Instantiate and to
// the initializer.
func (d *Distributor) Instantiate(ctx context.Context, id types.Hash, args []byte) (appID uint64, comps []types.Address, err error) {
	ctx, done := d.begin(ctx, "Instantiate", attribute.String("eds.distribution", id.String()))
	defer func() { done(err) }()

	installer := ledger.Sender(ctx)
	err = d.l.Atomic(ctx, func(ctx context.Context) error {
		dist, err := d.loadDistribution(ctx, id)
		if err != nil {
			return err
		}
		if dist.Disabled {
			return ederrors.ErrDistributionNotFound.WithDetails(map[string]interface{}{
				"id":     id.String(),
				"reason": "disabled",
			})
		}
		source, version, err := d.resolveSource(ctx, dist)
		if err != nil {
			return err
		}

		// Bookkeeping is committed to the frame before any external code runs.
		if appID, err = d.nextAppID(ctx); err != nil {
			return err
		}
		app := &App{AppID: appID, DistributionID: id, Installer: installer, Version: version}
		if err := d.insertApp(ctx, app); err != nil {
			return err
		}

		if comps, err = d.deployComponents(ctx, source, args); err != nil {
			return err
		}
		if err := d.bindComponents(ctx, appID, comps); err != nil {
			return err
		}
		d.trackComponents(comps)

		if !dist.Initializer.IsZero() {
			inst := Instance{AppID: appID, DistributionID: id, Components: comps, Version: version}
			err := d.l.Invoke(ctx, ledger.Call{Caller: installer, Code: dist.Initializer, Self: d.addr},
				func(ctx context.Context, c ledger.Contract) error {
					init, ok := c.(Initializer)
					if !ok {
						return ledger.NotImplemented("Initializer")
					}
					return init.Initialize(ctx, d.l, inst, args)
				})
			if err != nil {
				return instantiationError(err)
			}
		}

		return d.l.Emit(ctx, d.addr, "Instantiated", Instantiated{
			DistributionID: id,
			AppID:          appID,
			Components:     comps,
			Installer:      installer,
			Version:        version,
			Args:           args,
		})
	})
	if err != nil {
		return 0, nil, err
	}
	d.refreshFilter(ctx)
	d.logger.Info("app instantiated", "app_id", appID, "distribution", id.String(), "components", len(comps))
	return appID, comps, nil
}

// deployComponents runs the source's own instantiation logic when it has
// one and clones the source otherwise.
func (d *Distributor) deployComponents(ctx context.Context, source types.Address, args []byte) ([]types.Address, error) {
	c, ok := d.l.Code(source)
	if !ok {
		return nil, ederrors.ErrNoCode.WithDetails(map[string]interface{}{"address": source.String()})
	}
	if _, ok := c.(Instantiator); !ok {
		addr, err := d.l.Clone(ctx, d.addr, source)
		if err != nil {
			return nil, err
		}
		return []types.Address{addr}, nil
	}

	var comps []types.Address
	err := d.l.Invoke(ctx, ledger.Call{Caller: d.addr, Code: source},
		func(ctx context.Context, c ledger.Contract) error {
			var err error
			comps, err = c.(Instantiator).Instantiate(ctx, d.l, args)
			if err == nil && len(comps) == 0 {
				err = errors.New("instantiation produced no components")
			}
			return err
		})
	if err != nil {
		return nil, instantiationError(err)
	}
	return comps, nil
}

func instantiationError(err error) error {
	return classify(err, ederrors.ErrInstantiationFailed, ederrors.ErrInstantiationPanic, ederrors.ErrInstantiationLowLevel)
}

func upgradeError(err error) error {
	return classify(err, ederrors.ErrUpgradeFailedRevert, ederrors.ErrUpgradeFailedPanic, ederrors.ErrUpgradeFailedError)
}

// classify maps an execution failure to the matching error of the three
// classes. Other errors pass through.
func classify(err error, revert, panicked, lowLevel *ederrors.EDSError) error {
	var ee *ledger.ExecutionError
	if !errors.As(err, &ee) {
		return err
	}
	details := map[string]interface{}{"code": ee.Code.String()}
	switch ee.Class {
	case ledger.FailureRevert:
		details["reason"] = ee.Reason
		return revert.WithDetails(details).WithCause(err)
	case ledger.FailurePanic:
		details["panic_code"] = ee.PanicCode
		return panicked.WithDetails(details).WithCause(err)
	default:
		return lowLevel.WithDetails(details).WithCause(err)
	}
}
