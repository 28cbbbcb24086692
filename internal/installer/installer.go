package installer

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/arkilian/eds/internal/distributor"
	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

// Kind is the ledger code kind of an installer.
const Kind = "installer"

const bytecode = "eds/installer/v1"

type contract struct{}

func (contract) Kind() string     { return Kind }
func (contract) Bytecode() []byte { return []byte(bytecode) }

// Register adds the installer kind and schema to reg.
func Register(reg *ledger.Registry) {
	reg.Kind(Kind, func([]byte) (ledger.Contract, error) { return contract{}, nil })
	reg.Schema(AllSchemaSQL()...)
}

// Distributor is the part of a distributor the installer drives. Calls are
// made with the installer as sender.
type Distributor interface {
	Address() types.Address
	Instantiate(ctx context.Context, id types.Hash, args []byte) (uint64, []types.Address, error)
	BeforeCall(ctx context.Context, req distributor.CallRequest) ([]byte, error)
	AfterCall(ctx context.Context, req distributor.CallRequest, beforeResult []byte) error
	UpgradeUserInstance(ctx context.Context, appID uint64, migrationID types.Hash, userCalldata []byte) (semver.Version, error)
	OnDistributorChanged(ctx context.Context, appID uint64, newDistributor types.Address, appData [][]byte) error
}

// Resolver returns a handle on the distributor deployed at addr.
type Resolver func(ctx context.Context, addr types.Address) (Distributor, error)

// Options configures an Installer handle.
type Options struct {
	Resolve Resolver
	Logger  *slog.Logger
}

// Installer is a handle on a deployed installer.
type Installer struct {
	l       *ledger.Ledger
	addr    types.Address
	resolve Resolver
	logger  *slog.Logger
}

// Config describes an installer to deploy.
type Config struct {
	Owner  types.Address
	Target types.Address
}

// Deploy creates an installer guarding cfg.Target.
func Deploy(ctx context.Context, l *ledger.Ledger, cfg Config, opts Options) (*Installer, error) {
	if cfg.Owner.IsZero() || cfg.Target.IsZero() {
		return nil, ederrors.NewValidationError("installer owner and target are required")
	}
	var addr types.Address
	err := l.Atomic(ctx, func(ctx context.Context) error {
		var err error
		addr, err = l.Deploy(ctx, cfg.Owner, contract{})
		if err != nil {
			return err
		}
		if _, err := l.DB(ctx).ExecContext(ctx, `
			INSERT INTO installers (address, owner, target, created_at) VALUES (?, ?, ?, ?)`,
			addr[:], cfg.Owner[:], cfg.Target[:], time.Now().UnixNano()); err != nil {
			return fmt.Errorf("installer: failed to create: %w", err)
		}
		return l.Emit(ctx, addr, "InstallerCreated", map[string]interface{}{
			"owner":  cfg.Owner,
			"target": cfg.Target,
		})
	})
	if err != nil {
		return nil, err
	}
	return newHandle(l, addr, opts)
}

// At returns a handle on the installer deployed at addr.
func At(l *ledger.Ledger, addr types.Address, opts Options) (*Installer, error) {
	c, ok := l.Code(addr)
	if !ok || c.Kind() != Kind {
		return nil, ederrors.ErrAddressNotFound.WithDetails(map[string]interface{}{"installer": addr.String()})
	}
	return newHandle(l, addr, opts)
}

func newHandle(l *ledger.Ledger, addr types.Address, opts Options) (*Installer, error) {
	if opts.Resolve == nil {
		return nil, ederrors.NewValidationError("installer needs a distributor resolver")
	}
	logger := opts.Logger
	if logger == nil {
		logger = l.BaseLogger()
	}
	return &Installer{
		l:       l,
		addr:    addr,
		resolve: opts.Resolve,
		logger:  logger.With("component", "installer", "installer", addr.String()),
	}, nil
}

// Address returns the installer's address.
func (i *Installer) Address() types.Address {
	return i.addr
}

// Owner returns the installer owner.
func (i *Installer) Owner(ctx context.Context) (types.Address, error) {
	owner, _, err := i.info(ctx)
	return owner, err
}

// Target returns the address the installer protects.
func (i *Installer) Target(ctx context.Context) (types.Address, error) {
	_, target, err := i.info(ctx)
	return target, err
}

func (i *Installer) info(ctx context.Context) (types.Address, types.Address, error) {
	var owner, target []byte
	err := i.l.DB(ctx).QueryRowContext(ctx,
		`SELECT owner, target FROM installers WHERE address = ?`, i.addr[:]).Scan(&owner, &target)
	if err != nil {
		return types.Address{}, types.Address{}, fmt.Errorf("installer: failed to read %s: %w", i.addr, err)
	}
	return types.BytesToAddress(owner), types.BytesToAddress(target), nil
}

func (i *Installer) onlyOwner(ctx context.Context) error {
	owner, err := i.Owner(ctx)
	if err != nil {
		return err
	}
	if sender := ledger.Sender(ctx); sender != owner {
		return ederrors.ErrUnauthorized.WithDetails(map[string]interface{}{"sender": sender.String()})
	}
	return nil
}

// asInstaller marks the installer as the sender of calls it forwards.
func (i *Installer) asInstaller(ctx context.Context) context.Context {
	return ledger.WithSender(ctx, i.addr)
}

// AddDistributor trusts every distribution of distributor. Owner only.
func (i *Installer) AddDistributor(ctx context.Context, addr types.Address) error {
	return i.l.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := i.resolve(ctx, addr); err != nil {
			return err
		}
		res, err := i.l.DB(ctx).ExecContext(ctx, `
			INSERT OR IGNORE INTO installer_distributors (installer, distributor, created_at) VALUES (?, ?, ?)`,
			i.addr[:], addr[:], time.Now().UnixNano())
		if err != nil {
			return fmt.Errorf("installer: failed to whitelist distributor: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return nil
		}
		return i.l.Emit(ctx, i.addr, "DistributorAdded", map[string]interface{}{"distributor": addr})
	})
}

// RemoveDistributor withdraws whole-distributor trust. Owner only.
func (i *Installer) RemoveDistributor(ctx context.Context, addr types.Address) error {
	return i.l.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(ctx); err != nil {
			return err
		}
		res, err := i.l.DB(ctx).ExecContext(ctx,
			`DELETE FROM installer_distributors WHERE installer = ? AND distributor = ?`, i.addr[:], addr[:])
		if err != nil {
			return fmt.Errorf("installer: failed to remove distributor: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ederrors.ErrAddressNotFound.WithDetails(map[string]interface{}{"distributor": addr.String()})
		}
		return i.l.Emit(ctx, i.addr, "DistributorRemoved", map[string]interface{}{"distributor": addr})
	})
}

// AllowDistribution trusts one distribution of a distributor that is not
// whitelisted as a whole. Owner only.
func (i *Installer) AllowDistribution(ctx context.Context, addr types.Address, id types.Hash) error {
	return i.l.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := i.resolve(ctx, addr); err != nil {
			return err
		}
		if _, err := i.l.DB(ctx).ExecContext(ctx, `
			INSERT OR IGNORE INTO installer_distributions (installer, distributor, distribution_id) VALUES (?, ?, ?)`,
			i.addr[:], addr[:], id[:]); err != nil {
			return fmt.Errorf("installer: failed to allow distribution: %w", err)
		}
		return i.l.Emit(ctx, i.addr, "DistributionAllowed", map[string]interface{}{
			"distributor":     addr,
			"distribution_id": id,
		})
	})
}

// DisallowDistribution revokes a single-distribution permission. Owner only.
func (i *Installer) DisallowDistribution(ctx context.Context, addr types.Address, id types.Hash) error {
	return i.l.Atomic(ctx, func(ctx context.Context) error {
		if err := i.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := i.l.DB(ctx).ExecContext(ctx,
			`DELETE FROM installer_distributions WHERE installer = ? AND distributor = ? AND distribution_id = ?`,
			i.addr[:], addr[:], id[:]); err != nil {
			return fmt.Errorf("installer: failed to disallow distribution: %w", err)
		}
		return i.l.Emit(ctx, i.addr, "DistributionDisallowed", map[string]interface{}{
			"distributor":     addr,
			"distribution_id": id,
		})
	})
}

// IsDistributor reports whether addr is whitelisted as a whole.
func (i *Installer) IsDistributor(ctx context.Context, addr types.Address) (bool, error) {
	var one int
	err := i.l.DB(ctx).QueryRowContext(ctx,
		`SELECT 1 FROM installer_distributors WHERE installer = ? AND distributor = ?`, i.addr[:], addr[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("installer: whitelist lookup failed: %w", err)
	}
	return true, nil
}

// Permitted reports whether installing distribution id from addr is allowed.
func (i *Installer) Permitted(ctx context.Context, addr types.Address, id types.Hash) (bool, error) {
	ok, err := i.IsDistributor(ctx, addr)
	if err != nil || ok {
		return ok, err
	}
	var one int
	err = i.l.DB(ctx).QueryRowContext(ctx, `
		SELECT 1 FROM installer_distributions WHERE installer = ? AND distributor = ? AND distribution_id = ?`,
		i.addr[:], addr[:], id[:]).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("installer: permission lookup failed: %w", err)
	}
	return true, nil
}

// ListDistributors returns the whitelisted distributors.
func (i *Installer) ListDistributors(ctx context.Context) ([]types.Address, error) {
	rows, err := i.l.DB(ctx).QueryContext(ctx,
		`SELECT distributor FROM installer_distributors WHERE installer = ? ORDER BY created_at, rowid`, i.addr[:])
	if err != nil {
		return nil, fmt.Errorf("installer: failed to list distributors: %w", err)
	}
	defer rows.Close()

	var out []types.Address
	for rows.Next() {
		var a []byte
		if err := rows.Scan(&a); err != nil {
			return nil, fmt.Errorf("installer: failed to scan distributor: %w", err)
		}
		out = append(out, types.BytesToAddress(a))
	}
	return out, rows.Err()
}
