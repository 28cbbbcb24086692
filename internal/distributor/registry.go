package distributor

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/repository"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"go.opentelemetry.io/otel/attribute"
)

// DistributionAdded is emitted when a distribution is registered.
type DistributionAdded struct {
	ID          types.Hash          `json:"id"`
	Alias       string              `json:"alias,omitempty"`
	SourceID    types.Hash          `json:"source_id"`
	Repository  types.Address       `json:"repository"`
	Initializer types.Address       `json:"initializer"`
	Requirement *semver.Requirement `json:"requirement,omitempty"`
}

// DistributionDisabled is emitted when a distribution is disabled.
type DistributionDisabled struct {
	ID types.Hash `json:"id"`
}

// VersionChanged is emitted when a versioned distribution's requirement
// changes.
type VersionChanged struct {
	ID       types.Hash         `json:"id"`
	Previous semver.Requirement `json:"previous"`
	Current  semver.Requirement `json:"current"`
}

const distributionColumns = `id, alias, source_id, repository, initializer, req_kind, req_major, req_minor, req_patch, disabled, created_at`

// AddDistribution registers a fixed distribution backed by the code indexed
// under sourceID. initializer may be zero.
func (d *Distributor) AddDistribution(ctx context.Context, sourceID types.Hash, initializer types.Address, alias string) (id types.Hash, err error) {
	ctx, done := d.begin(ctx, "AddDistribution", attribute.String("eds.source_id", sourceID.String()))
	defer func() { done(err) }()

	id = DistributionID(sourceID, initializer)
	err = d.l.Atomic(ctx, func(ctx context.Context) error {
		if err := d.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := d.index.Get(ctx, sourceID); err != nil {
			return err
		}
		if err := d.checkInitializer(initializer); err != nil {
			return err
		}
		dist := &Distribution{ID: id, Alias: alias, SourceID: sourceID, Initializer: initializer}
		return d.insertDistribution(ctx, dist)
	})
	if err != nil {
		return types.Hash{}, err
	}
	return id, nil
}

// AddVersionedDistribution registers a distribution resolved through the
// repository at repo using req.
func (d *Distributor) AddVersionedDistribution(ctx context.Context, repo, initializer types.Address, req semver.Requirement, alias string) (id types.Hash, err error) {
	ctx, done := d.begin(ctx, "AddVersionedDistribution",
		attribute.String("eds.repository", repo.String()),
		attribute.String("eds.requirement", req.String()),
	)
	defer func() { done(err) }()

	id = VersionedDistributionID(repo, initializer)
	err = d.l.Atomic(ctx, func(ctx context.Context) error {
		if err := d.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := repository.At(d.l, repo); err != nil {
			return err
		}
		if err := checkRequirement(req); err != nil {
			return err
		}
		if err := d.checkInitializer(initializer); err != nil {
			return err
		}
		dist := &Distribution{ID: id, Alias: alias, Repository: repo, Initializer: initializer, Requirement: &req}
		return d.insertDistribution(ctx, dist)
	})
	if err != nil {
		return types.Hash{}, err
	}
	return id, nil
}

func checkRequirement(req semver.Requirement) error {
	if req.Version.IsZero() || !req.Kind.Valid() || !req.Version.Valid() {
		return ederrors.ErrInvalidVersionRequested.WithDetails(map[string]interface{}{"requirement": req.String()})
	}
	return nil
}

func (d *Distributor) checkInitializer(initializer types.Address) error {
	if initializer.IsZero() || d.l.HasCode(initializer) {
		return nil
	}
	return ederrors.ErrAddressNotFound.WithDetails(map[string]interface{}{"initializer": initializer.String()})
}

func (d *Distributor) insertDistribution(ctx context.Context, dist *Distribution) error {
	db := d.l.DB(ctx)

	var one int
	err := db.QueryRowContext(ctx, `SELECT 1 FROM distributions WHERE distributor = ? AND id = ?`,
		d.addr[:], dist.ID[:]).Scan(&one)
	if err == nil {
		return ederrors.ErrDistributionExists.WithDetails(map[string]interface{}{"id": dist.ID.String()})
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("distributor: failed to check distribution: %w", err)
	}

	var alias interface{}
	if dist.Alias != "" {
		err := db.QueryRowContext(ctx, `SELECT 1 FROM distributions WHERE distributor = ? AND alias = ?`,
			d.addr[:], dist.Alias).Scan(&one)
		if err == nil {
			return ederrors.ErrAliasAlreadyExists.WithDetails(map[string]interface{}{"alias": dist.Alias})
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("distributor: failed to check alias: %w", err)
		}
		alias = dist.Alias
	}

	var source interface{}
	if !dist.Versioned() {
		source = dist.SourceID.Bytes()
	}
	var kind, major, minor, patch interface{}
	if r := dist.Requirement; r != nil {
		kind, major, minor, patch = int(r.Kind), r.Version.Major, r.Version.Minor, r.Version.Patch
	}

	if _, err := db.ExecContext(ctx, `
		INSERT INTO distributions (distributor, `+distributionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`,
		d.addr[:], dist.ID[:], alias, source, nullable(dist.Repository), dist.Initializer[:],
		kind, major, minor, patch, time.Now().UnixNano()); err != nil {
		return fmt.Errorf("distributor: failed to insert distribution: %w", err)
	}

	return d.l.Emit(ctx, d.addr, "DistributionAdded", DistributionAdded{
		ID:          dist.ID,
		Alias:       dist.Alias,
		SourceID:    dist.SourceID,
		Repository:  dist.Repository,
		Initializer: dist.Initializer,
		Requirement: dist.Requirement,
	})
}

// DisableDistribution stops new instantiations of id and fails the hook
// for its apps. Owner only.
func (d *Distributor) DisableDistribution(ctx context.Context, id types.Hash) (err error) {
	ctx, done := d.begin(ctx, "DisableDistribution", attribute.String("eds.distribution", id.String()))
	defer func() { done(err) }()

	return d.l.Atomic(ctx, func(ctx context.Context) error {
		if err := d.onlyOwner(ctx); err != nil {
			return err
		}
		if _, err := d.loadDistribution(ctx, id); err != nil {
			return err
		}
		if _, err := d.l.DB(ctx).ExecContext(ctx,
			`UPDATE distributions SET disabled = 1 WHERE distributor = ? AND id = ?`,
			d.addr[:], id[:]); err != nil {
			return fmt.Errorf("distributor: failed to disable distribution: %w", err)
		}
		return d.l.Emit(ctx, d.addr, "DistributionDisabled", DistributionDisabled{ID: id})
	})
}

// ChangeVersion replaces the live requirement of a versioned distribution.
// Owner only.
func (d *Distributor) ChangeVersion(ctx context.Context, id types.Hash, req semver.Requirement) (err error) {
	ctx, done := d.begin(ctx, "ChangeVersion",
		attribute.String("eds.distribution", id.String()),
		attribute.String("eds.requirement", req.String()),
	)
	defer func() { done(err) }()

	return d.l.Atomic(ctx, func(ctx context.Context) error {
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
		if err := checkRequirement(req); err != nil {
			return err
		}
		if *dist.Requirement == req {
			return ederrors.ErrInvalidVersionRequested.WithDetails(map[string]interface{}{
				"requirement": req.String(),
				"reason":      "unchanged",
			})
		}
		if _, err := d.l.DB(ctx).ExecContext(ctx, `
			UPDATE distributions SET req_kind = ?, req_major = ?, req_minor = ?, req_patch = ?
			WHERE distributor = ? AND id = ?`,
			int(req.Kind), req.Version.Major, req.Version.Minor, req.Version.Patch,
			d.addr[:], id[:]); err != nil {
			return fmt.Errorf("distributor: failed to change version: %w", err)
		}
		return d.l.Emit(ctx, d.addr, "VersionChanged", VersionChanged{ID: id, Previous: *dist.Requirement, Current: req})
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanDistribution(row rowScanner) (*Distribution, error) {
	var (
		id, source, repo, init []byte
		alias                  sql.NullString
		kind                   sql.NullInt64
		major, minor, patch    sql.NullInt64
		disabled               int
		createdAt              int64
	)
	if err := row.Scan(&id, &alias, &source, &repo, &init, &kind, &major, &minor, &patch, &disabled, &createdAt); err != nil {
		return nil, err
	}
	dist := &Distribution{
		ID:          types.BytesToHash(id),
		Alias:       alias.String,
		Repository:  addressOrZero(repo),
		Initializer: addressOrZero(init),
		Disabled:    disabled != 0,
		CreatedAt:   time.Unix(0, createdAt),
	}
	if source != nil {
		dist.SourceID = types.BytesToHash(source)
	}
	if kind.Valid {
		dist.Requirement = &semver.Requirement{
			Kind:    semver.Kind(kind.Int64),
			Version: semver.V(uint64(major.Int64), uint64(minor.Int64), uint64(patch.Int64)),
		}
	}
	return dist, nil
}

// loadDistribution returns the distribution whether or not it is disabled.
func (d *Distributor) loadDistribution(ctx context.Context, id types.Hash) (*Distribution, error) {
	row := d.l.DB(ctx).QueryRowContext(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE distributor = ? AND id = ?`,
		d.addr[:], id[:])
	dist, err := scanDistribution(row)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrDistributionNotFound.WithDetails(map[string]interface{}{"id": id.String()})
	}
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to load distribution: %w", err)
	}
	return dist, nil
}

// GetDistribution returns the distribution registered under id.
func (d *Distributor) GetDistribution(ctx context.Context, id types.Hash) (*Distribution, error) {
	return d.loadDistribution(ctx, id)
}

// GetIDFromAlias resolves an alias to its distribution id.
func (d *Distributor) GetIDFromAlias(ctx context.Context, alias string) (types.Hash, error) {
	alias = strings.TrimSpace(alias)
	var id []byte
	err := d.l.DB(ctx).QueryRowContext(ctx,
		`SELECT id FROM distributions WHERE distributor = ? AND alias = ?`, d.addr[:], alias).Scan(&id)
	if err == sql.ErrNoRows {
		return types.Hash{}, ederrors.ErrDistributionNotFound.WithDetails(map[string]interface{}{"alias": alias})
	}
	if err != nil {
		return types.Hash{}, fmt.Errorf("distributor: failed to resolve alias: %w", err)
	}
	return types.BytesToHash(id), nil
}

// ListDistributions returns every distribution in registration order.
func (d *Distributor) ListDistributions(ctx context.Context) ([]*Distribution, error) {
	rows, err := d.l.DB(ctx).QueryContext(ctx,
		`SELECT `+distributionColumns+` FROM distributions WHERE distributor = ? ORDER BY created_at, rowid`, d.addr[:])
	if err != nil {
		return nil, fmt.Errorf("distributor: failed to list distributions: %w", err)
	}
	defer rows.Close()

	var out []*Distribution
	for rows.Next() {
		dist, err := scanDistribution(rows)
		if err != nil {
			return nil, fmt.Errorf("distributor: failed to scan distribution: %w", err)
		}
		out = append(out, dist)
	}
	return out, rows.Err()
}

// VersionRequirements returns the live requirement of a versioned
// distribution.
func (d *Distributor) VersionRequirements(ctx context.Context, id types.Hash) (semver.Requirement, error) {
	dist, err := d.loadDistribution(ctx, id)
	if err != nil {
		return semver.Requirement{}, err
	}
	if !dist.Versioned() {
		return semver.Requirement{}, ederrors.ErrUnversionedDistribution.WithDetails(map[string]interface{}{"id": id.String()})
	}
	return *dist.Requirement, nil
}

// GetDistributionURI describes a distribution: the repository URI for
// versioned ones, the source's ContractURI for fixed ones.
func (d *Distributor) GetDistributionURI(ctx context.Context, id types.Hash) (string, error) {
	dist, err := d.loadDistribution(ctx, id)
	if err != nil {
		return "", err
	}
	if dist.Versioned() {
		repo, err := repository.At(d.l, dist.Repository)
		if err != nil {
			return "", err
		}
		return repo.URI(ctx)
	}
	source, err := d.index.Get(ctx, dist.SourceID)
	if err != nil {
		return "", err
	}
	if c, ok := d.l.Code(source); ok {
		if u, ok := c.(ContractURI); ok {
			return u.ContractURI(), nil
		}
	}
	return "", nil
}

// resolveSource returns the address of the code a new app of dist is
// created from and the version it carries.
func (d *Distributor) resolveSource(ctx context.Context, dist *Distribution) (types.Address, semver.Version, error) {
	if !dist.Versioned() {
		addr, err := d.index.Get(ctx, dist.SourceID)
		return addr, semver.Version{}, err
	}
	repo, err := repository.At(d.l, dist.Repository)
	if err != nil {
		return types.Address{}, semver.Version{}, err
	}
	rel, err := repo.Get(ctx, *dist.Requirement)
	if err != nil {
		return types.Address{}, semver.Version{}, err
	}
	addr, err := d.index.Get(ctx, rel.SourceID)
	if err != nil {
		return types.Address{}, semver.Version{}, err
	}
	return addr, rel.Version, nil
}
