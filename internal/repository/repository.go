package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

// Kind is the ledger code kind of a repository.
const Kind = "repository"

const bytecode = "eds/repository/v1"

type contract struct{}

func (contract) Kind() string     { return Kind }
func (contract) Bytecode() []byte { return []byte(bytecode) }

// Register adds the repository kind and schema to reg.
func Register(reg *ledger.Registry) {
	reg.Kind(Kind, func([]byte) (ledger.Contract, error) { return contract{}, nil })
	reg.Schema(AllSchemaSQL()...)
}

// Release is one resolved entry of the ledger.
type Release struct {
	Version      semver.Version `json:"version"`
	SourceID     types.Hash     `json:"source_id"`
	Metadata     []byte         `json:"metadata"`
	MigrationRef types.Hash     `json:"migration_ref"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Config describes a repository to deploy.
type Config struct {
	Owner types.Address
	Name  string
	URI   string
}

// Repository is a handle on a deployed repository.
type Repository struct {
	l    *ledger.Ledger
	addr types.Address
}

// Deploy creates an empty repository owned by cfg.Owner.
func Deploy(ctx context.Context, l *ledger.Ledger, cfg Config) (*Repository, error) {
	if cfg.Owner.IsZero() {
		return nil, ederrors.NewValidationError("repository owner is required")
	}
	var addr types.Address
	err := l.Atomic(ctx, func(ctx context.Context) error {
		var err error
		addr, err = l.Deploy(ctx, cfg.Owner, contract{})
		if err != nil {
			return err
		}
		if _, err := l.DB(ctx).ExecContext(ctx, `
			INSERT INTO repositories (address, owner, name, uri, created_at) VALUES (?, ?, ?, ?, ?)`,
			addr[:], cfg.Owner[:], cfg.Name, cfg.URI, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("repository: failed to create: %w", err)
		}
		return l.Emit(ctx, addr, "RepositoryCreated", map[string]interface{}{
			"owner": cfg.Owner,
			"name":  cfg.Name,
			"uri":   cfg.URI,
		})
	})
	if err != nil {
		return nil, err
	}
	return &Repository{l: l, addr: addr}, nil
}

// At returns a handle on the repository at addr.
func At(l *ledger.Ledger, addr types.Address) (*Repository, error) {
	c, ok := l.Code(addr)
	if !ok || c.Kind() != Kind {
		return nil, ederrors.ErrInvalidRepository.WithDetails(map[string]interface{}{"address": addr.String()})
	}
	return &Repository{l: l, addr: addr}, nil
}

// Address returns the repository's address.
func (r *Repository) Address() types.Address {
	return r.addr
}

// Info is the repository's descriptive record.
type Info struct {
	Address   types.Address `json:"address"`
	Owner     types.Address `json:"owner"`
	Name      string        `json:"name"`
	URI       string        `json:"uri"`
	CreatedAt time.Time     `json:"created_at"`
}

// Info returns the repository record.
func (r *Repository) Info(ctx context.Context) (*Info, error) {
	var owner []byte
	var createdAt int64
	info := &Info{Address: r.addr}
	err := r.l.DB(ctx).QueryRowContext(ctx,
		`SELECT owner, name, uri, created_at FROM repositories WHERE address = ?`, r.addr[:]).
		Scan(&owner, &info.Name, &info.URI, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrInvalidRepository.WithDetails(map[string]interface{}{"address": r.addr.String()})
	}
	if err != nil {
		return nil, fmt.Errorf("repository: failed to read info: %w", err)
	}
	info.Owner = types.BytesToAddress(owner)
	info.CreatedAt = time.Unix(0, createdAt)
	return info, nil
}

// Owner returns the current owner.
func (r *Repository) Owner(ctx context.Context) (types.Address, error) {
	info, err := r.Info(ctx)
	if err != nil {
		return types.Address{}, err
	}
	return info.Owner, nil
}

// Name returns the repository name.
func (r *Repository) Name(ctx context.Context) (string, error) {
	info, err := r.Info(ctx)
	if err != nil {
		return "", err
	}
	return info.Name, nil
}

// URI returns the repository's descriptive URI.
func (r *Repository) URI(ctx context.Context) (string, error) {
	info, err := r.Info(ctx)
	if err != nil {
		return "", err
	}
	return info.URI, nil
}

func (r *Repository) onlyOwner(ctx context.Context) error {
	owner, err := r.Owner(ctx)
	if err != nil {
		return err
	}
	if sender := ledger.Sender(ctx); sender != owner {
		return ederrors.ErrUnauthorized.WithDetails(map[string]interface{}{
			"sender":     sender.String(),
			"repository": r.addr.String(),
		})
	}
	return nil
}

// TransferOwnership hands the repository to newOwner. Owner only.
func (r *Repository) TransferOwnership(ctx context.Context, newOwner types.Address) error {
	if newOwner.IsZero() {
		return ederrors.NewValidationError("new owner is required")
	}
	return r.l.Atomic(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(ctx); err != nil {
			return err
		}
		prev := ledger.Sender(ctx)
		if _, err := r.l.DB(ctx).ExecContext(ctx,
			`UPDATE repositories SET owner = ? WHERE address = ?`, newOwner[:], r.addr[:]); err != nil {
			return fmt.Errorf("repository: failed to transfer ownership: %w", err)
		}
		return r.l.Emit(ctx, r.addr, "OwnershipTransferred", map[string]interface{}{
			"previous_owner": prev,
			"new_owner":      newOwner,
		})
	})
}
