// Package codeindex is the content-addressed registry mapping a code hash to
// the address of one deployed copy of that code.
package codeindex

import (
	"context"
	"database/sql"
	"fmt"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
)

// Kind is the ledger code kind of an index.
const Kind = "code-index"

const bytecode = "eds/code-index/v1"

// CreateCodeIndexTableSQL holds one row per (index, code hash).
const CreateCodeIndexTableSQL = `
CREATE TABLE IF NOT EXISTS code_index (
    index_address BLOB NOT NULL,
    code_hash BLOB NOT NULL,
    address BLOB NOT NULL,
    PRIMARY KEY (index_address, code_hash)
)`

// IndexedEvent is emitted when code is registered.
type IndexedEvent struct {
	Container types.Address `json:"container"`
	CodeHash  types.Hash    `json:"code_hash"`
}

type contract struct{}

func (contract) Kind() string     { return Kind }
func (contract) Bytecode() []byte { return []byte(bytecode) }

// Register adds the code index kind and schema to reg.
func Register(reg *ledger.Registry) {
	reg.Kind(Kind, func([]byte) (ledger.Contract, error) { return contract{}, nil })
	reg.Schema(CreateCodeIndexTableSQL)
}

// Index is a handle on a deployed code index.
type Index struct {
	l    *ledger.Ledger
	addr types.Address
}

// Deploy creates a new, empty index.
func Deploy(ctx context.Context, l *ledger.Ledger, deployer types.Address) (*Index, error) {
	addr, err := l.Deploy(ctx, deployer, contract{})
	if err != nil {
		return nil, fmt.Errorf("codeindex: deploy failed: %w", err)
	}
	return &Index{l: l, addr: addr}, nil
}

// At returns a handle on the index deployed at addr.
func At(l *ledger.Ledger, addr types.Address) (*Index, error) {
	c, ok := l.Code(addr)
	if !ok || c.Kind() != Kind {
		return nil, ederrors.ErrAddressNotFound.WithDetails(map[string]interface{}{"index": addr.String()})
	}
	return &Index{l: l, addr: addr}, nil
}

// Address returns the index's own address.
func (i *Index) Address() types.Address {
	return i.addr
}

// Register records the code deployed at container under its code hash and
// returns that hash. Each hash can be registered once.
func (i *Index) Register(ctx context.Context, container types.Address) (types.Hash, error) {
	hash, ok := i.l.CodeHashAt(container)
	if !ok {
		return types.Hash{}, ederrors.ErrNoCode.WithDetails(map[string]interface{}{"address": container.String()})
	}

	err := i.l.Atomic(ctx, func(ctx context.Context) error {
		var existing []byte
		err := i.l.DB(ctx).QueryRowContext(ctx,
			`SELECT address FROM code_index WHERE index_address = ? AND code_hash = ?`,
			i.addr[:], hash[:]).Scan(&existing)
		if err == nil {
			return ederrors.ErrAlreadyExists.WithDetails(map[string]interface{}{
				"code_hash": hash.String(),
				"address":   types.BytesToAddress(existing).String(),
			})
		}
		if err != sql.ErrNoRows {
			return fmt.Errorf("codeindex: lookup failed: %w", err)
		}

		if _, err := i.l.DB(ctx).ExecContext(ctx,
			`INSERT INTO code_index (index_address, code_hash, address) VALUES (?, ?, ?)`,
			i.addr[:], hash[:], container[:]); err != nil {
			return fmt.Errorf("codeindex: insert failed: %w", err)
		}
		return i.l.Emit(ctx, i.addr, "Indexed", IndexedEvent{Container: container, CodeHash: hash})
	})
	if err != nil {
		return types.Hash{}, err
	}
	return hash, nil
}

// Get returns the address registered for hash.
func (i *Index) Get(ctx context.Context, hash types.Hash) (types.Address, error) {
	var addr []byte
	err := i.l.DB(ctx).QueryRowContext(ctx,
		`SELECT address FROM code_index WHERE index_address = ? AND code_hash = ?`,
		i.addr[:], hash[:]).Scan(&addr)
	if err == sql.ErrNoRows {
		return types.Address{}, ederrors.ErrAddressNotFound.WithDetails(map[string]interface{}{"code_hash": hash.String()})
	}
	if err != nil {
		return types.Address{}, fmt.Errorf("codeindex: lookup failed: %w", err)
	}
	return types.BytesToAddress(addr), nil
}

// Entry is one registered code hash.
type Entry struct {
	CodeHash types.Hash    `json:"code_hash"`
	Address  types.Address `json:"address"`
}

// List returns every registered entry.
func (i *Index) List(ctx context.Context) ([]Entry, error) {
	rows, err := i.l.DB(ctx).QueryContext(ctx,
		`SELECT code_hash, address FROM code_index WHERE index_address = ? ORDER BY rowid`, i.addr[:])
	if err != nil {
		return nil, fmt.Errorf("codeindex: list failed: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var hash, addr []byte
		if err := rows.Scan(&hash, &addr); err != nil {
			return nil, fmt.Errorf("codeindex: scan failed: %w", err)
		}
		out = append(out, Entry{CodeHash: types.BytesToHash(hash), Address: types.BytesToAddress(addr)})
	}
	return out, rows.Err()
}
