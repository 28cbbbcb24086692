package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/pkg/types"
)

type codeEntry struct {
	contract Contract
	hash     types.Hash
	deployer types.Address
}

// CodeInfo describes deployed code.
type CodeInfo struct {
	Address   types.Address `json:"address"`
	CodeHash  types.Hash    `json:"code_hash"`
	Kind      string        `json:"kind"`
	Deployer  types.Address `json:"deployer"`
	CreatedAt time.Time     `json:"created_at"`
	Size      int           `json:"size"`
}

// CodeHash returns the Keccak-256 identity of bytecode.
func CodeHash(bytecode []byte) types.Hash {
	return types.Keccak256(bytecode)
}

func (l *Ledger) loadCode(ctx context.Context) error {
	rows, err := l.db.QueryContext(ctx, `SELECT address, code_hash, kind, bytecode, deployer FROM code`)
	if err != nil {
		return fmt.Errorf("ledger: failed to load code: %w", err)
	}
	defer rows.Close()

	loaded, unknown := 0, 0
	for rows.Next() {
		var addr, hash, deployer, bytecode []byte
		var kind string
		if err := rows.Scan(&addr, &hash, &kind, &bytecode, &deployer); err != nil {
			return fmt.Errorf("ledger: failed to scan code row: %w", err)
		}
		c, err := l.build(kind, bytecode)
		if err != nil {
			return fmt.Errorf("ledger: failed to rebuild %s code at %x: %w", kind, addr, err)
		}
		if _, ok := c.(*opaque); ok {
			unknown++
		}
		l.code[types.BytesToAddress(addr)] = &codeEntry{
			contract: c,
			hash:     types.BytesToHash(hash),
			deployer: types.BytesToAddress(deployer),
		}
		loaded++
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("ledger: failed to iterate code rows: %w", err)
	}
	if loaded > 0 {
		l.logger.Info("reloaded deployed code", "count", loaded, "unknown_kinds", unknown)
	}
	return nil
}

func (l *Ledger) build(kind string, bytecode []byte) (Contract, error) {
	f, ok := l.factories[kind]
	if !ok {
		return &opaque{kind: kind, bytecode: bytecode}, nil
	}
	return f(bytecode)
}

// Deploy places c at a fresh address derived from deployer and its nonce.
func (l *Ledger) Deploy(ctx context.Context, deployer types.Address, c Contract) (types.Address, error) {
	var addr types.Address
	err := l.Atomic(ctx, func(ctx context.Context) error {
		var err error
		addr, err = l.deploy(ctx, deployer, c)
		return err
	})
	return addr, err
}

func (l *Ledger) deploy(ctx context.Context, deployer types.Address, c Contract) (types.Address, error) {
	st := stateFrom(ctx)
	q := st.tx

	var nonce uint64
	err := q.QueryRowContext(ctx, `SELECT nonce FROM accounts WHERE address = ?`, deployer[:]).Scan(&nonce)
	if err != nil && err != sql.ErrNoRows {
		return types.Address{}, fmt.Errorf("ledger: failed to read nonce: %w", err)
	}
	addr := DeriveAddress(deployer, nonce)

	if _, err := q.ExecContext(ctx, `
		INSERT INTO accounts (address, nonce) VALUES (?, ?)
		ON CONFLICT(address) DO UPDATE SET nonce = excluded.nonce`,
		deployer[:], nonce+1); err != nil {
		return types.Address{}, fmt.Errorf("ledger: failed to bump nonce: %w", err)
	}

	bytecode := c.Bytecode()
	hash := CodeHash(bytecode)
	if _, err := q.ExecContext(ctx, `
		INSERT INTO code (address, code_hash, kind, bytecode, deployer, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		addr[:], hash[:], c.Kind(), bytecode, deployer[:], time.Now().UnixNano()); err != nil {
		return types.Address{}, fmt.Errorf("ledger: failed to store code: %w", err)
	}

	l.codeMu.Lock()
	l.code[addr] = &codeEntry{contract: c, hash: hash, deployer: deployer}
	l.codeMu.Unlock()
	st.deployed = append(st.deployed, addr)

	return addr, nil
}

// Clone deploys a fresh copy of the code at source. The copy has the same
// code hash and kind.
func (l *Ledger) Clone(ctx context.Context, deployer, source types.Address) (types.Address, error) {
	entry, ok := l.entry(source)
	if !ok {
		return types.Address{}, ederrors.ErrNoCode.WithDetails(map[string]interface{}{"address": source.String()})
	}
	c := entry.contract
	if _, isOpaque := c.(*opaque); !isOpaque {
		built, err := l.build(c.Kind(), c.Bytecode())
		if err != nil {
			return types.Address{}, fmt.Errorf("ledger: failed to clone %s: %w", source, err)
		}
		c = built
	}
	return l.Deploy(ctx, deployer, c)
}

// DeriveAddress computes the address of the nonce-th deployment by deployer.
func DeriveAddress(deployer types.Address, nonce uint64) types.Address {
	h := types.Keccak256(deployer.Word(), types.Uint64Word(nonce))
	return types.BytesToAddress(h[12:])
}

func (l *Ledger) entry(addr types.Address) (*codeEntry, bool) {
	l.codeMu.RLock()
	defer l.codeMu.RUnlock()
	e, ok := l.code[addr]
	return e, ok
}

// Code returns the contract at addr.
func (l *Ledger) Code(addr types.Address) (Contract, bool) {
	e, ok := l.entry(addr)
	if !ok {
		return nil, false
	}
	return e.contract, true
}

// CodeHashAt returns the code hash of the contract at addr.
func (l *Ledger) CodeHashAt(addr types.Address) (types.Hash, bool) {
	e, ok := l.entry(addr)
	if !ok {
		return types.Hash{}, false
	}
	return e.hash, true
}

// HasCode reports whether anything is deployed at addr.
func (l *Ledger) HasCode(addr types.Address) bool {
	_, ok := l.entry(addr)
	return ok
}

// CodeInfo returns metadata about the code at addr.
func (l *Ledger) CodeInfo(ctx context.Context, addr types.Address) (*CodeInfo, error) {
	var hash, deployer []byte
	var kind string
	var size int
	var createdAt int64
	err := l.DB(ctx).QueryRowContext(ctx, `
		SELECT code_hash, kind, deployer, length(bytecode), created_at FROM code WHERE address = ?`,
		addr[:]).Scan(&hash, &kind, &deployer, &size, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrNoCode.WithDetails(map[string]interface{}{"address": addr.String()})
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to read code info: %w", err)
	}
	return &CodeInfo{
		Address:   addr,
		CodeHash:  types.BytesToHash(hash),
		Kind:      kind,
		Deployer:  types.BytesToAddress(deployer),
		CreatedAt: time.Unix(0, createdAt),
		Size:      size,
	}, nil
}

// ListCode returns code metadata, optionally filtered by kind, in deployment order.
func (l *Ledger) ListCode(ctx context.Context, kind string) ([]*CodeInfo, error) {
	query := `SELECT address, code_hash, kind, deployer, length(bytecode), created_at FROM code`
	var args []interface{}
	if kind != "" {
		query += ` WHERE kind = ?`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at, rowid`

	rows, err := l.DB(ctx).QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to list code: %w", err)
	}
	defer rows.Close()

	var out []*CodeInfo
	for rows.Next() {
		var addr, hash, deployer []byte
		info := &CodeInfo{}
		var createdAt int64
		if err := rows.Scan(&addr, &hash, &info.Kind, &deployer, &info.Size, &createdAt); err != nil {
			return nil, fmt.Errorf("ledger: failed to scan code row: %w", err)
		}
		info.Address = types.BytesToAddress(addr)
		info.CodeHash = types.BytesToHash(hash)
		info.Deployer = types.BytesToAddress(deployer)
		info.CreatedAt = time.Unix(0, createdAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// DeployBytecode builds code of the given kind through its registered
// factory and deploys it. Unknown kinds are stored as inert code.
func (l *Ledger) DeployBytecode(ctx context.Context, deployer types.Address, kind string, bytecode []byte) (types.Address, error) {
	c, err := l.build(kind, bytecode)
	if err != nil {
		return types.Address{}, ederrors.NewValidationError(fmt.Sprintf("invalid %s bytecode: %v", kind, err))
	}
	return l.Deploy(ctx, deployer, c)
}
