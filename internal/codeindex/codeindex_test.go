package codeindex

import (
	"context"
	"path/filepath"
	"testing"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type artifact []byte

func (a artifact) Kind() string     { return "artifact" }
func (a artifact) Bytecode() []byte { return a }

func setup(t *testing.T) (*ledger.Ledger, *Index) {
	t.Helper()
	reg := ledger.NewRegistry()
	Register(reg)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), ledger.Options{Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	idx, err := Deploy(context.Background(), l, types.BytesToAddress([]byte{1}))
	require.NoError(t, err)
	return l, idx
}

func TestRegisterAndGet(t *testing.T) {
	l, idx := setup(t)
	ctx := context.Background()

	addr, err := l.Deploy(ctx, types.BytesToAddress([]byte{2}), artifact("code"))
	require.NoError(t, err)

	hash, err := idx.Register(ctx, addr)
	require.NoError(t, err)
	assert.Equal(t, types.Keccak256([]byte("code")), hash)

	got, err := idx.Get(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	evs, err := l.Events(ctx, ledger.EventFilter{Name: "Indexed"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	var ev IndexedEvent
	require.NoError(t, evs[0].Decode(&ev))
	assert.Equal(t, addr, ev.Container)
	assert.Equal(t, hash, ev.CodeHash)
}

func TestRegisterDuplicateHashFails(t *testing.T) {
	l, idx := setup(t)
	ctx := context.Background()
	deployer := types.BytesToAddress([]byte{2})

	first, err := l.Deploy(ctx, deployer, artifact("same"))
	require.NoError(t, err)
	second, err := l.Deploy(ctx, deployer, artifact("same"))
	require.NoError(t, err)

	_, err = idx.Register(ctx, first)
	require.NoError(t, err)
	_, err = idx.Register(ctx, second)
	require.ErrorIs(t, err, ederrors.ErrAlreadyExists)

	entries, err := idx.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, first, entries[0].Address)
}

func TestGetUnknownHashFails(t *testing.T) {
	_, idx := setup(t)
	_, err := idx.Get(context.Background(), types.Keccak256([]byte("missing")))
	require.ErrorIs(t, err, ederrors.ErrAddressNotFound)
}

func TestRegisterWithoutCodeFails(t *testing.T) {
	_, idx := setup(t)
	_, err := idx.Register(context.Background(), types.BytesToAddress([]byte{0x42}))
	require.ErrorIs(t, err, ederrors.ErrNoCode)
}

func TestAtRejectsOtherCode(t *testing.T) {
	l, idx := setup(t)
	again, err := At(l, idx.Address())
	require.NoError(t, err)
	assert.Equal(t, idx.Address(), again.Address())

	other, err := l.Deploy(context.Background(), types.BytesToAddress([]byte{3}), artifact("x"))
	require.NoError(t, err)
	_, err = At(l, other)
	require.ErrorIs(t, err, ederrors.ErrAddressNotFound)
}
