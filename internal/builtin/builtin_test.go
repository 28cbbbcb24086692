package builtin_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/arkilian/eds/internal/builtin"
	"github.com/arkilian/eds/internal/codeindex"
	"github.com/arkilian/eds/internal/distributor"
	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner = types.MustParseAddress("0x00000000000000000000000000000000000000a1")
	user  = types.MustParseAddress("0x00000000000000000000000000000000000000b2")
)

func as(a types.Address) context.Context {
	return ledger.WithSender(context.Background(), a)
}

type fixture struct {
	l   *ledger.Ledger
	idx *codeindex.Index
	d   *distributor.Distributor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := ledger.NewRegistry()
	codeindex.Register(reg)
	distributor.Register(reg)
	builtin.RegisterAll(reg)

	l, err := ledger.Open(filepath.Join(t.TempDir(), "eds.db"), ledger.Options{Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	idx, err := codeindex.Deploy(as(owner), l, owner)
	require.NoError(t, err)
	d, err := distributor.Deploy(as(owner), l, owner, idx.Address(), distributor.Options{})
	require.NoError(t, err)
	return &fixture{l: l, idx: idx, d: d}
}

func (f *fixture) upload(t *testing.T, c ledger.Contract) (types.Address, types.Hash) {
	t.Helper()
	addr, err := f.l.Deploy(as(owner), owner, c)
	require.NoError(t, err)
	hash, err := f.idx.Register(as(owner), addr)
	require.NoError(t, err)
	return addr, hash
}

func TestRegistryRebuildsBuiltins(t *testing.T) {
	f := newFixture(t)
	a, _ := f.upload(t, builtin.NewArtifact([]byte("a")))
	bundle := builtin.NewBundle("ipfs://b", a)

	addr, err := f.l.DeployBytecode(as(owner), owner, builtin.KindBundle, bundle.Bytecode())
	require.NoError(t, err)
	c, ok := f.l.Code(addr)
	require.True(t, ok)
	rebuilt, ok := c.(*builtin.Bundle)
	require.True(t, ok)
	assert.Equal(t, []types.Address{a}, rebuilt.Templates)
	assert.Equal(t, "ipfs://b", rebuilt.ContractURI())

	_, err = f.l.DeployBytecode(as(owner), owner, builtin.KindBundle, []byte("{"))
	assert.Equal(t, ederrors.CodeInvalidArgument, ederrors.GetCode(err))
}

func TestEmptyBundleReverts(t *testing.T) {
	f := newFixture(t)
	_, source := f.upload(t, builtin.NewBundle(""))
	id, err := f.d.AddDistribution(as(owner), source, types.Address{}, "")
	require.NoError(t, err)

	_, _, err = f.d.Instantiate(as(user), id, nil)
	assert.Equal(t, ederrors.CodeInstantiationFailed, ederrors.GetCode(err))
}

func TestProxyInitializerRecordsInstance(t *testing.T) {
	f := newFixture(t)
	_, source := f.upload(t, builtin.NewArtifact([]byte("wallet")))
	init, _ := f.upload(t, builtin.NewProxyInitializer("init"))
	id, err := f.d.AddDistribution(as(owner), source, init, "")
	require.NoError(t, err)

	appID, comps, err := f.d.Instantiate(as(user), id, []byte("args"))
	require.NoError(t, err)

	evs, err := f.l.Events(context.Background(), ledger.EventFilter{Name: "Initialized"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, f.d.Address(), evs[0].Emitter)

	var ev builtin.Initialized
	require.NoError(t, evs[0].Decode(&ev))
	assert.Equal(t, appID, ev.AppID)
	assert.Equal(t, id, ev.DistributionID)
	assert.Equal(t, comps, ev.Components)
	assert.Equal(t, user, ev.Installer)
	assert.Equal(t, []byte("args"), ev.Args)
}
