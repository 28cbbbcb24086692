package distributor_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"github.com/arkilian/eds/internal/builtin"
	"github.com/arkilian/eds/internal/codeindex"
	"github.com/arkilian/eds/internal/distributor"
	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/repository"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = types.MustParseAddress("0x00000000000000000000000000000000000000a1")
	user     = types.MustParseAddress("0x00000000000000000000000000000000000000b2")
	stranger = types.MustParseAddress("0x00000000000000000000000000000000000000c3")
)

// scripted is initializer and migration code that fails on demand. Its
// bytecode is "<mode>:<label>" where mode is ok, revert, panic or error.
type scripted struct {
	code []byte
}

func (s *scripted) Kind() string     { return "scripted" }
func (s *scripted) Bytecode() []byte { return s.code }

func (s *scripted) run() error {
	mode, _, _ := strings.Cut(string(s.code), ":")
	switch mode {
	case "revert":
		return ledger.Reverted("scripted %s", mode)
	case "panic":
		var zero int
		return fmt.Errorf("unreachable %d", 1/zero)
	case "error":
		return errors.New("scripted failure")
	}
	return nil
}

func (s *scripted) Initialize(context.Context, *ledger.Ledger, distributor.Instance, []byte) error {
	return s.run()
}

func (s *scripted) Migrate(context.Context, *ledger.Ledger, distributor.MigrationCall) error {
	return s.run()
}

type fixture struct {
	l   *ledger.Ledger
	idx *codeindex.Index
	d   *distributor.Distributor
}

func testRegistry() *ledger.Registry {
	reg := ledger.NewRegistry()
	codeindex.Register(reg)
	repository.Register(reg)
	distributor.Register(reg)
	builtin.RegisterAll(reg)
	reg.Kind("scripted", func(b []byte) (ledger.Contract, error) { return &scripted{code: b}, nil })
	return reg
}

func newFixture(t *testing.T) (*fixture, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eds.db")
	l, err := ledger.Open(path, ledger.Options{Registry: testRegistry()})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	ctx := as(owner)
	idx, err := codeindex.Deploy(ctx, l, owner)
	require.NoError(t, err)
	d, err := distributor.Deploy(ctx, l, owner, idx.Address(), distributor.Options{FilterCapacity: 16})
	require.NoError(t, err)
	return &fixture{l: l, idx: idx, d: d}, path
}

func as(addr types.Address) context.Context {
	return ledger.WithSender(context.Background(), addr)
}

// upload deploys c and registers it in the code index.
func (f *fixture) upload(t *testing.T, c ledger.Contract) (types.Address, types.Hash) {
	t.Helper()
	addr, err := f.l.Deploy(as(owner), owner, c)
	require.NoError(t, err)
	hash, err := f.idx.Register(as(owner), addr)
	require.NoError(t, err)
	return addr, hash
}

// deployCode deploys c without indexing it.
func (f *fixture) deployCode(t *testing.T, c ledger.Contract) types.Address {
	t.Helper()
	addr, err := f.l.Deploy(as(owner), owner, c)
	require.NoError(t, err)
	return addr
}

// repo deploys a repository holding the given releases, each backed by its
// own artifact.
func (f *fixture) repo(t *testing.T, versions ...string) *repository.Repository {
	t.Helper()
	r, err := repository.Deploy(as(owner), f.l, repository.Config{Owner: owner, Name: "app", URI: "ipfs://app"})
	require.NoError(t, err)
	for _, v := range versions {
		_, hash := f.upload(t, builtin.NewArtifact([]byte("release "+v)))
		require.NoError(t, r.NewRelease(as(owner), hash, []byte(v), semver.MustParse(v), types.Hash{}))
	}
	return r
}

func (f *fixture) events(t *testing.T, name string) []map[string]interface{} {
	t.Helper()
	evs, err := f.l.Events(context.Background(), ledger.EventFilter{Name: name})
	require.NoError(t, err)
	out := make([]map[string]interface{}, 0, len(evs))
	for _, ev := range evs {
		var m map[string]interface{}
		require.NoError(t, ev.Decode(&m))
		out = append(out, m)
	}
	return out
}

func TestAddDistribution(t *testing.T) {
	f, _ := newFixture(t)
	_, source := f.upload(t, builtin.NewArtifact([]byte("token")))
	init1 := f.deployCode(t, builtin.NewProxyInitializer("one"))
	init2 := f.deployCode(t, builtin.NewProxyInitializer("two"))

	id, err := f.d.AddDistribution(as(owner), source, init1, "token")
	require.NoError(t, err)
	assert.Equal(t, distributor.DistributionID(source, init1), id)

	_, err = f.d.AddDistribution(as(owner), source, init1, "")
	assert.True(t, errors.Is(err, ederrors.ErrDistributionExists))

	_, err = f.d.AddDistribution(as(owner), source, init2, "token")
	assert.True(t, errors.Is(err, ederrors.ErrAliasAlreadyExists))

	id2, err := f.d.AddDistribution(as(owner), source, init2, "token-v2")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2, "different initializers must give different ids")

	got, err := f.d.GetIDFromAlias(context.Background(), "token")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	dist, err := f.d.GetDistribution(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, dist.Versioned())
	assert.Equal(t, source, dist.SourceID)
	assert.Nil(t, dist.Requirement)

	all, err := f.d.ListDistributions(context.Background())
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, f.events(t, "DistributionAdded"), 2)
}

func TestAddDistributionValidation(t *testing.T) {
	f, _ := newFixture(t)
	artifact, source := f.upload(t, builtin.NewArtifact([]byte("token")))

	tests := []struct {
		name string
		call func() error
		want error
	}{
		{"not owner", func() error {
			_, err := f.d.AddDistribution(as(stranger), source, types.Address{}, "")
			return err
		}, ederrors.ErrUnauthorized},
		{"unknown source", func() error {
			_, err := f.d.AddDistribution(as(owner), types.Keccak256([]byte("nothing")), types.Address{}, "")
			return err
		}, ederrors.ErrAddressNotFound},
		{"initializer without code", func() error {
			_, err := f.d.AddDistribution(as(owner), source, stranger, "")
			return err
		}, ederrors.ErrAddressNotFound},
		{"repository is not a repository", func() error {
			_, err := f.d.AddVersionedDistribution(as(owner), artifact, types.Address{}, semver.MustParseRequirement(">=1.0.0"), "")
			return err
		}, ederrors.ErrInvalidRepository},
		{"zero requirement", func() error {
			r := f.repo(t, "1.0.0")
			_, err := f.d.AddVersionedDistribution(as(owner), r.Address(), types.Address{}, semver.Requirement{Kind: semver.GreaterEqual}, "")
			return err
		}, ederrors.ErrInvalidVersionRequested},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}

	all, err := f.d.ListDistributions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestInstantiateFixed(t *testing.T) {
	f, _ := newFixture(t)
	_, source := f.upload(t, builtin.NewArtifact([]byte("token")))
	init := f.deployCode(t, builtin.NewProxyInitializer("init"))
	id, err := f.d.AddDistribution(as(owner), source, init, "token")
	require.NoError(t, err)

	appID, comps, err := f.d.Instantiate(as(user), id, []byte("args"))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), appID)
	require.Len(t, comps, 1)

	hash, ok := f.l.CodeHashAt(comps[0])
	require.True(t, ok)
	assert.Equal(t, source, hash, "component is a clone of the source")

	app, err := f.d.GetApp(context.Background(), appID)
	require.NoError(t, err)
	assert.Equal(t, user, app.Installer)
	assert.Equal(t, id, app.DistributionID)
	assert.True(t, app.Version.IsZero())

	got, err := f.d.GetAppID(context.Background(), comps[0])
	require.NoError(t, err)
	assert.Equal(t, appID, got)

	distID, err := f.d.GetDistributionID(context.Background(), appID)
	require.NoError(t, err)
	assert.Equal(t, id, distID)

	inits := f.events(t, "Initialized")
	require.Len(t, inits, 1)
	assert.Equal(t, float64(appID), inits[0]["app_id"])
	assert.Equal(t, strings.ToLower(user.String()), strings.ToLower(inits[0]["installer"].(string)))

	appID2, _, err := f.d.Instantiate(as(user), id, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), appID2)

	apps, err := f.d.ListApps(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, apps)
}

func TestInstantiateUnknownOrDisabled(t *testing.T) {
	f, _ := newFixture(t)
	_, source := f.upload(t, builtin.NewArtifact([]byte("token")))
	id, err := f.d.AddDistribution(as(owner), source, types.Address{}, "")
	require.NoError(t, err)

	_, _, err = f.d.Instantiate(as(user), types.Keccak256([]byte("unknown")), nil)
	assert.True(t, errors.Is(err, ederrors.ErrDistributionNotFound))

	err = f.d.DisableDistribution(as(stranger), id)
	assert.True(t, errors.Is(err, ederrors.ErrUnauthorized))
	require.NoError(t, f.d.DisableDistribution(as(owner), id))

	_, _, err = f.d.Instantiate(as(user), id, nil)
	assert.True(t, errors.Is(err, ederrors.ErrDistributionNotFound))
}

func TestInstantiateVersionedStampsResolvedVersion(t *testing.T) {
	f, _ := newFixture(t)
	r := f.repo(t, "1.0.0", "1.1.0", "2.0.0")

	id, err := f.d.AddVersionedDistribution(as(owner), r.Address(), types.Address{}, semver.MustParseRequirement(">=1.0.0"), "app")
	require.NoError(t, err)
	assert.Equal(t, distributor.VersionedDistributionID(r.Address(), types.Address{}), id)

	appID, comps, err := f.d.Instantiate(as(user), id, nil)
	require.NoError(t, err)
	v, err := f.d.AppVersions(context.Background(), appID)
	require.NoError(t, err)
	assert.Equal(t, semver.V(1, 0, 0), v)

	rel, err := r.Get(context.Background(), semver.MustParseRequirement("=1.0.0"))
	require.NoError(t, err)
	hash, _ := f.l.CodeHashAt(comps[0])
	assert.Equal(t, rel.SourceID, hash)

	require.NoError(t, f.d.ChangeVersion(as(owner), id, semver.MustParseRequirement("^1.0.0")))
	appID, _, err = f.d.Instantiate(as(user), id, nil)
	require.NoError(t, err)
	v, err = f.d.AppVersions(context.Background(), appID)
	require.NoError(t, err)
	assert.Equal(t, semver.V(1, 1, 0), v)

	req, err := f.d.VersionRequirements(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, semver.MustParseRequirement("^1.0.0"), req)
}

func TestChangeVersionValidation(t *testing.T) {
	f, _ := newFixture(t)
	r := f.repo(t, "1.0.0")
	_, source := f.upload(t, builtin.NewArtifact([]byte("token")))

	fixed, err := f.d.AddDistribution(as(owner), source, types.Address{}, "")
	require.NoError(t, err)
	versioned, err := f.d.AddVersionedDistribution(as(owner), r.Address(), types.Address{}, semver.MustParseRequirement("=1.0.0"), "")
	require.NoError(t, err)

	err = f.d.ChangeVersion(as(owner), fixed, semver.MustParseRequirement("=1.0.0"))
	assert.True(t, errors.Is(err, ederrors.ErrUnversionedDistribution))

	err = f.d.ChangeVersion(as(owner), versioned, semver.Requirement{Kind: semver.Exact})
	assert.True(t, errors.Is(err, ederrors.ErrInvalidVersionRequested))

	err = f.d.ChangeVersion(as(owner), versioned, semver.MustParseRequirement("=1.0.0"))
	assert.True(t, errors.Is(err, ederrors.ErrInvalidVersionRequested))

	err = f.d.ChangeVersion(as(user), versioned, semver.MustParseRequirement("=2.0.0"))
	assert.True(t, errors.Is(err, ederrors.ErrUnauthorized))

	require.NoError(t, f.d.ChangeVersion(as(owner), versioned, semver.MustParseRequirement("=2.0.0")))
	changed := f.events(t, "VersionChanged")
	require.Len(t, changed, 1)
	assert.Equal(t, "=1.0.0", changed[0]["previous"])
	assert.Equal(t, "=2.0.0", changed[0]["current"])
}

func TestInstantiateFailureClasses(t *testing.T) {
	tests := []struct {
		name        string
		initializer func(f *fixture, t *testing.T) types.Address
		want        error
	}{
		{"revert", func(f *fixture, t *testing.T) types.Address {
			return f.deployCode(t, &scripted{code: []byte("revert:init")})
		}, ederrors.ErrInstantiationFailed},
		{"panic", func(f *fixture, t *testing.T) types.Address {
			return f.deployCode(t, &scripted{code: []byte("panic:init")})
		}, ederrors.ErrInstantiationPanic},
		{"error", func(f *fixture, t *testing.T) types.Address {
			return f.deployCode(t, &scripted{code: []byte("error:init")})
		}, ederrors.ErrInstantiationLowLevel},
		{"not an initializer", func(f *fixture, t *testing.T) types.Address {
			return f.deployCode(t, builtin.NewArtifact([]byte("inert")))
		}, ederrors.ErrInstantiationLowLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := newFixture(t)
			_, source := f.upload(t, builtin.NewArtifact([]byte("token")))
			id, err := f.d.AddDistribution(as(owner), source, tt.initializer(f, t), "")
			require.NoError(t, err)

			_, _, err = f.d.Instantiate(as(user), id, nil)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)

			_, err = f.d.GetApp(context.Background(), 1)
			assert.True(t, errors.Is(err, ederrors.ErrAppNotFound), "failed instantiation must leave no app")
			assert.Empty(t, f.events(t, "Instantiated"))
		})
	}
}

func TestInstantiateBundle(t *testing.T) {
	f, _ := newFixture(t)
	a := f.deployCode(t, builtin.NewArtifact([]byte("a")))
	b := f.deployCode(t, builtin.NewArtifact([]byte("b")))
	_, source := f.upload(t, builtin.NewBundle("ipfs://bundle", a, b))
	id, err := f.d.AddDistribution(as(owner), source, types.Address{}, "")
	require.NoError(t, err)

	appID, comps, err := f.d.Instantiate(as(user), id, nil)
	require.NoError(t, err)
	require.Len(t, comps, 2)

	ha, _ := f.l.CodeHashAt(comps[0])
	hb, _ := f.l.CodeHashAt(comps[1])
	assert.Equal(t, ledger.CodeHash([]byte("a")), ha)
	assert.Equal(t, ledger.CodeHash([]byte("b")), hb)

	got, err := f.d.Components(context.Background(), appID)
	require.NoError(t, err)
	assert.Equal(t, comps, got)

	uri, err := f.d.GetDistributionURI(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://bundle", uri)
}

func TestDistributionURI(t *testing.T) {
	f, _ := newFixture(t)
	r := f.repo(t, "1.0.0")
	id, err := f.d.AddVersionedDistribution(as(owner), r.Address(), types.Address{}, semver.MustParseRequirement("^1.0.0"), "")
	require.NoError(t, err)

	uri, err := f.d.GetDistributionURI(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "ipfs://app", uri)

	_, err = f.d.GetDistributionURI(context.Background(), types.Keccak256([]byte("missing")))
	assert.True(t, errors.Is(err, ederrors.ErrDistributionNotFound))
}

func TestHandlesShareComponentFilter(t *testing.T) {
	f, _ := newFixture(t)
	other, err := distributor.At(context.Background(), f.l, f.d.Address(), distributor.Options{FilterCapacity: 16})
	require.NoError(t, err)

	// Bound through f.d after other was opened.
	_, _, comps := f.fixedApp(t)
	_, err = other.BeforeCall(as(user), distributor.CallRequest{Sender: comps[0]})
	assert.NoError(t, err)

	_, source := f.upload(t, builtin.NewArtifact([]byte("second")))
	id, err := other.AddDistribution(as(owner), source, types.Address{}, "")
	require.NoError(t, err)
	_, comps, err = other.Instantiate(as(user), id, nil)
	require.NoError(t, err)
	_, err = f.d.BeforeCall(as(user), distributor.CallRequest{Sender: comps[0]})
	assert.NoError(t, err)

	// Enough apps to saturate the filter and force a rebuild through one
	// handle; the other keeps answering for every component.
	var all []types.Address
	for i := 0; i < 20; i++ {
		_, source := f.upload(t, builtin.NewArtifact([]byte(fmt.Sprintf("app %d", i))))
		id, err := f.d.AddDistribution(as(owner), source, types.Address{}, "")
		require.NoError(t, err)
		_, comps, err := f.d.Instantiate(as(user), id, nil)
		require.NoError(t, err)
		all = append(all, comps...)
	}
	for _, c := range all {
		_, err := other.BeforeCall(as(user), distributor.CallRequest{Sender: c})
		assert.NoError(t, err, c.String())
	}

	_, err = other.BeforeCall(as(user), distributor.CallRequest{Sender: stranger})
	assert.True(t, errors.Is(err, ederrors.ErrInvalidInstance))
}

func TestHandleLoggerNamesOneComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	l, err := ledger.Open(filepath.Join(t.TempDir(), "eds.db"), ledger.Options{Registry: testRegistry(), Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })

	idx, err := codeindex.Deploy(as(owner), l, owner)
	require.NoError(t, err)
	d, err := distributor.Deploy(as(owner), l, owner, idx.Address(), distributor.Options{})
	require.NoError(t, err)
	f := &fixture{l: l, idx: idx, d: d}
	f.fixedApp(t)

	var found bool
	for _, line := range strings.Split(buf.String(), "\n") {
		if !strings.Contains(line, `"msg":"app instantiated"`) {
			continue
		}
		found = true
		assert.Equal(t, 1, strings.Count(line, `"component":`), line)
		assert.Contains(t, line, `"component":"distributor"`)
	}
	assert.True(t, found, "instantiation was logged")
}
