package repository

import (
	"context"
	"path/filepath"
	"testing"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	owner    = types.BytesToAddress([]byte{0x0a})
	stranger = types.BytesToAddress([]byte{0x0b})
)

func openLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	reg := ledger.NewRegistry()
	Register(reg)
	l, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"), ledger.Options{Registry: reg})
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func newRepo(t *testing.T) (context.Context, *Repository) {
	t.Helper()
	l := openLedger(t)
	ctx := ledger.WithSender(context.Background(), owner)
	repo, err := Deploy(ctx, l, Config{Owner: owner, Name: "TestRepository", URI: "ipfs://repo"})
	require.NoError(t, err)
	return ctx, repo
}

func source(v semver.Version) types.Hash {
	return types.Keccak256([]byte("source-" + v.String()))
}

func release(t *testing.T, ctx context.Context, repo *Repository, versions ...string) {
	t.Helper()
	for _, s := range versions {
		v := semver.MustParse(s)
		require.NoError(t, repo.NewRelease(ctx, source(v), []byte(s+";"), v, types.Hash{}), "release %s", s)
	}
}

func TestDeployAndAt(t *testing.T) {
	ctx, repo := newRepo(t)

	info, err := repo.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, owner, info.Owner)
	assert.Equal(t, "TestRepository", info.Name)
	assert.Equal(t, "ipfs://repo", info.URI)

	_, err = At(repo.l, repo.Address())
	require.NoError(t, err)
	_, err = At(repo.l, stranger)
	require.ErrorIs(t, err, ederrors.ErrInvalidRepository)
}

func TestNewReleaseRules(t *testing.T) {
	ctx, repo := newRepo(t)
	release(t, ctx, repo, "1.0.0")

	tests := []struct {
		name    string
		version string
		want    error
	}{
		{"major zero", "0.1.0", ederrors.ErrReleaseZeroNotAllowed},
		{"duplicate", "1.0.0", ederrors.ErrVersionExists},
		{"skipped major", "3.0.0", ederrors.ErrVersionIncrementInvalid},
		{"skipped minor", "1.2.0", ederrors.ErrVersionIncrementInvalid},
		{"minor of missing major", "2.1.0", ederrors.ErrVersionIncrementInvalid},
		{"skipped patch", "1.0.2", ederrors.ErrVersionIncrementInvalid},
		{"patch of missing minor", "1.1.1", ederrors.ErrVersionIncrementInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := semver.MustParse(tt.version)
			err := repo.NewRelease(ctx, source(v), nil, v, types.Hash{})
			require.ErrorIs(t, err, tt.want)
		})
	}

	release(t, ctx, repo, "1.0.1", "1.1.0", "1.1.1", "2.0.0", "1.2.0", "2.0.1")
}

func TestNewReleaseOwnerOnly(t *testing.T) {
	ctx, repo := newRepo(t)
	v := semver.V(1, 0, 0)
	err := repo.NewRelease(ledger.WithSender(ctx, stranger), source(v), nil, v, types.Hash{})
	require.ErrorIs(t, err, ederrors.ErrUnauthorized)

	require.NoError(t, repo.TransferOwnership(ctx, stranger))
	require.NoError(t, repo.NewRelease(ledger.WithSender(ctx, stranger), source(v), nil, v, types.Hash{}))
	err = repo.NewRelease(ctx, source(v.NextMajor()), nil, v.NextMajor(), types.Hash{})
	require.ErrorIs(t, err, ederrors.ErrUnauthorized)
}

func TestCountsAreLevelMaxima(t *testing.T) {
	ctx, repo := newRepo(t)
	release(t, ctx, repo, "1.0.0", "1.1.0", "1.1.1")

	majors, err := repo.MajorReleases(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, majors)

	minors, err := repo.MinorReleases(ctx, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, minors)

	patches, err := repo.PatchReleases(ctx, 1, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, patches)

	none, err := repo.MinorReleases(ctx, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 0, none)
}

func TestGetByRequirement(t *testing.T) {
	ctx, repo := newRepo(t)
	release(t, ctx, repo, "1.0.0", "1.0.1", "1.1.0", "2.0.0", "2.1.0", "2.1.1", "3.0.0")

	tests := []struct {
		req  string
		want string
	}{
		{"=1.0.1", "1.0.1"},
		{"^1.0.0", "1.1.0"},
		{"^2.5.5", "2.1.1"},
		{"~2.1.0", "2.1.1"},
		{"~1.0.0", "1.0.1"},
		{"*", "3.0.0"},
		{">=1.0.0", "1.0.0"},
		{">=1.0.2", "1.1.0"},
		{">1.0.0", "1.0.1"},
		{">2.1.1", "3.0.0"},
		{"<=2.2.0", "2.1.1"},
		{"<=2.0.0", "2.0.0"},
		{"<2.0.0", "1.1.0"},
		{"<1.0.1", "1.0.0"},
	}
	for _, tt := range tests {
		t.Run(tt.req, func(t *testing.T) {
			rel, err := repo.Get(ctx, semver.MustParseRequirement(tt.req))
			require.NoError(t, err)
			want := semver.MustParse(tt.want)
			assert.Equal(t, want, rel.Version)
			assert.Equal(t, source(want), rel.SourceID)
		})
	}

	missing := []string{"=1.2.0", "^4.0.0", "~1.5.0", ">3.0.0", ">=3.0.1", "<1.0.0", "<=0.9.9"}
	for _, req := range missing {
		_, err := repo.Get(ctx, semver.MustParseRequirement(req))
		assert.ErrorIs(t, err, ederrors.ErrVersionDoesNotExist, req)
	}
}

func TestGetOnEmptyRepository(t *testing.T) {
	ctx, repo := newRepo(t)
	_, err := repo.GetLatest(ctx)
	require.ErrorIs(t, err, ederrors.ErrVersionDoesNotExist)
}

func TestMetadataFragmentsConcatenate(t *testing.T) {
	ctx, repo := newRepo(t)
	release(t, ctx, repo, "1.0.0", "1.1.0", "1.1.1", "1.0.1")

	rel, err := repo.Get(ctx, semver.MustParseRequirement("=1.1.1"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0;1.1.0;1.1.1;", string(rel.Metadata))

	rel, err = repo.Get(ctx, semver.MustParseRequirement("=1.0.1"))
	require.NoError(t, err)
	assert.Equal(t, "1.0.0;1.0.1;", string(rel.Metadata))

	require.NoError(t, repo.UpdateReleaseMetadata(ctx, semver.V(1, 1, 0), []byte("minor!")))
	rel, err = repo.GetLatest(ctx)
	require.NoError(t, err)
	assert.Equal(t, semver.V(1, 1, 1), rel.Version, "metadata updates must not reorder the ledger")
	assert.Equal(t, "1.0.0;minor!1.1.1;", string(rel.Metadata))

	major, err := repo.MajorReleaseMetadata(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0;", string(major))
	minor, err := repo.MinorReleaseMetadata(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "minor!", string(minor))
	patch, err := repo.PatchReleaseMetadata(ctx, 1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, "1.1.1;", string(patch))

	err = repo.UpdateReleaseMetadata(ctx, semver.V(1, 2, 0), []byte("x"))
	require.ErrorIs(t, err, ederrors.ErrVersionDoesNotExist)
	err = repo.UpdateReleaseMetadata(ledger.WithSender(ctx, stranger), semver.V(1, 0, 0), []byte("x"))
	require.ErrorIs(t, err, ederrors.ErrUnauthorized)
}

func TestMigrationScripts(t *testing.T) {
	ctx, repo := newRepo(t)
	script := types.Keccak256([]byte("migration-v2"))

	require.NoError(t, repo.NewRelease(ctx, source(semver.V(1, 0, 0)), nil, semver.V(1, 0, 0), types.Hash{}))
	require.NoError(t, repo.NewRelease(ctx, source(semver.V(2, 0, 0)), nil, semver.V(2, 0, 0), script))
	// Ignored below the major level.
	require.NoError(t, repo.NewRelease(ctx, source(semver.V(2, 1, 0)), nil, semver.V(2, 1, 0), types.Keccak256([]byte("ignored"))))

	got, err := repo.GetMigrationScript(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, script, got)

	rel, err := repo.Get(ctx, semver.MustParseRequirement("^2.0.0"))
	require.NoError(t, err)
	assert.Equal(t, semver.V(2, 1, 0), rel.Version)
	assert.Equal(t, script, rel.MigrationRef)

	replaced := types.Keccak256([]byte("migration-v2b"))
	require.NoError(t, repo.ChangeMigrationScript(ctx, 2, replaced))
	got, err = repo.GetMigrationScript(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, replaced, got)

	err = repo.ChangeMigrationScript(ctx, 3, replaced)
	require.ErrorIs(t, err, ederrors.ErrMajorVersionDoesNotExist)
	_, err = repo.GetMigrationScript(ctx, 3)
	require.ErrorIs(t, err, ederrors.ErrMajorVersionDoesNotExist)

	evs, err := repo.l.Events(ctx, ledger.EventFilter{Name: "MigrationScriptChanged"})
	require.NoError(t, err)
	require.Len(t, evs, 1)
}

func TestReleasesInOrderAndEvents(t *testing.T) {
	ctx, repo := newRepo(t)
	release(t, ctx, repo, "1.0.0", "2.0.0", "1.1.0", "1.0.1")

	all, err := repo.Releases(ctx)
	require.NoError(t, err)
	var got []string
	for _, r := range all {
		got = append(got, r.Version.String())
	}
	assert.Equal(t, []string{"1.0.0", "1.0.1", "1.1.0", "2.0.0"}, got)

	emitter := repo.Address()
	evs, err := repo.l.Events(ctx, ledger.EventFilter{Emitter: &emitter, Name: "VersionAdded"})
	require.NoError(t, err)
	require.Len(t, evs, 4)
	var added VersionAddedEvent
	require.NoError(t, evs[2].Decode(&added))
	assert.Equal(t, semver.V(1, 1, 0), added.Version)
}
