package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	ederrors "github.com/arkilian/eds/internal/errors"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

// VersionAddedEvent is emitted by NewRelease.
type VersionAddedEvent struct {
	Version  semver.Version `json:"version"`
	SourceID types.Hash     `json:"source_id"`
	Metadata []byte         `json:"metadata"`
}

// ReleaseMetadataUpdatedEvent is emitted by UpdateReleaseMetadata.
type ReleaseMetadataUpdatedEvent struct {
	Version  semver.Version `json:"version"`
	Metadata []byte         `json:"metadata"`
}

// MigrationScriptChangedEvent is emitted by ChangeMigrationScript.
type MigrationScriptChangedEvent struct {
	Major        uint64     `json:"major"`
	MigrationRef types.Hash `json:"migration_ref"`
}

func versionDetails(v semver.Version) map[string]interface{} {
	return map[string]interface{}{"version": v.String()}
}

// NewRelease appends a release. Owner only.
//
// A release at x.0.0 must be exactly one major past the current maximum; at
// x.y.0 the major must exist and y must be one past its highest minor; at
// x.y.z the minor x.y must exist and z must be one past its highest patch.
// migrationRef is recorded only for major-level releases.
func (r *Repository) NewRelease(ctx context.Context, sourceID types.Hash, metadata []byte, v semver.Version, migrationRef types.Hash) error {
	if !v.Valid() {
		return ederrors.NewValidationError(fmt.Sprintf("version %s out of range", v))
	}
	return r.l.Atomic(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(ctx); err != nil {
			return err
		}
		if v.Major == 0 {
			return ederrors.ErrReleaseZeroNotAllowed.WithDetails(versionDetails(v))
		}
		exists, err := r.exists(ctx, v)
		if err != nil {
			return err
		}
		if exists {
			return ederrors.ErrVersionExists.WithDetails(versionDetails(v))
		}
		if err := r.checkIncrement(ctx, v); err != nil {
			return err
		}

		var ref interface{}
		if v.Minor == 0 && v.Patch == 0 && !migrationRef.IsZero() {
			ref = migrationRef[:]
		}
		if metadata == nil {
			metadata = []byte{}
		}
		if _, err := r.l.DB(ctx).ExecContext(ctx, `
			INSERT INTO releases (repository, major, minor, patch, source_id, metadata, migration_ref, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.addr[:], v.Major, v.Minor, v.Patch, sourceID[:], metadata, ref, time.Now().UnixNano()); err != nil {
			return fmt.Errorf("repository: failed to insert release: %w", err)
		}
		return r.l.Emit(ctx, r.addr, "VersionAdded", VersionAddedEvent{Version: v, SourceID: sourceID, Metadata: metadata})
	})
}

func (r *Repository) checkIncrement(ctx context.Context, v semver.Version) error {
	invalid := func(expected semver.Version) error {
		return ederrors.ErrVersionIncrementInvalid.WithDetails(map[string]interface{}{
			"version":  v.String(),
			"expected": expected.String(),
		})
	}

	switch {
	case v.Minor == 0 && v.Patch == 0:
		majors, err := r.MajorReleases(ctx)
		if err != nil {
			return err
		}
		if v.Major != majors+1 {
			return invalid(semver.V(majors+1, 0, 0))
		}
	case v.Patch == 0:
		majors, err := r.MajorReleases(ctx)
		if err != nil {
			return err
		}
		if v.Major > majors {
			return invalid(semver.V(majors+1, 0, 0))
		}
		minors, err := r.MinorReleases(ctx, v.Major)
		if err != nil {
			return err
		}
		if v.Minor != minors+1 {
			return invalid(semver.V(v.Major, minors+1, 0))
		}
	default:
		parent, err := r.exists(ctx, semver.V(v.Major, v.Minor, 0))
		if err != nil {
			return err
		}
		if !parent {
			return invalid(semver.V(v.Major, v.Minor, 0))
		}
		patches, err := r.PatchReleases(ctx, v.Major, v.Minor)
		if err != nil {
			return err
		}
		if v.Patch != patches+1 {
			return invalid(semver.V(v.Major, v.Minor, patches+1))
		}
	}
	return nil
}

func (r *Repository) exists(ctx context.Context, v semver.Version) (bool, error) {
	var one int
	err := r.l.DB(ctx).QueryRowContext(ctx, `
		SELECT 1 FROM releases WHERE repository = ? AND major = ? AND minor = ? AND patch = ?`,
		r.addr[:], v.Major, v.Minor, v.Patch).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("repository: failed to check release: %w", err)
	}
	return true, nil
}

func (r *Repository) maxOf(ctx context.Context, query string, args ...interface{}) (uint64, error) {
	var n sql.NullInt64
	if err := r.l.DB(ctx).QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("repository: failed to count releases: %w", err)
	}
	if !n.Valid {
		return 0, nil
	}
	return uint64(n.Int64), nil
}

// MajorReleases returns the highest major version released.
func (r *Repository) MajorReleases(ctx context.Context) (uint64, error) {
	return r.maxOf(ctx, `SELECT MAX(major) FROM releases WHERE repository = ?`, r.addr[:])
}

// MinorReleases returns the highest minor version released under major.
func (r *Repository) MinorReleases(ctx context.Context, major uint64) (uint64, error) {
	return r.maxOf(ctx, `SELECT MAX(minor) FROM releases WHERE repository = ? AND major = ?`, r.addr[:], major)
}

// PatchReleases returns the highest patch version released under major.minor.
func (r *Repository) PatchReleases(ctx context.Context, major, minor uint64) (uint64, error) {
	return r.maxOf(ctx, `SELECT MAX(patch) FROM releases WHERE repository = ? AND major = ? AND minor = ?`,
		r.addr[:], major, minor)
}

const releaseColumns = `major, minor, patch, source_id, created_at`

// Get resolves a requirement to one release.
//
// EXACT, MAJOR, MAJOR_MINOR and ANY address the ledger by the requirement's
// own coordinates (MAJOR and MAJOR_MINOR pick the latest release inside the
// window, ANY the latest overall). GREATER_EQUAL and GREATER return the
// lowest qualifying release, LESSER_EQUAL and LESSER the highest.
//
// Lower bounds are not "newest at or above": with 1.0.0 and 2.1.0 released,
// >=1.0.0 resolves to 1.0.0. Callers that want to follow new releases use
// ANY or MAJOR.
func (r *Repository) Get(ctx context.Context, req semver.Requirement) (*Release, error) {
	v := req.Version
	base := `SELECT ` + releaseColumns + ` FROM releases WHERE repository = ?`
	args := []interface{}{r.addr[:]}

	var query string
	switch req.Kind {
	case semver.Exact:
		query = base + ` AND major = ? AND minor = ? AND patch = ?`
		args = append(args, v.Major, v.Minor, v.Patch)
	case semver.Major:
		query = base + ` AND major = ? ORDER BY minor DESC, patch DESC LIMIT 1`
		args = append(args, v.Major)
	case semver.MajorMinor:
		query = base + ` AND major = ? AND minor = ? ORDER BY patch DESC LIMIT 1`
		args = append(args, v.Major, v.Minor)
	case semver.Any:
		query = base + ` ORDER BY major DESC, minor DESC, patch DESC LIMIT 1`
	case semver.GreaterEqual:
		query = base + ` AND (major, minor, patch) >= (?, ?, ?) ORDER BY major, minor, patch LIMIT 1`
		args = append(args, v.Major, v.Minor, v.Patch)
	case semver.Greater:
		query = base + ` AND (major, minor, patch) > (?, ?, ?) ORDER BY major, minor, patch LIMIT 1`
		args = append(args, v.Major, v.Minor, v.Patch)
	case semver.LesserEqual:
		query = base + ` AND (major, minor, patch) <= (?, ?, ?) ORDER BY major DESC, minor DESC, patch DESC LIMIT 1`
		args = append(args, v.Major, v.Minor, v.Patch)
	case semver.Lesser:
		query = base + ` AND (major, minor, patch) < (?, ?, ?) ORDER BY major DESC, minor DESC, patch DESC LIMIT 1`
		args = append(args, v.Major, v.Minor, v.Patch)
	default:
		return nil, ederrors.ErrInvalidVersionRequested.WithDetails(map[string]interface{}{"kind": req.Kind.String()})
	}

	rel, err := r.scanRelease(ctx, r.l.DB(ctx).QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrVersionDoesNotExist.WithDetails(map[string]interface{}{"requirement": req.String()})
	}
	if err != nil {
		return nil, err
	}
	return rel, nil
}

// GetLatest returns the highest release.
func (r *Repository) GetLatest(ctx context.Context) (*Release, error) {
	return r.Get(ctx, semver.Requirement{Kind: semver.Any})
}

func (r *Repository) scanRelease(ctx context.Context, row *sql.Row) (*Release, error) {
	var source []byte
	var createdAt int64
	rel := &Release{}
	if err := row.Scan(&rel.Version.Major, &rel.Version.Minor, &rel.Version.Patch, &source, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("repository: failed to scan release: %w", err)
	}
	rel.SourceID = types.BytesToHash(source)
	rel.CreatedAt = time.Unix(0, createdAt)

	meta, err := r.resolvedMetadata(ctx, rel.Version)
	if err != nil {
		return nil, err
	}
	rel.Metadata = meta

	ref, err := r.migrationRef(ctx, rel.Version.Major)
	if err != nil {
		return nil, err
	}
	rel.MigrationRef = ref
	return rel, nil
}

// resolvedMetadata concatenates the major, minor and patch fragments.
func (r *Repository) resolvedMetadata(ctx context.Context, v semver.Version) ([]byte, error) {
	out, err := r.fragment(ctx, semver.V(v.Major, 0, 0))
	if err != nil {
		return nil, err
	}
	if v.Minor > 0 {
		minor, err := r.fragment(ctx, semver.V(v.Major, v.Minor, 0))
		if err != nil {
			return nil, err
		}
		out = append(out, minor...)
	}
	if v.Patch > 0 {
		patch, err := r.fragment(ctx, v)
		if err != nil {
			return nil, err
		}
		out = append(out, patch...)
	}
	return out, nil
}

func (r *Repository) fragment(ctx context.Context, v semver.Version) ([]byte, error) {
	var meta []byte
	err := r.l.DB(ctx).QueryRowContext(ctx, `
		SELECT metadata FROM releases WHERE repository = ? AND major = ? AND minor = ? AND patch = ?`,
		r.addr[:], v.Major, v.Minor, v.Patch).Scan(&meta)
	if err == sql.ErrNoRows {
		return nil, ederrors.ErrVersionDoesNotExist.WithDetails(versionDetails(v))
	}
	if err != nil {
		return nil, fmt.Errorf("repository: failed to read metadata: %w", err)
	}
	if meta == nil {
		meta = []byte{}
	}
	return meta, nil
}

func (r *Repository) migrationRef(ctx context.Context, major uint64) (types.Hash, error) {
	var ref []byte
	err := r.l.DB(ctx).QueryRowContext(ctx, `
		SELECT migration_ref FROM releases WHERE repository = ? AND major = ? AND minor = 0 AND patch = 0`,
		r.addr[:], major).Scan(&ref)
	if err == sql.ErrNoRows {
		return types.Hash{}, ederrors.ErrMajorVersionDoesNotExist.WithDetails(map[string]interface{}{"major": major})
	}
	if err != nil {
		return types.Hash{}, fmt.Errorf("repository: failed to read migration script: %w", err)
	}
	if ref == nil {
		return types.Hash{}, nil
	}
	return types.BytesToHash(ref), nil
}

// MajorReleaseMetadata returns the metadata fragment introduced at major.0.0.
func (r *Repository) MajorReleaseMetadata(ctx context.Context, major uint64) ([]byte, error) {
	return r.fragment(ctx, semver.V(major, 0, 0))
}

// MinorReleaseMetadata returns the fragment introduced at major.minor.0.
func (r *Repository) MinorReleaseMetadata(ctx context.Context, major, minor uint64) ([]byte, error) {
	return r.fragment(ctx, semver.V(major, minor, 0))
}

// PatchReleaseMetadata returns the fragment introduced at major.minor.patch.
func (r *Repository) PatchReleaseMetadata(ctx context.Context, major, minor, patch uint64) ([]byte, error) {
	return r.fragment(ctx, semver.V(major, minor, patch))
}

// UpdateReleaseMetadata replaces the fragment stored on v. Owner only.
func (r *Repository) UpdateReleaseMetadata(ctx context.Context, v semver.Version, metadata []byte) error {
	return r.l.Atomic(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(ctx); err != nil {
			return err
		}
		if metadata == nil {
			metadata = []byte{}
		}
		res, err := r.l.DB(ctx).ExecContext(ctx, `
			UPDATE releases SET metadata = ? WHERE repository = ? AND major = ? AND minor = ? AND patch = ?`,
			metadata, r.addr[:], v.Major, v.Minor, v.Patch)
		if err != nil {
			return fmt.Errorf("repository: failed to update metadata: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ederrors.ErrVersionDoesNotExist.WithDetails(versionDetails(v))
		}
		return r.l.Emit(ctx, r.addr, "ReleaseMetadataUpdated", ReleaseMetadataUpdatedEvent{Version: v, Metadata: metadata})
	})
}

// ChangeMigrationScript replaces the migration reference of an existing
// major. Owner only.
func (r *Repository) ChangeMigrationScript(ctx context.Context, major uint64, migrationRef types.Hash) error {
	return r.l.Atomic(ctx, func(ctx context.Context) error {
		if err := r.onlyOwner(ctx); err != nil {
			return err
		}
		var ref interface{}
		if !migrationRef.IsZero() {
			ref = migrationRef[:]
		}
		res, err := r.l.DB(ctx).ExecContext(ctx, `
			UPDATE releases SET migration_ref = ? WHERE repository = ? AND major = ? AND minor = 0 AND patch = 0`,
			ref, r.addr[:], major)
		if err != nil {
			return fmt.Errorf("repository: failed to change migration script: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ederrors.ErrMajorVersionDoesNotExist.WithDetails(map[string]interface{}{"major": major})
		}
		return r.l.Emit(ctx, r.addr, "MigrationScriptChanged", MigrationScriptChangedEvent{Major: major, MigrationRef: migrationRef})
	})
}

// GetMigrationScript returns the migration reference of major.
func (r *Repository) GetMigrationScript(ctx context.Context, major uint64) (types.Hash, error) {
	return r.migrationRef(ctx, major)
}

// Releases lists every release in version order.
func (r *Repository) Releases(ctx context.Context) ([]*Release, error) {
	rows, err := r.l.DB(ctx).QueryContext(ctx, `
		SELECT major, minor, patch FROM releases WHERE repository = ? ORDER BY major, minor, patch`, r.addr[:])
	if err != nil {
		return nil, fmt.Errorf("repository: failed to list releases: %w", err)
	}
	var versions []semver.Version
	for rows.Next() {
		var v semver.Version
		if err := rows.Scan(&v.Major, &v.Minor, &v.Patch); err != nil {
			rows.Close()
			return nil, fmt.Errorf("repository: failed to scan release: %w", err)
		}
		versions = append(versions, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Resolve after the cursor is closed; the ledger runs on one connection.
	out := make([]*Release, 0, len(versions))
	for _, v := range versions {
		rel, err := r.Get(ctx, semver.Req(semver.Exact, v))
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}
