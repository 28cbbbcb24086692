package http

import (
	"net/http"

	"github.com/arkilian/eds/internal/repository"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
	"github.com/go-chi/chi/v5"
)

// DeployRepositoryRequest creates a repository owned by the sender.
type DeployRepositoryRequest struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

func (a *API) deployRepository(w http.ResponseWriter, r *http.Request) {
	var req DeployRepositoryRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	owner, err := sender(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	repo, err := repository.Deploy(r.Context(), a.node.Ledger(), repository.Config{Owner: owner, Name: req.Name, URI: req.URI})
	if err != nil {
		fail(w, r, err)
		return
	}
	info, err := repo.Info(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, info)
}

func (a *API) repository(r *http.Request) (*repository.Repository, error) {
	addr, err := addressParam(r, "repo")
	if err != nil {
		return nil, err
	}
	return a.node.Repository(addr)
}

func (a *API) getRepository(w http.ResponseWriter, r *http.Request) {
	repo, err := a.repository(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	info, err := repo.Info(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (a *API) listReleases(w http.ResponseWriter, r *http.Request) {
	repo, err := a.repository(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	releases, err := repo.Releases(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if releases == nil {
		releases = []*repository.Release{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"releases": releases})
}

// NewReleaseRequest appends a release. Metadata is free-form text.
type NewReleaseRequest struct {
	Version      semver.Version `json:"version"`
	SourceID     types.Hash     `json:"source_id"`
	Metadata     string         `json:"metadata"`
	MigrationRef types.Hash     `json:"migration_ref"`
}

func (a *API) newRelease(w http.ResponseWriter, r *http.Request) {
	repo, err := a.repository(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req NewReleaseRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := repo.NewRelease(r.Context(), req.SourceID, []byte(req.Metadata), req.Version, req.MigrationRef); err != nil {
		fail(w, r, err)
		return
	}
	rel, err := repo.Get(r.Context(), semver.Req(semver.Exact, req.Version))
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rel)
}

// resolveRelease serves GET .../resolve?req=^1.2.0. An empty requirement
// resolves the latest release.
func (a *API) resolveRelease(w http.ResponseWriter, r *http.Request) {
	repo, err := a.repository(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	req := semver.Requirement{Kind: semver.Any}
	if raw := r.URL.Query().Get("req"); raw != "" {
		if req, err = semver.ParseRequirement(raw); err != nil {
			fail(w, r, badRequest("invalid requirement %q: %v", raw, err))
			return
		}
	}
	rel, err := repo.Get(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rel)
}

// MetadataRequest replaces a release's metadata fragment.
type MetadataRequest struct {
	Metadata string `json:"metadata"`
}

func (a *API) updateReleaseMetadata(w http.ResponseWriter, r *http.Request) {
	repo, err := a.repository(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	v, err := semver.Parse(chi.URLParam(r, "version"))
	if err != nil {
		fail(w, r, badRequest("invalid version %q", chi.URLParam(r, "version")))
		return
	}
	var req MetadataRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := repo.UpdateReleaseMetadata(r.Context(), v, []byte(req.Metadata)); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getMigrationScript(w http.ResponseWriter, r *http.Request) {
	repo, err := a.repository(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	major, err := uintParam(r, "major")
	if err != nil {
		fail(w, r, err)
		return
	}
	ref, err := repo.GetMigrationScript(r.Context(), major)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"major": major, "migration_ref": ref})
}

// MigrationScriptRequest changes the script for a major.
type MigrationScriptRequest struct {
	MigrationRef types.Hash `json:"migration_ref"`
}

func (a *API) changeMigrationScript(w http.ResponseWriter, r *http.Request) {
	repo, err := a.repository(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	major, err := uintParam(r, "major")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req MigrationScriptRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := repo.ChangeMigrationScript(r.Context(), major, req.MigrationRef); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
