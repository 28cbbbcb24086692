package http

import (
	"net/http"

	"github.com/arkilian/eds/internal/distributor"
	"github.com/arkilian/eds/internal/semver"
	"github.com/arkilian/eds/pkg/types"
)

// DeployDistributorRequest creates a distributor owned by the sender.
type DeployDistributorRequest struct {
	// CodeIndex defaults to the node's code index.
	CodeIndex types.Address `json:"code_index"`
}

// DistributorResponse describes a distributor.
type DistributorResponse struct {
	Address   types.Address `json:"address"`
	Owner     types.Address `json:"owner"`
	CodeIndex types.Address `json:"code_index"`
}

func describeDistributor(r *http.Request, d *distributor.Distributor) (*DistributorResponse, error) {
	owner, err := d.Owner(r.Context())
	if err != nil {
		return nil, err
	}
	idx, err := d.IndexAddress(r.Context())
	if err != nil {
		return nil, err
	}
	return &DistributorResponse{Address: d.Address(), Owner: owner, CodeIndex: idx}, nil
}

func (a *API) deployDistributor(w http.ResponseWriter, r *http.Request) {
	var req DeployDistributorRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	owner, err := sender(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	index := req.CodeIndex
	if index.IsZero() {
		index = a.node.CodeIndexAddress()
	}
	d, err := a.node.DeployDistributor(r.Context(), owner, index)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp, err := describeDistributor(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) getDistributor(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	resp, err := describeDistributor(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// OwnerRequest names a new owner.
type OwnerRequest struct {
	Owner types.Address `json:"owner"`
}

func (a *API) transferDistributor(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req OwnerRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := d.TransferOwnership(r.Context(), req.Owner); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) listDistributions(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	list, err := d.ListDistributions(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	if list == nil {
		list = []*distributor.Distribution{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"distributions": list})
}

// AddDistributionRequest registers a fixed distribution (SourceID) or a
// versioned one (Repository and Requirement).
type AddDistributionRequest struct {
	SourceID    types.Hash          `json:"source_id"`
	Repository  types.Address       `json:"repository"`
	Requirement *semver.Requirement `json:"requirement"`
	Initializer types.Address       `json:"initializer"`
	Alias       string              `json:"alias"`
}

func (a *API) addDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req AddDistributionRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}

	var id types.Hash
	switch {
	case !req.Repository.IsZero() && req.SourceID.IsZero():
		if req.Requirement == nil {
			fail(w, r, badRequest("requirement is required for a versioned distribution"))
			return
		}
		id, err = d.AddVersionedDistribution(r.Context(), req.Repository, req.Initializer, *req.Requirement, req.Alias)
	case req.Repository.IsZero() && !req.SourceID.IsZero():
		id, err = d.AddDistribution(r.Context(), req.SourceID, req.Initializer, req.Alias)
	default:
		fail(w, r, badRequest("exactly one of source_id and repository is required"))
		return
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	dist, err := d.GetDistribution(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, dist)
}

func (a *API) getDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := distributionID(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	dist, err := d.GetDistribution(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dist)
}

func (a *API) disableDistribution(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := distributionID(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := d.DisableDistribution(r.Context(), id); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) distributionURI(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := distributionID(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	uri, err := d.GetDistributionURI(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "uri": uri})
}

// RequirementRequest carries a new version requirement.
type RequirementRequest struct {
	Requirement semver.Requirement `json:"requirement"`
}

func (a *API) changeVersion(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := distributionID(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req RequirementRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := d.ChangeVersion(r.Context(), id, req.Requirement); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InstantiateRequest carries initializer arguments. The sender becomes
// the app's installer.
type InstantiateRequest struct {
	Args []byte `json:"args"`
}

// InstantiateResponse is returned by instantiate and install.
type InstantiateResponse struct {
	AppID      uint64          `json:"app_id"`
	Components []types.Address `json:"components,omitempty"`
}

func (a *API) instantiate(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := distributionID(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req InstantiateRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if _, err := sender(r.Context()); err != nil {
		fail(w, r, err)
		return
	}
	appID, comps, err := d.Instantiate(r.Context(), id, req.Args)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InstantiateResponse{AppID: appID, Components: comps})
}

func (a *API) listApps(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := distributionID(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	apps, err := d.ListApps(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	if apps == nil {
		apps = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"apps": apps})
}

func (a *API) listMigrations(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := distributionID(r, d)
	if err != nil {
		fail(w, r, err)
		return
	}
	plans, err := d.ListMigrations(r.Context(), id)
	if err != nil {
		fail(w, r, err)
		return
	}
	if plans == nil {
		plans = []*distributor.MigrationPlan{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"migrations": plans})
}

// AddMigrationRequest registers a migration plan.
type AddMigrationRequest struct {
	DistributionID      types.Hash           `json:"distribution_id"`
	From                semver.Requirement   `json:"from"`
	To                  semver.Requirement   `json:"to"`
	MigrationCodeID     types.Hash           `json:"migration_code_id"`
	Strategy            distributor.Strategy `json:"strategy"`
	DistributorCalldata []byte               `json:"distributor_calldata"`
}

func (a *API) addMigration(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req AddMigrationRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	mid, err := d.AddVersionMigration(r.Context(), req.DistributionID, req.From, req.To,
		req.MigrationCodeID, req.Strategy, req.DistributorCalldata)
	if err != nil {
		fail(w, r, err)
		return
	}
	plan, err := d.GetVersionMigration(r.Context(), mid)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, plan)
}

func (a *API) getMigration(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	mid, err := hashParam(r, "mid")
	if err != nil {
		fail(w, r, err)
		return
	}
	plan, err := d.GetVersionMigration(r.Context(), mid)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

func (a *API) removeMigration(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	mid, err := hashParam(r, "mid")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := d.RemoveVersionMigration(r.Context(), mid); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) getApp(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	appID, err := uintParam(r, "app")
	if err != nil {
		fail(w, r, err)
		return
	}
	app, err := d.GetApp(r.Context(), appID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

// UpgradeRequest runs a migration plan on an app.
type UpgradeRequest struct {
	MigrationID  types.Hash `json:"migration_id"`
	UserCalldata []byte     `json:"user_calldata"`
}

func (a *API) upgradeApp(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	appID, err := uintParam(r, "app")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req UpgradeRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	v, err := d.UpgradeUserInstance(r.Context(), appID, req.MigrationID, req.UserCalldata)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"app_id": appID, "version": v})
}

func (a *API) renounceApp(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	appID, err := uintParam(r, "app")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := d.RenounceApp(r.Context(), appID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ChangeDistributorRequest hands an app to another distributor. AppData
// carries one entry per component.
type ChangeDistributorRequest struct {
	NewDistributor types.Address `json:"new_distributor"`
	AppData        [][]byte      `json:"app_data"`
}

func (a *API) changeAppDistributor(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	appID, err := uintParam(r, "app")
	if err != nil {
		fail(w, r, err)
		return
	}
	var req ChangeDistributorRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := d.OnDistributorChanged(r.Context(), appID, req.NewDistributor, req.AppData); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) componentApp(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	addr, err := addressParam(r, "address")
	if err != nil {
		fail(w, r, err)
		return
	}
	appID, err := d.GetAppID(r.Context(), addr)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"component": addr, "app_id": appID})
}

// AfterCallRequest re-validates a call with the result of BeforeCall.
type AfterCallRequest struct {
	Request      distributor.CallRequest `json:"request"`
	BeforeResult []byte                  `json:"before_result"`
}

func (a *API) beforeCall(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req distributor.CallRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	res, err := d.BeforeCall(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": res})
}

func (a *API) afterCall(w http.ResponseWriter, r *http.Request) {
	d, err := a.distributor(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req AfterCallRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := d.AfterCall(r.Context(), req.Request, req.BeforeResult); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
