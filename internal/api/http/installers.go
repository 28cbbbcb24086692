package http

import (
	"net/http"

	"github.com/arkilian/eds/internal/distributor"
	"github.com/arkilian/eds/internal/installer"
	"github.com/arkilian/eds/pkg/types"
)

// DeployInstallerRequest creates an installer owned by the sender.
type DeployInstallerRequest struct {
	Target types.Address `json:"target"`
}

// InstallerResponse describes an installer.
type InstallerResponse struct {
	Address      types.Address   `json:"address"`
	Owner        types.Address   `json:"owner"`
	Target       types.Address   `json:"target"`
	Distributors []types.Address `json:"distributors"`
	Apps         uint64          `json:"apps"`
}

func (a *API) installer(r *http.Request) (*installer.Installer, error) {
	addr, err := addressParam(r, "inst")
	if err != nil {
		return nil, err
	}
	return a.node.Installer(addr)
}

func (a *API) deployInstaller(w http.ResponseWriter, r *http.Request) {
	var req DeployInstallerRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	owner, err := sender(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	inst, err := a.node.DeployInstaller(r.Context(), owner, req.Target)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, InstallerResponse{
		Address:      inst.Address(),
		Owner:        owner,
		Target:       req.Target,
		Distributors: []types.Address{},
	})
}

func (a *API) getInstaller(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	ctx := r.Context()
	resp := InstallerResponse{Address: inst.Address()}
	if resp.Owner, err = inst.Owner(ctx); err != nil {
		fail(w, r, err)
		return
	}
	if resp.Target, err = inst.Target(ctx); err != nil {
		fail(w, r, err)
		return
	}
	if resp.Distributors, err = inst.ListDistributors(ctx); err != nil {
		fail(w, r, err)
		return
	}
	if resp.Distributors == nil {
		resp.Distributors = []types.Address{}
	}
	if resp.Apps, err = inst.AppCount(ctx); err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) addInstallerDistributor(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	dist, err := addressParam(r, "dist")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := inst.AddDistributor(r.Context(), dist); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) removeInstallerDistributor(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	dist, err := addressParam(r, "dist")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := inst.RemoveDistributor(r.Context(), dist); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) allowDistribution(w http.ResponseWriter, r *http.Request) {
	a.permit(w, r, true)
}

func (a *API) disallowDistribution(w http.ResponseWriter, r *http.Request) {
	a.permit(w, r, false)
}

func (a *API) permit(w http.ResponseWriter, r *http.Request, allow bool) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	dist, err := addressParam(r, "dist")
	if err != nil {
		fail(w, r, err)
		return
	}
	id, err := hashParam(r, "id")
	if err != nil {
		fail(w, r, err)
		return
	}
	if allow {
		err = inst.AllowDistribution(r.Context(), dist, id)
	} else {
		err = inst.DisallowDistribution(r.Context(), dist, id)
	}
	if err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// InstallRequest installs a distribution through the installer.
type InstallRequest struct {
	Distributor    types.Address `json:"distributor"`
	DistributionID types.Hash    `json:"distribution_id"`
	Args           []byte        `json:"args"`
}

func (a *API) install(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req InstallRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	appID, err := inst.Install(r.Context(), req.Distributor, req.DistributionID, req.Args)
	if err != nil {
		fail(w, r, err)
		return
	}
	app, err := inst.GetApp(r.Context(), appID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, app)
}

func (a *API) getInstalledApp(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	appID, err := uintParam(r, "app")
	if err != nil {
		fail(w, r, err)
		return
	}
	app, err := inst.GetApp(r.Context(), appID)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (a *API) uninstall(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	appID, err := uintParam(r, "app")
	if err != nil {
		fail(w, r, err)
		return
	}
	if err := inst.Uninstall(r.Context(), appID); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) installerUpgrade(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
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
	v, err := inst.UpgradeApp(r.Context(), appID, req.MigrationID, req.UserCalldata)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"app_id": appID, "version": v})
}

func (a *API) installerChangeDistributor(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
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
	if err := inst.ChangeDistributor(r.Context(), appID, req.NewDistributor, req.AppData); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) installerBeforeCall(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req distributor.CallRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	res, err := inst.BeforeCall(r.Context(), req)
	if err != nil {
		fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"result": res})
}

func (a *API) installerAfterCall(w http.ResponseWriter, r *http.Request) {
	inst, err := a.installer(r)
	if err != nil {
		fail(w, r, err)
		return
	}
	var req AfterCallRequest
	if err := decode(r, &req); err != nil {
		fail(w, r, err)
		return
	}
	if err := inst.AfterCall(r.Context(), req.Request, req.BeforeResult); err != nil {
		fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
