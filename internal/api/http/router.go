package http

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/arkilian/eds/internal/distributor"
	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/internal/ledger"
	"github.com/arkilian/eds/internal/node"
	"github.com/arkilian/eds/pkg/types"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxBodyBytes bounds request bodies; bytecode uploads are the largest.
const maxBodyBytes = 4 << 20

// Options configures the API.
type Options struct {
	// Gatherer backs /metrics. Nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	// Notifier feeds /v1/events/stream. Nil leaves the endpoint out.
	Notifier *events.Notifier
	// Middleware wraps every /v1 route after the default chain.
	Middleware []func(http.Handler) http.Handler
	Logger     *slog.Logger
}

// API serves the HTTP surface of one node.
type API struct {
	node     *node.Node
	notifier *events.Notifier
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewRouter builds the chi router for n.
func NewRouter(n *node.Node, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		node:     n,
		notifier: opts.Notifier,
		logger:   logger.With("component", "http"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	r := chi.NewRouter()
	r.Get("/health", a.health)
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(RecoveryMiddleware, RequestIDMiddleware, CorrelationIDMiddleware, SenderMiddleware, ContentTypeMiddleware)
		r.Use(opts.Middleware...)

		r.Get("/status", a.status)

		r.Post("/code", a.uploadCode)
		r.Get("/code/{address}", a.getCode)
		r.Post("/index", a.registerCode)
		r.Get("/index/{hash}", a.lookupCode)

		r.Post("/repositories", a.deployRepository)
		r.Route("/repositories/{repo}", func(r chi.Router) {
			r.Get("/", a.getRepository)
			r.Get("/releases", a.listReleases)
			r.Post("/releases", a.newRelease)
			r.Get("/resolve", a.resolveRelease)
			r.Put("/releases/{version}/metadata", a.updateReleaseMetadata)
			r.Get("/migrations/{major}", a.getMigrationScript)
			r.Put("/migrations/{major}", a.changeMigrationScript)
		})

		r.Post("/distributors", a.deployDistributor)
		r.Route("/distributors/{dist}", func(r chi.Router) {
			r.Get("/", a.getDistributor)
			r.Put("/owner", a.transferDistributor)
			r.Get("/distributions", a.listDistributions)
			r.Post("/distributions", a.addDistribution)
			r.Get("/distributions/{id}", a.getDistribution)
			r.Delete("/distributions/{id}", a.disableDistribution)
			r.Get("/distributions/{id}/uri", a.distributionURI)
			r.Put("/distributions/{id}/version", a.changeVersion)
			r.Post("/distributions/{id}/instantiate", a.instantiate)
			r.Get("/distributions/{id}/apps", a.listApps)
			r.Get("/distributions/{id}/migrations", a.listMigrations)
			r.Post("/migrations", a.addMigration)
			r.Get("/migrations/{mid}", a.getMigration)
			r.Delete("/migrations/{mid}", a.removeMigration)
			r.Get("/apps/{app}", a.getApp)
			r.Post("/apps/{app}/upgrade", a.upgradeApp)
			r.Post("/apps/{app}/renounce", a.renounceApp)
			r.Post("/apps/{app}/distributor", a.changeAppDistributor)
			r.Get("/components/{address}", a.componentApp)
			r.Post("/hook/before", a.beforeCall)
			r.Post("/hook/after", a.afterCall)
		})

		r.Post("/installers", a.deployInstaller)
		r.Route("/installers/{inst}", func(r chi.Router) {
			r.Get("/", a.getInstaller)
			r.Put("/distributors/{dist}", a.addInstallerDistributor)
			r.Delete("/distributors/{dist}", a.removeInstallerDistributor)
			r.Put("/distributors/{dist}/distributions/{id}", a.allowDistribution)
			r.Delete("/distributors/{dist}/distributions/{id}", a.disallowDistribution)
			r.Post("/apps", a.install)
			r.Get("/apps/{app}", a.getInstalledApp)
			r.Delete("/apps/{app}", a.uninstall)
			r.Post("/apps/{app}/upgrade", a.installerUpgrade)
			r.Post("/apps/{app}/distributor", a.installerChangeDistributor)
			r.Post("/hook/before", a.installerBeforeCall)
			r.Post("/hook/after", a.installerAfterCall)
		})

		r.Get("/events", a.listEvents)
		if a.notifier != nil {
			r.Get("/events/stream", a.streamEvents)
		}
	})
	return r
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": "eds"})
}

// StatusResponse describes the node.
type StatusResponse struct {
	Operator        types.Address `json:"operator"`
	CodeIndex       types.Address `json:"code_index"`
	HomeDistributor types.Address `json:"home_distributor"`
	Head            int64         `json:"head"`
	Subscribers     int           `json:"subscribers"`
	Time            time.Time     `json:"time"`
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	head, err := a.node.Ledger().Head(r.Context())
	if err != nil {
		fail(w, r, err)
		return
	}
	resp := StatusResponse{
		Operator:        a.node.Operator(),
		CodeIndex:       a.node.CodeIndexAddress(),
		HomeDistributor: a.node.HomeDistributor(),
		Head:            head,
		Time:            time.Now().UTC(),
	}
	if a.notifier != nil {
		resp.Subscribers = a.notifier.Count()
	}
	writeJSON(w, http.StatusOK, resp)
}

// decode reads a JSON body into v, rejecting unknown fields.
func decode(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return badRequest("request body is required")
		}
		return badRequest("invalid request body: %v", err)
	}
	return nil
}

func addressParam(r *http.Request, name string) (types.Address, error) {
	a, err := types.ParseAddress(chi.URLParam(r, name))
	if err != nil {
		return types.Address{}, badRequest("invalid %s address %q", name, chi.URLParam(r, name))
	}
	return a, nil
}

func hashParam(r *http.Request, name string) (types.Hash, error) {
	h, err := types.ParseHash(chi.URLParam(r, name))
	if err != nil {
		return types.Hash{}, badRequest("invalid %s %q", name, chi.URLParam(r, name))
	}
	return h, nil
}

func uintParam(r *http.Request, name string) (uint64, error) {
	n, err := strconv.ParseUint(chi.URLParam(r, name), 10, 64)
	if err != nil {
		return 0, badRequest("invalid %s %q", name, chi.URLParam(r, name))
	}
	return n, nil
}

// sender returns the acting account, or an error when the request did not
// name one.
func sender(ctx context.Context) (types.Address, error) {
	s := ledger.Sender(ctx)
	if s.IsZero() {
		return types.Address{}, badRequest("%s header is required", SenderHeader)
	}
	return s, nil
}

// distributor resolves {dist}; "home" names the bootstrapped distributor.
func (a *API) distributor(r *http.Request) (*distributor.Distributor, error) {
	raw := chi.URLParam(r, "dist")
	var addr types.Address
	if raw == "home" {
		addr = a.node.HomeDistributor()
		if addr.IsZero() {
			return nil, badRequest("node has no home distributor")
		}
	} else {
		var err error
		if addr, err = addressParam(r, "dist"); err != nil {
			return nil, err
		}
	}
	return a.node.Distributor(r.Context(), addr)
}

// distributionID resolves {id} as a hash or, failing that, an alias.
func distributionID(r *http.Request, d *distributor.Distributor) (types.Hash, error) {
	raw := chi.URLParam(r, "id")
	if strings.HasPrefix(raw, "0x") && len(raw) == 66 {
		return hashParam(r, "id")
	}
	return d.GetIDFromAlias(r.Context(), raw)
}
