package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/arkilian/eds/internal/builtin"
	"github.com/arkilian/eds/internal/distributor"
	"github.com/arkilian/eds/internal/events"
	"github.com/arkilian/eds/internal/installer"
	"github.com/arkilian/eds/internal/node"
	"github.com/arkilian/eds/internal/repository"
	"github.com/arkilian/eds/pkg/types"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	operator = types.BytesToAddress([]byte{0x0e})
	alice    = types.BytesToAddress([]byte{0xa1})
	bob      = types.BytesToAddress([]byte{0xb0})
)

type fixture struct {
	node     *node.Node
	notifier *events.Notifier
	handler  http.Handler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	notifier := events.NewNotifier(16)
	reg := prometheus.NewRegistry()
	n, err := node.Open(filepath.Join(t.TempDir(), "ledger.db"), node.Options{
		Operator:       operator,
		Metrics:        reg,
		Notifier:       notifier,
		FilterCapacity: 64,
	})
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	_, _, err = n.Bootstrap(context.Background())
	require.NoError(t, err)

	return &fixture{
		node:     n,
		notifier: notifier,
		handler:  NewRouter(n, Options{Gatherer: reg, Notifier: notifier}),
	}
}

// do sends a JSON request as from and decodes a JSON response into out.
func (f *fixture) do(t *testing.T, method, path string, from types.Address, body, out interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if !from.IsZero() {
		req.Header.Set(SenderHeader, from.String())
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	if out != nil && rec.Code < 300 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	return resp
}

func (f *fixture) upload(t *testing.T, from types.Address, kind string, code []byte) UploadCodeResponse {
	t.Helper()
	var resp UploadCodeResponse
	rec := f.do(t, http.MethodPost, "/v1/code", from, UploadCodeRequest{Kind: kind, Bytecode: code, Register: true}, &resp)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.True(t, resp.Indexed)
	return resp
}

func TestHealthAndStatus(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", types.Address{}, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	var status StatusResponse
	rec = f.do(t, http.MethodGet, "/v1/status", types.Address{}, nil, &status)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, operator, status.Operator)
	assert.Equal(t, f.node.HomeDistributor(), status.HomeDistributor)
	assert.Positive(t, status.Head)

	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = f.do(t, http.MethodGet, "/metrics", types.Address{}, nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSenderHeaderValidation(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/code", types.Address{}, UploadCodeRequest{Kind: builtin.KindArtifact, Bytecode: []byte("x")}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION", decodeError(t, rec).Category)

	req := httptest.NewRequest(http.MethodGet, "/v1/status", nil)
	req.Header.Set(SenderHeader, "not-an-address")
	rec = httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUploadAndLookupCode(t *testing.T) {
	f := newFixture(t)
	up := f.upload(t, alice, builtin.KindArtifact, []byte("wallet v1"))
	assert.Equal(t, types.Keccak256([]byte("wallet v1")), up.CodeHash)

	var got map[string]interface{}
	rec := f.do(t, http.MethodGet, "/v1/index/"+up.CodeHash.String(), types.Address{}, nil, &got)
	require.Equal(t, http.StatusOK, rec.Code)

	// Same code hash twice is a uniqueness conflict and rolls back the upload.
	rec = f.do(t, http.MethodPost, "/v1/code", alice, UploadCodeRequest{Kind: builtin.KindArtifact, Bytecode: []byte("wallet v1"), Register: true}, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/v1/code", alice, UploadCodeRequest{Kind: distributor.Kind}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/index/"+types.Keccak256([]byte("missing")).String(), types.Address{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDistributionInstallFlow(t *testing.T) {
	f := newFixture(t)
	up := f.upload(t, alice, builtin.KindArtifact, []byte("wallet"))

	var dist distributor.Distribution
	rec := f.do(t, http.MethodPost, "/v1/distributors/home/distributions", operator,
		AddDistributionRequest{SourceID: up.CodeHash, Alias: "wallet"}, &dist)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "wallet", dist.Alias)

	// Only the owner manages distributions.
	rec = f.do(t, http.MethodPost, "/v1/distributors/home/distributions", alice,
		AddDistributionRequest{SourceID: up.CodeHash, Alias: "other"}, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var byAlias distributor.Distribution
	rec = f.do(t, http.MethodGet, "/v1/distributors/home/distributions/wallet", types.Address{}, nil, &byAlias)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, dist.ID, byAlias.ID)

	rec = f.do(t, http.MethodGet, "/v1/distributors/home/distributions/nope", types.Address{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var inst InstallerResponse
	rec = f.do(t, http.MethodPost, "/v1/installers", alice, DeployInstallerRequest{Target: bob}, &inst)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	base := "/v1/installers/" + inst.Address.String()
	home := f.node.HomeDistributor().String()

	install := InstallRequest{Distributor: f.node.HomeDistributor(), DistributionID: dist.ID}
	rec = f.do(t, http.MethodPost, base+"/apps", alice, install, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec).Code)

	rec = f.do(t, http.MethodPut, base+"/distributors/"+home+"/distributions/"+dist.ID.String(), alice, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	var app installer.App
	rec = f.do(t, http.MethodPost, base+"/apps", alice, install, &app)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Len(t, app.Components, 1)
	assert.Equal(t, uint64(1), app.AppID)

	var remote distributor.App
	rec = f.do(t, http.MethodGet, "/v1/distributors/home/apps/1", types.Address{}, nil, &remote)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, inst.Address, remote.Installer)

	var described InstallerResponse
	rec = f.do(t, http.MethodGet, base+"/", types.Address{}, nil, &described)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, uint64(1), described.Apps)
	assert.Equal(t, bob, described.Target)

	call := distributor.CallRequest{Sender: app.Components[0], Target: bob, Selector: [4]byte{1, 2, 3, 4}}
	var before map[string][]byte
	rec = f.do(t, http.MethodPost, base+"/hook/before", bob, call, &before)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, base+"/hook/after", bob, AfterCallRequest{Request: call, BeforeResult: before["result"]}, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodDelete, "/v1/distributors/home/distributions/wallet", operator, nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)
	rec = f.do(t, http.MethodPost, base+"/apps", alice, install, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRepositoryResolve(t *testing.T) {
	f := newFixture(t)
	v1 := f.upload(t, alice, builtin.KindArtifact, []byte("token 1.0"))
	v2 := f.upload(t, alice, builtin.KindArtifact, []byte("token 1.1"))

	var info repository.Info
	rec := f.do(t, http.MethodPost, "/v1/repositories", alice, DeployRepositoryRequest{Name: "token", URI: "ipfs://token"}, &info)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	base := "/v1/repositories/" + info.Address.String()

	rec = f.do(t, http.MethodPost, base+"/releases", alice, json.RawMessage(`{"version":"1.0.0","source_id":"`+v1.CodeHash.String()+`"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	rec = f.do(t, http.MethodPost, base+"/releases", alice, json.RawMessage(`{"version":"1.1.0","source_id":"`+v2.CodeHash.String()+`"}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = f.do(t, http.MethodPost, base+"/releases", bob, json.RawMessage(`{"version":"1.2.0","source_id":"`+v2.CodeHash.String()+`"}`), nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var rel repository.Release
	rec = f.do(t, http.MethodGet, base+"/resolve?req=%5E1.0.0", types.Address{}, nil, &rel)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "1.1.0", rel.Version.String())
	assert.Equal(t, v2.CodeHash, rel.SourceID)

	rec = f.do(t, http.MethodGet, base+"/resolve?req=2.0.0", types.Address{}, nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, base+"/resolve?req=bogus", types.Address{}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var releases map[string][]repository.Release
	rec = f.do(t, http.MethodGet, base+"/releases", types.Address{}, nil, &releases)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestUnknownFieldsRejected(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodPost, "/v1/repositories", alice, map[string]string{"name": "x", "colour": "red"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	f.upload(t, alice, builtin.KindArtifact, []byte("a"))

	var page EventsResponse
	rec := f.do(t, http.MethodGet, "/v1/events?name=Indexed", types.Address{}, nil, &page)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, page.Events, 1)
	assert.Equal(t, page.Events[0].Seq, page.Next)

	rec = f.do(t, http.MethodGet, "/v1/events?after="+jsonInt(page.Next)+"&name=Indexed", types.Address{}, nil, &page)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, page.Events)

	rec = f.do(t, http.MethodGet, "/v1/events?limit=0", types.Address{}, nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestStreamEvents(t *testing.T) {
	f := newFixture(t)
	srv := httptest.NewServer(f.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/v1/events/stream?name=Distribution"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.notifier.Count() == 1 }, 2*time.Second, 10*time.Millisecond)

	up := f.upload(t, alice, builtin.KindArtifact, []byte("streamed"))
	rec := f.do(t, http.MethodPost, "/v1/distributors/home/distributions", operator,
		AddDistributionRequest{SourceID: up.CodeHash}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev events.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, "DistributionAdded", ev.Name)
	assert.Equal(t, f.node.HomeDistributor(), ev.Emitter)

	conn.Close()
	assert.Eventually(t, func() bool { return f.notifier.Count() == 0 }, 2*time.Second, 10*time.Millisecond)
}
