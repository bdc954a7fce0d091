package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/tool-gateway/internal/events"
	"github.com/giantswarm/tool-gateway/internal/gwconfig"
	"github.com/giantswarm/tool-gateway/internal/registry"
	"github.com/giantswarm/tool-gateway/internal/router"
	"github.com/giantswarm/tool-gateway/internal/sandbox"
	"github.com/giantswarm/tool-gateway/internal/template"
)

func newTestServer(t *testing.T) (*Server, *registry.Registry) {
	t.Helper()
	tmplRegistry := template.NewRegistry()
	bus := events.New(0)
	t.Cleanup(bus.Close)
	reg := registry.New(tmplRegistry, sandbox.DefaultPolicy(), bus)
	rt := router.New(reg, 0)
	cfg := gwconfig.Default()
	srv := NewServer(reg, rt, nil, nil, nil, cfg)
	return srv, reg
}

func doJSON(t *testing.T, handler http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealth_AlwaysOK(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestTemplates_CreateListDelete(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	tmpl := template.Template{
		Name:      "echo",
		Transport: template.TransportStdio,
		Command:   "cat",
		TimeoutMs: 2000,
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/templates", tmpl)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/templates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []*template.Template
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 1)

	rec = doJSON(t, handler, http.MethodDelete, "/api/templates/echo", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/templates", nil)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Len(t, list, 0)
}

var instanceIDPattern = regexp.MustCompile(`^echo-\d+-[a-z0-9]{6}$`)

func TestServices_CreateMatchesInstanceIDFormat(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	tmpl := template.Template{
		Name:      "echo",
		Transport: template.TransportStdio,
		Command:   "cat",
		TimeoutMs: 2000,
	}
	rec := doJSON(t, handler, http.MethodPost, "/api/templates", tmpl)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doJSON(t, handler, http.MethodPost, "/api/services", createServiceRequest{TemplateName: "echo"})
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp createServiceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Regexp(t, instanceIDPattern, resp.ServiceID)
}

func TestServices_GetUnknownReturns404(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodGet, "/api/services/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoute_RoundRobinSequence(t *testing.T) {
	srv, reg := newTestServer(t)
	handler := srv.Handler()

	require.NoError(t, reg.RegisterTemplate(template.Template{
		Name:      "echo",
		Transport: template.TransportStdio,
		Command:   "cat",
		TimeoutMs: 2000,
	}, false))
	require.NoError(t, reg.ScaleTemplate("echo", 3))

	var selected []string
	for i := 0; i < 6; i++ {
		rec := doJSON(t, handler, http.MethodPost, "/api/route", routeRequest{
			Method:       "tools/list",
			ServiceGroup: "echo",
			Strategy:     "round-robin",
		})
		require.Equal(t, http.StatusOK, rec.Code)
		var resp routeResponse
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		selected = append(selected, resp.SelectedService)
	}

	assert.Equal(t, selected[0:3], selected[3:6])
}

func TestRoute_UnknownServiceGroupFails(t *testing.T) {
	srv, _ := newTestServer(t)
	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/route", routeRequest{ServiceGroup: "nope"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConfig_GetPutRoundTrip(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.Handler()

	rec := doJSON(t, handler, http.MethodGet, "/api/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	cfg := gwconfig.Default()
	cfg.AuthMode = gwconfig.AuthModeBearer
	rec = doJSON(t, handler, http.MethodPut, "/api/config", cfg)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/api/config", nil)
	var got gwconfig.GatewayConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, gwconfig.AuthModeBearer, got.AuthMode)
}

func TestConfig_RejectsInvalidPort(t *testing.T) {
	srv, _ := newTestServer(t)
	cfg := gwconfig.Default()
	cfg.Port = 0
	rec := doJSON(t, srv.Handler(), http.MethodPut, "/api/config", cfg)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestMetrics_ExposesRouterCounters(t *testing.T) {
	srv, reg := newTestServer(t)
	handler := srv.Handler()

	require.NoError(t, reg.RegisterTemplate(template.Template{
		Name:      "echo",
		Transport: template.TransportStdio,
		Command:   "cat",
		TimeoutMs: 2000,
	}, false))
	require.NoError(t, reg.ScaleTemplate("echo", 1))

	rec := doJSON(t, handler, http.MethodPost, "/api/route", routeRequest{ServiceGroup: "echo", Strategy: "round-robin"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, handler, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gateway_router_requests_total")
}

func TestDiagnose_ReportsValidAndResolvedCommand(t *testing.T) {
	srv, reg := newTestServer(t)
	require.NoError(t, reg.RegisterTemplate(template.Template{
		Name:      "echo",
		Transport: template.TransportStdio,
		Command:   "cat",
		TimeoutMs: 2000,
	}, false))

	rec := doJSON(t, srv.Handler(), http.MethodPost, "/api/templates/echo/diagnose", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp diagnoseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Valid)
}
