package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/foxhollow/yangd/pkg/engine"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAdminServer(t *testing.T) *AdminServer {
	t.Helper()
	e, err := engine.New(engine.Config{DataDir: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return NewAdminServer(e)
}

func TestHealthzAlwaysOK(t *testing.T) {
	a := newTestAdminServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReadyzReportsRegisteredComponents(t *testing.T) {
	a := newTestAdminServer(t)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"storage":"ready"`)
	assert.Contains(t, w.Body.String(), `"registry":"ready"`)
}

func TestLivezAlwaysOK(t *testing.T) {
	a := newTestAdminServer(t)
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	a := newTestAdminServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	a.mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
