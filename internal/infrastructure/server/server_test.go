package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GriffinCanCode/exthost/internal/extindex"
	"github.com/GriffinCanCode/exthost/internal/host"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/config"
	"github.com/GriffinCanCode/exthost/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/exthost/internal/ipc"
	"github.com/GriffinCanCode/exthost/internal/supervisor"
)

// idleRuntime never starts; the gateway only needs its status.
type idleRuntime struct{}

func (idleRuntime) Start(context.Context) error   { return nil }
func (idleRuntime) Stop(context.Context) error    { return nil }
func (idleRuntime) Restart(context.Context) error { return nil }
func (idleRuntime) Request(context.Context, string, interface{}, interface{}) error {
	return nil
}
func (idleRuntime) Notify(string, interface{}) error { return nil }
func (idleRuntime) SetHandler(ipc.Handler)           {}
func (idleRuntime) OnEvent(supervisor.EventFunc)     {}
func (idleRuntime) OnStatus(supervisor.StatusFunc)   {}
func (idleRuntime) Status() supervisor.Status        { return supervisor.StatusStopped }

func newServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DataDir = t.TempDir()
	if mutate != nil {
		mutate(cfg)
	}
	metrics := monitoring.NewMetrics()
	h := host.New(host.Options{
		Runtime: idleRuntime{},
		Index:   extindex.New(filepath.Join(cfg.Paths.DataDir, "extensions.json"), nil),
		Metrics: metrics,
	})
	return NewServer(cfg, h, nil, metrics, nil)
}

func serve(s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestRoutesAreMounted(t *testing.T) {
	s := newServer(t, nil)

	w := serve(s, http.MethodGet, "/api/windows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"windows":[]}`, w.Body.String())

	// Stopped runtime is unhealthy.
	assert.Equal(t, http.StatusServiceUnavailable, serve(s, http.MethodGet, "/health", nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	s := newServer(t, nil)
	serve(s, http.MethodGet, "/api/windows", nil)

	w := serve(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "exthost_http_requests_total")
}

func TestCORSFromConfig(t *testing.T) {
	s := newServer(t, func(cfg *config.Config) {
		cfg.Server.CORSOrigins = []string{"http://editor.local"}
	})

	w := serve(s, http.MethodGet, "/api/windows", http.Header{"Origin": []string{"http://editor.local"}})
	assert.Equal(t, "http://editor.local", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestTraceHeaders(t *testing.T) {
	s := newServer(t, nil)
	w := serve(s, http.MethodGet, "/api/windows", nil)
	assert.NotEmpty(t, w.Header().Get("X-Trace-ID"))
}

func TestAddr(t *testing.T) {
	s := newServer(t, func(cfg *config.Config) {
		cfg.Server.Host = "127.0.0.1"
		cfg.Server.Port = "0"
	})
	assert.Equal(t, "127.0.0.1:0", s.Addr())
}
