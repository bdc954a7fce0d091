// Package httpapi implements the HTTP Surface & SSE Hub (spec §4.9): a
// single net/http server exposing the endpoints listed in spec §6, each
// translating gwerrors into the standard error envelope. Grounded on
// muster's aggregator.createStandardMux/createHTTPMux
// (internal/aggregator/server.go) for the http.ServeMux-plus-systemd-
// socket-activation shape, generalized from "mount one MCP handler plus
// OAuth extras" to a full REST surface with per-route method patterns
// (Go 1.22+ ServeMux method-prefixed patterns, e.g. "GET /api/templates").
package httpapi

import (
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/giantswarm/tool-gateway/internal/authn"
	"github.com/giantswarm/tool-gateway/internal/gwconfig"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/middleware"
	"github.com/giantswarm/tool-gateway/internal/registry"
	"github.com/giantswarm/tool-gateway/internal/router"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// Server is the gateway's HTTP Surface: one process-wide instance
// composing the Service Registry, Router, Middleware Chain, persisted
// config store, and a live log ring fed by adapter stderr events.
type Server struct {
	reg           *registry.Registry
	rt            *router.Router
	store         *gwconfig.Store
	authenticator *authn.Authenticator
	chain         *middleware.Chain
	logs          *logStore

	cfgMu sync.RWMutex
	cfg   gwconfig.GatewayConfig

	startedAt time.Time

	httpServers []*http.Server
}

// NewServer constructs a Server. chain and authenticator may be nil if
// cfg.AuthMode is AuthModeNone and no middleware has been configured yet.
func NewServer(reg *registry.Registry, rt *router.Router, store *gwconfig.Store, authenticator *authn.Authenticator, chain *middleware.Chain, cfg gwconfig.GatewayConfig) *Server {
	s := &Server{
		reg:           reg,
		rt:            rt,
		store:         store,
		authenticator: authenticator,
		chain:         chain,
		cfg:           cfg,
		startedAt:     time.Now(),
	}
	s.logs = newLogStore(reg.Bus(), defaultLogRingSize)
	return s
}

func (s *Server) config() gwconfig.GatewayConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) setConfig(cfg gwconfig.GatewayConfig) {
	s.cfgMu.Lock()
	defer s.cfgMu.Unlock()
	s.cfg = cfg
}

// ApplyConfig replaces the live config, for callers outside this package
// that observe a config change out of band (e.g. the composition root's
// filesystem watcher picking up an externally edited config.json).
func (s *Server) ApplyConfig(cfg gwconfig.GatewayConfig) {
	s.setConfig(cfg)
}

// Handler builds the full routed, CORS-wrapped, auth-gated http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.rt.Metrics().Registry(), promhttp.HandlerOpts{}))

	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	mux.HandleFunc("DELETE /api/templates/{name}", s.handleDeleteTemplate)
	mux.HandleFunc("PATCH /api/templates/{name}/env", s.handlePatchTemplateEnv)
	mux.HandleFunc("POST /api/templates/{name}/diagnose", s.handleDiagnoseTemplate)

	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("POST /api/services", s.handleCreateService)
	mux.HandleFunc("GET /api/services/{id}", s.handleGetService)
	mux.HandleFunc("DELETE /api/services/{id}", s.handleDeleteService)
	mux.HandleFunc("GET /api/services/{id}/health", s.handleServiceHealth)
	mux.HandleFunc("GET /api/services/{id}/logs", s.handleServiceLogs)
	mux.HandleFunc("PATCH /api/services/{id}/env", s.handlePatchServiceEnv)

	mux.HandleFunc("POST /api/route", s.handleRoute)
	mux.HandleFunc("POST /api/proxy/{serviceId}", s.handleProxy)

	mux.HandleFunc("GET /api/events", s.handleEvents)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)

	return s.withCORS(s.withAuth(mux))
}

// withAuth enforces the configured AuthMode on every /api/ path; /health
// is always reachable unauthenticated so liveness/readiness probes never
// depend on credential state.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.authenticator == nil || s.config().AuthMode == gwconfig.AuthModeNone || r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		creds, err := authn.ExtractCredentials(r.Header)
		if err != nil {
			writeError(w, err)
			return
		}
		if _, err := s.authenticator.Authenticate(creds); err != nil {
			writeError(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withCORS applies the persisted CORS policy to every response.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cors := s.config().CORS
		if cors.Enabled {
			origin := r.Header.Get("Origin")
			if allowedOrigin(cors.AllowedOrigins, origin) {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, PUT, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Authorization, X-Api-Key, Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func allowedOrigin(allowed []string, origin string) bool {
	for _, a := range allowed {
		if a == "*" || a == origin {
			return true
		}
	}
	return false
}

// Serve binds addr (or, if systemd passed activated listeners, uses
// those instead) and serves Handler() until ctx-driven Shutdown. Mirrors
// the teacher's systemd-socket-activation-detection shape in
// aggregator.Start.
func (s *Server) Serve(addr string) error {
	handler := s.Handler()

	listenersWithNames, err := activation.ListenersWithNames()
	if err != nil {
		logging.Error("HTTPSurface", err, "failed to inspect systemd listeners")
	}
	var systemdListeners []net.Listener
	for name, ls := range listenersWithNames {
		for i, l := range ls {
			logging.Info("HTTPSurface", "systemd listener %d for %s", i, name)
			systemdListeners = append(systemdListeners, l)
		}
	}

	if len(systemdListeners) > 0 {
		logging.Info("HTTPSurface", "using %d systemd-activated listener(s)", len(systemdListeners))
		errCh := make(chan error, len(systemdListeners))
		for _, l := range systemdListeners {
			srv := &http.Server{Handler: handler}
			s.httpServers = append(s.httpServers, srv)
			go func(srv *http.Server, l net.Listener) {
				errCh <- srv.Serve(l)
			}(srv, l)
		}
		return <-errCh
	}

	srv := &http.Server{Addr: addr, Handler: handler}
	s.httpServers = append(s.httpServers, srv)
	logging.Info("HTTPSurface", "listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown closes every listening http.Server immediately via Close;
// in-flight requests are not waited for.
func (s *Server) Shutdown() {
	for _, srv := range s.httpServers {
		_ = srv.Close()
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, gwerrors.StatusFor(err), gwerrors.ToEnvelope(err))
}

func decodeJSON(r *http.Request, dst interface{}) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeValidation, "invalid JSON body: %v", err)
	}
	return nil
}
