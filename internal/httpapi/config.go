package httpapi

import (
	"net/http"

	"github.com/giantswarm/tool-gateway/internal/gwconfig"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
)

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.config())
}

// handlePutConfig replaces the whole gateway config document, validates
// it structurally, persists it, and applies it to the running server so
// the new auth mode and CORS policy take effect on the next request.
func (s *Server) handlePutConfig(w http.ResponseWriter, r *http.Request) {
	var cfg gwconfig.GatewayConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, err)
		return
	}
	if err := validateConfig(cfg); err != nil {
		writeError(w, err)
		return
	}

	if s.store != nil {
		if err := s.store.SaveConfig(cfg); err != nil {
			writeError(w, gwerrors.Wrap(err, gwerrors.CodeInternal, "failed to persist config: %v", err))
			return
		}
	}
	s.setConfig(cfg)
	writeJSON(w, http.StatusOK, cfg)
}

func validateConfig(cfg gwconfig.GatewayConfig) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return gwerrors.New(gwerrors.CodeValidation, "port must be between 1 and 65535")
	}
	switch cfg.AuthMode {
	case gwconfig.AuthModeNone, gwconfig.AuthModeBearer, gwconfig.AuthModeAPIKey, gwconfig.AuthModeHandshake:
	default:
		return gwerrors.New(gwerrors.CodeValidation, "unknown authMode %q", cfg.AuthMode)
	}
	switch cfg.RoutingStrategy {
	case gwconfig.RoutingRoundRobin, gwconfig.RoutingLeastConn, gwconfig.RoutingWeighted, gwconfig.RoutingLeastLatency, gwconfig.RoutingFailover:
	default:
		return gwerrors.New(gwerrors.CodeValidation, "unknown routingStrategy %q", cfg.RoutingStrategy)
	}
	if cfg.RateLimit.Enabled && (cfg.RateLimit.RequestsPerWindow <= 0 || cfg.RateLimit.WindowSeconds <= 0) {
		return gwerrors.New(gwerrors.CodeValidation, "rateLimit requires positive requestsPerWindow and windowSeconds")
	}
	return nil
}
