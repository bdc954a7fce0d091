package httpapi

import (
	"net/http"

	"github.com/giantswarm/tool-gateway/internal/balancer"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/router"
	"github.com/giantswarm/tool-gateway/internal/transport"
)

type routeRequest struct {
	Method       string `json:"method"`
	ServiceGroup string `json:"serviceGroup"`
	Strategy     string `json:"strategy,omitempty"`
}

type routeResponse struct {
	SelectedService string   `json:"selectedService"`
	Strategy        string   `json:"strategy"`
	FiltersApplied  []string `json:"filtersApplied,omitempty"`
}

// handleRoute runs the Router's rule-priority match and load-balancer
// selection over req.ServiceGroup without sending anything to the
// chosen instance; callers that also want the call delivered follow up
// with handleProxy against the returned selectedService.
func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.ServiceGroup == "" {
		writeError(w, gwerrors.New(gwerrors.CodeValidation, "serviceGroup is required"))
		return
	}

	strategy := balancer.Strategy(req.Strategy)
	if strategy == "" {
		strategy = balancer.StrategyRoundRobin
	}

	decision, err := s.rt.Route(&router.Request{
		Method:       req.Method,
		ServiceGroup: req.ServiceGroup,
		Strategy:     strategy,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, routeResponse{
		SelectedService: decision.InstanceID,
		Strategy:        string(decision.Strategy),
		FiltersApplied:  decision.FiltersApplied,
	})
}

// handleProxy sends the JSON-RPC envelope in the request body to
// serviceId's adapter and returns its reply verbatim.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	serviceID := r.PathValue("serviceId")

	var envelope transport.Envelope
	if err := decodeJSON(r, &envelope); err != nil {
		writeError(w, err)
		return
	}

	reply, err := s.rt.Proxy(r.Context(), serviceID, &envelope)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reply)
}
