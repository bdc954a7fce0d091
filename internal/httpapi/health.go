package httpapi

import (
	"net/http"
	"time"
)

type healthResponse struct {
	Status    string `json:"status"`
	UptimeMs  int64  `json:"uptimeMs"`
	Templates int    `json:"templates"`
	Instances int    `json:"instances"`
	Healthy   int    `json:"healthy"`
}

// handleHealth always answers 200 if the process is reachable, per spec
// §6 — it reports facts, it never fails the probe.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.reg.GetRegistryStats()
	agg := s.reg.GetHealthAggregates()

	writeJSON(w, http.StatusOK, healthResponse{
		Status:    "ok",
		UptimeMs:  time.Since(s.startedAt).Milliseconds(),
		Templates: stats.TemplateCount,
		Instances: stats.InstanceCount,
		Healthy:   agg.HealthyCount,
	})
}
