package httpapi

import (
	"net/http"
	"strconv"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/instance"
)

func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	templateName := r.URL.Query().Get("templateName")
	if templateName != "" {
		writeJSON(w, http.StatusOK, s.reg.GetInstancesByTemplate(templateName))
		return
	}
	writeJSON(w, http.StatusOK, s.reg.ListInstances())
}

type createServiceRequest struct {
	TemplateName string            `json:"templateName"`
	InstanceArgs map[string]string `json:"instanceArgs"`
}

type createServiceResponse struct {
	ServiceID string `json:"serviceId"`
}

func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req createServiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TemplateName == "" {
		writeError(w, gwerrors.New(gwerrors.CodeValidation, "templateName is required"))
		return
	}

	view, err := s.reg.CreateInstance(req.TemplateName, req.InstanceArgs, instance.ModeKeepAlive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createServiceResponse{ServiceID: view.ID})
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, err := s.reg.GetInstance(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteService(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.reg.RemoveInstance(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleServiceHealth(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.reg.GetInstance(id); err != nil {
		writeError(w, err)
		return
	}
	if err := s.reg.CheckHealth(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"healthy": true})
}

const defaultLogLimit = 100

func (s *Server) handleServiceLogs(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.reg.GetInstance(id); err != nil {
		writeError(w, err)
		return
	}

	limit := defaultLogLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"lines": s.logs.Tail(id, limit)})
}

func (s *Server) handlePatchServiceEnv(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req patchEnvRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	view, err := s.reg.GetInstance(id)
	if err != nil {
		writeError(w, err)
		return
	}

	// Env changes only take effect on a fresh instance: tear down and
	// recreate under the same template with the new overrides, since a
	// running instance's resolved config is frozen at creation time.
	if err := s.reg.RemoveInstance(id); err != nil {
		writeError(w, err)
		return
	}
	newView, err := s.reg.CreateInstance(view.TemplateName, req.Env, instance.ModeKeepAlive)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newView)
}
