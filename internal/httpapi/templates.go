package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/internal/template"
)

func encodeTemplate(tmpl template.Template) ([]byte, error) {
	return json.Marshal(tmpl)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.ListTemplates())
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tmpl template.Template
	if err := decodeJSON(r, &tmpl); err != nil {
		writeError(w, err)
		return
	}
	if err := tmpl.Validate(); err != nil {
		writeError(w, gwerrors.Wrap(err, gwerrors.CodeValidation, "invalid template: %v", err))
		return
	}
	if err := s.reg.RegisterTemplate(tmpl, false); err != nil {
		writeError(w, err)
		return
	}
	if s.store != nil {
		if body, err := encodeTemplate(tmpl); err == nil {
			_ = s.store.SaveTemplate(tmpl.Name, body)
		}
	}
	writeJSON(w, http.StatusCreated, tmpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	ok, err := s.reg.RemoveTemplate(name)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.store != nil {
		_, _ = s.store.DeleteTemplate(name)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": ok})
}

type patchEnvRequest struct {
	Env map[string]string `json:"env"`
}

// handlePatchTemplateEnv replaces a registered template's env map
// wholesale and re-registers it. The template registry's immutability
// invariant (modify only by whole-body replace) is preserved by reading
// the current template, replacing its env, and calling RegisterTemplate
// with replace=true.
func (s *Server) handlePatchTemplateEnv(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req patchEnvRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	tmpl, err := s.reg.GetTemplate(name)
	if err != nil {
		writeError(w, err)
		return
	}
	updated := *tmpl.Clone()
	updated.Env = req.Env
	if err := updated.Validate(); err != nil {
		writeError(w, gwerrors.Wrap(err, gwerrors.CodeValidation, "invalid template env: %v", err))
		return
	}
	if err := s.reg.RegisterTemplate(updated, true); err != nil {
		writeError(w, err)
		return
	}
	if s.store != nil {
		if body, err := encodeTemplate(updated); err == nil {
			_ = s.store.SaveTemplate(updated.Name, body)
		}
	}
	writeJSON(w, http.StatusOK, updated)
}

type diagnoseResponse struct {
	Valid          bool   `json:"valid"`
	Error          string `json:"error,omitempty"`
	ResolvedCmd    string `json:"resolvedCommand,omitempty"`
	InstanceCount  int    `json:"instanceCount"`
	HealthyCount   int    `json:"healthyCount"`
}

// handleDiagnoseTemplate runs the same validation and sandbox resolution
// path instance creation would, without creating an instance, and
// reports how many instances of this template currently exist and how
// many are healthy.
func (s *Server) handleDiagnoseTemplate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	tmpl, err := s.reg.GetTemplate(name)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := diagnoseResponse{Valid: true}
	if verr := tmpl.Validate(); verr != nil {
		resp.Valid = false
		resp.Error = verr.Error()
	}

	if resp.Valid {
		policy := s.reg.SandboxPolicy()
		if resolvedCmd, verr := policy.Validate(tmpl); verr != nil {
			resp.Valid = false
			resp.Error = verr.Error()
		} else {
			resp.ResolvedCmd = resolvedCmd
		}
	}

	resp.InstanceCount = len(s.reg.GetInstancesByTemplate(name))
	resp.HealthyCount = len(s.reg.GetHealthyInstances(name))

	writeJSON(w, http.StatusOK, resp)
}
