package template

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/giantswarm/tool-gateway/internal/gwconfig"
	"github.com/giantswarm/tool-gateway/internal/gwerrors"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// Registry holds the set of registered templates, mirrored to a
// gwconfig.Store for persistence. Reads return cloned copies so callers
// can never mutate stored state.
type Registry struct {
	mu        sync.RWMutex
	templates map[string]*Template
	store     *gwconfig.Store // nil when running without persistence
}

// NewRegistry creates an empty, unpersisted registry.
func NewRegistry() *Registry {
	return &Registry{templates: make(map[string]*Template)}
}

// NewRegistryWithStore creates a registry backed by store, loading any
// templates already persisted on disk.
func NewRegistryWithStore(store *gwconfig.Store) (*Registry, error) {
	r := &Registry{templates: make(map[string]*Template), store: store}
	names, err := store.ListTemplates()
	if err != nil {
		return nil, fmt.Errorf("template: list persisted templates: %w", err)
	}
	for _, name := range names {
		data, err := store.LoadTemplate(name)
		if err != nil {
			logging.Warn("TemplateRegistry", "skipping %s: %v", name, err)
			continue
		}
		var tmpl Template
		if err := json.Unmarshal(data, &tmpl); err != nil {
			logging.Warn("TemplateRegistry", "skipping %s: invalid json: %v", name, err)
			continue
		}
		r.templates[tmpl.Name] = &tmpl
	}
	logging.Info("TemplateRegistry", "loaded %d templates from disk", len(r.templates))
	return r, nil
}

// Register validates and stores a template. Registering the same name with
// an identical body is a no-op; registering an existing name with a
// different body is a Conflict unless replace is true.
func (r *Registry) Register(tmpl Template, replace bool) error {
	if err := tmpl.Validate(); err != nil {
		return gwerrors.Wrap(err, gwerrors.CodeValidation, "template %q: %v", tmpl.Name, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.templates[tmpl.Name]; ok {
		if equalTemplates(existing, &tmpl) {
			return nil
		}
		if !replace {
			return gwerrors.New(gwerrors.CodeConflict, "template %q already exists", tmpl.Name)
		}
	}

	stored := tmpl.Clone()
	r.templates[tmpl.Name] = stored
	if r.store != nil {
		data, err := json.Marshal(stored)
		if err != nil {
			return gwerrors.Wrap(err, gwerrors.CodeInternal, "marshal template %q", tmpl.Name)
		}
		if err := r.store.SaveTemplate(tmpl.Name, data); err != nil {
			return gwerrors.Wrap(err, gwerrors.CodeInternal, "persist template %q", tmpl.Name)
		}
	}
	logging.Audit(logging.AuditEvent{Action: "template_register", Outcome: "success", Target: tmpl.Name})
	return nil
}

// Get returns a clone of the named template.
func (r *Registry) Get(name string) (*Template, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tmpl, ok := r.templates[name]
	if !ok {
		return nil, gwerrors.New(gwerrors.CodeNotFound, "template %q not found", name)
	}
	return tmpl.Clone(), nil
}

// List returns clones of every registered template.
func (r *Registry) List() []*Template {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Template, 0, len(r.templates))
	for _, tmpl := range r.templates {
		out = append(out, tmpl.Clone())
	}
	return out
}

// Remove deletes a template. It does not evict any instances that already
// reference it — the caller (Service Registry) is responsible for that
// policy decision. Removing an unknown template is a no-op returning false.
func (r *Registry) Remove(name string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.templates[name]; !ok {
		return false, nil
	}
	delete(r.templates, name)
	if r.store != nil {
		if _, err := r.store.DeleteTemplate(name); err != nil {
			return false, gwerrors.Wrap(err, gwerrors.CodeInternal, "delete persisted template %q", name)
		}
	}
	logging.Audit(logging.AuditEvent{Action: "template_remove", Outcome: "success", Target: name})
	return true, nil
}

// PatchEnv merges newEnv into the named template's env map and persists the
// result, without touching any other field.
func (r *Registry) PatchEnv(name string, newEnv map[string]string) (*Template, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tmpl, ok := r.templates[name]
	if !ok {
		return nil, gwerrors.New(gwerrors.CodeNotFound, "template %q not found", name)
	}
	updated := tmpl.Clone()
	if updated.Env == nil {
		updated.Env = make(map[string]string, len(newEnv))
	}
	for k, v := range newEnv {
		updated.Env[k] = v
	}
	if err := updated.Validate(); err != nil {
		return nil, gwerrors.Wrap(err, gwerrors.CodeValidation, "patched template %q: %v", name, err)
	}
	r.templates[name] = updated
	if r.store != nil {
		data, err := json.Marshal(updated)
		if err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.CodeInternal, "marshal template %q", name)
		}
		if err := r.store.SaveTemplate(name, data); err != nil {
			return nil, gwerrors.Wrap(err, gwerrors.CodeInternal, "persist template %q", name)
		}
	}
	return updated.Clone(), nil
}

func equalTemplates(a, b *Template) bool {
	aj, errA := json.Marshal(a)
	bj, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(aj) == string(bj)
}
