package gwconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/giantswarm/tool-gateway/pkg/logging"
)

const (
	configFileName  = "config.json"
	templatesSubdir = "templates"
)

// Store persists the gateway config and template registry under a single
// root directory, writing every file atomically via temp-file-plus-rename.
type Store struct {
	mu   sync.RWMutex
	root string
}

// NewStore creates a Store rooted at dir. The directory (and its templates
// subfolder) are created on first write, not on construction.
func NewStore(dir string) *Store {
	if dir == "" {
		panic("gwconfig: empty store root")
	}
	return &Store{root: dir}
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// LoadConfig reads the gateway config, returning Default() if no config.json
// exists yet.
func (s *Store) LoadConfig() (GatewayConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.root, configFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return GatewayConfig{}, fmt.Errorf("gwconfig: read config: %w", err)
	}

	var cfg GatewayConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return GatewayConfig{}, fmt.Errorf("gwconfig: parse config: %w", err)
	}
	return cfg, nil
}

// SaveConfig atomically writes the gateway config to config.json.
func (s *Store) SaveConfig(cfg GatewayConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("gwconfig: marshal config: %w", err)
	}
	if err := s.writeAtomic(filepath.Join(s.root, configFileName), data); err != nil {
		return err
	}
	logging.Info("GatewayConfig", "Saved gateway config to %s", s.root)
	return nil
}

// SaveTemplate atomically writes a template's JSON body to
// templates/<name>.json. Writing the same bytes twice is a no-op write that
// still succeeds (idempotent per the save/delete invariant).
func (s *Store) SaveTemplate(name string, data []byte) error {
	if name == "" {
		return fmt.Errorf("gwconfig: template name cannot be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dir := filepath.Join(s.root, templatesSubdir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("gwconfig: create templates dir: %w", err)
	}

	path := filepath.Join(dir, sanitizeName(name)+".json")
	if existing, err := os.ReadFile(path); err == nil && string(existing) == string(data) {
		return nil
	}
	if err := s.writeAtomic(path, data); err != nil {
		return err
	}
	logging.Info("GatewayConfig", "Saved template %s", name)
	return nil
}

// LoadTemplate reads a single template's JSON body.
func (s *Store) LoadTemplate(name string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	path := filepath.Join(s.root, templatesSubdir, sanitizeName(name)+".json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("gwconfig: template %q not found", name)
		}
		return nil, fmt.Errorf("gwconfig: read template %q: %w", name, err)
	}
	return data, nil
}

// DeleteTemplate removes a template's JSON file. Deleting an unknown
// template is a no-op that reports ok=false rather than an error.
func (s *Store) DeleteTemplate(name string) (ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.root, templatesSubdir, sanitizeName(name)+".json")
	if _, statErr := os.Stat(path); os.IsNotExist(statErr) {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("gwconfig: delete template %q: %w", name, err)
	}
	return true, nil
}

// ListTemplates returns the names of every persisted template.
func (s *Store) ListTemplates() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dir := filepath.Join(s.root, templatesSubdir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("gwconfig: list templates: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(entry.Name(), ".json"))
	}
	return names, nil
}

// writeAtomic writes data to a temp file in the same directory as path, then
// renames it into place, so readers never observe a partial write.
func (s *Store) writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("gwconfig: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("gwconfig: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once the rename below succeeds

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("gwconfig: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("gwconfig: sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("gwconfig: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o644); err != nil {
		return fmt.Errorf("gwconfig: chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("gwconfig: rename into place: %w", err)
	}
	return nil
}

// sanitizeName mirrors the teacher's defensive filename sanitization so
// template names can't escape the templates directory.
func sanitizeName(name string) string {
	replacer := strings.NewReplacer(
		"/", "_", "\\", "_", ":", "_", "*", "_", "?", "_",
		"\"", "_", "<", "_", ">", "_", "|", "_", "..", "_",
	)
	sanitized := replacer.Replace(name)
	sanitized = strings.Trim(sanitized, " _")
	if sanitized == "" {
		sanitized = "unnamed"
	}
	return sanitized
}
