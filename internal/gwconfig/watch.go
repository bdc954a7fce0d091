package gwconfig

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// ChangeKind distinguishes which persisted document changed on disk.
type ChangeKind string

const (
	ChangeGatewayConfig ChangeKind = "config"
	ChangeTemplate      ChangeKind = "template"
)

// Change describes a hot-reload-relevant filesystem event, debounced so a
// burst of writes (as happens with editors that write-then-rename) collapses
// into one notification.
type Change struct {
	Kind ChangeKind
	Name string // template name, empty for ChangeGatewayConfig
}

// Watcher watches a Store's root directory for changes to config.json and
// any file under templates/, debouncing rapid successive writes the same
// way the teacher's filesystem change detector does.
type Watcher struct {
	store    *Store
	watcher  *fsnotify.Watcher
	debounce time.Duration
}

// NewWatcher creates a Watcher for store. debounce defaults to 300ms if zero.
func NewWatcher(store *Store, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = 300 * time.Millisecond
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{store: store, watcher: fsw, debounce: debounce}, nil
}

// Start begins watching and emits debounced Change events on the returned
// channel until ctx is canceled or Stop is called. The channel is closed on
// exit.
func (w *Watcher) Start(ctx context.Context) (<-chan Change, error) {
	root := w.store.Root()
	if err := w.watcher.Add(root); err != nil {
		return nil, err
	}
	templatesDir := filepath.Join(root, templatesSubdir)
	if err := w.watcher.Add(templatesDir); err != nil {
		logging.Debug("ConfigWatcher", "templates dir not yet present, will pick it up once created: %v", err)
	}

	out := make(chan Change, 16)
	go w.run(ctx, out)
	return out, nil
}

func (w *Watcher) run(ctx context.Context, out chan<- Change) {
	defer close(out)
	defer w.watcher.Close()

	pending := make(map[Change]*time.Timer)
	fire := make(chan Change, 16)

	for {
		select {
		case <-ctx.Done():
			for _, timer := range pending {
				timer.Stop()
			}
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Create) && event.Name == filepath.Join(w.store.Root(), templatesSubdir) {
				if err := w.watcher.Add(event.Name); err != nil {
					logging.Warn("ConfigWatcher", "failed to watch templates dir: %v", err)
				}
				continue
			}
			change, ok := classify(w.store.Root(), event.Name)
			if !ok {
				continue
			}
			if timer, exists := pending[change]; exists {
				timer.Stop()
			}
			pending[change] = time.AfterFunc(w.debounce, func() {
				select {
				case fire <- change:
				default:
					logging.Warn("ConfigWatcher", "change notification channel full, dropping %v", change)
				}
			})

		case change := <-fire:
			delete(pending, change)
			select {
			case out <- change:
			default:
				logging.Warn("ConfigWatcher", "subscriber channel full, dropping change for %v", change)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("ConfigWatcher", err, "filesystem watcher error")
		}
	}
}

// Stop releases the underlying fsnotify watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func classify(root, path string) (Change, bool) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return Change{}, false
	}
	if rel == configFileName {
		return Change{Kind: ChangeGatewayConfig}, true
	}
	dir, file := filepath.Split(rel)
	if filepath.Clean(dir) != templatesSubdir {
		return Change{}, false
	}
	if filepath.Ext(file) != ".json" {
		return Change{}, false
	}
	name := file[:len(file)-len(filepath.Ext(file))]
	return Change{Kind: ChangeTemplate, Name: name}, true
}
