package app

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/giantswarm/tool-gateway/internal/gwconfig"
	"github.com/giantswarm/tool-gateway/pkg/logging"
)

// Run binds the HTTP Surface at addr, starts the config watcher (if
// present), and blocks until ctx is canceled or SIGINT/SIGTERM arrives,
// then shuts everything down. Mirrors the teacher's runOrchestrator
// signal-handling idiom, generalized from "start/stop an orchestrator" to
// "serve/shutdown an HTTP Surface."
func (a *Application) Run(ctx context.Context, addr string) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- a.server.Serve(addr)
	}()

	var changes <-chan gwconfig.Change
	if a.watcher != nil {
		ch, err := a.watcher.Start(ctx)
		if err != nil {
			logging.Warn("App", "failed to start config watcher: %v", err)
		} else {
			changes = ch
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logging.Info("App", "gateway listening on %s", addr)

	for {
		select {
		case err := <-serveErr:
			return err

		case <-ctx.Done():
			a.shutdown()
			return ctx.Err()

		case <-sigChan:
			logging.Info("App", "received shutdown signal")
			a.shutdown()
			return nil

		case change, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			a.onConfigChange(change)
		}
	}
}

// onConfigChange reacts to a debounced filesystem change: a config.json
// edit is reloaded and applied to the live server; a template file change
// is only logged. The template registry loads persisted templates once at
// construction, so an on-disk template edit is not applied to the running
// registry.
func (a *Application) onConfigChange(change gwconfig.Change) {
	if a.store == nil {
		return
	}
	switch change.Kind {
	case gwconfig.ChangeGatewayConfig:
		cfg, err := a.store.LoadConfig()
		if err != nil {
			logging.Warn("App", "failed to reload config: %v", err)
			return
		}
		a.server.ApplyConfig(cfg)
		logging.Info("App", "reloaded gateway config from disk")

	case gwconfig.ChangeTemplate:
		logging.Info("App", "detected template change on disk: %s", change.Name)
	}
}

func (a *Application) shutdown() {
	logging.Info("App", "shutting down")
	a.server.Shutdown()
	if a.watcher != nil {
		_ = a.watcher.Stop()
	}
	a.bus.Close()
}
