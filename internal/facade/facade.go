// Package facade implements the engine facade of spec §4.K: the single
// entry point a CLI or any other front end uses to start the engine,
// submit downloads, observe and control them, and shut down cleanly.
// Grounded on the teacher's cmd/root.go, which wires together a transport
// client, the engine/state SQLite store, and the TUI/HTTP entry points
// behind one "master instance" - this package keeps that wiring role but
// drops the TUI/HTTP-server/browser-extension surface the teacher built
// on top of it, since nothing in the spec calls for them.
package facade

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/haulio/haul/internal/config"
	"github.com/haulio/haul/internal/coordinator"
	"github.com/haulio/haul/internal/limiter"
	"github.com/haulio/haul/internal/logging"
	"github.com/haulio/haul/internal/model"
	"github.com/haulio/haul/internal/ratelimit"
	"github.com/haulio/haul/internal/resolver"
	"github.com/haulio/haul/internal/schedule"
	"github.com/haulio/haul/internal/scheduler"
	"github.com/haulio/haul/internal/source/http"
	"github.com/haulio/haul/internal/store"
	"github.com/haulio/haul/internal/transport"
	"github.com/haulio/haul/internal/writer"
)

// Engine is the facade: one instance per process, owning every
// long-lived collaborator the coordinator needs.
type Engine struct {
	cfg         *config.RuntimeConfig
	log         logging.Logger
	store       store.TaskStore
	queue       *scheduler.Queue
	coordinator *coordinator.Coordinator
	cancel      context.CancelFunc
	instance    *flock.Flock
}

// AcquireInstanceLock tries to become the sole engine instance writing to
// cfg's state directory, via a lock file in that directory. Returns false
// (not an error) when another instance already holds it. The CLI
// subcommands do not call it.
func AcquireInstanceLock(cfg *config.RuntimeConfig) (*flock.Flock, bool, error) {
	if cfg == nil {
		cfg = &config.RuntimeConfig{}
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, false, fmt.Errorf("facade: preparing state dir: %w", err)
	}
	lockPath := filepath.Join(cfg.GetStateDir(), "haul.lock")
	fl := flock.New(lockPath)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, false, fmt.Errorf("facade: acquiring instance lock: %w", err)
	}
	if !locked {
		return nil, false, nil
	}
	return fl, true, nil
}

// New wires a fresh Engine bound to an already-acquired instance lock (see
// AcquireInstanceLock; pass nil to skip single-instance enforcement, e.g.
// in tests). It does not start the dispatcher or restore persisted tasks
// - call Start for that.
func New(cfg *config.RuntimeConfig, instance *flock.Flock) (*Engine, error) {
	if cfg == nil {
		cfg = &config.RuntimeConfig{}
	}
	if err := cfg.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("facade: preparing state dir: %w", err)
	}
	logging.Configure(cfg)
	log := logging.FileLogger{}

	st, err := store.Open(filepath.Join(cfg.GetStateDir(), "tasks.db"))
	if err != nil {
		return nil, fmt.Errorf("facade: opening task store: %w", err)
	}

	client := transport.New(cfg.GetUserAgent(), cfg.GetDialTimeout(), cfg.GetRequestTimeout())
	hosts := ratelimit.NewManager()
	httpSource := http.New(client, hosts, cfg, log)

	res := resolver.New(httpSource)
	q := scheduler.NewQueue(cfg.GetMaxConcurrent(), cfg.GetMaxPerHost())
	sched := schedule.NewManager()

	coord := coordinator.New(cfg, log, st, q, sched, res, limiter.Unlimited{}, func(path string) (model.FileWriter, error) {
		return writer.New(path)
	})

	return &Engine{cfg: cfg, log: log, store: st, queue: q, coordinator: coord, instance: instance}, nil
}

// Start launches the dispatcher and restores every persisted task whose
// state is restorable (spec §4.C/§4.K).
func (e *Engine) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.coordinator.Run(ctx)

	records, err := e.store.LoadAll()
	if err != nil {
		return fmt.Errorf("facade: loading persisted tasks: %w", err)
	}
	for _, rec := range records {
		if !rec.State.IsRestorable() {
			continue
		}
		e.coordinator.Restore(rec)
	}
	return nil
}

// Close tears every running task down, releases the store, and releases
// the instance lock if one was supplied.
func (e *Engine) Close() error {
	e.coordinator.Close()
	if e.cancel != nil {
		e.cancel()
	}
	err := e.store.Close()
	if e.instance != nil {
		_ = e.instance.Unlock()
	}
	return err
}

// Download implements the facade's download() operation: submit a fresh
// request and return its observable handle.
func (e *Engine) Download(req model.DownloadRequest) (*coordinator.TaskHandle, error) {
	return e.coordinator.Submit(req)
}

// Handle returns the observable handle for a known task.
func (e *Engine) Handle(taskID string) (*coordinator.TaskHandle, bool) {
	return e.coordinator.Handle(taskID)
}

// List returns every task the engine currently knows about.
func (e *Engine) List() []*coordinator.TaskHandle {
	return e.coordinator.Handles()
}

func (e *Engine) Pause(taskID string) error                        { return e.coordinator.Pause(taskID) }
func (e *Engine) Resume(taskID, newDestination string) error       { return e.coordinator.Resume(taskID, newDestination) }
func (e *Engine) Cancel(taskID string) error                        { return e.coordinator.Cancel(taskID) }
func (e *Engine) Remove(taskID string) error                        { return e.coordinator.Remove(taskID) }
func (e *Engine) SetPriority(taskID string, p model.Priority)       { e.coordinator.SetPriority(taskID, p) }
func (e *Engine) SetSpeedLimit(taskID string, bps int64) error      { return e.coordinator.SetSpeedLimit(taskID, bps) }
func (e *Engine) SetConnections(taskID string, n int)               { e.coordinator.SetConnections(taskID, n) }
