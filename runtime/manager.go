package runtime

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/controllers"
	"github.com/LogicIQ/orbit/election"
	"github.com/LogicIQ/orbit/repository"
	"github.com/LogicIQ/orbit/storage"
	"github.com/LogicIQ/orbit/watcher"
)

// Config assembles a manager for one resource kind.
type Config[S any, St any] struct {
	// Controller tunes the reconcile pool.
	Controller controllers.Config

	// Watcher tunes stream resumption; WatcherID should be stable per
	// instance so bookmarks survive restarts.
	Watcher watcher.Config

	// ResyncInterval is the scheduler's sweep period.
	ResyncInterval time.Duration

	// SkipSweep fast-skips settled resources during sweeps.
	SkipSweep func(*v1.Resource[S, St]) bool

	// Election enables multi-instance HA; nil runs leaderless and the
	// instance reconciles unconditionally.
	Election *election.Config
}

// Manager wires the elector, watcher, scheduler and controller together:
// the watcher and scheduler feed the controller's queue, the elector gates
// whether any of them run on this instance. Shutdown is cooperative —
// in-flight reconciles finish, the watch closes, and the last processed
// bookmark is already persisted by then.
type Manager[S any, St any] struct {
	controller *controllers.Controller[S, St]
	watcher    *watcher.Watcher[S, St]
	scheduler  *controllers.Scheduler[S, St]
	elector    *election.Elector
	log        logr.Logger
}

// New builds the component graph on a shared backend.
func New[S any, St any](backend storage.Backend, repo *repository.Repository[S, St], reconciler controllers.Reconciler[S, St], cfg Config[S, St], log logr.Logger) (*Manager[S, St], error) {
	m := &Manager[S, St]{log: log.WithName("manager")}

	if cfg.Election != nil {
		ecfg := *cfg.Election
		ecfg.Callbacks = election.Callbacks{
			OnStartedLeading: func(leaderCtx context.Context) {
				m.log.Info("starting reconciliation")
				m.runActive(leaderCtx)
			},
			OnStoppedLeading: func() {
				m.log.Info("reconciliation stopped")
			},
		}
		elector, err := election.New(backend, ecfg, log)
		if err != nil {
			return nil, err
		}
		m.elector = elector
	}

	var gate controllers.LeaderGate
	if m.elector != nil {
		gate = m.elector
	}
	m.controller = controllers.New(repo, reconciler, gate, cfg.Controller, log)

	bookmarks := repository.NewBookmarks(backend, log)
	m.watcher = watcher.New(repo, bookmarks, m.controller.HandleEvent, cfg.Watcher, log)

	m.scheduler = controllers.NewScheduler(repo, cfg.ResyncInterval, m.controller.Enqueue, cfg.SkipSweep, log)
	return m, nil
}

// IsLeader reports whether this instance is actively reconciling. Always
// true in leaderless mode.
func (m *Manager[S, St]) IsLeader() bool {
	if m.elector == nil {
		return true
	}
	return m.elector.IsLeader()
}

// Start blocks until ctx is cancelled. With election enabled the event
// pipeline only runs while this instance holds the lease.
func (m *Manager[S, St]) Start(ctx context.Context) {
	if m.elector == nil {
		m.runActive(ctx)
		return
	}
	m.elector.Run(ctx)
}

// runActive runs the watcher, scheduler and controller until ctx ends.
func (m *Manager[S, St]) runActive(ctx context.Context) {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.controller.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.scheduler.Run(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.watcher.Run(ctx); err != nil {
			m.log.Error(err, "watcher exited")
		}
	}()

	wg.Wait()
}
