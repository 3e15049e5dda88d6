package watcher

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/LogicIQ/orbit/repository"
	"github.com/LogicIQ/orbit/storage"
)

// State is the watcher's lifecycle state.
type State string

const (
	StateStopped      State = "Stopped"
	StateStarting     State = "Starting"
	StateWatching     State = "Watching"
	StateReconnecting State = "Reconnecting"
)

// Handler receives change events one at a time. The watcher never runs ahead
// of the handler: the next event is not read, and the bookmark is not
// persisted, until the handler returns. A handler error rewinds the stream to
// the last persisted bookmark, so the failed event is re-delivered before
// anything newer. Handlers must tolerate redundant delivery of the same
// resource version; the watcher does not deduplicate.
type Handler[S any, St any] func(ctx context.Context, ev repository.Event[S, St]) error

// Config tunes a Watcher.
type Config struct {
	// WatcherID keys the persisted bookmark; it must be stable across
	// restarts of the same logical instance. Defaults to a random identity,
	// which disables resumption.
	WatcherID string

	// InitialBackoff/MaxBackoff bound the reconnect delay. Reconnection
	// itself is unbounded: a down backend is recoverable infrastructure.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// Watcher consumes a repository's change stream with a persisted, resumable
// position. A crash before the bookmark write re-delivers the in-flight
// event on restart (at-least-once); a crash after never does.
type Watcher[S any, St any] struct {
	repo      *repository.Repository[S, St]
	bookmarks *repository.Bookmarks
	handler   Handler[S, St]
	cfg       Config
	log       logr.Logger

	mu    sync.Mutex
	state State
}

// New builds a watcher; Run starts it.
func New[S any, St any](repo *repository.Repository[S, St], bookmarks *repository.Bookmarks, handler Handler[S, St], cfg Config, log logr.Logger) *Watcher[S, St] {
	if cfg.WatcherID == "" {
		cfg.WatcherID = uuid.NewString()
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 100 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &Watcher[S, St]{
		repo:      repo,
		bookmarks: bookmarks,
		handler:   handler,
		cfg:       cfg,
		state:     StateStopped,
		log:       log.WithName("watcher").WithValues("watcherId", cfg.WatcherID),
	}
}

// State returns the current lifecycle state.
func (w *Watcher[S, St]) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

func (w *Watcher[S, St]) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// Run watches until ctx is cancelled, reconnecting on stream errors and
// relisting when the backend compacted past the bookmark. It returns nil on
// cooperative stop; the last processed bookmark is already persisted.
func (w *Watcher[S, St]) Run(ctx context.Context) error {
	w.setState(StateStarting)
	defer w.setState(StateStopped)

	last, err := w.bookmarks.Load(ctx, w.cfg.WatcherID)
	if err != nil {
		return err
	}

	backoff := w.newBackoff()
	for {
		if ctx.Err() != nil {
			return nil
		}

		stream, err := w.repo.Watch(ctx, last)
		if err != nil {
			if storage.IsWatchExpired(err) {
				w.log.Info("watch history expired, relisting", "fromVersion", last)
				if v, rerr := w.relist(ctx); rerr == nil {
					last = v
					continue
				}
				// last stays put so the next attempt relists again.
			}
			if ctx.Err() != nil {
				return nil
			}
			w.setState(StateReconnecting)
			w.log.Error(err, "unable to open watch, backing off")
			if !w.sleep(ctx, backoff.Step()) {
				return nil
			}
			continue
		}

		w.setState(StateWatching)
		backoff = w.newBackoff()
		w.consume(ctx, stream, &last)

		if ctx.Err() != nil {
			stream.Cancel()
			return nil
		}
		if err := stream.Err(); storage.IsWatchExpired(err) {
			w.log.Info("watch history expired mid-stream, relisting", "fromVersion", last)
			if v, rerr := w.relist(ctx); rerr == nil {
				last = v
				continue
			}
		} else if err != nil {
			w.log.Error(err, "watch stream closed")
		}
		w.setState(StateReconnecting)
		if !w.sleep(ctx, backoff.Step()) {
			return nil
		}
	}
}

func (w *Watcher[S, St]) newBackoff() wait.Backoff {
	return wait.Backoff{
		Duration: w.cfg.InitialBackoff,
		Factor:   2,
		Jitter:   0.1,
		Steps:    math.MaxInt32,
		Cap:      w.cfg.MaxBackoff,
	}
}

func (w *Watcher[S, St]) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	}
}

// consume delivers events until the stream closes, persisting the bookmark
// strictly after each successful delivery. A handler failure stops the stream
// so the next attempt resumes from the last persisted position: the bookmark
// never advances past an undelivered event.
func (w *Watcher[S, St]) consume(ctx context.Context, watch *repository.Watch[S, St], last *string) {
	for ev := range watch.Events() {
		if err := w.handler(ctx, ev); err != nil {
			w.log.Error(err, "handler failed, rewinding to last bookmark", "name", ev.Name.String(), "version", ev.Version)
			watch.Cancel()
			for range watch.Events() {
			}
			return
		}
		if err := w.bookmarks.Save(ctx, w.cfg.WatcherID, ev.Version); err != nil {
			w.log.Error(err, "unable to persist bookmark", "version", ev.Version)
		}
		*last = ev.Version
		if ctx.Err() != nil {
			watch.Cancel()
		}
	}
}

// relist enumerates current state and delivers it as synthetic SYNC events,
// establishing the scan revision as the new watch baseline. This is the
// recovery path after the backend compacted past the bookmark: every live
// resource is re-evaluated so nothing stays stale.
func (w *Watcher[S, St]) relist(ctx context.Context) (string, error) {
	resources, rev, err := w.repo.List(ctx)
	if err != nil {
		return "", err
	}
	for _, res := range resources {
		ev := repository.Event[S, St]{
			Type:     storage.EventSync,
			Name:     res.NamespacedName(),
			Resource: res,
			Version:  res.Metadata.ResourceVersion,
		}
		if err := w.handler(ctx, ev); err != nil {
			// The baseline is not persisted, so the next attempt relists and
			// re-delivers everything.
			return "", fmt.Errorf("relist delivery for %s: %w", ev.Name.String(), err)
		}
	}
	if err := w.bookmarks.Save(ctx, w.cfg.WatcherID, rev); err != nil {
		return "", err
	}
	w.log.Info("relist complete", "resources", len(resources), "baseline", rev)
	return rev, nil
}
