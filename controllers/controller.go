package controllers

import (
	"context"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/repository"
	"github.com/LogicIQ/orbit/storage"
)

// Reconciler is the contract the embedding domain supplies. Both methods
// must be idempotent: events are delivered at least once and reconciliation
// may overlap briefly across instances during leadership handoff.
type Reconciler[S any, St any] interface {
	// Reconcile computes the desired status for the current resource. It is
	// a pure function of its input plus whatever external state it probes.
	Reconcile(ctx context.Context, res *v1.Resource[S, St]) (St, error)

	// Finalize performs external cleanup for one named finalizer. Safe to
	// re-invoke if a previous attempt partially succeeded.
	Finalize(ctx context.Context, res *v1.Resource[S, St], finalizer string) error
}

// FailureMarker is optionally implemented by domains that want a resource
// surfaced as terminally failed once its reconcile retry budget is spent.
type FailureMarker[S any, St any] interface {
	MarkFailed(res *v1.Resource[S, St], err error) St
}

// LeaderGate reports whether this instance should actively reconcile.
type LeaderGate interface {
	IsLeader() bool
}

// Config tunes a Controller.
type Config struct {
	// FinalizerName, when set, is installed on every resource before any
	// provisioning happens, so the controller always gets a chance to clean
	// up even after a crash mid-provision.
	FinalizerName string

	// Workers is the size of the reconcile pool.
	Workers int

	// MaxCASAttempts bounds the optimistic-concurrency retries of each
	// persisted update.
	MaxCASAttempts int

	// RetryBudget is how many consecutive reconcile failures a resource may
	// accrue before it is dropped from the requeue path (and, if the domain
	// implements FailureMarker, marked failed). Distinct from CAS attempts.
	RetryBudget int

	// BaseDelay/MaxDelay bound the exponential requeue backoff.
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxCASAttempts <= 0 {
		c.MaxCASAttempts = repository.DefaultMaxAttempts
	}
	if c.RetryBudget <= 0 {
		c.RetryBudget = 5
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 200 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
}

// Controller drives resources of one kind toward their desired state. It is
// phase-agnostic: the domain's Reconciler owns the state machine, the
// controller owns fetching, finalizer ordering, status persistence, and
// retry. Reconciliation for different names runs concurrently; the same
// name is serialized by the queue's in-flight guard.
type Controller[S any, St any] struct {
	repo       *repository.Repository[S, St]
	reconciler Reconciler[S, St]
	gate       LeaderGate
	cfg        Config
	log        logr.Logger

	queue *namedQueue

	failMu   sync.Mutex
	failures map[types.NamespacedName]int
}

// New builds a controller. A nil gate means this instance always reconciles
// (single-instance deployments).
func New[S any, St any](repo *repository.Repository[S, St], reconciler Reconciler[S, St], gate LeaderGate, cfg Config, log logr.Logger) *Controller[S, St] {
	cfg.applyDefaults()
	return &Controller[S, St]{
		repo:       repo,
		reconciler: reconciler,
		gate:       gate,
		cfg:        cfg,
		log:        log.WithName("controller"),
		queue:      newNamedQueue(),
		failures:   make(map[types.NamespacedName]int),
	}
}

// Enqueue schedules a reconcile pass for name.
func (c *Controller[S, St]) Enqueue(name types.NamespacedName) {
	c.queue.Add(name)
}

// HandleEvent adapts the controller to the watcher's handler contract. The
// event payload is never treated as authoritative; reconcile re-reads.
func (c *Controller[S, St]) HandleEvent(_ context.Context, ev repository.Event[S, St]) error {
	c.queue.Add(ev.Name)
	return nil
}

// Run starts the worker pool and blocks until ctx is cancelled, then lets
// in-flight reconciles finish before returning.
func (c *Controller[S, St]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < c.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.worker(ctx)
		}()
	}
	<-ctx.Done()
	c.queue.ShutDown()
	wg.Wait()
}

func (c *Controller[S, St]) worker(ctx context.Context) {
	for {
		name, ok := c.queue.Get()
		if !ok {
			return
		}
		c.process(ctx, name)
		c.queue.Done(name)
	}
}

func (c *Controller[S, St]) process(ctx context.Context, name types.NamespacedName) {
	if c.gate != nil && !c.gate.IsLeader() {
		// Standby instance; the sweep re-enqueues once we lead.
		return
	}

	res, err := c.repo.Get(ctx, name)
	if err != nil {
		if storage.IsNotFound(err) {
			c.forget(name)
			return
		}
		c.log.Error(err, "unable to fetch resource", "name", name.String())
		c.requeue(name)
		return
	}

	if res.Metadata.Terminating() {
		c.finalizePass(ctx, name, res)
		return
	}

	if c.cfg.FinalizerName != "" && !res.Metadata.HasFinalizer(c.cfg.FinalizerName) {
		res, err = c.repo.UpdateWithRetry(ctx, name, func(r *v1.Resource[S, St]) error {
			r.Metadata.AddFinalizer(c.cfg.FinalizerName)
			return nil
		}, c.cfg.MaxCASAttempts)
		if err != nil {
			c.log.Error(err, "unable to install finalizer", "name", name.String())
			c.requeue(name)
			return
		}
	}

	status, err := c.reconciler.Reconcile(ctx, res)
	if err != nil {
		c.reconcileFailed(ctx, name, err)
		return
	}
	c.forget(name)

	if _, err := c.repo.UpdateWithRetry(ctx, name, func(r *v1.Resource[S, St]) error {
		r.Status = status
		return nil
	}, c.cfg.MaxCASAttempts); err != nil && !storage.IsNotFound(err) {
		c.log.Error(err, "unable to persist status", "name", name.String())
		c.requeue(name)
	}
}

// finalizePass executes at most one finalizer, strictly in list order. A
// failing finalizer stays in place and blocks the ones behind it: cleanup
// steps are dependency-ordered and dropping one would leak whatever it
// protects.
func (c *Controller[S, St]) finalizePass(ctx context.Context, name types.NamespacedName, res *v1.Resource[S, St]) {
	if len(res.Metadata.Finalizers) == 0 {
		if _, err := c.repo.Delete(ctx, name); err != nil {
			c.log.Error(err, "unable to delete resource", "name", name.String())
			c.requeue(name)
			return
		}
		c.log.Info("resource deleted", "name", name.String())
		c.forget(name)
		return
	}

	next := res.Metadata.Finalizers[0]
	if err := c.reconciler.Finalize(ctx, res, next); err != nil {
		c.log.Error(err, "finalizer failed", "name", name.String(), "finalizer", next)
		c.requeue(name)
		return
	}

	updated, err := c.repo.UpdateWithRetry(ctx, name, func(r *v1.Resource[S, St]) error {
		r.Metadata.RemoveFinalizer(next)
		return nil
	}, c.cfg.MaxCASAttempts)
	if err != nil {
		c.log.Error(err, "unable to remove finalizer", "name", name.String(), "finalizer", next)
		c.requeue(name)
		return
	}
	c.forget(name)

	if len(updated.Metadata.Finalizers) > 0 {
		c.queue.Add(name)
		return
	}
	if _, err := c.repo.Delete(ctx, name); err != nil {
		c.log.Error(err, "unable to delete resource", "name", name.String())
		c.requeue(name)
		return
	}
	c.log.Info("resource deleted", "name", name.String())
}

func (c *Controller[S, St]) reconcileFailed(ctx context.Context, name types.NamespacedName, cause error) {
	c.failMu.Lock()
	c.failures[name]++
	count := c.failures[name]
	c.failMu.Unlock()

	if count > c.cfg.RetryBudget {
		c.log.Error(cause, "reconcile retry budget exhausted", "name", name.String(), "failures", count)
		if marker, ok := c.reconciler.(FailureMarker[S, St]); ok {
			if _, err := c.repo.UpdateWithRetry(ctx, name, func(r *v1.Resource[S, St]) error {
				r.Status = marker.MarkFailed(r, cause)
				return nil
			}, c.cfg.MaxCASAttempts); err != nil && !storage.IsNotFound(err) {
				c.log.Error(err, "unable to mark resource failed", "name", name.String())
			}
		}
		c.forget(name)
		return
	}

	c.log.Error(cause, "reconcile failed, requeueing", "name", name.String(), "attempt", count)
	c.queue.AddAfter(name, c.backoffDelay(count))
}

// requeue schedules a retry for infrastructure failures, counted against
// the same budgetless exponential curve but never dropped.
func (c *Controller[S, St]) requeue(name types.NamespacedName) {
	c.failMu.Lock()
	c.failures[name]++
	count := c.failures[name]
	c.failMu.Unlock()
	c.queue.AddAfter(name, c.backoffDelay(count))
}

func (c *Controller[S, St]) forget(name types.NamespacedName) {
	c.failMu.Lock()
	delete(c.failures, name)
	c.failMu.Unlock()
}

func (c *Controller[S, St]) backoffDelay(failures int) time.Duration {
	d := c.cfg.BaseDelay
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= c.cfg.MaxDelay {
			return c.cfg.MaxDelay
		}
	}
	if d > c.cfg.MaxDelay {
		d = c.cfg.MaxDelay
	}
	return d
}
