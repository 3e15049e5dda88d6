package controllers

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/apimachinery/pkg/util/wait"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/repository"
)

// Scheduler periodically sweeps every resource of a kind into the reconcile
// queue, independent of watch events. It is the safety net for drift the
// event path cannot see: timeout-based transitions generate no writes, and
// events can be dropped during the history-expired window before a relist
// completes.
type Scheduler[S any, St any] struct {
	repo     *repository.Repository[S, St]
	interval time.Duration
	enqueue  func(types.NamespacedName)
	skip     func(*v1.Resource[S, St]) bool
	log      logr.Logger
}

// NewScheduler builds a sweep timer. skip, when non-nil, fast-skips
// resources the domain considers settled (typically terminal phases) to
// bound sweep cost as the resource count grows; terminating resources are
// always enqueued so finalizers keep progressing.
func NewScheduler[S any, St any](repo *repository.Repository[S, St], interval time.Duration, enqueue func(types.NamespacedName), skip func(*v1.Resource[S, St]) bool, log logr.Logger) *Scheduler[S, St] {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Scheduler[S, St]{
		repo:     repo,
		interval: interval,
		enqueue:  enqueue,
		skip:     skip,
		log:      log.WithName("scheduler"),
	}
}

// Run sweeps until ctx is cancelled.
func (s *Scheduler[S, St]) Run(ctx context.Context) {
	wait.UntilWithContext(ctx, s.sweep, s.interval)
}

func (s *Scheduler[S, St]) sweep(ctx context.Context) {
	resources, _, err := s.repo.List(ctx)
	if err != nil {
		s.log.Error(err, "sweep list failed")
		return
	}
	enqueued := 0
	for _, res := range resources {
		if s.skip != nil && s.skip(res) && !res.Metadata.Terminating() {
			continue
		}
		s.enqueue(res.NamespacedName())
		enqueued++
	}
	s.log.V(1).Info("sweep complete", "resources", len(resources), "enqueued", enqueued)
}
