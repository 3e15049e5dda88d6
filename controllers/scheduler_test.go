package controllers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/repository"
	"github.com/LogicIQ/orbit/storage"
)

func TestScheduler_SweepEnqueues(t *testing.T) {
	ctx := context.Background()
	backend := storage.NewMemory()
	repo := repository.New[testSpec, testStatus](backend, "widgets", logr.Discard())

	addWidget(t, repo, "active")
	failedName := addWidget(t, repo, "failed")
	_, err := repo.UpdateWithRetry(ctx, failedName, func(r *v1.Resource[testSpec, testStatus]) error {
		r.Status.Phase = "Failed"
		return nil
	}, 3)
	require.NoError(t, err)

	terminatingName := addWidget(t, repo, "terminating-failed", "cleanup")
	_, err = repo.UpdateWithRetry(ctx, terminatingName, func(r *v1.Resource[testSpec, testStatus]) error {
		r.Status.Phase = "Failed"
		return nil
	}, 3)
	require.NoError(t, err)
	_, err = repo.Delete(ctx, terminatingName)
	require.NoError(t, err)

	var mu sync.Mutex
	var enqueued []string
	enqueue := func(name types.NamespacedName) {
		mu.Lock()
		defer mu.Unlock()
		enqueued = append(enqueued, name.Name)
	}
	skip := func(res *v1.Resource[testSpec, testStatus]) bool {
		return res.Status.Phase == "Failed"
	}

	s := NewScheduler(repo, time.Minute, enqueue, skip, logr.Discard())
	s.sweep(ctx)

	mu.Lock()
	defer mu.Unlock()
	// Terminal resources are fast-skipped, but terminating ones are always
	// swept so finalizers keep progressing.
	assert.ElementsMatch(t, []string{"active", "terminating-failed"}, enqueued)
}

func TestScheduler_RunStopsOnCancel(t *testing.T) {
	backend := storage.NewMemory()
	repo := repository.New[testSpec, testStatus](backend, "widgets", logr.Discard())
	addWidget(t, repo, "w1")

	var mu sync.Mutex
	count := 0
	enqueue := func(types.NamespacedName) {
		mu.Lock()
		count++
		mu.Unlock()
	}

	s := NewScheduler(repo, 10*time.Millisecond, enqueue, nil, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count >= 2
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
