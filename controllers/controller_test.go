package controllers

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/repository"
	"github.com/LogicIQ/orbit/storage"
)

type testSpec struct {
	Value int `json:"value"`
}

type testStatus struct {
	Phase string `json:"phase,omitempty"`
	Error string `json:"error,omitempty"`
}

const ownFinalizer = "widgets.orbit.io/cleanup"

// fakeDomain records reconcile/finalize invocations and plays back
// configured outcomes.
type fakeDomain struct {
	mu            sync.Mutex
	reconciled    []string
	finalized     []string
	reconcileErr  error
	finalizeFails map[string]int
}

func (f *fakeDomain) Reconcile(_ context.Context, res *v1.Resource[testSpec, testStatus]) (testStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconciled = append(f.reconciled, res.Metadata.Name)
	if f.reconcileErr != nil {
		return testStatus{}, f.reconcileErr
	}
	return testStatus{Phase: "Ready"}, nil
}

func (f *fakeDomain) Finalize(_ context.Context, res *v1.Resource[testSpec, testStatus], finalizer string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, finalizer)
	if n := f.finalizeFails[finalizer]; n > 0 {
		f.finalizeFails[finalizer] = n - 1
		return errors.New("cleanup failed")
	}
	return nil
}

func (f *fakeDomain) MarkFailed(res *v1.Resource[testSpec, testStatus], cause error) testStatus {
	status := res.Status
	status.Phase = "Failed"
	status.Error = cause.Error()
	return status
}

func (f *fakeDomain) finalizeOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.finalized...)
}

func (f *fakeDomain) reconcileCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reconciled)
}

type staticGate bool

func (g staticGate) IsLeader() bool { return bool(g) }

func setupController(t *testing.T, domain *fakeDomain, gate LeaderGate) (*Controller[testSpec, testStatus], *repository.Repository[testSpec, testStatus]) {
	t.Helper()
	backend := storage.NewMemory()
	repo := repository.New[testSpec, testStatus](backend, "widgets", logr.Discard())
	c := New(repo, domain, gate, Config{FinalizerName: ownFinalizer, RetryBudget: 2}, logr.Discard())
	return c, repo
}

func addWidget(t *testing.T, repo *repository.Repository[testSpec, testStatus], name string, finalizers ...string) types.NamespacedName {
	t.Helper()
	res := &v1.Resource[testSpec, testStatus]{Metadata: v1.ObjectMeta{Name: name, Finalizers: finalizers}}
	_, err := repo.Add(context.Background(), res)
	require.NoError(t, err)
	return types.NamespacedName{Namespace: "default", Name: name}
}

func TestController_InstallsFinalizerAndPersistsStatus(t *testing.T) {
	ctx := context.Background()
	domain := &fakeDomain{}
	c, repo := setupController(t, domain, nil)
	name := addWidget(t, repo, "w1")

	c.process(ctx, name)

	got, err := repo.Get(ctx, name)
	require.NoError(t, err)
	assert.True(t, got.Metadata.HasFinalizer(ownFinalizer),
		"own finalizer must be installed before provisioning")
	assert.Equal(t, "Ready", got.Status.Phase)
	// Status persistence and finalizer install are metadata/status writes.
	assert.Equal(t, int64(1), got.Metadata.Generation)
	assert.Equal(t, 1, domain.reconcileCount())
}

func TestController_SkipsWhenNotLeader(t *testing.T) {
	ctx := context.Background()
	domain := &fakeDomain{}
	c, repo := setupController(t, domain, staticGate(false))
	name := addWidget(t, repo, "w1")

	c.process(ctx, name)

	assert.Zero(t, domain.reconcileCount())
	got, err := repo.Get(ctx, name)
	require.NoError(t, err)
	assert.Empty(t, got.Status.Phase)
}

func TestController_MissingResourceIsForgotten(t *testing.T) {
	ctx := context.Background()
	domain := &fakeDomain{}
	c, _ := setupController(t, domain, nil)

	c.process(ctx, types.NamespacedName{Namespace: "default", Name: "ghost"})

	assert.Zero(t, domain.reconcileCount())
	assert.Zero(t, c.queue.Len())
}

func TestController_FinalizersRunInOrder(t *testing.T) {
	ctx := context.Background()
	domain := &fakeDomain{finalizeFails: map[string]int{"a": 2}}
	c, repo := setupController(t, domain, nil)
	name := addWidget(t, repo, "w1", "a", "b")

	_, err := repo.Delete(ctx, name)
	require.NoError(t, err)

	// "a" fails twice; "b" must not start until "a" has succeeded.
	c.process(ctx, name)
	c.process(ctx, name)
	assert.Equal(t, []string{"a", "a"}, domain.finalizeOrder())
	got, err := repo.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, got.Metadata.Finalizers, "failed finalizer stays in place")

	// Third pass clears "a"; the resource remains until "b" clears too.
	c.process(ctx, name)
	got, err = repo.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, got.Metadata.Finalizers)

	// Final pass clears "b" and hard-deletes.
	c.process(ctx, name)
	assert.Equal(t, []string{"a", "a", "a", "b"}, domain.finalizeOrder())
	_, err = repo.Get(ctx, name)
	assert.True(t, storage.IsNotFound(err))
}

func TestController_TerminatingSkipsReconcile(t *testing.T) {
	ctx := context.Background()
	domain := &fakeDomain{finalizeFails: map[string]int{"a": 1}}
	c, repo := setupController(t, domain, nil)
	name := addWidget(t, repo, "w1", "a")

	_, err := repo.Delete(ctx, name)
	require.NoError(t, err)

	c.process(ctx, name)
	assert.Zero(t, domain.reconcileCount(), "terminating resources are finalized, not reconciled")
}

func TestController_RetryBudgetMarksFailed(t *testing.T) {
	ctx := context.Background()
	domain := &fakeDomain{reconcileErr: errors.New("provisioner down")}
	c, repo := setupController(t, domain, nil)
	name := addWidget(t, repo, "w1")

	// RetryBudget is 2: the third consecutive failure trips it.
	c.process(ctx, name)
	c.process(ctx, name)
	c.process(ctx, name)

	got, err := repo.Get(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "Failed", got.Status.Phase)
	assert.Equal(t, "provisioner down", got.Status.Error)

	// The failure counter resets once the budget fires.
	c.failMu.Lock()
	_, tracked := c.failures[name]
	c.failMu.Unlock()
	assert.False(t, tracked)
}

func TestController_HandleEventEnqueues(t *testing.T) {
	domain := &fakeDomain{}
	c, _ := setupController(t, domain, nil)

	err := c.HandleEvent(context.Background(), repository.Event[testSpec, testStatus]{
		Type: storage.EventPut,
		Name: types.NamespacedName{Namespace: "default", Name: "w1"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, c.queue.Len())
}
