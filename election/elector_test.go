package election

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/storage"
)

func testConfig(identity string) Config {
	return Config{
		LockName:      "test-lock",
		Identity:      identity,
		LeaseDuration: 300 * time.Millisecond,
		RenewDeadline: 200 * time.Millisecond,
		RetryPeriod:   50 * time.Millisecond,
	}
}

func TestNew_Validation(t *testing.T) {
	backend := storage.NewMemory()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"missing lock name", func(c *Config) { c.LockName = "" }, true},
		{"renew deadline too long", func(c *Config) { c.RenewDeadline = c.LeaseDuration }, true},
		{"retry period too long", func(c *Config) { c.RetryPeriod = c.RenewDeadline }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig("i1")
			tt.mutate(&cfg)
			_, err := New(backend, cfg, logr.Discard())
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestNew_DefaultIdentity(t *testing.T) {
	backend := storage.NewMemory()
	cfg := testConfig("")
	e, err := New(backend, cfg, logr.Discard())
	require.NoError(t, err)
	assert.NotEmpty(t, e.Identity())
}

func TestElector_AcquireAndRelease(t *testing.T) {
	backend := storage.NewMemory()
	e, err := New(backend, testConfig("i1"), logr.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
	assert.False(t, e.IsLeader())

	// Cooperative stop releases the lease for the next instance.
	kv, err := backend.Get(context.Background(), "/orbit/leases/test-lock")
	require.NoError(t, err)
	var lease v1.LeaderLease
	require.NoError(t, json.Unmarshal(kv.Value, &lease))
	assert.Empty(t, lease.HolderIdentity)
}

func TestElector_MutualExclusion(t *testing.T) {
	backend := storage.NewMemory()

	e1, err := New(backend, testConfig("i1"), logr.Discard())
	require.NoError(t, err)
	e2, err := New(backend, testConfig("i2"), logr.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e1.Run(ctx)
	go e2.Run(ctx)

	leaders := func() int {
		n := 0
		if e1.IsLeader() {
			n++
		}
		if e2.IsLeader() {
			n++
		}
		return n
	}

	require.Eventually(t, func() bool { return leaders() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return leaders() > 1 }, 500*time.Millisecond, 10*time.Millisecond)
}

func TestElector_FailoverOnLeaderStop(t *testing.T) {
	backend := storage.NewMemory()

	e1, err := New(backend, testConfig("i1"), logr.Discard())
	require.NoError(t, err)
	e2, err := New(backend, testConfig("i2"), logr.Discard())
	require.NoError(t, err)

	ctx1, cancel1 := context.WithCancel(context.Background())
	go e1.Run(ctx1)
	require.Eventually(t, e1.IsLeader, 2*time.Second, 10*time.Millisecond)

	ctx2, cancel2 := context.WithCancel(context.Background())
	defer cancel2()
	go e2.Run(ctx2)

	// Standby stays standby while the leader renews.
	assert.Never(t, e2.IsLeader, 400*time.Millisecond, 10*time.Millisecond)

	cancel1()
	// lease duration + renew deadline bounds the takeover.
	require.Eventually(t, e2.IsLeader, time.Second, 10*time.Millisecond)
}

func TestElector_TakesOverExpiredLease(t *testing.T) {
	backend := storage.NewMemory()
	ctx := context.Background()

	// A lease whose holder stopped renewing long ago.
	stale := v1.LeaderLease{
		HolderIdentity:       "dead-instance",
		LeaseDurationSeconds: 1,
		AcquireTime:          time.Now().Add(-time.Minute),
		RenewTime:            time.Now().Add(-time.Minute),
	}
	payload, err := json.Marshal(stale)
	require.NoError(t, err)
	_, err = backend.Put(ctx, "/orbit/leases/test-lock", payload)
	require.NoError(t, err)

	e, err := New(backend, testConfig("i1"), logr.Discard())
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go e.Run(runCtx)

	require.Eventually(t, e.IsLeader, 2*time.Second, 10*time.Millisecond)

	kv, err := backend.Get(ctx, "/orbit/leases/test-lock")
	require.NoError(t, err)
	var lease v1.LeaderLease
	require.NoError(t, json.Unmarshal(kv.Value, &lease))
	assert.Equal(t, "i1", lease.HolderIdentity)
}

func TestElector_Callbacks(t *testing.T) {
	backend := storage.NewMemory()

	started := make(chan struct{})
	stopped := make(chan struct{})
	var leaderCtx context.Context

	cfg := testConfig("i1")
	cfg.Callbacks = Callbacks{
		OnStartedLeading: func(ctx context.Context) {
			leaderCtx = ctx
			close(started)
		},
		OnStoppedLeading: func() {
			close(stopped)
		},
	}
	e, err := New(backend, cfg, logr.Discard())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		e.Run(ctx)
	}()

	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStartedLeading never fired")
	}

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("OnStoppedLeading never fired")
	}
	<-done

	// The leading context dies with leadership.
	select {
	case <-leaderCtx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("leader context not cancelled")
	}
}
