package election

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/wait"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/storage"
)

const (
	leasePrefix  = "/orbit/leases"
	jitterFactor = 1.2
)

// Callbacks notify the embedding runtime of leadership changes.
type Callbacks struct {
	// OnStartedLeading runs in its own goroutine with a context that is
	// cancelled when leadership is lost.
	OnStartedLeading func(ctx context.Context)

	// OnStoppedLeading runs after the elector has already transitioned out
	// of the leading state.
	OnStoppedLeading func()
}

// Config tunes an Elector. Parameters must satisfy
// RetryPeriod < RenewDeadline < LeaseDuration.
type Config struct {
	// LockName identifies the contended lease record.
	LockName string

	// Identity distinguishes this instance. Defaults to hostname plus a
	// random suffix.
	Identity string

	// LeaseDuration is how long a lease is valid past its last renewal.
	LeaseDuration time.Duration

	// RenewDeadline is how long the holder keeps acting as leader without a
	// successful renewal before degrading to a standby.
	RenewDeadline time.Duration

	// RetryPeriod is the cadence of acquisition polls and renewal attempts.
	RetryPeriod time.Duration

	Callbacks Callbacks
}

// Elector implements lease-based mutual exclusion over the shared backend:
// a single record is contended with CAS, renewed by the holder, and taken
// over once expired. Leadership is a best-effort, short-lived guarantee;
// reconciliation stays safe under brief overlap because every write goes
// through CAS anyway.
type Elector struct {
	cfg     Config
	backend storage.Backend
	log     logr.Logger

	leading atomic.Bool
}

// New validates the config and builds an elector.
func New(backend storage.Backend, cfg Config, log logr.Logger) (*Elector, error) {
	if cfg.LockName == "" {
		return nil, fmt.Errorf("lock name must not be empty")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 15 * time.Second
	}
	if cfg.RenewDeadline <= 0 {
		cfg.RenewDeadline = 10 * time.Second
	}
	if cfg.RetryPeriod <= 0 {
		cfg.RetryPeriod = 2 * time.Second
	}
	if cfg.RenewDeadline >= cfg.LeaseDuration {
		return nil, fmt.Errorf("renew deadline %v must be shorter than lease duration %v", cfg.RenewDeadline, cfg.LeaseDuration)
	}
	if cfg.RetryPeriod >= cfg.RenewDeadline {
		return nil, fmt.Errorf("retry period %v must be shorter than renew deadline %v", cfg.RetryPeriod, cfg.RenewDeadline)
	}
	if cfg.Identity == "" {
		host, _ := os.Hostname()
		cfg.Identity = host + "_" + uuid.NewString()
	}
	return &Elector{
		cfg:     cfg,
		backend: backend,
		log:     log.WithName("election").WithValues("lock", cfg.LockName, "identity", cfg.Identity),
	}, nil
}

// IsLeader reports whether this instance currently believes it leads.
func (e *Elector) IsLeader() bool {
	return e.leading.Load()
}

// Identity returns this instance's holder identity.
func (e *Elector) Identity() string {
	return e.cfg.Identity
}

func (e *Elector) leaseKey() string {
	return leasePrefix + "/" + e.cfg.LockName
}

// Run contends for leadership until ctx is cancelled, invoking the
// callbacks around each leading period. On cooperative stop it releases a
// held lease so a standby can take over without waiting for expiry.
func (e *Elector) Run(ctx context.Context) {
	for {
		if !e.acquireLoop(ctx) {
			return
		}
		e.log.Info("became leader")
		leaderCtx, cancelLeader := context.WithCancel(ctx)
		e.leading.Store(true)
		if e.cfg.Callbacks.OnStartedLeading != nil {
			go e.cfg.Callbacks.OnStartedLeading(leaderCtx)
		}

		lost := e.renewLoop(ctx)

		e.leading.Store(false)
		cancelLeader()
		if e.cfg.Callbacks.OnStoppedLeading != nil {
			e.cfg.Callbacks.OnStoppedLeading()
		}
		if !lost {
			e.release()
			return
		}
		e.log.Info("lost leadership")
	}
}

// acquireLoop polls at the retry period until the lease is ours or ctx is
// cancelled. Returns whether leadership was acquired.
func (e *Elector) acquireLoop(ctx context.Context) bool {
	acquireCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	acquired := false
	wait.JitterUntil(func() {
		if e.tryAcquireOrRenew(acquireCtx) {
			acquired = true
			cancel()
		}
	}, e.cfg.RetryPeriod, jitterFactor, true, acquireCtx.Done())
	return acquired
}

// renewLoop keeps renewing at the retry period. It returns true when the
// renew deadline elapsed without a successful renewal (leadership lost, or
// the lease store unreachable) and false on ctx cancellation.
func (e *Elector) renewLoop(ctx context.Context) bool {
	lastRenew := time.Now()
	ticker := time.NewTicker(e.cfg.RetryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if e.tryAcquireOrRenew(ctx) {
				lastRenew = time.Now()
			} else if time.Since(lastRenew) >= e.cfg.RenewDeadline {
				return true
			}
		}
	}
}

// tryAcquireOrRenew performs one CAS round: create the lease if absent,
// renew if we hold it, take over if it expired. Any backend failure counts
// as a failed renewal; the renew deadline turns persistent failures into a
// degrade to non-leading.
func (e *Elector) tryAcquireOrRenew(ctx context.Context) bool {
	now := time.Now().UTC()
	key := e.leaseKey()

	kv, err := e.backend.Get(ctx, key)
	if storage.IsNotFound(err) {
		lease := v1.LeaderLease{
			HolderIdentity:       e.cfg.Identity,
			LeaseDurationSeconds: int(e.cfg.LeaseDuration.Seconds()),
			AcquireTime:          now,
			RenewTime:            now,
		}
		if err := e.casLease(ctx, key, "", lease); err != nil {
			return false
		}
		return true
	}
	if err != nil {
		e.log.Error(err, "unable to read lease")
		return false
	}

	var lease v1.LeaderLease
	if err := json.Unmarshal(kv.Value, &lease); err != nil {
		e.log.Error(err, "malformed lease record")
		return false
	}

	held := lease.HolderIdentity == e.cfg.Identity
	if !held && lease.HolderIdentity != "" && !lease.Expired(now) {
		return false
	}

	lease.HolderIdentity = e.cfg.Identity
	lease.LeaseDurationSeconds = int(e.cfg.LeaseDuration.Seconds())
	lease.RenewTime = now
	if !held {
		lease.AcquireTime = now
	}
	return e.casLease(ctx, key, kv.Version, lease) == nil
}

func (e *Elector) casLease(ctx context.Context, key, expectedVersion string, lease v1.LeaderLease) error {
	payload, err := json.Marshal(lease)
	if err != nil {
		return err
	}
	if _, err := e.backend.CompareAndSwap(ctx, key, expectedVersion, payload); err != nil {
		return err
	}
	return nil
}

// release clears the lease if we still hold it. Best effort: the lease
// expires on its own if this fails.
func (e *Elector) release() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	key := e.leaseKey()
	kv, err := e.backend.Get(ctx, key)
	if err != nil {
		return
	}
	var lease v1.LeaderLease
	if err := json.Unmarshal(kv.Value, &lease); err != nil || lease.HolderIdentity != e.cfg.Identity {
		return
	}
	lease.HolderIdentity = ""
	if err := e.casLease(ctx, key, kv.Version, lease); err == nil {
		e.log.Info("released lease")
	}
}
