package workspace

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"

	v1 "github.com/LogicIQ/orbit/api/v1"
)

// Provisioner manages the external capacity behind a workspace. Both
// methods must be idempotent: the runtime may invoke them more than once
// for the same workspace state.
type Provisioner interface {
	// Provision drives external provisioning forward, reporting whether the
	// workspace is ready to serve.
	Provision(ctx context.Context, ws *Workspace) (ready bool, err error)

	// Deprovision tears external capacity down. Safe to re-invoke after a
	// partial success.
	Deprovision(ctx context.Context, ws *Workspace) error
}

// ReconcilerConfig tunes the workspace reconciler.
type ReconcilerConfig struct {
	// ProvisioningTimeout is how long a workspace may sit in Provisioning
	// before it is failed. A stuck workspace stops generating events, so
	// this transition is driven by the resync sweep.
	ProvisioningTimeout time.Duration

	// Clock overrides time.Now, for tests.
	Clock func() time.Time
}

// DefaultProvisioningTimeout applies when the config leaves it zero.
const DefaultProvisioningTimeout = 30 * time.Minute

// Reconciler implements the runtime's reconcile/finalize contract for
// workspaces: Pending -> Provisioning -> Ready, with Failed as the terminal
// phase for timeouts, expiry and exhausted retries.
type Reconciler struct {
	provisioner Provisioner
	cfg         ReconcilerConfig
	log         logr.Logger
}

// NewReconciler builds a workspace reconciler.
func NewReconciler(provisioner Provisioner, cfg ReconcilerConfig, log logr.Logger) *Reconciler {
	if cfg.ProvisioningTimeout <= 0 {
		cfg.ProvisioningTimeout = DefaultProvisioningTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Reconciler{provisioner: provisioner, cfg: cfg, log: log.WithName("workspace")}
}

// Reconcile computes the desired status from the current workspace. Pure
// with respect to its input: identical inputs yield identical statuses.
func (r *Reconciler) Reconcile(ctx context.Context, ws *Workspace) (WorkspaceStatus, error) {
	status := ws.Status
	specChanged := ws.Status.ObservedGeneration != ws.Metadata.Generation
	status.ObservedGeneration = ws.Metadata.Generation
	now := r.cfg.Clock().UTC()

	switch status.Phase {
	case "", PhasePending:
		r.transition(&status, PhaseProvisioning, now)
		status.Message = "provisioning workspace"

	case PhaseProvisioning:
		if status.PhaseChangedAt != nil && now.Sub(*status.PhaseChangedAt) > r.cfg.ProvisioningTimeout {
			r.transition(&status, PhaseFailed, now)
			status.ErrorMessage = "Provisioning timeout"
			r.log.Info("workspace stuck in provisioning, failing", "name", ws.Metadata.Name)
			return status, nil
		}
		ready, err := r.provisioner.Provision(ctx, ws)
		if err != nil {
			return status, fmt.Errorf("provision workspace %s: %w", ws.Metadata.Name, err)
		}
		if ready {
			r.transition(&status, PhaseReady, now)
			status.Message = "workspace ready"
			status.ProvisionedAt = &now
			expiresAt := now.Add(ws.Spec.Duration.Duration)
			status.ExpiresAt = &expiresAt
		}

	case PhaseReady:
		if specChanged {
			r.transition(&status, PhaseProvisioning, now)
			status.Message = "re-provisioning after spec change"
			status.ProvisionedAt = nil
			status.ExpiresAt = nil
			break
		}
		if status.ExpiresAt != nil && status.ExpiresAt.Before(now) {
			r.transition(&status, PhaseFailed, now)
			status.ErrorMessage = "Workspace expired"
		}

	case PhaseFailed:
		// Terminal; nothing to converge.
	}

	return status, nil
}

// transition moves to the target phase through the validated table. Edges
// not in the table indicate a programming error and fail loudly.
func (r *Reconciler) transition(status *WorkspaceStatus, to v1.Phase, now time.Time) {
	next, err := machine.Transition(status.Phase, to)
	if err != nil {
		panic(err)
	}
	if next != status.Phase {
		status.Phase = next
		status.PhaseChangedAt = &now
	}
}

// Finalize runs external cleanup for the workspace's own finalizer;
// finalizers installed by other parties are not this domain's to satisfy
// and are reported as satisfied without action.
func (r *Reconciler) Finalize(ctx context.Context, ws *Workspace, finalizer string) error {
	if finalizer != FinalizerCleanup {
		return nil
	}
	if err := r.provisioner.Deprovision(ctx, ws); err != nil {
		return fmt.Errorf("deprovision workspace %s: %w", ws.Metadata.Name, err)
	}
	return nil
}

// MarkFailed surfaces an exhausted reconcile retry budget on the status.
func (r *Reconciler) MarkFailed(ws *Workspace, cause error) WorkspaceStatus {
	status := ws.Status
	now := r.cfg.Clock().UTC()
	if machine.CanTransition(status.Phase, PhaseFailed) {
		r.transition(&status, PhaseFailed, now)
	} else {
		status.Phase = PhaseFailed
		status.PhaseChangedAt = &now
	}
	status.ErrorMessage = cause.Error()
	return status
}
