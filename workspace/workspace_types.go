package workspace

import (
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	v1 "github.com/LogicIQ/orbit/api/v1"
)

// WorkspaceSpec defines the desired state of a Workspace
type WorkspaceSpec struct {
	// Owner is the principal the workspace is provisioned for
	// +optional
	Owner string `json:"owner,omitempty"`

	// Duration is how long the workspace lives once provisioned
	Duration metav1.Duration `json:"duration"`

	// Size selects the capacity profile
	// +optional
	Size string `json:"size,omitempty"`
}

// WorkspaceStatus defines the observed state of a Workspace
type WorkspaceStatus struct {
	// Phase represents the current state of the workspace
	Phase v1.Phase `json:"phase,omitempty"`

	// Message is a human-readable note on the current phase
	// +optional
	Message string `json:"message,omitempty"`

	// ErrorMessage records why the workspace failed
	// +optional
	ErrorMessage string `json:"errorMessage,omitempty"`

	// ObservedGeneration is the spec generation this status reflects
	ObservedGeneration int64 `json:"observedGeneration,omitempty"`

	// PhaseChangedAt is when the phase last transitioned
	// +optional
	PhaseChangedAt *time.Time `json:"phaseChangedAt,omitempty"`

	// ProvisionedAt is when provisioning completed
	// +optional
	ProvisionedAt *time.Time `json:"provisionedAt,omitempty"`

	// ExpiresAt is when the workspace expires
	// +optional
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Workspace is a provisioned, time-bounded environment.
type Workspace = v1.Resource[WorkspaceSpec, WorkspaceStatus]

// Kind is the workspace storage kind.
const Kind = "workspaces"

// FinalizerCleanup guards external capacity: it is installed before
// provisioning starts and only removed once deprovisioning succeeds.
const FinalizerCleanup = "workspace.orbit.io/cleanup"

const (
	PhasePending      v1.Phase = "Pending"
	PhaseProvisioning v1.Phase = "Provisioning"
	PhaseReady        v1.Phase = "Ready"
	PhaseFailed       v1.Phase = "Failed"
)

var machine = mustMachine()

func mustMachine() *v1.PhaseMachine {
	m, err := v1.NewPhaseMachine(PhasePending, map[v1.Phase][]v1.Phase{
		PhasePending:      {PhaseProvisioning},
		PhaseProvisioning: {PhaseReady, PhaseFailed},
		PhaseReady:        {PhaseProvisioning, PhaseFailed},
	}, PhaseFailed)
	if err != nil {
		panic(err)
	}
	return m
}

// Machine exposes the workspace phase machine.
func Machine() *v1.PhaseMachine {
	return machine
}

// Settled reports whether ws needs no further sweep attention; used as the
// scheduler's fast skip.
func Settled(ws *Workspace) bool {
	return machine.Terminal(ws.Status.Phase)
}
