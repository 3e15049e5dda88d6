package v1

import (
	"time"

	"k8s.io/apimachinery/pkg/types"
)

// ObjectMeta carries the identifying and lifecycle metadata every managed
// resource shares, independent of its spec/status payload.
type ObjectMeta struct {
	// Name is unique within a namespace
	Name string `json:"name"`

	// Namespace groups resources; defaults to "default"
	// +optional
	Namespace string `json:"namespace,omitempty"`

	// ResourceVersion is the backend's opaque write token. It is carried by
	// the backend's native versioning, never stored in the document body,
	// and must only be compared for equality.
	ResourceVersion string `json:"-"`

	// Generation increments on every spec change, never on status updates
	Generation int64 `json:"generation,omitempty"`

	// Labels for selector-based listing
	// +optional
	Labels map[string]string `json:"labels,omitempty"`

	// Finalizers is an ordered set of pre-deletion hooks. A resource with a
	// non-empty finalizer list is never removed from storage; deletion is
	// deferred until the list drains.
	// +optional
	Finalizers []string `json:"finalizers,omitempty"`

	// CreationTimestamp is set by the repository on Add
	CreationTimestamp time.Time `json:"creationTimestamp,omitempty"`

	// DeletionTimestamp marks the resource as terminating. Once set, spec
	// mutations are rejected; only finalizer removal and status updates
	// remain valid.
	// +optional
	DeletionTimestamp *time.Time `json:"deletionTimestamp,omitempty"`
}

// Terminating reports whether deletion has been requested.
func (m *ObjectMeta) Terminating() bool {
	return m.DeletionTimestamp != nil
}

// HasFinalizer reports whether name is present in the finalizer list.
func (m *ObjectMeta) HasFinalizer(name string) bool {
	for _, f := range m.Finalizers {
		if f == name {
			return true
		}
	}
	return false
}

// AddFinalizer appends name if absent, preserving order.
func (m *ObjectMeta) AddFinalizer(name string) {
	if !m.HasFinalizer(name) {
		m.Finalizers = append(m.Finalizers, name)
	}
}

// RemoveFinalizer removes name, keeping the relative order of the rest.
func (m *ObjectMeta) RemoveFinalizer(name string) {
	kept := m.Finalizers[:0]
	for _, f := range m.Finalizers {
		if f != name {
			kept = append(kept, f)
		}
	}
	m.Finalizers = kept
	if len(m.Finalizers) == 0 {
		m.Finalizers = nil
	}
}

// Resource is the unit of management: desired state in Spec, observed state
// in Status. Spec is written by the command path, Status only by the
// controller; that asymmetry is an invariant the repository enforces.
type Resource[S any, St any] struct {
	Metadata ObjectMeta `json:"metadata"`
	Spec     S          `json:"spec"`
	Status   St         `json:"status"`
}

// NamespacedName returns the resource's lookup key.
func (r *Resource[S, St]) NamespacedName() types.NamespacedName {
	return types.NamespacedName{Namespace: r.Metadata.Namespace, Name: r.Metadata.Name}
}

// Bookmark is a persisted cursor into a watch stream, keyed by watcher
// identity. It outlives the watching process so a restart resumes where the
// previous run left off.
type Bookmark struct {
	WatcherID            string `json:"watcherId"`
	LastProcessedVersion string `json:"lastProcessedVersion"`
}

// LeaderLease is the single mutable record contended by all runtime
// instances sharing a lock name.
type LeaderLease struct {
	HolderIdentity       string    `json:"holderIdentity"`
	LeaseDurationSeconds int       `json:"leaseDurationSeconds"`
	AcquireTime          time.Time `json:"acquireTime"`
	RenewTime            time.Time `json:"renewTime"`
}

// Expired reports whether the lease is past its renewal window at now.
func (l *LeaderLease) Expired(now time.Time) bool {
	return l.RenewTime.Add(time.Duration(l.LeaseDurationSeconds) * time.Second).Before(now)
}
