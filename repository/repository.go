package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/apimachinery/pkg/types"

	v1 "github.com/LogicIQ/orbit/api/v1"
	"github.com/LogicIQ/orbit/storage"
)

var (
	// ErrConflictExceeded means UpdateWithRetry ran out of CAS attempts.
	ErrConflictExceeded = errors.New("conflicting writes exceeded retry budget")

	// ErrTerminating means a spec mutation was attempted on a resource whose
	// deletion has been requested.
	ErrTerminating = errors.New("resource is terminating, spec is immutable")
)

const (
	// DefaultMaxAttempts bounds CAS retries on the primary write path.
	DefaultMaxAttempts = 5

	resourcePrefix = "/orbit/resources"
	defaultNS      = "default"

	retryBaseDelay = 10 * time.Millisecond
	retryMaxDelay  = time.Second
)

// MutateFn is applied to a freshly read resource inside each CAS attempt of
// UpdateWithRetry. It must be safe to call more than once.
type MutateFn[S any, St any] func(*v1.Resource[S, St]) error

// Repository binds a (Spec, Status) pair to one storage prefix and layers
// typed CRUD with optimistic concurrency on the backend. No cross-process
// lock is ever held; lost updates are prevented by CAS retry alone.
type Repository[S any, St any] struct {
	backend storage.Backend
	kind    string
	prefix  string
	log     logr.Logger
}

// New builds a repository for one resource kind. All entries live under
// /orbit/resources/<kind>/<namespace>/<name>.
func New[S any, St any](backend storage.Backend, kind string, log logr.Logger) *Repository[S, St] {
	return &Repository[S, St]{
		backend: backend,
		kind:    kind,
		prefix:  resourcePrefix + "/" + kind,
		log:     log.WithName("repository").WithValues("kind", kind),
	}
}

// Prefix returns the storage prefix for this kind, for use with Watch.
func (r *Repository[S, St]) Prefix() string {
	return r.prefix
}

func (r *Repository[S, St]) key(name types.NamespacedName) string {
	ns := name.Namespace
	if ns == "" {
		ns = defaultNS
	}
	return r.prefix + "/" + ns + "/" + name.Name
}

// NameFromKey recovers the namespaced name from a storage key under this
// repository's prefix.
func (r *Repository[S, St]) NameFromKey(key string) (types.NamespacedName, bool) {
	rest, ok := strings.CutPrefix(key, r.prefix+"/")
	if !ok {
		return types.NamespacedName{}, false
	}
	ns, name, ok := strings.Cut(rest, "/")
	if !ok || name == "" {
		return types.NamespacedName{}, false
	}
	return types.NamespacedName{Namespace: ns, Name: name}, true
}

func (r *Repository[S, St]) encode(res *v1.Resource[S, St]) ([]byte, error) {
	return json.Marshal(res)
}

func (r *Repository[S, St]) decode(kv storage.KeyValue) (*v1.Resource[S, St], error) {
	var res v1.Resource[S, St]
	if err := json.Unmarshal(kv.Value, &res); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", r.kind, kv.Key, err)
	}
	// The version token lives in the backend, not the document body.
	res.Metadata.ResourceVersion = kv.Version
	return &res, nil
}

// Add stores a new resource, failing with storage.ErrAlreadyExists if the
// name is taken. The initial resource version is assigned by the backend.
func (r *Repository[S, St]) Add(ctx context.Context, res *v1.Resource[S, St]) (*v1.Resource[S, St], error) {
	if res.Metadata.Name == "" {
		return nil, fmt.Errorf("add %s: name must not be empty", r.kind)
	}
	if res.Metadata.Namespace == "" {
		res.Metadata.Namespace = defaultNS
	}
	res.Metadata.CreationTimestamp = time.Now().UTC()
	res.Metadata.DeletionTimestamp = nil
	res.Metadata.Generation = 1

	payload, err := r.encode(res)
	if err != nil {
		return nil, err
	}
	name := types.NamespacedName{Namespace: res.Metadata.Namespace, Name: res.Metadata.Name}
	kv, err := r.backend.CompareAndSwap(ctx, r.key(name), "", payload)
	if err != nil {
		return nil, fmt.Errorf("add %s %s: %w", r.kind, name, err)
	}
	res.Metadata.ResourceVersion = kv.Version
	return res, nil
}

// Get fetches the current resource or storage.ErrNotFound.
func (r *Repository[S, St]) Get(ctx context.Context, name types.NamespacedName) (*v1.Resource[S, St], error) {
	kv, err := r.backend.Get(ctx, r.key(name))
	if err != nil {
		return nil, err
	}
	return r.decode(kv)
}

// Update overwrites whatever is stored, unconditionally. Compatibility path
// only; concurrent writers must use UpdateWithRetry.
func (r *Repository[S, St]) Update(ctx context.Context, res *v1.Resource[S, St]) (*v1.Resource[S, St], error) {
	payload, err := r.encode(res)
	if err != nil {
		return nil, err
	}
	name := types.NamespacedName{Namespace: res.Metadata.Namespace, Name: res.Metadata.Name}
	version, err := r.backend.Put(ctx, r.key(name), payload)
	if err != nil {
		return nil, err
	}
	res.Metadata.ResourceVersion = version
	return res, nil
}

// UpdateWithRetry is the primary write path: it re-reads the resource,
// applies mutate, and commits with CAS, retrying on version conflicts up to
// maxAttempts with full-jitter backoff. Spec changes bump the generation;
// spec changes on a terminating resource are rejected with ErrTerminating.
func (r *Repository[S, St]) UpdateWithRetry(ctx context.Context, name types.NamespacedName, mutate MutateFn[S, St], maxAttempts int) (*v1.Resource[S, St], error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, err := r.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		terminating := current.Metadata.Terminating()

		specBefore, err := json.Marshal(current.Spec)
		if err != nil {
			return nil, err
		}
		if err := mutate(current); err != nil {
			return nil, err
		}
		specAfter, err := json.Marshal(current.Spec)
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(specBefore, specAfter) {
			if terminating {
				return nil, fmt.Errorf("update %s %s: %w", r.kind, name, ErrTerminating)
			}
			current.Metadata.Generation++
		}

		payload, err := r.encode(current)
		if err != nil {
			return nil, err
		}
		kv, err := r.backend.CompareAndSwap(ctx, r.key(name), current.Metadata.ResourceVersion, payload)
		if err == nil {
			current.Metadata.ResourceVersion = kv.Version
			return current, nil
		}
		if !storage.IsConflict(err) {
			return nil, err
		}

		r.log.V(1).Info("version conflict, retrying", "name", name.String(), "attempt", attempt+1)
		select {
		case <-time.After(jitteredDelay(attempt)):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, fmt.Errorf("update %s %s after %d attempts: %w", r.kind, name, maxAttempts, ErrConflictExceeded)
}

// jitteredDelay picks uniformly from [0, base*2^attempt), capped. Full
// jitter decorrelates contending writers faster than fixed backoff.
func jitteredDelay(attempt int) time.Duration {
	// The shift is guarded so large attempt counts saturate at the cap
	// instead of overflowing the duration.
	limit := retryMaxDelay
	if attempt < 10 {
		if d := retryBaseDelay << attempt; d < limit {
			limit = d
		}
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

// Delete removes the resource, or soft-deletes it when finalizers remain:
// the deletion timestamp is set and the resource stays visible to listers
// and watchers until the last finalizer is stripped. Returns whether
// anything happened.
func (r *Repository[S, St]) Delete(ctx context.Context, name types.NamespacedName) (bool, error) {
	current, err := r.Get(ctx, name)
	if err != nil {
		if storage.IsNotFound(err) {
			return false, nil
		}
		return false, err
	}

	if len(current.Metadata.Finalizers) > 0 {
		if !current.Metadata.Terminating() {
			_, err := r.UpdateWithRetry(ctx, name, func(res *v1.Resource[S, St]) error {
				if res.Metadata.DeletionTimestamp == nil {
					now := time.Now().UTC()
					res.Metadata.DeletionTimestamp = &now
				}
				return nil
			}, DefaultMaxAttempts)
			if err != nil {
				return false, err
			}
		}
		return true, nil
	}

	return r.backend.Delete(ctx, r.key(name))
}

// List returns all resources of this kind plus the revision of the scan,
// which is a valid watch resume point for the snapshot.
func (r *Repository[S, St]) List(ctx context.Context) ([]*v1.Resource[S, St], string, error) {
	kvs, rev, err := r.backend.ListPrefix(ctx, r.prefix+"/")
	if err != nil {
		return nil, "", err
	}
	out := make([]*v1.Resource[S, St], 0, len(kvs))
	for _, kv := range kvs {
		res, err := r.decode(kv)
		if err != nil {
			return nil, "", err
		}
		out = append(out, res)
	}
	return out, rev, nil
}

// ListSelector lists and filters client-side by label selector; no
// server-side indexing is assumed of the backend.
func (r *Repository[S, St]) ListSelector(ctx context.Context, selector labels.Selector) ([]*v1.Resource[S, St], error) {
	all, _, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, res := range all {
		if selector.Matches(labels.Set(res.Metadata.Labels)) {
			out = append(out, res)
		}
	}
	return out, nil
}

// Event is a typed change notification. Resource is nil for deletes.
type Event[S any, St any] struct {
	Type     storage.EventType
	Name     types.NamespacedName
	Resource *v1.Resource[S, St]
	Version  string
}

// Watch wraps a backend stream, decoding raw events into typed resources.
type Watch[S any, St any] struct {
	stream *storage.WatchStream
	events chan Event[S, St]

	decodeErr error
}

// Events returns the typed event channel; it closes when the stream ends.
func (w *Watch[S, St]) Events() <-chan Event[S, St] { return w.events }

// Err reports why the stream ended, once Events is closed.
func (w *Watch[S, St]) Err() error {
	if w.decodeErr != nil {
		return w.decodeErr
	}
	return w.stream.Err()
}

// Cancel stops the stream.
func (w *Watch[S, St]) Cancel() { w.stream.Cancel() }

// Watch opens a typed change stream for this kind. A non-empty fromVersion
// resumes exclusively after that revision; storage.ErrWatchExpired surfaces
// when the backend compacted past it.
func (r *Repository[S, St]) Watch(ctx context.Context, fromVersion string) (*Watch[S, St], error) {
	stream, err := r.backend.Watch(ctx, r.prefix+"/", fromVersion)
	if err != nil {
		return nil, err
	}

	w := &Watch[S, St]{stream: stream, events: make(chan Event[S, St])}
	go func() {
		defer close(w.events)
		for raw := range stream.Events() {
			name, ok := r.NameFromKey(raw.Key)
			if !ok {
				continue
			}
			ev := Event[S, St]{Type: raw.Type, Name: name, Version: raw.Version}
			if raw.Type != storage.EventDelete {
				res, err := r.decode(storage.KeyValue{Key: raw.Key, Value: raw.Value, Version: raw.Version})
				if err != nil {
					w.decodeErr = err
					stream.Cancel()
					return
				}
				ev.Resource = res
			}
			select {
			case w.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return w, nil
}
