package storage

import (
	"context"
	"errors"
)

// Sentinel errors for the backend contract. Callers classify with errors.Is
// (or the Is* helpers); backends wrap these around their native errors.
var (
	// ErrNotFound means the key is absent. Never retried automatically.
	ErrNotFound = errors.New("key not found")

	// ErrAlreadyExists means a create-if-absent CAS lost to an existing key.
	ErrAlreadyExists = errors.New("key already exists")

	// ErrVersionConflict means a CAS precondition failed because the key was
	// written since the expected version was read.
	ErrVersionConflict = errors.New("version conflict")

	// ErrWatchExpired means the backend has compacted history past the
	// requested resume version; the caller must relist and re-baseline.
	ErrWatchExpired = errors.New("watch history expired")
)

func IsNotFound(err error) bool      { return errors.Is(err, ErrNotFound) }
func IsAlreadyExists(err error) bool { return errors.Is(err, ErrAlreadyExists) }
func IsConflict(err error) bool      { return errors.Is(err, ErrVersionConflict) }
func IsWatchExpired(err error) bool  { return errors.Is(err, ErrWatchExpired) }

// EventType classifies a watch event.
type EventType string

const (
	EventPut    EventType = "PUT"
	EventDelete EventType = "DELETE"

	// EventSync is synthesized during a relist after watch history expired;
	// it carries the current value of a live key rather than a real write.
	EventSync EventType = "SYNC"
)

// KeyValue is one stored entry. Version is the backend's opaque write token
// for the entry; it changes on every successful write and supports only
// equality comparison.
type KeyValue struct {
	Key     string
	Value   []byte
	Version string
}

// Event is one entry of a watch stream.
type Event struct {
	Type EventType
	Key  string
	// Value is the written document for PUT/SYNC, nil for DELETE.
	Value []byte
	// Version is the revision at which the change happened. For DELETE it is
	// the revision of the deletion itself.
	Version string
}

// WatchStream is a cancellable, ordered stream of change events.
type WatchStream struct {
	events <-chan Event
	cancel context.CancelFunc

	errFn func() error
}

// NewWatchStream is used by backend implementations to assemble a stream.
func NewWatchStream(events <-chan Event, cancel context.CancelFunc, errFn func() error) *WatchStream {
	return &WatchStream{events: events, cancel: cancel, errFn: errFn}
}

// Events returns the event channel. The channel closes when the stream ends,
// after which Err reports why.
func (w *WatchStream) Events() <-chan Event { return w.events }

// Err reports why the stream ended: nil after Cancel or context cancellation,
// ErrWatchExpired when the resume point was compacted away, or the transport
// error on disconnect. Only meaningful once Events is closed.
func (w *WatchStream) Err() error {
	if w.errFn == nil {
		return nil
	}
	return w.errFn()
}

// Cancel stops the stream. Safe to call more than once.
func (w *WatchStream) Cancel() { w.cancel() }

// Backend is the storage contract the runtime requires from a KV store.
// Implementations exist once per backend technology; everything above this
// interface is backend-agnostic.
type Backend interface {
	// Exists reports whether key is present.
	Exists(ctx context.Context, key string) (bool, error)

	// Get returns the entry at key, or ErrNotFound.
	Get(ctx context.Context, key string) (KeyValue, error)

	// Put overwrites key unconditionally and returns the new version.
	Put(ctx context.Context, key string, value []byte) (string, error)

	// Delete removes key, reporting whether anything was deleted.
	Delete(ctx context.Context, key string) (bool, error)

	// ListPrefix returns all entries under prefix together with the revision
	// of the scan, which is a valid watch resume point for the snapshot.
	ListPrefix(ctx context.Context, prefix string) ([]KeyValue, string, error)

	// CompareAndSwap atomically writes value if the key's current version
	// equals expectedVersion, returning the new entry. An empty
	// expectedVersion means create-if-absent (ErrAlreadyExists on
	// collision). A stale version yields ErrVersionConflict; a vanished key
	// yields ErrNotFound. The check and write are a single backend-side
	// transaction, never read-then-write in the adapter.
	CompareAndSwap(ctx context.Context, key, expectedVersion string, value []byte) (KeyValue, error)

	// Watch streams changes under prefix. A non-empty fromVersion resumes
	// exclusively after that revision; if the backend compacted past it the
	// call (or the stream, once the backend reports it) fails with
	// ErrWatchExpired. Connection loss surfaces as stream close with a
	// non-nil Err, never a silent stall; reconnection is the caller's job.
	Watch(ctx context.Context, prefix, fromVersion string) (*WatchStream, error)
}
