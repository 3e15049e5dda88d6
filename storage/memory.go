package storage

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Memory implements Backend entirely in process: a revision counter, a
// history log for watch replay, and per-watcher fan-out queues. It backs the
// test suites and the embedded dev mode; semantics mirror the etcd adapter,
// including Compact for exercising the watch-history-expired path.
type Memory struct {
	mu           sync.Mutex
	rev          int64
	items        map[string]KeyValue
	history      []Event
	compactedRev int64
	watchers     map[*memWatcher]struct{}
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		items:    make(map[string]KeyValue),
		watchers: make(map[*memWatcher]struct{}),
	}
}

// CurrentRevision returns the latest write revision.
func (m *Memory) CurrentRevision() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return formatRev(m.rev)
}

// Compact drops watch history up to and including version. Watches resuming
// from at or before the compaction point fail with ErrWatchExpired.
func (m *Memory) Compact(version string) error {
	rev, err := parseRev(version)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if rev > m.compactedRev {
		m.compactedRev = rev
	}
	kept := m.history[:0]
	for _, ev := range m.history {
		if evRev, _ := parseRev(ev.Version); evRev > rev {
			kept = append(kept, ev)
		}
	}
	m.history = kept
	return nil
}

// write appends a change under the lock and fans it out to live watchers.
func (m *Memory) write(ev Event) {
	m.history = append(m.history, ev)
	for w := range m.watchers {
		if strings.HasPrefix(ev.Key, w.prefix) {
			w.enqueue(ev)
		}
	}
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.items[key]
	return ok, nil
}

func (m *Memory) Get(_ context.Context, key string) (KeyValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.items[key]
	if !ok {
		return KeyValue{}, fmt.Errorf("get %s: %w", key, ErrNotFound)
	}
	kv.Value = append([]byte(nil), kv.Value...)
	return kv, nil
}

func (m *Memory) Put(_ context.Context, key string, value []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.putLocked(key, value), nil
}

func (m *Memory) putLocked(key string, value []byte) string {
	m.rev++
	kv := KeyValue{Key: key, Value: append([]byte(nil), value...), Version: formatRev(m.rev)}
	m.items[key] = kv
	m.write(Event{Type: EventPut, Key: key, Value: kv.Value, Version: kv.Version})
	return kv.Version
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[key]; !ok {
		return false, nil
	}
	delete(m.items, key)
	m.rev++
	m.write(Event{Type: EventDelete, Key: key, Version: formatRev(m.rev)})
	return true, nil
}

func (m *Memory) ListPrefix(_ context.Context, prefix string) ([]KeyValue, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []KeyValue
	for key, kv := range m.items {
		if strings.HasPrefix(key, prefix) {
			kv.Value = append([]byte(nil), kv.Value...)
			out = append(out, kv)
		}
	}
	return out, formatRev(m.rev), nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key, expectedVersion string, value []byte) (KeyValue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.items[key]
	if expectedVersion == "" {
		if ok {
			return KeyValue{}, fmt.Errorf("create %s: %w", key, ErrAlreadyExists)
		}
	} else {
		if !ok {
			return KeyValue{}, fmt.Errorf("swap %s: %w", key, ErrNotFound)
		}
		if current.Version != expectedVersion {
			return KeyValue{}, fmt.Errorf("swap %s at %s: %w", key, expectedVersion, ErrVersionConflict)
		}
	}
	version := m.putLocked(key, value)
	return KeyValue{Key: key, Value: append([]byte(nil), value...), Version: version}, nil
}

func (m *Memory) Watch(ctx context.Context, prefix, fromVersion string) (*WatchStream, error) {
	fromNow := fromVersion == ""
	var from int64
	if !fromNow {
		rev, err := parseRev(fromVersion)
		if err != nil {
			return nil, err
		}
		from = rev
	}

	m.mu.Lock()
	if fromNow {
		// No resume point: deliver only changes after the current revision.
		from = m.rev
	}
	if from < m.compactedRev {
		m.mu.Unlock()
		return nil, fmt.Errorf("watch %s from %s: %w", prefix, fromVersion, ErrWatchExpired)
	}
	w := &memWatcher{prefix: prefix}
	w.cond = sync.NewCond(&w.qmu)
	for _, ev := range m.history {
		evRev, _ := parseRev(ev.Version)
		if evRev > from && strings.HasPrefix(ev.Key, prefix) {
			w.queue = append(w.queue, ev)
		}
	}
	m.watchers[w] = struct{}{}
	m.mu.Unlock()

	wctx, cancel := context.WithCancel(ctx)
	out := make(chan Event)

	go func() {
		<-wctx.Done()
		w.close()
	}()

	go func() {
		defer func() {
			m.mu.Lock()
			delete(m.watchers, w)
			m.mu.Unlock()
			close(out)
		}()
		for {
			ev, ok := w.next()
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-wctx.Done():
				return
			}
		}
	}()

	return NewWatchStream(out, cancel, func() error { return nil }), nil
}

// memWatcher buffers events so writers never block on slow consumers.
type memWatcher struct {
	prefix string

	qmu   sync.Mutex
	cond  *sync.Cond
	queue []Event
	done  bool
}

func (w *memWatcher) enqueue(ev Event) {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	if w.done {
		return
	}
	w.queue = append(w.queue, ev)
	w.cond.Signal()
}

// next blocks until an event is available or the watcher is closed.
func (w *memWatcher) next() (Event, bool) {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	for len(w.queue) == 0 && !w.done {
		w.cond.Wait()
	}
	if len(w.queue) == 0 {
		return Event{}, false
	}
	ev := w.queue[0]
	w.queue = w.queue[1:]
	return ev, true
}

func (w *memWatcher) close() {
	w.qmu.Lock()
	defer w.qmu.Unlock()
	w.done = true
	w.cond.Broadcast()
}
