package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_BasicOps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	ok, err := m.Exists(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Get(ctx, "/a")
	assert.True(t, IsNotFound(err))

	v1, err := m.Put(ctx, "/a", []byte("one"))
	require.NoError(t, err)

	kv, err := m.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), kv.Value)
	assert.Equal(t, v1, kv.Version)

	v2, err := m.Put(ctx, "/a", []byte("two"))
	require.NoError(t, err)
	assert.NotEqual(t, v1, v2, "version must change on every write")

	deleted, err := m.Delete(ctx, "/a")
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = m.Delete(ctx, "/a")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestMemory_ListPrefix(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	_, err := m.Put(ctx, "/res/a", []byte("a"))
	require.NoError(t, err)
	_, err = m.Put(ctx, "/res/b", []byte("b"))
	require.NoError(t, err)
	_, err = m.Put(ctx, "/other/c", []byte("c"))
	require.NoError(t, err)

	kvs, rev, err := m.ListPrefix(ctx, "/res/")
	require.NoError(t, err)
	assert.Len(t, kvs, 2)
	assert.Equal(t, m.CurrentRevision(), rev)
}

func TestMemory_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	// Create-if-absent
	kv, err := m.CompareAndSwap(ctx, "/a", "", []byte("one"))
	require.NoError(t, err)

	_, err = m.CompareAndSwap(ctx, "/a", "", []byte("dup"))
	assert.True(t, IsAlreadyExists(err))

	// Conditional update
	kv2, err := m.CompareAndSwap(ctx, "/a", kv.Version, []byte("two"))
	require.NoError(t, err)

	_, err = m.CompareAndSwap(ctx, "/a", kv.Version, []byte("stale"))
	assert.True(t, IsConflict(err))

	_, err = m.CompareAndSwap(ctx, "/missing", kv2.Version, []byte("x"))
	assert.True(t, IsNotFound(err))

	current, err := m.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), current.Value)
}

func collectEvents(t *testing.T, stream *WatchStream, n int) []Event {
	t.Helper()
	var out []Event
	timeout := time.After(2 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-stream.Events():
			if !ok {
				t.Fatalf("stream closed after %d events: %v", len(out), stream.Err())
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestMemory_WatchOrdering(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	stream, err := m.Watch(ctx, "/res/", "")
	require.NoError(t, err)
	defer stream.Cancel()

	_, err = m.Put(ctx, "/res/a", []byte("1"))
	require.NoError(t, err)
	_, err = m.Put(ctx, "/res/a", []byte("2"))
	require.NoError(t, err)
	_, err = m.Delete(ctx, "/res/a")
	require.NoError(t, err)
	_, err = m.Put(ctx, "/unrelated/x", []byte("noise"))
	require.NoError(t, err)

	events := collectEvents(t, stream, 3)
	assert.Equal(t, EventPut, events[0].Type)
	assert.Equal(t, []byte("1"), events[0].Value)
	assert.Equal(t, EventPut, events[1].Type)
	assert.Equal(t, EventDelete, events[2].Type)
	assert.Less(t, events[0].Version, events[1].Version)
	assert.Less(t, events[1].Version, events[2].Version)
}

func TestMemory_WatchResume(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m := NewMemory()

	v1, err := m.Put(ctx, "/res/a", []byte("1"))
	require.NoError(t, err)
	_, err = m.Put(ctx, "/res/a", []byte("2"))
	require.NoError(t, err)

	// Resume is exclusive of the given version.
	stream, err := m.Watch(ctx, "/res/", v1)
	require.NoError(t, err)
	defer stream.Cancel()

	events := collectEvents(t, stream, 1)
	assert.Equal(t, []byte("2"), events[0].Value)
}

func TestMemory_WatchExpired(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	old, err := m.Put(ctx, "/res/a", []byte("1"))
	require.NoError(t, err)
	_, err = m.Put(ctx, "/res/a", []byte("2"))
	require.NoError(t, err)
	_, err = m.Put(ctx, "/res/a", []byte("3"))
	require.NoError(t, err)

	require.NoError(t, m.Compact(m.CurrentRevision()))

	_, err = m.Watch(ctx, "/res/", old)
	assert.True(t, IsWatchExpired(err))

	// Watching from now still works after compaction.
	stream, err := m.Watch(ctx, "/res/", "")
	require.NoError(t, err)
	stream.Cancel()
}

func TestMemory_WatchCancel(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	stream, err := m.Watch(ctx, "/res/", "")
	require.NoError(t, err)
	stream.Cancel()

	select {
	case _, ok := <-stream.Events():
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not close after cancel")
	}
	assert.NoError(t, stream.Err())
}
