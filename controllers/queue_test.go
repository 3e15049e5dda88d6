package controllers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/types"
)

func qn(name string) types.NamespacedName {
	return types.NamespacedName{Namespace: "default", Name: name}
}

func TestNamedQueue_DeduplicatesPending(t *testing.T) {
	q := newNamedQueue()
	q.Add(qn("a"))
	q.Add(qn("a"))
	q.Add(qn("b"))
	assert.Equal(t, 2, q.Len())
}

func TestNamedQueue_SerializesInFlight(t *testing.T) {
	q := newNamedQueue()
	q.Add(qn("a"))

	name, ok := q.Get()
	require.True(t, ok)
	assert.Equal(t, qn("a"), name)

	// Re-added while in flight: not handed out again until Done.
	q.Add(qn("a"))
	assert.Zero(t, q.Len())

	q.Done(name)
	assert.Equal(t, 1, q.Len())

	name, ok = q.Get()
	require.True(t, ok)
	assert.Equal(t, qn("a"), name)
	q.Done(name)
	assert.Zero(t, q.Len())
}

func TestNamedQueue_AddAfter(t *testing.T) {
	q := newNamedQueue()
	q.AddAfter(qn("a"), 20*time.Millisecond)
	assert.Zero(t, q.Len())
	require.Eventually(t, func() bool { return q.Len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestNamedQueue_ShutDown(t *testing.T) {
	q := newNamedQueue()
	q.Add(qn("a"))
	q.ShutDown()

	_, ok := q.Get()
	assert.False(t, ok)

	// Adds after shutdown are dropped.
	q.Add(qn("b"))
	assert.Zero(t, q.Len())
}

func TestNamedQueue_GetBlocksUntilAdd(t *testing.T) {
	q := newNamedQueue()
	got := make(chan types.NamespacedName, 1)
	go func() {
		name, ok := q.Get()
		if ok {
			got <- name
		}
	}()

	time.Sleep(20 * time.Millisecond)
	q.Add(qn("a"))

	select {
	case name := <-got:
		assert.Equal(t, qn("a"), name)
	case <-time.After(time.Second):
		t.Fatal("Get did not wake on Add")
	}
}
