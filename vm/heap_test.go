package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInternStringIsIdempotent(t *testing.T) {
	h := NewHeap()
	a := h.InternString("hello")
	b := h.InternString("hello")
	assert.Equal(t, a, b)

	c := h.InternString("world")
	assert.NotEqual(t, a, c)
}

func TestAllocStringDoesNotIntern(t *testing.T) {
	h := NewHeap()
	a := h.AllocString("hi")
	b := h.AllocString("hi")
	assert.NotEqual(t, a, b, "AllocString must not dedupe through the intern table")
}

func TestAllocClosureStampsSelfRef(t *testing.T) {
	h := NewHeap()
	ref := h.AllocClosure(&ClosureObject{})
	obj, ok := h.Get(ref)
	require.True(t, ok)
	assert.Equal(t, ref, obj.closureSelfRef)
}

func TestGetOnFreedSlotFails(t *testing.T) {
	h := NewHeap()
	ref := h.AllocString("temp")
	h.Collect(Roots{}) // nothing roots it, so it gets swept
	_, ok := h.Get(ref)
	assert.False(t, ok)
}

func TestCollectKeepsReachableDropsUnreachable(t *testing.T) {
	h := NewHeap()
	kept := h.AllocString("kept")
	dropped := h.AllocString("dropped")

	h.Collect(Roots{Registers: []Value{Ptr(kept)}})

	_, ok := h.Get(kept)
	assert.True(t, ok, "rooted object must survive collection")
	_, ok = h.Get(dropped)
	assert.False(t, ok, "unrooted object must be swept")
}

func TestCollectPrunesStaleInternEntries(t *testing.T) {
	h := NewHeap()
	ref := h.InternString("stale")
	h.Collect(Roots{}) // not rooted, so the string is swept
	_, ok := h.Get(ref)
	require.False(t, ok)

	// Re-interning the same bytes must not resolve to the swept slot.
	fresh := h.InternString("stale")
	obj, ok := h.Get(fresh)
	require.True(t, ok)
	assert.Equal(t, "stale", obj.Str.String())
}

func TestFreedSlotIsReusedOnNextAlloc(t *testing.T) {
	h := NewHeap()
	first := h.AllocString("a")
	h.Collect(Roots{})
	second := h.AllocString("b")
	assert.Equal(t, first, second, "freed slots should be recycled before growing the object slice")
}

func TestMergeRemapsPointersAndEmptiesSource(t *testing.T) {
	dst := NewHeap()
	dst.AllocString("already-here") // occupies slot 0 in dst

	src := NewHeap()
	srcRef := src.InternString("carried-over")

	remap := dst.Merge(src)
	newRef, ok := remap[srcRef]
	require.True(t, ok)

	obj, ok := dst.Get(newRef)
	require.True(t, ok)
	assert.Equal(t, "carried-over", obj.Str.String())

	// The intern table entry for the merged string should resolve in dst too.
	again := dst.InternString("carried-over")
	assert.Equal(t, newRef, again)

	assert.Empty(t, src.objects)
}

func TestShouldCollectTracksThreshold(t *testing.T) {
	h := NewHeap()
	assert.False(t, h.ShouldCollect())
	h.bytesAllocated = h.nextGC
	assert.True(t, h.ShouldCollect())
}
