package objectcache

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dfcache/dfcache/common"
)

type fakeFlusher struct {
	mu      sync.Mutex
	flushed [][]*Object
	err     error
}

func (f *fakeFlusher) FlushDirty(objs []*Object) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]*Object, len(objs))
	copy(cp, objs)
	f.flushed = append(f.flushed, cp)
	return f.err
}

func (f *fakeFlusher) calls() [][]*Object {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushed
}

func TestCache_PutGetRelease(t *testing.T) {
	flusher := &fakeFlusher{}
	c := New(100, 1<<20, flusher, nil)

	obj := NewObject(5, 64, []byte("hello"))
	require.NoError(t, c.Put(obj))

	got, ok := c.Get(5, false)
	require.True(t, ok)
	assert.Same(t, obj, got)
	assert.Equal(t, 1, c.Size())
	assert.Equal(t, int64(64), c.TotalCachedBlockSize())

	_, ok = c.Get(6, true)
	assert.False(t, ok)

	obj.Pin()
	assert.True(t, obj.IsPinned())
	_, ok = c.Release(5)
	require.True(t, ok)
	assert.False(t, obj.IsPinned())
}

func TestCache_SaveAllFlushesDirtyInPosOrder(t *testing.T) {
	flusher := &fakeFlusher{}
	c := New(100, 1<<20, flusher, nil)

	o3 := NewObject(3, 16, []byte("c"))
	o1 := NewObject(1, 16, []byte("a"))
	o2 := NewObject(2, 16, []byte("b"))
	for _, o := range []*Object{o3, o1, o2} {
		require.NoError(t, c.Put(o))
		o.MarkDirty()
	}

	require.NoError(t, c.SaveAll())

	calls := flusher.calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 3)
	assert.Equal(t, common.ScaledPos(1), calls[0][0].Pos)
	assert.Equal(t, common.ScaledPos(2), calls[0][1].Pos)
	assert.Equal(t, common.ScaledPos(3), calls[0][2].Pos)

	for _, o := range []*Object{o1, o2, o3} {
		assert.False(t, o.IsDirty())
	}
}

func TestCache_EnforceBoundsEvictsOldestThird(t *testing.T) {
	flusher := &fakeFlusher{}
	c := New(4, 1<<20, flusher, nil)

	var objs []*Object
	for i := 0; i < 8; i++ {
		o := NewObject(common.ScaledPos(i), 8, []byte{byte(i)})
		objs = append(objs, o)
		require.NoError(t, c.Put(o))
	}

	assert.LessOrEqual(t, c.Size(), 4)
	// The earliest-inserted (and thus earliest-touched) objects should have
	// been the ones evicted.
	_, ok := c.Get(common.ScaledPos(0), true)
	assert.False(t, ok)
}

func TestCache_CleanupFlushesDirtyVictimsBeforeDropping(t *testing.T) {
	flusher := &fakeFlusher{}
	c := New(3, 1<<20, flusher, nil)

	// The dirty object is inserted first, so it is also the oldest by
	// access time and will be the one the cleanup pass selects to evict.
	dirty := NewObject(common.ScaledPos(0), 8, nil)
	dirty.MarkDirty()
	require.NoError(t, c.Put(dirty))

	for i := 1; i < 3; i++ {
		require.NoError(t, c.Put(NewObject(common.ScaledPos(i), 8, nil)))
	}

	// Pushes the cache past its row ceiling, triggering a cleanup pass that
	// must evict the oldest entry -- the dirty one.
	require.NoError(t, c.Put(NewObject(common.ScaledPos(3), 8, nil)))

	calls := flusher.calls()
	require.NotEmpty(t, calls, "cleanup pass should have flushed the dirty victim before eviction")
	assert.Equal(t, common.ScaledPos(0), calls[0][0].Pos)
	assert.False(t, dirty.IsDirty())
}

func TestCache_PinnedObjectsSurviveCleanup(t *testing.T) {
	flusher := &fakeFlusher{}
	c := New(2, 1<<20, flusher, nil)

	pinned := NewObject(1, 8, nil)
	pinned.Pin()
	require.NoError(t, c.Put(pinned))

	for i := 2; i < 10; i++ {
		require.NoError(t, c.Put(NewObject(common.ScaledPos(i), 8, nil)))
	}

	_, ok := c.Get(1, true)
	assert.True(t, ok, "pinned object must never be evicted")
}

func TestCache_ForceCleanUpRunsEvenWithinBounds(t *testing.T) {
	flusher := &fakeFlusher{}
	c := New(100, 1<<20, flusher, nil)

	for i := 0; i < 6; i++ {
		require.NoError(t, c.Put(NewObject(common.ScaledPos(i), 8, nil)))
	}
	sizeBefore := c.Size()

	require.NoError(t, c.ForceCleanUp())
	assert.Less(t, c.Size(), sizeBefore, "ForceCleanUp should evict even when under the configured ceilings")
}
