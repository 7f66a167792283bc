// Package objectcache implements the size-and-count-bounded in-memory map
// from scaled file position to row object described in spec §4.4: pin
// counts, dirty tracking, and a batched oldest-third eviction pass that
// flushes dirty survivors in position order before dropping them.
package objectcache

import (
	"sync/atomic"

	"github.com/dfcache/dfcache/common"
)

// Object is a single cached row image: its file position, the on-disk size
// of its record (including the 4-byte size prefix), and the decoded payload
// handed back to callers. Pin count and dirty state are mutated under the
// coordinator's write lock except where noted.
type Object struct {
	Pos     common.ScaledPos
	Size    int32
	Payload []byte

	pinCount   atomic.Int32
	dirty      atomic.Bool
	lastAccess atomic.Int64
}

// NewObject constructs a freshly materialised, unpinned, clean Object.
func NewObject(pos common.ScaledPos, size int32, payload []byte) *Object {
	return &Object{Pos: pos, Size: size, Payload: payload}
}

// Pin increments the reference count that forbids eviction.
func (o *Object) Pin() {
	o.pinCount.Add(1)
}

// Unpin decrements the pin count. It is an error to unpin an object that
// isn't pinned.
func (o *Object) Unpin() {
	common.Assert(o.pinCount.Load() > 0, "unpin of object at pos %d with zero pin count", o.Pos)
	o.pinCount.Add(-1)
}

// IsPinned reports whether the object currently forbids eviction.
func (o *Object) IsPinned() bool {
	return o.pinCount.Load() > 0
}

// MarkDirty flags the object as having an in-memory value not yet written
// to its file position.
func (o *Object) MarkDirty() {
	o.dirty.Store(true)
}

// IsDirty reports whether the object has unwritten changes.
func (o *Object) IsDirty() bool {
	return o.dirty.Load()
}

// ClearDirty flags the object as matching what's on disk, for a caller
// that just wrote it outside the normal SaveAll/cleanup flush path.
func (o *Object) ClearDirty() {
	o.dirty.Store(false)
}

// StorageSize is the on-disk footprint counted against the cache's byte
// ceiling.
func (o *Object) StorageSize() int64 {
	return int64(o.Size)
}
