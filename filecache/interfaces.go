package filecache

import (
	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/objectcache"
)

// RowInput is handed to PersistentStore.Get to materialise a cached object
// from the raw bytes read at a file position. The row's own wire format is
// opaque to this subsystem; decoding it is the store's job.
type RowInput struct {
	Pos  common.ScaledPos
	Size int32
	Data []byte
}

// PersistentStore is the external row codec boundary (row serialization is
// explicitly out of scope for this subsystem, per spec's Non-goals). An
// object's Payload, once materialised, is written back verbatim on save;
// callers mutate it in place and call MarkDirty -- there's no re-encoding
// step here.
type PersistentStore interface {
	// Get decodes in into a freshly materialised object.
	Get(in RowInput) (*objectcache.Object, error)
}

// TableSpaceManager is the allocator SetFilePos and Remove delegate to.
// Cache implements it directly by wrapping its own freespace.Manager, but
// callers may supply a different one for rows that live in a dedicated
// table space.
type TableSpaceManager interface {
	GetFilePosition(size int64, asBlock bool) (common.ScaledPos, error)
	Release(pos common.ScaledPos, size int64) error
}

// FileSystem abstracts the rename/remove/exists calls Open, Close and
// Defrag need, so tests can substitute a double instead of touching disk.
type FileSystem interface {
	Rename(oldpath, newpath string) error
	Remove(name string) error
	Exists(name string) bool
}
