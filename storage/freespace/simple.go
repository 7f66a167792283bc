package freespace

import "github.com/dfcache/dfcache/common"

// simpleManager keeps the free set purely in memory. It never reads or
// writes the data file itself; on Close, whatever wasn't coalesced away is
// simply discarded, and the next Open starts from an empty free set,
// relying entirely on EnlargeFileSpace to hand out space.
type simpleManager struct {
	*allocState
}

// NewSimpleManager returns a Manager that tracks free regions in memory
// only, ordered by offset in a github.com/tidwall/btree.BTreeG: neighbor
// lookups for coalescing are O(log n), and the first-fit scan walks regions
// in offset order until one is large enough.
func NewSimpleManager(scale common.Scale, host SpaceHost) Manager {
	return &simpleManager{allocState: newAllocState(scale, host)}
}

func (m *simpleManager) GetFilePosition(rowSize int64, asBlock bool) (common.ScaledPos, error) {
	return m.getFilePosition(rowSize, asBlock)
}

func (m *simpleManager) Release(pos common.ScaledPos, size int64) error {
	return m.release(pos, size)
}

func (m *simpleManager) FreeBlockCount() int  { return m.freeBlockCount() }
func (m *simpleManager) FreeBlockSize() int64 { return m.freeBlockSize() }
func (m *simpleManager) LostBlockSize() int64 { return m.lostBlockSize() }
func (m *simpleManager) IsModified() bool     { return m.isModified() }

func (m *simpleManager) Close() error { return nil }

func (m *simpleManager) RootPosition() common.ScaledPos { return common.InvalidPos }

var _ Manager = (*simpleManager)(nil)
