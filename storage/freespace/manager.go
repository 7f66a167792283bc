// Package freespace tracks free regions inside a data file addressed in
// scaled units (spec §4.3): first-fit allocation with neighbor coalescing,
// in two variants that share the same in-memory allocation core and differ
// only in whether that state is persisted across process restarts.
package freespace

import (
	"github.com/tidwall/btree"

	"github.com/dfcache/dfcache/common"
)

// Manager is the contract both the Simple and Blocks variants satisfy.
type Manager interface {
	// GetFilePosition allocates a region of rowSize bytes (a multiple of
	// scale) and returns its scaled position. If asBlock is set, the
	// returned position is aligned to a 1024-unit boundary.
	GetFilePosition(rowSize int64, asBlock bool) (common.ScaledPos, error)
	// Release returns the region [pos, pos+size/scale) to the free set,
	// coalescing with adjacent regions.
	Release(pos common.ScaledPos, size int64) error
	// FreeBlockCount returns the number of disjoint free regions.
	FreeBlockCount() int
	// FreeBlockSize returns the total bytes currently reusable.
	FreeBlockSize() int64
	// LostBlockSize returns released bytes that could not be coalesced
	// into a reusable region.
	LostBlockSize() int64
	// IsModified reports whether the manager's state has changed since the
	// last Close.
	IsModified() bool
	// Close persists any in-memory state the variant owns.
	Close() error
	// RootPosition returns the persisted chain's head position (for the
	// Blocks variant, to be written into the header's space-list field),
	// or common.InvalidPos for a variant with nothing to persist.
	RootPosition() common.ScaledPos
}

// SpaceHost is the coordinator's non-owning handle a space manager calls
// into when a first-fit allocation misses and the file must grow, or when
// a released region abuts the file tail, per REDESIGN FLAGS' "components
// receive a non-owning handle" guidance.
type SpaceHost interface {
	// EnlargeFileSpace grows the file by neededUnits scaled units and
	// returns the position of the first new unit (the old tail).
	EnlargeFileSpace(neededUnits int64) (common.ScaledPos, error)
	// FileFreePosition returns the current tail pointer.
	FileFreePosition() common.ScaledPos
	// RetractFileFreePosition moves the tail pointer backward after a
	// release that abuts it.
	RetractFileFreePosition(newTail common.ScaledPos)
}

// region is a free extent of scale-addressed units, [pos, pos+length).
type region struct {
	pos    common.ScaledPos
	length int64
}

func lessRegion(a, b region) bool {
	if a.pos != b.pos {
		return a.pos < b.pos
	}
	return a.length < b.length
}

// blockAlignment is the alignment, in scale units, demanded by asBlock
// allocations (spec §4.3).
const blockAlignment = 1024

func alignUp(pos common.ScaledPos, align int64) common.ScaledPos {
	p := int64(pos)
	if rem := p % align; rem != 0 {
		p += align - rem
	}
	return common.ScaledPos(p)
}

// allocState is the first-fit/coalescing core shared by both variants.
// They differ only in whether this state is persisted.
type allocState struct {
	free      *btree.BTreeG[region]
	lostUnits int64
	modified  bool
	scale     common.Scale
	host      SpaceHost
}

func newAllocState(scale common.Scale, host SpaceHost) *allocState {
	return &allocState{
		free:  btree.NewBTreeG(lessRegion),
		scale: scale,
		host:  host,
	}
}

func (a *allocState) getFilePosition(rowSize int64, asBlock bool) (common.ScaledPos, error) {
	common.Assert(rowSize > 0 && rowSize%int64(a.scale) == 0, "rowSize %d must be a multiple of scale %d", rowSize, a.scale)
	needed := rowSize / int64(a.scale)

	var (
		found      region
		allocPos   common.ScaledPos
		headSlack  int64
		ok         bool
	)

	a.free.Ascend(region{}, func(r region) bool {
		if asBlock {
			aligned := alignUp(r.pos, blockAlignment)
			slack := int64(aligned) - int64(r.pos)
			if slack < 0 || r.length-slack < needed {
				return true
			}
			found, allocPos, headSlack, ok = r, aligned, slack, true
			return false
		}
		if r.length >= needed {
			found, allocPos, ok = r, r.pos, true
			return false
		}
		return true
	})

	if !ok {
		growUnits := needed
		if asBlock {
			growUnits = needed + blockAlignment
		}
		base, err := a.host.EnlargeFileSpace(growUnits)
		if err != nil {
			return 0, err
		}
		a.modified = true
		if asBlock {
			aligned := alignUp(base, blockAlignment)
			head := int64(aligned) - int64(base)
			if head > 0 {
				a.free.Set(region{pos: base, length: head})
			}
			tailStart := common.ScaledPos(int64(aligned) + needed)
			if tailLen := growUnits - head - needed; tailLen > 0 {
				a.free.Set(region{pos: tailStart, length: tailLen})
			}
			return aligned, nil
		}
		return base, nil
	}

	a.free.Delete(found)
	a.modified = true

	if asBlock {
		if headSlack > 0 {
			a.free.Set(region{pos: found.pos, length: headSlack})
		}
		tailStart := common.ScaledPos(int64(allocPos) + needed)
		if tailLen := found.length - headSlack - needed; tailLen > 0 {
			a.free.Set(region{pos: tailStart, length: tailLen})
		}
		return allocPos, nil
	}

	if remaining := found.length - needed; remaining > 0 {
		a.free.Set(region{pos: found.pos + common.ScaledPos(needed), length: remaining})
	}
	return found.pos, nil
}

// mergeWithNeighbors absorbs any free region immediately abutting r on
// either side, deleting the absorbed neighbor(s) from the tree and
// returning the (possibly larger) merged extent. It does not itself insert
// the result; callers decide between Set and a tail retraction.
func (a *allocState) mergeWithNeighbors(r region) region {
	var left region
	hasLeft := false
	a.free.Descend(r, func(cand region) bool {
		if cand.pos < r.pos {
			left, hasLeft = cand, true
		}
		return false
	})
	if hasLeft && int64(left.pos)+left.length == int64(r.pos) {
		a.free.Delete(left)
		r.pos = left.pos
		r.length += left.length
	}

	var right region
	hasRight := false
	a.free.Ascend(region{pos: r.pos + common.ScaledPos(r.length)}, func(cand region) bool {
		right, hasRight = cand, true
		return false
	})
	if hasRight && right.pos == r.pos+common.ScaledPos(r.length) {
		a.free.Delete(right)
		r.length += right.length
	}

	return r
}

func (a *allocState) release(pos common.ScaledPos, size int64) error {
	common.Assert(size > 0 && size%int64(a.scale) == 0, "release size %d must be a multiple of scale %d", size, a.scale)
	merged := a.mergeWithNeighbors(region{pos: pos, length: size / int64(a.scale)})
	a.modified = true

	if a.host != nil && int64(merged.pos)+merged.length == int64(a.host.FileFreePosition()) {
		a.host.RetractFileFreePosition(merged.pos)
		return nil
	}

	a.free.Set(merged)
	return nil
}

func (a *allocState) freeBlockCount() int {
	return a.free.Len()
}

func (a *allocState) freeBlockSize() int64 {
	var total int64
	a.free.Scan(func(r region) bool {
		total += r.length
		return true
	})
	return total * int64(a.scale)
}

func (a *allocState) lostBlockSize() int64 {
	return a.lostUnits * int64(a.scale)
}

func (a *allocState) isModified() bool {
	return a.modified
}
