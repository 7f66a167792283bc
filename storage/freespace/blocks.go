package freespace

import (
	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/rafile"
)

// blocksManager persists the free set as a linked chain of 1024-unit
// freeSpaceBlocks, so the allocator survives a process restart without
// re-scanning every row in the file. It shares its allocation and
// coalescing logic with simpleManager through allocState; the chain only
// matters at construction (to seed the in-memory free set) and at Close
// (to write it back out).
//
// The chain's own storage is carved out of the same growable tail rows use
// (via host.EnlargeFileSpace), not a caller-supplied fixed address: a block
// position is reserved exactly like a row allocation, so it can never
// collide with one.
type blocksManager struct {
	*allocState

	file          rafile.RandomAccessFile
	root          common.ScaledPos
	selfPositions []common.ScaledPos
}

// NewBlocksManager opens (or initializes) a persistent free-space manager.
// root is the chain's head position, or common.InvalidPos if none has been
// allocated yet.
func NewBlocksManager(file rafile.RandomAccessFile, scale common.Scale, root common.ScaledPos, host SpaceHost) (Manager, error) {
	bm := &blocksManager{
		allocState: newAllocState(scale, host),
		file:       file,
		root:       root,
	}
	if root != common.InvalidPos {
		if err := bm.load(); err != nil {
			return nil, err
		}
	}
	return bm, nil
}

func (bm *blocksManager) blockUnits() int64 {
	n := int64(blockRecordBytes)
	scale := int64(bm.scale)
	return (n + scale - 1) / scale
}

func (bm *blocksManager) load() error {
	pos := bm.root
	for pos != common.InvalidPos {
		blk, err := readBlock(bm.file, pos, bm.scale)
		if err != nil {
			return err
		}
		bm.ingestBlock(blk)
		bm.selfPositions = append(bm.selfPositions, pos)
		pos = blk.next
	}
	return nil
}

// ingestBlock walks blk's bitmap and records every contiguous run of free
// units as a region in the shared free set, merging with whatever was
// already ingested from the previous block so a run spanning a block
// boundary becomes one region rather than two.
func (bm *blocksManager) ingestBlock(blk *freeSpaceBlock) {
	start := -1
	for i := 0; i <= blockSpanUnits; i++ {
		free := i < blockSpanUnits && !blk.bm.LoadBit(i)
		switch {
		case free && start == -1:
			start = i
		case !free && start != -1:
			r := region{pos: blk.base + common.ScaledPos(start), length: int64(i - start)}
			bm.free.Set(bm.mergeWithNeighbors(r))
			start = -1
		}
	}
}

func (bm *blocksManager) GetFilePosition(rowSize int64, asBlock bool) (common.ScaledPos, error) {
	return bm.getFilePosition(rowSize, asBlock)
}

func (bm *blocksManager) Release(pos common.ScaledPos, size int64) error {
	return bm.release(pos, size)
}

func (bm *blocksManager) FreeBlockCount() int  { return bm.freeBlockCount() }
func (bm *blocksManager) FreeBlockSize() int64 { return bm.freeBlockSize() }
func (bm *blocksManager) LostBlockSize() int64 { return bm.lostBlockSize() }
func (bm *blocksManager) IsModified() bool     { return bm.isModified() }

// RootPosition returns the chain's current head, for the coordinator to
// persist into the header's INT_SPACE_LIST_POS field after Close.
func (bm *blocksManager) RootPosition() common.ScaledPos { return bm.root }

// Close rewrites the entire block chain from the current in-memory free
// set. It always does a full rewrite rather than an incremental one; the
// chain is small relative to the data file, and this keeps the bitmap
// reconstruction trivially correct.
//
// Growing the chain (when the file has grown since the last Close) reuses
// already-reserved block slots and reserves additional ones from the host
// exactly as a row allocation would, re-checking the tail after each
// reservation since a reservation itself can push the file into needing
// one more block.
func (bm *blocksManager) Close() error {
	if !bm.isModified() {
		return nil
	}

	for {
		tail := bm.host.FileFreePosition()
		need := (int64(tail) + blockSpanUnits - 1) / blockSpanUnits
		if int64(len(bm.selfPositions)) >= need {
			break
		}
		pos, err := bm.host.EnlargeFileSpace(bm.blockUnits())
		if err != nil {
			return err
		}
		bm.selfPositions = append(bm.selfPositions, pos)
	}

	numBlocks := int64(len(bm.selfPositions))
	if numBlocks == 0 {
		bm.modified = false
		return nil
	}

	blocks := make([]*freeSpaceBlock, numBlocks)
	for i := int64(0); i < numBlocks; i++ {
		blk := newFreeSpaceBlock(common.ScaledPos(i * blockSpanUnits))
		for bit := 0; bit < blockSpanUnits; bit++ {
			blk.bm.SetBit(bit, true)
		}
		blocks[i] = blk
	}

	bm.free.Scan(func(r region) bool {
		for off := int64(0); off < r.length; off++ {
			unit := int64(r.pos) + off
			idx := unit / blockSpanUnits
			if idx >= numBlocks {
				continue
			}
			blocks[idx].bm.SetBit(int(unit%blockSpanUnits), false)
		}
		return true
	})

	for i := int64(0); i < numBlocks; i++ {
		if i+1 < numBlocks {
			blocks[i].next = bm.selfPositions[i+1]
		} else {
			blocks[i].next = common.InvalidPos
		}
		if err := writeBlock(bm.file, bm.selfPositions[i], bm.scale, blocks[i]); err != nil {
			return err
		}
	}

	bm.root = bm.selfPositions[0]
	bm.modified = false
	return nil
}

var _ Manager = (*blocksManager)(nil)
