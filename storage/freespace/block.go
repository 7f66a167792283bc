package freespace

import (
	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/bitmap"
	"github.com/dfcache/dfcache/storage/rafile"
)

// blockSpanUnits is the number of scale-addressed units one freeSpaceBlock
// describes, matching the 1024-unit alignment asBlock allocations use.
const blockSpanUnits = blockAlignment

const blockBitmapBytes = blockSpanUnits / 8

// blockRecordBytes is the on-disk footprint of one freeSpaceBlock: an
// 8-byte next pointer, an 8-byte base position, and the bitmap itself.
const blockRecordBytes = 8 + 8 + blockBitmapBytes

// freeSpaceBlock is the on-disk persistence format for a fixed span of the
// address space: a bitmap of used/free units plus a pointer to the next
// block in the chain. The bitmap itself is only ever bulk-read (ingestBlock,
// to seed allocState's free set on load) and bulk-written (Close); live
// allocation and coalescing run entirely through allocState's ordered free
// set, never bit-by-bit against this block.
type freeSpaceBlock struct {
	next common.ScaledPos
	base common.ScaledPos
	bits []byte
	bm   bitmap.Bitmap
}

func newFreeSpaceBlock(base common.ScaledPos) *freeSpaceBlock {
	bits := make([]byte, blockBitmapBytes)
	return &freeSpaceBlock{
		next: common.InvalidPos,
		base: base,
		bits: bits,
		bm:   bitmap.AsBitmap(bits, blockSpanUnits),
	}
}

func writeBlock(f rafile.RandomAccessFile, selfPos common.ScaledPos, scale common.Scale, b *freeSpaceBlock) error {
	if err := f.Seek(selfPos.Offset(scale)); err != nil {
		return err
	}
	if err := f.WriteLong(int64(b.next)); err != nil {
		return err
	}
	if err := f.WriteLong(int64(b.base)); err != nil {
		return err
	}
	if _, err := f.Write(b.bits); err != nil {
		return err
	}
	return nil
}

func readBlock(f rafile.RandomAccessFile, selfPos common.ScaledPos, scale common.Scale) (*freeSpaceBlock, error) {
	if err := f.Seek(selfPos.Offset(scale)); err != nil {
		return nil, err
	}
	next, err := f.ReadLong()
	if err != nil {
		return nil, err
	}
	base, err := f.ReadLong()
	if err != nil {
		return nil, err
	}
	bits := make([]byte, blockBitmapBytes)
	if _, err := f.Read(bits); err != nil {
		return nil, err
	}
	return &freeSpaceBlock{
		next: common.ScaledPos(next),
		base: common.ScaledPos(base),
		bits: bits,
		bm:   bitmap.AsBitmap(bits, blockSpanUnits),
	}, nil
}
