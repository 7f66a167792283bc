package filecache

import (
	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/rafile"
)

// Header field offsets, per spec §3.
const (
	headerSize = 32

	headerEmptySizeOffset = 4
	headerFreePosOffset   = 12
	headerSpaceListOffset = 24
	headerFlagsOffset     = 28
)

type header struct {
	lostSpaceSize    int64
	fileFreePosition common.ScaledPos
	spaceListPos     common.ScaledPos
	flags            flagWord
}

func readHeader(f rafile.RandomAccessFile) (header, error) {
	var h header

	if err := f.Seek(headerEmptySizeOffset); err != nil {
		return h, err
	}
	lost, err := f.ReadLong()
	if err != nil {
		return h, err
	}
	h.lostSpaceSize = lost

	freePos, err := f.ReadLong()
	if err != nil {
		return h, err
	}
	h.fileFreePosition = common.ScaledPos(freePos)

	if err := f.Seek(headerSpaceListOffset); err != nil {
		return h, err
	}
	spaceList, err := f.ReadInt()
	if err != nil {
		return h, err
	}
	h.spaceListPos = common.ScaledPos(spaceList)

	flags, err := f.ReadInt()
	if err != nil {
		return h, err
	}
	h.flags = flagWord(flags)

	return h, nil
}

func writeHeader(f rafile.RandomAccessFile, h header) error {
	if err := f.Seek(headerEmptySizeOffset); err != nil {
		return err
	}
	if err := f.WriteLong(h.lostSpaceSize); err != nil {
		return err
	}
	if err := f.WriteLong(int64(h.fileFreePosition)); err != nil {
		return err
	}

	if err := f.Seek(headerSpaceListOffset); err != nil {
		return err
	}
	if err := f.WriteInt(int32(h.spaceListPos)); err != nil {
		return err
	}
	return f.WriteInt(int32(h.flags))
}

func writeFlags(f rafile.RandomAccessFile, flags flagWord) error {
	if err := f.Seek(headerFlagsOffset); err != nil {
		return err
	}
	return f.WriteInt(int32(flags))
}
