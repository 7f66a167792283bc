package filecache

import (
	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/rafile"
)

// writeRecord writes obj's 4-byte size prefix followed by its payload,
// padded or truncated to exactly obj.Size-4 bytes, at obj.Pos*scale.
func writeRecord(f rafile.RandomAccessFile, pos common.ScaledPos, scale common.Scale, size int32, payload []byte) error {
	if err := f.Seek(pos.Offset(scale)); err != nil {
		return err
	}
	if err := f.WriteInt(size); err != nil {
		return err
	}

	want := int(size) - 4
	common.Assert(want >= 0, "record size %d too small to hold the 4-byte prefix", size)
	if len(payload) != want {
		padded := make([]byte, want)
		copy(padded, payload)
		payload = padded
	}
	_, err := f.Write(payload)
	return err
}

// readRecord reads a record at pos. If sizeHint is non-nil, the caller
// already knows the record's size (e.g. from the allocation that produced
// it) and the 4-byte prefix on disk is skipped rather than re-read.
func readRecord(f rafile.RandomAccessFile, pos common.ScaledPos, scale common.Scale, sizeHint *int32) (RowInput, error) {
	offset := pos.Offset(scale)
	var size int32

	if sizeHint != nil {
		size = *sizeHint
		if err := f.Seek(offset + 4); err != nil {
			return RowInput{}, err
		}
	} else {
		if err := f.Seek(offset); err != nil {
			return RowInput{}, err
		}
		s, err := f.ReadInt()
		if err != nil {
			return RowInput{}, err
		}
		size = s
	}

	payload := make([]byte, size-4)
	if _, err := f.Read(payload); err != nil {
		return RowInput{}, err
	}
	return RowInput{Pos: pos, Size: size, Data: payload}, nil
}
