package rafile

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/dfcache/dfcache/common"
)

// diskFile is the default RandomAccessFile backend: a plain *os.File
// accessed through explicit Seek+Read/Write calls, with a cached length so
// EnsureLength checks don't stat() on every call.
type diskFile struct {
	file   *os.File
	length atomic.Int64
}

func openDiskFile(path string) (*diskFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, common.WrapError(common.IOError, err, "open %s", path)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, common.WrapError(common.IOError, err, "stat %s", path)
	}
	df := &diskFile{file: f}
	df.length.Store(stat.Size())
	return df, nil
}

func (f *diskFile) Seek(offset int64) error {
	_, err := f.file.Seek(offset, io.SeekStart)
	if err != nil {
		return common.WrapError(common.IOError, err, "seek to %d", offset)
	}
	return nil
}

func (f *diskFile) ReadInt() (int32, error) {
	var buf [4]byte
	if _, err := readFull(f.file, buf[:]); err != nil {
		return 0, err
	}
	return decodeInt(buf[:]), nil
}

func (f *diskFile) ReadLong() (int64, error) {
	var buf [8]byte
	if _, err := readFull(f.file, buf[:]); err != nil {
		return 0, err
	}
	return decodeLong(buf[:]), nil
}

func (f *diskFile) Read(buf []byte) (int, error) {
	return readFull(f.file, buf)
}

func (f *diskFile) WriteInt(v int32) error {
	b := encodeInt(v)
	_, err := f.Write(b[:])
	return err
}

func (f *diskFile) WriteLong(v int64) error {
	b := encodeLong(v)
	_, err := f.Write(b[:])
	return err
}

func (f *diskFile) Write(buf []byte) (int, error) {
	n, err := f.file.Write(buf)
	if err != nil {
		return n, common.WrapError(common.IOError, err, "write %d bytes", len(buf))
	}
	pos, err := f.file.Seek(0, io.SeekCurrent)
	if err == nil && pos > f.length.Load() {
		f.length.Store(pos)
	}
	return n, nil
}

func (f *diskFile) Length() (int64, error) {
	return f.length.Load(), nil
}

func (f *diskFile) EnsureLength(n int64) (bool, error) {
	if n <= f.length.Load() {
		return false, nil
	}
	if err := f.file.Truncate(n); err != nil {
		return false, common.WrapError(common.IOError, err, "grow to %d", n)
	}
	f.length.Store(n)
	return true, nil
}

func (f *diskFile) Sync() error {
	if err := f.file.Sync(); err != nil {
		return common.WrapError(common.IOError, err, "sync")
	}
	return nil
}

func (f *diskFile) Close() error {
	if err := f.file.Close(); err != nil {
		return common.WrapError(common.IOError, err, "close")
	}
	return nil
}
