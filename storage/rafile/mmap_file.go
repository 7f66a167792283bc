package rafile

import (
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/dfcache/dfcache/common"
)

// mmapFile backs a file with an mmap'd view (the propNioDataFile mode): reads
// and writes hit process memory directly instead of going through read/write
// syscalls, and Sync calls msync. Growth remaps the file, so every access
// path takes pos under a mutex.
type mmapFile struct {
	mu      sync.Mutex
	file    *os.File
	data    []byte
	pos     int64
	maxSize int64
}

func openMmapFile(path string, maxSize int64) (*mmapFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0666)
	if err != nil {
		return nil, common.WrapError(common.IOError, err, "open %s", path)
	}
	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, common.WrapError(common.IOError, err, "stat %s", path)
	}

	mf := &mmapFile{file: f, maxSize: maxSize}
	size := stat.Size()
	if size > 0 {
		if err := mf.remapLocked(size); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return mf, nil
}

// remapLocked unmaps any existing view and maps the first n bytes of the
// file. Called with mu held.
func (f *mmapFile) remapLocked(n int64) error {
	if f.data != nil {
		if err := unix.Munmap(f.data); err != nil {
			return common.WrapError(common.IOError, err, "munmap")
		}
		f.data = nil
	}
	if n == 0 {
		return nil
	}
	data, err := unix.Mmap(int(f.file.Fd()), 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return common.WrapError(common.IOError, err, "mmap %d bytes", n)
	}
	f.data = data
	return nil
}

func (f *mmapFile) Seek(offset int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pos = offset
	return nil
}

func (f *mmapFile) checkBoundsLocked(n int) error {
	if f.pos < 0 || f.pos+int64(n) > int64(len(f.data)) {
		return common.NewError(common.IOError, "mmap access at %d+%d exceeds mapped length %d", f.pos, n, len(f.data))
	}
	return nil
}

func (f *mmapFile) ReadInt() (int32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBoundsLocked(4); err != nil {
		return 0, err
	}
	v := decodeInt(f.data[f.pos : f.pos+4])
	f.pos += 4
	return v, nil
}

func (f *mmapFile) ReadLong() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBoundsLocked(8); err != nil {
		return 0, err
	}
	v := decodeLong(f.data[f.pos : f.pos+8])
	f.pos += 8
	return v, nil
}

func (f *mmapFile) Read(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBoundsLocked(len(buf)); err != nil {
		return 0, err
	}
	n := copy(buf, f.data[f.pos:f.pos+int64(len(buf))])
	f.pos += int64(n)
	return n, nil
}

func (f *mmapFile) WriteInt(v int32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBoundsLocked(4); err != nil {
		return err
	}
	b := encodeInt(v)
	copy(f.data[f.pos:f.pos+4], b[:])
	f.pos += 4
	return nil
}

func (f *mmapFile) WriteLong(v int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBoundsLocked(8); err != nil {
		return err
	}
	b := encodeLong(v)
	copy(f.data[f.pos:f.pos+8], b[:])
	f.pos += 8
	return nil
}

func (f *mmapFile) Write(buf []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.checkBoundsLocked(len(buf)); err != nil {
		return 0, err
	}
	n := copy(f.data[f.pos:f.pos+int64(len(buf))], buf)
	f.pos += int64(n)
	return n, nil
}

func (f *mmapFile) Length() (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return int64(len(f.data)), nil
}

func (f *mmapFile) EnsureLength(n int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= int64(len(f.data)) {
		return false, nil
	}
	if f.maxSize > 0 && n > f.maxSize {
		return false, common.NewError(common.FileFullError, "mmap grow to %d exceeds max %d", n, f.maxSize)
	}
	if err := f.file.Truncate(n); err != nil {
		return false, common.WrapError(common.IOError, err, "truncate to %d", n)
	}
	if err := f.remapLocked(n); err != nil {
		return false, err
	}
	return true, nil
}

func (f *mmapFile) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data != nil {
		if err := unix.Msync(f.data, unix.MS_SYNC); err != nil {
			return common.WrapError(common.IOError, err, "msync")
		}
	}
	return f.file.Sync()
}

func (f *mmapFile) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.data != nil {
		if err := unix.Munmap(f.data); err != nil {
			return common.WrapError(common.IOError, err, "munmap")
		}
		f.data = nil
	}
	if err := f.file.Close(); err != nil {
		return common.WrapError(common.IOError, err, "close")
	}
	return nil
}
