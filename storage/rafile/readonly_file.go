package rafile

import (
	"os"

	"github.com/dfcache/dfcache/common"
)

// readOnlyFile wraps a diskFile and rejects every mutating call, matching
// the read-only open mode used for files.readonly=true and for files opened
// against a database whose files attribute forbids writes.
type readOnlyFile struct {
	*diskFile
}

func openReadOnlyFile(path string) (*readOnlyFile, error) {
	f, err := os.Open(path)
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
	return &readOnlyFile{diskFile: df}, nil
}

func (f *readOnlyFile) WriteInt(v int32) error {
	return common.NewError(common.IOError, "write to read-only file")
}

func (f *readOnlyFile) WriteLong(v int64) error {
	return common.NewError(common.IOError, "write to read-only file")
}

func (f *readOnlyFile) Write(buf []byte) (int, error) {
	return 0, common.NewError(common.IOError, "write to read-only file")
}

func (f *readOnlyFile) EnsureLength(n int64) (bool, error) {
	return false, common.NewError(common.IOError, "grow a read-only file")
}

func (f *readOnlyFile) Sync() error {
	return nil
}
