package rafile

import (
	"archive/zip"
	"bytes"
	"io"

	"github.com/dfcache/dfcache/common"
)

// jarFile serves a single archive entry as a read-only RandomAccessFile, for
// databases distributed read-only inside a jar/zip alongside application
// code. The entry is fully inflated into memory at open time since zip
// entries don't support random-access reads of compressed data.
type jarFile struct {
	data []byte
	pos  int64
}

func openJarFile(archivePath, entryName string) (*jarFile, error) {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return nil, common.WrapError(common.IOError, err, "open archive %s", archivePath)
	}
	defer r.Close()

	for _, f := range r.File {
		if f.Name != entryName {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, common.WrapError(common.IOError, err, "open entry %s", entryName)
		}
		defer rc.Close()

		var buf bytes.Buffer
		if _, err := io.Copy(&buf, rc); err != nil {
			return nil, common.WrapError(common.IOError, err, "inflate entry %s", entryName)
		}
		return &jarFile{data: buf.Bytes()}, nil
	}
	return nil, common.NewError(common.IOError, "entry %s not found in %s", entryName, archivePath)
}

func (f *jarFile) Seek(offset int64) error {
	f.pos = offset
	return nil
}

func (f *jarFile) checkBounds(n int) error {
	if f.pos < 0 || f.pos+int64(n) > int64(len(f.data)) {
		return common.NewError(common.IOError, "jar entry access at %d+%d exceeds length %d", f.pos, n, len(f.data))
	}
	return nil
}

func (f *jarFile) ReadInt() (int32, error) {
	if err := f.checkBounds(4); err != nil {
		return 0, err
	}
	v := decodeInt(f.data[f.pos : f.pos+4])
	f.pos += 4
	return v, nil
}

func (f *jarFile) ReadLong() (int64, error) {
	if err := f.checkBounds(8); err != nil {
		return 0, err
	}
	v := decodeLong(f.data[f.pos : f.pos+8])
	f.pos += 8
	return v, nil
}

func (f *jarFile) Read(buf []byte) (int, error) {
	if err := f.checkBounds(len(buf)); err != nil {
		return 0, err
	}
	n := copy(buf, f.data[f.pos:f.pos+int64(len(buf))])
	f.pos += int64(n)
	return n, nil
}

func (f *jarFile) WriteInt(v int32) error {
	return common.NewError(common.IOError, "write to read-only jar entry")
}

func (f *jarFile) WriteLong(v int64) error {
	return common.NewError(common.IOError, "write to read-only jar entry")
}

func (f *jarFile) Write(buf []byte) (int, error) {
	return 0, common.NewError(common.IOError, "write to read-only jar entry")
}

func (f *jarFile) Length() (int64, error) {
	return int64(len(f.data)), nil
}

func (f *jarFile) EnsureLength(n int64) (bool, error) {
	return false, common.NewError(common.IOError, "grow a read-only jar entry")
}

func (f *jarFile) Sync() error {
	return nil
}

func (f *jarFile) Close() error {
	f.data = nil
	return nil
}
