// Package rafile provides the RandomAccessFile abstraction: a seekable,
// byte-addressed file handle with the primitive reads/writes the data file
// cache layers on top of, plus a handful of physical backends (plain disk,
// read-only, memory-mapped, and jar/zip-embedded) selected at open time.
package rafile

import (
	"encoding/binary"
	"io"

	"github.com/dfcache/dfcache/common"
)

// RandomAccessFile is the seekable byte-addressed file handle every backend
// implements. It mirrors java.io.RandomAccessFile's subset that the cache
// actually uses: absolute seeks, big-endian int/long reads and writes, and
// raw byte transfers.
//
// Implementations are not required to be safe for concurrent use by
// multiple goroutines against the same handle; the cache above serializes
// access to a given file with its own lock.
type RandomAccessFile interface {
	// Seek moves the file pointer to an absolute byte offset.
	Seek(offset int64) error
	// ReadInt reads a big-endian 32-bit integer at the current position.
	ReadInt() (int32, error)
	// ReadLong reads a big-endian 64-bit integer at the current position.
	ReadLong() (int64, error)
	// Read fills buf completely from the current position, or returns an
	// error if fewer bytes remain.
	Read(buf []byte) (int, error)
	// WriteInt writes v as a big-endian 32-bit integer at the current position.
	WriteInt(v int32) error
	// WriteLong writes v as a big-endian 64-bit integer at the current position.
	WriteLong(v int64) error
	// Write writes buf at the current position.
	Write(buf []byte) (int, error)
	// Length returns the current logical length of the file in bytes.
	Length() (int64, error)
	// EnsureLength grows the file to at least n bytes if it is shorter,
	// reporting whether it actually grew.
	EnsureLength(n int64) (bool, error)
	// Sync forces buffered writes to stable storage.
	Sync() error
	// Close releases the underlying resources.
	Close() error
}

// Options configures Open's choice of backend and the backend's behavior.
type Options struct {
	// ReadOnly opens the file strictly for reads; writes return an error.
	ReadOnly bool
	// UseNio selects the memory-mapped backend (propNioDataFile in the
	// original system). Ignored when ReadOnly or JarEntry is set.
	UseNio bool
	// NioMaxSize bounds how large a UseNio mapping is allowed to grow
	// before EnsureLength fails instead of remapping past it. Zero means
	// unbounded.
	NioMaxSize int64
	// JarEntry, when non-empty, opens path as a zip/jar archive and maps
	// this entry inside it as a read-only file.
	JarEntry string
}

// Open selects and constructs a RandomAccessFile backend for path according
// to opts.
func Open(path string, opts Options) (RandomAccessFile, error) {
	if opts.JarEntry != "" {
		return openJarFile(path, opts.JarEntry)
	}
	if opts.ReadOnly {
		return openReadOnlyFile(path)
	}
	if opts.UseNio {
		return openMmapFile(path, opts.NioMaxSize)
	}
	return openDiskFile(path)
}

func readFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err != nil {
		return n, common.WrapError(common.IOError, err, "short read: wanted %d bytes, got %d", len(buf), n)
	}
	return n, nil
}

func encodeInt(v int32) [4]byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b
}

func encodeLong(v int64) [8]byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return b
}

func decodeInt(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

func decodeLong(b []byte) int64 {
	return int64(binary.BigEndian.Uint64(b))
}
