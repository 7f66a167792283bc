package rafile

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiskFile_EnsureLength(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_alloc.dat")

	f, err := openDiskFile(path)
	require.NoError(t, err)
	defer f.Close()

	length, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(0), length)

	grew, err := f.EnsureLength(4096)
	require.NoError(t, err)
	assert.True(t, grew)

	length, err = f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), length)

	stat, err := f.file.Stat()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), stat.Size())

	grew, err = f.EnsureLength(4096)
	require.NoError(t, err)
	assert.False(t, grew, "EnsureLength should be a no-op when already long enough")
}

func TestDiskFile_ReadWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_rw.dat")

	f, err := openDiskFile(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.EnsureLength(128)
	require.NoError(t, err)

	require.NoError(t, f.Seek(0))
	require.NoError(t, f.WriteInt(42))
	require.NoError(t, f.WriteLong(9001))
	payload := []byte("hello data file")
	_, err = f.Write(payload)
	require.NoError(t, err)

	require.NoError(t, f.Seek(0))
	i, err := f.ReadInt()
	require.NoError(t, err)
	assert.Equal(t, int32(42), i)

	l, err := f.ReadLong()
	require.NoError(t, err)
	assert.Equal(t, int64(9001), l)

	readBuf := make([]byte, len(payload))
	_, err = f.Read(readBuf)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(payload, readBuf))

	// Reading past the written region should fail rather than silently
	// returning a short buffer.
	tooFar := make([]byte, 1024)
	require.NoError(t, f.Seek(0))
	_, err = f.Read(tooFar)
	assert.Error(t, err)
}

func TestDiskFile_PersistenceReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_persist.dat")

	{
		f, err := openDiskFile(path)
		require.NoError(t, err)
		_, err = f.EnsureLength(64)
		require.NoError(t, err)
		require.NoError(t, f.Seek(0))
		require.NoError(t, f.WriteLong(123456789))
		require.NoError(t, f.Sync())
		require.NoError(t, f.Close())
	}

	{
		f, err := openDiskFile(path)
		require.NoError(t, err)
		defer f.Close()

		length, err := f.Length()
		require.NoError(t, err)
		assert.Equal(t, int64(64), length)

		require.NoError(t, f.Seek(0))
		v, err := f.ReadLong()
		require.NoError(t, err)
		assert.Equal(t, int64(123456789), v)
	}
}

func TestDiskFile_ConcurrentGrowth(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_concurrent.dat")

	f, err := openDiskFile(path)
	require.NoError(t, err)
	defer f.Close()

	numGoroutines := 20
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			_, err := f.EnsureLength(8192)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	length, err := f.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(8192), length)

	stat, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(8192), stat.Size())
}

func TestReadOnlyFile_RejectsWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_ro.dat")

	seed, err := openDiskFile(path)
	require.NoError(t, err)
	_, err = seed.EnsureLength(16)
	require.NoError(t, err)
	require.NoError(t, seed.Close())

	f, err := openReadOnlyFile(path)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.Write([]byte("nope"))
	assert.Error(t, err)
	assert.Error(t, f.WriteInt(1))
	assert.Error(t, f.WriteLong(1))
	_, err = f.EnsureLength(1024)
	assert.Error(t, err)
}
