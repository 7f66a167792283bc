package rafile

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMmapFile_GrowAndPersist(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_mmap.dat")

	f, err := openMmapFile(path, 0)
	require.NoError(t, err)

	grew, err := f.EnsureLength(4096)
	require.NoError(t, err)
	assert.True(t, grew)

	require.NoError(t, f.Seek(0))
	require.NoError(t, f.WriteLong(555))
	require.NoError(t, f.Sync())
	require.NoError(t, f.Close())

	f2, err := openMmapFile(path, 0)
	require.NoError(t, err)
	defer f2.Close()

	length, err := f2.Length()
	require.NoError(t, err)
	assert.Equal(t, int64(4096), length)

	require.NoError(t, f2.Seek(0))
	v, err := f2.ReadLong()
	require.NoError(t, err)
	assert.Equal(t, int64(555), v)
}

func TestMmapFile_RespectsMaxSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_mmap_bounded.dat")

	f, err := openMmapFile(path, 2048)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.EnsureLength(2048)
	require.NoError(t, err)

	_, err = f.EnsureLength(4096)
	assert.Error(t, err)
}

func TestMmapFile_OutOfBoundsAccess(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test_mmap_oob.dat")

	f, err := openMmapFile(path, 0)
	require.NoError(t, err)
	defer f.Close()

	_, err = f.EnsureLength(16)
	require.NoError(t, err)

	require.NoError(t, f.Seek(8))
	_, err = f.ReadLong()
	require.NoError(t, err)

	require.NoError(t, f.Seek(9))
	_, err = f.ReadLong()
	assert.Error(t, err)
}
