// Package backup creates and restores the two backup forms the data file
// coordinator protects a commit cycle with: a full ZIP copy of the data
// file (non-incremental mode) or a shadow-log replay (incremental mode),
// per spec §3, §4.5 and §6.
package backup

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/flate"

	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/shadow"
)

// Manager is stateless; every method operates purely on the paths it's
// given.
type Manager struct{}

// NewManager returns a ready-to-use backup Manager.
func NewManager() *Manager {
	return &Manager{}
}

func newFlateCompressor(w io.Writer) (io.WriteCloser, error) {
	return flate.NewWriter(w, flate.DefaultCompression)
}

func newFlateDecompressor(r io.Reader) io.ReadCloser {
	return flate.NewReader(r)
}

// Full writes a ZIP-compressed copy of dataPath to backupPath, overwriting
// any existing file there. The archive holds a single entry named for
// dataPath's base name, matching the Java implementation's single-file ZIP.
func (m *Manager) Full(dataPath, backupPath string) error {
	out, err := os.Create(backupPath)
	if err != nil {
		return common.WrapError(common.IOError, err, "create backup %s", backupPath)
	}

	zw := zip.NewWriter(out)
	zw.RegisterCompressor(zip.Deflate, newFlateCompressor)

	if err := m.writeEntry(zw, dataPath); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return common.WrapError(common.IOError, err, "finalize backup %s", backupPath)
	}
	if err := out.Close(); err != nil {
		return common.WrapError(common.IOError, err, "close backup %s", backupPath)
	}
	return nil
}

func (m *Manager) writeEntry(zw *zip.Writer, dataPath string) error {
	in, err := os.Open(dataPath)
	if err != nil {
		return common.WrapError(common.IOError, err, "open data file %s for backup", dataPath)
	}
	defer in.Close()

	w, err := zw.Create(filepath.Base(dataPath))
	if err != nil {
		return common.WrapError(common.IOError, err, "create zip entry for %s", dataPath)
	}
	if _, err := io.Copy(w, in); err != nil {
		return common.WrapError(common.IOError, err, "copy %s into backup", dataPath)
	}
	return nil
}

// Unzip restores dataPath from the full ZIP backup at backupPath,
// overwriting whatever is currently there.
func (m *Manager) Unzip(backupPath, dataPath string) error {
	zr, err := zip.OpenReader(backupPath)
	if err != nil {
		return common.WrapError(common.IOError, err, "open backup %s", backupPath)
	}
	defer zr.Close()
	zr.RegisterDecompressor(zip.Deflate, newFlateDecompressor)

	if len(zr.File) == 0 {
		return common.NewError(common.DataFileError, "backup %s contains no entries", backupPath)
	}

	rc, err := zr.File[0].Open()
	if err != nil {
		return common.WrapError(common.IOError, err, "open entry in backup %s", backupPath)
	}
	defer rc.Close()

	out, err := os.Create(dataPath)
	if err != nil {
		return common.WrapError(common.IOError, err, "recreate data file %s", dataPath)
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return common.WrapError(common.IOError, err, "restore %s from backup", dataPath)
	}
	return out.Close()
}

// Incremental restores dataPath from the shadow log at backupPath, then
// deletes the log, by delegating to shadow.RestoreFile.
func (m *Manager) Incremental(backupPath, dataPath string) error {
	return shadow.RestoreFile(backupPath, dataPath)
}

// RotateNew completes a defrag or mode-switch by promoting base+".new" to
// base. If base already exists and can't simply be removed, it's renamed
// to base+".old.<n>" for the first free n, per spec §6's discard target,
// rather than losing it.
func RotateNew(base string) error {
	newPath := base + ".new"
	if _, err := os.Stat(newPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return common.WrapError(common.IOError, err, "stat %s", newPath)
	}

	if _, err := os.Stat(base); err == nil {
		if rmErr := os.Remove(base); rmErr != nil {
			if renErr := renameToOld(base); renErr != nil {
				return renErr
			}
		}
	} else if !os.IsNotExist(err) {
		return common.WrapError(common.IOError, err, "stat %s", base)
	}

	if err := os.Rename(newPath, base); err != nil {
		return common.WrapError(common.IOError, err, "promote %s to %s", newPath, base)
	}
	return nil
}

func renameToOld(base string) error {
	for n := 0; ; n++ {
		candidate := fmt.Sprintf("%s.old.%d", base, n)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			if err := os.Rename(base, candidate); err != nil {
				return common.WrapError(common.IOError, err, "rename %s to %s", base, candidate)
			}
			return nil
		}
	}
}
