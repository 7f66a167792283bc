package filecache

import (
	"go.uber.org/zap"

	"github.com/dfcache/dfcache/backup"
	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/rafile"
)

// DefragFunc performs the actual page-compaction pass, reading the current
// data file at oldDataPath and producing a compacted replacement at
// newDataPath. The algorithm that decides where rows land in the new file
// is the caller's (it needs the row decoder this subsystem doesn't have);
// Defrag only handles quiescing the cache, persisting the FILES_MODIFIED_NEW
// marker spec §4.5 requires, and rotating the result into place.
type DefragFunc func(oldDataPath, newDataPath string) error

func (c *Cache) markerPath() string { return c.basePath + ".modified" }

// writeModifiedMarker persists v to the DB-modified marker file and syncs
// it, so the marker survives a crash at any point afterward.
func (c *Cache) writeModifiedMarker(v common.DBModified) error {
	f, err := c.handles.Get(c.markerPath(), rafile.Options{})
	if err != nil {
		return err
	}
	if err := f.WriteInt(int32(v)); err != nil {
		c.handles.Release(c.markerPath())
		return err
	}
	if err := f.Sync(); err != nil {
		c.handles.Release(c.markerPath())
		return err
	}
	return c.handles.Release(c.markerPath())
}

// readModifiedMarker returns NotModified if no marker file exists.
func (c *Cache) readModifiedMarker() (common.DBModified, error) {
	if !c.fs.Exists(c.markerPath()) {
		return common.NotModified, nil
	}
	f, err := c.handles.Get(c.markerPath(), rafile.Options{ReadOnly: true})
	if err != nil {
		return common.NotModified, err
	}
	defer c.handles.Release(c.markerPath())
	v, err := f.ReadInt()
	if err != nil {
		return common.NotModified, err
	}
	return common.DBModified(v), nil
}

func (c *Cache) clearModifiedMarker() error {
	if !c.fs.Exists(c.markerPath()) {
		return nil
	}
	return c.fs.Remove(c.markerPath())
}

// isValidDataFile reports whether path opens as a data file with a
// well-formed header -- used to tell a fully-written defrag replacement
// apart from one a crash interrupted mid-write.
func (c *Cache) isValidDataFile(path string) bool {
	f, err := c.handles.Get(path, rafile.Options{ReadOnly: true})
	if err != nil {
		return false
	}
	defer c.handles.Release(path)
	h, err := readHeader(f)
	if err != nil {
		return false
	}
	return !h.flags.has(flagWrongVersion)
}

// recoverDefragIfNeeded completes or unwinds an interrupted Defrag, per
// spec §4.5: a FILES_MODIFIED_NEW marker is persisted across the rotation
// so a crash between fn producing the compacted file and RotateNew
// finishing the promotion is detectable and recoverable at the next Open,
// rather than leaving the data file's identity ambiguous.
func (c *Cache) recoverDefragIfNeeded() error {
	marker, err := c.readModifiedMarker()
	if err != nil {
		return err
	}
	if marker != common.ModifiedNew {
		return nil
	}

	newDataPath := c.dataPath() + ".new"
	if c.fs.Exists(newDataPath) {
		if c.isValidDataFile(newDataPath) {
			c.log.Info("resuming interrupted defrag rotation", zap.String("path", newDataPath))
			if err := backup.RotateNew(c.dataPath()); err != nil {
				return err
			}
		} else {
			c.log.Detail("discarding incomplete defrag output", zap.String("path", newDataPath))
			if err := c.fs.Remove(newDataPath); err != nil {
				return err
			}
		}
	}
	return c.clearModifiedMarker()
}

// Defrag runs one compaction pass: commit, close every handle, persist the
// rotation marker, hand the data file to fn to produce a compacted
// replacement, rotate it into place, then reopen. Any backup or shadow log
// still on disk at this point belongs entirely to the pre-defrag file's
// commit cycle -- it is discarded rather than staged forward, since a fresh
// one is always opened against the rotated file's own tail by the reopen at
// the end of this method; spec §6's "B.backup.new" staging artifact has no
// work to do here because nothing about the backup survives a defrag.
func (c *Cache) Defrag(fn DefragFunc) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.commitLocked(); err != nil {
		return err
	}
	if c.shadowFile != nil {
		if err := c.shadowFile.Close(); err != nil {
			return err
		}
		c.shadowFile = nil
	}
	if c.fs.Exists(c.backupPath()) {
		if err := c.fs.Remove(c.backupPath()); err != nil {
			return err
		}
	}
	if err := c.space.Close(); err != nil {
		return err
	}
	if err := c.handles.Release(c.dataPath()); err != nil {
		return err
	}

	if err := c.writeModifiedMarker(common.ModifiedNew); err != nil {
		return err
	}

	newDataPath := c.dataPath() + ".new"
	if err := fn(c.dataPath(), newDataPath); err != nil {
		c.clearModifiedMarker()
		c.fs.Remove(newDataPath)
		return err
	}
	if err := backup.RotateNew(c.dataPath()); err != nil {
		return err
	}
	if err := c.clearModifiedMarker(); err != nil {
		return err
	}

	c.objects.Clear()
	c.log.Info("defrag complete", zap.String("path", c.dataPath()))
	return c.openLocked(c.readOnly)
}
