// Package filecache is the coordinator described in spec §4.5: it owns the
// data file handle, the object cache, the free-space manager and the
// shadow/backup machinery, and serializes every operation against them
// behind a single RWMutex.
package filecache

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dfcache/dfcache/backup"
	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/logevent"
	"github.com/dfcache/dfcache/metrics"
	"github.com/dfcache/dfcache/storage/freespace"
	"github.com/dfcache/dfcache/storage/objectcache"
	"github.com/dfcache/dfcache/storage/rafile"
	"github.com/dfcache/dfcache/storage/shadow"
)

// ErrOutOfMemory is the sentinel a PersistentStore.Get may return (wrapped
// with fmt.Errorf("...: %w", ErrOutOfMemory) or returned directly) to
// signal that materialising the row failed for resource-exhaustion reasons
// rather than a data or I/O problem. Get retries exactly once after a
// forced cache cleanup when it sees this sentinel.
var ErrOutOfMemory = errors.New("filecache: out of memory materialising object")

// Options configures a new Cache.
type Options struct {
	// BasePath is the data file's path without extension; the data file is
	// BasePath itself, and the backup/shadow log lives at BasePath+".backup".
	BasePath string
	// Scale fixes the file's addressing unit for its entire life; zero means
	// Scale32. The header does not record the scale, so it is not read back
	// on reopen: a reopen must pass the Scale the file was created with.
	Scale common.Scale
	// MaxDataFileSize bounds how far EnlargeFileSpace will grow the file.
	MaxDataFileSize int64
	// Incremental selects shadow-log backup over full ZIP backup. It only
	// takes effect when the data file is created; on reopen the mode
	// recorded in the header's ISSHADOWED flag is used instead.
	Incremental bool
	// UseBlocks selects the persistent Blocks free-space manager over the
	// in-memory-only Simple one.
	UseBlocks bool
	// UseNio selects the memory-mapped RandomAccessFile backend.
	UseNio bool

	MaxCacheRows  int
	MaxCacheBytes int64

	FileSystem FileSystem
	Logger     *logevent.Logger
	Recorder   metrics.Recorder
}

const (
	defaultMaxCacheRows    = 10000
	defaultMaxCacheBytes   = 64 << 20
	defaultMaxDataFileSize = 1 << 34
)

// Cache is the data file cache coordinator. Exported methods lock
// internally, except the interface callbacks (GetFilePosition, Release,
// FlushDirty, EnlargeFileSpace, FileFreePosition, RetractFileFreePosition),
// which run under the lock their caller already holds. Unexported "Locked"
// methods assume the caller already holds mu and are shared between the
// public entry points and Defrag, which needs several of them back to back
// under one critical section.
type Cache struct {
	mu sync.RWMutex

	basePath        string
	scale           common.Scale
	maxDataFileSize int64
	incremental     bool
	useBlocks       bool
	useNio          bool
	readOnly        bool

	handles    *rafile.Manager
	file       rafile.RandomAccessFile
	shadowFile *shadow.File
	space      freespace.Manager
	objects    *objectcache.Cache

	fileFreePosition common.ScaledPos
	lostSpaceSize    int64
	flags            flagWord
	fileModified     bool
	cacheModified    bool

	fs         FileSystem
	log        *logevent.Logger
	rec        metrics.Recorder
	backupMgr  *backup.Manager
	storeCount int
}

// New constructs a Cache from opts. Call Open before using it.
func New(opts Options) *Cache {
	if opts.FileSystem == nil {
		opts.FileSystem = osFileSystem{}
	}
	if opts.Logger == nil {
		opts.Logger = logevent.NewNop()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NoOp{}
	}
	if opts.MaxCacheRows == 0 {
		opts.MaxCacheRows = defaultMaxCacheRows
	}
	if opts.MaxCacheBytes == 0 {
		opts.MaxCacheBytes = defaultMaxCacheBytes
	}
	if opts.MaxDataFileSize == 0 {
		opts.MaxDataFileSize = defaultMaxDataFileSize
	}
	if opts.Scale == 0 {
		opts.Scale = common.Scale32
	}

	c := &Cache{
		basePath:        opts.BasePath,
		scale:           opts.Scale,
		maxDataFileSize: opts.MaxDataFileSize,
		incremental:     opts.Incremental,
		useBlocks:       opts.UseBlocks,
		useNio:          opts.UseNio,
		fs:              opts.FileSystem,
		log:             opts.Logger,
		rec:             opts.Recorder,
		backupMgr:       backup.NewManager(),
		handles:         rafile.NewManager(),
	}
	c.objects = objectcache.New(opts.MaxCacheRows, opts.MaxCacheBytes, c, c.rec)
	return c
}

func (c *Cache) dataPath() string   { return c.basePath }
func (c *Cache) backupPath() string { return c.basePath + ".backup" }

// Open brings the data file to a consistent state and readies it for use,
// per spec §4.5: probe the header, reject a wrong version outright,
// reconcile and (if needed) replay a stale backup, then open the real file
// handle and the free-space manager over it.
func (c *Cache) Open(readonly bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(readonly)
}

func (c *Cache) openLocked(readonly bool) error {
	c.readOnly = readonly

	if !readonly {
		if err := c.recoverDefragIfNeeded(); err != nil {
			return err
		}
	}

	exists := c.fs.Exists(c.dataPath())
	if exists {
		// Probed read-only and released immediately, through the same
		// handle cache the real read-write handle below is fetched from --
		// this keeps every open of this path funnelled through one place
		// rather than each call site reaching for rafile.Open directly.
		probe, err := c.handles.Get(c.dataPath(), rafile.Options{ReadOnly: true})
		if err != nil {
			return err
		}
		length, err := probe.Length()
		if err != nil {
			c.handles.Release(c.dataPath())
			return err
		}
		h, err := readHeader(probe)
		c.handles.Release(c.dataPath())
		if err != nil {
			return err
		}
		if h.flags.has(flagWrongVersion) {
			return common.NewError(common.WrongVersionError, "data file %s has an unsupported version flag", c.dataPath())
		}
		if length > c.maxDataFileSize {
			return common.NewError(common.WrongVersionError, "data file %s is %d bytes, exceeding the configured %d byte limit", c.dataPath(), length, c.maxDataFileSize)
		}

		isSaved := h.flags.has(flagISSAVED)
		isIncremental := h.flags.has(flagISSHADOWED)
		if !readonly {
			isSaved, err = c.reconcileBackup(isSaved, isIncremental)
			if err != nil {
				return err
			}
		}
		if !readonly && !isSaved {
			if err := c.recover(isIncremental); err != nil {
				return err
			}
		}
	} else {
		if readonly {
			return common.NewError(common.DataFileError, "data file %s does not exist", c.dataPath())
		}
		if err := c.initNewFile(); err != nil {
			return err
		}
	}

	f, err := c.handles.Get(c.dataPath(), rafile.Options{ReadOnly: readonly, UseNio: c.useNio})
	if err != nil {
		return err
	}
	c.file = f

	h, err := readHeader(f)
	if err != nil {
		return err
	}
	c.fileFreePosition = h.fileFreePosition
	c.lostSpaceSize = h.lostSpaceSize
	c.flags = h.flags
	c.incremental = h.flags.has(flagISSHADOWED)

	if !readonly && c.incremental {
		sf, err := shadow.Open(c.backupPath(), c.file, c.fileFreePosition.Offset(c.scale))
		if err != nil {
			return err
		}
		c.shadowFile = sf
	}

	if c.useBlocks {
		space, err := freespace.NewBlocksManager(c.file, c.scale, h.spaceListPos, c)
		if err != nil {
			return err
		}
		c.space = space
	} else {
		c.space = freespace.NewSimpleManager(c.scale, c)
	}

	c.fileModified = false
	c.cacheModified = false
	c.log.Info("data file opened", zap.String("path", c.dataPath()), zap.Bool("readOnly", readonly))
	return nil
}

// reconcileBackup decides what to do with an existing backup at open time,
// per spec §4.5 step 4 / §9's first Open Question: when isSaved and a
// backup exists, delete the incremental backup (it's stale) or keep the ZIP
// backup, in both cases trusting isSaved rather than forcing an unnecessary
// recovery pass.
//
// Trusting isSaved here relies on a real invariant, not a guess: the first
// write of every commit cycle (ensureFileModified) always clears ISSAVED on
// disk and synchs it before touching a single payload byte. So observing
// isSaved==true at Open guarantees nothing has been written since the
// commit that set it -- which for incremental mode means the backup on
// disk can only be the empty shadow log commitLocked reopens immediately
// after that same commit (see its post-commit reopen, and Close, which
// leaves that reopened log in place rather than deleting it). There is
// nothing in it worth replaying, so it's deleted outright rather than
// trusted as a stale shadow needing a restore pass. In ZIP mode,
// commitLocked's own last step already removes the backup on every clean
// commit, so a surviving ZIP backup here means that removal step itself
// was interrupted -- the backup is kept on disk untouched (it's simply
// overwritten by the next commit cycle's first write) rather than deleted,
// matching the Java behaviour, since deleting it buys nothing the next
// commit wouldn't do anyway.
func (c *Cache) reconcileBackup(isSaved bool, isIncremental bool) (bool, error) {
	if !isSaved || !c.fs.Exists(c.backupPath()) {
		return isSaved, nil
	}
	if isIncremental {
		if err := c.fs.Remove(c.backupPath()); err != nil {
			return false, err
		}
	}
	return true, nil
}

// recover restores the data file from its backup after an unclean shutdown
// (isSaved was false at open).
func (c *Cache) recover(isIncremental bool) error {
	if !c.fs.Exists(c.backupPath()) {
		return nil
	}
	if isIncremental {
		return c.backupMgr.Incremental(c.backupPath(), c.dataPath())
	}
	return c.backupMgr.Unzip(c.backupPath(), c.dataPath())
}

// initNewFile creates a fresh data file with an empty header.
func (c *Cache) initNewFile() error {
	f, err := c.handles.Get(c.dataPath(), rafile.Options{})
	if err != nil {
		return err
	}

	initialFreePos := common.FromOffset(common.InitialFreePos(c.scale), c.scale)
	h := header{
		lostSpaceSize:    0,
		fileFreePosition: initialFreePos,
		spaceListPos:     common.InvalidPos,
		flags:            flagWord(0).with(flagISSAVED, true).with(flagVNew, true).with(flagISSHADOWED, c.incremental),
	}

	if _, err := f.EnsureLength(initialFreePos.Offset(c.scale)); err != nil {
		c.handles.Release(c.dataPath())
		return err
	}
	if err := writeHeader(f, h); err != nil {
		c.handles.Release(c.dataPath())
		return err
	}
	if err := f.Sync(); err != nil {
		c.handles.Release(c.dataPath())
		return err
	}
	return c.handles.Release(c.dataPath())
}

// Close commits (if write is set) and releases every resource the cache
// holds. With write false, an already-open shadow log is simply closed,
// left on disk for the next Open's recovery pass to replay.
func (c *Cache) Close(write bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if write {
		if err := c.commitLocked(); err != nil {
			return err
		}
	}

	neverGrew := c.fileFreePosition.Offset(c.scale) <= common.InitialFreePos(c.scale)

	if c.shadowFile != nil {
		if err := c.shadowFile.Close(); err != nil {
			return err
		}
		c.shadowFile = nil
	}
	if err := c.space.Close(); err != nil {
		return err
	}
	if err := c.handles.Release(c.dataPath()); err != nil {
		return err
	}
	c.log.Info("data file closed", zap.Bool("committed", write))

	if write && neverGrew && c.storeCount == 0 && !c.readOnly {
		c.deleteEmptyFiles()
	}
	return nil
}

// deleteEmptyFiles removes the data file and any backup when a clean close
// found the file never grew past its initial header-only size, per spec
// §9's empty-file-deletion behaviour. Best-effort: failure is logged, not
// surfaced, since Close has already succeeded from the caller's point of view.
func (c *Cache) deleteEmptyFiles() {
	if err := c.fs.Remove(c.dataPath()); err != nil {
		c.log.Detail("could not remove empty data file", zap.Error(err))
		return
	}
	if c.fs.Exists(c.backupPath()) {
		if err := c.fs.Remove(c.backupPath()); err != nil {
			c.log.Detail("could not remove empty data file's backup", zap.Error(err))
		}
	}
}

// Commit flushes every dirty object and persists the header, per spec
// §4.5's saveAll protocol.
func (c *Cache) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.commitLocked()
}

func (c *Cache) commitLocked() error {
	start := time.Now()
	defer func() { c.rec.ObserveCommit(time.Since(start).Seconds()) }()

	if err := c.objects.SaveAll(); err != nil {
		return err
	}

	if c.fileModified || c.space.IsModified() {
		if err := c.space.Close(); err != nil {
			return err
		}
		h := header{
			lostSpaceSize:    c.space.LostBlockSize(),
			fileFreePosition: c.fileFreePosition,
			spaceListPos:     c.space.RootPosition(),
			flags:            c.flags.with(flagISSAVED, true),
		}
		if err := writeHeader(c.file, h); err != nil {
			return err
		}
		c.flags = h.flags
	}

	if err := c.file.Sync(); err != nil {
		return err
	}

	if c.shadowFile != nil {
		if err := c.shadowFile.Close(); err != nil {
			return err
		}
		if err := c.fs.Remove(c.backupPath()); err != nil {
			return err
		}
		c.shadowFile = nil
	}
	if c.incremental && !c.readOnly {
		sf, err := shadow.Open(c.backupPath(), c.file, c.fileFreePosition.Offset(c.scale))
		if err != nil {
			return err
		}
		c.shadowFile = sf
	} else if !c.incremental && c.fs.Exists(c.backupPath()) {
		if err := c.fs.Remove(c.backupPath()); err != nil {
			return err
		}
	}

	c.fileModified = false
	c.cacheModified = false
	c.rec.FreeBytes(c.space.FreeBlockSize())
	c.rec.LostBytes(c.space.LostBlockSize())
	c.log.Info("commit complete")
	return nil
}

// ensureFileModified implements spec §4.5's rule that the first payload
// write of a commit cycle must clear ISSAVED and synch the header before
// any row bytes change, so a crash mid-cycle is unambiguously detectable
// at the next Open. In non-incremental mode there is no page-granular
// shadow log to fall back on, so this is also where the one full ZIP
// backup of the still-clean file is taken -- the whole-file analogue of a
// shadow page copy.
func (c *Cache) ensureFileModified() error {
	if c.fileModified || c.readOnly {
		return nil
	}
	if !c.incremental {
		if err := c.backupMgr.Full(c.dataPath(), c.backupPath()); err != nil {
			return err
		}
	}
	flags := c.flags.with(flagISSAVED, false)
	if err := writeFlags(c.file, flags); err != nil {
		return err
	}
	if err := c.file.Sync(); err != nil {
		return err
	}
	c.flags = flags
	c.fileModified = true
	return nil
}

// Get returns the object at pos, materialising it from disk through store
// on a miss. keep pins the returned object; callers must Unpin it when
// done. The lookup is a read-lock probe escalating to the write lock only
// on a miss, per spec §5's double-checked pattern.
func (c *Cache) Get(pos common.ScaledPos, size *int32, store PersistentStore, keep bool) (*objectcache.Object, error) {
	c.mu.RLock()
	if obj, ok := c.objects.Get(pos, true); ok {
		if keep {
			obj.Pin()
		}
		c.mu.RUnlock()
		return obj, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	if obj, ok := c.objects.Get(pos, true); ok {
		if keep {
			obj.Pin()
		}
		return obj, nil
	}

	obj, err := c.getFromFileLocked(pos, size, store)
	if err != nil {
		return nil, err
	}
	if keep {
		obj.Pin()
	}
	return obj, nil
}

func (c *Cache) getFromFileLocked(pos common.ScaledPos, size *int32, store PersistentStore) (*objectcache.Object, error) {
	obj, err := c.readObjectLocked(pos, size, store)
	if err == nil {
		if putErr := c.objects.Put(obj); putErr != nil {
			return nil, putErr
		}
		return obj, nil
	}
	if !errors.Is(err, ErrOutOfMemory) {
		return nil, err
	}

	c.log.Detail("forcing cache cleanup after out-of-memory materialising object", zap.Int64("pos", int64(pos)))
	if cleanErr := c.objects.ForceCleanUp(); cleanErr != nil {
		return nil, cleanErr
	}

	obj, err = c.readObjectLocked(pos, size, store)
	if err != nil {
		c.log.SeverePos("out of memory materialising object after forced cleanup", err, pos)
		return nil, err
	}
	if err := c.objects.Put(obj); err != nil {
		return nil, err
	}
	return obj, nil
}

func (c *Cache) readObjectLocked(pos common.ScaledPos, size *int32, store PersistentStore) (*objectcache.Object, error) {
	in, err := readRecord(c.file, pos, c.scale, size)
	if err != nil {
		return nil, err
	}
	return store.Get(in)
}

// Add installs a freshly constructed object (already positioned via
// SetFilePos) into the cache.
func (c *Cache) Add(obj *objectcache.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheModified = true
	return c.objects.Put(obj)
}

// Pin increments obj's pin count under the coordinator's lock.
func (c *Cache) Pin(obj *objectcache.Object) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj.Pin()
}

// Unpin decrements the pin count of the object cached at pos.
func (c *Cache) Unpin(pos common.ScaledPos) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects.Release(pos)
}

// SetFilePos allocates a file position for obj via tsm (or the coordinator's
// own free-space manager, if tsm is nil) and assigns it to obj.Pos.
func (c *Cache) SetFilePos(obj *objectcache.Object, tsm TableSpaceManager, asBlock bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tsm == nil {
		tsm = c
	}
	pos, err := tsm.GetFilePosition(int64(obj.Size), asBlock)
	if err != nil {
		return err
	}
	obj.Pos = pos
	return nil
}

// SaveRow writes obj immediately, shadowing its current on-disk bytes
// first, rather than waiting for the next Commit. Used for a row that must
// reach disk synchronously (e.g. auto-commit mode).
func (c *Cache) SaveRow(obj *objectcache.Object) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.shadowFile != nil {
		if err := c.shadowFile.Copy(obj.Pos.Offset(c.scale), int(obj.Size)); err != nil {
			return err
		}
		if err := c.shadowFile.Synch(); err != nil {
			return err
		}
	}
	if err := c.ensureFileModified(); err != nil {
		return err
	}
	if err := writeRecord(c.file, obj.Pos, c.scale, obj.Size, obj.Payload); err != nil {
		return err
	}
	obj.ClearDirty()
	return nil
}

// Remove drops obj from the cache and releases its file position back to
// tsm (or the coordinator's own manager, if tsm is nil).
func (c *Cache) Remove(obj *objectcache.Object, tsm TableSpaceManager) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects.Remove(obj.Pos)
	c.cacheModified = true
	if tsm == nil {
		tsm = c
	}
	return tsm.Release(obj.Pos, int64(obj.Size))
}

// ReleaseRange drops every cached object in [start, limit) without
// flushing, for callers that know the underlying region is being discarded
// wholesale (defrag, table drop).
func (c *Cache) ReleaseRange(start, limit common.ScaledPos) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.objects.EvictRange(start, limit)
}

// FlushDirty implements objectcache.Flusher: shadow every dirty object's
// current page before the first write of this batch invalidates the header
// ISSAVED flag, then write every record at its position.
func (c *Cache) FlushDirty(objs []*objectcache.Object) error {
	if len(objs) == 0 {
		return nil
	}

	if c.shadowFile != nil {
		for _, obj := range objs {
			if err := c.shadowFile.Copy(obj.Pos.Offset(c.scale), int(obj.Size)); err != nil {
				return err
			}
		}
		if err := c.shadowFile.Synch(); err != nil {
			return err
		}
	}

	if err := c.ensureFileModified(); err != nil {
		return err
	}

	for _, obj := range objs {
		if err := writeRecord(c.file, obj.Pos, c.scale, obj.Size, obj.Payload); err != nil {
			return err
		}
	}
	return nil
}

// StorageSize returns the on-disk record size (including the 4-byte size
// prefix) at pos: a cache hit answers from the resident Object, a miss
// falls through to a raw read of the 4-byte size prefix rather than
// materialising the whole row through a PersistentStore.
func (c *Cache) StorageSize(pos common.ScaledPos) (int32, error) {
	c.mu.RLock()
	if obj, ok := c.objects.Get(pos, true); ok {
		size := obj.Size
		c.mu.RUnlock()
		return size, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if obj, ok := c.objects.Get(pos, true); ok {
		return obj.Size, nil
	}
	if err := c.file.Seek(pos.Offset(c.scale)); err != nil {
		return 0, err
	}
	return c.file.ReadInt()
}

// AttachStore records that one more PersistentStore is using this cache,
// per spec §9's third Open Question (Java adjustStoreCount). The count is
// consulted only by Close's empty-file-deletion decision: nothing else in
// the original system consumes it either.
func (c *Cache) AttachStore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.storeCount++
}

// DetachStore reverses AttachStore.
func (c *Cache) DetachStore() {
	c.mu.Lock()
	defer c.mu.Unlock()
	common.Assert(c.storeCount > 0, "DetachStore called with zero attached stores")
	c.storeCount--
}

// GetFilePosition implements TableSpaceManager by delegating to the
// coordinator's own free-space manager. Callers must already hold c.mu.
func (c *Cache) GetFilePosition(size int64, asBlock bool) (common.ScaledPos, error) {
	return c.space.GetFilePosition(size, asBlock)
}

// Release implements TableSpaceManager by delegating to the coordinator's
// own free-space manager. Callers must already hold c.mu.
func (c *Cache) Release(pos common.ScaledPos, size int64) error {
	return c.space.Release(pos, size)
}

// EnlargeFileSpace implements freespace.SpaceHost.
func (c *Cache) EnlargeFileSpace(neededUnits int64) (common.ScaledPos, error) {
	old := c.fileFreePosition
	newPos := old + common.ScaledPos(neededUnits)
	if newPos.Offset(c.scale) > c.maxDataFileSize {
		return 0, common.NewError(common.FileFullError, "growing to %d bytes would exceed the %d byte limit", newPos.Offset(c.scale), c.maxDataFileSize)
	}
	if _, err := c.file.EnsureLength(newPos.Offset(c.scale)); err != nil {
		return 0, err
	}
	c.fileFreePosition = newPos
	c.cacheModified = true
	return old, nil
}

// FileFreePosition implements freespace.SpaceHost.
func (c *Cache) FileFreePosition() common.ScaledPos {
	return c.fileFreePosition
}

// RetractFileFreePosition implements freespace.SpaceHost.
func (c *Cache) RetractFileFreePosition(newTail common.ScaledPos) {
	c.fileFreePosition = newTail
	c.cacheModified = true
}

var _ freespace.SpaceHost = (*Cache)(nil)
var _ objectcache.Flusher = (*Cache)(nil)
var _ TableSpaceManager = (*Cache)(nil)
