// Package shadow implements the page-granular copy-on-first-write log used
// to roll a data file back to its last committed state after a crash
// mid-commit (spec §4.2). Before any dirty row is overwritten, the 16 KiB
// page it lives in is copied here first; a crash between the copy and the
// new write leaves enough information to restore the original bytes.
package shadow

import (
	"io"

	"github.com/dfcache/dfcache/common"
	"github.com/dfcache/dfcache/storage/bitmap"
	"github.com/dfcache/dfcache/storage/rafile"
)

// PageSize is the granularity at which original pages are preserved.
const PageSize = 1 << 14

// recordHeaderBytes is the size of the origOffset prefix on each shadow
// log record; the page payload follows immediately after.
const recordHeaderBytes = 8

// File is an append-only log of (origOffset, originalPageBytes) records,
// plus the in-memory bitset tracking which pages have already been copied
// so later Copy calls over the same page are free.
type File struct {
	log    rafile.RandomAccessFile
	source rafile.RandomAccessFile

	bits     []byte
	shadowed bitmap.Bitmap
	numPages int

	writeCursor  int64
	shadowedPages int64
}

// Open creates (or reopens) the shadow log at logPath. source is the data
// file pages are copied from. maxOriginalOffset sizes the in-memory bitset
// up front; Copy grows it for pages beyond that (see growTo).
func Open(logPath string, source rafile.RandomAccessFile, maxOriginalOffset int64) (*File, error) {
	log, err := rafile.Open(logPath, rafile.Options{})
	if err != nil {
		return nil, err
	}
	numPages := int((maxOriginalOffset + PageSize - 1) / PageSize)
	if numPages == 0 {
		numPages = 1
	}
	bits := make([]byte, common.Align8((numPages+7)/8))
	f := &File{
		log:      log,
		source:   source,
		bits:     bits,
		shadowed: bitmap.AsBitmap(bits, numPages),
		numPages: numPages,
	}
	length, err := log.Length()
	if err != nil {
		return nil, err
	}
	f.writeCursor = length
	return f, nil
}

// growTo enlarges the shadowed-page bitset to cover at least requiredPages,
// preserving every bit already recorded. The bitset is sized at Open from
// the file's tail at that instant, but a single commit cycle can grow the
// file past that bound -- a bulk Add sequence spanning more than one page,
// or a cache cleanup pass evicting dirty rows beyond it -- so Copy must be
// able to track pages outside the original estimate rather than assume it
// never happens.
func (f *File) growTo(requiredPages int) {
	if requiredPages <= f.numPages {
		return
	}
	bits := make([]byte, common.Align8((requiredPages+7)/8))
	copy(bits, f.bits)
	f.bits = bits
	f.shadowed = bitmap.AsBitmap(bits, requiredPages)
	f.numPages = requiredPages
}

// Copy ensures every 16 KiB page overlapping [origOffset, origOffset+length)
// has been preserved in the shadow log, reading each not-yet-shadowed page
// from source and appending it before any caller overwrites it.
func (f *File) Copy(origOffset int64, length int) error {
	if length <= 0 {
		return nil
	}
	firstPage := origOffset / PageSize
	lastPage := (origOffset + int64(length) - 1) / PageSize

	if int(lastPage)+1 > f.numPages {
		f.growTo(int(lastPage) + 1)
	}

	for page := firstPage; page <= lastPage; page++ {
		idx := int(page)
		if f.shadowed.LoadBit(idx) {
			continue
		}
		pageOffset := page * PageSize
		buf := make([]byte, PageSize)
		if err := f.readOriginalPage(pageOffset, buf); err != nil {
			return err
		}
		if err := f.appendRecord(pageOffset, buf); err != nil {
			return err
		}
		f.shadowed.SetBit(idx, true)
		f.shadowedPages++
	}
	return nil
}

// readOriginalPage reads PageSize bytes at offset from source, zero-filling
// any portion past the source's current end -- a page being shadowed for
// the first time may extend beyond what was ever written.
func (f *File) readOriginalPage(offset int64, buf []byte) error {
	length, err := f.source.Length()
	if err != nil {
		return err
	}
	if offset >= length {
		for i := range buf {
			buf[i] = 0
		}
		return nil
	}
	if err := f.source.Seek(offset); err != nil {
		return err
	}
	n, err := f.source.Read(buf)
	if err != nil {
		if de, ok := err.(*common.Error); ok && de.Code == common.IOError {
			for i := n; i < len(buf); i++ {
				buf[i] = 0
			}
			return nil
		}
		return err
	}
	return nil
}

func (f *File) appendRecord(origOffset int64, page []byte) error {
	if err := f.log.Seek(f.writeCursor); err != nil {
		return err
	}
	if err := f.log.WriteLong(origOffset); err != nil {
		return err
	}
	if _, err := f.log.Write(page); err != nil {
		return err
	}
	f.writeCursor += recordHeaderBytes + int64(len(page))
	return nil
}

// Synch flushes the shadow log to stable storage. The commit protocol
// calls this after the last Copy and before any new bytes are written to
// the data file (spec §4.4's saveAll protocol).
func (f *File) Synch() error {
	return f.log.Sync()
}

// Close closes the underlying log file without deleting it.
func (f *File) Close() error {
	return f.log.Close()
}

// SavedLength returns the total original bytes preserved so far.
func (f *File) SavedLength() int64 {
	return f.shadowedPages * PageSize
}

var _ io.Closer = (*File)(nil)
