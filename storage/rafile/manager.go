package rafile

import (
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/dfcache/dfcache/common"
)

// Manager caches open RandomAccessFile handles by path, so repeated Get
// calls for the same physical file share one handle instead of each getting
// its own independent file descriptor and cached length. A cached handle is
// returned as is: opts only apply when a path is opened, not to later Gets.
type Manager struct {
	files *xsync.MapOf[string, RandomAccessFile]
}

// NewManager constructs an empty Manager.
func NewManager() *Manager {
	return &Manager{files: xsync.NewMapOf[string, RandomAccessFile]()}
}

// Get returns the cached handle for path, opening it with opts if this is
// the first request for it. Concurrent first requests for the same path may
// both open a file; the loser's handle is closed and discarded.
func (m *Manager) Get(path string, opts Options) (RandomAccessFile, error) {
	if f, ok := m.files.Load(path); ok {
		return f, nil
	}

	f, err := Open(path, opts)
	if err != nil {
		return nil, err
	}

	actual, loaded := m.files.LoadOrStore(path, f)
	if loaded {
		_ = f.Close()
		return actual, nil
	}
	return f, nil
}

// Release closes and forgets the handle for path, if one is cached.
func (m *Manager) Release(path string) error {
	f, loaded := m.files.LoadAndDelete(path)
	if !loaded {
		return nil
	}
	if err := f.Close(); err != nil {
		return common.WrapError(common.IOError, err, "close %s", path)
	}
	return nil
}

// CloseAll closes every cached handle, collecting the first error
// encountered but attempting to close every handle regardless.
func (m *Manager) CloseAll() error {
	var firstErr error
	m.files.Range(func(path string, f RandomAccessFile) bool {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	m.files.Clear()
	return firstErr
}
