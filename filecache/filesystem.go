package filecache

import "os"

// osFileSystem is the default FileSystem, backed directly by the os
// package.
type osFileSystem struct{}

func (osFileSystem) Rename(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

func (osFileSystem) Remove(name string) error {
	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func (osFileSystem) Exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

var _ FileSystem = osFileSystem{}
