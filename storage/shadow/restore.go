package shadow

import (
	"os"

	"github.com/dfcache/dfcache/storage/rafile"
)

// RestoreFile replays every (origOffset, page) record in the shadow log at
// shadowPath back onto dataPath, then deletes the shadow log. It is the
// recovery-time counterpart to Copy: run when a crash is detected between
// a commit's shadow copies and its completion (spec §4.2's static
// restoreFile).
func RestoreFile(shadowPath, dataPath string) error {
	log, err := rafile.Open(shadowPath, rafile.Options{ReadOnly: true})
	if err != nil {
		return err
	}

	data, err := rafile.Open(dataPath, rafile.Options{})
	if err != nil {
		log.Close()
		return err
	}

	if err := replayRecords(log, data); err != nil {
		log.Close()
		data.Close()
		return err
	}

	if err := data.Sync(); err != nil {
		log.Close()
		data.Close()
		return err
	}
	if err := log.Close(); err != nil {
		data.Close()
		return err
	}
	if err := data.Close(); err != nil {
		return err
	}
	return os.Remove(shadowPath)
}

func replayRecords(log, data rafile.RandomAccessFile) error {
	length, err := log.Length()
	if err != nil {
		return err
	}

	buf := make([]byte, PageSize)
	for pos := int64(0); pos < length; pos += recordHeaderBytes + PageSize {
		if err := log.Seek(pos); err != nil {
			return err
		}
		origOffset, err := log.ReadLong()
		if err != nil {
			return err
		}
		if _, err := log.Read(buf); err != nil {
			return err
		}
		if _, err := data.EnsureLength(origOffset + PageSize); err != nil {
			return err
		}
		if err := data.Seek(origOffset); err != nil {
			return err
		}
		if _, err := data.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
