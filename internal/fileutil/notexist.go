package fileutil

import (
	"errors"
	"io/fs"
)

func isNotExist(err error) bool {
	return errors.Is(err, fs.ErrNotExist)
}

// IsNotExist reports whether err means the file is absent, for both the OS
// and in-memory filesystems.
func IsNotExist(err error) bool {
	return isNotExist(err)
}
