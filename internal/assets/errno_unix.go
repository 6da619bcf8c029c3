//go:build !windows

package assets

import (
	"errors"

	"golang.org/x/sys/unix"
)

// symlinkUnsupported reports whether a symlink failure means the directory
// can't hold symlinks at all, as opposed to a transient or caller error.
func symlinkUnsupported(err error) bool {
	for _, code := range []error{unix.EPERM, unix.EACCES, unix.ENOTSUP, unix.EOPNOTSUPP, unix.EROFS} {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}
