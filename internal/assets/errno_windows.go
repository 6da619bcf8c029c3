//go:build windows

package assets

import (
	"errors"

	"golang.org/x/sys/windows"
)

// symlinkUnsupported reports whether a symlink failure means the directory
// can't hold symlinks at all. Creating symlinks on Windows requires either
// SeCreateSymbolicLinkPrivilege or developer mode; a missing grant surfaces
// as ERROR_PRIVILEGE_NOT_HELD.
func symlinkUnsupported(err error) bool {
	for _, code := range []error{
		windows.ERROR_PRIVILEGE_NOT_HELD,
		windows.ERROR_ACCESS_DENIED,
		windows.ERROR_WRITE_PROTECT,
	} {
		if errors.Is(err, code) {
			return true
		}
	}
	return false
}
