//go:build darwin

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// cloneDirectory uses APFS's clonefile(2), which clones an entire
// directory tree (including its children) in one call, unlike Linux's
// per-file FICLONE. This matches what original_source's try_clonefile_dir
// does via libc.
func cloneDirectory(src, dst string) (bool, error) {
	if err := unix.Clonefileat(unix.AT_FDCWD, src, unix.AT_FDCWD, dst, 0); err != nil {
		if err == unix.ENOTSUP || err == unix.EXDEV || err == unix.EEXIST {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
