//go:build linux

package platform

import (
	"os"

	"golang.org/x/sys/unix"
)

// cloneDirectory walks src and reflinks each regular file into dst via the
// FICLONE ioctl (btrfs, XFS with reflink=1, overlayfs on a reflink-capable
// lower). Any file that can't be cloned (different filesystem, unsupported
// fs) aborts the whole attempt and the caller falls back to the next rung
// of the materialization ladder; entries already cloned into dst are not
// removed.
func cloneDirectory(src, dst string) (bool, error) {
	srcInfo, err := os.Stat(src)
	if err != nil {
		return false, err
	}
	if !srcInfo.IsDir() {
		return false, nil
	}
	if err := os.MkdirAll(dst, srcInfo.Mode().Perm()); err != nil {
		return false, err
	}

	entries, err := StableList(src)
	if err != nil {
		return false, err
	}
	for _, entry := range entries {
		srcPath := src + "/" + entry.Name()
		dstPath := dst + "/" + entry.Name()

		switch {
		case entry.IsDir():
			ok, err := cloneDirectory(srcPath, dstPath)
			if err != nil || !ok {
				return false, err
			}
		case entry.Type()&os.ModeSymlink != 0:
			target, err := os.Readlink(srcPath)
			if err != nil {
				return false, err
			}
			if err := os.Symlink(target, dstPath); err != nil {
				return false, err
			}
		default:
			ok, err := cloneFile(srcPath, dstPath)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func cloneFile(src, dst string) (bool, error) {
	in, err := os.Open(src)
	if err != nil {
		return false, err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return false, err
	}

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, info.Mode().Perm())
	if err != nil {
		return false, err
	}
	defer out.Close()

	if err := unix.IoctlFileClone(int(out.Fd()), int(in.Fd())); err != nil {
		os.Remove(dst)
		if err == unix.EOPNOTSUPP || err == unix.EXDEV || err == unix.EINVAL {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
