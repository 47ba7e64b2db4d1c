//go:build unix

package platform

import (
	"os"
	"syscall"
)

func identityOf(info os.FileInfo) Identity {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return Identity{}
	}
	return Identity{
		Dev:      uint64(stat.Dev), //nolint:unconvert // platform-dependent type
		Ino:      stat.Ino,
		Reliable: true,
	}
}

func physicalLength(info os.FileInfo) int64 {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return info.Size()
	}
	// Blocks are always counted in 512-byte units regardless of the
	// filesystem's actual block size, per stat(2).
	return stat.Blocks * 512
}
