//go:build !unix

package platform

import "os"

func identityOf(info os.FileInfo) Identity {
	// No stable cross-platform identity without cgo/syscall access;
	// callers degrade to path-based approximation.
	return Identity{Reliable: false}
}

func physicalLength(info os.FileInfo) int64 {
	return info.Size()
}
