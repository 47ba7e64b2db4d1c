//go:build !linux && !darwin

package platform

// cloneDirectory reports no support on platforms without a known
// reflink/clone facility; callers fall back to the hardlink or copy rungs
// of the materialization ladder.
func cloneDirectory(src, dst string) (bool, error) {
	return false, nil
}
