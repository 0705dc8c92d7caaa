//go:build !windows

package diskspace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// partitionFree returns the bytes available to unprivileged users on the
// partition holding dir. Uses Bavail, not Bfree.
func partitionFree(dir string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(dir, &stat); err != nil {
		return 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	// Bsize is int64 on linux but uint32 on darwin.
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil //nolint:unconvert
}
