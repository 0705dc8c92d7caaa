//go:build windows

package diskspace

import (
	"fmt"

	"golang.org/x/sys/windows"
)

// partitionFree returns the bytes available to the calling user on the
// volume holding dir.
func partitionFree(dir string) (uint64, error) {
	pathPtr, err := windows.UTF16PtrFromString(dir)
	if err != nil {
		return 0, fmt.Errorf("utf16 path: %w", err)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	if err := windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes); err != nil {
		return 0, fmt.Errorf("GetDiskFreeSpaceEx %s: %w", dir, err)
	}
	return freeBytesAvailable, nil
}
