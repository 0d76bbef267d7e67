//go:build windows

package store

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/windows"
)

// DiskSpaceInfo reports filesystem capacity for the store directory.
type DiskSpaceInfo struct {
	Total     uint64
	Free      uint64
	Available uint64
	UsedPct   int
}

// CheckDiskSpace returns disk space information for the store directory
func (s *Store) CheckDiskSpace() (*DiskSpaceInfo, error) {
	path := s.path
	// Use parent directory if store path doesn't exist
	if _, err := os.Stat(path); os.IsNotExist(err) {
		path = filepath.Dir(path)
	}

	var freeBytesAvailable, totalBytes, totalFreeBytes uint64
	pathPtr, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return nil, fmt.Errorf("store: failed to convert path: %w", err)
	}

	err = windows.GetDiskFreeSpaceEx(pathPtr, &freeBytesAvailable, &totalBytes, &totalFreeBytes)
	if err != nil {
		return nil, fmt.Errorf("store: failed to get disk stats: %w", err)
	}

	usedPct := 0
	if totalBytes > 0 {
		usedPct = int(100 * (totalBytes - totalFreeBytes) / totalBytes)
	}

	return &DiskSpaceInfo{
		Total:     totalBytes,
		Free:      totalFreeBytes,
		Available: freeBytesAvailable,
		UsedPct:   usedPct,
	}, nil
}

// checkDiskSpaceForWrite fails when less than needed bytes are available.
func (s *Store) checkDiskSpaceForWrite(needed uint64) error {
	info, err := s.CheckDiskSpace()
	if err != nil {
		// Advisory only: never block writes because the check itself failed
		return nil
	}
	if info.Available < needed {
		return fmt.Errorf("%w: only %d bytes available, need at least %d",
			ErrInsufficientDisk, info.Available, needed)
	}
	return nil
}
