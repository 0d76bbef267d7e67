//go:build !windows

package store

import (
	"fmt"
	"path/filepath"

	"golang.org/x/sys/unix"
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
	var stat unix.Statfs_t
	if err := unix.Statfs(s.path, &stat); err != nil {
		// If store directory doesn't exist yet, check parent
		parentDir := filepath.Dir(s.path)
		if err := unix.Statfs(parentDir, &stat); err != nil {
			return nil, fmt.Errorf("store: failed to get disk stats: %w", err)
		}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)
	available := stat.Bavail * uint64(stat.Bsize)

	usedPct := 0
	if total > 0 {
		usedPct = int(100 * (total - free) / total)
	}

	return &DiskSpaceInfo{
		Total:     total,
		Free:      free,
		Available: available,
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
