//go:build !windows

package audit

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// checkDiskSpace verifies sufficient disk space for audit log writes
func (l *Logger) checkDiskSpace() error {
	var stat unix.Statfs_t
	if err := unix.Statfs(l.path, &stat); err != nil {
		// If audit directory doesn't exist yet, check parent
		parentDir := filepath.Dir(l.path)
		if err := unix.Statfs(parentDir, &stat); err != nil {
			// Log warning but don't block audit operation
			fmt.Fprintf(os.Stderr, "warning: failed to check disk space for audit: %v\n", err)
			return nil
		}
	}

	available := stat.Bavail * uint64(stat.Bsize)
	if available < MinAuditDiskSpace {
		return fmt.Errorf("audit: insufficient disk space: only %d bytes available, need at least %d",
			available, MinAuditDiskSpace)
	}

	return nil
}
