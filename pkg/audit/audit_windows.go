//go:build windows

package audit

// checkDiskSpace is a no-op on Windows. Audit writes proceed without
// free-space verification there.
func (l *Logger) checkDiskSpace() error {
	return nil
}
