//go:build windows

package mcp

import (
	"os"
)

// openPolicyFile opens the policy file on Windows. There is no O_NOFOLLOW
// equivalent, so symlinked policy files are not rejected here; creating
// symlinks on Windows requires elevated privileges anyway.
func openPolicyFile(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPolicyNotFound
		}
		return nil, err
	}
	return f, nil
}

// checkFileOwnership is a no-op on Windows, which uses ACLs rather than
// Unix ownership. The permission check is the primary control.
func checkFileOwnership(_ os.FileInfo) error {
	return nil
}
