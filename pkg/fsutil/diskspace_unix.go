//go:build linux || darwin || freebsd

package fsutil

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// FreeBytes returns the number of bytes available to unprivileged users on
// the filesystem containing path.
func FreeBytes(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, fmt.Errorf("failed to check disk space on %s: %w", path, err)
	}
	return uint64(stat.Bavail) * uint64(stat.Bsize), nil
}
