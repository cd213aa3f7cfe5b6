//go:build !linux && !darwin && !freebsd && !windows

package fsutil

import (
	"fmt"
	"runtime"
)

// FreeBytes is not implemented on this platform.
func FreeBytes(path string) (uint64, error) {
	return 0, fmt.Errorf("free space query for %s not supported on %s", path, runtime.GOOS)
}
