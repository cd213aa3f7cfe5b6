package fsutil

import (
	"context"
	"time"

	"github.com/gofrs/flock"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// LockSuffix is appended to a guarded file's path to name its lock file.
const LockSuffix = ".lock"

// lockRetryDelay is how often a contended lock is retried.
const lockRetryDelay = 50 * time.Millisecond

// WithLock runs fn while holding an exclusive advisory lock on path+LockSuffix.
// Acquisition gives up after timeout (zero waits as long as ctx allows) and
// returns errors.ErrLockTimeout. The lock is released when fn returns.
func WithLock(ctx context.Context, path string, timeout time.Duration, fn func() error) error {
	if err := EnsureFileDir(path); err != nil {
		return errors.Wrapf(err, "failed to create directory for %s", path)
	}

	lockCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	fileLock := flock.New(path + LockSuffix)
	locked, err := fileLock.TryLockContext(lockCtx, lockRetryDelay)
	if err != nil || !locked {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil || lockCtx.Err() != nil {
			return errors.Wrapf(errors.ErrLockTimeout, "%s after %s", path+LockSuffix, timeout)
		}
		return errors.Wrapf(err, "failed to lock %s", path+LockSuffix)
	}
	defer func() { _ = fileLock.Unlock() }()

	return fn()
}
