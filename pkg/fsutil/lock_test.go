package fsutil

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

func TestWithLock_Serializes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "counter")

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := WithLock(context.Background(), path, 5*time.Second, func() error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				time.Sleep(5 * time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.True(t, Exists(path+LockSuffix))
}

func TestWithLock_Timeout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	require.NoError(t, EnsureFileDir(path))

	holder := flock.New(path + LockSuffix)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = holder.Unlock() }()

	called := false
	err = WithLock(context.Background(), path, 150*time.Millisecond, func() error {
		called = true
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrLockTimeout)
	assert.False(t, called)
}

func TestWithLock_PropagatesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	want := errors.ErrCorruptCounter

	err := WithLock(context.Background(), path, time.Second, func() error { return want })
	assert.ErrorIs(t, err, want)
}

func TestWithLock_CanceledContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "counter")
	require.NoError(t, EnsureFileDir(path))

	holder := flock.New(path + LockSuffix)
	locked, err := holder.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = holder.Unlock() }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = WithLock(ctx, path, time.Second, func() error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
