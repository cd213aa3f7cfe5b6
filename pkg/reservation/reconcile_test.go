package reservation

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReconcile(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	deadPID := 0

	l := newTestLedger(t, dir, 100*giB, func(o *Options) {
		o.Now = func() time.Time { return now }
		o.ProcessAlive = func(pid int) bool { return pid != deadPID }
	})
	ctx := context.Background()

	live := filepath.Join(dir, "live.bin.part")
	require.NoError(t, os.WriteFile(live, []byte("x"), 0o644))

	_, err := l.Reserve(ctx, Request{Key: "live", Bytes: 100, Staging: live})
	require.NoError(t, err)
	// Another node's worker, whose process cannot be checked from here.
	remote := newTestLedger(t, dir, 100*giB, func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	remote.host = "node-b"
	_, err = remote.Reserve(ctx, Request{Key: "gone", Bytes: 200, Staging: filepath.Join(dir, "gone.part")})
	require.NoError(t, err)

	// Within the grace period a lease without files is kept.
	result, err := l.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(300), result.Before)
	assert.Equal(t, int64(300), result.After)
	assert.Empty(t, result.Dropped)

	now = now.Add(StagingGrace + time.Minute)
	result, err = l.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100), result.After)
	require.Len(t, result.Dropped, 1)
	assert.Equal(t, "gone", result.Dropped[0].Lease.Key)
	assert.Equal(t, DropNoFiles, result.Dropped[0].Reason)
	require.Len(t, result.Kept, 1)
	assert.Equal(t, "live", result.Kept[0].Key)
	assert.Equal(t, int64(100), counter(t, l))
}

func TestReconcile_TTL(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, dir, 100*giB, func(o *Options) {
		o.Now = func() time.Time { return now }
	})
	ctx := context.Background()

	staging := filepath.Join(dir, "a.part")
	require.NoError(t, os.WriteFile(staging, []byte("x"), 0o644))
	_, err := l.Reserve(ctx, Request{Key: "a", Bytes: 100, Staging: staging})
	require.NoError(t, err)

	now = now.Add(48 * time.Hour)
	result, err := l.Reconcile(ctx, 24*time.Hour)
	require.NoError(t, err)
	require.Len(t, result.Dropped, 1)
	assert.Equal(t, DropExpired, result.Dropped[0].Reason)
	assert.Equal(t, int64(0), result.After)
}

func TestReconcile_DeadOwner(t *testing.T) {
	dir := t.TempDir()
	l := newTestLedger(t, dir, 100*giB, func(o *Options) {
		o.ProcessAlive = func(int) bool { return false }
	})
	ctx := context.Background()

	staging := filepath.Join(dir, "a.part")
	require.NoError(t, os.WriteFile(staging, []byte("x"), 0o644))
	_, err := l.Reserve(ctx, Request{Key: "a", Bytes: 100, Staging: staging})
	require.NoError(t, err)

	result, err := l.Reconcile(ctx, 0)
	require.NoError(t, err)
	require.Len(t, result.Dropped, 1)
	assert.Equal(t, DropDeadOwner, result.Dropped[0].Reason)
	assert.Equal(t, int64(0), counter(t, l))
}

func TestReconcile_LiveLocalOwnerWithoutFilesIsKept(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	l := newTestLedger(t, dir, 100*giB, func(o *Options) {
		o.Now = func() time.Time { return now }
		o.ProcessAlive = func(int) bool { return true }
	})
	ctx := context.Background()

	// Still retrying 503s, so no staging file yet.
	_, err := l.Reserve(ctx, Request{Key: "slow", Bytes: 100, Staging: filepath.Join(dir, "slow.part")})
	require.NoError(t, err)

	now = now.Add(StagingGrace + time.Hour)
	result, err := l.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, result.Dropped)
	require.Len(t, result.Kept, 1)
	assert.Equal(t, int64(100), counter(t, l))
}

func TestReconcile_RebuildsDriftedCounter(t *testing.T) {
	dir := t.TempDir()
	l := newTestLedger(t, dir, 100*giB)
	ctx := context.Background()

	staging := filepath.Join(dir, "a.part")
	require.NoError(t, os.WriteFile(staging, []byte("x"), 0o644))
	_, err := l.Reserve(ctx, Request{Key: "a", Bytes: 100, Staging: staging})
	require.NoError(t, err)

	// A killed worker from before leases existed left bytes behind.
	require.NoError(t, os.WriteFile(l.CounterPath(), []byte("5000\n"), 0o644))

	result, err := l.Reconcile(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), result.Before)
	assert.Equal(t, int64(100), result.After)
	assert.Equal(t, int64(100), counter(t, l))
}

func TestProcessAlive_Self(t *testing.T) {
	assert.True(t, processAlive(os.Getpid()))
}
