package reservation

import (
	"context"
	stderrors "errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

const (
	miB = int64(1) << 20
	giB = int64(1) << 30
)

func fixedFree(n int64) FreeSpaceFunc {
	return func(string) (uint64, error) { return uint64(n), nil }
}

func newTestLedger(t *testing.T, dir string, free int64, opts ...func(*Options)) *Ledger {
	t.Helper()
	o := Options{
		CounterPath: filepath.Join(dir, "reserved_bytes"),
		LockTimeout: 5 * time.Second,
		FreeSpace:   fixedFree(free),
	}
	for _, fn := range opts {
		fn(&o)
	}
	l, err := New(o)
	require.NoError(t, err)
	return l
}

func readCounterFile(t *testing.T, l *Ledger) string {
	t.Helper()
	data, err := os.ReadFile(l.CounterPath())
	if os.IsNotExist(err) {
		return ""
	}
	require.NoError(t, err)
	return strings.TrimSpace(string(data))
}

func counter(t *testing.T, l *Ledger) int64 {
	t.Helper()
	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	return snap.Reserved
}

func TestNew_RequiresCounterPath(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, errors.ErrInvalidPath)
}

func TestReserve_GrantedAndReleased(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), 10*giB)
	ctx := context.Background()

	res, err := l.Reserve(ctx, Request{Key: "a/file.bin", Bytes: 400 * miB, Margin: giB})
	require.NoError(t, err)
	assert.Equal(t, 400*miB, res.Bytes())
	assert.Equal(t, "a/file.bin", res.Key())
	assert.Equal(t, "419430400", readCounterFile(t, l))

	require.NoError(t, res.Release(ctx))
	assert.Equal(t, int64(0), counter(t, l))

	snap, err := l.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, snap.Leases)
}

func TestReserve_DeniedBelowMargin(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), giB)

	_, err := l.Reserve(context.Background(), Request{Key: "big", Bytes: 100 * miB, Margin: 5 * giB})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReservationDenied)

	var denied *DeniedError
	require.True(t, stderrors.As(err, &denied))
	assert.Equal(t, uint64(giB), denied.Free)
	assert.Equal(t, 100*miB, denied.Requested)
	assert.Equal(t, 5*giB, denied.Margin)

	// Nothing was written.
	assert.Equal(t, "", readCounterFile(t, l))
	assert.NoFileExists(t, l.LeasePath())
}

func TestReserve_SecondWorkerDenied(t *testing.T) {
	dir := t.TempDir()
	first := newTestLedger(t, dir, 500*miB)
	second := newTestLedger(t, dir, 500*miB)
	ctx := context.Background()

	_, err := first.Reserve(ctx, Request{Key: "one", Bytes: 400 * miB})
	require.NoError(t, err)

	_, err = second.Reserve(ctx, Request{Key: "two", Bytes: 400 * miB})
	assert.ErrorIs(t, err, errors.ErrReservationDenied)
	assert.Equal(t, 400*miB, counter(t, second))
}

func TestReserve_UnknownSize(t *testing.T) {
	ctx := context.Background()

	t.Run("granted without counter change", func(t *testing.T) {
		l := newTestLedger(t, t.TempDir(), 6*giB)
		res, err := l.Reserve(ctx, Request{Key: "x", Bytes: -1, Margin: 5 * giB})
		require.NoError(t, err)
		assert.Equal(t, int64(0), res.Bytes())
		assert.Equal(t, int64(0), counter(t, l))
		require.NoError(t, res.Release(ctx))
	})

	t.Run("denied below margin", func(t *testing.T) {
		l := newTestLedger(t, t.TempDir(), 4*giB)
		_, err := l.Reserve(ctx, Request{Key: "x", Bytes: -1, Margin: 5 * giB})
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrReservationDenied)
		assert.Contains(t, err.Error(), "size unknown")
	})
}

func TestReserve_Validation(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), giB)
	_, err := l.Reserve(context.Background(), Request{Bytes: 1})
	assert.ErrorIs(t, err, errors.ErrInvalidPath)
}

func TestReserve_FreeSpaceError(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), 0, func(o *Options) {
		o.FreeSpace = func(string) (uint64, error) { return 0, os.ErrPermission }
	})
	_, err := l.Reserve(context.Background(), Request{Key: "x", Bytes: 1})
	assert.ErrorIs(t, err, os.ErrPermission)
}

func TestRelease_ClampsAtZero(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), giB)
	require.NoError(t, os.WriteFile(l.CounterPath(), []byte("10\n"), 0o644))

	require.NoError(t, l.Release(context.Background(), "unknown", 100))
	assert.Equal(t, "0", readCounterFile(t, l))
}

func TestReservationRelease_Idempotent(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), 10*giB)
	ctx := context.Background()

	a, err := l.Reserve(ctx, Request{Key: "a", Bytes: 100})
	require.NoError(t, err)
	_, err = l.Reserve(ctx, Request{Key: "b", Bytes: 50})
	require.NoError(t, err)

	require.NoError(t, a.Release(ctx))
	require.NoError(t, a.Release(ctx))
	assert.Equal(t, int64(50), counter(t, l))
}

func TestReserve_SameKeyHeldByLiveOwnerDenied(t *testing.T) {
	dir := t.TempDir()
	first := newTestLedger(t, dir, 500*miB)
	second := newTestLedger(t, dir, 500*miB)
	ctx := context.Background()

	// Two input lines that map to the same output path.
	held, err := first.Reserve(ctx, Request{Key: "data/x.tar", Bytes: 400 * miB})
	require.NoError(t, err)

	_, err = second.Reserve(ctx, Request{Key: "data/x.tar", Bytes: 400 * miB})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrReservationDenied)
	assert.Contains(t, err.Error(), "already reserved by pid")

	var denied *DeniedError
	require.True(t, stderrors.As(err, &denied))
	require.NotNil(t, denied.Holder)
	assert.Equal(t, "data/x.tar", denied.Holder.Key)
	assert.Equal(t, os.Getpid(), denied.Holder.PID)

	assert.Equal(t, 400*miB, counter(t, first))
	snap, err := first.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap.Leases, 1)

	// Once the holder is done the key can be reserved again.
	require.NoError(t, held.Release(ctx))
	again, err := second.Reserve(ctx, Request{Key: "data/x.tar", Bytes: 400 * miB})
	require.NoError(t, err)
	assert.Equal(t, 400*miB, counter(t, second))
	require.NoError(t, again.Release(ctx))
}

func TestReserve_SameKeyDeniedEvenWithRoom(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), 10*giB)
	ctx := context.Background()

	_, err := l.Reserve(ctx, Request{Key: "a", Bytes: 100})
	require.NoError(t, err)

	_, err = l.Reserve(ctx, Request{Key: "a", Bytes: 100})
	assert.ErrorIs(t, err, errors.ErrReservationDenied)
	assert.Equal(t, int64(100), counter(t, l))
}

func TestReserve_SameKeyTakesOverStaleLease(t *testing.T) {
	ctx := context.Background()

	t.Run("dead owner", func(t *testing.T) {
		alive := true
		l := newTestLedger(t, t.TempDir(), 10*giB, func(o *Options) {
			o.ProcessAlive = func(int) bool { return alive }
		})

		stale, err := l.Reserve(ctx, Request{Key: "a", Bytes: 100})
		require.NoError(t, err)

		// The first attempt was killed without releasing.
		alive = false
		fresh, err := l.Reserve(ctx, Request{Key: "a", Bytes: 200})
		require.NoError(t, err)
		assert.Equal(t, int64(200), counter(t, l))

		// The replaced handle must not release the new attempt's bytes.
		require.NoError(t, stale.Release(ctx))
		assert.Equal(t, int64(200), counter(t, l))

		require.NoError(t, fresh.Release(ctx))
		assert.Equal(t, int64(0), counter(t, l))
	})

	t.Run("expired", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
		l := newTestLedger(t, t.TempDir(), 10*giB, func(o *Options) {
			o.LeaseTTL = time.Hour
			o.Now = func() time.Time { return now }
		})

		_, err := l.Reserve(ctx, Request{Key: "a", Bytes: 100})
		require.NoError(t, err)
		_, err = l.Reserve(ctx, Request{Key: "a", Bytes: 100})
		require.ErrorIs(t, err, errors.ErrReservationDenied)

		now = now.Add(2 * time.Hour)
		_, err = l.Reserve(ctx, Request{Key: "a", Bytes: 300})
		require.NoError(t, err)
		assert.Equal(t, int64(300), counter(t, l))
	})
}

func TestReserve_CorruptCounter(t *testing.T) {
	l := newTestLedger(t, t.TempDir(), giB)
	require.NoError(t, os.WriteFile(l.CounterPath(), []byte("garbage"), 0o644))

	_, err := l.Reserve(context.Background(), Request{Key: "a", Bytes: 1})
	assert.ErrorIs(t, err, errors.ErrCorruptCounter)

	result, err := l.Reconcile(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(-1), result.Before)
	assert.Equal(t, int64(0), result.After)
	assert.Equal(t, "0", readCounterFile(t, l))
}

func TestReserve_ConcurrentLedgers(t *testing.T) {
	dir := t.TempDir()
	const workers = 20

	var (
		granted atomic.Int32
		denied  atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			l := newTestLedger(t, dir, 1000)
			_, err := l.Reserve(context.Background(), Request{
				Key:   filepath.Join("task", string(rune('a'+i))),
				Bytes: 100,
			})
			switch {
			case err == nil:
				granted.Add(1)
			case stderrors.Is(err, errors.ErrReservationDenied):
				denied.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(10), granted.Load())
	assert.Equal(t, int32(10), denied.Load())

	l := newTestLedger(t, dir, 1000)
	snap, err := l.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1000), snap.Reserved)
	assert.Len(t, snap.Leases, 10)
	assert.Equal(t, int64(0), snap.Available())
}

func TestReserve_AutoReconcileExpiresLeases(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	l := newTestLedger(t, t.TempDir(), 500, func(o *Options) {
		o.LeaseTTL = time.Hour
		o.Now = func() time.Time { return now }
	})
	ctx := context.Background()

	_, err := l.Reserve(ctx, Request{Key: "crashed", Bytes: 400})
	require.NoError(t, err)

	_, err = l.Reserve(ctx, Request{Key: "next", Bytes: 400})
	require.ErrorIs(t, err, errors.ErrReservationDenied)

	now = now.Add(2 * time.Hour)
	res, err := l.Reserve(ctx, Request{Key: "next", Bytes: 400})
	require.NoError(t, err)
	assert.Equal(t, int64(400), counter(t, l))
	require.NoError(t, res.Release(ctx))
}
