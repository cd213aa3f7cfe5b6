// Package reservation implements the shared disk-space ledger that keeps the
// sum of in-flight downloads within the capacity of the target volume.
//
// State lives in two files next to each other on the shared volume:
//
//	reserved_bytes         single decimal integer, bytes promised to active transfers
//	reserved_bytes.leases  YAML list of the reservations that make up that sum
//
// Both are only read or written while holding the advisory lock on
// reserved_bytes.lock. The counter is authoritative for admission decisions;
// the lease list lets Reconcile rebuild it after workers die without releasing.
package reservation

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
)

// LeaseSuffix names the lease file relative to the counter file.
const LeaseSuffix = ".leases"

// DefaultLockTimeout bounds lock acquisition when Options.LockTimeout is zero.
const DefaultLockTimeout = 30 * time.Second

// FreeSpaceFunc reports the bytes available to unprivileged writers on the
// volume containing path.
type FreeSpaceFunc func(path string) (uint64, error)

// Options configures a Ledger.
type Options struct {
	// CounterPath is the counter file. Required.
	CounterPath string
	// VolumePath is measured for free space. Defaults to the counter's directory.
	VolumePath  string
	LockTimeout time.Duration
	// LeaseTTL enables a reconciliation pass before every reservation. Leases
	// older than the TTL are dropped. Zero disables automatic reconciliation.
	LeaseTTL time.Duration
	// RunID is stored on leases to correlate them with log output.
	RunID     string
	FreeSpace FreeSpaceFunc
	Now       func() time.Time
	// ProcessAlive reports whether a process on this host still runs.
	ProcessAlive func(pid int) bool
}

// Request describes a reservation attempt.
type Request struct {
	// Key identifies the artifact, normally its relative output path. A key
	// held by a live lease is refused; a stale one is replaced.
	Key string
	// Bytes to reserve. Negative means the size is unknown.
	Bytes int64
	// Margin is the free space that must remain after the reservation.
	Margin int64
	// Staging and Final let Reconcile tell live transfers from abandoned ones.
	Staging string
	Final   string
}

// DeniedError reports why a reservation was refused. It unwraps to
// errors.ErrReservationDenied.
type DeniedError struct {
	Free      uint64
	Reserved  int64
	Requested int64
	Margin    int64
	// Holder is set when the key is already leased to a live transfer.
	Holder *Lease
}

func (e *DeniedError) Error() string {
	if e.Holder != nil {
		return fmt.Sprintf("%s: %s is already reserved by pid %d on %s since %s",
			errors.ErrReservationDenied, e.Holder.Key, e.Holder.PID, e.Holder.Host,
			e.Holder.Created.Format(time.RFC3339))
	}
	if e.Requested < 0 {
		return fmt.Sprintf("%s: free %d bytes is below safety margin %d (size unknown)",
			errors.ErrReservationDenied, e.Free, e.Margin)
	}
	return fmt.Sprintf("%s: need %d bytes plus margin %d, have %d free with %d already reserved",
		errors.ErrReservationDenied, e.Requested, e.Margin, e.Free, e.Reserved)
}

func (e *DeniedError) Unwrap() error { return errors.ErrReservationDenied }

// Ledger is the cross-process reservation ledger. Separate Ledger values,
// in this or other processes, pointing at the same counter file coordinate
// through the file lock; a Ledger holds no state between calls.
type Ledger struct {
	counterPath  string
	volumePath   string
	lockTimeout  time.Duration
	leaseTTL     time.Duration
	runID        string
	host         string
	freeSpace    FreeSpaceFunc
	now          func() time.Time
	processAlive func(pid int) bool
}

// New creates a Ledger. The counter file is created on first use.
func New(opts Options) (*Ledger, error) {
	if opts.CounterPath == "" {
		return nil, errors.Wrap(errors.ErrInvalidPath, "reservation counter path is empty")
	}
	l := &Ledger{
		counterPath:  opts.CounterPath,
		volumePath:   opts.VolumePath,
		lockTimeout:  opts.LockTimeout,
		leaseTTL:     opts.LeaseTTL,
		runID:        opts.RunID,
		freeSpace:    opts.FreeSpace,
		now:          opts.Now,
		processAlive: opts.ProcessAlive,
	}
	if l.volumePath == "" {
		l.volumePath = filepath.Dir(opts.CounterPath)
	}
	if l.lockTimeout <= 0 {
		l.lockTimeout = DefaultLockTimeout
	}
	if l.freeSpace == nil {
		l.freeSpace = fsutil.FreeBytes
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.processAlive == nil {
		l.processAlive = processAlive
	}
	l.host, _ = os.Hostname()
	return l, nil
}

// CounterPath returns the path of the counter file.
func (l *Ledger) CounterPath() string { return l.counterPath }

// LeasePath returns the path of the lease file.
func (l *Ledger) LeasePath() string { return l.counterPath + LeaseSuffix }

// Reservation is a granted claim on free space. Release must be called on
// every path once the transfer reaches a terminal state; it is safe to call
// more than once.
type Reservation struct {
	ledger  *Ledger
	leaseID string
	key     string
	bytes   int64

	once sync.Once
	err  error
}

// Key returns the reserved key.
func (r *Reservation) Key() string { return r.key }

// Bytes returns the reserved amount; zero for unknown-size reservations.
func (r *Reservation) Bytes() int64 { return r.bytes }

// Release returns the reserved bytes to the pool. Only the first call has
// an effect.
func (r *Reservation) Release(ctx context.Context) error {
	r.once.Do(func() {
		r.err = r.ledger.releaseLease(ctx, r.key, r.leaseID, r.bytes)
	})
	return r.err
}

// Reserve admits req if the volume can hold it plus the margin on top of
// everything already reserved. A refusal returns a *DeniedError and leaves
// the ledger unchanged.
func (l *Ledger) Reserve(ctx context.Context, req Request) (*Reservation, error) {
	if req.Key == "" {
		return nil, errors.Wrap(errors.ErrInvalidPath, "reservation key is empty")
	}
	if req.Margin < 0 {
		req.Margin = 0
	}

	var res *Reservation
	err := fsutil.WithLock(ctx, l.counterPath, l.lockTimeout, func() error {
		if l.leaseTTL > 0 {
			if _, err := l.reconcileLocked(l.leaseTTL); err != nil {
				return err
			}
		}

		reserved, err := l.readCounter()
		if err != nil {
			return err
		}
		leases, err := l.readLeases()
		if err != nil {
			return err
		}

		// One lease per key. A stale one is taken over, a live one means
		// another worker is writing the same artifact.
		if i := leases.indexOf(req.Key); i >= 0 {
			held := leases.Leases[i]
			reason, isStale := l.stale(held, l.now(), l.leaseTTL)
			if !isStale {
				return &DeniedError{Reserved: reserved, Requested: req.Bytes, Margin: req.Margin, Holder: &held}
			}
			logger.WarnfWithFields(logger.Fields{
				"key":    held.Key,
				"bytes":  held.Bytes,
				"pid":    held.PID,
				"host":   held.Host,
				"reason": string(reason),
			}, "Taking over stale reservation for %s", held.Key)
			reserved = max(0, reserved-held.Bytes)
			leases.remove(i)
		}

		free, err := l.freeSpace(l.volumePath)
		if err != nil {
			return errors.Wrapf(err, "failed to query free space on %s", l.volumePath)
		}

		amount := req.Bytes
		if amount < 0 {
			if free < uint64(req.Margin) {
				return &DeniedError{Free: free, Reserved: reserved, Requested: req.Bytes, Margin: req.Margin}
			}
			amount = 0
		} else {
			available := int64(free) - reserved
			if available < amount+req.Margin {
				return &DeniedError{Free: free, Reserved: reserved, Requested: amount, Margin: req.Margin}
			}
		}

		lease := Lease{
			ID:      ksuid.New().String(),
			Key:     req.Key,
			Bytes:   amount,
			Staging: req.Staging,
			Final:   req.Final,
			PID:     os.Getpid(),
			Host:    l.host,
			RunID:   l.runID,
			Created: l.now().UTC(),
		}
		leases.Leases = append(leases.Leases, lease)

		if err := l.writeLeases(leases); err != nil {
			return err
		}
		if err := l.writeCounter(reserved + amount); err != nil {
			return err
		}

		logger.DebugfWithFields(logger.Fields{
			"key":      req.Key,
			"bytes":    amount,
			"reserved": reserved + amount,
			"free":     free,
		}, "Reserved disk space")

		res = &Reservation{ledger: l, leaseID: lease.ID, key: req.Key, bytes: amount}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// Release subtracts amount from the counter, clamping at zero, and drops the
// lease stored under key.
func (l *Ledger) Release(ctx context.Context, key string, amount int64) error {
	return fsutil.WithLock(ctx, l.counterPath, l.lockTimeout, func() error {
		leases, err := l.readLeases()
		if err != nil {
			return err
		}
		if i := leases.indexOf(key); i >= 0 {
			leases.remove(i)
			if err := l.writeLeases(leases); err != nil {
				return err
			}
		}
		return l.subtract(amount)
	})
}

// releaseLease releases a reservation made by this process. If the lease was
// replaced by a newer reservation for the same key, its bytes were already
// dropped and nothing is subtracted.
func (l *Ledger) releaseLease(ctx context.Context, key, leaseID string, amount int64) error {
	return fsutil.WithLock(ctx, l.counterPath, l.lockTimeout, func() error {
		leases, err := l.readLeases()
		if err != nil {
			return err
		}

		i := leases.indexOf(key)
		switch {
		case i < 0:
			// Lease file lost or reconciled away; fall back to the plain counter.
			return l.subtract(amount)
		case leases.Leases[i].ID != leaseID:
			logger.Debugf("Lease for %s was superseded, nothing to release", key)
			return nil
		}

		amount = leases.Leases[i].Bytes
		leases.remove(i)
		if err := l.writeLeases(leases); err != nil {
			return err
		}
		return l.subtract(amount)
	})
}

func (l *Ledger) subtract(amount int64) error {
	if amount <= 0 {
		return nil
	}
	reserved, err := l.readCounter()
	if err != nil {
		return err
	}
	return l.writeCounter(max(0, reserved-amount))
}

// Snapshot is a read-only view of the ledger.
type Snapshot struct {
	Reserved int64
	Free     uint64
	Leases   []Lease
}

// Available returns free minus reserved, which can be negative.
func (s Snapshot) Available() int64 {
	return int64(s.Free) - s.Reserved
}

// Snapshot reads the ledger under the lock without changing it.
func (l *Ledger) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := fsutil.WithLock(ctx, l.counterPath, l.lockTimeout, func() error {
		reserved, err := l.readCounter()
		if err != nil {
			return err
		}
		leases, err := l.readLeases()
		if err != nil {
			return err
		}
		free, err := l.freeSpace(l.volumePath)
		if err != nil {
			return errors.Wrapf(err, "failed to query free space on %s", l.volumePath)
		}
		snap = Snapshot{Reserved: reserved, Free: free, Leases: leases.Leases}
		return nil
	})
	return snap, err
}

func (l *Ledger) readCounter() (int64, error) {
	data, err := os.ReadFile(l.counterPath)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Wrapf(err, "failed to read %s", l.counterPath)
	}

	text := strings.TrimSpace(string(data))
	if text == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s contains %q", errors.ErrCorruptCounter, l.counterPath, text)
	}
	return n, nil
}

func (l *Ledger) writeCounter(n int64) error {
	data := []byte(strconv.FormatInt(max(0, n), 10) + "\n")
	if err := fsutil.WriteFileAtomic(l.counterPath, data, fsutil.FileModeDefault); err != nil {
		return errors.Wrapf(err, "failed to write %s", l.counterPath)
	}
	return nil
}
