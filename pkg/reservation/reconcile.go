package reservation

import (
	"context"
	"time"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
)

// StagingGrace is how long a lease may exist before its transfer has written
// anything to disk.
const StagingGrace = 10 * time.Minute

// DropReason explains why Reconcile discarded a lease.
type DropReason string

// Drop reasons.
const (
	DropExpired   DropReason = "expired"
	DropDeadOwner DropReason = "owner not running"
	DropNoFiles   DropReason = "no staging or final file"
)

// Dropped is a lease removed by Reconcile.
type Dropped struct {
	Lease  Lease
	Reason DropReason
}

// ReconcileResult summarizes a reconciliation pass.
type ReconcileResult struct {
	// Before is the counter value found, or -1 when it was unreadable.
	Before  int64
	After   int64
	Kept    []Lease
	Dropped []Dropped
}

// Reconcile rebuilds the counter from the leases that still look live and
// drops the rest. A lease is stale when it is older than ttl (zero disables
// expiry), when its owner ran on this host and is gone, or when it is older
// than StagingGrace and neither its staging nor final file exists.
// A corrupt counter file is repaired.
func (l *Ledger) Reconcile(ctx context.Context, ttl time.Duration) (ReconcileResult, error) {
	var result ReconcileResult
	err := fsutil.WithLock(ctx, l.counterPath, l.lockTimeout, func() error {
		var err error
		result, err = l.reconcileLocked(ttl)
		return err
	})
	return result, err
}

func (l *Ledger) reconcileLocked(ttl time.Duration) (ReconcileResult, error) {
	result := ReconcileResult{Before: -1}
	if before, err := l.readCounter(); err == nil {
		result.Before = before
	} else {
		logger.Warnf("Ignoring unreadable reservation counter: %v", err)
	}

	leases, err := l.readLeases()
	if err != nil {
		return result, err
	}

	now := l.now()
	kept := &leaseFile{}
	for _, lease := range leases.Leases {
		if reason, stale := l.stale(lease, now, ttl); stale {
			result.Dropped = append(result.Dropped, Dropped{Lease: lease, Reason: reason})
			logger.WarnfWithFields(logger.Fields{
				"key":    lease.Key,
				"bytes":  lease.Bytes,
				"pid":    lease.PID,
				"host":   lease.Host,
				"reason": string(reason),
			}, "Dropping stale reservation")
			continue
		}
		kept.Leases = append(kept.Leases, lease)
	}
	result.Kept = kept.Leases
	result.After = kept.total()

	if len(result.Dropped) > 0 {
		if err := l.writeLeases(kept); err != nil {
			return result, err
		}
	}
	if result.After != result.Before {
		if err := l.writeCounter(result.After); err != nil {
			return result, err
		}
	}
	return result, nil
}

func (l *Ledger) stale(lease Lease, now time.Time, ttl time.Duration) (DropReason, bool) {
	age := now.Sub(lease.Created)
	if ttl > 0 && age >= ttl {
		return DropExpired, true
	}
	local := lease.Host != "" && lease.Host == l.host && lease.PID > 0
	if local && !l.processAlive(lease.PID) {
		return DropDeadOwner, true
	}
	// A live local owner may still be retrying before its first byte lands.
	if local {
		return "", false
	}
	if age >= StagingGrace && !hasFile(lease.Staging) && !hasFile(lease.Final) {
		return DropNoFiles, true
	}
	return "", false
}

func hasFile(path string) bool {
	return path != "" && fsutil.Exists(path)
}
