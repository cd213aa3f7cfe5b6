// Package worker runs the state machine for a single task: map the URL,
// skip if already present, probe, reserve space, transfer, publish, verify
// and record exactly one status line.
package worker

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/reservation"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/status"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/tasklist"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/verify"
)

// cleanupTimeout bounds release and record once the task context is gone.
const cleanupTimeout = 30 * time.Second

// DefaultArtifactLockTimeout is used when Options.ArtifactLockTimeout is zero.
const DefaultArtifactLockTimeout = 5 * time.Second

// errPublishedMeanwhile stops a transfer whose artifact another worker
// published while this one waited for the staging lock.
var errPublishedMeanwhile = stderrors.New("artifact published by another worker")

// Worker ties the components together. Verifier may be nil to disable
// verification.
type Worker struct {
	Mapper   Mapper
	Probe    SizeProbe
	Reserver Reserver
	Fetcher  Fetcher
	Verifier Verifier
	Recorder Recorder
	Hooks    Hooks
	Options  Options
}

// New constructs a Worker. Hooks can be empty if no event handling is needed.
func New(m Mapper, p SizeProbe, r Reserver, f Fetcher, v Verifier, rec Recorder, hooks Hooks, opts Options) *Worker {
	return &Worker{
		Mapper:   m,
		Probe:    p,
		Reserver: r,
		Fetcher:  f,
		Verifier: v,
		Recorder: rec,
		Hooks:    hooks,
		Options:  opts,
	}
}

func emit(h Hooks, e Event) {
	if h.OnEvent != nil {
		h.OnEvent(e)
	}
}

// Run executes task. A returned error means no status line was written:
// the URL could not be mapped or the ledger itself failed. Every other
// result, including failed transfers, is reported through the Outcome.
func (w *Worker) Run(ctx context.Context, task tasklist.Task) (Outcome, error) {
	if err := w.validate(); err != nil {
		return Outcome{}, err
	}

	out := Outcome{Index: task.Index, URL: task.SourceURL, Size: -1}
	emit(w.Hooks, Event{State: StateSelected, Index: task.Index, Msg: task.SourceURL})

	rel, err := w.Mapper.Map(ctx, task.SourceURL)
	if err != nil {
		return out, err
	}
	out.Path = rel
	out.FinalPath = filepath.Join(w.Options.OutputDir, filepath.FromSlash(rel))

	emit(w.Hooks, Event{State: StateExistsCheck, Index: task.Index, Path: rel})
	if fsutil.Exists(out.FinalPath) {
		emit(w.Hooks, Event{State: StateSkipExists, Index: task.Index, Path: rel})
		return w.finish(ctx, out, status.SkipExists, "")
	}

	emit(w.Hooks, Event{State: StateSizeProbe, Index: task.Index, Path: rel})
	size, err := w.Probe.Probe(ctx, task.SourceURL)
	if err != nil {
		if !stderrors.Is(err, errors.ErrSizeUnknown) {
			logger.Warnf("Size probe failed: %v", err)
		}
		logger.Infof("Remote size unknown for %s, reserving safety margin only", rel)
		size = -1
	}
	out.Size = size

	staging := w.Fetcher.StagingPath(out.FinalPath)
	need := size
	if size >= 0 {
		// Bytes already on disk in the staging file are reflected in free space.
		partial, _ := fsutil.FileSize(staging)
		need = max(0, size-partial)
	}

	emit(w.Hooks, Event{State: StateReserve, Index: task.Index, Path: rel, Msg: fmt.Sprintf("%d bytes", need)})
	claim, err := w.Reserver.Reserve(ctx, reservation.Request{
		Key:     rel,
		Bytes:   need,
		Margin:  w.Options.SafetyMargin,
		Staging: staging,
		Final:   out.FinalPath,
	})
	if stderrors.Is(err, errors.ErrReservationDenied) {
		logger.Warnf("Not enough space for %s: %v", rel, err)
		out.Err = err
		emit(w.Hooks, Event{State: StateSkipNoSpace, Index: task.Index, Path: rel, Msg: err.Error()})
		return w.finish(ctx, out, status.SkipNoSpace, "")
	}
	if err != nil {
		return out, errors.Wrap(err, "reservation failed")
	}
	defer w.release(ctx, claim)

	// The ledger refuses a key held by a live lease, but a lease taken over
	// as stale may still have a writer. The staging lock settles that.
	err = fsutil.WithLock(ctx, staging, w.artifactLockTimeout(), func() error {
		if fsutil.Exists(out.FinalPath) {
			return errPublishedMeanwhile
		}
		emit(w.Hooks, Event{State: StateTransfer, Index: task.Index, Path: rel})
		if err := w.Fetcher.Fetch(ctx, task.SourceURL, staging, size); err != nil {
			return err
		}
		if err := w.Fetcher.Publish(staging, out.FinalPath); err != nil {
			return err
		}
		// Later workers find the final file before they need the lock.
		_ = os.Remove(staging + fsutil.LockSuffix)
		return nil
	})
	switch {
	case stderrors.Is(err, errPublishedMeanwhile):
		emit(w.Hooks, Event{State: StateSkipExists, Index: task.Index, Path: rel})
		return w.finish(ctx, out, status.SkipExists, "")
	case stderrors.Is(err, errors.ErrLockTimeout):
		logger.Warnf("Another worker is writing %s: %v", rel, err)
		out.Err = err
		emit(w.Hooks, Event{State: StateSkipNoSpace, Index: task.Index, Path: rel, Msg: err.Error()})
		return w.finish(ctx, out, status.SkipNoSpace, "")
	case err != nil:
		logger.Errorf("Transfer of %s failed: %v", rel, err)
		out.Err = err
		emit(w.Hooks, Event{State: StateFailTransfer, Index: task.Index, Path: rel, Msg: err.Error()})
		return w.finish(ctx, out, status.FailTransfer, "")
	}
	emit(w.Hooks, Event{State: StatePublished, Index: task.Index, Path: rel})

	// The artifact now occupies real space; verification can take long.
	w.release(ctx, claim)

	out.Verify = verify.NotApplicable
	if w.Verifier != nil {
		emit(w.Hooks, Event{State: StateVerify, Index: task.Index, Path: rel})
		result, err := w.Verifier.Verify(ctx, out.FinalPath, "")
		if err != nil {
			logger.Warnf("Verification of %s failed to run: %v", rel, err)
			result = verify.BAD
		}
		if result == verify.BAD {
			logger.Error("Checksum verification failed", logger.Fields{"path": rel})
		}
		out.Verify = result
	}

	return w.finish(ctx, out, status.Done, out.Verify.Marker())
}

func (w *Worker) finish(ctx context.Context, out Outcome, state status.State, extra string) (Outcome, error) {
	out.State = state
	emit(w.Hooks, Event{State: StateRecord, Index: out.Index, Path: out.Path, Msg: string(state)})

	cctx, cancel := cleanupContext(ctx)
	defer cancel()

	if err := w.Recorder.Record(cctx, status.Record{
		Index: out.Index,
		State: state,
		Path:  out.Path,
		Extra: extra,
	}); err != nil {
		return out, errors.Wrap(err, "failed to record task status")
	}
	return out, nil
}

func (w *Worker) artifactLockTimeout() time.Duration {
	if w.Options.ArtifactLockTimeout > 0 {
		return w.Options.ArtifactLockTimeout
	}
	return DefaultArtifactLockTimeout
}

func (w *Worker) release(ctx context.Context, claim Releaser) {
	cctx, cancel := cleanupContext(ctx)
	defer cancel()
	if err := claim.Release(cctx); err != nil {
		logger.Warnf("Failed to release reservation: %v", err)
	}
}

// cleanupContext survives cancellation of ctx so a task interrupted by a
// signal still releases its space and records its state.
func cleanupContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
}

func (w *Worker) validate() error {
	switch {
	case w.Mapper == nil:
		return fmt.Errorf("path mapper is not configured")
	case w.Probe == nil:
		return fmt.Errorf("size probe is not configured")
	case w.Reserver == nil:
		return fmt.Errorf("reservation ledger is not configured")
	case w.Fetcher == nil:
		return fmt.Errorf("transfer engine is not configured")
	case w.Recorder == nil:
		return fmt.Errorf("status ledger is not configured")
	}
	return nil
}

// LedgerReserver adapts a reservation ledger to Reserver.
type LedgerReserver struct {
	Ledger *reservation.Ledger
}

// Reserve implements Reserver.
func (r LedgerReserver) Reserve(ctx context.Context, req reservation.Request) (Releaser, error) {
	res, err := r.Ledger.Reserve(ctx, req)
	if err != nil {
		return nil, err
	}
	return res, nil
}
