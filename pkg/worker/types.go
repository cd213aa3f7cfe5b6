//go:generate mockgen -destination=./mocks/worker.go . Mapper,SizeProbe,Reserver,Releaser,Fetcher,Verifier,Recorder

package worker

import (
	"context"
	"time"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/reservation"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/status"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/verify"
)

// Mapper turns a source URL into a relative output path.
type Mapper interface {
	Map(ctx context.Context, rawURL string) (string, error)
}

// SizeProbe reports the remote size of an artifact.
type SizeProbe interface {
	Probe(ctx context.Context, rawURL string) (int64, error)
}

// Reserver claims disk space for a transfer.
type Reserver interface {
	Reserve(ctx context.Context, req reservation.Request) (Releaser, error)
}

// Releaser returns a claim. Release must be safe to call more than once.
type Releaser interface {
	Release(ctx context.Context) error
}

// Fetcher is the transfer engine.
type Fetcher interface {
	StagingPath(finalPath string) string
	Fetch(ctx context.Context, rawURL, stagingPath string, expectedSize int64) error
	Publish(stagingPath, finalPath string) error
}

// Verifier checks a published artifact against its manifest.
type Verifier interface {
	Verify(ctx context.Context, finalPath, manifestDir string) (verify.Result, error)
}

// Recorder appends to the status ledger.
type Recorder interface {
	Record(ctx context.Context, rec status.Record) error
}

// State is a step of the per-task state machine.
type State string

// Task states, in the order a successful task passes through them.
const (
	StateSelected     State = "SELECTED"
	StateExistsCheck  State = "EXISTS_CHECK"
	StateSkipExists   State = "SKIP_EXISTS"
	StateSizeProbe    State = "SIZE_PROBE"
	StateReserve      State = "RESERVE"
	StateSkipNoSpace  State = "SKIP_NOSPACE"
	StateTransfer     State = "TRANSFER"
	StateFailTransfer State = "FAIL_TRANSFER"
	StatePublished    State = "PUBLISHED"
	StateVerify       State = "VERIFY"
	StateRecord       State = "RECORD"
)

// Event is emitted on every state transition.
type Event struct {
	State State
	Index int
	Path  string
	Msg   string
}

// Hooks carries callbacks for progress events.
type Hooks struct {
	OnEvent func(Event)
}

// Options control task execution.
type Options struct {
	// OutputDir is the root that relative paths are resolved against.
	OutputDir string
	// SafetyMargin is the free space every reservation leaves untouched.
	SafetyMargin int64
	// ArtifactLockTimeout bounds the wait for another worker writing the
	// same staging file. Zero uses DefaultArtifactLockTimeout.
	ArtifactLockTimeout time.Duration
}

// Outcome is the result of one task execution.
type Outcome struct {
	Index     int
	URL       string
	Path      string
	FinalPath string
	State     status.State
	Verify    verify.Result
	// Size is the probed size, -1 if unknown.
	Size int64
	// Err holds the cause of a SKIP_NOSPACE or FAIL_TRANSFER outcome.
	Err error
}

// ExitCode maps the outcome to the process exit status. Skips and verified
// or unverified successes exit 0, failed transfers exit 1.
func (o Outcome) ExitCode() int {
	if o.State == status.FailTransfer {
		return 1
	}
	return 0
}
