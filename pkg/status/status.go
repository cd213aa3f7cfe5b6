// Package status maintains the append-only ledger with one line per task
// execution:
//
//	2024-05-01T12:00:00Z	17	DONE	genomes/hg38.fa.gz	VERIFY_OK
//
// Writers append under an advisory lock so concurrent workers never
// interleave lines. Readers need no coordination.
package status

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
)

// State is the terminal state recorded for a task.
type State string

// Terminal states.
const (
	Done         State = "DONE"
	SkipExists   State = "SKIP_EXISTS"
	SkipNoSpace  State = "SKIP_NOSPACE"
	FailTransfer State = "FAIL_TRANSFER"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case Done, SkipExists, SkipNoSpace, FailTransfer:
		return true
	}
	return false
}

// Retryable reports whether a task in this state should be submitted again.
func (s State) Retryable() bool {
	return s == FailTransfer || s == SkipNoSpace
}

// Record is one ledger line.
type Record struct {
	Time  time.Time
	Index int
	State State
	Path  string
	Extra string
}

const fieldCount = 5

// Line formats r without the trailing newline. Tabs and line breaks inside
// fields are replaced with spaces.
func (r Record) Line() string {
	return strings.Join([]string{
		r.Time.UTC().Format(time.RFC3339),
		strconv.Itoa(r.Index),
		sanitize(string(r.State)),
		sanitize(r.Path),
		sanitize(r.Extra),
	}, "\t")
}

var sanitizer = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")

func sanitize(s string) string {
	return sanitizer.Replace(s)
}

// ParseLine parses one ledger line.
func ParseLine(line string) (Record, error) {
	fields := strings.SplitN(strings.TrimRight(line, "\r\n"), "\t", fieldCount)
	if len(fields) != fieldCount {
		return Record{}, fmt.Errorf("%w: expected %d fields, got %d", errors.ErrMalformedRecord, fieldCount, len(fields))
	}

	ts, err := time.Parse(time.RFC3339, fields[0])
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad timestamp %q", errors.ErrMalformedRecord, fields[0])
	}
	index, err := strconv.Atoi(fields[1])
	if err != nil {
		return Record{}, fmt.Errorf("%w: bad task index %q", errors.ErrMalformedRecord, fields[1])
	}
	state := State(fields[2])
	if !state.Valid() {
		return Record{}, fmt.Errorf("%w: unknown state %q", errors.ErrMalformedRecord, fields[2])
	}

	return Record{Time: ts, Index: index, State: state, Path: fields[3], Extra: fields[4]}, nil
}

// Ledger appends records to the status file.
type Ledger struct {
	path        string
	lockTimeout time.Duration
	now         func() time.Time
}

// NewLedger creates a ledger writing to path. The file is created on the
// first Record.
func NewLedger(path string, lockTimeout time.Duration) *Ledger {
	return &Ledger{path: path, lockTimeout: lockTimeout, now: time.Now}
}

// Path returns the ledger file path.
func (l *Ledger) Path() string { return l.path }

// Record appends rec. A zero Time is set to the current time.
func (l *Ledger) Record(ctx context.Context, rec Record) error {
	if !rec.State.Valid() {
		return fmt.Errorf("%w: unknown state %q", errors.ErrMalformedRecord, rec.State)
	}
	if rec.Time.IsZero() {
		rec.Time = l.now()
	}
	line := []byte(rec.Line() + "\n")

	return fsutil.WithLock(ctx, l.path, l.lockTimeout, func() error {
		f, err := os.OpenFile(l.path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, fsutil.FileModeDefault)
		if err != nil {
			return errors.Wrapf(err, "failed to open status ledger %s", l.path)
		}
		if _, err := f.Write(line); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "failed to append status record")
		}
		if err := f.Sync(); err != nil {
			_ = f.Close()
			return errors.Wrap(err, "failed to sync status ledger")
		}
		return f.Close()
	})
}
