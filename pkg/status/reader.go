package status

import (
	"bufio"
	"io"
	"os"
	"slices"
	"time"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// Filter selects records. Zero fields match everything.
type Filter struct {
	States []State
	Index  int
	Since  time.Time
}

// Match reports whether r passes the filter.
func (f Filter) Match(r Record) bool {
	if f.Index > 0 && r.Index != f.Index {
		return false
	}
	if !f.Since.IsZero() && r.Time.Before(f.Since) {
		return false
	}
	if len(f.States) > 0 && !slices.Contains(f.States, r.State) {
		return false
	}
	return true
}

// Read parses all records from r that match f, in file order. Malformed
// lines, such as a partial line from a writer that was killed, are skipped.
func Read(r io.Reader, f Filter) ([]Record, error) {
	var records []Record

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if line == "" {
			continue
		}
		rec, err := ParseLine(line)
		if err != nil {
			logger.Debugf("Skipping status line %d: %v", lineNo, err)
			continue
		}
		if f.Match(rec) {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "failed to read status ledger")
	}
	return records, nil
}

// ReadFile reads the ledger at path. A missing file yields no records.
func ReadFile(path string, f Filter) ([]Record, error) {
	file, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open status ledger %s", path)
	}
	defer func() { _ = file.Close() }()
	return Read(file, f)
}

// Latest keeps the last record of every task, ordered by task index.
func Latest(records []Record) []Record {
	last := make(map[int]Record, len(records))
	for _, r := range records {
		last[r.Index] = r
	}

	out := make([]Record, 0, len(last))
	for _, r := range last {
		out = append(out, r)
	}
	slices.SortFunc(out, func(a, b Record) int { return a.Index - b.Index })
	return out
}

// RetryIndices returns the task indices whose latest record is retryable.
func RetryIndices(records []Record) []int {
	var out []int
	for _, r := range Latest(records) {
		if r.State.Retryable() {
			out = append(out, r.Index)
		}
	}
	return out
}
