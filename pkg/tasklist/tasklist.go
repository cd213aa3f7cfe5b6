// Package tasklist reads the newline-delimited input list of source URLs.
// Tasks are addressed with a 1-based index over the non-blank lines.
package tasklist

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// Task is one unit of work: a single source URL and its position in the list.
type Task struct {
	Index     int
	SourceURL string
}

// maxLineLength bounds a single URL line; signed URLs can be long.
const maxLineLength = 1024 * 1024

// Read parses every task from r.
func Read(r io.Reader) ([]Task, error) {
	var tasks []Task
	err := scan(r, func(t Task) bool {
		tasks = append(tasks, t)
		return true
	})
	return tasks, err
}

// ReadFile parses every task from the file at path.
func ReadFile(path string) ([]Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open input list %s", path)
	}
	defer func() { _ = f.Close() }()
	return Read(f)
}

// Select returns the task with the given 1-based index without reading the
// rest of the list into memory.
func Select(r io.Reader, index int) (Task, error) {
	if index < 1 {
		return Task{}, errors.ErrTaskIndexOutOfRangeWithDetails(index, 0)
	}

	var (
		found Task
		count int
	)
	err := scan(r, func(t Task) bool {
		count = t.Index
		if t.Index == index {
			found = t
			return false
		}
		return true
	})
	if err != nil {
		return Task{}, err
	}
	if found.Index == 0 {
		return Task{}, errors.ErrTaskIndexOutOfRangeWithDetails(index, count)
	}
	return found, nil
}

// SelectFile is Select over the file at path.
func SelectFile(path string, index int) (Task, error) {
	f, err := os.Open(path)
	if err != nil {
		return Task{}, errors.Wrapf(err, "failed to open input list %s", path)
	}
	defer func() { _ = f.Close() }()
	return Select(f, index)
}

func scan(r io.Reader, fn func(Task) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineLength)

	index := 0
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		index++
		if !fn(Task{Index: index, SourceURL: line}) {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read input list: %w", err)
	}
	return nil
}
