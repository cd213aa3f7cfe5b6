// Package transfer downloads one artifact into a staging file, resuming from
// whatever a previous attempt left behind, and publishes it with an atomic
// rename once complete.
package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
	sbdhttp "github.com/jakebutler98/slurm-batch-downloader/pkg/http"
)

// Defaults applied when Options fields are zero.
const (
	DefaultMaxAttempts   = 5
	DefaultRetryDelay    = 10 * time.Second
	DefaultStagingSuffix = ".part"
)

// Options controls retries and staging.
type Options struct {
	MaxAttempts int
	// AttemptTimeout bounds a single attempt including the body. Zero means
	// only the caller's context applies.
	AttemptTimeout time.Duration
	RetryDelay     time.Duration
	StagingSuffix  string
}

// Engine performs resumable transfers.
type Engine struct {
	client *sbdhttp.Client
	opts   Options
}

// New creates an Engine using client for all requests.
func New(client *sbdhttp.Client, opts Options) *Engine {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.StagingSuffix == "" {
		opts.StagingSuffix = DefaultStagingSuffix
	}
	return &Engine{client: client, opts: opts}
}

// StagingPath returns the sidecar path used while finalPath is incomplete.
func (e *Engine) StagingPath(finalPath string) string {
	return finalPath + e.opts.StagingSuffix
}

// Fetch downloads rawURL into stagingPath. A non-empty staging file is
// resumed with a range request. expectedSize is the probed size or negative
// if unknown; a body that ends before it counts as a failed attempt.
// After MaxAttempts failures Fetch returns errors.ErrTransferFailed and leaves
// the staging file for a later resume.
func (e *Engine) Fetch(ctx context.Context, rawURL, stagingPath string, expectedSize int64) error {
	if err := fsutil.EnsureFileDir(stagingPath); err != nil {
		return errors.Wrapf(err, "could not create directory for %s", stagingPath)
	}

	var lastErr error
	attempts := 0
	for attempts < e.opts.MaxAttempts {
		attempts++

		err := e.attempt(ctx, rawURL, stagingPath, expectedSize)
		if err == nil {
			return nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return fmt.Errorf("%w: %s: %w", errors.ErrTransferFailed, rawURL, ctx.Err())
		}
		if isPermanent(err) {
			break
		}

		logger.WarnfWithFields(logger.Fields{
			"url":     rawURL,
			"attempt": attempts,
			"max":     e.opts.MaxAttempts,
		}, "Transfer attempt failed: %v", err)

		if attempts < e.opts.MaxAttempts {
			if err := sleep(ctx, e.opts.RetryDelay); err != nil {
				return fmt.Errorf("%w: %s: %w", errors.ErrTransferFailed, rawURL, err)
			}
		}
	}

	return fmt.Errorf("%w: %s after %d attempt(s): %w", errors.ErrTransferFailed, rawURL, attempts, lastErr)
}

// Publish atomically moves the completed staging file to finalPath.
func (e *Engine) Publish(stagingPath, finalPath string) error {
	if err := fsutil.Move(stagingPath, finalPath); err != nil {
		return errors.Wrapf(err, "could not publish %s", finalPath)
	}
	if err := os.Chmod(finalPath, fsutil.FileModeDefault); err != nil {
		return errors.Wrap(err, "could not set permissions")
	}
	return nil
}

func (e *Engine) attempt(ctx context.Context, rawURL, stagingPath string, expectedSize int64) error {
	offset, err := fsutil.FileSize(stagingPath)
	if err != nil {
		return errors.Wrapf(err, "could not stat %s", stagingPath)
	}
	if expectedSize >= 0 && offset > expectedSize {
		// Larger than the remote artifact: the staging file is from something else.
		logger.Warnf("Staging file %s is larger than expected, restarting", stagingPath)
		if err := os.Truncate(stagingPath, 0); err != nil {
			return errors.Wrap(err, "could not truncate staging file")
		}
		offset = 0
	}

	if e.opts.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.AttemptTimeout)
		defer cancel()
	}

	req, err := e.client.NewRequest(ctx, http.MethodGet, rawURL)
	if err != nil {
		return permanent(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return errors.Wrap(err, "request failed")
	}
	defer func() { _ = resp.Body.Close() }()

	var flags int
	switch resp.StatusCode {
	case http.StatusPartialContent:
		start, _, _, err := sbdhttp.ParseContentRange(resp.Header.Get("Content-Range"))
		if err != nil || start != offset {
			// The server answered a different range; start over next attempt.
			_ = os.Truncate(stagingPath, 0)
			return fmt.Errorf("server returned range starting at %d, wanted %d", start, offset)
		}
		flags = os.O_WRONLY | os.O_APPEND
	case http.StatusOK:
		if offset > 0 {
			logger.Debugf("Server ignored range request for %s, restarting from zero", rawURL)
		}
		offset = 0
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	case http.StatusRequestedRangeNotSatisfiable:
		_, _, total, _ := sbdhttp.ParseContentRange(resp.Header.Get("Content-Range"))
		complete := offset > 0 && (total == offset || (total < 0 && expectedSize == offset))
		if complete && (expectedSize < 0 || expectedSize == offset) {
			logger.Debugf("Staging file %s is already complete", stagingPath)
			return nil
		}
		_ = os.Truncate(stagingPath, 0)
		return fmt.Errorf("%w: 416 for offset %d (remote size %d)", errors.ErrUnexpectedStatus, offset, total)
	default:
		err := fmt.Errorf("%w: HTTP %d", errors.ErrUnexpectedStatus, resp.StatusCode)
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound, http.StatusGone:
			return permanent(err)
		}
		return err
	}

	f, err := os.OpenFile(stagingPath, flags|os.O_CREATE, fsutil.FileModeDefault)
	if err != nil {
		return errors.Wrap(err, "could not open staging file")
	}

	started := time.Now()
	n, copyErr := io.Copy(f, resp.Body)
	syncErr := f.Sync()
	closeErr := f.Close()

	logger.DebugfWithFields(logger.Fields{
		"url":     rawURL,
		"offset":  offset,
		"written": n,
	}, "Transferred %s in %s", humanize.IBytes(uint64(n)), time.Since(started).Round(time.Millisecond))

	if copyErr != nil {
		return errors.Wrap(copyErr, "transfer interrupted")
	}
	if syncErr != nil {
		return errors.Wrap(syncErr, "could not sync staging file")
	}
	if closeErr != nil {
		return errors.Wrap(closeErr, "could not close staging file")
	}

	got := offset + n
	if resp.ContentLength >= 0 && n != resp.ContentLength {
		return fmt.Errorf("short body: got %d of %d bytes", n, resp.ContentLength)
	}
	if expectedSize >= 0 && got != expectedSize {
		return fmt.Errorf("size mismatch: have %d bytes, expected %d", got, expectedSize)
	}
	return nil
}

type permanentError struct{ err error }

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

func permanent(err error) error { return &permanentError{err: err} }

func isPermanent(err error) bool {
	_, ok := err.(*permanentError)
	return ok
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
