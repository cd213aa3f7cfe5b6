// Package probe asks the remote source how large an artifact is before any
// bytes are transferred.
package probe

import (
	"context"
	"fmt"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	sbdhttp "github.com/jakebutler98/slurm-batch-downloader/pkg/http"
)

// SizeProbe reports the transfer size of a remote artifact.
type SizeProbe interface {
	// Probe returns the size in bytes or an error wrapping errors.ErrSizeUnknown.
	Probe(ctx context.Context, rawURL string) (int64, error)
}

// HTTPProbe issues a HEAD request and reads Content-Length.
type HTTPProbe struct {
	client *sbdhttp.Client
}

// New creates a probe backed by client.
func New(client *sbdhttp.Client) *HTTPProbe {
	return &HTTPProbe{client: client}
}

// Probe implements SizeProbe. Every failure is reported as ErrSizeUnknown;
// callers fall back to a margin-only reservation.
func (p *HTTPProbe) Probe(ctx context.Context, rawURL string) (int64, error) {
	info, err := p.client.Head(ctx, rawURL)
	if err != nil {
		logger.Debugf("Size probe failed for %s: %v", rawURL, err)
		return 0, fmt.Errorf("%w: %s: %v", errors.ErrSizeUnknown, rawURL, err)
	}
	if info.Size < 0 {
		return 0, fmt.Errorf("%w: %s: no content length", errors.ErrSizeUnknown, rawURL)
	}
	return info.Size, nil
}
