// Package http wraps net/http with the settings shared by the size probe and
// the transfer engine: a connect timeout on the dialer, a fixed User-Agent and
// optional host-scoped credentials.
package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/auth"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// DefaultUserAgent is sent when Options.UserAgent is empty.
const DefaultUserAgent = "sbd/1.0"

// Options configures a Client.
type Options struct {
	// ConnectTimeout bounds dialing a connection. Zero means no bound.
	ConnectTimeout time.Duration
	// Timeout bounds a whole request including reading the body. Zero means
	// no bound; the transfer engine uses per-attempt contexts instead.
	Timeout   time.Duration
	UserAgent string
	Auth      auth.Authenticator
}

// Client performs requests against the remote source.
type Client struct {
	client    *http.Client
	userAgent string
	auth      auth.Authenticator
}

// NewClient creates a client with the given options.
func NewClient(opts Options) *Client {
	dialer := &net.Dialer{
		Timeout:   opts.ConnectTimeout,
		KeepAlive: 30 * time.Second,
	}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
		// Raw bytes are needed for byte offsets to line up on resume.
		DisableCompression: true,
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		userAgent: ua,
		auth:      opts.Auth,
	}
}

// UserAgent returns the User-Agent sent with every request.
func (c *Client) UserAgent() string { return c.userAgent }

// NewRequest builds a request with the User-Agent and credentials applied.
func (c *Client) NewRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, http.NoBody)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}
	req.Header.Set("User-Agent", c.userAgent)
	if err := auth.ApplyTo(c.auth, req); err != nil {
		return nil, errors.Wrap(err, "failed to apply credentials")
	}
	return req, nil
}

// Do sends the request.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req)
}

// FileInfo holds the metadata a HEAD request reveals.
type FileInfo struct {
	// Size is -1 when the server does not declare a length.
	Size          int64
	AcceptsRanges bool
	LastModified  time.Time
}

// Head requests metadata for rawURL. Non-2xx responses return ErrUnexpectedStatus.
func (c *Client) Head(ctx context.Context, rawURL string) (*FileInfo, error) {
	req, err := c.NewRequest(ctx, http.MethodHead, rawURL)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resource not accessible: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: HTTP %d", errors.ErrUnexpectedStatus, resp.StatusCode)
	}

	info := &FileInfo{
		Size:          resp.ContentLength,
		AcceptsRanges: resp.Header.Get("Accept-Ranges") == "bytes",
	}
	if lm := resp.Header.Get("Last-Modified"); lm != "" {
		if t, err := http.ParseTime(lm); err == nil {
			info.LastModified = t
		}
	}
	return info, nil
}

// ParseContentRange parses a Content-Range header of the form
// "bytes start-end/total" or "bytes */total". Missing parts are returned as -1.
func ParseContentRange(value string) (start, end, total int64, err error) {
	start, end, total = -1, -1, -1

	rest, ok := strings.CutPrefix(strings.TrimSpace(value), "bytes ")
	if !ok {
		return start, end, total, fmt.Errorf("invalid content range %q", value)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return start, end, total, fmt.Errorf("invalid content range %q", value)
	}

	if size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil {
			return -1, -1, -1, fmt.Errorf("invalid content range total %q: %w", value, err)
		}
	}
	if span == "*" {
		return start, end, total, nil
	}

	from, to, ok := strings.Cut(span, "-")
	if !ok {
		return -1, -1, -1, fmt.Errorf("invalid content range %q", value)
	}
	if start, err = strconv.ParseInt(from, 10, 64); err != nil {
		return -1, -1, -1, fmt.Errorf("invalid content range start %q: %w", value, err)
	}
	if end, err = strconv.ParseInt(to, 10, 64); err != nil {
		return -1, -1, -1, fmt.Errorf("invalid content range end %q: %w", value, err)
	}
	return start, end, total, nil
}
