package http

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/auth"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

func TestNewClient_UserAgent(t *testing.T) {
	assert.Equal(t, DefaultUserAgent, NewClient(Options{}).UserAgent())
	assert.Equal(t, "custom/2.0", NewClient(Options{UserAgent: "custom/2.0"}).UserAgent())
}

func TestNewRequest_AppliesHeaders(t *testing.T) {
	c := NewClient(Options{
		UserAgent: "test-agent",
		Auth:      auth.BearerAuth{Token: "secret"},
	})

	req, err := c.NewRequest(context.Background(), http.MethodGet, "https://example.org/file")
	require.NoError(t, err)
	assert.Equal(t, "test-agent", req.Header.Get("User-Agent"))
	assert.Equal(t, "Bearer secret", req.Header.Get("Authorization"))

	_, err = c.NewRequest(context.Background(), http.MethodGet, "://bad")
	assert.Error(t, err)
}

func TestHead(t *testing.T) {
	modified := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantSize    int64
		wantRanges  bool
		expectError bool
	}{
		{
			name: "length and ranges",
			handler: func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodHead, r.Method)
				w.Header().Set("Content-Length", "1234")
				w.Header().Set("Accept-Ranges", "bytes")
				w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
			},
			wantSize:   1234,
			wantRanges: true,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(tt.handler)
			defer server.Close()

			info, err := NewClient(Options{Timeout: time.Second}).Head(context.Background(), server.URL)
			if tt.expectError {
				require.Error(t, err)
				assert.ErrorIs(t, err, errors.ErrUnexpectedStatus)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSize, info.Size)
			assert.Equal(t, tt.wantRanges, info.AcceptsRanges)
			assert.True(t, modified.Equal(info.LastModified))
		})
	}
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		value              string
		wantStart, wantEnd int64
		wantTotal          int64
		expectError        bool
	}{
		{value: "bytes 0-99/1000", wantStart: 0, wantEnd: 99, wantTotal: 1000},
		{value: "bytes 500-999/*", wantStart: 500, wantEnd: 999, wantTotal: -1},
		{value: "bytes */1000", wantStart: -1, wantEnd: -1, wantTotal: 1000},
		{value: "items 0-1/2", expectError: true},
		{value: "bytes 0-99", expectError: true},
		{value: "bytes x-99/100", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			start, end, total, err := ParseContentRange(tt.value)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantStart, start)
			assert.Equal(t, tt.wantEnd, end)
			assert.Equal(t, tt.wantTotal, total)
		})
	}
}
