// Package testutil provides a file mirror and configuration helpers for
// end-to-end tests of the downloader.
package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
)

// Mirror is a test HTTP server that serves files from a directory with
// Range support and can inject transient failures.
type Mirror struct {
	Server *httptest.Server
	URL    string
	Root   string

	mu        sync.Mutex
	failGets  int
	gets      int
	rangeGets int
}

// NewMirror starts a mirror serving files, a map of slash separated
// relative paths to content. It is closed when the test ends.
func NewMirror(t *testing.T, files map[string][]byte) *Mirror {
	t.Helper()

	m := &Mirror{Root: t.TempDir()}
	for rel, content := range files {
		m.AddFile(t, rel, content)
	}

	fileServer := http.FileServer(http.Dir(m.Root))
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			m.mu.Lock()
			m.gets++
			if r.Header.Get("Range") != "" {
				m.rangeGets++
			}
			fail := m.failGets > 0
			if fail {
				m.failGets--
			}
			m.mu.Unlock()

			if fail {
				logger.Debugf("Mirror failing GET %s", r.URL.Path)
				http.Error(w, "try again later", http.StatusServiceUnavailable)
				return
			}
		}
		fileServer.ServeHTTP(w, r)
	}))
	m.URL = m.Server.URL
	t.Cleanup(m.Server.Close)
	return m
}

// AddFile writes content under rel in the mirror root.
func (m *Mirror) AddFile(t *testing.T, rel string, content []byte) {
	t.Helper()
	path := filepath.Join(m.Root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("Failed to create mirror directory: %v", err)
	}
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("Failed to write mirror file %s: %v", rel, err)
	}
}

// FailNextGets makes the next n GET requests answer 503.
func (m *Mirror) FailNextGets(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failGets = n
}

// Gets returns the number of GET requests seen and how many carried a Range header.
func (m *Mirror) Gets() (total, ranged int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gets, m.rangeGets
}

// FileURL returns the URL of rel on the mirror.
func (m *Mirror) FileURL(rel string) string {
	return m.URL + "/" + strings.TrimPrefix(rel, "/")
}

// ConfigOptions are the values SetupTestConfig writes.
type ConfigOptions struct {
	InputList    string
	OutputDir    string
	SafetyMargin string
	Extensions   []string
}

// SetupTestConfig writes a config file that maps the mirror's URLs into
// opts.OutputDir, with fast retries and verification enabled, and returns
// its path.
func SetupTestConfig(t *testing.T, mirrorURL string, opts ConfigOptions) string {
	t.Helper()

	if opts.SafetyMargin == "" {
		opts.SafetyMargin = "1KiB"
	}
	extensions := "[]"
	if len(opts.Extensions) > 0 {
		extensions = "[" + strings.Join(opts.Extensions, ", ") + "]"
	}

	configStr := fmt.Sprintf(`paths:
  input_list: %s
  output_dir: %s
mapping:
  strip_prefix: %s/
reservation:
  safety_margin: %s
  lock_timeout: 5s
transfer:
  max_attempts: 3
  retry_delay: 10ms
  attempt_timeout: 10s
verify:
  enabled: true
  manifest_names: [SHA256SUMS, MD5SUMS]
  extensions: %s
`, opts.InputList, opts.OutputDir, mirrorURL, opts.SafetyMargin, extensions)

	configPath := filepath.Join(t.TempDir(), "sbd.yaml")
	if err := os.WriteFile(configPath, []byte(configStr), 0o600); err != nil {
		t.Fatalf("Failed to write test config: %v", err)
	}
	logger.Debugf("Wrote test config to %s", configPath)
	return configPath
}

// WriteInputList writes urls, one per line, and returns the file path.
func WriteInputList(t *testing.T, urls ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "urls.txt")
	if err := os.WriteFile(path, []byte(strings.Join(urls, "\n")+"\n"), 0o600); err != nil {
		t.Fatalf("Failed to write input list: %v", err)
	}
	return path
}
