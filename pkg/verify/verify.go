// Package verify checks published artifacts against a checksum manifest
// found next to them.
package verify

import (
	"context"
	"crypto/md5"  //nolint:gosec // md5 manifests are still common on data mirrors
	"crypto/sha1" //nolint:gosec // same for sha1
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/mholt/archives"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/fsutil"
)

// Result is the outcome of a verification.
type Result int

// Verification results.
const (
	NotApplicable Result = iota
	NoManifest
	OK
	BAD
)

func (r Result) String() string {
	switch r {
	case OK:
		return "OK"
	case BAD:
		return "BAD"
	case NoManifest:
		return "NO_MANIFEST"
	default:
		return "NOT_APPLICABLE"
	}
}

// Marker returns the token recorded in the status ledger's extra column.
func (r Result) Marker() string {
	switch r {
	case OK:
		return "VERIFY_OK"
	case BAD:
		return "VERIFY_BAD"
	default:
		return "NA"
	}
}

// Options configures a Verifier.
type Options struct {
	// ManifestNames are tried in order in the manifest directory.
	ManifestNames []string
	// Extensions select verifiable artifacts by suffix, e.g. ".tar.gz".
	// When empty, archive and compression formats are detected from the
	// file name and header.
	Extensions []string
}

// Verifier checks artifacts against manifests.
type Verifier struct {
	opts Options
}

// New creates a Verifier.
func New(opts Options) *Verifier {
	return &Verifier{opts: opts}
}

// Verify checks finalPath against the manifest in manifestDir, which
// defaults to the artifact's directory. Every manifest entry whose file is
// present is hashed; entries for absent files are ignored.
func (v *Verifier) Verify(ctx context.Context, finalPath, manifestDir string) (Result, error) {
	applies, err := v.Applies(ctx, finalPath)
	if err != nil {
		return NotApplicable, err
	}
	if !applies {
		return NotApplicable, nil
	}

	if manifestDir == "" {
		manifestDir = filepath.Dir(finalPath)
	}
	manifestPath, ok := v.FindManifest(manifestDir)
	if !ok {
		return NoManifest, nil
	}

	manifest, err := ParseManifestFile(manifestPath)
	if err != nil {
		return NoManifest, err
	}
	if err := checkSupported(manifest, manifestDir, finalPath); err != nil {
		return BAD, errors.Wrapf(err, "cannot check %s against %s", filepath.Base(finalPath), manifestPath)
	}
	if len(manifest.Entries) == 0 {
		logger.Warnf("Manifest %s has no checksum entries", manifestPath)
		return NoManifest, nil
	}

	checked := 0
	for _, entry := range manifest.Entries {
		target := filepath.Join(manifestDir, filepath.FromSlash(entry.Name))
		if !fsutil.Exists(target) {
			continue
		}

		got, err := hashFile(ctx, target, entry.Algo)
		if err != nil {
			return BAD, err
		}
		checked++

		if got != entry.Digest {
			logger.WarnfWithFields(logger.Fields{
				"file":     entry.Name,
				"algo":     entry.Algo,
				"expected": entry.Digest,
				"actual":   got,
			}, "Checksum mismatch")
			return BAD, nil
		}
	}

	logger.Debugf("Verified %d file(s) against %s", checked, manifestPath)
	return OK, nil
}

// checkSupported fails when the manifest names the artifact only under an
// unsupported algorithm, or lists nothing this tool can hash.
func checkSupported(m Manifest, manifestDir, finalPath string) error {
	if len(m.Unsupported) == 0 {
		return nil
	}
	if len(m.Entries) == 0 {
		algos := make([]string, 0, len(m.Unsupported))
		for _, e := range m.Unsupported {
			if !slices.Contains(algos, e.Algo) {
				algos = append(algos, e.Algo)
			}
		}
		return errors.Wrapf(errors.ErrUnsupportedAlgorithm, "manifest only lists %s", strings.Join(algos, ", "))
	}

	rel, err := filepath.Rel(manifestDir, finalPath)
	if err != nil {
		return nil
	}
	if _, ok := m.Lookup(filepath.ToSlash(rel)); ok {
		return nil
	}
	if e, ok := m.LookupUnsupported(filepath.ToSlash(rel)); ok {
		return errors.Wrapf(errors.ErrUnsupportedAlgorithm, "%s for %s", e.Algo, e.Name)
	}
	return nil
}

// Applies reports whether finalPath is subject to verification.
func (v *Verifier) Applies(ctx context.Context, finalPath string) (bool, error) {
	if len(v.opts.Extensions) > 0 {
		name := strings.ToLower(filepath.Base(finalPath))
		for _, ext := range v.opts.Extensions {
			if ext != "" && strings.HasSuffix(name, strings.ToLower(ext)) {
				return true, nil
			}
		}
		return false, nil
	}

	f, err := os.Open(finalPath)
	if err != nil {
		return false, errors.Wrapf(err, "failed to open %s", finalPath)
	}
	defer func() { _ = f.Close() }()

	_, _, err = archives.Identify(ctx, filepath.Base(finalPath), f)
	if stderrors.Is(err, archives.NoMatch) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "failed to identify %s", finalPath)
	}
	return true, nil
}

// FindManifest returns the first configured manifest present in dir.
func (v *Verifier) FindManifest(dir string) (string, bool) {
	for _, name := range v.opts.ManifestNames {
		p := filepath.Join(dir, name)
		if info, err := os.Stat(p); err == nil && info.Mode().IsRegular() {
			return p, true
		}
	}
	return "", false
}

func newHash(algo string) (hash.Hash, error) {
	switch algo {
	case AlgoMD5:
		return md5.New(), nil //nolint:gosec
	case AlgoSHA1:
		return sha1.New(), nil //nolint:gosec
	case AlgoSHA256:
		return sha256.New(), nil
	case AlgoSHA512:
		return sha512.New(), nil
	}
	return nil, fmt.Errorf("unsupported digest algorithm %q", algo)
}

func hashFile(ctx context.Context, path, algo string) (string, error) {
	h, err := newHash(algo)
	if err != nil {
		return "", err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrap(err, "open for checksum")
	}
	defer func() { _ = f.Close() }()

	if _, err := io.Copy(h, &ctxReader{ctx: ctx, r: f}); err != nil {
		return "", errors.Wrap(err, "hashing")
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ctxReader stops a long hash when the context is canceled.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
