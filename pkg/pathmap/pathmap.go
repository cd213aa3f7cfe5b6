// Package pathmap turns source URLs into relative output paths.
//
// A mapping must be deterministic and side-effect free. When a rule does not
// apply to a URL the mapper fails with errors.ErrMappingFailed instead of
// falling back to the URL itself; tooling relies on that to sanity-check
// input lists before a batch is submitted.
package pathmap

import (
	"context"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/config"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// Mapper maps a source URL to a relative output path.
type Mapper interface {
	Map(ctx context.Context, rawURL string) (string, error)
}

// DefaultPattern strips the scheme and host.
const DefaultPattern = `[A-Za-z][A-Za-z0-9+.-]*://[^/]+/`

// StripRule removes a leading match of a regular expression from the URL.
type StripRule struct {
	re *regexp.Regexp
}

// NewPrefixRule strips a literal prefix.
func NewPrefixRule(prefix string) *StripRule {
	return &StripRule{re: regexp.MustCompile("^" + regexp.QuoteMeta(prefix))}
}

// NewPatternRule strips a regular expression match anchored at the start of the URL.
func NewPatternRule(pattern string) (*StripRule, error) {
	re, err := regexp.Compile("^(?:" + pattern + ")")
	if err != nil {
		return nil, errors.Wrapf(err, "invalid strip pattern %q", pattern)
	}
	return &StripRule{re: re}, nil
}

// Map implements Mapper.
func (r *StripRule) Map(_ context.Context, rawURL string) (string, error) {
	loc := r.re.FindStringIndex(rawURL)
	if loc == nil {
		return "", errors.ErrMappingFailedWithURL(rawURL, "strip rule does not match")
	}
	return Normalize(rawURL, rawURL[loc[1]:])
}

// New builds the mapper selected by the configuration.
func New(cfg config.MappingConfig) (Mapper, error) {
	switch {
	case cfg.Script != "":
		src, err := os.ReadFile(cfg.Script)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read mapping script %s", cfg.Script)
		}
		return NewScriptRule(src)
	case cfg.StripPattern != "":
		return NewPatternRule(cfg.StripPattern)
	case cfg.StripPrefix != "":
		return NewPrefixRule(cfg.StripPrefix), nil
	default:
		return NewPatternRule(DefaultPattern)
	}
}

// Normalize turns the remainder of a URL into a clean relative path.
// The query and fragment are dropped, percent-encoding is decoded, empty and
// "." segments are removed. Results that are empty, absolute or contain a
// ".." segment are rejected; rawURL is only used for error messages.
func Normalize(rawURL, rest string) (string, error) {
	if i := strings.IndexAny(rest, "?#"); i >= 0 {
		rest = rest[:i]
	}

	decoded, err := url.PathUnescape(rest)
	if err != nil {
		return "", errors.ErrMappingFailedWithURL(rawURL, "invalid escape sequence")
	}
	if strings.ContainsAny(decoded, "\\\x00") {
		return "", errors.ErrMappingFailedWithURL(rawURL, "path contains forbidden characters")
	}
	if strings.HasPrefix(decoded, "/") {
		return "", errors.ErrMappingFailedWithURL(rawURL, "path is absolute")
	}

	segments := make([]string, 0, strings.Count(decoded, "/")+1)
	for _, seg := range strings.Split(decoded, "/") {
		switch seg {
		case "", ".":
			continue
		case "..":
			return "", errors.ErrMappingFailedWithURL(rawURL, "path contains '..'")
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", errors.ErrMappingFailedWithURL(rawURL, "empty path")
	}
	return strings.Join(segments, "/"), nil
}
