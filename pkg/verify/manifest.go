package verify

import (
	"bufio"
	"io"
	"os"
	"path"
	"regexp"
	"strings"

	"github.com/jakebutler98/slurm-batch-downloader/internal/logger"
	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

// Supported digest algorithms.
const (
	AlgoMD5    = "md5"
	AlgoSHA1   = "sha1"
	AlgoSHA256 = "sha256"
	AlgoSHA512 = "sha512"
)

var digestLengths = map[int]string{
	32:  AlgoMD5,
	40:  AlgoSHA1,
	64:  AlgoSHA256,
	128: AlgoSHA512,
}

var (
	// 3b5d5c3712955042212316173ccf37be  file.tar.gz   (or " *file.tar.gz")
	canonicalLine = regexp.MustCompile(`^([0-9a-fA-F]+)\s+\*?(.+)$`)
	// SHA256 (file.tar.gz) = 9f86d081884c7d65...
	taggedLine = regexp.MustCompile(`^([A-Za-z0-9-]+)\s*\((.+)\)\s*=\s*([0-9a-fA-F]+)$`)
)

// Entry is one normalized manifest line.
type Entry struct {
	// Name is slash-separated and relative to the manifest's directory.
	Name   string
	Algo   string
	Digest string
}

// Manifest maps file names to their expected digests.
type Manifest struct {
	Entries []Entry
	// Unsupported holds tagged entries whose algorithm cannot be computed,
	// e.g. SHA384 or BLAKE2b.
	Unsupported []Entry
}

// LookupUnsupported returns the unsupported entry for name.
func (m Manifest) LookupUnsupported(name string) (Entry, bool) {
	name = cleanName(name)
	for _, e := range m.Unsupported {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// Lookup returns the entry for name.
func (m Manifest) Lookup(name string) (Entry, bool) {
	name = cleanName(name)
	for _, e := range m.Entries {
		if e.Name == name {
			return e, true
		}
	}
	return Entry{}, false
}

// ParseManifest reads checksum lines in either the canonical
// "<hex>  <name>" form or the tagged "ALGO (<name>) = <hex>" form. Blank
// lines, comments and lines in neither form are skipped, so signed manifests
// parse as well. A later entry for the same name replaces an earlier one.
// Tagged lines naming an algorithm other than md5, sha1, sha256 or sha512
// are collected in Unsupported.
func ParseManifest(r io.Reader) (Manifest, error) {
	var m Manifest
	index := make(map[string]int)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		entry, ok := parseLine(scanner.Text())
		if !ok {
			continue
		}
		if !supportedAlgo(entry.Algo) {
			logger.Warnf("Manifest entry for %s uses unsupported algorithm %s", entry.Name, entry.Algo)
			m.Unsupported = append(m.Unsupported, entry)
			continue
		}
		if i, seen := index[entry.Name]; seen {
			m.Entries[i] = entry
			continue
		}
		index[entry.Name] = len(m.Entries)
		m.Entries = append(m.Entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return Manifest{}, errors.Wrap(err, "failed to read manifest")
	}
	return m, nil
}

// ParseManifestFile parses the manifest at path.
func ParseManifestFile(path string) (Manifest, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, errors.Wrapf(err, "failed to open manifest %s", path)
	}
	defer func() { _ = f.Close() }()
	return ParseManifest(f)
}

func parseLine(line string) (Entry, bool) {
	line = strings.TrimSpace(strings.TrimPrefix(line, "\ufeff"))
	if line == "" || strings.HasPrefix(line, "#") {
		return Entry{}, false
	}

	if m := taggedLine.FindStringSubmatch(line); m != nil {
		algo := normalizeAlgo(m[1])
		digest := strings.ToLower(m[3])
		if !supportedAlgo(algo) {
			return newEntry(m[2], algo, digest)
		}
		if digestLengths[len(digest)] != algo {
			return Entry{}, false
		}
		return newEntry(m[2], algo, digest)
	}

	if m := canonicalLine.FindStringSubmatch(line); m != nil {
		digest := strings.ToLower(m[1])
		algo, ok := digestLengths[len(digest)]
		if !ok {
			return Entry{}, false
		}
		return newEntry(m[2], algo, digest)
	}
	return Entry{}, false
}

func newEntry(name, algo, digest string) (Entry, bool) {
	name = cleanName(name)
	if name == "" || name == "." || strings.HasPrefix(name, "../") || name == ".." || path.IsAbs(name) {
		return Entry{}, false
	}
	return Entry{Name: name, Algo: algo, Digest: digest}, true
}

func cleanName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	return path.Clean(name)
}

func supportedAlgo(algo string) bool {
	switch algo {
	case AlgoMD5, AlgoSHA1, AlgoSHA256, AlgoSHA512:
		return true
	}
	return false
}

func normalizeAlgo(tag string) string {
	tag = strings.ToLower(strings.ReplaceAll(tag, "-", ""))
	switch tag {
	case "sha2256":
		return AlgoSHA256
	case "sha2512":
		return AlgoSHA512
	}
	return tag
}
