package verify

import (
	"archive/zip"
	"context"
	"crypto/md5" //nolint:gosec
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jakebutler98/slurm-batch-downloader/pkg/errors"
)

var defaultNames = []string{"MD5SUMS", "SHA256SUMS"}

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func md5Hex(data []byte) string {
	sum := md5.Sum(data) //nolint:gosec
	return hex.EncodeToString(sum[:])
}

func TestVerify_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "data.tar.gz")
	content := []byte("archive bytes")
	writeFile(t, artifact, content)
	writeFile(t, filepath.Join(dir, "SHA256SUMS"), []byte(sha256Hex(content)+"  data.tar.gz\n"))

	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".tar.gz"}})
	result, err := v.Verify(context.Background(), artifact, "")
	require.NoError(t, err)
	assert.Equal(t, OK, result)
	assert.Equal(t, "VERIFY_OK", result.Marker())
}

func TestVerify_SingleByteMutation(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "data.tar.gz")
	content := []byte("archive bytes")
	writeFile(t, filepath.Join(dir, "MD5SUMS"), []byte("MD5 (data.tar.gz) = "+md5Hex(content)+"\n"))

	mutated := append([]byte(nil), content...)
	mutated[3] ^= 0x01
	writeFile(t, artifact, mutated)

	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".tar.gz"}})
	result, err := v.Verify(context.Background(), artifact, dir)
	require.NoError(t, err)
	assert.Equal(t, BAD, result)
	assert.Equal(t, "VERIFY_BAD", result.Marker())
}

func TestVerify_SiblingMismatchIsBad(t *testing.T) {
	dir := t.TempDir()
	a := []byte("first")
	b := []byte("second")
	writeFile(t, filepath.Join(dir, "a.zip"), a)
	writeFile(t, filepath.Join(dir, "b.zip"), []byte("tampered"))
	writeFile(t, filepath.Join(dir, "SHA256SUMS"), []byte(
		sha256Hex(a)+"  a.zip\n"+sha256Hex(b)+"  b.zip\n"))

	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".zip"}})
	result, err := v.Verify(context.Background(), filepath.Join(dir, "a.zip"), "")
	require.NoError(t, err)
	assert.Equal(t, BAD, result)
}

func TestVerify_AbsentEntriesIgnored(t *testing.T) {
	dir := t.TempDir()
	content := []byte("present")
	writeFile(t, filepath.Join(dir, "a.zip"), content)
	writeFile(t, filepath.Join(dir, "SHA256SUMS"), []byte(
		sha256Hex(content)+"  a.zip\n"+sha256Hex([]byte("x"))+"  not-yet-downloaded.zip\n"))

	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".zip"}})
	result, err := v.Verify(context.Background(), filepath.Join(dir, "a.zip"), "")
	require.NoError(t, err)
	assert.Equal(t, OK, result)
}

func TestVerify_NoManifest(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "data.zip")
	writeFile(t, artifact, []byte("x"))

	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".zip"}})
	result, err := v.Verify(context.Background(), artifact, "")
	require.NoError(t, err)
	assert.Equal(t, NoManifest, result)
	assert.Equal(t, "NA", result.Marker())

	// A manifest with no usable lines counts as absent.
	writeFile(t, filepath.Join(dir, "MD5SUMS"), []byte("nothing useful\n"))
	result, err = v.Verify(context.Background(), artifact, "")
	require.NoError(t, err)
	assert.Equal(t, NoManifest, result)
}

func TestVerify_NotApplicableByExtension(t *testing.T) {
	dir := t.TempDir()
	artifact := filepath.Join(dir, "README.txt")
	writeFile(t, artifact, []byte("hello"))
	writeFile(t, filepath.Join(dir, "MD5SUMS"), []byte(md5Hex([]byte("other"))+"  README.txt\n"))

	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".tar.gz", ".zip"}})
	result, err := v.Verify(context.Background(), artifact, "")
	require.NoError(t, err)
	assert.Equal(t, NotApplicable, result)
	assert.Equal(t, "NA", result.Marker())
}

func TestApplies_DetectsArchives(t *testing.T) {
	dir := t.TempDir()

	zipPath := filepath.Join(dir, "bundle.zip")
	f, err := os.Create(zipPath)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	w, err := zw.Create("inner.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("inner"))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	textPath := filepath.Join(dir, "notes.txt")
	writeFile(t, textPath, []byte("plain text, not an archive\n"))

	v := New(Options{ManifestNames: defaultNames})

	ok, err := v.Applies(context.Background(), zipPath)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = v.Applies(context.Background(), textPath)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = v.Applies(context.Background(), filepath.Join(dir, "missing.zip"))
	assert.Error(t, err)
}

func TestVerify_CanceledContext(t *testing.T) {
	dir := t.TempDir()
	content := []byte("archive bytes")
	writeFile(t, filepath.Join(dir, "a.zip"), content)
	writeFile(t, filepath.Join(dir, "SHA256SUMS"), []byte(sha256Hex(content)+"  a.zip\n"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".zip"}})
	_, err := v.Verify(ctx, filepath.Join(dir, "a.zip"), "")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestResultString(t *testing.T) {
	assert.Equal(t, "OK", OK.String())
	assert.Equal(t, "BAD", BAD.String())
	assert.Equal(t, "NO_MANIFEST", NoManifest.String())
	assert.Equal(t, "NOT_APPLICABLE", NotApplicable.String())
}

func TestVerify_UnsupportedAlgorithm(t *testing.T) {
	content := []byte("archive bytes")
	sha384 := strings.Repeat("ab", 48)
	v := New(Options{ManifestNames: defaultNames, Extensions: []string{".tar.gz"}})

	t.Run("manifest with only unsupported entries", func(t *testing.T) {
		dir := t.TempDir()
		artifact := filepath.Join(dir, "data.tar.gz")
		writeFile(t, artifact, content)
		writeFile(t, filepath.Join(dir, "SHA256SUMS"), []byte(
			"SHA384 (data.tar.gz) = "+sha384+"\nSHA384 (other.tar.gz) = "+sha384+"\n"))

		result, err := v.Verify(context.Background(), artifact, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, errors.ErrUnsupportedAlgorithm)
		assert.Contains(t, err.Error(), "sha384")
		assert.Equal(t, BAD, result)
		assert.Equal(t, "VERIFY_BAD", result.Marker())
	})

	t.Run("artifact listed only under unsupported algorithm", func(t *testing.T) {
		dir := t.TempDir()
		artifact := filepath.Join(dir, "data.tar.gz")
		writeFile(t, artifact, content)
		writeFile(t, filepath.Join(dir, "sibling.tar.gz"), []byte("sibling"))
		writeFile(t, filepath.Join(dir, "SHA256SUMS"), []byte(
			"BLAKE2b (data.tar.gz) = "+strings.Repeat("cd", 64)+"\n"+
				sha256Hex([]byte("sibling"))+"  sibling.tar.gz\n"))

		result, err := v.Verify(context.Background(), artifact, "")
		assert.ErrorIs(t, err, errors.ErrUnsupportedAlgorithm)
		assert.Equal(t, BAD, result)
	})

	t.Run("unsupported sibling does not block", func(t *testing.T) {
		dir := t.TempDir()
		artifact := filepath.Join(dir, "data.tar.gz")
		writeFile(t, artifact, content)
		writeFile(t, filepath.Join(dir, "SHA256SUMS"), []byte(
			sha256Hex(content)+"  data.tar.gz\nSHA384 (other.tar.gz) = "+sha384+"\n"))

		result, err := v.Verify(context.Background(), artifact, "")
		require.NoError(t, err)
		assert.Equal(t, OK, result)
	})
}
