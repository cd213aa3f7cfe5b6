package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestMove_File_SameFilesystem tests moving a file within the same filesystem
func TestMove_File_SameFilesystem(t *testing.T) {
	tempDir := t.TempDir()

	srcFile := filepath.Join(tempDir, "source.txt.part")
	dstFile := filepath.Join(tempDir, "source.txt")

	content := "Hello, World!"
	err := os.WriteFile(srcFile, []byte(content), 0644)
	require.NoError(t, err)

	err = Move(srcFile, dstFile)
	require.NoError(t, err)

	movedContent, err := os.ReadFile(dstFile)
	require.NoError(t, err)
	assert.Equal(t, content, string(movedContent))

	_, err = os.Stat(srcFile)
	assert.True(t, os.IsNotExist(err))
}

// TestMove_CreatesDestinationDirectory tests that missing parents of dst are created
func TestMove_CreatesDestinationDirectory(t *testing.T) {
	tempDir := t.TempDir()

	srcFile := filepath.Join(tempDir, "blob.part")
	dstFile := filepath.Join(tempDir, "a", "b", "blob")
	require.NoError(t, os.WriteFile(srcFile, []byte("x"), 0644))

	require.NoError(t, Move(srcFile, dstFile))
	assert.FileExists(t, dstFile)
}

// TestMove_File_PreservePermissions tests that file mode survives a move
func TestMove_File_PreservePermissions(t *testing.T) {
	tempDir := t.TempDir()

	srcFile := filepath.Join(tempDir, "source.txt")
	dstFile := filepath.Join(tempDir, "destination.txt")

	err := os.WriteFile(srcFile, []byte("Hello, World!"), 0755)
	require.NoError(t, err)

	srcInfo, err := os.Stat(srcFile)
	require.NoError(t, err)
	originalMode := srcInfo.Mode()

	err = Move(srcFile, dstFile)
	require.NoError(t, err)

	dstInfo, err := os.Stat(dstFile)
	require.NoError(t, err)
	assert.Equal(t, originalMode, dstInfo.Mode())
}

// TestMove_SourceDoesNotExist tests moving a file that doesn't exist
func TestMove_SourceDoesNotExist(t *testing.T) {
	tempDir := t.TempDir()

	err := Move(filepath.Join(tempDir, "nonexistent.txt"), filepath.Join(tempDir, "destination.txt"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to stat source")
}

// TestMove_RejectsDirectory tests that directories are not moved
func TestMove_RejectsDirectory(t *testing.T) {
	tempDir := t.TempDir()
	srcDir := filepath.Join(tempDir, "dir")
	require.NoError(t, os.Mkdir(srcDir, 0755))

	err := Move(srcDir, filepath.Join(tempDir, "other"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "is a directory")
}

// TestMove_InvalidPaths tests moving with empty paths
func TestMove_InvalidPaths(t *testing.T) {
	err := Move("", "destination.txt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source and destination paths cannot be empty")

	err = Move("source.txt", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source and destination paths cannot be empty")
}

// TestIsCrossFilesystemError tests the cross-filesystem error detection
func TestIsCrossFilesystemError(t *testing.T) {
	assert.False(t, isCrossFilesystemError(nil))
	assert.False(t, isCrossFilesystemError(errors.New("regular error")))
	assert.True(t, isCrossFilesystemError(errors.New("rename a b: invalid cross-device link")))
}

// TestMoveFile_CopyFallback exercises the copy+rename path used across filesystems
func TestMoveFile_CopyFallback(t *testing.T) {
	tempDir := t.TempDir()

	srcFile := filepath.Join(tempDir, "test.part")
	dstFile := filepath.Join(tempDir, "test")
	require.NoError(t, os.WriteFile(srcFile, []byte("test content"), 0644))
	info, err := os.Stat(srcFile)
	require.NoError(t, err)

	require.NoError(t, moveFile(srcFile, dstFile, info))

	movedContent, err := os.ReadFile(dstFile)
	require.NoError(t, err)
	assert.Equal(t, "test content", string(movedContent))
	assert.NoFileExists(t, srcFile)

	leftovers, err := filepath.Glob(filepath.Join(tempDir, ".test.move-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

// TestCopy tests the Copy function used internally by Move
func TestCopy(t *testing.T) {
	tempDir := t.TempDir()

	srcFile := filepath.Join(tempDir, "source.txt")
	dstFile := filepath.Join(tempDir, "destination.txt")

	content := "Copy test content"
	require.NoError(t, os.WriteFile(srcFile, []byte(content), 0644))

	require.NoError(t, Copy(srcFile, dstFile))

	copiedContent, err := os.ReadFile(dstFile)
	require.NoError(t, err)
	assert.Equal(t, content, string(copiedContent))

	_, err = os.Stat(srcFile)
	require.NoError(t, err)
}

func TestWriteFileAtomic(t *testing.T) {
	tempDir := t.TempDir()
	target := filepath.Join(tempDir, "nested", "reserved_bytes")

	require.NoError(t, WriteFileAtomic(target, []byte("42\n"), FileModeDefault))
	data, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "42\n", string(data))

	require.NoError(t, WriteFileAtomic(target, []byte("7\n"), FileModeDefault))
	data, err = os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "7\n", string(data))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FileModeDefault), info.Mode().Perm())

	entries, err := os.ReadDir(filepath.Dir(target))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary files must not be left behind")
}

func TestFreeBytes(t *testing.T) {
	free, err := FreeBytes(t.TempDir())
	require.NoError(t, err)
	assert.Positive(t, free)

	_, err = FreeBytes(filepath.Join(t.TempDir(), "does", "not", "exist"))
	assert.Error(t, err)
}
