package security

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// File Tests
// =============================================================================

func TestWriteFileAtomic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.toml")

	require.NoError(t, WriteFileAtomic(path, []byte("one"), PermPrivateFile))
	require.NoError(t, WriteFileAtomic(path, []byte("two"), PermPrivateFile))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, PermPrivateFile, info.Mode().Perm())
	}
}

func TestEnsurePrivateDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")
	require.NoError(t, EnsurePrivateDir(dir))

	if runtime.GOOS != "windows" {
		require.NoError(t, os.Chmod(dir, 0o755))
		require.NoError(t, EnsurePrivateDir(dir))
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.Equal(t, PermPrivateDir, info.Mode().Perm())
	}

	file := filepath.Join(dir, "file")
	require.NoError(t, os.WriteFile(file, nil, PermPrivateFile))
	assert.ErrorIs(t, EnsurePrivateDir(file), ErrNotDirectory)
}

// =============================================================================
// Lock Tests
// =============================================================================

func TestLockDir_Exclusive(t *testing.T) {
	if runtime.GOOS != "windows" && runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("file locking not exercised on this platform")
	}
	dir := t.TempDir()

	l, err := LockDir(dir)
	require.NoError(t, err)
	assert.FileExists(t, l.Path())

	_, err = LockDir(dir)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, l.Unlock())
	require.NoError(t, l.Unlock())

	again, err := LockDir(dir)
	require.NoError(t, err)
	require.NoError(t, again.Unlock())
}

func TestWipe(t *testing.T) {
	key := []byte{1, 2, 3, 4}
	Wipe(key)
	assert.Equal(t, []byte{0, 0, 0, 0}, key)
	Wipe(nil)
}
