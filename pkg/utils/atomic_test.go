package utils

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAtomicWriteFileCreatesAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "record.json")

	require.NoError(t, AtomicWriteFile(path, []byte("first"), 0o644))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "first", string(data))

	require.NoError(t, AtomicWriteFile(path, []byte("second"), 0o644))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "second", string(data))
}

func TestAtomicWriteFileLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "record.json")

	require.NoError(t, AtomicWriteFile(path, []byte("content"), 0o644))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "record.json", entries[0].Name())
}

func TestAtomicWriteFileAppliesPermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "secret.json")

	require.NoError(t, AtomicWriteFile(path, []byte("content"), 0o600))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestAtomicWriteFileFailsOnMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "record.json")

	err := AtomicWriteFile(path, []byte("content"), 0o644)
	assert.Error(t, err)
}
