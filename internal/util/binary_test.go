package util

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeExecutable(t *testing.T, dir, name string, mode os.FileMode) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
	return path
}

func TestFindBinary(t *testing.T) {
	t.Run("configured path wins", func(t *testing.T) {
		bin := writeExecutable(t, t.TempDir(), "ffmpeg", 0o755)
		t.Setenv("TEST_BINARY_PATH", "/does/not/matter")

		path, err := FindBinary("ffmpeg", bin, "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("configured path that is not executable fails", func(t *testing.T) {
		bin := writeExecutable(t, t.TempDir(), "ffmpeg", 0o644)

		_, err := FindBinary("ffmpeg", bin, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("env var used when nothing configured", func(t *testing.T) {
		bin := writeExecutable(t, t.TempDir(), "tool", 0o755)
		t.Setenv("TEST_BINARY_PATH", bin)

		path, err := FindBinary("nonexistent-binary", "", "TEST_BINARY_PATH")
		require.NoError(t, err)
		assert.Equal(t, bin, path)
	})

	t.Run("non-executable env var falls through", func(t *testing.T) {
		bin := writeExecutable(t, t.TempDir(), "tool", 0o644)
		t.Setenv("TEST_BINARY_PATH", bin)

		_, err := FindBinary("definitely-not-a-real-binary-xyz", "", "TEST_BINARY_PATH")
		assert.ErrorIs(t, err, ErrBinaryNotFound)
	})

	t.Run("working directory", func(t *testing.T) {
		dir := t.TempDir()
		t.Chdir(dir)
		writeExecutable(t, dir, "localtool", 0o755)

		path, err := FindBinary("localtool", "", "")
		require.NoError(t, err)
		assert.Equal(t, "./localtool", path)
	})

	t.Run("directory is not executable", func(t *testing.T) {
		assert.False(t, isExecutable(t.TempDir()))
	})
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "2,800,000", Number(2800000))
	assert.Equal(t, "1,400 kbps", Bitrate(1400000))
	assert.Equal(t, "1.5 MB", Bytes(1500000))
	assert.Equal(t, "42.5%", Percent(42.5))
}
