package storage

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := NewSandbox(filepath.Join(t.TempDir(), "sandbox"))
	require.NoError(t, err)
	return sb
}

func TestNewSandbox(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "sandbox")

	sb, err := NewSandbox(dir)
	require.NoError(t, err)

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(sb.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	sb := setupTestSandbox(t)

	tests := []struct {
		name        string
		path        string
		shouldError bool
	}{
		{"simple file", "input.mp4", false},
		{"session path", "01HXYZ/720p_000.ts", false},
		{"current dir", ".", false},
		{"parent escape attempt", "../escape.txt", true},
		{"nested parent escape", "session/../../escape.txt", true},
		{"absolute path", "/etc/passwd", true},
		{"dot dot name", "..segment", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := sb.ResolvePath(tt.path)
			if tt.shouldError {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrPathEscapes)
				return
			}
			require.NoError(t, err)
			assert.True(t, strings.HasPrefix(resolved, sb.BaseDir()))
		})
	}
}

func TestSandbox_WriteReadRemove(t *testing.T) {
	sb := setupTestSandbox(t)

	require.NoError(t, sb.WriteFile("session/720p_index.m3u8", []byte("#EXTM3U\n")))

	data, err := sb.ReadFile("session/720p_index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "#EXTM3U\n", string(data))

	exists, err := sb.Exists("session/720p_index.m3u8")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, sb.Remove("session/720p_index.m3u8"))

	exists, err = sb.Exists("session/720p_index.m3u8")
	require.NoError(t, err)
	assert.False(t, exists)

	err = sb.Remove("session/720p_index.m3u8")
	require.Error(t, err)
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestSandbox_RemoveAll(t *testing.T) {
	sb := setupTestSandbox(t)
	require.NoError(t, sb.WriteFile("workers/a/input.mp4", []byte("x")))

	require.NoError(t, sb.RemoveAll("workers"))
	exists, err := sb.Exists("workers")
	require.NoError(t, err)
	assert.False(t, exists)

	assert.Error(t, sb.RemoveAll("."))
}

func TestSandbox_Rename(t *testing.T) {
	sb := setupTestSandbox(t)
	require.NoError(t, sb.WriteFile("a.ts", []byte("segment")))

	require.NoError(t, sb.Rename("a.ts", "out/b.ts"))

	data, err := sb.ReadFile("out/b.ts")
	require.NoError(t, err)
	assert.Equal(t, "segment", string(data))

	assert.Error(t, sb.Rename("b.ts", "../outside.ts"))
}

func TestSandbox_AtomicWrite(t *testing.T) {
	sb := setupTestSandbox(t)

	require.NoError(t, sb.AtomicWrite("out/master.m3u8", []byte("v1")))
	require.NoError(t, sb.AtomicWrite("out/master.m3u8", []byte("v2")))

	data, err := sb.ReadFile("out/master.m3u8")
	require.NoError(t, err)
	assert.Equal(t, "v2", string(data))

	names, err := sb.List("out")
	require.NoError(t, err)
	assert.Equal(t, []string{"master.m3u8"}, names, "no temporary files left behind")
}

func TestSandbox_List(t *testing.T) {
	sb := setupTestSandbox(t)
	require.NoError(t, sb.WriteFile("s/720p_001.ts", nil))
	require.NoError(t, sb.WriteFile("s/720p_000.ts", nil))
	require.NoError(t, sb.MkdirAll("s/subdir"))

	names, err := sb.List("s")
	require.NoError(t, err)
	assert.Equal(t, []string{"720p_000.ts", "720p_001.ts"}, names)

	_, err = sb.List("missing")
	assert.True(t, errors.Is(err, fs.ErrNotExist))
}

func TestSandbox_StatAndSubSandbox(t *testing.T) {
	sb := setupTestSandbox(t)
	require.NoError(t, sb.WriteFile("w1/input.mp4", []byte("12345")))

	info, err := sb.Stat("w1/input.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(5), info.Size())

	sub, err := sb.SubSandbox("w1")
	require.NoError(t, err)
	data, err := sub.ReadFile("input.mp4")
	require.NoError(t, err)
	assert.Equal(t, "12345", string(data))

	_, err = sb.SubSandbox("../w2")
	assert.Error(t, err)
}
