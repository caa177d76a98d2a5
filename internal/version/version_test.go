package version

import (
	"encoding/json"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	assert.NotEmpty(t, info.Version)
	assert.Equal(t, runtime.Version(), info.GoVersion)
	assert.Equal(t, runtime.GOOS+"/"+runtime.GOARCH, info.Platform)
}

func TestString(t *testing.T) {
	originalCommit := Commit
	defer func() { Commit = originalCommit }()

	Commit = "unknown"
	assert.Contains(t, String(), ApplicationName+" version")
	assert.NotContains(t, String(), "commit:")

	Commit = "0123456789abcdef"
	assert.Contains(t, String(), "commit: 01234567")
}

func TestShort(t *testing.T) {
	originalVersion, originalCommit := Version, Commit
	defer func() { Version, Commit = originalVersion, originalCommit }()

	Version = "1.2.3"
	Commit = "unknown"
	assert.Equal(t, "1.2.3", Short())

	Commit = "abcdef0123456789"
	assert.Equal(t, "1.2.3 (abcdef01)", Short())
}

func TestJSON(t *testing.T) {
	var info Info
	require.NoError(t, json.Unmarshal([]byte(JSON()), &info))
	assert.Equal(t, Version, info.Version)
}

func TestUserAgent(t *testing.T) {
	assert.Equal(t, ApplicationName+"/"+Version, UserAgent())
}
