package preview

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/artifact"
)

func wrappedOutput() []artifact.WrappedFile {
	seg := func(name, ref string) artifact.WrappedFile {
		return artifact.WrappedFile{
			File:      artifact.File{Name: name, Data: []byte("ts:" + name)},
			RemoteRef: ref, Role: artifact.RoleSegment, IsAuxiliary: true, ParentFile: "master.m3u8",
		}
	}
	media := "#EXTM3U\n#EXT-X-TARGETDURATION:4\n#EXTINF:4.0,\nhttps://gw/ipfs/X?filename=720p_000.ts\n#EXTINF:4.0,\nhttps://gw/ipfs/Y?filename=720p_001.ts\n#EXT-X-ENDLIST\n"
	master := "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\nhttps://gw/ipfs/P?filename=720p_index.m3u8\n"

	return []artifact.WrappedFile{
		{File: artifact.File{Name: "master.m3u8", Data: []byte(master)}, RemoteRef: "https://gw/ipfs/M?filename=master.m3u8", Role: artifact.RoleVideo},
		{
			File:      artifact.File{Name: "720p_index.m3u8", Data: []byte(media)},
			RemoteRef: "https://gw/ipfs/P?filename=720p_index.m3u8", Role: artifact.RolePlaylist,
			IsAuxiliary: true, ParentFile: "master.m3u8", Resolution: 720,
		},
		seg("720p_000.ts", "https://gw/ipfs/X?filename=720p_000.ts"),
		seg("720p_001.ts", "https://gw/ipfs/Y?filename=720p_001.ts"),
		{File: artifact.File{Name: "poster.jpg", Data: []byte{0xff, 0xd8}}, Role: artifact.RolePoster, IsAuxiliary: true},
	}
}

func snapshot(files []artifact.WrappedFile) [][]byte {
	out := make([][]byte, len(files))
	for i, f := range files {
		out[i] = bytes.Clone(f.Data)
	}
	return out
}

func TestBuildGraph(t *testing.T) {
	reg := NewRegistry("/preview")
	files := wrappedOutput()
	before := snapshot(files)

	g, err := BuildGraph(reg, files)
	require.NoError(t, err)

	// upload-bound bytes are untouched
	assert.Equal(t, before, snapshot(files))

	segURL := g.URL("720p_000.ts")
	require.NotEmpty(t, segURL)
	assert.True(t, strings.HasPrefix(segURL, "/preview/"+g.Token()+"/"))

	_, media, ok := reg.Lookup(g.Token(), "720p_index.m3u8")
	require.True(t, ok)
	assert.Contains(t, string(media), segURL)
	assert.Contains(t, string(media), g.URL("720p_001.ts"))
	assert.NotContains(t, string(media), "https://gw/ipfs")

	ct, master, ok := reg.Lookup(g.Token(), "master.m3u8")
	require.True(t, ok)
	assert.Equal(t, "application/vnd.apple.mpegurl", ct)
	assert.Contains(t, string(master), g.URL("720p_index.m3u8"))
	assert.NotContains(t, string(master), "https://gw/ipfs")
	assert.Equal(t, g.URL("master.m3u8"), g.MasterURL())

	assert.NotEmpty(t, g.URL("poster.jpg"))
	assert.Len(t, g.URLs(), 5)
	assert.Equal(t, 5, reg.Len())

	g.Close()
	assert.Equal(t, 0, reg.Len())
	g.Close()
}

func TestBuildGraph_LocalNames(t *testing.T) {
	reg := NewRegistry("/preview")
	files := wrappedOutput()
	files[1].Data = []byte("#EXTM3U\n#EXTINF:4.0,\n720p_000.ts\n#EXTINF:4.0,\n720p_001.ts\n#EXT-X-ENDLIST\n")

	g, err := BuildGraph(reg, files)
	require.NoError(t, err)

	_, media, _ := reg.Lookup(g.Token(), "720p_index.m3u8")
	assert.Contains(t, string(media), g.URL("720p_000.ts"))
	assert.Contains(t, string(media), g.URL("720p_001.ts"))
}

func TestBuildGraph_NoMaster(t *testing.T) {
	files := wrappedOutput()[1:]
	_, err := BuildGraph(NewRegistry("/preview"), files)
	assert.ErrorIs(t, err, ErrNoMaster)
}

func TestRegistry_ObjectURLs(t *testing.T) {
	reg := NewRegistry("preview/")
	assert.Equal(t, "/preview", reg.BasePath())

	data := []byte("abc")
	u, err := reg.CreateObjectURL("tok", "a b.ts", "video/mp2t", data)
	require.NoError(t, err)
	assert.Equal(t, "/preview/tok/a%20b.ts", u)

	data[0] = 'z'
	_, got, ok := reg.Lookup("tok", "a b.ts")
	require.True(t, ok)
	assert.Equal(t, "abc", string(got), "stored data is a copy")

	_, err = reg.CreateObjectURL("tok", "../x", "text/plain", nil)
	assert.ErrorIs(t, err, ErrInvalidObject)
	_, err = reg.CreateObjectURL("", "x", "text/plain", nil)
	assert.ErrorIs(t, err, ErrInvalidObject)

	assert.False(t, reg.Revoke("/other/tok/a b.ts"))
	assert.True(t, reg.Revoke(u))
	assert.False(t, reg.Revoke(u))

	_, _ = reg.CreateObjectURL("t1", "a", "", nil)
	_, _ = reg.CreateObjectURL("t1", "b", "", nil)
	assert.Equal(t, 2, reg.RevokeAll("t1"))
	assert.Equal(t, 0, reg.RevokeAll("t1"))
}

func TestRegistry_Sweep(t *testing.T) {
	reg := NewRegistry("/preview")
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }

	_, _ = reg.CreateObjectURL("old", "a", "", nil)
	now = now.Add(2 * time.Hour)
	_, _ = reg.CreateObjectURL("new", "a", "", nil)

	assert.Equal(t, 1, reg.Sweep(time.Hour))
	_, _, ok := reg.Lookup("old", "a")
	assert.False(t, ok)
	_, _, ok = reg.Lookup("new", "a")
	assert.True(t, ok)
}

func TestRegistry_Handler(t *testing.T) {
	reg := NewRegistry("/preview")
	_, err := reg.CreateObjectURL("tok", "720p_000.ts", "video/mp2t", []byte("segment"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.StripPrefix("/preview", reg.Handler()))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/preview/tok/720p_000.ts")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mp2t", resp.Header.Get("Content-Type"))
	assert.Equal(t, "7", resp.Header.Get("Content-Length"))

	missing, err := http.Get(srv.URL + "/preview/tok/nope.ts")
	require.NoError(t, err)
	defer missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestQualityOptions(t *testing.T) {
	files := wrappedOutput()
	files = append(files, artifact.WrappedFile{
		File: artifact.File{Name: "1080p_index.m3u8"}, Role: artifact.RolePlaylist,
	})

	opts := QualityOptions(files)
	require.Len(t, opts, 3)
	assert.Equal(t, AutoQuality, opts[0])
	assert.Equal(t, QualityOption{Label: "1080p", Height: 1080}, opts[1])
	assert.Equal(t, QualityOption{Label: "720p", Height: 720}, opts[2])

	// without playlist files the master is parsed
	masterOnly := []artifact.WrappedFile{files[0]}
	opts = QualityOptions(masterOnly)
	assert.Equal(t, []QualityOption{AutoQuality, {Label: "720p", Height: 720}}, opts)

	assert.Equal(t, []QualityOption{AutoQuality}, QualityOptions(nil))
}
