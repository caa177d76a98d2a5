package contentaddr

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/ladder"
	"github.com/jmylchreest/hlsforge/internal/playlist"
)

const gateway = "https://ipfs.io/ipfs"

// mapHasher returns fixed addresses for known payloads and records call order.
type mapHasher struct {
	addrs map[string]Address
	calls []string
	fail  string
}

func (m *mapHasher) Hash(data []byte) (Address, error) {
	m.calls = append(m.calls, string(data))
	if m.fail != "" && strings.Contains(string(data), m.fail) {
		return "", errors.New("hash backend unavailable")
	}
	if a, ok := m.addrs[string(data)]; ok {
		return a, nil
	}
	return CIDHasher{}.Hash(data)
}

func mediaPlaylist(prefix string, n int) string {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-PLAYLIST-TYPE:VOD\n")
	for i := range n {
		fmt.Fprintf(&sb, "#EXTINF:4.000000,\n%s_%03d.ts\n", prefix, i)
	}
	sb.WriteString("#EXT-X-ENDLIST\n")
	return sb.String()
}

func variant(res ladder.Resolution, n int) Variant {
	v := Variant{
		Resolution: res,
		Playlist:   artifact.File{Name: res.Name() + "_index.m3u8", Data: []byte(mediaPlaylist(res.Name(), n))},
	}
	for i := range n {
		v.Segments = append(v.Segments, artifact.File{
			Name: fmt.Sprintf("%s_%03d.ts", res.Name(), i),
			Data: []byte(fmt.Sprintf("segment-%s-%d", res.Name(), i)),
		})
	}
	return v
}

func TestCIDHasher_Deterministic(t *testing.T) {
	h := CIDHasher{}
	a1, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	a2, err := h.Hash([]byte("hello"))
	require.NoError(t, err)
	b, err := h.Hash([]byte("hello!"))
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	// CIDv1 raw in base32 always starts with "bafkrei"
	assert.True(t, strings.HasPrefix(a1.String(), "bafkrei"), a1)

	parsed, err := ParseAddress(a1.String())
	require.NoError(t, err)
	assert.Equal(t, a1, parsed)
	_, err = ParseAddress("not-a-cid")
	assert.Error(t, err)

	assert.True(t, Verify(h, a1, []byte("hello")))
	assert.False(t, Verify(h, a1, []byte("tampered")))
}

func TestRemoteRef(t *testing.T) {
	assert.Equal(t, "https://ipfs.io/ipfs/X?filename=720p_000.ts", RemoteRef(gateway, "X", "720p_000.ts"))
	assert.Equal(t, "https://gw/ipfs/X?filename=my+video.m3u8", RemoteRef("https://gw/ipfs/", "X", "my video.m3u8"))
}

func TestBuild_SegmentReferencesRewritten(t *testing.T) {
	res := ladder.DefaultLadder[1]
	v := variant(res, 2)
	h := &mapHasher{addrs: map[string]Address{
		"segment-720p-0": "X",
		"segment-720p-1": "Y",
	}}

	pkg, err := Build(h, gateway, "master.m3u8", []Variant{v})
	require.NoError(t, err)

	require.Len(t, pkg.Playlists, 1)
	text := string(pkg.Playlists[0].Addressed().File.Data)
	assert.Contains(t, text, "https://ipfs.io/ipfs/X?filename=720p_000.ts")
	assert.Contains(t, text, "https://ipfs.io/ipfs/Y?filename=720p_001.ts")
	for _, line := range strings.Split(text, "\n") {
		assert.NotEqual(t, "720p_000.ts", line)
		assert.NotEqual(t, "720p_001.ts", line)
	}

	uris, err := playlist.SegmentURIs([]byte(text))
	require.NoError(t, err)
	for _, uri := range uris {
		assert.True(t, strings.HasPrefix(uri, gateway+"/"), uri)
	}
}

func TestBuild_OrderAndAddresses(t *testing.T) {
	variants := []Variant{variant(ladder.DefaultLadder[0], 2), variant(ladder.DefaultLadder[1], 3)}
	h := &mapHasher{addrs: map[string]Address{}}

	pkg, err := Build(h, gateway, "master.m3u8", variants)
	require.NoError(t, err)

	// every segment was hashed before the first playlist, and the master last
	nSegments := 5
	require.Len(t, h.calls, nSegments+len(variants)+1)
	for i := range nSegments {
		assert.True(t, strings.HasPrefix(h.calls[i], "segment-"), "call %d", i)
	}
	for i := nSegments; i < nSegments+len(variants); i++ {
		assert.Contains(t, h.calls[i], "#EXTINF")
		assert.Contains(t, h.calls[i], gateway, "playlist hashed after rewrite")
	}
	assert.Contains(t, h.calls[len(h.calls)-1], "#EXT-X-STREAM-INF")

	cid := CIDHasher{}
	for _, seg := range pkg.Segments.Segments() {
		assert.True(t, Verify(cid, seg.Address, seg.File.Data), "segment address round-trips")
	}
	for i, p := range pkg.Playlists {
		assert.True(t, Verify(cid, p.Addressed().Address, p.Addressed().File.Data), "playlist hashed over rewritten text")
		assert.False(t, Verify(cid, p.Addressed().Address, p.Original().Data), "never over the original text")
		assert.Equal(t, variants[i].Playlist.Data, p.Original().Data, "original untouched")
	}
	assert.True(t, Verify(cid, pkg.Master.Address, pkg.Master.File.Data))
	assert.Equal(t, RemoteRef(gateway, pkg.Master.Address, "master.m3u8"), pkg.Master.RemoteRef)

	entries, err := playlist.ParseMaster(pkg.Master.File.Data)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, pkg.Playlists[1].Addressed().RemoteRef, entries[0].URI, "720p first")
	assert.Equal(t, pkg.Playlists[0].Addressed().RemoteRef, entries[1].URI)

	seg, ok := pkg.Segments.Lookup("480p_001.ts")
	require.True(t, ok)
	assert.Equal(t, "segment-480p-1", string(seg.File.Data))
}

func TestBuild_HashFailureAborts(t *testing.T) {
	h := &mapHasher{fail: "segment-720p-1"}
	_, err := Build(h, gateway, "master.m3u8", []Variant{variant(ladder.DefaultLadder[1], 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hashing segment 720p_001.ts")

	h = &mapHasher{fail: "#EXT-X-STREAM-INF"}
	_, err = Build(h, gateway, "master.m3u8", []Variant{variant(ladder.DefaultLadder[1], 2)})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hashing master playlist")
}

func TestBuild_Errors(t *testing.T) {
	_, err := Build(CIDHasher{}, gateway, "master.m3u8", nil)
	assert.ErrorIs(t, err, ErrNoVariants)

	v := variant(ladder.DefaultLadder[0], 1)
	_, err = Build(CIDHasher{}, gateway, "master.m3u8", []Variant{v, v})
	assert.ErrorContains(t, err, "duplicate segment name")
}
