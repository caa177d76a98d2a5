package playlist

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/ladder"
)

const mediaPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXT-X-PLAYLIST-TYPE:VOD
#EXTINF:4.000000,
720p_000.ts
#EXTINF:4.000000,
720p_001.ts
#EXT-X-ENDLIST
`

func TestRewrite(t *testing.T) {
	refs := map[string]string{
		"720p_000.ts": "https://ipfs.io/ipfs/X?filename=720p_000.ts",
		"720p_001.ts": "https://ipfs.io/ipfs/Y?filename=720p_001.ts",
	}
	out := Rewrite(mediaPlaylist, refs)

	assert.Contains(t, out, "https://ipfs.io/ipfs/X?filename=720p_000.ts\n")
	assert.Contains(t, out, "https://ipfs.io/ipfs/Y?filename=720p_001.ts\n")
	assert.NotContains(t, out, "\n720p_000.ts")
	assert.NotContains(t, out, "\n720p_001.ts")
	// tags pass through unchanged
	assert.Contains(t, out, "#EXT-X-TARGETDURATION:4\n")
	assert.Equal(t, strings.Count(mediaPlaylist, "\n"), strings.Count(out, "\n"))

	uris, err := SegmentURIs([]byte(out))
	require.NoError(t, err)
	assert.Equal(t, []string{refs["720p_000.ts"], refs["720p_001.ts"]}, uris)
}

func TestRewrite_LongestNameWins(t *testing.T) {
	text := "720p_1.ts\n720p_10.ts\n"
	out := Rewrite(text, map[string]string{
		"720p_1.ts":  "A",
		"720p_10.ts": "B",
	})
	assert.Equal(t, "A\nB\n", out)
}

func TestRewrite_InsertedTextNotRewritten(t *testing.T) {
	// the reference for a.ts embeds b.ts; single-pass replacement leaves it alone
	out := Rewrite("a.ts\nb.ts\n", map[string]string{
		"a.ts": "gw/1?filename=b.ts",
		"b.ts": "gw/2?filename=b.ts",
	})
	assert.Equal(t, "gw/1?filename=b.ts\ngw/2?filename=b.ts\n", out)
}

func TestRewrite_NoRefs(t *testing.T) {
	assert.Equal(t, mediaPlaylist, Rewrite(mediaPlaylist, nil))
	assert.Equal(t, "x\n", Rewrite("x\n", map[string]string{"": "y"}))
}

func TestBuildMaster(t *testing.T) {
	variants := []Variant{
		{Resolution: ladder.DefaultLadder[0], Address: "a480", URI: "gw/a480?filename=480p_index.m3u8"},
		{Resolution: ladder.DefaultLadder[2], Address: "a1080", URI: "gw/a1080?filename=1080p_index.m3u8"},
		{Resolution: ladder.DefaultLadder[1], Address: "a720", URI: "gw/a720?filename=720p_index.m3u8"},
	}
	out, err := BuildMaster(variants)
	require.NoError(t, err)

	want := "#EXTM3U\n#EXT-X-VERSION:3\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080\ngw/a1080?filename=1080p_index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720\ngw/a720?filename=720p_index.m3u8\n" +
		"#EXT-X-STREAM-INF:BANDWIDTH=1400000,RESOLUTION=854x480\ngw/a480?filename=480p_index.m3u8\n"
	assert.Equal(t, want, out)

	entries, err := ParseMaster([]byte(out))
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, 5_000_000, entries[0].Bandwidth)
	assert.Equal(t, "1920x1080", entries[0].Resolution)
	assert.Equal(t, 1080, entries[0].Height())
	assert.Equal(t, 0, MasterEntry{Resolution: "bogus"}.Height())
	assert.Equal(t, "gw/a480?filename=480p_index.m3u8", entries[2].URI)
	assert.True(t, IsMaster([]byte(out)))
	assert.False(t, IsMaster([]byte(mediaPlaylist)))
}

func TestBuildMaster_Errors(t *testing.T) {
	_, err := BuildMaster(nil)
	assert.ErrorIs(t, err, ErrNoVariants)

	_, err = BuildMaster([]Variant{{Resolution: ladder.DefaultLadder[1], URI: "720p_index.m3u8"}})
	assert.ErrorIs(t, err, ErrMissingAddress)
	assert.Contains(t, err.Error(), "720p")
}

func TestSegmentURIs_RejectsMaster(t *testing.T) {
	_, err := SegmentURIs([]byte("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-STREAM-INF:BANDWIDTH=1\nv.m3u8\n"))
	assert.Error(t, err)

	_, err = ParseMaster([]byte(mediaPlaylist))
	assert.Error(t, err)

	_, err = SegmentURIs([]byte("not a playlist"))
	assert.Error(t, err)
}
