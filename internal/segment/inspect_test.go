package segment

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/hlsforge/internal/testutil"
)

func TestInspect(t *testing.T) {
	data, err := testutil.TSSegment(720)
	require.NoError(t, err)

	info, err := Inspect(data)
	require.NoError(t, err)

	require.Len(t, info.Tracks, 2)
	assert.Equal(t, []string{"h264", "aac"}, info.Codecs())
	assert.True(t, info.HasVideo())

	audio := info.Tracks[1]
	assert.Equal(t, "audio", audio.Kind)
	assert.Equal(t, 48000, audio.SampleRate)
	assert.Equal(t, 2, audio.Channels)
	assert.Equal(t, uint16(0x101), audio.PID)

	assert.Positive(t, info.VideoFrames)
	assert.Positive(t, info.AudioFrames)
	assert.GreaterOrEqual(t, info.Duration.Milliseconds(), int64(0))
}

func TestInspect_NotTransportStream(t *testing.T) {
	_, err := Inspect([]byte("#EXTM3U\n#EXT-X-ENDLIST\n"))
	assert.Error(t, err)

	_, err = Inspect(nil)
	assert.Error(t, err)
}

func TestInfo_Codecs(t *testing.T) {
	info := Info{Tracks: []Track{
		{Kind: "audio", Codec: "aac"},
		{Kind: "other", Codec: "*mpegts.CodecKLV"},
		{Kind: "video", Codec: "h265"},
	}}
	assert.Equal(t, []string{"h265", "aac"}, info.Codecs())
	assert.True(t, info.HasVideo())
	assert.False(t, Info{}.HasVideo())
}
