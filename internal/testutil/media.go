package testutil

import (
	"bytes"
	"fmt"

	"github.com/bluenviron/mediacommon/v2/pkg/codecs/mpeg4audio"
	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// TSSegment muxes a short MPEG-TS segment with one H.264 and one AAC track.
// The payload varies with seed so distinct segments hash differently.
func TSSegment(seed int) ([]byte, error) {
	var buf bytes.Buffer

	video := &mpegts.Track{PID: 0x100, Codec: &mpegts.CodecH264{}}
	audio := &mpegts.Track{PID: 0x101, Codec: &mpegts.CodecMPEG4Audio{
		Config: mpeg4audio.AudioSpecificConfig{
			Type:         mpeg4audio.ObjectTypeAACLC,
			SampleRate:   48000,
			ChannelCount: 2,
		},
	}}

	w := &mpegts.Writer{W: &buf, Tracks: []*mpegts.Track{video, audio}}
	if err := w.Initialize(); err != nil {
		return nil, fmt.Errorf("initializing mpegts writer: %w", err)
	}

	marker := byte(seed)
	for i := range 4 {
		pts := int64(i) * 3000
		// SPS, PPS, IDR
		au := [][]byte{
			{0x67, 0x42, 0xc0, 0x1f, 0xda, 0x01, 0x40, 0x16, 0xe8},
			{0x68, 0xce, 0x3c, 0x80},
			{0x65, 0x88, 0x84, 0x00, marker, byte(seed >> 8), byte(i), 0x10},
		}
		if err := w.WriteH264(video, pts, pts, au); err != nil {
			return nil, fmt.Errorf("writing video: %w", err)
		}
		if err := w.WriteMPEG4Audio(audio, pts, [][]byte{{0x21, 0x10, 0x04, marker, byte(i)}}); err != nil {
			return nil, fmt.Errorf("writing audio: %w", err)
		}
	}

	return buf.Bytes(), nil
}
