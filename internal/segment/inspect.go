// Package segment inspects encoded MPEG-TS segments.
package segment

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/bluenviron/mediacommon/v2/pkg/formats/mpegts"
)

// ErrNoTracks is returned when a segment carries no elementary streams.
var ErrNoTracks = errors.New("segment has no tracks")

// Track describes one elementary stream found in a segment.
type Track struct {
	PID        uint16 `json:"pid"`
	Kind       string `json:"kind"` // video, audio, other
	Codec      string `json:"codec"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
}

// Info summarises a segment.
type Info struct {
	Tracks      []Track       `json:"tracks"`
	VideoFrames int           `json:"video_frames"`
	AudioFrames int           `json:"audio_frames"`
	Duration    time.Duration `json:"duration"`
	// DecodeErrors counts recoverable demux errors.
	DecodeErrors int `json:"decode_errors"`
}

// Codecs returns the codec name of every known track, video first.
func (i Info) Codecs() []string {
	var video, audio []string
	for _, t := range i.Tracks {
		switch t.Kind {
		case "video":
			video = append(video, t.Codec)
		case "audio":
			audio = append(audio, t.Codec)
		}
	}
	return append(video, audio...)
}

// HasVideo reports whether a video track was found.
func (i Info) HasVideo() bool {
	for _, t := range i.Tracks {
		if t.Kind == "video" {
			return true
		}
	}
	return false
}

// Inspect demuxes data and reports its tracks and frame counts. Duration is the
// span of video timestamps.
func Inspect(data []byte) (Info, error) {
	r := &mpegts.Reader{R: bytes.NewReader(data)}
	if err := r.Initialize(); err != nil {
		return Info{}, fmt.Errorf("initializing mpegts reader: %w", err)
	}

	var info Info
	var firstPTS, lastPTS int64
	havePTS := false
	onVideo := func(pts int64) {
		info.VideoFrames++
		if !havePTS {
			firstPTS, havePTS = pts, true
		}
		lastPTS = max(lastPTS, pts)
	}

	for _, track := range r.Tracks() {
		t := Track{PID: uint16(track.PID)}
		switch codec := track.Codec.(type) {
		case *mpegts.CodecH264:
			t.Kind, t.Codec = "video", "h264"
			r.OnDataH264(track, func(pts, _ int64, _ [][]byte) error {
				onVideo(pts)
				return nil
			})
		case *mpegts.CodecH265:
			t.Kind, t.Codec = "video", "h265"
			r.OnDataH265(track, func(pts, _ int64, _ [][]byte) error {
				onVideo(pts)
				return nil
			})
		case *mpegts.CodecMPEG4Audio:
			t.Kind, t.Codec = "audio", "aac"
			t.SampleRate = codec.Config.SampleRate
			t.Channels = codec.Config.ChannelCount
			r.OnDataMPEG4Audio(track, func(_ int64, aus [][]byte) error {
				info.AudioFrames += len(aus)
				return nil
			})
		case *mpegts.CodecAC3:
			t.Kind, t.Codec = "audio", "ac3"
			t.SampleRate, t.Channels = codec.SampleRate, codec.ChannelCount
			r.OnDataAC3(track, func(int64, []byte) error {
				info.AudioFrames++
				return nil
			})
		case *mpegts.CodecMPEG1Audio:
			t.Kind, t.Codec = "audio", "mp3"
			r.OnDataMPEG1Audio(track, func(_ int64, frames [][]byte) error {
				info.AudioFrames += len(frames)
				return nil
			})
		case *mpegts.CodecOpus:
			t.Kind, t.Codec = "audio", "opus"
			t.Channels = codec.ChannelCount
			r.OnDataOpus(track, func(_ int64, packets [][]byte) error {
				info.AudioFrames += len(packets)
				return nil
			})
		default:
			t.Kind, t.Codec = "other", fmt.Sprintf("%T", track.Codec)
		}
		info.Tracks = append(info.Tracks, t)
	}
	if len(info.Tracks) == 0 {
		return Info{}, ErrNoTracks
	}

	r.OnDecodeError(func(error) {
		info.DecodeErrors++
	})

	for {
		err := r.Read()
		if err == nil {
			continue
		}
		if errors.Is(err, io.EOF) {
			break
		}
		// a truncated tail still leaves a usable summary
		if info.VideoFrames+info.AudioFrames > 0 {
			info.DecodeErrors++
			break
		}
		return info, fmt.Errorf("reading segment: %w", err)
	}

	if havePTS {
		info.Duration = time.Duration(lastPTS-firstPTS) * time.Second / 90000
	}
	return info, nil
}
