// Package encode issues the ffmpeg commands of a transcode session: one HLS
// rendition per resolution and a poster frame.
package encode

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
	"github.com/jmylchreest/hlsforge/internal/ladder"
	"github.com/jmylchreest/hlsforge/internal/storage"
)

// Quality modes.
const (
	QualityBitrate = "bitrate"
	QualityCRF     = "crf"
)

const (
	defaultSpeed           = "veryfast"
	defaultCRF             = 23
	defaultAudioBitrate    = "128k"
	defaultSegmentDuration = 4
	playlistSuffix         = "_index.m3u8"
)

// ErrNoOutput is returned when ffmpeg succeeded but wrote no playlist or segments.
var ErrNoOutput = errors.New("encode produced no output")

// Executor runs one ffmpeg command. engine.Manager implements it.
type Executor interface {
	Exec(ctx context.Context, args []string, timeout time.Duration) error
}

// Options are the per-session encoding choices.
type Options struct {
	Speed           string        `json:"speed"`        // x264 preset
	QualityMode     string        `json:"quality_mode"` // bitrate or crf
	CRF             int           `json:"crf,omitempty"`
	SegmentDuration int           `json:"segment_duration"`
	Threads         int           `json:"threads,omitempty"`
	Timeout         time.Duration `json:"timeout,omitempty"`
}

// WithDefaults fills unset fields.
func (o Options) WithDefaults() Options {
	if o.Speed == "" {
		o.Speed = defaultSpeed
	}
	if o.QualityMode == "" {
		o.QualityMode = QualityBitrate
	}
	if o.CRF <= 0 {
		o.CRF = defaultCRF
	}
	if o.SegmentDuration <= 0 {
		o.SegmentDuration = defaultSegmentDuration
	}
	return o
}

// Output is the raw rendition of one resolution.
type Output struct {
	Resolution ladder.Resolution
	Playlist   artifact.File
	Segments   []artifact.File
}

// Files returns the playlist followed by the segments.
func (o Output) Files() []artifact.File {
	return append([]artifact.File{o.Playlist}, o.Segments...)
}

// PlaylistName returns the media playlist name for res.
func PlaylistName(res ladder.Resolution) string {
	return res.Name() + playlistSuffix
}

// SegmentPattern returns the ffmpeg segment name pattern for res.
func SegmentPattern(res ladder.Resolution) string {
	return res.Name() + "_%03d.ts"
}

// ResolutionArgs builds the HLS encode command for res. input is a name inside ns.
func ResolutionArgs(ns *storage.Namespace, input string, res ladder.Resolution, opts Options) []string {
	opts = opts.WithDefaults()

	b := ffmpeg.NewCommandBuilder().
		HideBanner().
		NoStdin().
		Overwrite().
		Threads(opts.Threads).
		Input(ns.Path(input)).
		Scale(-1, res.Height).
		VideoCodec("libx264").
		VideoPreset(opts.Speed)

	if opts.QualityMode == QualityCRF {
		b.CRF(opts.CRF)
	} else {
		b.VideoBitrate(res.Bitrate)
	}

	return b.AudioCodec("aac").
		AudioBitrate(defaultAudioBitrate).
		OutputArgs("-sc_threshold", "0", "-g", "48", "-keyint_min", "48").
		HLSArgs(opts.SegmentDuration, ns.Path(SegmentPattern(res))).
		Output(ns.Path(PlaylistName(res))).
		Build()
}

// Resolution encodes input at res and reads back the playlist and segments it
// produced. The files stay in ns; the caller purges the namespace.
func Resolution(ctx context.Context, exec Executor, ns *storage.Namespace, input string, res ladder.Resolution, opts Options) (Output, error) {
	opts = opts.WithDefaults()
	if err := exec.Exec(ctx, ResolutionArgs(ns, input, res, opts), opts.Timeout); err != nil {
		return Output{}, fmt.Errorf("encoding %s: %w", res.Name(), err)
	}
	return Collect(ns, res)
}

// Collect reads the files ffmpeg wrote for res from ns.
func Collect(ns *storage.Namespace, res ladder.Resolution) (Output, error) {
	names, err := ns.ListPrefix(res.Name() + "_")
	if err != nil {
		return Output{}, fmt.Errorf("listing %s output: %w", res.Name(), err)
	}

	out := Output{Resolution: res}
	for _, name := range names {
		kind := artifact.KindOf(name)
		if kind != artifact.KindSegment && kind != artifact.KindPlaylist {
			continue
		}
		data, err := ns.Read(name)
		if err != nil {
			return Output{}, fmt.Errorf("reading %s: %w", name, err)
		}
		f := artifact.File{Name: name, Data: data}
		if kind == artifact.KindPlaylist {
			if name == PlaylistName(res) {
				out.Playlist = f
			}
			continue
		}
		out.Segments = append(out.Segments, f)
	}

	if out.Playlist.Name == "" || len(out.Segments) == 0 {
		return Output{}, fmt.Errorf("%w for %s (%d files)", ErrNoOutput, res.Name(), len(names))
	}
	return out, nil
}

// PosterName returns the poster file name for a format ("jpg" or "webp").
func PosterName(format string) string {
	format = strings.ToLower(format)
	if format != "webp" {
		format = "jpg"
	}
	return "poster." + format
}

// PosterArgs builds a command capturing the first keyframe of input.
func PosterArgs(ns *storage.Namespace, input, format string) []string {
	return ffmpeg.NewCommandBuilder().
		HideBanner().
		NoStdin().
		Overwrite().
		Input(ns.Path(input)).
		VideoFilter(`select=eq(pict_type\,I)`).
		Frames(1).
		OutputArgs("-q:v", "2").
		Output(ns.Path(PosterName(format))).
		Build()
}

// Poster captures a keyframe from input as an image.
func Poster(ctx context.Context, exec Executor, ns *storage.Namespace, input, format string, timeout time.Duration) (artifact.File, error) {
	if err := exec.Exec(ctx, PosterArgs(ns, input, format), timeout); err != nil {
		return artifact.File{}, fmt.Errorf("extracting poster: %w", err)
	}
	name := PosterName(format)
	data, err := ns.Read(name)
	if err != nil {
		return artifact.File{}, fmt.Errorf("reading poster: %w", err)
	}
	if len(data) == 0 {
		return artifact.File{}, fmt.Errorf("%w: empty poster", ErrNoOutput)
	}
	return artifact.File{Name: name, Data: data}, nil
}
