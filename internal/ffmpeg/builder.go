// Package ffmpeg builds ffmpeg command lines and interprets ffmpeg's diagnostic output.
// It does not run processes; engine.Manager owns execution.
package ffmpeg

import (
	"fmt"
	"strconv"
	"strings"
)

// CommandBuilder builds ffmpeg argument lists with a fluent API.
type CommandBuilder struct {
	globalArgs []string
	inputArgs  []string
	input      string
	filterArgs []string
	outputArgs []string
	output     string
	logLevel   string
	overwrite  bool
}

// NewCommandBuilder creates a builder. The default log level is "info" so that
// Duration and time= lines reach stderr for progress tracking.
func NewCommandBuilder() *CommandBuilder {
	return &CommandBuilder{logLevel: "info"}
}

// LogLevel sets the ffmpeg log level.
func (b *CommandBuilder) LogLevel(level string) *CommandBuilder {
	b.logLevel = level
	return b
}

// HideBanner hides the ffmpeg banner.
func (b *CommandBuilder) HideBanner() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-hide_banner")
	return b
}

// NoStdin stops ffmpeg from reading the terminal.
func (b *CommandBuilder) NoStdin() *CommandBuilder {
	b.globalArgs = append(b.globalArgs, "-nostdin")
	return b
}

// Overwrite enables output file overwriting.
func (b *CommandBuilder) Overwrite() *CommandBuilder {
	b.overwrite = true
	return b
}

// Threads caps encoder threads. Zero leaves the choice to ffmpeg.
func (b *CommandBuilder) Threads(n int) *CommandBuilder {
	if n > 0 {
		b.outputArgs = append(b.outputArgs, "-threads", strconv.Itoa(n))
	}
	return b
}

// Input sets the input source.
func (b *CommandBuilder) Input(input string) *CommandBuilder {
	b.input = input
	return b
}

// InputArgs adds arguments placed before -i.
func (b *CommandBuilder) InputArgs(args ...string) *CommandBuilder {
	b.inputArgs = append(b.inputArgs, args...)
	return b
}

// VideoCodec sets the video codec.
func (b *CommandBuilder) VideoCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:v", codec)
	return b
}

// AudioCodec sets the audio codec.
func (b *CommandBuilder) AudioCodec(codec string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-c:a", codec)
	return b
}

// VideoBitrate sets a target video bitrate in bits per second, with a matching
// maxrate and a 2x buffer so segment sizes stay predictable.
func (b *CommandBuilder) VideoBitrate(bps int) *CommandBuilder {
	kbps := strconv.Itoa(bps/1000) + "k"
	b.outputArgs = append(b.outputArgs,
		"-b:v", kbps,
		"-maxrate", kbps,
		"-bufsize", strconv.Itoa(bps*2/1000)+"k")
	return b
}

// CRF sets constant-rate-factor quality instead of a bitrate target.
func (b *CommandBuilder) CRF(crf int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-crf", strconv.Itoa(crf))
	return b
}

// AudioBitrate sets the audio bitrate (e.g. "128k").
func (b *CommandBuilder) AudioBitrate(bitrate string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-b:a", bitrate)
	return b
}

// VideoPreset sets the encoder speed preset.
func (b *CommandBuilder) VideoPreset(preset string) *CommandBuilder {
	if preset != "" {
		b.outputArgs = append(b.outputArgs, "-preset", preset)
	}
	return b
}

// VideoFilter appends a filter to the -vf chain.
func (b *CommandBuilder) VideoFilter(filter string) *CommandBuilder {
	b.filterArgs = append(b.filterArgs, filter)
	return b
}

// Scale appends a scale filter. A non-positive width keeps the source aspect
// ratio with an even width, which libx264 requires.
func (b *CommandBuilder) Scale(width, height int) *CommandBuilder {
	if width > 0 {
		return b.VideoFilter(fmt.Sprintf("scale=%d:%d", width, height))
	}
	return b.VideoFilter(fmt.Sprintf("scale=-2:%d", height))
}

// Frames limits the number of video frames written.
func (b *CommandBuilder) Frames(n int) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, "-frames:v", strconv.Itoa(n))
	return b
}

// OutputArgs adds arbitrary output arguments.
func (b *CommandBuilder) OutputArgs(args ...string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs, args...)
	return b
}

// HLSArgs adds VOD HLS output arguments. Segments are written next to the
// playlist using segmentPattern, e.g. "720p_%03d.ts".
func (b *CommandBuilder) HLSArgs(segmentTime int, segmentPattern string) *CommandBuilder {
	b.outputArgs = append(b.outputArgs,
		"-f", "hls",
		"-hls_time", strconv.Itoa(segmentTime),
		"-hls_playlist_type", "vod",
		"-hls_list_size", "0",
		"-hls_segment_filename", segmentPattern)
	return b
}

// Output sets the output destination.
func (b *CommandBuilder) Output(output string) *CommandBuilder {
	b.output = output
	return b
}

// Build returns the argument list, without the binary.
func (b *CommandBuilder) Build() []string {
	var args []string

	args = append(args, "-loglevel", b.logLevel)
	args = append(args, b.globalArgs...)

	if b.overwrite {
		args = append(args, "-y")
	}

	args = append(args, b.inputArgs...)
	args = append(args, "-i", b.input)

	if len(b.filterArgs) > 0 {
		args = append(args, "-vf", strings.Join(b.filterArgs, ","))
	}

	args = append(args, b.outputArgs...)

	if b.output != "" {
		args = append(args, b.output)
	}

	return args
}

// String returns the arguments joined by spaces, for logging.
func (b *CommandBuilder) String() string {
	return strings.Join(b.Build(), " ")
}
