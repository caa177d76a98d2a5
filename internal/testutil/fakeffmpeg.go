// Package testutil provides a scripted stand-in for the ffmpeg binary and
// sample media for tests.
package testutil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/hlsforge/internal/ffmpeg"
)

// ErrExit mimics a non-zero ffmpeg exit status.
var ErrExit = errors.New("exit status 1")

var scaleRe = regexp.MustCompile(`scale=(-?\d+):(\d+)`)

// FakeFFmpeg implements engine.Runner and engine.Bootstrapper. It recognises
// the three command shapes hlsforge issues (probe, poster and HLS encode) and
// writes plausible output files and stderr without running anything.
type FakeFFmpeg struct {
	// ProbeOutput is written to stderr for probe commands.
	ProbeOutput string
	// Segments is the number of .ts files each encode produces.
	Segments int
	// FailHeights makes encodes at these heights fail with the given stderr line.
	FailHeights map[int]string
	// StallHeights makes encodes at these heights block, silently, until cancelled.
	StallHeights map[int]bool
	// StepDelay is slept between progress lines.
	StepDelay time.Duration
	// PosterFail makes poster extraction fail.
	PosterFail bool
	// DetectErr is returned by Detect when set.
	DetectErr error
	// DetectDelay is slept inside Detect.
	DetectDelay time.Duration

	mu      sync.Mutex
	calls   [][]string
	detects int
}

// NewFakeFFmpeg returns a fake that probes as 1280x720 and writes two segments per encode.
func NewFakeFFmpeg() *FakeFFmpeg {
	return &FakeFFmpeg{
		ProbeOutput:  ProbeOutput(1280, 720),
		Segments:     2,
		FailHeights:  map[int]string{},
		StallHeights: map[int]bool{},
	}
}

// Detect implements engine.Bootstrapper.
func (f *FakeFFmpeg) Detect(ctx context.Context) (*ffmpeg.BinaryInfo, error) {
	f.mu.Lock()
	f.detects++
	f.mu.Unlock()

	if f.DetectDelay > 0 {
		select {
		case <-time.After(f.DetectDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.DetectErr != nil {
		return nil, f.DetectErr
	}
	return &ffmpeg.BinaryInfo{
		Path:         "/usr/bin/ffmpeg",
		Version:      "6.1.1",
		MajorVersion: 6,
		MinorVersion: 1,
		Encoders:     []string{"libx264", "aac", "mjpeg"},
	}, nil
}

// DetectCount returns how many times Detect was called.
func (f *FakeFFmpeg) DetectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detects
}

// Calls returns a copy of every argument list Run received.
func (f *FakeFFmpeg) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.calls)
}

// Run implements engine.Runner.
func (f *FakeFFmpeg) Run(ctx context.Context, dir, _ string, args []string, stderr io.Writer) error {
	f.mu.Lock()
	f.calls = append(f.calls, slices.Clone(args))
	f.mu.Unlock()

	input := argValue(args, "-i")
	if input == "" {
		fmt.Fprintln(stderr, "At least one input file must be specified")
		return ErrExit
	}
	if _, err := os.Stat(filepath.Join(dir, filepath.FromSlash(input))); err != nil {
		fmt.Fprintf(stderr, "%s: No such file or directory\n", input)
		return ErrExit
	}

	switch {
	case slices.Contains(args, "-hls_segment_filename"):
		return f.encode(ctx, dir, args, stderr)
	case slices.Contains(args, "-frames:v"):
		return f.poster(dir, args, stderr)
	default:
		fmt.Fprint(stderr, f.ProbeOutput)
		fmt.Fprintln(stderr, "At least one output file must be specified")
		return ErrExit
	}
}

func (f *FakeFFmpeg) encode(ctx context.Context, dir string, args []string, stderr io.Writer) error {
	height := 0
	if m := scaleRe.FindStringSubmatch(argValue(args, "-vf")); len(m) == 3 {
		height, _ = strconv.Atoi(m[2])
	}

	if f.StallHeights[height] {
		<-ctx.Done()
		return ctx.Err()
	}

	fmt.Fprintln(stderr, "  Duration: 00:00:08.00, start: 0.000000, bitrate: 1000 kb/s")

	if msg, ok := f.FailHeights[height]; ok {
		fmt.Fprintln(stderr, msg)
		return ErrExit
	}

	pattern := argValue(args, "-hls_segment_filename")
	output := args[len(args)-1]
	segments := max(f.Segments, 1)

	var playlist strings.Builder
	playlist.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:4\n#EXT-X-MEDIA-SEQUENCE:0\n#EXT-X-PLAYLIST-TYPE:VOD\n")

	for i := range segments {
		if err := ctx.Err(); err != nil {
			return err
		}
		if f.StepDelay > 0 {
			select {
			case <-time.After(f.StepDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		name := fmt.Sprintf(pattern, i)
		data, err := TSSegment(height*1000 + i)
		if err != nil {
			return err
		}
		if err := writeFile(dir, name, data); err != nil {
			return err
		}
		fmt.Fprintf(&playlist, "#EXTINF:4.000000,\n%s\n", filepath.Base(name))

		pos := time.Duration(i+1) * 8 * time.Second / time.Duration(segments)
		fmt.Fprintf(stderr, "frame=%5d fps= 60 q=28.0 size=%8dkB time=%s bitrate=1000.0kbits/s speed=2.0x\r",
			(i+1)*30, (i+1)*512, clock(pos))
	}
	playlist.WriteString("#EXT-X-ENDLIST\n")
	fmt.Fprintln(stderr)

	return writeFile(dir, output, []byte(playlist.String()))
}

func (f *FakeFFmpeg) poster(dir string, args []string, stderr io.Writer) error {
	if f.PosterFail {
		fmt.Fprintln(stderr, "Output file is empty, nothing was encoded")
		return ErrExit
	}
	return writeFile(dir, args[len(args)-1], PosterJPEG(320, 180))
}

// ProbeOutput returns ffmpeg stderr describing a WxH H.264 input.
func ProbeOutput(width, height int) string {
	return fmt.Sprintf(`Input #0, mov,mp4,m4a,3gp,3g2,mj2, from 'input.mp4':
  Duration: 00:00:08.00, start: 0.000000, bitrate: 2510 kb/s
  Stream #0:0[0x1](und): Video: h264 (High) (avc1 / 0x31637661), yuv420p(progressive), %dx%d [SAR 1:1 DAR 16:9], 2375 kb/s, 30 fps (default)
  Stream #0:1[0x2](und): Audio: aac (LC) (mp4a / 0x6134706D), 48000 Hz, stereo, fltp, 128 kb/s (default)
`, width, height)
}

// PosterJPEG encodes a solid-colour JPEG of the given size.
func PosterJPEG(width, height int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := range height {
		for x := range width {
			img.Set(x, y, color.RGBA{R: 32, G: 96, B: 160, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70})
	return buf.Bytes()
}

func argValue(args []string, flag string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == flag {
			return args[i+1]
		}
	}
	return ""
}

func writeFile(dir, rel string, data []byte) error {
	path := filepath.Join(dir, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}

func clock(d time.Duration) string {
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := d.Seconds() - float64(h*3600+m*60)
	return fmt.Sprintf("%02d:%02d:%05.2f", h, m, s)
}
