package ffmpeg

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"time"
)

// ErrProbeParse is returned when diagnostic output holds no video dimensions.
var ErrProbeParse = errors.New("no video dimensions in probe output")

// Dimensions is a frame size in pixels.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// String formats the dimensions as WxH.
func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// ProbeInfo is what ffmpeg reports about an input on stderr.
type ProbeInfo struct {
	Dimensions Dimensions
	Duration   time.Duration
}

// videoStreamRe matches the WxH token in a line like
// "Stream #0:0(und): Video: h264 (High), yuv420p(progressive), 1920x1080 [SAR 1:1 DAR 16:9], ...".
var videoStreamRe = regexp.MustCompile(`Stream #\d+:\d+.*Video:.*?\b(\d{2,5})x(\d{2,5})\b`)

// ParseProbeOutput extracts dimensions and duration from the stderr of
// `ffmpeg -hide_banner -i <input>`, which exits non-zero because no output is given.
func ParseProbeOutput(output string) (ProbeInfo, error) {
	var info ProbeInfo

	for _, line := range splitLines(output) {
		if d, ok := ParseDuration(line); ok && info.Duration == 0 {
			info.Duration = d
		}
		if info.Dimensions.Height > 0 {
			continue
		}
		if m := videoStreamRe.FindStringSubmatch(line); len(m) == 3 {
			w, _ := strconv.Atoi(m[1])
			h, _ := strconv.Atoi(m[2])
			if w > 0 && h > 0 {
				info.Dimensions = Dimensions{Width: w, Height: h}
			}
		}
	}

	if info.Dimensions.Height == 0 {
		return info, ErrProbeParse
	}
	return info, nil
}

// ProbeArgs returns the argument list for a forced-failure info probe.
func ProbeArgs(input string) []string {
	return []string{"-hide_banner", "-nostdin", "-i", input}
}
