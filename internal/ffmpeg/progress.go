package ffmpeg

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

var (
	durationRe = regexp.MustCompile(`Duration:\s*(\d+):(\d+):(\d+)\.(\d+)`)
	timeRe     = regexp.MustCompile(`time=\s*(\d+):(\d+):(\d+)\.(\d+)`)
	speedRe    = regexp.MustCompile(`speed=\s*([\d.]+)x`)
	frameRe    = regexp.MustCompile(`frame=\s*(\d+)`)
)

// Stats is one parsed ffmpeg stats line.
type Stats struct {
	Frame int64
	Time  time.Duration
	Speed float64
}

// ParseDuration extracts the input duration from a "Duration:" diagnostic line.
func ParseDuration(line string) (time.Duration, bool) {
	m := durationRe.FindStringSubmatch(line)
	if len(m) < 5 {
		return 0, false
	}
	return clock(m[1:5]), true
}

// ParseStats extracts encode position from a stats line ("frame= ... time=...").
func ParseStats(line string) (Stats, bool) {
	m := timeRe.FindStringSubmatch(line)
	if len(m) < 5 {
		return Stats{}, false
	}
	s := Stats{Time: clock(m[1:5])}
	if fm := frameRe.FindStringSubmatch(line); len(fm) > 1 {
		s.Frame, _ = strconv.ParseInt(fm[1], 10, 64)
	}
	if sm := speedRe.FindStringSubmatch(line); len(sm) > 1 {
		s.Speed, _ = strconv.ParseFloat(sm[1], 64)
	}
	return s, true
}

// Ratio converts an encode position into a 0..1 progress ratio against total.
func Ratio(pos, total time.Duration) float64 {
	if total <= 0 {
		return 0
	}
	r := float64(pos) / float64(total)
	switch {
	case r < 0:
		return 0
	case r > 1:
		return 1
	}
	return r
}

// clock converts hh, mm, ss and a fractional part into a duration. The fraction
// is interpreted by its digit count, so ".5" and ".50" are both half a second.
func clock(parts []string) time.Duration {
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	s, _ := strconv.Atoi(parts[2])
	frac := parts[3]
	if len(frac) > 9 {
		frac = frac[:9]
	}
	ns, _ := strconv.Atoi(frac + strings.Repeat("0", 9-len(frac)))
	return time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(s)*time.Second +
		time.Duration(ns)
}
