package ffmpeg

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/hlsforge/internal/util"
)

// BinaryEnvVar overrides ffmpeg discovery when no path is configured.
const BinaryEnvVar = "HLSFORGE_FFMPEG_BINARY"

// BinaryInfo describes a detected ffmpeg installation.
type BinaryInfo struct {
	Path         string   `json:"path"`
	Version      string   `json:"version"`
	MajorVersion int      `json:"major_version"`
	MinorVersion int      `json:"minor_version"`
	Encoders     []string `json:"encoders,omitempty"`
}

// HasEncoder reports whether ffmpeg was built with the named encoder.
func (info *BinaryInfo) HasEncoder(name string) bool {
	return slices.Contains(info.Encoders, name)
}

// JSON returns the binary info as an indented JSON string.
func (info *BinaryInfo) JSON() string {
	data, _ := json.MarshalIndent(info, "", "  ")
	return string(data)
}

// SupportsMinVersion returns true if the ffmpeg version is at least major.minor.
func (info *BinaryInfo) SupportsMinVersion(major, minor int) bool {
	if info.MajorVersion != major {
		return info.MajorVersion > major
	}
	return info.MinorVersion >= minor
}

// BinaryDetector locates ffmpeg and caches what it learns.
type BinaryDetector struct {
	configuredPath string

	mu           sync.RWMutex
	info         *BinaryInfo
	lastDetected time.Time
	cacheTTL     time.Duration
}

// NewBinaryDetector creates a detector. configuredPath may be empty to search
// HLSFORGE_FFMPEG_BINARY, the working directory and PATH.
func NewBinaryDetector(configuredPath string) *BinaryDetector {
	return &BinaryDetector{
		configuredPath: configuredPath,
		cacheTTL:       5 * time.Minute,
	}
}

// WithCacheTTL sets the cache TTL for detection results.
func (d *BinaryDetector) WithCacheTTL(ttl time.Duration) *BinaryDetector {
	d.cacheTTL = ttl
	return d
}

// Detect finds ffmpeg and reads its version and encoders.
func (d *BinaryDetector) Detect(ctx context.Context) (*BinaryInfo, error) {
	d.mu.RLock()
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		info := d.info
		d.mu.RUnlock()
		return info, nil
	}
	d.mu.RUnlock()

	d.mu.Lock()
	defer d.mu.Unlock()

	// Double-check after acquiring write lock
	if d.info != nil && time.Since(d.lastDetected) < d.cacheTTL {
		return d.info, nil
	}

	path, err := util.FindBinary("ffmpeg", d.configuredPath, BinaryEnvVar)
	if err != nil {
		return nil, fmt.Errorf("ffmpeg not found: %w", err)
	}

	out, err := exec.CommandContext(ctx, path, "-version").Output()
	if err != nil {
		return nil, fmt.Errorf("getting ffmpeg version: %w", err)
	}
	info, err := ParseVersionOutput(string(out))
	if err != nil {
		return nil, err
	}
	info.Path = path

	// Encoder listing is informational; a failure leaves the list empty.
	if out, err := exec.CommandContext(ctx, path, "-hide_banner", "-encoders").Output(); err == nil {
		info.Encoders = ParseEncoders(string(out))
	}

	d.info = info
	d.lastDetected = time.Now()
	return info, nil
}

// Clear drops the cached detection result.
func (d *BinaryDetector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.info = nil
}

var versionRe = regexp.MustCompile(`^n?(\d+)\.(\d+)`)

// ParseVersionOutput parses `ffmpeg -version` output.
func ParseVersionOutput(output string) (*BinaryInfo, error) {
	info := &BinaryInfo{}
	for _, line := range splitLines(output) {
		if !strings.HasPrefix(line, "ffmpeg version") {
			continue
		}
		// "ffmpeg version 6.0 Copyright..." or "ffmpeg version n6.0-2-g..."
		parts := strings.Fields(line)
		if len(parts) < 3 {
			continue
		}
		info.Version = parts[2]
		if m := versionRe.FindStringSubmatch(parts[2]); len(m) == 3 {
			info.MajorVersion, _ = strconv.Atoi(m[1])
			info.MinorVersion, _ = strconv.Atoi(m[2])
		}
		break
	}
	if info.Version == "" {
		return nil, fmt.Errorf("failed to parse ffmpeg version")
	}
	return info, nil
}

// ParseEncoders parses `ffmpeg -encoders` output into encoder names.
func ParseEncoders(output string) []string {
	var encoders []string
	inList := false
	for _, line := range splitLines(output) {
		if strings.Contains(line, "------") {
			inList = true
			continue
		}
		if !inList {
			continue
		}
		// Format: " V....D libx264  libx264 H.264 / AVC ..."
		fields := strings.Fields(line)
		if len(fields) < 2 || len(fields[0]) != 6 {
			continue
		}
		switch fields[0][0] {
		case 'V', 'A', 'S':
			encoders = append(encoders, fields[1])
		}
	}
	return encoders
}

func splitLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	sc.Split(scanLinesCR)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}

// scanLinesCR splits on \n or \r. ffmpeg rewrites its stats line in place with \r.
func scanLinesCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	for i, c := range data {
		if c == '\n' || c == '\r' {
			return i + 1, data[:i], nil
		}
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

// ScanLines is a bufio.SplitFunc for ffmpeg stderr that treats \r as a line break.
var ScanLines bufio.SplitFunc = scanLinesCR
