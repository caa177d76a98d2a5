// Package playlist rewrites HLS media playlists to point at new segment
// locations and builds multivariant (master) playlists.
package playlist

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/jmylchreest/hlsforge/internal/ladder"
)

var (
	// ErrMissingAddress is returned when a master playlist variant has no address.
	ErrMissingAddress = errors.New("variant playlist has no content address")
	// ErrNoVariants is returned when a master playlist would be empty.
	ErrNoVariants = errors.New("no variants")
)

// Rewrite replaces every occurrence of each key of refs in text with its
// value. Text that matches no key passes through unchanged. The replacement is
// a single pass, so inserted references are never rewritten again, and at any
// position the longest matching name wins ("720p_10.ts" over "720p_1.ts").
func Rewrite(text string, refs map[string]string) string {
	if len(refs) == 0 {
		return text
	}

	names := make([]string, 0, len(refs))
	for name := range refs {
		if name != "" {
			names = append(names, name)
		}
	}
	slices.SortFunc(names, func(a, b string) int {
		if c := cmp.Compare(len(b), len(a)); c != 0 {
			return c
		}
		return cmp.Compare(a, b)
	})

	pairs := make([]string, 0, len(names)*2)
	for _, name := range names {
		pairs = append(pairs, name, refs[name])
	}
	return strings.NewReplacer(pairs...).Replace(text)
}

// Variant is one entry of a master playlist.
type Variant struct {
	Resolution ladder.Resolution
	// Address is the content address of the rewritten variant playlist.
	Address string
	// URI is what the master references, normally the remote reference.
	URI string
}

// BuildMaster renders a master playlist with one EXT-X-STREAM-INF entry per
// variant, highest resolution first. Every variant must carry an address;
// there is no fallback to a bare file name.
func BuildMaster(variants []Variant) (string, error) {
	if len(variants) == 0 {
		return "", ErrNoVariants
	}

	sorted := slices.Clone(variants)
	slices.SortStableFunc(sorted, func(a, b Variant) int {
		return cmp.Compare(b.Resolution.Height, a.Resolution.Height)
	})

	var sb strings.Builder
	sb.WriteString("#EXTM3U\n#EXT-X-VERSION:3\n")
	for _, v := range sorted {
		if v.Address == "" || v.URI == "" {
			return "", fmt.Errorf("%w: %s", ErrMissingAddress, v.Resolution.Name())
		}
		fmt.Fprintf(&sb, "#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%dx%d\n%s\n",
			v.Resolution.Bitrate, v.Resolution.Width, v.Resolution.Height, v.URI)
	}
	return sb.String(), nil
}

// SegmentURIs returns the segment URIs of a media playlist, in order.
func SegmentURIs(data []byte) ([]string, error) {
	media, err := unmarshalMedia(data)
	if err != nil {
		return nil, err
	}
	uris := make([]string, 0, len(media.Segments))
	for _, seg := range media.Segments {
		uris = append(uris, seg.URI)
	}
	return uris, nil
}

// MasterEntry is a parsed master playlist variant.
type MasterEntry struct {
	Bandwidth  int
	Resolution string
	URI        string
}

// Height returns the variant height from its RESOLUTION attribute, or 0.
func (e MasterEntry) Height() int {
	_, h, ok := strings.Cut(e.Resolution, "x")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(h)
	if err != nil {
		return 0
	}
	return n
}

// ParseMaster parses a master playlist.
func ParseMaster(data []byte) ([]MasterEntry, error) {
	mv, err := unmarshalMultivariant(data)
	if err != nil {
		return nil, err
	}
	entries := make([]MasterEntry, 0, len(mv.Variants))
	for _, v := range mv.Variants {
		entries = append(entries, MasterEntry{Bandwidth: v.Bandwidth, Resolution: v.Resolution, URI: v.URI})
	}
	return entries, nil
}

// IsMaster reports whether data parses as a multivariant playlist.
func IsMaster(data []byte) bool {
	_, err := unmarshalMultivariant(data)
	return err == nil
}

func unmarshalMedia(data []byte) (*playlist.Media, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing media playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist, got multivariant")
	}
	return media, nil
}

func unmarshalMultivariant(data []byte) (*playlist.Multivariant, error) {
	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing master playlist: %w", err)
	}
	mv, ok := pl.(*playlist.Multivariant)
	if !ok {
		return nil, fmt.Errorf("expected multivariant playlist, got media")
	}
	return mv, nil
}
