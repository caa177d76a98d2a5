// Package artifact defines the byte buffers a transcode produces and the
// role metadata attached to them for upload ordering and grouping.
package artifact

import (
	"path"
	"strings"
)

// Kind classifies a file by extension.
type Kind int

const (
	KindOther Kind = iota
	KindSegment
	KindPlaylist
	KindImage
)

// File is a named, immutable byte buffer.
type File struct {
	Name string `json:"name"`
	Data []byte `json:"-"`
}

// Size returns the length of the file in bytes.
func (f File) Size() int64 {
	return int64(len(f.Data))
}

// Kind returns the file's kind based on its extension.
func (f File) Kind() Kind {
	return KindOf(f.Name)
}

// ContentType returns the MIME type served for the file.
func (f File) ContentType() string {
	return ContentType(f.Name)
}

// KindOf classifies a file name.
func KindOf(name string) Kind {
	switch strings.ToLower(path.Ext(name)) {
	case ".ts":
		return KindSegment
	case ".m3u8":
		return KindPlaylist
	case ".jpg", ".jpeg", ".webp", ".png":
		return KindImage
	default:
		return KindOther
	}
}

// ContentType returns the MIME type for a file name.
func ContentType(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".ts":
		return "video/mp2t"
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".webp":
		return "image/webp"
	case ".png":
		return "image/png"
	case ".mp4":
		return "video/mp4"
	default:
		return "application/octet-stream"
	}
}

// Role tags a wrapped file for the upload pipeline and UI grouping.
type Role string

const (
	// RoleVideo is the main file: the master playlist.
	RoleVideo     Role = "video"
	RolePlaylist  Role = "playlist"
	RoleSegment   Role = "segment"
	RolePoster    Role = "poster"
	RoleThumbnail Role = "thumbnail"
	RoleSource    Role = "source"
)

// WrappedFile is an output file annotated for upload. ParentFile names the
// master playlist; it is a back-reference, not ownership.
type WrappedFile struct {
	File
	Address     string `json:"address,omitempty"`
	RemoteRef   string `json:"remote_ref,omitempty"`
	IsAuxiliary bool   `json:"is_auxiliary"`
	Role        Role   `json:"role"`
	ParentFile  string `json:"parent_file,omitempty"`
	ProcessorID string `json:"processor_id"`
	// Resolution is the variant height for playlists and segments.
	Resolution int `json:"resolution,omitempty"`
	// Codecs lists the track codecs found in a variant, on playlist files.
	Codecs []string `json:"codecs,omitempty"`
}

// FindRole returns the first file with the given role.
func FindRole(files []WrappedFile, role Role) (WrappedFile, bool) {
	for _, f := range files {
		if f.Role == role {
			return f, true
		}
	}
	return WrappedFile{}, false
}

// FilterRole returns every file with the given role, in order.
func FilterRole(files []WrappedFile, role Role) []WrappedFile {
	var out []WrappedFile
	for _, f := range files {
		if f.Role == role {
			out = append(out, f)
		}
	}
	return out
}
