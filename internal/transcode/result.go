package transcode

import (
	"errors"
	"io/fs"
	"log/slog"
	"strings"

	"github.com/jmylchreest/hlsforge/internal/artifact"
	"github.com/jmylchreest/hlsforge/internal/engine"
	"github.com/jmylchreest/hlsforge/internal/preview"
	"github.com/jmylchreest/hlsforge/internal/storage"
)

// ChoiceHLS is the output choice of every completed session.
const ChoiceHLS = "hls"

var (
	// ErrAllResolutionsFailed is returned when no resolution completed.
	ErrAllResolutionsFailed = errors.New("all resolutions failed")
	// ErrHashing wraps content addressing failures.
	ErrHashing = errors.New("content addressing failed")
)

// Complete is the terminal event of a successful session.
type Complete struct {
	SessionID      string                  `json:"session_id"`
	Choice         string                  `json:"choice"`
	Files          []artifact.WrappedFile  `json:"files"`
	MasterPlaylist artifact.WrappedFile    `json:"master_playlist"`
	Thumbnail      *artifact.WrappedFile   `json:"thumbnail,omitempty"`
	PreviewURLs    map[string]string       `json:"preview_urls,omitempty"`
	Quality        []preview.QualityOption `json:"quality_options,omitempty"`
	Resolutions    []ResolutionProgress    `json:"resolutions"`
	// Preview owns the preview URLs; Close it when the preview is dismissed.
	Preview *preview.Graph `json:"-"`
}

// Classification groups failures for user-facing messages.
type Classification string

const (
	ClassFilesystem       Classification = "filesystem"
	ClassCorruptInput     Classification = "corrupt_input"
	ClassUnsupportedInput Classification = "unsupported_input"
	ClassGeneric          Classification = "generic"
)

// Message returns the user-facing text for a classification.
func (c Classification) Message() string {
	switch c {
	case ClassFilesystem:
		return "A file system error occurred while processing the video. Please try again."
	case ClassCorruptInput:
		return "The video file appears to be corrupted and could not be processed."
	case ClassUnsupportedInput:
		return "This video format is not supported."
	default:
		return "Transcoding failed. Please try again."
	}
}

// Failed is the terminal event of a failed session. It is returned as an error.
type Failed struct {
	SessionID      string               `json:"session_id"`
	Message        string               `json:"message"`
	Classification Classification       `json:"classification"`
	Resolutions    []ResolutionProgress `json:"resolutions,omitempty"`
	Err            error                `json:"-"`
}

func (f *Failed) Error() string {
	return f.Err.Error()
}

func (f *Failed) Unwrap() error {
	return f.Err
}

// LogValue implements slog.LogValuer.
func (f *Failed) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("classification", string(f.Classification)),
		slog.String("error", f.Err.Error()),
	)
}

var (
	corruptMarkers = []string{
		"invalid data found when processing input",
		"moov atom not found",
		"corrupt",
		"truncating packet",
		"error while decoding",
		"invalid nal unit",
	}
	unsupportedMarkers = []string{
		"unknown format",
		"decoder not found",
		"unsupported codec",
		"could not find codec parameters",
		"does not contain any stream",
		"no decoder",
		"not supported",
	}
)

// Classify maps a session error to a classification. ffmpeg diagnostics are
// checked first, then filesystem errors.
func Classify(err error) Classification {
	if err == nil {
		return ClassGeneric
	}

	var execErr *engine.ExecError
	if errors.As(err, &execErr) {
		out := strings.ToLower(execErr.Output())
		for _, m := range corruptMarkers {
			if strings.Contains(out, m) {
				return ClassCorruptInput
			}
		}
		for _, m := range unsupportedMarkers {
			if strings.Contains(out, m) {
				return ClassUnsupportedInput
			}
		}
	}

	var pathErr *fs.PathError
	switch {
	case errors.As(err, &pathErr),
		errors.Is(err, fs.ErrNotExist),
		errors.Is(err, fs.ErrPermission),
		errors.Is(err, storage.ErrPathEscapes),
		errors.Is(err, storage.ErrInvalidName):
		return ClassFilesystem
	}
	return ClassGeneric
}

func newFailed(sessionID string, err error, records []ResolutionProgress) *Failed {
	class := Classify(err)
	return &Failed{
		SessionID:      sessionID,
		Message:        class.Message(),
		Classification: class,
		Resolutions:    records,
		Err:            err,
	}
}

// uploadRank orders roles for upload: referenced files before referrers.
var uploadRank = map[artifact.Role]int{
	artifact.RoleSegment:   0,
	artifact.RolePlaylist:  1,
	artifact.RoleVideo:     2,
	artifact.RolePoster:    3,
	artifact.RoleThumbnail: 3,
	artifact.RoleSource:    4,
}

// UploadPlan orders files so that segments precede resolution playlists and
// resolution playlists precede the master. Order within a role is kept.
func UploadPlan(files []artifact.WrappedFile) []artifact.WrappedFile {
	out := make([]artifact.WrappedFile, 0, len(files))
	for rank := 0; rank <= 5; rank++ {
		for _, f := range files {
			r, ok := uploadRank[f.Role]
			if !ok {
				r = 5
			}
			if r == rank {
				out = append(out, f)
			}
		}
	}
	return out
}
