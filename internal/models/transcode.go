package models

import (
	"strconv"
	"strings"
	"time"
)

// TranscodeStatus is the ledger status of a transcode.
type TranscodeStatus string

const (
	// TranscodeStatusPending is a transcode accepted but not yet started.
	TranscodeStatusPending TranscodeStatus = "pending"
	// TranscodeStatusRunning is a transcode whose session is executing.
	TranscodeStatusRunning TranscodeStatus = "running"
	// TranscodeStatusComplete is a transcode that produced a package.
	TranscodeStatusComplete TranscodeStatus = "complete"
	// TranscodeStatusFailed is a transcode that ended without output.
	TranscodeStatusFailed TranscodeStatus = "failed"
)

// Transcode is the ledger record of one upload and its packaged output.
type Transcode struct {
	BaseModel

	// SessionID is the orchestrator session that namespaced the work files.
	SessionID string `gorm:"size:26;index" json:"session_id"`

	InputName string `gorm:"not null;size:512" json:"input_name"`
	InputSize int64  `json:"input_size"`

	// Strategy is "sequential" or "parallel".
	Strategy string `gorm:"not null;size:20" json:"strategy"`
	Speed    string `gorm:"size:20" json:"speed,omitempty"`

	Status  TranscodeStatus `gorm:"not null;default:'pending';size:20;index" json:"status"`
	Percent float64         `json:"percent"`

	// Resolutions and FailedResolutions are comma separated heights.
	Resolutions       string `gorm:"size:64" json:"resolutions,omitempty"`
	FailedResolutions string `gorm:"size:64" json:"failed_resolutions,omitempty"`

	MasterAddress string `gorm:"size:128" json:"master_address,omitempty"`
	MasterRef     string `gorm:"size:1024" json:"master_ref,omitempty"`

	ErrorClass   string `gorm:"size:32" json:"error_class,omitempty"`
	ErrorMessage string `gorm:"size:4096" json:"error_message,omitempty"`

	StartedAt   *Time `json:"started_at,omitempty"`
	CompletedAt *Time `gorm:"index" json:"completed_at,omitempty"`
	DurationMs  int64 `json:"duration_ms,omitempty"`

	Artifacts []SessionArtifact `gorm:"foreignKey:TranscodeID;constraint:OnDelete:CASCADE" json:"artifacts,omitempty"`
}

// TableName returns the table name for Transcode.
func (Transcode) TableName() string {
	return "transcodes"
}

// Validate checks required fields.
func (t *Transcode) Validate() error {
	if strings.TrimSpace(t.InputName) == "" {
		return ErrInputNameRequired
	}
	switch t.Strategy {
	case "sequential", "parallel":
	default:
		return ErrInvalidStrategy
	}
	return nil
}

// IsFinished reports whether the transcode reached a terminal status.
func (t *Transcode) IsFinished() bool {
	return t.Status == TranscodeStatusComplete || t.Status == TranscodeStatusFailed
}

// MarkRunning records the session that executes the transcode.
func (t *Transcode) MarkRunning(sessionID string) {
	now := Now()
	t.Status = TranscodeStatusRunning
	t.SessionID = sessionID
	t.StartedAt = &now
}

// MarkComplete records a packaged result.
func (t *Transcode) MarkComplete(masterAddress, masterRef string, completed, failed []int) {
	t.Status = TranscodeStatusComplete
	t.Percent = 100
	t.MasterAddress = masterAddress
	t.MasterRef = masterRef
	t.Resolutions = JoinHeights(completed)
	t.FailedResolutions = JoinHeights(failed)
	t.finish()
}

// MarkFailed records a terminal failure.
func (t *Transcode) MarkFailed(class, message string, failed []int) {
	t.Status = TranscodeStatusFailed
	t.ErrorClass = class
	t.ErrorMessage = message
	t.FailedResolutions = JoinHeights(failed)
	t.finish()
}

func (t *Transcode) finish() {
	now := Now()
	t.CompletedAt = &now
	if t.StartedAt != nil {
		t.DurationMs = now.Sub(*t.StartedAt).Milliseconds()
	}
}

// Duration returns the run time of a finished transcode.
func (t *Transcode) Duration() time.Duration {
	return time.Duration(t.DurationMs) * time.Millisecond
}

// JoinHeights renders heights as "480,720".
func JoinHeights(heights []int) string {
	parts := make([]string, len(heights))
	for i, h := range heights {
		parts[i] = strconv.Itoa(h)
	}
	return strings.Join(parts, ",")
}

// SplitHeights parses the output of JoinHeights, skipping malformed entries.
func SplitHeights(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		if h, err := strconv.Atoi(strings.TrimSpace(part)); err == nil {
			out = append(out, h)
		}
	}
	return out
}

// SessionArtifact is one packaged file of a completed transcode. Data is not
// stored; the row records what was produced and where it is addressed.
type SessionArtifact struct {
	BaseModel

	TranscodeID ULID   `gorm:"type:varchar(26);not null;index" json:"transcode_id"`
	Name        string `gorm:"not null;size:255" json:"name"`
	Role        string `gorm:"not null;size:20;index" json:"role"`
	Address     string `gorm:"size:128;index" json:"address"`
	RemoteRef   string `gorm:"size:1024" json:"remote_ref"`
	Size        int64  `json:"size"`
	Resolution  int    `json:"resolution,omitempty"`
	Codecs      string `gorm:"size:64" json:"codecs,omitempty"`
	ParentFile  string `gorm:"size:255" json:"parent_file,omitempty"`
	Auxiliary   bool   `json:"auxiliary"`
	// UploadOrder is the position of the file in the upload plan.
	UploadOrder int `gorm:"index" json:"upload_order"`
}

// TableName returns the table name for SessionArtifact.
func (SessionArtifact) TableName() string {
	return "session_artifacts"
}

// Validate checks required fields.
func (a *SessionArtifact) Validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return ErrArtifactNameRequired
	}
	if a.Role == "" {
		return ErrValidation{Field: "role", Message: "role is required"}
	}
	return nil
}
