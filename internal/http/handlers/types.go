// Package handlers provides HTTP API handlers for hlsforge.
package handlers

import (
	"time"

	"github.com/jmylchreest/hlsforge/internal/models"
)

// Common response types

// Pagination contains pagination parameters for list requests.
type Pagination struct {
	Page  int `query:"page" default:"1" minimum:"1" doc:"Page number (1-indexed)"`
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"1000" doc:"Items per page"`
}

// Offset returns the row offset of the page.
func (p Pagination) Offset() int {
	return (p.Page - 1) * p.Limit
}

// PaginationMeta contains pagination metadata in responses.
type PaginationMeta struct {
	CurrentPage int   `json:"current_page"`
	PageSize    int   `json:"page_size"`
	TotalItems  int64 `json:"total_items"`
	TotalPages  int64 `json:"total_pages"`
}

// NewPaginationMeta builds response metadata for a page of total items.
func NewPaginationMeta(p Pagination, total int64) PaginationMeta {
	pages := int64(0)
	if p.Limit > 0 {
		pages = (total + int64(p.Limit) - 1) / int64(p.Limit)
	}
	return PaginationMeta{
		CurrentPage: p.Page,
		PageSize:    p.Limit,
		TotalItems:  total,
		TotalPages:  pages,
	}
}

// Transcode types

// TranscodeResponse represents a transcode in API responses.
type TranscodeResponse struct {
	ID                models.ULID            `json:"id"`
	CreatedAt         time.Time              `json:"created_at"`
	UpdatedAt         time.Time              `json:"updated_at"`
	SessionID         string                 `json:"session_id,omitempty"`
	InputName         string                 `json:"input_name"`
	InputSize         int64                  `json:"input_size"`
	Strategy          string                 `json:"strategy"`
	Speed             string                 `json:"speed,omitempty"`
	Status            models.TranscodeStatus `json:"status"`
	Percent           float64                `json:"percent"`
	Resolutions       []int                  `json:"resolutions,omitempty"`
	FailedResolutions []int                  `json:"failed_resolutions,omitempty"`
	MasterAddress     string                 `json:"master_address,omitempty"`
	MasterRef         string                 `json:"master_ref,omitempty"`
	PreviewURL        string                 `json:"preview_url,omitempty"`
	ErrorClass        string                 `json:"error_class,omitempty"`
	ErrorMessage      string                 `json:"error_message,omitempty"`
	StartedAt         *time.Time             `json:"started_at,omitempty"`
	CompletedAt       *time.Time             `json:"completed_at,omitempty"`
	DurationMs        int64                  `json:"duration_ms,omitempty"`
	// Live is set while the session is still executing in this process.
	Live *TranscodeProgressResponse `json:"live,omitempty"`
}

// TranscodeFromModel converts a model to a response.
func TranscodeFromModel(t *models.Transcode) TranscodeResponse {
	return TranscodeResponse{
		ID:                t.ID,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
		SessionID:         t.SessionID,
		InputName:         t.InputName,
		InputSize:         t.InputSize,
		Strategy:          t.Strategy,
		Speed:             t.Speed,
		Status:            t.Status,
		Percent:           t.Percent,
		Resolutions:       models.SplitHeights(t.Resolutions),
		FailedResolutions: models.SplitHeights(t.FailedResolutions),
		MasterAddress:     t.MasterAddress,
		MasterRef:         t.MasterRef,
		ErrorClass:        t.ErrorClass,
		ErrorMessage:      t.ErrorMessage,
		StartedAt:         t.StartedAt,
		CompletedAt:       t.CompletedAt,
		DurationMs:        t.DurationMs,
	}
}

// TranscodeListResponse is the paginated response for transcode listings.
type TranscodeListResponse struct {
	Pagination PaginationMeta      `json:"pagination"`
	Transcodes []TranscodeResponse `json:"transcodes"`
}

// ArtifactResponse is one entry of an upload plan.
type ArtifactResponse struct {
	Order      int      `json:"order"`
	Name       string   `json:"name"`
	Role       string   `json:"role"`
	Address    string   `json:"address,omitempty"`
	RemoteRef  string   `json:"remote_ref,omitempty"`
	Size       int64    `json:"size"`
	Resolution int      `json:"resolution,omitempty"`
	Codecs     []string `json:"codecs,omitempty"`
	ParentFile string   `json:"parent_file,omitempty"`
	Auxiliary  bool     `json:"is_auxiliary"`
}

// ArtifactFromModel converts a model to a response.
func ArtifactFromModel(a models.SessionArtifact) ArtifactResponse {
	resp := ArtifactResponse{
		Order:      a.UploadOrder,
		Name:       a.Name,
		Role:       a.Role,
		Address:    a.Address,
		RemoteRef:  a.RemoteRef,
		Size:       a.Size,
		Resolution: a.Resolution,
		ParentFile: a.ParentFile,
		Auxiliary:  a.Auxiliary,
	}
	if a.Codecs != "" {
		resp.Codecs = splitCodecs(a.Codecs)
	}
	return resp
}

// UploadPlanResponse lists artifacts in the order they must be uploaded.
type UploadPlanResponse struct {
	TranscodeID models.ULID        `json:"transcode_id"`
	TotalSize   int64              `json:"total_size"`
	Artifacts   []ArtifactResponse `json:"artifacts"`
}

// Health types

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status        string            `json:"status"`
	Timestamp     string            `json:"timestamp"`
	Version       string            `json:"version"`
	Uptime        string            `json:"uptime"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	CPUInfo       CPUInfo           `json:"cpu_info"`
	Memory        MemoryInfo        `json:"memory"`
	Components    HealthComponents  `json:"components"`
	Checks        map[string]string `json:"checks,omitempty"`
}

// CPUInfo reports host load.
type CPUInfo struct {
	Cores              int     `json:"cores"`
	Load1Min           float64 `json:"load_1min"`
	Load5Min           float64 `json:"load_5min"`
	Load15Min          float64 `json:"load_15min"`
	LoadPercentage1Min float64 `json:"load_percentage_1min"`
}

// MemoryInfo reports host and process memory.
type MemoryInfo struct {
	TotalMemoryMB     float64           `json:"total_memory_mb"`
	UsedMemoryMB      float64           `json:"used_memory_mb"`
	FreeMemoryMB      float64           `json:"free_memory_mb"`
	AvailableMemoryMB float64           `json:"available_memory_mb"`
	SwapTotalMB       float64           `json:"swap_total_mb"`
	SwapUsedMB        float64           `json:"swap_used_mb"`
	ProcessMemory     ProcessMemoryInfo `json:"process_memory"`
}

// ProcessMemoryInfo reports the memory of this process and its ffmpeg children.
type ProcessMemoryInfo struct {
	MainProcessMB      float64 `json:"main_process_mb"`
	ChildProcessesMB   float64 `json:"child_processes_mb"`
	TotalProcessTreeMB float64 `json:"total_process_tree_mb"`
	PercentageOfSystem float64 `json:"percentage_of_system"`
	ChildProcessCount  int     `json:"child_process_count"`
}

// HealthComponents holds per-component health.
type HealthComponents struct {
	Database   DatabaseHealth   `json:"database"`
	Transcoder TranscoderHealth `json:"transcoder"`
}

// DatabaseHealth reports ledger database connectivity.
type DatabaseHealth struct {
	Status                 string  `json:"status"`
	ConnectionPoolSize     int     `json:"connection_pool_size"`
	ActiveConnections      int     `json:"active_connections"`
	IdleConnections        int     `json:"idle_connections"`
	PoolUtilizationPercent float64 `json:"pool_utilization_percent"`
	ResponseTimeMS         float64 `json:"response_time_ms"`
	ResponseTimeStatus     string  `json:"response_time_status"`
}

// TranscoderHealth reports the transcode pipeline.
type TranscoderHealth struct {
	Status         string `json:"status"`
	EngineLoaded   bool   `json:"engine_loaded"`
	ActiveSessions int    `json:"active_sessions"`
}
