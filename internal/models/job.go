package models

import (
	"time"
)

// Status enumerates render job lifecycle states persisted in the videos table.
type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status can no longer change.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// StorageMetadata describes the finished asset.
type StorageMetadata struct {
	Duration     float64 `json:"duration"`
	Frames       int     `json:"frames"`
	ThumbnailURL string  `json:"thumbnail_url,omitempty"`
}

// RenderJob is one end-to-end video generation run.
type RenderJob struct {
	ID            string           `json:"id"`
	ManifestID    *string          `json:"manifest_id,omitempty"`
	Status        Status           `json:"status"`
	Progress      int              `json:"progress"`
	ProgressLabel string           `json:"progress_label"`
	VideoURL      *string          `json:"video_url"`
	Metadata      *StorageMetadata `json:"storage_metadata,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StatusView is the shape served by the status API.
type StatusView struct {
	Status        Status  `json:"status"`
	Progress      int     `json:"progress"`
	ProgressLabel string  `json:"progressLabel"`
	VideoURL      *string `json:"videoUrl"`
}

// View projects the job onto the status API shape.
func (j RenderJob) View() StatusView {
	return StatusView{
		Status:        j.Status,
		Progress:      j.Progress,
		ProgressLabel: j.ProgressLabel,
		VideoURL:      j.VideoURL,
	}
}

// JobPatch is a partial update. Nil fields are left untouched.
type JobPatch struct {
	Status        *Status
	Progress      *int
	ProgressLabel *string
	VideoURL      *string
	Metadata      *StorageMetadata
}

// Merge overlays next onto p, field by field; later values win.
func (p JobPatch) Merge(next JobPatch) JobPatch {
	if next.Status != nil {
		p.Status = next.Status
	}
	if next.Progress != nil {
		p.Progress = next.Progress
	}
	if next.ProgressLabel != nil {
		p.ProgressLabel = next.ProgressLabel
	}
	if next.VideoURL != nil {
		p.VideoURL = next.VideoURL
	}
	if next.Metadata != nil {
		p.Metadata = next.Metadata
	}
	return p
}

// Empty reports whether the patch changes nothing.
func (p JobPatch) Empty() bool {
	return p.Status == nil && p.Progress == nil && p.ProgressLabel == nil && p.VideoURL == nil && p.Metadata == nil
}

// Apply writes the patch into job. Terminal statuses never revert, and
// progress never moves backwards while the job is processing.
func (p JobPatch) Apply(job *RenderJob) {
	if p.Status != nil && !job.Status.Terminal() {
		job.Status = *p.Status
	}
	if p.Progress != nil && *p.Progress > job.Progress {
		job.Progress = clampProgress(*p.Progress)
	}
	if p.ProgressLabel != nil {
		job.ProgressLabel = *p.ProgressLabel
	}
	if p.VideoURL != nil && job.Status == StatusCompleted {
		url := *p.VideoURL
		job.VideoURL = &url
	}
	if p.Metadata != nil {
		md := *p.Metadata
		job.Metadata = &md
	}
}

// ProgressPatch builds a patch that moves progress and label together.
func ProgressPatch(progress int, label string) JobPatch {
	return JobPatch{Progress: &progress, ProgressLabel: &label}
}

// StatusPatch builds a patch that changes status and label.
func StatusPatch(status Status, label string) JobPatch {
	return JobPatch{Status: &status, ProgressLabel: &label}
}

func clampProgress(p int) int {
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}
