package core

import (
	"time"
)

// JobStatus represents the current state of a job.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status is final. Terminal jobs are never
// transitioned again.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job represents one billable video-generation request tracked by the queue.
//
// ExternalID is set if and only if the generation service accepted the
// submission. A processing job with an empty ExternalID either crashed between
// claim and submission acknowledgment, or is mid-submit right now; startup
// reconciliation pushes crashed rows back to pending.
type Job struct {
	ID        string `gorm:"primaryKey;size:36"`
	UserID    int64  `gorm:"index;not null"`
	DeliverTo string `gorm:"size:255;not null"`

	// Generation parameters. The price is a pure function of Model, Seconds
	// and Size, so refunds are recomputed from them at settlement time.
	Prompt  string `gorm:"type:text;not null"`
	Model   string `gorm:"size:64;default:'sora-2'"`
	Seconds int    `gorm:"default:8"`
	Size    string `gorm:"size:32;default:'1280x720'"`

	// InputRef is an optional artifact-store key for image-to-video jobs.
	InputRef string `gorm:"size:255"`

	Status     JobStatus `gorm:"index;size:20;default:'pending'"`
	ExternalID string    `gorm:"index;size:64"`
	LastError  string    `gorm:"type:text"`
	RetryCount int       `gorm:"default:0"`

	CreatedAt   time.Time `gorm:"index;autoCreateTime"`
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time `gorm:"autoUpdateTime"`
}

// TransitionFields is the subset of mutable job columns a status transition
// may update alongside the status itself. Nil pointers leave the column
// untouched.
type TransitionFields struct {
	ExternalID     *string
	ErrorMessage   *string
	StartedAt      *time.Time
	CompletedAt    *time.Time
	IncrementRetry bool
}

// User holds a ledger account. Credits are opaque currency units; amounts
// are produced upstream by the pricing table.
type User struct {
	UserID    int64  `gorm:"primaryKey"`
	Username  string `gorm:"size:255"`
	Credits   float64
	CreatedAt time.Time `gorm:"autoCreateTime"`
}

// GenerationStatus is the external service's status vocabulary.
type GenerationStatus string

const (
	GenerationQueued     GenerationStatus = "queued"
	GenerationInProgress GenerationStatus = "in_progress"
	GenerationCompleted  GenerationStatus = "completed"
	GenerationFailed     GenerationStatus = "failed"
)

// Terminal reports whether the external status is final.
func (s GenerationStatus) Terminal() bool {
	return s == GenerationCompleted || s == GenerationFailed
}

// Generation is a snapshot of an externally-running video generation.
type Generation struct {
	ID       string
	Status   GenerationStatus
	Progress int

	// Populated only when Status is GenerationFailed.
	FailureCategory ErrorCategory
	FailureMessage  string
}
