package storage

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/dkenzh/vidqueue/pkg/core"
)

// MaxErrorMessageLength bounds stored error text so a pathological upstream
// message cannot bloat the jobs table.
const MaxErrorMessageLength = 2048

// GormJobStore implements core.JobStore using GORM.
type GormJobStore struct {
	db *gorm.DB
}

// NewGormJobStore creates a new GORM-backed job store.
func NewGormJobStore(db *gorm.DB) *GormJobStore {
	return &GormJobStore{db: db}
}

// Migrate creates the jobs table.
func (s *GormJobStore) Migrate(ctx context.Context) error {
	return s.db.WithContext(ctx).AutoMigrate(&core.Job{})
}

// Enqueue inserts a new pending job.
func (s *GormJobStore) Enqueue(ctx context.Context, job *core.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = core.StatusPending
	}
	return s.db.WithContext(ctx).Create(job).Error
}

// NextPending returns the oldest pending job without mutating it.
func (s *GormJobStore) NextPending(ctx context.Context) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusPending).
		Order("created_at ASC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ClaimNextPending atomically fetches and claims the oldest pending job.
// The fetch and the pending→processing flip run inside one transaction with
// a status-guarded update, so two concurrent claimants can never receive the
// same row even against a multi-connection database.
func (s *GormJobStore) ClaimNextPending(ctx context.Context) (*core.Job, error) {
	var claimed *core.Job
	now := time.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var job core.Job
		result := tx.
			Where("status = ?", core.StatusPending).
			Order("created_at ASC").
			First(&job)
		if result.Error != nil {
			if errors.Is(result.Error, gorm.ErrRecordNotFound) {
				return nil
			}
			return result.Error
		}

		res := tx.Model(&core.Job{}).
			Where("id = ? AND status = ?", job.ID, core.StatusPending).
			Updates(map[string]any{
				"status":     core.StatusProcessing,
				"started_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Lost the race to another claimant; report empty and let the
			// caller's next tick try again.
			return nil
		}

		job.Status = core.StatusProcessing
		job.StartedAt = &now
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Transition updates status and any provided fields. A missing job id is a
// silent no-op; the state-machine discipline lives in the scheduler.
func (s *GormJobStore) Transition(ctx context.Context, jobID string, status core.JobStatus, fields core.TransitionFields) error {
	return s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ?", jobID).
		Updates(transitionUpdates(status, fields)).Error
}

// TransitionFrom performs a status-guarded transition and reports whether
// this caller won it. Settle paths depend on the guard for exactly-once
// refunds.
func (s *GormJobStore) TransitionFrom(ctx context.Context, jobID string, from, to core.JobStatus, fields core.TransitionFields) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("id = ? AND status = ?", jobID, from).
		Updates(transitionUpdates(to, fields))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func transitionUpdates(status core.JobStatus, fields core.TransitionFields) map[string]any {
	updates := map[string]any{"status": status}
	if fields.ExternalID != nil {
		updates["external_id"] = *fields.ExternalID
	}
	if fields.ErrorMessage != nil {
		updates["last_error"] = truncateError(*fields.ErrorMessage)
	}
	if fields.StartedAt != nil {
		updates["started_at"] = *fields.StartedAt
	}
	if fields.CompletedAt != nil {
		updates["completed_at"] = *fields.CompletedAt
	}
	if fields.IncrementRetry {
		updates["retry_count"] = gorm.Expr("retry_count + 1")
	}
	return updates
}

func truncateError(msg string) string {
	if len(msg) > MaxErrorMessageLength {
		return msg[:MaxErrorMessageLength]
	}
	return msg
}

// ListResumable returns processing jobs with an external handle, oldest first.
func (s *GormJobStore) ListResumable(ctx context.Context) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusProcessing).
		Where("external_id <> ''").
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// ListOrphaned returns processing jobs that never got an external handle,
// oldest first.
func (s *GormJobStore) ListOrphaned(ctx context.Context) ([]*core.Job, error) {
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("status = ?", core.StatusProcessing).
		Where("external_id = ''").
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}

// GetJob retrieves a job by id, or nil if it does not exist.
func (s *GormJobStore) GetJob(ctx context.Context, jobID string) (*core.Job, error) {
	var job core.Job
	err := s.db.WithContext(ctx).First(&job, "id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListByUser returns a user's most recent jobs.
func (s *GormJobStore) ListByUser(ctx context.Context, userID int64, limit int) ([]*core.Job, error) {
	if limit <= 0 {
		limit = 10
	}
	var jobs []*core.Job
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&jobs).Error
	return jobs, err
}

// CountPending returns the number of pending jobs.
func (s *GormJobStore) CountPending(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&core.Job{}).
		Where("status = ?", core.StatusPending).
		Count(&count).Error
	return count, err
}

// PruneTerminal deletes completed/failed rows older than the retention window.
func (s *GormJobStore) PruneTerminal(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan)
	result := s.db.WithContext(ctx).
		Where("status IN ?", []core.JobStatus{core.StatusCompleted, core.StatusFailed}).
		Where("completed_at < ?", cutoff).
		Delete(&core.Job{})
	return result.RowsAffected, result.Error
}
