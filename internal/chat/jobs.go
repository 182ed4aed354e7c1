package chat

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).First(&j, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// GetJobByIdempotencyKey returns the job recorded for a client retry key.
func (s *Store) GetJobByIdempotencyKey(ctx context.Context, key string) (*Job, error) {
	var j Job
	if err := s.db.WithContext(ctx).
		Where("idempotency_key = ?", key).
		First(&j).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &j, nil
}

// CreateJobOrGetExisting inserts the job, or when the idempotency key is
// already taken returns the earlier job so a retried request reuses the
// original cycle.
func (s *Store) CreateJobOrGetExisting(ctx context.Context, job *Job) (*Job, bool, error) {
	if job.IdempotencyKey == nil || *job.IdempotencyKey == "" {
		job.IdempotencyKey = nil
		if err := s.db.WithContext(ctx).Create(job).Error; err != nil {
			return nil, false, err
		}
		return job, true, nil
	}

	err := s.db.WithContext(ctx).Create(job).Error
	if err == nil {
		return job, true, nil
	}

	var existing Job
	getErr := s.db.WithContext(ctx).
		Where("idempotency_key = ?", *job.IdempotencyKey).
		First(&existing).Error
	if getErr == nil {
		return &existing, false, nil
	}
	if errors.Is(getErr, gorm.ErrRecordNotFound) {
		return nil, false, err
	}
	return nil, false, getErr
}

// MarkJobRunning flips queued -> running; a no-op when the job was already
// picked up, so redeliveries do not thrash the status.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ? AND status = ?", id, JobQueued).
		Update("status", JobRunning).Error
}

func (s *Store) MarkJobSucceeded(ctx context.Context, id, assistantMessageID string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobSucceeded,
			"result_message_id": assistantMessageID,
			"error":             nil,
		}).Error
}

func (s *Store) MarkJobFailed(ctx context.Context, id, errMsg string) error {
	return s.db.WithContext(ctx).Model(&Job{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":            JobFailed,
			"error":             errMsg,
			"result_message_id": nil,
		}).Error
}
