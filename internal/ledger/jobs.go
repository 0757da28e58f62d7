package ledger

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"chatpool/internal/models"
)

// CreateJob inserts the job row at request acceptance. A missing JobID is
// assigned.
func (s *Store) CreateJob(job *models.Job) error {
	if job.JobID == "" {
		job.JobID = uuid.NewString()
	}
	if job.StartedAt.IsZero() {
		job.StartedAt = time.Now().UTC()
	}
	if job.ContainerIDsUsed == "" {
		job.ContainerIDsUsed = "[]"
	}
	if err := s.db.Create(job).Error; err != nil {
		return fmt.Errorf("ledger: create job: %w", err)
	}
	return nil
}

// GetJob fetches a job by id, or nil.
func (s *Store) GetJob(jobID string) (*models.Job, error) {
	var job models.Job
	err := s.db.First(&job, "job_id = ?", jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get job %s: %w", jobID, err)
	}
	return &job, nil
}

// SetJobIdentity records the resolved profile, socks, and prompt once the
// request is bound to them.
func (s *Store) SetJobIdentity(jobID, profileID, socksID, selectedPromptID string) error {
	err := s.db.Model(&models.Job{}).Where("job_id = ?", jobID).
		Updates(map[string]any{
			"profile_id":         profileID,
			"socks_id":           socksID,
			"selected_prompt_id": selectedPromptID,
		}).Error
	if err != nil {
		return fmt.Errorf("ledger: set job identity %s: %w", jobID, err)
	}
	return nil
}

// AppendJobContainer adds a container to the job's ordered usage list.
func (s *Store) AppendJobContainer(jobID, containerID string) error {
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var job models.Job
		if err := tx.First(&job, "job_id = ?", jobID).Error; err != nil {
			return err
		}
		ids := append(job.ContainersUsed(), containerID)
		return tx.Model(&models.Job{}).Where("job_id = ?", jobID).
			UpdateColumn("container_ids_used", models.EncodeContainerIDs(ids)).Error
	})
	if err != nil {
		return fmt.Errorf("ledger: append job container %s: %w", jobID, err)
	}
	return nil
}

// SealJob finalizes a job exactly once. A second seal is a no-op.
func (s *Store) SealJob(jobID, status, resultText, errorCode, errorMessage string) error {
	now := time.Now().UTC()
	err := s.db.Model(&models.Job{}).
		Where("job_id = ? AND finished_at IS NULL", jobID).
		Updates(map[string]any{
			"status":        status,
			"result_text":   resultText,
			"error_code":    errorCode,
			"error_message": errorMessage,
			"finished_at":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("ledger: seal job %s: %w", jobID, err)
	}
	return nil
}

// CreateAttempt appends an attempt row. A missing AttemptID is assigned.
func (s *Store) CreateAttempt(a *models.JobAttempt) error {
	if a.AttemptID == "" {
		a.AttemptID = uuid.NewString()
	}
	if a.StartedAt.IsZero() {
		a.StartedAt = time.Now().UTC()
	}
	if err := s.db.Create(a).Error; err != nil {
		return fmt.Errorf("ledger: create attempt: %w", err)
	}
	return nil
}

// SetAttemptChat records the chat identity once the worker established it.
func (s *Store) SetAttemptChat(attemptID, chatID, pageURL string) error {
	err := s.db.Model(&models.JobAttempt{}).
		Where("attempt_id = ?", attemptID).
		Updates(map[string]any{"chat_id": chatID, "page_url": pageURL}).Error
	if err != nil {
		return fmt.Errorf("ledger: set attempt chat %s: %w", attemptID, err)
	}
	return nil
}

// SealAttempt finalizes an attempt. Every started attempt must end here,
// success or failure.
func (s *Store) SealAttempt(attemptID, status, resultText, errorCode, errorMessage string) error {
	now := time.Now().UTC()
	err := s.db.Model(&models.JobAttempt{}).
		Where("attempt_id = ? AND finished_at IS NULL", attemptID).
		Updates(map[string]any{
			"status":        status,
			"result_text":   resultText,
			"error_code":    errorCode,
			"error_message": errorMessage,
			"finished_at":   now,
		}).Error
	if err != nil {
		return fmt.Errorf("ledger: seal attempt %s: %w", attemptID, err)
	}
	return nil
}

// ListAttempts returns a job's attempts in start order.
func (s *Store) ListAttempts(jobID string) ([]models.JobAttempt, error) {
	var out []models.JobAttempt
	err := s.db.Where("job_id = ?", jobID).
		Order("started_at ASC, attempt_id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list attempts %s: %w", jobID, err)
	}
	return out, nil
}
