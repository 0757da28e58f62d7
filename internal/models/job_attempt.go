package models

import "time"

// Attempt statuses.
const (
	AttemptSucceeded = "succeeded"
	AttemptFailed    = "failed"
)

// JobAttempt records one try against one container. Attempts are append-only
// and every started attempt is sealed, success or failure.
type JobAttempt struct {
	AttemptID     string     `gorm:"primaryKey;size:36" json:"attempt_id"`
	JobID         string     `gorm:"size:36;not null;index" json:"job_id"`
	ContainerID   string     `gorm:"size:128;not null;index" json:"container_id"`
	PromptID      string     `gorm:"size:128;not null" json:"prompt_id"`
	ProfileID     string     `gorm:"size:128;index" json:"profile_id"`
	SocksID       string     `gorm:"size:128" json:"socks_id"`
	ChatSessionID *uint      `json:"chat_session_id,omitempty"`
	ChatID        string     `gorm:"size:128" json:"chat_id"`
	PageURL       string     `json:"page_url"`
	Status        string     `gorm:"size:16;index" json:"status"`
	ResultText    string     `gorm:"type:text" json:"result_text"`
	ErrorCode     string     `gorm:"size:48" json:"error_code"`
	ErrorMessage  string     `gorm:"type:text" json:"error_message"`
	StartedAt     time.Time  `gorm:"index" json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

func (JobAttempt) TableName() string { return "job_attempts" }
