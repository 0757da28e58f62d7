package models

import (
	"encoding/json"
	"time"
)

// Job statuses. An empty status means the job is still in flight.
const (
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job is the durable record of one inbound request, created at acceptance
// and sealed exactly once with the terminal result.
type Job struct {
	JobID            string     `gorm:"primaryKey;size:36" json:"job_id"`
	RequestID        string     `gorm:"size:128;index" json:"request_id"`
	PromptID         string     `gorm:"size:128;not null" json:"prompt_id"`
	SelectedPromptID string     `gorm:"size:128" json:"selected_prompt_id"`
	ContainerIDsUsed string     `gorm:"type:text;not null;default:'[]'" json:"container_ids_used"`
	InputText        string     `gorm:"type:text" json:"input_text"`
	InputHasImage    bool       `gorm:"not null;default:false" json:"input_has_image"`
	InputImageExt    string     `gorm:"size:16" json:"input_image_ext"`
	ProfileID        string     `gorm:"size:128;index" json:"profile_id"`
	SocksID          string     `gorm:"size:128" json:"socks_id"`
	Status           string     `gorm:"size:16;index" json:"status"`
	ResultText       string     `gorm:"type:text" json:"result_text"`
	ErrorCode        string     `gorm:"size:48" json:"error_code"`
	ErrorMessage     string     `gorm:"type:text" json:"error_message"`
	StartedAt        time.Time  `gorm:"index" json:"started_at"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
}

func (Job) TableName() string { return "jobs" }

// ContainersUsed decodes the ordered list of containers the job touched.
func (j *Job) ContainersUsed() []string {
	var ids []string
	if err := json.Unmarshal([]byte(j.ContainerIDsUsed), &ids); err != nil {
		return nil
	}
	return ids
}
