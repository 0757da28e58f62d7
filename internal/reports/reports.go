// Package reports runs read-only aggregates over the job ledger.
package reports

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"chatpool/internal/models"
)

// Window bounds a report query. Zero times mean unbounded on that side.
type Window struct {
	From   time.Time
	To     time.Time
	Limit  int
	Offset int
}

const (
	defaultLimit = 50
	maxLimit     = 500
)

func (w Window) normalize() Window {
	if w.Limit <= 0 {
		w.Limit = defaultLimit
	}
	if w.Limit > maxLimit {
		w.Limit = maxLimit
	}
	if w.Offset < 0 {
		w.Offset = 0
	}
	return w
}

func (w Window) apply(q *gorm.DB, col string) *gorm.DB {
	if !w.From.IsZero() {
		q = q.Where(col+" >= ?", w.From)
	}
	if !w.To.IsZero() {
		q = q.Where(col+" < ?", w.To)
	}
	return q.Limit(w.Limit).Offset(w.Offset)
}

// ContainerUsage summarizes attempt traffic for one container.
type ContainerUsage struct {
	ContainerID string `json:"container_id"`
	Attempts    int64  `json:"attempts"`
	Succeeded   int64  `json:"succeeded"`
	Failed      int64  `json:"failed"`
}

// ContainersUsage aggregates attempts per container inside the window.
func ContainersUsage(db *gorm.DB, w Window) ([]ContainerUsage, error) {
	w = w.normalize()
	var out []ContainerUsage
	q := db.Model(&models.JobAttempt{}).
		Select(`container_id,
			COUNT(*) AS attempts,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed`,
			models.AttemptSucceeded, models.AttemptFailed).
		Group("container_id").
		Order("attempts DESC, container_id ASC")
	if err := w.apply(q, "started_at").Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("reports: containers usage: %w", err)
	}
	return out, nil
}

// ProfileUsage summarizes job traffic for one profile.
type ProfileUsage struct {
	ProfileID string `json:"profile_id"`
	Jobs      int64  `json:"jobs"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

// ProfilesUsage aggregates jobs per profile inside the window.
func ProfilesUsage(db *gorm.DB, w Window) ([]ProfileUsage, error) {
	w = w.normalize()
	var out []ProfileUsage
	q := db.Model(&models.Job{}).
		Select(`profile_id,
			COUNT(*) AS jobs,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed`,
			models.JobSucceeded, models.JobFailed).
		Where("profile_id <> ''").
		Group("profile_id").
		Order("jobs DESC, profile_id ASC")
	if err := w.apply(q, "started_at").Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("reports: profiles usage: %w", err)
	}
	return out, nil
}

// PromptUsage summarizes job traffic for one prompt.
type PromptUsage struct {
	PromptID  string `json:"prompt_id"`
	Jobs      int64  `json:"jobs"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
}

// PromptsUsage aggregates jobs per effective prompt inside the window.
func PromptsUsage(db *gorm.DB, w Window) ([]PromptUsage, error) {
	w = w.normalize()
	var out []PromptUsage
	q := db.Model(&models.Job{}).
		Select(`COALESCE(NULLIF(selected_prompt_id, ''), prompt_id) AS prompt_id,
			COUNT(*) AS jobs,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS succeeded,
			SUM(CASE WHEN status = ? THEN 1 ELSE 0 END) AS failed`,
			models.JobSucceeded, models.JobFailed).
		Group("COALESCE(NULLIF(selected_prompt_id, ''), prompt_id)").
		Order("jobs DESC, prompt_id ASC")
	if err := w.apply(q, "started_at").Scan(&out).Error; err != nil {
		return nil, fmt.Errorf("reports: prompts usage: %w", err)
	}
	return out, nil
}
