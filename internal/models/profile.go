package models

import (
	"encoding/json"
	"time"
)

// Profile is a browser identity. A profile may only run on the containers in
// its allow-list, and at most one in-flight request may hold it at a time.
type Profile struct {
	ProfileID         string  `gorm:"primaryKey;size:128" json:"profile_id"`
	ProfileValue      string  `gorm:"not null" json:"profile_value"`
	SocksID           *string `gorm:"size:128" json:"socks_id,omitempty"`
	AllowedContainers string  `gorm:"type:text;not null;default:'[]'" json:"allowed_containers"`
	UsesCount         int     `gorm:"not null;default:0" json:"uses_count"`
	MaxUses           *int    `json:"max_uses,omitempty"`
	PendingReplace    bool    `gorm:"not null;default:false;index" json:"pending_replace"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

func (Profile) TableName() string { return "profiles" }

// AllowedContainerIDs decodes the JSON allow-list. A malformed or empty value
// decodes to no containers, which makes the profile unusable rather than
// unrestricted.
func (p *Profile) AllowedContainerIDs() []string {
	var ids []string
	if err := json.Unmarshal([]byte(p.AllowedContainers), &ids); err != nil {
		return nil
	}
	return ids
}

// Exhausted reports whether the profile has hit its lifetime use cap.
func (p *Profile) Exhausted() bool {
	return p.MaxUses != nil && p.UsesCount >= *p.MaxUses
}

// Eligible reports whether automatic selection may pick this profile.
func (p *Profile) Eligible() bool {
	return !p.PendingReplace && !p.Exhausted()
}

// EncodeContainerIDs is the inverse of AllowedContainerIDs, for seeding.
func EncodeContainerIDs(ids []string) string {
	if len(ids) == 0 {
		return "[]"
	}
	b, err := json.Marshal(ids)
	if err != nil {
		return "[]"
	}
	return string(b)
}
