package models

import (
	"strings"
	"time"
)

// Chat tags. A guest chat means the worker lost its signed-in state and the
// profile needs operator attention; an archived chat is retired by hand.
const (
	TagGuest   = "guest"
	TagArchive = "archive"
)

// NewChatPageURL is the placeholder page a worker shows before any chat
// exists. Sessions start here and move to a /c/<id> URL on first use.
const NewChatPageURL = "https://chat.qwen.ai/"

// ChatSession is one persistent upstream chat, keyed by
// (container_id, prompt_id, profile_id, socks_id). Rotation bumps seq and
// leaves the old row behind for audit; the composite unique index guards
// concurrent creation.
type ChatSession struct {
	ID          uint    `gorm:"primaryKey;autoIncrement" json:"id"`
	ContainerID string  `gorm:"size:128;not null;uniqueIndex:idx_chat_session_key,priority:1" json:"container_id"`
	PromptID    string  `gorm:"size:128;not null;uniqueIndex:idx_chat_session_key,priority:2" json:"prompt_id"`
	ProfileID   string  `gorm:"size:128;not null;default:'';uniqueIndex:idx_chat_session_key,priority:3" json:"profile_id"`
	SocksID     string  `gorm:"size:128;not null;default:'';uniqueIndex:idx_chat_session_key,priority:4" json:"socks_id"`
	Seq         int     `gorm:"not null;default:0;uniqueIndex:idx_chat_session_key,priority:5" json:"seq"`
	ChatID      *string `gorm:"size:128" json:"chat_id,omitempty"`
	PageURL     string  `gorm:"not null;index" json:"page_url"`
	UsesCount   int     `gorm:"not null;default:0" json:"uses_count"`
	Disabled    bool    `gorm:"not null;default:false" json:"disabled"`
	Tag         *string `gorm:"size:32;index" json:"tag,omitempty"`
	LockedBy    *string `gorm:"size:128" json:"locked_by,omitempty"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (ChatSession) TableName() string { return "chat_sessions" }

// LockedAt reports whether the session holds an unexpired manual lock.
// An expired lock reads as absent.
func (s *ChatSession) LockedAt(now time.Time) bool {
	return s.LockedBy != nil && *s.LockedBy != "" &&
		s.LockedUntil != nil && s.LockedUntil.After(now)
}

// Blocked reports whether the session must never be reused: guest or
// archived, by tag or by chat id.
func (s *ChatSession) Blocked() bool {
	if s.Tag != nil {
		switch strings.ToLower(*s.Tag) {
		case TagGuest, TagArchive:
			return true
		}
	}
	if s.ChatID != nil {
		switch strings.ToLower(*s.ChatID) {
		case TagGuest, TagArchive:
			return true
		}
	}
	return false
}

// Usable reports whether the session may serve another request.
func (s *ChatSession) Usable() bool {
	return !s.Disabled && !s.Blocked()
}
