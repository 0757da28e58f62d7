package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"chatpool/internal/models"
)

// SessionKey identifies a chat session lineage.
type SessionKey struct {
	ContainerID string
	PromptID    string
	ProfileID   string
	SocksID     string
}

func (k SessionKey) where(db *gorm.DB) *gorm.DB {
	return db.Where("container_id = ? AND prompt_id = ? AND profile_id = ? AND socks_id = ?",
		k.ContainerID, k.PromptID, k.ProfileID, k.SocksID)
}

// LatestSession returns the newest session for the key, or nil when the
// lineage has none.
func (s *Store) LatestSession(key SessionKey) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := key.where(s.db.Model(&models.ChatSession{})).
		Order("seq DESC").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: latest session %+v: %w", key, err)
	}
	return &sess, nil
}

// CreateSession appends a fresh session to the key's lineage with the next
// seq. Concurrent creators race on the composite unique index; the loser
// adopts the row that won instead of minting a second one.
func (s *Store) CreateSession(key SessionKey) (*models.ChatSession, error) {
	for try := 0; try < 3; try++ {
		latest, err := s.LatestSession(key)
		if err != nil {
			return nil, err
		}
		seq := 0
		if latest != nil {
			seq = latest.Seq + 1
		}
		row := models.ChatSession{
			ContainerID: key.ContainerID,
			PromptID:    key.PromptID,
			ProfileID:   key.ProfileID,
			SocksID:     key.SocksID,
			Seq:         seq,
			PageURL:     models.NewChatPageURL,
		}
		err = s.db.Create(&row).Error
		if err == nil {
			return &row, nil
		}
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("ledger: create session %+v: %w", key, err)
		}
		winner, err := s.LatestSession(key)
		if err != nil {
			return nil, err
		}
		if winner != nil && winner.Seq >= seq {
			return winner, nil
		}
	}
	return nil, fmt.Errorf("ledger: create session %+v: lost seq race three times", key)
}

// SessionByURL finds the newest session carrying pageURL, or nil.
func (s *Store) SessionByURL(pageURL string) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := s.db.Where("page_url = ?", pageURL).
		Order("id DESC").First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: session by url %s: %w", pageURL, err)
	}
	return &sess, nil
}

// GetSession fetches a session by row id.
func (s *Store) GetSession(id uint) (*models.ChatSession, error) {
	var sess models.ChatSession
	err := s.db.First(&sess, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get session %d: %w", id, err)
	}
	return &sess, nil
}

// SetSessionChat records the chat id and page URL learned from the worker
// after the start text established the chat.
func (s *Store) SetSessionChat(id uint, chatID, pageURL string) error {
	err := s.db.Model(&models.ChatSession{}).Where("id = ?", id).
		Updates(map[string]any{"chat_id": chatID, "page_url": pageURL}).Error
	if err != nil {
		return fmt.Errorf("ledger: set session chat %d: %w", id, err)
	}
	return nil
}

// IncrementSessionUse bumps a session's use counter.
func (s *Store) IncrementSessionUse(id uint) error {
	err := s.db.Model(&models.ChatSession{}).Where("id = ?", id).
		UpdateColumn("uses_count", gorm.Expr("uses_count + 1")).Error
	if err != nil {
		return fmt.Errorf("ledger: increment session use %d: %w", id, err)
	}
	return nil
}

// LockByURL places or refreshes a manual lock on the session carrying
// pageURL. Re-locking overwrites owner and deadline.
func (s *Store) LockByURL(pageURL, lockedBy string, ttl time.Duration) (*models.ChatSession, error) {
	sess, err := s.SessionByURL(pageURL)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, ErrUnknownChatURL
	}
	until := time.Now().Add(ttl)
	err = s.db.Model(&models.ChatSession{}).Where("id = ?", sess.ID).
		Updates(map[string]any{"locked_by": lockedBy, "locked_until": until}).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: lock session %d: %w", sess.ID, err)
	}
	sess.LockedBy = &lockedBy
	sess.LockedUntil = &until
	return sess, nil
}

// UnlockByURL clears a manual lock. Only the holder may unlock an active
// lock; an expired or absent lock unlocks freely.
func (s *Store) UnlockByURL(pageURL, lockedBy string) error {
	sess, err := s.SessionByURL(pageURL)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrUnknownChatURL
	}
	if sess.LockedAt(time.Now()) && sess.LockedBy != nil && *sess.LockedBy != lockedBy {
		return ErrLockOwnerMismatch
	}
	err = s.db.Model(&models.ChatSession{}).Where("id = ?", sess.ID).
		Updates(map[string]any{"locked_by": nil, "locked_until": nil}).Error
	if err != nil {
		return fmt.Errorf("ledger: unlock session %d: %w", sess.ID, err)
	}
	return nil
}

// LockedContainers lists containers excluded from selection by an active
// chat lock. Expired locks are purged on the way.
func (s *Store) LockedContainers(now time.Time) (map[string]bool, error) {
	err := s.db.Model(&models.ChatSession{}).
		Where("locked_until IS NOT NULL AND locked_until <= ?", now).
		Updates(map[string]any{"locked_by": nil, "locked_until": nil}).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: purge expired locks: %w", err)
	}

	var ids []string
	err = s.db.Model(&models.ChatSession{}).
		Where("locked_by IS NOT NULL AND locked_until > ?", now).
		Distinct("container_id").Pluck("container_id", &ids).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: locked containers: %w", err)
	}
	out := make(map[string]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out, nil
}

// TagSession marks a session and optionally disables it.
func (s *Store) TagSession(id uint, tag string, disable bool) error {
	updates := map[string]any{"tag": tag}
	if disable {
		updates["disabled"] = true
	}
	err := s.db.Model(&models.ChatSession{}).Where("id = ?", id).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("ledger: tag session %d: %w", id, err)
	}
	return nil
}

func guestFilter(db *gorm.DB) *gorm.DB {
	return db.Where("tag = ? OR chat_id = ?", models.TagGuest, models.TagGuest)
}

// ProfileHasGuestChat reports whether any of the profile's sessions fell
// into guest state.
func (s *Store) ProfileHasGuestChat(profileID string) (bool, error) {
	var n int64
	err := guestFilter(s.db.Model(&models.ChatSession{}).Where("profile_id = ?", profileID)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("ledger: guest check %s: %w", profileID, err)
	}
	return n > 0, nil
}

// BlockedProfile summarizes a profile blocked by guest sessions.
type BlockedProfile struct {
	ProfileID  string `json:"profile_id"`
	GuestChats int64  `json:"guest_chats"`
}

// BlockedProfiles lists profiles with at least one guest session.
func (s *Store) BlockedProfiles() ([]BlockedProfile, error) {
	var out []BlockedProfile
	err := guestFilter(s.db.Model(&models.ChatSession{})).
		Select("profile_id, COUNT(*) AS guest_chats").
		Group("profile_id").Order("profile_id").Scan(&out).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: blocked profiles: %w", err)
	}
	return out, nil
}

// ClearGuestChats deletes the profile's guest sessions, unblocking it.
func (s *Store) ClearGuestChats(profileID string) (int64, error) {
	res := guestFilter(s.db.Where("profile_id = ?", profileID)).
		Delete(&models.ChatSession{})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger: clear guest chats %s: %w", profileID, res.Error)
	}
	return res.RowsAffected, nil
}

// ArchiveChats tags and disables every session of the profile, forcing
// fresh chats on next use.
func (s *Store) ArchiveChats(profileID string) (int64, error) {
	res := s.db.Model(&models.ChatSession{}).
		Where("profile_id = ? AND (tag IS NULL OR tag <> ?)", profileID, models.TagArchive).
		Updates(map[string]any{"tag": models.TagArchive, "disabled": true})
	if res.Error != nil {
		return 0, fmt.Errorf("ledger: archive chats %s: %w", profileID, res.Error)
	}
	return res.RowsAffected, nil
}
