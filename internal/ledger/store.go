// Package ledger is the durable record of everything the dispatcher does:
// proxy endpoints, profiles, chat sessions, jobs, and attempts.
package ledger

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"chatpool/internal/models"
)

var (
	// ErrUnknownChatURL means a pinned or locked chat URL has no ledger row.
	ErrUnknownChatURL = errors.New("ledger: unknown chat url")

	// ErrLockOwnerMismatch means an unlock named a different owner than the
	// one holding the lock.
	ErrLockOwnerMismatch = errors.New("ledger: lock owner mismatch")
)

// Store wraps the gorm handle with the ledger's query surface.
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store { return &Store{db: db} }

// DB exposes the raw handle for read-only aggregate queries.
func (s *Store) DB() *gorm.DB { return s.db }

// GetProfile fetches a profile by id, or nil when absent.
func (s *Store) GetProfile(profileID string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.First(&p, "profile_id = ?", profileID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get profile %s: %w", profileID, err)
	}
	return &p, nil
}

// ListProfiles returns all profiles ordered for automatic selection:
// least used first, id as tiebreak.
func (s *Store) ListProfiles() ([]models.Profile, error) {
	var out []models.Profile
	err := s.db.Order("uses_count ASC, profile_id ASC").Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("ledger: list profiles: %w", err)
	}
	return out, nil
}

// IncrementProfileUse bumps a profile's lifetime use counter.
func (s *Store) IncrementProfileUse(profileID string) error {
	err := s.db.Model(&models.Profile{}).
		Where("profile_id = ?", profileID).
		UpdateColumn("uses_count", gorm.Expr("uses_count + 1")).Error
	if err != nil {
		return fmt.Errorf("ledger: increment profile use %s: %w", profileID, err)
	}
	return nil
}

// GetSocks fetches a proxy endpoint by id, or nil when absent.
func (s *Store) GetSocks(socksID string) (*models.ProxyEndpoint, error) {
	var pe models.ProxyEndpoint
	err := s.db.First(&pe, "socks_id = ?", socksID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get socks %s: %w", socksID, err)
	}
	return &pe, nil
}
