package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"chatpool/internal/config"
	"chatpool/internal/models"
)

// AllModels returns every model the ledger migrates, in dependency order.
func AllModels() []interface{} {
	return []interface{}{
		&models.ProxyEndpoint{},
		&models.Profile{},
		&models.ChatSession{},
		&models.Job{},
		&models.JobAttempt{},
	}
}

// AutoMigrate creates or updates all ledger tables.
func AutoMigrate(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(AllModels()...); err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	return nil
}

// SeedSocks upserts proxy endpoints from config. Existing rows keep their
// identity; the URL follows config.
func SeedSocks(gdb *gorm.DB, socks []config.SocksConfig) error {
	for _, s := range socks {
		row := models.ProxyEndpoint{SocksID: s.SocksID, URL: s.URL}
		err := gdb.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "socks_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"url", "updated_at"}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("db: seed socks %s: %w", s.SocksID, err)
		}
	}
	return nil
}

// SeedProfiles upserts profiles from config. uses_count is never touched by
// seeding; it belongs to the dispatch loop.
func SeedProfiles(gdb *gorm.DB, profiles []config.ProfileConfig) error {
	for _, p := range profiles {
		var socksID *string
		if p.SocksID != "" {
			sid := p.SocksID
			socksID = &sid
		}
		row := models.Profile{
			ProfileID:         p.ProfileID,
			ProfileValue:      p.ProfileValue,
			SocksID:           socksID,
			AllowedContainers: models.EncodeContainerIDs(p.AllowedContainers),
			MaxUses:           p.MaxUses,
			PendingReplace:    p.PendingReplace,
		}
		err := gdb.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "profile_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"profile_value", "socks_id", "allowed_containers",
				"max_uses", "pending_replace", "updated_at",
			}),
		}).Create(&row).Error
		if err != nil {
			return fmt.Errorf("db: seed profile %s: %w", p.ProfileID, err)
		}
	}
	return nil
}
