package dal

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"engineer/models"
)

var membershipConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "user_id"}, {Name: "guild_id"}},
	DoUpdates: clause.AssignmentColumns([]string{"category", "years_remaining", "updated_at"}),
}

var userConflict = clause.OnConflict{
	Columns:   []clause.Column{{Name: "user_id"}},
	DoUpdates: clause.AssignmentColumns([]string{"category", "years_remaining", "updated_at"}),
}

// CompleteSetup records the backfilled memberships of a guild and moves it to
// the active state. Either everything is applied or nothing is.
func (g *Gateway) CompleteSetup(ctx context.Context, guildID string, memberships []models.UserMembership) error {
	return g.Do(ctx, "complete setup", func(tx *gorm.DB) error {
		if err := upsertMemberships(tx, guildID, memberships); err != nil {
			return err
		}
		res := tx.Model(&models.GuildConfig{}).
			Where("guild_id = ?", guildID).
			Update("setup_required", false)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// Backfill upserts memberships without changing the guild's setup state.
func (g *Gateway) Backfill(ctx context.Context, guildID string, memberships []models.UserMembership) error {
	return g.Do(ctx, "backfill", func(tx *gorm.DB) error {
		return upsertMemberships(tx, guildID, memberships)
	})
}

// UpsertMembership inserts or updates one user's membership in a guild.
func (g *Gateway) UpsertMembership(ctx context.Context, m models.UserMembership) error {
	return g.Do(ctx, "upsert membership", func(tx *gorm.DB) error {
		return upsertMemberships(tx, m.GuildID, []models.UserMembership{m})
	})
}

// Memberships returns every membership row of a guild ordered by user id.
func (g *Gateway) Memberships(ctx context.Context, guildID string) ([]models.UserMembership, error) {
	var memberships []models.UserMembership
	err := g.Do(ctx, "list memberships", func(tx *gorm.DB) error {
		return tx.Where("guild_id = ?", guildID).Order("user_id").Find(&memberships).Error
	})
	return memberships, err
}

// Membership returns one user's membership in a guild, or ErrNotFound.
func (g *Gateway) Membership(ctx context.Context, guildID, userID string) (*models.UserMembership, error) {
	var m models.UserMembership
	err := g.Do(ctx, "get membership", func(tx *gorm.DB) error {
		return tx.Where("guild_id = ? AND user_id = ?", guildID, userID).Take(&m).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMembership removes one user's membership in a guild.
func (g *Gateway) DeleteMembership(ctx context.Context, guildID, userID string) error {
	return g.Do(ctx, "delete membership", func(tx *gorm.DB) error {
		return tx.Where("guild_id = ? AND user_id = ?", guildID, userID).
			Delete(&models.UserMembership{}).Error
	})
}

// ApplyPromotion writes the yearly promotion of a guild in one transaction:
// updated memberships are upserted and the memberships of removed users are
// deleted.
func (g *Gateway) ApplyPromotion(ctx context.Context, guildID string, updated []models.UserMembership, removed []string) error {
	return g.Do(ctx, "apply promotion", func(tx *gorm.DB) error {
		if err := upsertMemberships(tx, guildID, updated); err != nil {
			return err
		}
		if len(removed) == 0 {
			return nil
		}
		return tx.Where("guild_id = ? AND user_id IN ?", guildID, removed).
			Delete(&models.UserMembership{}).Error
	})
}

func upsertMemberships(tx *gorm.DB, guildID string, memberships []models.UserMembership) error {
	for _, m := range memberships {
		m.GuildID = guildID
		user := models.User{
			UserID:         m.UserID,
			Category:       m.Category,
			YearsRemaining: m.YearsRemaining,
		}
		if err := tx.Clauses(userConflict).Create(&user).Error; err != nil {
			return err
		}
		if err := tx.Omit(clause.Associations).Clauses(membershipConflict).Create(&m).Error; err != nil {
			return err
		}
	}
	return nil
}
