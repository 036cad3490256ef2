package dal

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"engineer/models"
)

// AddRoleReaction stores a new role reaction. Adding the same message and
// emoji twice is a constraint violation.
func (g *Gateway) AddRoleReaction(ctx context.Context, r models.RoleReaction) error {
	return g.Do(ctx, "add role reaction", func(tx *gorm.DB) error {
		return tx.Omit(clause.Associations).Create(&r).Error
	})
}

// RoleReaction returns the role reaction for an emoji on a message, or
// ErrNotFound.
func (g *Gateway) RoleReaction(ctx context.Context, guildID, messageID, emoji string) (*models.RoleReaction, error) {
	var r models.RoleReaction
	err := g.Do(ctx, "get role reaction", func(tx *gorm.DB) error {
		return tx.Where("guild_id = ? AND message_id = ? AND emoji = ?", guildID, messageID, emoji).Take(&r).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// DeleteRoleReaction removes a role reaction, or returns ErrNotFound.
func (g *Gateway) DeleteRoleReaction(ctx context.Context, guildID, messageID, emoji string) error {
	return g.Do(ctx, "delete role reaction", func(tx *gorm.DB) error {
		res := tx.Where("guild_id = ? AND message_id = ? AND emoji = ?", guildID, messageID, emoji).
			Delete(&models.RoleReaction{})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}
