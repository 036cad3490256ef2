package dal

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"engineer/models"
)

// AddGuild inserts or resets the row for a newly joined guild. The guild
// starts in the setup-pending state.
func (g *Gateway) AddGuild(ctx context.Context, guildID, channelID, roleID string) error {
	guild := models.GuildConfig{
		GuildID:             guildID,
		ManagementChannelID: optional(channelID),
		ManagementRoleID:    optional(roleID),
		SetupRequired:       true,
	}
	return g.Do(ctx, "add guild", func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "guild_id"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"management_channel_id",
				"management_role_id",
				"setup_required",
				"updated_at",
			}),
		}).Create(&guild).Error
	})
}

// Guild returns the stored configuration for guildID, or ErrNotFound.
func (g *Gateway) Guild(ctx context.Context, guildID string) (*models.GuildConfig, error) {
	var guild models.GuildConfig
	err := g.Do(ctx, "get guild", func(tx *gorm.DB) error {
		return tx.Where(&models.GuildConfig{GuildID: guildID}).Take(&guild).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &guild, nil
}

// Guilds returns every stored guild configuration.
func (g *Gateway) Guilds(ctx context.Context) ([]models.GuildConfig, error) {
	var guilds []models.GuildConfig
	err := g.Do(ctx, "list guilds", func(tx *gorm.DB) error {
		return tx.Order("guild_id").Find(&guilds).Error
	})
	return guilds, err
}

// GuildIDs returns the ids of every stored guild.
func (g *Gateway) GuildIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.Do(ctx, "list guild ids", func(tx *gorm.DB) error {
		return tx.Model(&models.GuildConfig{}).Order("guild_id").Pluck("guild_id", &ids).Error
	})
	return ids, err
}

// GuildsInSetup returns the guilds whose setup has not completed.
func (g *Gateway) GuildsInSetup(ctx context.Context) ([]models.GuildConfig, error) {
	var guilds []models.GuildConfig
	err := g.Do(ctx, "list guilds in setup", func(tx *gorm.DB) error {
		return tx.Where("setup_required = ?", true).Order("guild_id").Find(&guilds).Error
	})
	return guilds, err
}

// UpdateManagementChannel stores a new management channel id.
func (g *Gateway) UpdateManagementChannel(ctx context.Context, guildID, channelID string) error {
	return g.updateGuild(ctx, "update management channel", guildID, map[string]any{
		"management_channel_id": nullable(channelID),
	})
}

// UpdateManagementRole stores a new management role id.
func (g *Gateway) UpdateManagementRole(ctx context.Context, guildID, roleID string) error {
	return g.updateGuild(ctx, "update management role", guildID, map[string]any{
		"management_role_id": nullable(roleID),
	})
}

// UpdateVerifyChannel stores the verify channel id.
func (g *Gateway) UpdateVerifyChannel(ctx context.Context, guildID, channelID string) error {
	return g.updateGuild(ctx, "update verify channel", guildID, map[string]any{
		"verify_channel_id": nullable(channelID),
	})
}

// SetSetupRequired moves a guild between the setup-pending and active states.
func (g *Gateway) SetSetupRequired(ctx context.Context, guildID string, required bool) error {
	return g.updateGuild(ctx, "set setup required", guildID, map[string]any{
		"setup_required": required,
	})
}

// SetFunctionalRole stores the role id used for kind.
func (g *Gateway) SetFunctionalRole(ctx context.Context, guildID string, kind models.RoleKind, roleID string) error {
	return g.updateGuild(ctx, "set functional role", guildID, map[string]any{
		kind.Column(): nullable(roleID),
	})
}

// ScheduleYearRollover sets the next yearly promotion date and re-arms it.
func (g *Gateway) ScheduleYearRollover(ctx context.Context, guildID string, at time.Time) error {
	return g.updateGuild(ctx, "schedule year rollover", guildID, map[string]any{
		"year_rollover_at":    at.UTC(),
		"year_rollover_fired": false,
	})
}

// MarkYearRolloverFired records that the promotion for the current period ran.
func (g *Gateway) MarkYearRolloverFired(ctx context.Context, guildID string) error {
	return g.updateGuild(ctx, "mark year rollover fired", guildID, map[string]any{
		"year_rollover_fired": true,
	})
}

// DueYearRollovers returns active guilds whose scheduled promotion is due and
// has not fired yet.
func (g *Gateway) DueYearRollovers(ctx context.Context, now time.Time) ([]models.GuildConfig, error) {
	var guilds []models.GuildConfig
	err := g.Do(ctx, "list due year rollovers", func(tx *gorm.DB) error {
		return tx.Where(
			"setup_required = ? AND year_rollover_fired = ? AND year_rollover_at IS NOT NULL AND year_rollover_at <= ?",
			false, false, now.UTC(),
		).Order("guild_id").Find(&guilds).Error
	})
	return guilds, err
}

func (g *Gateway) updateGuild(ctx context.Context, name, guildID string, values map[string]any) error {
	return g.Do(ctx, name, func(tx *gorm.DB) error {
		res := tx.Model(&models.GuildConfig{}).Where("guild_id = ?", guildID).Updates(values)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func optional(id string) *string {
	if id == "" {
		return nil
	}
	return &id
}

// nullable maps an empty id to NULL in column updates.
func nullable(id string) any {
	if id == "" {
		return nil
	}
	return id
}
