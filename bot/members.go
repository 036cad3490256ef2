package bot

import (
	"context"
	"errors"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"engineer/dal"
	"engineer/models"
)

func (bot *Bot) onGuildMemberRemove(s *discordgo.Session, e *discordgo.GuildMemberRemove) {
	if e.Member == nil || e.User == nil {
		return
	}
	if err := bot.memberLeft(bot.ctx, e.GuildID, e.User.ID); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Str("user", e.User.ID).Msg("Failed to remove membership")
	}
}

func (bot *Bot) onGuildMemberUpdate(s *discordgo.Session, e *discordgo.GuildMemberUpdate) {
	if e.Member == nil || e.User == nil {
		return
	}
	if err := bot.memberUpdated(bot.ctx, e.GuildID, e.Member); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Str("user", e.User.ID).Msg("Failed to update membership")
	}
}

// memberLeft drops the membership of a user who left the guild.
func (bot *Bot) memberLeft(ctx context.Context, guildID, userID string) error {
	return bot.gateway.DeleteMembership(ctx, guildID, userID)
}

// memberUpdated keeps an Active guild's membership row in line with the
// member's functional roles. Students keep their years remaining unless
// their category changed.
func (bot *Bot) memberUpdated(ctx context.Context, guildID string, member *discordgo.Member) error {
	if member.User.Bot {
		return nil
	}
	cfg, err := bot.gateway.Guild(ctx, guildID)
	if errors.Is(err, dal.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if cfg.State() != models.GuildActive {
		return nil
	}

	category, ok := categorize(member, rolesFromConfig(cfg))
	if !ok {
		return bot.gateway.DeleteMembership(ctx, guildID, member.User.ID)
	}

	m := models.UserMembership{UserID: member.User.ID, GuildID: guildID, Category: category}
	prev, err := bot.gateway.Membership(ctx, guildID, member.User.ID)
	switch {
	case err == nil && prev.Category == category:
		return nil
	case err != nil && !errors.Is(err, dal.ErrNotFound):
		return err
	}
	if category == models.CategoryStudent {
		m.YearsRemaining = defaultStudentYears
	}
	return bot.gateway.UpsertMembership(ctx, m)
}
