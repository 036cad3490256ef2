package bot

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"engineer/discordutils"
	"engineer/models"
)

const graduationMessage = "🎓 Congratulations on graduating! You are now an alumnus of **%s**."

// runYearRollover applies the yearly promotion to a guild and returns a
// summary for the management channel.
func (bot *Bot) runYearRollover(ctx context.Context, guild *discordgo.Guild, cfg *models.GuildConfig) (string, error) {
	memberships, err := bot.gateway.Memberships(ctx, guild.ID)
	if err != nil {
		return "", fmt.Errorf("load memberships: %w", err)
	}

	plan := planPromotion(memberships, guild)
	updated := append(append([]models.UserMembership{}, plan.advance...), plan.graduate...)
	if err := bot.gateway.ApplyPromotion(ctx, guild.ID, updated, plan.remove); err != nil {
		return "", fmt.Errorf("apply promotion: %w", err)
	}

	roles := rolesFromConfig(cfg)
	alumni := discordutils.FindRole(guild, roles[models.RoleAlumni])
	student := discordutils.FindRole(guild, roles[models.RoleStudent])

	graduates := membersOf(guild, plan.graduate)
	if alumni != nil {
		discordutils.AddRoleToMembers(guild, alumni, graduates, bot.platform)

		var missing []*discordgo.Member
		for _, id := range plan.ensureAlumni {
			if member := discordutils.FindMember(guild, id); member != nil && !discordutils.MemberHasRole(member, alumni.ID) {
				missing = append(missing, member)
			}
		}
		discordutils.AddRoleToMembers(guild, alumni, missing, bot.platform)
	}
	if student != nil {
		discordutils.RemoveRoleFromMembers(guild, student, graduates, bot.platform)
	}
	for _, member := range graduates {
		if err := bot.platform.SendDirectMessage(member.User.ID, fmt.Sprintf(graduationMessage, guild.Name)); err != nil {
			log.Debug().Err(err).Str("guild", guild.ID).Str("user", member.User.ID).Msg("Could not DM graduate")
		}
	}

	log.Info().
		Str("guild", guild.ID).
		Int("advanced", len(plan.advance)).
		Int("graduated", len(plan.graduate)).
		Int("removed", len(plan.remove)).
		Msg("Year rollover applied")

	return fmt.Sprintf(
		"📅 **Yearly promotion complete.** `%d` students advanced a year, `%d` graduated to alumni and `%d` departed members were removed.",
		len(plan.advance), len(plan.graduate), len(plan.remove),
	), nil
}

func membersOf(guild *discordgo.Guild, memberships []models.UserMembership) []*discordgo.Member {
	var members []*discordgo.Member
	for _, m := range memberships {
		if member := discordutils.FindMember(guild, m.UserID); member != nil {
			members = append(members, member)
		}
	}
	return members
}

// runDueYearRollovers fires every scheduled promotion whose time has come.
func (bot *Bot) runDueYearRollovers(ctx context.Context, now time.Time) {
	due, err := bot.gateway.DueYearRollovers(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("Failed to load due year rollovers")
		return
	}

	for i := range due {
		cfg := &due[i]
		guild, ok := bot.platform.Guild(cfg.GuildID)
		if !ok {
			continue
		}
		report, err := bot.runYearRollover(ctx, guild, cfg)
		if err != nil {
			log.Error().Err(err).Str("guild", cfg.GuildID).Msg("Scheduled year rollover failed")
			continue
		}
		if err := bot.gateway.MarkYearRolloverFired(ctx, cfg.GuildID); err != nil {
			log.Error().Err(err).Str("guild", cfg.GuildID).Msg("Failed to mark year rollover as fired")
		}
		bot.notify(deref(cfg.ManagementChannelID), report)
	}
}
