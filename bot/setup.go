package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"engineer/discordutils"
	"engineer/models"
	"engineer/reconcile"
)

const setupNagWindow = time.Minute

var errNotSetupPending = errors.New("guild is not waiting for setup")

// checkSetupProgress finishes setup once the management role is the single
// top role, and otherwise reminds the owner to move it.
func (bot *Bot) checkSetupProgress(ctx context.Context, guildID string) {
	cfg, err := bot.gateway.Guild(ctx, guildID)
	if err != nil {
		log.Error().Err(err).Str("guild", guildID).Msg("Failed to load guild during setup")
		return
	}
	guild, ok := bot.platform.Guild(guildID)
	if !ok {
		return
	}
	channelID := deref(cfg.ManagementChannelID)

	if !reconcile.IsRoleAtTop(guild, deref(cfg.ManagementRoleID)) {
		if bot.debouncer.Allow(ctx, "setup-nag:"+guildID, setupNagWindow) {
			bot.notify(channelID, "The bot's role is not at the very top. Please move it to the top of the role hierarchy, "+
				"so that it is not below any other role.")
		}
		return
	}

	if !bot.sessions.End(guildID) {
		return
	}
	bot.notify(channelID, "The bot's role is now at the top. Updating the database with server members, please wait...")

	report, err := bot.completeSetup(ctx, guild, cfg)
	if err != nil {
		log.Error().Err(err).Str("guild", guildID).Msg("Setup failed")
		bot.notify(channelID, fmt.Sprintf("An error occurred while setting up: %v\nThe bot is leaving the server.", err))
		bot.abandonGuild(ctx, guildID, channelID)
		return
	}
	bot.notify(channelID, report)
}

// completeSetup creates or adopts the functional roles and the verify
// channel, then records every member and activates the guild atomically.
func (bot *Bot) completeSetup(ctx context.Context, guild *discordgo.Guild, cfg *models.GuildConfig) (string, error) {
	if cfg.State() != models.GuildSetupPending {
		return "", errNotSetupPending
	}
	if err := models.Transition(cfg.State(), models.GuildActive); err != nil {
		return "", err
	}

	var logs []string
	roles, roleLogs := bot.ensureRoles(ctx, guild, cfg)
	logs = append(logs, roleLogs...)
	logs = append(logs, bot.ensureVerifyChannel(ctx, guild, cfg)...)

	existing, err := bot.existingMemberships(ctx, guild.ID)
	if err != nil {
		return "", err
	}
	memberships, _ := buildMemberships(guild, roles, existing)
	if err := bot.gateway.CompleteSetup(ctx, guild.ID, memberships); err != nil {
		return "", fmt.Errorf("record members: %w", err)
	}

	logs = append(logs,
		fmt.Sprintf("Recorded `%d` members.", len(memberships)),
		"**Server setup complete.** Run `/backfill` at any time to record members again.",
	)
	log.Info().Str("guild", guild.ID).Int("members", len(memberships)).Msg("Setup complete")
	return strings.Join(logs, "\n"), nil
}

// ensureRoles resolves every functional role: the stored role if it still
// exists, else the single role with the default name, else a new role.
// Duplicate names are reported and left for the admins to resolve.
func (bot *Bot) ensureRoles(ctx context.Context, guild *discordgo.Guild, cfg *models.GuildConfig) (functionalRoles, []string) {
	roles := make(functionalRoles)
	var logs []string

	for _, kind := range models.RoleKinds {
		name := kind.DefaultName()
		if role := discordutils.FindRole(guild, cfg.RoleID(kind)); role != nil {
			roles[kind] = role.ID
			continue
		}

		var role *discordgo.Role
		switch found := discordutils.FindRoleByName(guild, name); len(found) {
		case 0:
			created, err := bot.platform.CreateRole(guild.ID, name)
			if err != nil {
				logs = append(logs, fmt.Sprintf("Could not create role **%s**: %v", name, err))
				continue
			}
			role = created
			logs = append(logs, fmt.Sprintf("Created role: %s", name))
		case 1:
			role = found[0]
			logs = append(logs, fmt.Sprintf("Found role: %s", name))
		default:
			mentions := make([]string, len(found))
			for i, r := range found {
				mentions[i] = r.Mention()
			}
			logs = append(logs, fmt.Sprintf(
				"Warning: found duplicate roles for '%s': %s. Please resolve this manually.",
				name, strings.Join(mentions, ", "),
			))
			continue
		}

		if err := bot.gateway.SetFunctionalRole(ctx, guild.ID, kind, role.ID); err != nil {
			logs = append(logs, fmt.Sprintf("Could not save role **%s**: %v", name, err))
			continue
		}
		roles[kind] = role.ID
	}
	return roles, logs
}

func (bot *Bot) ensureVerifyChannel(ctx context.Context, guild *discordgo.Guild, cfg *models.GuildConfig) []string {
	if discordutils.FindChannel(guild, deref(cfg.VerifyChannelID)) != nil {
		return nil
	}
	channel, err := bot.platform.CreateChannel(guild.ID,
		reconcile.ChannelCreateData(guild, models.ChannelVerify, bot.platform.BotUserID(), deref(cfg.ManagementRoleID)))
	if err != nil {
		return []string{fmt.Sprintf("Could not create #%s: %v", models.ChannelVerify.DefaultName(), err)}
	}
	if err := bot.gateway.UpdateVerifyChannel(ctx, guild.ID, channel.ID); err != nil {
		return []string{fmt.Sprintf("Could not save #%s: %v", channel.Name, err)}
	}
	return []string{fmt.Sprintf("Created #%s channel.", channel.Name)}
}

func (bot *Bot) existingMemberships(ctx context.Context, guildID string) (map[string]models.UserMembership, error) {
	rows, err := bot.gateway.Memberships(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	existing := make(map[string]models.UserMembership, len(rows))
	for _, m := range rows {
		existing[m.UserID] = m
	}
	return existing, nil
}

// backfill records every member holding a functional role. With
// assignVerified, members without any functional role are given the
// Verified role and recorded as verified.
func (bot *Bot) backfill(ctx context.Context, guild *discordgo.Guild, cfg *models.GuildConfig, assignVerified bool) (string, error) {
	roles := rolesFromConfig(cfg)
	existing, err := bot.existingMemberships(ctx, guild.ID)
	if err != nil {
		return "", err
	}
	memberships, uncategorized := buildMemberships(guild, roles, existing)

	logs := []string{"**Starting database backfill**", fmt.Sprintf("Found `%d` members in cache.", len(guild.Members))}
	if assignVerified {
		verified := discordutils.FindRole(guild, roles[models.RoleVerified])
		switch {
		case verified == nil:
			logs = append(logs, "Could not grant Verified: the role is not configured.")
		default:
			for _, member := range uncategorized {
				if err := bot.platform.AddRole(guild.ID, member.User.ID, verified.ID); err != nil {
					logs = append(logs, fmt.Sprintf("Could not grant Verified to `%s`. Check permissions.", member.User.Username))
					continue
				}
				memberships = append(memberships, models.UserMembership{
					UserID: member.User.ID, GuildID: guild.ID, Category: models.CategoryVerified,
				})
				logs = append(logs, fmt.Sprintf("User `%s` had no role. Granted **Verified**.", member.User.Username))
			}
		}
	}

	if err := bot.gateway.Backfill(ctx, guild.ID, memberships); err != nil {
		return "", fmt.Errorf("backfill: %w", err)
	}
	logs = append(logs, fmt.Sprintf("**Database backfill complete.** Recorded `%d` members.", len(memberships)))
	return truncate(strings.Join(logs, "\n")), nil
}

// truncate keeps a message within Discord's 2000 character limit without
// splitting a rune.
func truncate(s string) string {
	const limit = 2000
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}

func humanizeDuration(d time.Duration) string {
	var zero time.Time
	return strings.TrimSpace(humanize.RelTime(zero, zero.Add(d), "", ""))
}
