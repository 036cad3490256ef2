package reconcile

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"engineer/discordutils"
)

const (
	rolePositionChannelWarning = "⚠️ **Warning:** The Engineer role is no longer the top role in your server.\n\n" +
		"This can cause functionality issues. Please move the Engineer role back to the top position:\n" +
		"1. Go to Server Settings > Roles\n" +
		"2. Drag the 'Engineer' role to the top of the list\n" +
		"3. Click Save Changes\n\n" +
		"Setup has been re-enabled until the role is back on top."

	rolePositionAdminWarning = "⚠️ **Important Notice for %s**\n\n" +
		"The Engineer role is no longer the top role in your server.\n" +
		"This can cause functionality issues with the Engineer bot.\n\n" +
		"Please move the Engineer role back to the top position in your server settings."

	channelRecreatedNotice = "⚠️ **Notice:** The Engineer channel was missing and has been recreated.\n\n" +
		"This channel is required for proper bot operation. Please do not delete it.\n" +
		"If you want to remove the bot, use `/setup-cancel` instead."

	channelCreateFailedNotice = "⚠️ The Engineer channel in **%s** was deleted and I could not recreate it. " +
		"%s Please fix this and run `/setup`."

	roleReplacedNotice = "⚠️ **Notice:** The Engineer role was missing. I am using **%s** as my management role for now.\n\n" +
		"Please give me a dedicated role, drag it to the top of Server Settings > Roles, and run `/setup` again."
)

// SendRolePositionWarning posts the role-position warning to the management
// channel and DMs every human administrator. Each send is independent.
// It returns true if at least one message was delivered.
func (r *Reconciler) SendRolePositionWarning(ctx context.Context, guild *discordgo.Guild, roleID, channelID string) bool {
	logger := log.With().Str("guild", guild.ID).Str("role", roleID).Logger()

	if channelID == "" {
		if cfg, err := r.store.Guild(ctx, guild.ID); err == nil && cfg.ManagementChannelID != nil {
			channelID = *cfg.ManagementChannelID
		}
	}

	sent := false
	if channelID != "" {
		if err := r.platform.SendMessage(channelID, rolePositionChannelWarning); err != nil {
			logger.Error().Err(err).Str("channel", channelID).Msg("Failed to post role position warning")
		} else {
			sent = true
		}
	} else {
		logger.Warn().Msg("No management channel for role position warning")
	}

	notified := 0
	for _, member := range guild.Members {
		if member.User == nil || member.User.Bot || !discordutils.MemberHasAdminPermissions(guild, member) {
			continue
		}
		if err := r.dmLimiter.Wait(ctx); err != nil {
			logger.Warn().Err(err).Msg("Stopped admin notifications")
			break
		}
		if err := r.platform.SendDirectMessage(member.User.ID, fmt.Sprintf(rolePositionAdminWarning, guild.Name)); err != nil {
			logger.Debug().Err(err).Str("user", member.User.ID).Msg("Could not DM admin")
			continue
		}
		notified++
	}
	if notified > 0 {
		logger.Info().Int("admins", notified).Msg("Sent role position warning DMs")
		sent = true
	}
	return sent
}

// notifyOwner DMs the guild owner. Failures are only logged.
func (r *Reconciler) notifyOwner(guild *discordgo.Guild, content string) {
	if guild.OwnerID == "" {
		return
	}
	if err := r.platform.SendDirectMessage(guild.OwnerID, content); err != nil {
		log.Warn().Err(err).Str("guild", guild.ID).Msg("Failed to DM guild owner")
	}
}
