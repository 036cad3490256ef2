package bot

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"engineer/commands"
	"engineer/dal"
	"engineer/discordutils"
	"engineer/models"
)

// RoleReactionAdd grants a role to members who react to a message with an
// emoji. The bot reacts first so members can click.
func (bot *Bot) RoleReactionAdd(i *discordgo.InteractionCreate) {
	discordutils.AckInteraction(i.Interaction, bot.session)

	guild, _, reply := bot.adminCommand(i)
	if reply == "" {
		opts := commands.Options(i)
		r, err := reactionTarget(guild.ID, opts)
		if err == nil {
			if opt, ok := opts["role"]; ok {
				r.RoleID = opt.RoleValue(nil, "").ID
			}
		}
		if err != nil {
			reply = fmt.Sprintf("Invalid role reaction: %v.", err)
		} else {
			reply = bot.addRoleReaction(bot.ctx, guild, r)
		}
	}

	discordutils.SendFollowup(reply, i.Interaction, bot.session)
}

// RoleReactionRemove stops granting a role for an emoji on a message.
func (bot *Bot) RoleReactionRemove(i *discordgo.InteractionCreate) {
	discordutils.AckInteraction(i.Interaction, bot.session)

	guild, _, reply := bot.adminCommand(i)
	if reply == "" {
		if r, err := reactionTarget(guild.ID, commands.Options(i)); err != nil {
			reply = fmt.Sprintf("Invalid role reaction: %v.", err)
		} else {
			reply = bot.removeRoleReaction(bot.ctx, r)
		}
	}

	discordutils.SendFollowup(reply, i.Interaction, bot.session)
}

func reactionTarget(guildID string, opts map[string]*discordgo.ApplicationCommandInteractionDataOption) (models.RoleReaction, error) {
	r := models.RoleReaction{GuildID: guildID}
	if opt, ok := opts["channel"]; ok {
		r.ChannelID = opt.ChannelValue(nil).ID
	}
	if opt, ok := opts["message-id"]; ok {
		r.MessageID = opt.StringValue()
	}
	if r.ChannelID == "" || r.MessageID == "" {
		return r, errors.New("a channel and message id are required")
	}
	var raw string
	if opt, ok := opts["emoji"]; ok {
		raw = opt.StringValue()
	}
	emoji, err := commands.ParseEmoji(raw)
	if err != nil {
		return r, err
	}
	r.Emoji = emoji
	return r, nil
}

func (bot *Bot) addRoleReaction(ctx context.Context, guild *discordgo.Guild, r models.RoleReaction) string {
	if r.RoleID == "" || r.RoleID == guild.ID {
		return "Pick a role other than @everyone."
	}

	err := bot.gateway.AddRoleReaction(ctx, r)
	if dal.IsConstraintViolation(err) {
		return "That role reaction might already exist. Remove it first to change its role."
	}
	if err != nil {
		log.Error().Err(err).Str("guild", r.GuildID).Msg("Failed to store role reaction")
		return fmt.Sprintf("Failed to save the role reaction: %v", err)
	}

	if err := bot.platform.AddReaction(r.ChannelID, r.MessageID, r.Emoji); err != nil {
		log.Warn().Err(err).Str("guild", r.GuildID).Str("message", r.MessageID).Msg("Failed to react to message")
		if err := bot.gateway.DeleteRoleReaction(ctx, r.GuildID, r.MessageID, r.Emoji); err != nil {
			log.Error().Err(err).Str("guild", r.GuildID).Msg("Failed to roll back role reaction")
		}
		return fmt.Sprintf("I could not react to that message: %v", err)
	}

	log.Info().Str("guild", r.GuildID).Str("message", r.MessageID).Str("emoji", r.Emoji).Msg("Added role reaction")
	return fmt.Sprintf("Members reacting with %s will get <@&%s>.", displayEmoji(r.Emoji), r.RoleID)
}

func (bot *Bot) removeRoleReaction(ctx context.Context, r models.RoleReaction) string {
	err := bot.gateway.DeleteRoleReaction(ctx, r.GuildID, r.MessageID, r.Emoji)
	if errors.Is(err, dal.ErrNotFound) {
		return "There is no role reaction for that emoji on that message."
	}
	if err != nil {
		return fmt.Sprintf("Failed to remove the role reaction: %v", err)
	}

	if err := bot.platform.ClearReaction(r.ChannelID, r.MessageID, r.Emoji); err != nil && !discordutils.IsNotFound(err) {
		log.Warn().Err(err).Str("guild", r.GuildID).Str("message", r.MessageID).Msg("Failed to clear reactions")
	}
	log.Info().Str("guild", r.GuildID).Str("message", r.MessageID).Str("emoji", r.Emoji).Msg("Removed role reaction")
	return fmt.Sprintf("Removed the role reaction for %s.", displayEmoji(r.Emoji))
}

func (bot *Bot) onMessageReactionAdd(s *discordgo.Session, e *discordgo.MessageReactionAdd) {
	if e.GuildID == "" {
		return
	}
	if e.Member != nil && e.Member.User != nil && e.Member.User.Bot {
		return
	}
	if err := bot.applyRoleReaction(bot.ctx, e.MessageReaction, true); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Str("user", e.UserID).Msg("Failed to grant reaction role")
	}
}

func (bot *Bot) onMessageReactionRemove(s *discordgo.Session, e *discordgo.MessageReactionRemove) {
	if e.GuildID == "" {
		return
	}
	if err := bot.applyRoleReaction(bot.ctx, e.MessageReaction, false); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Str("user", e.UserID).Msg("Failed to revoke reaction role")
	}
}

// applyRoleReaction grants or revokes the role bound to a reaction. Reactions
// by the bot or other bots are ignored.
func (bot *Bot) applyRoleReaction(ctx context.Context, e *discordgo.MessageReaction, add bool) error {
	if e.UserID == bot.platform.BotUserID() {
		return nil
	}
	if guild, ok := bot.platform.Guild(e.GuildID); ok {
		if m := discordutils.FindMember(guild, e.UserID); m != nil && m.User != nil && m.User.Bot {
			return nil
		}
	}

	r, err := bot.gateway.RoleReaction(ctx, e.GuildID, e.MessageID, e.Emoji.APIName())
	if errors.Is(err, dal.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	if add {
		return bot.platform.AddRole(e.GuildID, e.UserID, r.RoleID)
	}
	return bot.platform.RemoveRole(e.GuildID, e.UserID, r.RoleID)
}

// displayEmoji renders a stored emoji back into message markup.
func displayEmoji(emoji string) string {
	if strings.Contains(emoji, ":") {
		return "<:" + emoji + ">"
	}
	return emoji
}
