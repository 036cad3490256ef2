package bot

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"engineer/dal"
	"engineer/discordutils"
	"engineer/models"
	"engineer/reconcile"
)

// startupGrace bounds how long the first reconciliation waits for the
// guilds announced in Ready to finish loading.
const startupGrace = 30 * time.Second

const welcomeMessage = "**Thank you for choosing Engineer!**\n\n" +
	":warning: **Please read the following information carefully before proceeding.** :warning:\n" +
	"* Before beginning setup, ensure Engineer is **the top level role**.\n" +
	"* To begin setup, use the **/setup** command. You will have %s to finish it.\n" +
	"* To cancel, use the **/setup-cancel** command. The bot will delete this channel and leave the server.\n\n" +
	":warning: **Data** will be **collected** on users including their :warning:\n" +
	"* **Discord ID**\n* **Relationship with the club/community**.\n\n" +
	"Please make sure your **users are informed** about Engineer before running setup."

func (bot *Bot) onReady(s *discordgo.Session, r *discordgo.Ready) {
	log.Info().Str("user", r.User.Username).Int("guilds", len(r.Guilds)).Msg("Bot is up!")

	bot.startupMu.Lock()
	for _, g := range r.Guilds {
		bot.startupPending[g.ID] = struct{}{}
	}
	empty := len(bot.startupPending) == 0
	bot.startupMu.Unlock()

	if empty {
		go bot.startupReconcile()
		return
	}
	time.AfterFunc(startupGrace, bot.startupReconcile)
}

// guildLoaded marks a guild announced in Ready as loaded. It returns true if
// the guild was part of the startup set.
func (bot *Bot) guildLoaded(guildID string) bool {
	bot.startupMu.Lock()
	_, ok := bot.startupPending[guildID]
	delete(bot.startupPending, guildID)
	done := ok && len(bot.startupPending) == 0
	bot.startupMu.Unlock()

	if done {
		go bot.startupReconcile()
	}
	return ok
}

// startupReconcile runs the first reconciliation pass once.
func (bot *Bot) startupReconcile() {
	bot.startupOnce.Do(func() {
		log.Info().Msg("Validating guilds against the database")
		bot.CheckRoles(bot.ctx)
		bot.remindPendingSetups(bot.ctx)
	})
}

// remindPendingSetups tells guilds that were mid-setup when the bot stopped
// to run /setup again. Setup sessions do not survive a restart.
func (bot *Bot) remindPendingSetups(ctx context.Context) {
	pending, err := bot.gateway.GuildsInSetup(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list guilds in setup")
		return
	}
	for _, cfg := range pending {
		if bot.sessions.Waiting(cfg.GuildID) {
			continue
		}
		bot.sessions.Await(cfg.GuildID)
		bot.notify(deref(cfg.ManagementChannelID), fmt.Sprintf(
			"Engineer was restarted. Run `/setup` within %s to continue setting up this server, or I will leave.",
			humanizeDuration(bot.sessions.timeout),
		))
	}
}

func (bot *Bot) onGuildCreate(s *discordgo.Session, e *discordgo.GuildCreate) {
	if e.Unavailable || bot.guildLoaded(e.ID) {
		return
	}
	if _, err := bot.gateway.Guild(bot.ctx, e.ID); !errors.Is(err, dal.ErrNotFound) {
		if err != nil {
			log.Error().Err(err).Str("guild", e.ID).Msg("Failed to look up guild")
		}
		return
	}
	if err := bot.joinGuild(bot.ctx, e.Guild); err != nil {
		log.Error().Err(err).Str("guild", e.ID).Msg("Guild join setup failed")
	}
}

// joinGuild prepares a newly joined guild: it creates the management channel,
// records the guild as setup-pending and posts the welcome message. On
// failure the guild is abandoned.
func (bot *Bot) joinGuild(ctx context.Context, guild *discordgo.Guild) error {
	if err := models.Transition(models.GuildUnconfigured, models.GuildSetupPending); err != nil {
		return err
	}
	release := bot.reconciler.Hold(guild.ID)
	defer release()
	logger := log.With().Str("guild", guild.ID).Logger()
	botID := bot.platform.BotUserID()

	var roleID string
	if botMember := discordutils.FindMember(guild, botID); botMember != nil {
		for _, id := range botMember.Roles {
			if role := discordutils.FindRole(guild, id); role != nil && role.Name == "Engineer" {
				roleID = role.ID
				break
			}
		}
		if roleID == "" {
			if role := discordutils.HighestRole(guild, botMember); role != nil {
				roleID = role.ID
			}
		}
	}

	data := reconcile.ChannelCreateData(guild, models.ChannelManagement, botID, roleID)
	data.Topic = "Engineer management channel"
	channel, err := bot.platform.CreateChannel(guild.ID, data)
	if err != nil {
		if discordutils.IsPermissionDenied(err) {
			bot.dmOwner(guild, "I need the Manage Channels permission to be set up. I am leaving the server, feel free to invite me again.")
		}
		bot.abandonGuild(ctx, guild.ID, "")
		return fmt.Errorf("create management channel: %w", err)
	}

	if err := bot.gateway.AddGuild(ctx, guild.ID, channel.ID, roleID); err != nil {
		bot.abandonGuild(ctx, guild.ID, channel.ID)
		return fmt.Errorf("store guild: %w", err)
	}

	welcome := fmt.Sprintf(welcomeMessage, humanizeDuration(bot.sessions.timeout))
	if err := bot.platform.SendMessage(channel.ID, welcome); err != nil {
		bot.abandonGuild(ctx, guild.ID, channel.ID)
		return fmt.Errorf("send welcome message: %w", err)
	}
	bot.sessions.Await(guild.ID)

	logger.Info().Str("channel", channel.ID).Str("role", roleID).Msg("Joined guild")
	return nil
}

func (bot *Bot) onGuildDelete(s *discordgo.Session, e *discordgo.GuildDelete) {
	if e.Unavailable {
		log.Warn().Str("guild", e.ID).Msg("Guild became unavailable")
		return
	}
	bot.sessions.End(e.ID)
	bot.removeGuild(bot.ctx, e.ID)
}

func (bot *Bot) removeGuild(ctx context.Context, guildID string) {
	if bot.gateway.SafeTeardown(ctx, guildID) {
		log.Info().Str("guild", guildID).Msg("Cleaned up guild data")
	}
}

func (bot *Bot) onGuildRoleCreate(s *discordgo.Session, e *discordgo.GuildRoleCreate) {
	bot.onRoleChange(e.GuildID)
}

func (bot *Bot) onGuildRoleUpdate(s *discordgo.Session, e *discordgo.GuildRoleUpdate) {
	bot.onRoleChange(e.GuildID)
}

func (bot *Bot) onGuildRoleDelete(s *discordgo.Session, e *discordgo.GuildRoleDelete) {
	if bot.sessions.Active(e.GuildID) {
		bot.checkSetupProgress(bot.ctx, e.GuildID)
		return
	}
	if err := bot.reconciler.ReconcileGuild(bot.ctx, e.GuildID); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Msg("Reconciliation after role delete failed")
	}
}

func (bot *Bot) onRoleChange(guildID string) {
	if bot.sessions.Active(guildID) {
		bot.checkSetupProgress(bot.ctx, guildID)
		return
	}
	if err := bot.reconciler.CheckRolePosition(bot.ctx, guildID); err != nil {
		log.Error().Err(err).Str("guild", guildID).Msg("Role position check failed")
	}
}

func (bot *Bot) onChannelDelete(s *discordgo.Session, e *discordgo.ChannelDelete) {
	if e.GuildID == "" {
		return
	}
	if err := bot.channelDeleted(bot.ctx, e.GuildID, e.ID); err != nil {
		log.Error().Err(err).Str("guild", e.GuildID).Str("channel", e.ID).Msg("Handling channel delete failed")
	}
}

// channelDeleted repairs the management channel through the reconciler. A
// deleted verify channel sends an Active guild back to setup.
func (bot *Bot) channelDeleted(ctx context.Context, guildID, channelID string) error {
	cfg, err := bot.gateway.Guild(ctx, guildID)
	if errors.Is(err, dal.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	switch channelID {
	case deref(cfg.ManagementChannelID):
		return bot.reconciler.ReconcileGuild(ctx, guildID)
	case deref(cfg.VerifyChannelID):
		if err := bot.gateway.UpdateVerifyChannel(ctx, guildID, ""); err != nil {
			return err
		}
		if cfg.State() != models.GuildActive {
			return nil
		}
		if err := bot.gateway.SetSetupRequired(ctx, guildID, true); err != nil {
			return err
		}
		bot.notify(deref(cfg.ManagementChannelID),
			"⚠️ The verify channel was deleted. Run `/setup` to recreate it.")
	}
	return nil
}

func (bot *Bot) onSetupTimeout(guildID string) {
	ctx := bot.ctx
	log.Info().Str("guild", guildID).Msg("Setup timed out")

	var channelID string
	if cfg, err := bot.gateway.Guild(ctx, guildID); err == nil {
		channelID = deref(cfg.ManagementChannelID)
	}
	if guild, ok := bot.platform.Guild(guildID); ok {
		bot.dmOwner(guild, "You did not set up the bot in time. The channel has been deleted and the bot is leaving the server.")
	}
	bot.abandonGuild(ctx, guildID, channelID)
}

// abandonGuild removes the guild's stored state, deletes the management
// channel if given and leaves the guild. Each step is best effort.
func (bot *Bot) abandonGuild(ctx context.Context, guildID, channelID string) {
	bot.removeGuild(ctx, guildID)
	if channelID != "" {
		if err := bot.platform.DeleteChannel(channelID); err != nil && !discordutils.IsNotFound(err) {
			log.Warn().Err(err).Str("guild", guildID).Str("channel", channelID).Msg("Failed to delete management channel")
		}
	}
	if err := bot.platform.LeaveGuild(guildID); err != nil {
		log.Error().Err(err).Str("guild", guildID).Msg("Failed to leave guild")
	}
}

func (bot *Bot) dmOwner(guild *discordgo.Guild, content string) {
	if guild.OwnerID == "" {
		return
	}
	if err := bot.platform.SendDirectMessage(guild.OwnerID, content); err != nil {
		log.Warn().Err(err).Str("guild", guild.ID).Msg("Failed to DM guild owner")
	}
}

// notify posts to a channel, logging failures.
func (bot *Bot) notify(channelID, content string) {
	if channelID == "" {
		return
	}
	if err := bot.platform.SendMessage(channelID, content); err != nil {
		log.Warn().Err(err).Str("channel", channelID).Msg("Failed to send message")
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
