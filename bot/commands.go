package bot

import (
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"engineer/commands"
	"engineer/dal"
	"engineer/discordutils"
	"engineer/models"
	"engineer/reconcile"
)

const backfillCooldown = time.Minute

// Setup starts a setup session. Setup completes once the management role is
// moved to the top of the role hierarchy.
func (bot *Bot) Setup(i *discordgo.InteractionCreate) {
	discordutils.AckInteraction(i.Interaction, bot.session)

	guild, cfg, reply := bot.ownerCommand(i)
	checkNow := false
	if reply == "" {
		if cfg.State() != models.GuildSetupPending {
			reply = "Engineer is already set up in this server."
		} else {
			deadline := bot.sessions.Start(guild.ID)
			reply = fmt.Sprintf(
				"Setup started! Please move the bot's role to the very top of the role hierarchy. "+
					"It must be the absolute top role (not below any other role). "+
					"I'll continue as soon as I detect the change. Setup expires %v.",
				humanize.Time(deadline),
			)
			checkNow = reconcile.IsRoleAtTop(guild, deref(cfg.ManagementRoleID))
		}
	}

	discordutils.SendFollowup(reply, i.Interaction, bot.session)
	if checkNow {
		bot.checkSetupProgress(bot.ctx, guild.ID)
	}
}

// SetupCancel abandons setup: stored data is removed, the management channel
// deleted and the bot leaves the guild.
func (bot *Bot) SetupCancel(i *discordgo.InteractionCreate) {
	discordutils.AckInteraction(i.Interaction, bot.session)

	guild, cfg, reply := bot.ownerCommand(i)
	if reply != "" {
		discordutils.SendFollowup(reply, i.Interaction, bot.session)
		return
	}
	if err := models.Transition(cfg.State(), models.GuildRemoved); err != nil {
		discordutils.SendFollowup(fmt.Sprintf("Can't cancel setup: %v", err), i.Interaction, bot.session)
		return
	}

	bot.sessions.End(guild.ID)
	discordutils.SendFollowup("Setup cancelled. Deleting the engineer channel and leaving the server. Goodbye!", i.Interaction, bot.session)
	log.Info().Str("guild", guild.ID).Msg("Setup cancelled by owner")
	bot.abandonGuild(bot.ctx, guild.ID, deref(cfg.ManagementChannelID))
}

// Backfill records existing members from their functional roles.
func (bot *Bot) Backfill(i *discordgo.InteractionCreate) {
	discordutils.AckInteraction(i.Interaction, bot.session)

	guild, cfg, reply := bot.adminCommand(i)
	if reply == "" {
		assignVerified := false
		if opt, ok := commands.Options(i)["assign-verified"]; ok {
			assignVerified = opt.BoolValue()
		}

		if !bot.debouncer.Allow(bot.ctx, "backfill:"+guild.ID, backfillCooldown) {
			reply = fmt.Sprintf("A backfill ran recently. Try again in %v.", humanizeDuration(backfillCooldown))
		} else if report, err := bot.backfill(bot.ctx, guild, cfg, assignVerified); err != nil {
			reply = fmt.Sprintf("Backfill failed: %v", err)
		} else {
			reply = report
		}
	}

	discordutils.SendFollowup(reply, i.Interaction, bot.session)
}

// Year runs the yearly promotion immediately.
func (bot *Bot) Year(i *discordgo.InteractionCreate) {
	discordutils.AckInteraction(i.Interaction, bot.session)

	guild, cfg, reply := bot.adminCommand(i)
	if reply == "" {
		if cfg.State() != models.GuildActive {
			reply = "Finish `/setup` before running the yearly promotion."
		} else if report, err := bot.runYearRollover(bot.ctx, guild, cfg); err != nil {
			reply = fmt.Sprintf("Yearly promotion failed: %v", err)
		} else {
			reply = report
		}
	}

	discordutils.SendFollowup(reply, i.Interaction, bot.session)
}

// YearSchedule stores when the next yearly promotion runs.
func (bot *Bot) YearSchedule(i *discordgo.InteractionCreate) {
	discordutils.AckInteraction(i.Interaction, bot.session)

	guild, _, reply := bot.adminCommand(i)
	if reply == "" {
		opts := commands.Options(i)
		var date, clock, zone string
		if opt, ok := opts["date"]; ok {
			date = opt.StringValue()
		}
		if opt, ok := opts["time"]; ok {
			clock = opt.StringValue()
		}
		if opt, ok := opts["timezone"]; ok {
			zone = opt.StringValue()
		}

		at, err := commands.ParseSchedule(date, clock, zone, time.Now())
		switch {
		case errors.Is(err, commands.ErrScheduleInPast):
			reply = "That date is in the past."
		case err != nil:
			reply = fmt.Sprintf("Invalid schedule: %v.", err)
		default:
			if err := bot.gateway.ScheduleYearRollover(bot.ctx, guild.ID, at); err != nil {
				reply = fmt.Sprintf("Failed to save the schedule: %v", err)
			} else {
				reply = fmt.Sprintf(
					"The next yearly promotion will run on %v (%v).",
					at.Format(commands.ScheduleResponse),
					humanize.Time(at),
				)
			}
		}
	}

	discordutils.SendFollowup(reply, i.Interaction, bot.session)
}

// ownerCommand resolves the guild and its config for a command restricted to
// the guild owner. A non-empty reply means the command must stop.
func (bot *Bot) ownerCommand(i *discordgo.InteractionCreate) (*discordgo.Guild, *models.GuildConfig, string) {
	guild, cfg, reply := bot.commandContext(i)
	if reply != "" {
		return nil, nil, reply
	}
	if i.Member == nil || i.Member.User.ID != guild.OwnerID {
		return nil, nil, "Only the server owner can use setup commands!"
	}
	return guild, cfg, ""
}

// adminCommand is ownerCommand for administrators and the configured admin
// role.
func (bot *Bot) adminCommand(i *discordgo.InteractionCreate) (*discordgo.Guild, *models.GuildConfig, string) {
	guild, cfg, reply := bot.commandContext(i)
	if reply != "" {
		return nil, nil, reply
	}
	if i.Member == nil {
		return nil, nil, "Nice try."
	}
	adminRole := cfg.RoleID(models.RoleAdmin)
	if !discordutils.MemberHasAdminPermissions(guild, i.Member) &&
		(adminRole == "" || !discordutils.MemberHasRole(i.Member, adminRole)) {
		return nil, nil, "Nice try."
	}
	return guild, cfg, ""
}

func (bot *Bot) commandContext(i *discordgo.InteractionCreate) (*discordgo.Guild, *models.GuildConfig, string) {
	guild, ok := bot.platform.Guild(i.GuildID)
	if !ok {
		return nil, nil, "This command only works in a server."
	}
	cfg, err := bot.gateway.Guild(bot.ctx, guild.ID)
	if errors.Is(err, dal.ErrNotFound) {
		return nil, nil, "This server is not registered with Engineer. Please re-invite the bot."
	}
	if err != nil {
		log.Error().Err(err).Str("guild", guild.ID).Msg("Failed to load guild for command")
		return nil, nil, fmt.Sprintf("Something went wrong: %v", err)
	}
	return guild, cfg, ""
}
