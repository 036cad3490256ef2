// Package commands declares the bot's slash commands and parses their options.
package commands

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"
)

// Command names.
const (
	Setup        = "setup"
	SetupCancel  = "setup-cancel"
	Backfill     = "backfill"
	Year         = "year"
	YearSchedule = "year-schedule"

	RoleReactionAdd    = "role-reaction-add"
	RoleReactionRemove = "role-reaction-remove"
)

// Schedule date and time formats accepted by /year-schedule.
const (
	ScheduleDateExample  = "2006-01-02"
	ScheduleDateFormat   = "YYYY-MM-DD"
	ScheduleClockExample = "15:04"
	ScheduleClockFormat  = "HH:MM"
	ScheduleResponse     = "Monday, January 2 2006 at 15:04 MST"
)

var adminOnly = int64(discordgo.PermissionAdministrator)

// Definitions is every application command the bot registers.
var Definitions = []*discordgo.ApplicationCommand{
	{
		Name:                     Setup,
		Description:              "Starts Engineer setup. Owner only.",
		DefaultMemberPermissions: &adminOnly,
	}, {
		Name:                     SetupCancel,
		Description:              "Cancels setup, deletes the engineer channel and removes the bot. Owner only.",
		DefaultMemberPermissions: &adminOnly,
	}, {
		Name:                     Backfill,
		Description:              "Records existing members in the database from their roles.",
		DefaultMemberPermissions: &adminOnly,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionBoolean,
				Name:        "assign-verified",
				Description: "Grant the Verified role to members without any managed role.",
				Required:    false,
			},
		},
	}, {
		Name:                     Year,
		Description:              "Runs the yearly promotion now: students advance a year and graduates become alumni.",
		DefaultMemberPermissions: &adminOnly,
	}, {
		Name:                     YearSchedule,
		Description:              "Schedules the next yearly promotion.",
		DefaultMemberPermissions: &adminOnly,
		Options: []*discordgo.ApplicationCommandOption{
			{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "date",
				Description: fmt.Sprintf("Date of the promotion (format: %v)", ScheduleDateFormat),
				Required:    true,
			}, {
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "time",
				Description: fmt.Sprintf("Time of day (format: %v). Defaults to 00:00.", ScheduleClockFormat),
				Required:    false,
			}, {
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        "timezone",
				Description: "IANA timezone, e.g. America/New_York. Defaults to UTC.",
				Required:    false,
			},
		},
	}, {
		Name:                     RoleReactionAdd,
		Description:              "Grants a role to members who react to a message with an emoji.",
		DefaultMemberPermissions: &adminOnly,
		Options: append(reactionTargetOptions(), &discordgo.ApplicationCommandOption{
			Type:        discordgo.ApplicationCommandOptionRole,
			Name:        "role",
			Description: "Role to grant.",
			Required:    true,
		}),
	}, {
		Name:                     RoleReactionRemove,
		Description:              "Stops granting a role for an emoji on a message.",
		DefaultMemberPermissions: &adminOnly,
		Options:                  reactionTargetOptions(),
	},
}

func reactionTargetOptions() []*discordgo.ApplicationCommandOption {
	return []*discordgo.ApplicationCommandOption{
		{
			Type:         discordgo.ApplicationCommandOptionChannel,
			Name:         "channel",
			Description:  "Channel of the message.",
			ChannelTypes: []discordgo.ChannelType{discordgo.ChannelTypeGuildText},
			Required:     true,
		}, {
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "message-id",
			Description: "ID of the message to react to.",
			Required:    true,
		}, {
			Type:        discordgo.ApplicationCommandOptionString,
			Name:        "emoji",
			Description: "Emoji members react with.",
			Required:    true,
		},
	}
}

// Options indexes the interaction's options by name.
func Options(i *discordgo.InteractionCreate) map[string]*discordgo.ApplicationCommandInteractionDataOption {
	options := i.ApplicationCommandData().Options
	byName := make(map[string]*discordgo.ApplicationCommandInteractionDataOption, len(options))
	for _, opt := range options {
		byName[opt.Name] = opt
	}
	return byName
}

var ErrScheduleInPast = errors.New("schedule is in the past")

// ParseSchedule turns /year-schedule options into an instant. clock and tz
// may be empty. The result must lie after now.
func ParseSchedule(date, clock, tz string, now time.Time) (time.Time, error) {
	loc := time.UTC
	if tz = strings.TrimSpace(tz); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, fmt.Errorf("unknown timezone %q", tz)
		}
		loc = l
	}

	clock = strings.TrimSpace(clock)
	if clock == "" {
		clock = "00:00"
	}

	at, err := time.ParseInLocation(
		ScheduleDateExample+" "+ScheduleClockExample,
		strings.TrimSpace(date)+" "+clock,
		loc,
	)
	if err != nil {
		return time.Time{}, fmt.Errorf(
			"invalid date or time, use %v and %v (e.g. %v %v)",
			ScheduleDateFormat, ScheduleClockFormat, ScheduleDateExample, ScheduleClockExample,
		)
	}
	if !at.After(now) {
		return time.Time{}, ErrScheduleInPast
	}
	return at, nil
}

var customEmoji = regexp.MustCompile(`^<a?:(\w+):(\d+)>$`)

var ErrEmptyEmoji = errors.New("no emoji given")

// ParseEmoji turns an emoji typed into a command option into the form Discord
// reports in reaction events: name:id for custom emoji, the character itself
// otherwise.
func ParseEmoji(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrEmptyEmoji
	}
	if m := customEmoji.FindStringSubmatch(raw); m != nil {
		return m[1] + ":" + m[2], nil
	}
	if strings.ContainsAny(raw, "<> ") {
		return "", fmt.Errorf("%q is not a single emoji", raw)
	}
	return raw, nil
}
