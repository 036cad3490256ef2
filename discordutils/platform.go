package discordutils

import (
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/bwmarrin/discordgo"
)

var (
	// ErrPermissionDenied is returned when Discord rejects an action because
	// the bot lacks a permission.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotFound is returned when Discord reports the target does not exist.
	ErrNotFound = errors.New("not found")
)

// Platform is the subset of the Discord API the bot acts through. Guild data
// comes from the session's state cache.
type Platform interface {
	BotUserID() string
	Guilds() []*discordgo.Guild
	Guild(guildID string) (*discordgo.Guild, bool)
	// Available is false while Discord reports the guild unavailable
	// (an outage, or a stub from Ready that has not loaded yet). Such a
	// guild may be missing from Guild even though the bot is still in it.
	Available(guildID string) bool
	LeaveGuild(guildID string) error

	CreateChannel(guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error)
	DeleteChannel(channelID string) error
	SendMessage(channelID, content string) error
	SendDirectMessage(userID, content string) error

	CreateRole(guildID, name string) (*discordgo.Role, error)
	AddRole(guildID, userID, roleID string) error
	RemoveRole(guildID, userID, roleID string) error

	AddReaction(channelID, messageID, emoji string) error
	ClearReaction(channelID, messageID, emoji string) error
}

// SessionPlatform implements Platform on a discordgo session.
type SessionPlatform struct {
	session *discordgo.Session

	mu          sync.Mutex
	unavailable map[string]struct{}
}

// NewSessionPlatform wraps a session and starts tracking guild outages.
// discordgo drops a guild from its state when it becomes unavailable, so the
// outage is remembered here until the guild is created again.
func NewSessionPlatform(session *discordgo.Session) *SessionPlatform {
	p := &SessionPlatform{session: session, unavailable: make(map[string]struct{})}
	session.AddHandler(p.onGuildCreate)
	session.AddHandler(p.onGuildDelete)
	return p
}

func (p *SessionPlatform) onGuildCreate(_ *discordgo.Session, e *discordgo.GuildCreate) {
	if e.Unavailable {
		return
	}
	p.mu.Lock()
	delete(p.unavailable, e.ID)
	p.mu.Unlock()
}

func (p *SessionPlatform) onGuildDelete(_ *discordgo.Session, e *discordgo.GuildDelete) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e.Unavailable {
		p.unavailable[e.ID] = struct{}{}
		return
	}
	delete(p.unavailable, e.ID)
}

func (p *SessionPlatform) Available(guildID string) bool {
	p.mu.Lock()
	_, out := p.unavailable[guildID]
	p.mu.Unlock()
	if out {
		return false
	}
	guild, err := p.session.State.Guild(guildID)
	return err != nil || !guild.Unavailable
}

func (p *SessionPlatform) BotUserID() string {
	return p.session.State.User.ID
}

func (p *SessionPlatform) Guilds() []*discordgo.Guild {
	p.session.State.RLock()
	defer p.session.State.RUnlock()
	guilds := make([]*discordgo.Guild, len(p.session.State.Guilds))
	copy(guilds, p.session.State.Guilds)
	return guilds
}

func (p *SessionPlatform) Guild(guildID string) (*discordgo.Guild, bool) {
	guild, err := p.session.State.Guild(guildID)
	if err != nil {
		return nil, false
	}
	return guild, true
}

func (p *SessionPlatform) LeaveGuild(guildID string) error {
	return classify(p.session.GuildLeave(guildID))
}

func (p *SessionPlatform) CreateChannel(guildID string, data discordgo.GuildChannelCreateData) (*discordgo.Channel, error) {
	channel, err := p.session.GuildChannelCreateComplex(guildID, data)
	return channel, classify(err)
}

func (p *SessionPlatform) DeleteChannel(channelID string) error {
	_, err := p.session.ChannelDelete(channelID)
	return classify(err)
}

func (p *SessionPlatform) SendMessage(channelID, content string) error {
	_, err := p.session.ChannelMessageSend(channelID, content)
	return classify(err)
}

func (p *SessionPlatform) SendDirectMessage(userID, content string) error {
	channel, err := p.session.UserChannelCreate(userID)
	if err != nil {
		return classify(err)
	}
	return p.SendMessage(channel.ID, content)
}

func (p *SessionPlatform) CreateRole(guildID, name string) (*discordgo.Role, error) {
	role, err := p.session.GuildRoleCreate(guildID, &discordgo.RoleParams{Name: name})
	return role, classify(err)
}

func (p *SessionPlatform) AddRole(guildID, userID, roleID string) error {
	return classify(p.session.GuildMemberRoleAdd(guildID, userID, roleID))
}

func (p *SessionPlatform) RemoveRole(guildID, userID, roleID string) error {
	return classify(p.session.GuildMemberRoleRemove(guildID, userID, roleID))
}

func (p *SessionPlatform) AddReaction(channelID, messageID, emoji string) error {
	return classify(p.session.MessageReactionAdd(channelID, messageID, emoji))
}

func (p *SessionPlatform) ClearReaction(channelID, messageID, emoji string) error {
	return classify(p.session.MessageReactionsRemoveEmoji(channelID, messageID, emoji))
}

func IsPermissionDenied(err error) bool { return errors.Is(err, ErrPermissionDenied) }

func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// classify maps Discord REST failures onto ErrPermissionDenied and ErrNotFound.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var restErr *discordgo.RESTError
	if !errors.As(err, &restErr) {
		return err
	}
	if restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeMissingPermissions, discordgo.ErrCodeMissingAccess, discordgo.ErrCodeCannotSendMessagesToThisUser:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case discordgo.ErrCodeUnknownChannel, discordgo.ErrCodeUnknownGuild, discordgo.ErrCodeUnknownRole, discordgo.ErrCodeUnknownMember:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	if restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusForbidden:
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		}
	}
	return err
}
