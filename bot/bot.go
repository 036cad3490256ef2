package bot

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"

	"engineer/commands"
	"engineer/dal"
	"engineer/discordutils"
	"engineer/reconcile"
)

type commandHandler = func(*discordgo.InteractionCreate)

// Options configures a Bot.
type Options struct {
	Token   string
	GuildID string // commands are registered globally when empty

	SetupTimeout time.Duration
	WarnWindow   time.Duration
	DMRate       float64

	// Debouncer is shared by the reconciler and the setup flow. Defaults to an
	// in-memory debouncer.
	Debouncer reconcile.Debouncer
}

// Bot represents an instance of the Engineer discord bot.
type Bot struct {
	ctx    context.Context
	cancel context.CancelFunc

	session    *discordgo.Session
	platform   discordutils.Platform
	gateway    *dal.Gateway
	reconciler *reconcile.Reconciler
	sessions   *SessionManager
	debouncer  reconcile.Debouncer
	warnWindow time.Duration

	guildID            string
	registeredCommands []*discordgo.ApplicationCommand
	commandHandlers    map[string]commandHandler

	startupMu      sync.Mutex
	startupPending map[string]struct{}
	startupOnce    sync.Once
}

// newBot wires a bot around a platform without opening any connection.
func newBot(platform discordutils.Platform, gateway *dal.Gateway, opts Options) *Bot {
	if opts.Debouncer == nil {
		opts.Debouncer = reconcile.NewMemoryDebouncer()
	}
	if opts.DMRate <= 0 {
		opts.DMRate = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	bot := &Bot{
		ctx:            ctx,
		cancel:         cancel,
		platform:       platform,
		gateway:        gateway,
		debouncer:      opts.Debouncer,
		warnWindow:     opts.WarnWindow,
		guildID:        opts.GuildID,
		startupPending: make(map[string]struct{}),
	}
	bot.reconciler = reconcile.New(platform, gateway,
		reconcile.WithDebouncer(opts.Debouncer),
		reconcile.WithWarnWindow(opts.WarnWindow),
		reconcile.WithDMRate(opts.DMRate, 5),
	)
	bot.sessions = NewSessionManager(opts.SetupTimeout, bot.onSetupTimeout)

	bot.commandHandlers = map[string]commandHandler{
		commands.Setup:              bot.Setup,
		commands.SetupCancel:        bot.SetupCancel,
		commands.Backfill:           bot.Backfill,
		commands.Year:               bot.Year,
		commands.YearSchedule:       bot.YearSchedule,
		commands.RoleReactionAdd:    bot.RoleReactionAdd,
		commands.RoleReactionRemove: bot.RoleReactionRemove,
	}
	return bot
}

func (bot *Bot) initSession(session *discordgo.Session) {
	session.Identify.Intents = discordgo.IntentsAll

	session.AddHandler(bot.onReady)
	session.AddHandler(bot.onGuildCreate)
	session.AddHandler(bot.onGuildDelete)
	session.AddHandler(bot.onGuildRoleCreate)
	session.AddHandler(bot.onGuildRoleUpdate)
	session.AddHandler(bot.onGuildRoleDelete)
	session.AddHandler(bot.onChannelDelete)
	session.AddHandler(bot.onGuildMemberUpdate)
	session.AddHandler(bot.onGuildMemberRemove)
	session.AddHandler(bot.onMessageReactionAdd)
	session.AddHandler(bot.onMessageReactionRemove)

	session.AddHandler(func(
		s *discordgo.Session,
		i *discordgo.InteractionCreate,
	) {
		if i.Type != discordgo.InteractionApplicationCommand {
			return
		}
		if handler, ok := bot.commandHandlers[i.ApplicationCommandData().Name]; ok {
			handler(i)
		}
	})

	bot.session = session
}

func (bot *Bot) registerCommands() error {
	for _, command := range commands.Definitions {
		newCommand, err := bot.session.ApplicationCommandCreate(
			bot.session.State.User.ID,
			bot.guildID,
			command,
		)
		if err != nil {
			return fmt.Errorf("create %v command: %w", command.Name, err)
		}
		bot.registeredCommands = append(bot.registeredCommands, newCommand)
		log.Info().Str("command", command.Name).Msg("Created command")
	}
	return nil
}

// New connects a new Engineer bot to Discord and registers its commands.
func New(opts Options, gateway *dal.Gateway) (*Bot, error) {
	session, err := discordgo.New("Bot " + opts.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	bot := newBot(discordutils.NewSessionPlatform(session), gateway, opts)
	bot.initSession(session)

	if err := bot.session.Open(); err != nil {
		return nil, fmt.Errorf("open session: %w", err)
	}
	if err := bot.registerCommands(); err != nil {
		_ = bot.session.Close()
		return nil, err
	}
	return bot, nil
}

// Shutdown shuts down the bot cleanly.
func (bot *Bot) Shutdown() {
	log.Info().Msg("Shutting down")

	bot.sessions.Stop()
	bot.cancel()

	for _, command := range bot.registeredCommands {
		err := bot.session.ApplicationCommandDelete(
			bot.session.State.User.ID,
			bot.guildID,
			command.ID,
		)
		if err != nil {
			log.Warn().Err(err).Str("command", command.Name).Msg("Failed to delete command")
		} else {
			log.Info().Str("command", command.Name).Msg("Deleted command")
		}
	}

	if err := bot.session.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close session")
	}
}

