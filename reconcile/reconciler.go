// Package reconcile keeps the guilds the bot manages consistent with the
// configuration stored for them.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"engineer/dal"
	"engineer/discordutils"
	"engineer/metrics"
	"engineer/models"
)

// ErrResourceMissing marks a management channel or role that no longer exists.
var ErrResourceMissing = errors.New("resource missing")

// Store is the persistence the reconciler needs. *dal.Gateway implements it.
type Store interface {
	Guilds(ctx context.Context) ([]models.GuildConfig, error)
	GuildIDs(ctx context.Context) ([]string, error)
	Guild(ctx context.Context, guildID string) (*models.GuildConfig, error)
	UpdateManagementChannel(ctx context.Context, guildID, channelID string) error
	UpdateManagementRole(ctx context.Context, guildID, roleID string) error
	SetSetupRequired(ctx context.Context, guildID string, required bool) error
	SafeTeardown(ctx context.Context, guildID string) bool
}

// Reconciler repairs drift between Discord and the stored guild configs.
type Reconciler struct {
	platform   discordutils.Platform
	store      Store
	debouncer  Debouncer
	dmLimiter  *rate.Limiter
	warnWindow time.Duration

	heldMu sync.Mutex
	held   map[string]int
}

type Option func(*Reconciler)

// WithDebouncer replaces the in-memory debouncer.
func WithDebouncer(d Debouncer) Option {
	return func(r *Reconciler) { r.debouncer = d }
}

// WithDMRate limits admin DMs to perSecond with the given burst.
func WithDMRate(perSecond float64, burst int) Option {
	return func(r *Reconciler) { r.dmLimiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

// WithWarnWindow sets how long role-position warnings are suppressed after one
// is sent for a guild.
func WithWarnWindow(window time.Duration) Option {
	return func(r *Reconciler) { r.warnWindow = window }
}

func New(platform discordutils.Platform, store Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		platform:   platform,
		store:      store,
		debouncer:  NewMemoryDebouncer(),
		dmLimiter:  rate.NewLimiter(rate.Limit(2), 5),
		warnWindow: 10 * time.Minute,
		held:       make(map[string]int),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Hold keeps the reconciler away from a guild until release is called. It is
// used while the bot itself is creating the guild's resources.
func (r *Reconciler) Hold(guildID string) (release func()) {
	r.heldMu.Lock()
	r.held[guildID]++
	r.heldMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.heldMu.Lock()
			defer r.heldMu.Unlock()
			if r.held[guildID]--; r.held[guildID] <= 0 {
				delete(r.held, guildID)
			}
		})
	}
}

// skip reports whether a guild must be left alone this pass: it is held, or
// Discord reports it unavailable.
func (r *Reconciler) skip(guildID string) bool {
	r.heldMu.Lock()
	held := r.held[guildID] > 0
	r.heldMu.Unlock()
	return held || !r.platform.Available(guildID)
}

// ValidateGuildsAgainstDatabase leaves every guild the session reports that
// has no stored configuration.
func (r *Reconciler) ValidateGuildsAgainstDatabase(ctx context.Context) error {
	ids, err := r.store.GuildIDs(ctx)
	if err != nil {
		return fmt.Errorf("load guild ids: %w", err)
	}
	known := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		known[id] = struct{}{}
	}

	for _, guild := range r.platform.Guilds() {
		if _, ok := known[guild.ID]; ok || r.skip(guild.ID) {
			continue
		}
		log.Warn().Str("guild", guild.ID).Str("name", guild.Name).Msg("Leaving guild without stored configuration")
		if err := r.platform.LeaveGuild(guild.ID); err != nil {
			log.Error().Err(err).Str("guild", guild.ID).Msg("Failed to leave guild")
			continue
		}
		metrics.Repairs.WithLabelValues("leave").Inc()
	}
	return nil
}

// ValidateGuildMemberships reconciles every stored guild. A failure in one
// guild is logged and the pass moves on to the next.
func (r *Reconciler) ValidateGuildMemberships(ctx context.Context) error {
	configs, err := r.store.Guilds(ctx)
	if err != nil {
		return fmt.Errorf("load guilds: %w", err)
	}

	pass := uuid.NewString()
	start := time.Now()
	for i := range configs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		logger := log.With().Str("pass", pass).Str("guild", configs[i].GuildID).Logger()
		if err := r.reconcile(ctx, logger, &configs[i]); err != nil {
			logger.Error().Err(err).Msg("Guild reconciliation failed")
		}
	}
	log.Debug().Str("pass", pass).Int("guilds", len(configs)).Dur("took", time.Since(start)).Msg("Reconciliation pass done")
	return nil
}

// ReconcileGuild runs the reconciliation for one stored guild. Guilds without
// a stored configuration are ignored.
func (r *Reconciler) ReconcileGuild(ctx context.Context, guildID string) error {
	cfg, err := r.store.Guild(ctx, guildID)
	if errors.Is(err, dal.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load guild %s: %w", guildID, err)
	}
	return r.reconcile(ctx, log.With().Str("guild", guildID).Logger(), cfg)
}

func (r *Reconciler) reconcile(ctx context.Context, logger zerolog.Logger, cfg *models.GuildConfig) error {
	if r.skip(cfg.GuildID) {
		logger.Debug().Msg("Guild unavailable or busy, skipping")
		return nil
	}
	guild, ok := r.platform.Guild(cfg.GuildID)
	if !ok {
		logger.Info().Msg("Bot is no longer in guild, tearing down")
		if !r.store.SafeTeardown(ctx, cfg.GuildID) {
			return fmt.Errorf("teardown of guild %s failed", cfg.GuildID)
		}
		metrics.Repairs.WithLabelValues("teardown").Inc()
		return nil
	}

	channel := discordutils.FindChannel(guild, deref(cfg.ManagementChannelID))
	role := discordutils.FindRole(guild, deref(cfg.ManagementRoleID))

	if channel != nil && role != nil {
		if cfg.State() == models.GuildActive && !IsRoleAtTop(guild, role.ID) {
			logger.Warn().Str("role", role.ID).Msg("Management role is not the top role")
			r.SendRolePositionWarning(ctx, guild, role.ID, channel.ID)
			return r.store.SetSetupRequired(ctx, cfg.GuildID, true)
		}
		return nil
	}

	var repairErrs []error
	if channel == nil {
		logger.Warn().Err(fmt.Errorf("%w: management channel", ErrResourceMissing)).Msg("Drift detected")
		var roleID string
		if role != nil {
			roleID = role.ID
		}
		var err error
		if channel, err = r.recreateChannel(ctx, guild, roleID); err != nil {
			repairErrs = append(repairErrs, err)
		}
	}
	if role == nil {
		logger.Warn().Err(fmt.Errorf("%w: management role", ErrResourceMissing)).Msg("Drift detected")
		if err := r.replaceRole(ctx, guild, channel); err != nil {
			repairErrs = append(repairErrs, err)
		}
	}

	if err := r.store.SetSetupRequired(ctx, cfg.GuildID, true); err != nil {
		repairErrs = append(repairErrs, err)
	}
	return errors.Join(repairErrs...)
}

func (r *Reconciler) recreateChannel(ctx context.Context, guild *discordgo.Guild, roleID string) (*discordgo.Channel, error) {
	channel, err := r.platform.CreateChannel(guild.ID,
		ChannelCreateData(guild, models.ChannelManagement, r.platform.BotUserID(), roleID))
	if err != nil {
		log.Error().Err(err).Str("guild", guild.ID).Msg("Failed to recreate management channel")
		r.notifyOwner(guild, fmt.Sprintf(channelCreateFailedNotice, guild.Name, channelFailureReason(err)))
		return nil, nil
	}

	if err := r.store.UpdateManagementChannel(ctx, guild.ID, channel.ID); err != nil {
		return channel, fmt.Errorf("store management channel: %w", err)
	}
	metrics.Repairs.WithLabelValues("channel").Inc()

	if err := r.platform.SendMessage(channel.ID, channelRecreatedNotice); err != nil {
		log.Warn().Err(err).Str("guild", guild.ID).Str("channel", channel.ID).Msg("Failed to post recreation notice")
	}
	log.Info().Str("guild", guild.ID).Str("channel", channel.ID).Msg("Recreated management channel")
	return channel, nil
}

func (r *Reconciler) replaceRole(ctx context.Context, guild *discordgo.Guild, channel *discordgo.Channel) error {
	botMember := discordutils.FindMember(guild, r.platform.BotUserID())
	if botMember == nil {
		log.Warn().Str("guild", guild.ID).Msg("Bot member not cached, cannot pick a fallback role")
		return nil
	}
	fallback := discordutils.HighestRole(guild, botMember)
	if fallback == nil {
		log.Warn().Str("guild", guild.ID).Msg("Bot holds no role to fall back to")
		return nil
	}

	if err := r.store.UpdateManagementRole(ctx, guild.ID, fallback.ID); err != nil {
		return fmt.Errorf("store management role: %w", err)
	}
	metrics.Repairs.WithLabelValues("role").Inc()
	log.Info().Str("guild", guild.ID).Str("role", fallback.ID).Msg("Fell back to bot's highest role")

	if channel != nil {
		if err := r.platform.SendMessage(channel.ID, fmt.Sprintf(roleReplacedNotice, fallback.Name)); err != nil {
			log.Warn().Err(err).Str("guild", guild.ID).Msg("Failed to post role notice")
		}
	}
	return nil
}

// CheckRolePosition handles role hierarchy changes. An Active guild whose
// management role dropped from the top is warned (at most once per warn
// window) and moved back to SetupPending.
func (r *Reconciler) CheckRolePosition(ctx context.Context, guildID string) error {
	cfg, err := r.store.Guild(ctx, guildID)
	if errors.Is(err, dal.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load guild %s: %w", guildID, err)
	}
	if cfg.State() != models.GuildActive || r.skip(guildID) {
		return nil
	}

	guild, ok := r.platform.Guild(guildID)
	if !ok {
		return nil
	}
	roleID := deref(cfg.ManagementRoleID)
	if discordutils.FindRole(guild, roleID) == nil {
		return r.ReconcileGuild(ctx, guildID)
	}
	if IsRoleAtTop(guild, roleID) {
		return nil
	}

	if err := models.Transition(cfg.State(), models.GuildSetupPending); err != nil {
		return err
	}
	if r.debouncer.Allow(ctx, "role-position:"+guildID, r.warnWindow) {
		r.SendRolePositionWarning(ctx, guild, roleID, deref(cfg.ManagementChannelID))
	}
	return r.store.SetSetupRequired(ctx, guildID, true)
}

// ChannelCreateData describes one of the bot's channels. Restricted channels
// are visible only to the bot, the owner and the management role.
func ChannelCreateData(guild *discordgo.Guild, kind models.ChannelKind, botID, roleID string) discordgo.GuildChannelCreateData {
	data := discordgo.GuildChannelCreateData{
		Name: kind.DefaultName(),
		Type: discordgo.ChannelTypeGuildText,
	}
	if kind.Restricted() {
		data.PermissionOverwrites = discordutils.ManagementOverwrites(guild, botID, roleID)
	}
	return data
}

func channelFailureReason(err error) string {
	if discordutils.IsPermissionDenied(err) {
		return "I am missing the Manage Channels permission."
	}
	return fmt.Sprintf("Discord returned an error: %v", err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
