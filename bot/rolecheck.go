package bot

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// CheckRoles reconciles every guild with the database and fires any due
// yearly promotions.
func (bot *Bot) CheckRoles(ctx context.Context) {
	if err := bot.reconciler.ValidateGuildsAgainstDatabase(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to validate guilds against the database")
	}
	if err := bot.reconciler.ValidateGuildMemberships(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to validate guild memberships")
	}
	bot.runDueYearRollovers(ctx, time.Now())
}

// RoleChecker runs CheckRoles on each tick of the given ticker.
func RoleChecker(
	bot *Bot,
	ticker *time.Ticker,
	done chan bool,
) {
	for {
		select {
		case <-done:
			log.Info().Msg("Stopped role checker")
			return
		case <-ticker.C:
			bot.CheckRoles(bot.ctx)
		}
	}
}
