package reconcile

import "github.com/bwmarrin/discordgo"

// IsRoleAtTop reports whether roleID is the single highest role in the guild.
// @everyone (position 0) is ignored. A tie at the top position is not "at
// top": Discord's ordering of equal-position roles is not something the bot
// can rely on.
func IsRoleAtTop(guild *discordgo.Guild, roleID string) bool {
	top := 0
	var holders []string
	for _, role := range guild.Roles {
		if role.Position <= 0 {
			continue
		}
		switch {
		case role.Position > top:
			top = role.Position
			holders = append(holders[:0], role.ID)
		case role.Position == top:
			holders = append(holders, role.ID)
		}
	}
	return len(holders) == 1 && holders[0] == roleID
}
