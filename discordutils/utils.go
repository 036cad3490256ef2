package discordutils

import (
	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog/log"
)

// MemberHasAdminPermissions returns true if the given member owns the guild or
// holds a role with the administrator permission.
func MemberHasAdminPermissions(guild *discordgo.Guild, member *discordgo.Member) bool {
	if member.User != nil && member.User.ID == guild.OwnerID {
		return true
	}

	guildRoles := make(map[string]*discordgo.Role)
	for _, role := range guild.Roles {
		guildRoles[role.ID] = role
	}

	for _, roleID := range member.Roles {
		if role, ok := guildRoles[roleID]; ok {
			if RoleAllowsAdminPermissions(role) {
				return true
			}
		}
	}

	return false
}

// RoleAllowsAdminPermissions returns true if the given role allows admin permissions.
func RoleAllowsAdminPermissions(role *discordgo.Role) bool {
	return role.Permissions&discordgo.PermissionAdministrator > 0
}

// AckInteraction sends a deferred response for the given interaction.
func AckInteraction(
	interaction *discordgo.Interaction,
	session *discordgo.Session,
) {
	err := session.InteractionRespond(interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		log.Warn().Err(err).Str("guild", interaction.GuildID).Msg("Failed to acknowledge interaction")
	}
}

// SendFollowup creates a followup message with the given content.
func SendFollowup(
	content string,
	interaction *discordgo.Interaction,
	session *discordgo.Session,
) {
	_, err := session.FollowupMessageCreate(
		interaction,
		true,
		&discordgo.WebhookParams{
			Content: content,
		},
	)
	if err != nil {
		log.Warn().Err(err).Str("guild", interaction.GuildID).Msg("Failed to send followup")
	}
}

// AddRoleToMembers adds the given role to all given members and returns how
// many succeeded.
func AddRoleToMembers(
	guild *discordgo.Guild,
	role *discordgo.Role,
	members []*discordgo.Member,
	platform Platform,
) (added int) {
	for _, member := range members {
		err := platform.AddRole(guild.ID, member.User.ID, role.ID)
		if err != nil {
			log.Error().Err(err).
				Str("guild", guild.ID).
				Str("role", role.Name).
				Str("user", member.User.Username).
				Msg("Failed to add role")
			continue
		}
		added++
		log.Debug().
			Str("guild", guild.ID).
			Str("role", role.Name).
			Str("user", member.User.Username).
			Msg("Added role")
	}
	return added
}

// RemoveRoleFromMembers removes the given role from all given members and
// returns how many succeeded.
func RemoveRoleFromMembers(
	guild *discordgo.Guild,
	role *discordgo.Role,
	members []*discordgo.Member,
	platform Platform,
) (removed int) {
	for _, member := range members {
		err := platform.RemoveRole(guild.ID, member.User.ID, role.ID)
		if err != nil {
			log.Error().Err(err).
				Str("guild", guild.ID).
				Str("role", role.Name).
				Str("user", member.User.Username).
				Msg("Failed to remove role")
			continue
		}
		removed++
		log.Debug().
			Str("guild", guild.ID).
			Str("role", role.Name).
			Str("user", member.User.Username).
			Msg("Removed role")
	}
	return removed
}

// MemberHasRole returns true if the given member has the given role.
func MemberHasRole(member *discordgo.Member, roleID string) bool {
	for _, id := range member.Roles {
		if id == roleID {
			return true
		}
	}
	return false
}

// FindMembersWithRole filters the given list of members to include only those
// with the given role.
func FindMembersWithRole(
	roleID string,
	members []*discordgo.Member,
) (membersWithRole []*discordgo.Member) {
	for _, member := range members {
		if MemberHasRole(member, roleID) {
			membersWithRole = append(membersWithRole, member)
		}
	}
	return
}

// FindRole returns the guild role with the given id, or nil.
func FindRole(guild *discordgo.Guild, roleID string) *discordgo.Role {
	if roleID == "" {
		return nil
	}
	for _, role := range guild.Roles {
		if role.ID == roleID {
			return role
		}
	}
	return nil
}

// FindRoleByName returns every guild role with the given name.
func FindRoleByName(guild *discordgo.Guild, name string) (roles []*discordgo.Role) {
	for _, role := range guild.Roles {
		if role.Name == name {
			roles = append(roles, role)
		}
	}
	return
}

// FindChannel returns the guild channel with the given id, or nil.
func FindChannel(guild *discordgo.Guild, channelID string) *discordgo.Channel {
	if channelID == "" {
		return nil
	}
	for _, channel := range guild.Channels {
		if channel.ID == channelID {
			return channel
		}
	}
	return nil
}

// FindMember returns the guild member with the given user id, or nil.
func FindMember(guild *discordgo.Guild, userID string) *discordgo.Member {
	for _, member := range guild.Members {
		if member.User != nil && member.User.ID == userID {
			return member
		}
	}
	return nil
}

// HighestRole returns the member's role with the highest position, skipping
// @everyone. It returns nil if the member holds no other role.
func HighestRole(guild *discordgo.Guild, member *discordgo.Member) *discordgo.Role {
	var highest *discordgo.Role
	for _, roleID := range member.Roles {
		role := FindRole(guild, roleID)
		if role == nil || role.ID == guild.ID {
			continue
		}
		if highest == nil || role.Position > highest.Position {
			highest = role
		}
	}
	return highest
}

// ManagementOverwrites hides a channel from @everyone and opens it to the
// bot, the guild owner and, if given, the management role.
func ManagementOverwrites(guild *discordgo.Guild, botID, roleID string) []*discordgo.PermissionOverwrite {
	const readWrite = discordgo.PermissionViewChannel | discordgo.PermissionSendMessages

	overwrites := []*discordgo.PermissionOverwrite{
		{ID: guild.ID, Type: discordgo.PermissionOverwriteTypeRole, Deny: discordgo.PermissionViewChannel},
		{ID: botID, Type: discordgo.PermissionOverwriteTypeMember, Allow: readWrite},
	}
	if guild.OwnerID != "" && guild.OwnerID != botID {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID: guild.OwnerID, Type: discordgo.PermissionOverwriteTypeMember, Allow: discordgo.PermissionViewChannel,
		})
	}
	if roleID != "" {
		overwrites = append(overwrites, &discordgo.PermissionOverwrite{
			ID: roleID, Type: discordgo.PermissionOverwriteTypeRole, Allow: readWrite,
		})
	}
	return overwrites
}
