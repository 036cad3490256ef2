package bot

import (
	"github.com/bwmarrin/discordgo"

	"engineer/discordutils"
	"engineer/models"
)

// defaultStudentYears is assigned to students first recorded by a backfill.
const defaultStudentYears = 4

// functionalRoles maps each configured functional role kind to its role id.
type functionalRoles map[models.RoleKind]string

func rolesFromConfig(cfg *models.GuildConfig) functionalRoles {
	roles := make(functionalRoles)
	for _, kind := range models.RoleKinds {
		if id := cfg.RoleID(kind); id != "" {
			roles[kind] = id
		}
	}
	return roles
}

// categorize returns the highest category granted by the member's functional
// roles. Student outranks Alumni, then Friend, Verified and Prospective.
func categorize(member *discordgo.Member, roles functionalRoles) (models.Category, bool) {
	var (
		best  models.Category
		found bool
	)
	for kind, roleID := range roles {
		category, ok := kind.Category()
		if !ok || !discordutils.MemberHasRole(member, roleID) {
			continue
		}
		if !found || category > best {
			best, found = category, true
		}
	}
	return best, found
}

// buildMemberships derives a membership row for every human member holding a
// functional role. Existing rows keep their years remaining.
func buildMemberships(
	guild *discordgo.Guild,
	roles functionalRoles,
	existing map[string]models.UserMembership,
) (memberships []models.UserMembership, uncategorized []*discordgo.Member) {
	for _, member := range guild.Members {
		if member.User == nil || member.User.Bot {
			continue
		}
		category, ok := categorize(member, roles)
		if !ok {
			uncategorized = append(uncategorized, member)
			continue
		}

		m := models.UserMembership{UserID: member.User.ID, GuildID: guild.ID, Category: category}
		if prev, ok := existing[member.User.ID]; ok && prev.Category == category {
			m.YearsRemaining = prev.YearsRemaining
		} else if category == models.CategoryStudent {
			m.YearsRemaining = defaultStudentYears
		}
		memberships = append(memberships, m)
	}
	return memberships, uncategorized
}

// promotionPlan is the outcome of one yearly promotion for a guild.
type promotionPlan struct {
	advance      []models.UserMembership // students with one year fewer remaining
	graduate     []models.UserMembership // students that became alumni
	ensureAlumni []string                // alumni that should hold the alumni role
	remove       []string                // members no longer in the guild
}

// planPromotion advances every student a year. Students on their last year
// graduate to alumni. Memberships of users who left the guild are dropped.
func planPromotion(memberships []models.UserMembership, guild *discordgo.Guild) promotionPlan {
	var plan promotionPlan
	for _, m := range memberships {
		if discordutils.FindMember(guild, m.UserID) == nil {
			plan.remove = append(plan.remove, m.UserID)
			continue
		}
		switch {
		case m.Category == models.CategoryStudent && m.YearsRemaining > 1:
			m.YearsRemaining--
			plan.advance = append(plan.advance, m)
		case m.Category == models.CategoryStudent:
			m.Category = models.CategoryAlumni
			m.YearsRemaining = 0
			plan.graduate = append(plan.graduate, m)
		case m.Category == models.CategoryAlumni:
			plan.ensureAlumni = append(plan.ensureAlumni, m.UserID)
		}
	}
	return plan
}
