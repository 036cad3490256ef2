package bot

import (
	"testing"

	"github.com/bwmarrin/discordgo"

	"engineer/models"
)

var testRoles = functionalRoles{
	models.RoleStudent:     "student",
	models.RoleAlumni:      "alumni",
	models.RoleFriend:      "friend",
	models.RoleVerified:    "verified",
	models.RoleProspective: "prospective",
	models.RoleAdmin:       "admin",
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		name  string
		roles []string
		want  models.Category
		ok    bool
	}{
		{"none", nil, 0, false},
		{"admin only", []string{"admin"}, 0, false},
		{"verified", []string{"verified"}, models.CategoryVerified, true},
		{"student beats alumni", []string{"alumni", "student"}, models.CategoryStudent, true},
		{"alumni beats friend", []string{"friend", "alumni"}, models.CategoryAlumni, true},
		{"friend beats prospective", []string{"prospective", "friend"}, models.CategoryFriend, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := categorize(member("u", tt.roles...), testRoles)
			if ok != tt.ok || got != tt.want {
				t.Fatalf("categorize = %v, %v; want %v, %v", got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestBuildMemberships(t *testing.T) {
	bot := member("bot", "student")
	bot.User.Bot = true
	guild := &discordgo.Guild{
		ID: "g1",
		Members: []*discordgo.Member{
			bot,
			member("new", "student"),
			member("kept", "student"),
			member("switched", "alumni"),
			member("nobody"),
		},
	}
	existing := map[string]models.UserMembership{
		"kept":     {UserID: "kept", Category: models.CategoryStudent, YearsRemaining: 2},
		"switched": {UserID: "switched", Category: models.CategoryStudent, YearsRemaining: 1},
	}

	memberships, uncategorized := buildMemberships(guild, testRoles, existing)

	if len(uncategorized) != 1 || uncategorized[0].User.ID != "nobody" {
		t.Fatalf("uncategorized = %v", uncategorized)
	}
	want := map[string]models.UserMembership{
		"new":      {Category: models.CategoryStudent, YearsRemaining: defaultStudentYears},
		"kept":     {Category: models.CategoryStudent, YearsRemaining: 2},
		"switched": {Category: models.CategoryAlumni},
	}
	if len(memberships) != len(want) {
		t.Fatalf("got %d memberships, want %d", len(memberships), len(want))
	}
	for _, m := range memberships {
		w, ok := want[m.UserID]
		if !ok {
			t.Fatalf("unexpected membership for %s", m.UserID)
		}
		if m.GuildID != "g1" || m.Category != w.Category || m.YearsRemaining != w.YearsRemaining {
			t.Fatalf("membership %s = %+v, want %+v", m.UserID, m, w)
		}
	}
}

func TestPlanPromotion(t *testing.T) {
	guild := &discordgo.Guild{
		ID:      "g1",
		Members: []*discordgo.Member{member("s3"), member("s1"), member("a"), member("f")},
	}
	plan := planPromotion([]models.UserMembership{
		{UserID: "s3", Category: models.CategoryStudent, YearsRemaining: 3},
		{UserID: "s1", Category: models.CategoryStudent, YearsRemaining: 1},
		{UserID: "a", Category: models.CategoryAlumni},
		{UserID: "f", Category: models.CategoryFriend},
		{UserID: "left", Category: models.CategoryStudent, YearsRemaining: 2},
	}, guild)

	if len(plan.advance) != 1 || plan.advance[0].UserID != "s3" || plan.advance[0].YearsRemaining != 2 {
		t.Fatalf("advance = %+v", plan.advance)
	}
	if len(plan.graduate) != 1 || plan.graduate[0].Category != models.CategoryAlumni || plan.graduate[0].YearsRemaining != 0 {
		t.Fatalf("graduate = %+v", plan.graduate)
	}
	if len(plan.ensureAlumni) != 1 || plan.ensureAlumni[0] != "a" {
		t.Fatalf("ensureAlumni = %v", plan.ensureAlumni)
	}
	if len(plan.remove) != 1 || plan.remove[0] != "left" {
		t.Fatalf("remove = %v", plan.remove)
	}
}
