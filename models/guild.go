package models

import (
	"fmt"
	"time"
)

// GuildConfig is the stored configuration of a guild the bot manages.
type GuildConfig struct {
	GuildID             string  `gorm:"primaryKey;size:20"`
	ManagementChannelID *string `gorm:"size:20"`
	ManagementRoleID    *string `gorm:"size:20"`
	VerifyChannelID     *string `gorm:"size:20"`
	SetupRequired       bool    `gorm:"not null"`

	VerifiedRoleID    *string `gorm:"size:20"`
	StudentRoleID     *string `gorm:"size:20"`
	AlumniRoleID      *string `gorm:"size:20"`
	FriendRoleID      *string `gorm:"size:20"`
	ProspectiveRoleID *string `gorm:"size:20"`
	AdminRoleID       *string `gorm:"size:20"`

	YearRolloverAt    *time.Time
	YearRolloverFired bool `gorm:"not null"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the gorm default.
func (GuildConfig) TableName() string {
	return "guilds"
}

// State derives the lifecycle state of a stored guild.
func (g *GuildConfig) State() GuildState {
	if g.SetupRequired {
		return GuildSetupPending
	}
	return GuildActive
}

// RoleID returns the stored role id for the given functional role, or "".
func (g *GuildConfig) RoleID(kind RoleKind) string {
	if p := g.rolePtr(kind); p != nil && *p != nil {
		return **p
	}
	return ""
}

func (g *GuildConfig) rolePtr(kind RoleKind) **string {
	switch kind {
	case RoleVerified:
		return &g.VerifiedRoleID
	case RoleStudent:
		return &g.StudentRoleID
	case RoleAlumni:
		return &g.AlumniRoleID
	case RoleFriend:
		return &g.FriendRoleID
	case RoleProspective:
		return &g.ProspectiveRoleID
	case RoleAdmin:
		return &g.AdminRoleID
	}
	return nil
}

// GuildState is a guild's position in the onboarding lifecycle.
type GuildState int

const (
	GuildUnconfigured GuildState = iota
	GuildSetupPending
	GuildActive
	GuildRemoved
)

func (s GuildState) String() string {
	switch s {
	case GuildUnconfigured:
		return "unconfigured"
	case GuildSetupPending:
		return "setup-pending"
	case GuildActive:
		return "active"
	case GuildRemoved:
		return "removed"
	}
	return fmt.Sprintf("GuildState(%d)", int(s))
}

var guildTransitions = map[GuildState][]GuildState{
	GuildUnconfigured: {GuildSetupPending},
	GuildSetupPending: {GuildActive, GuildRemoved},
	GuildActive:       {GuildSetupPending, GuildRemoved},
}

// CanTransition reports whether a guild may move from one state to another.
// Removed is terminal and Unconfigured can only move to SetupPending.
func CanTransition(from, to GuildState) bool {
	for _, next := range guildTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition returns an error if the move from -> to is not allowed.
func Transition(from, to GuildState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("invalid guild state transition %v -> %v", from, to)
	}
	return nil
}

// ChannelKind enumerates the channels the bot creates and owns.
type ChannelKind int

const (
	ChannelManagement ChannelKind = iota
	ChannelVerify
)

// DefaultName is the channel name used when the bot creates the channel.
func (k ChannelKind) DefaultName() string {
	switch k {
	case ChannelManagement:
		return "engineer"
	case ChannelVerify:
		return "verify"
	}
	panic(fmt.Sprintf("unknown channel kind %d", int(k)))
}

// Restricted reports whether the channel is hidden from @everyone.
func (k ChannelKind) Restricted() bool {
	switch k {
	case ChannelManagement:
		return true
	case ChannelVerify:
		return false
	}
	panic(fmt.Sprintf("unknown channel kind %d", int(k)))
}

// RoleKind enumerates the functional roles a guild is configured with.
type RoleKind int

const (
	RoleVerified RoleKind = iota
	RoleStudent
	RoleAlumni
	RoleFriend
	RoleProspective
	RoleAdmin
)

// RoleKinds lists every functional role in setup order.
var RoleKinds = []RoleKind{
	RoleAdmin,
	RoleStudent,
	RoleAlumni,
	RoleFriend,
	RoleProspective,
	RoleVerified,
}

// DefaultName is the role name looked up or created during setup.
func (k RoleKind) DefaultName() string {
	switch k {
	case RoleVerified:
		return "Verified"
	case RoleStudent:
		return "Student"
	case RoleAlumni:
		return "Alumni"
	case RoleFriend:
		return "Friend"
	case RoleProspective:
		return "Prospective"
	case RoleAdmin:
		return "Co-President"
	}
	panic(fmt.Sprintf("unknown role kind %d", int(k)))
}

// Column is the guilds column that stores this role's id.
func (k RoleKind) Column() string {
	switch k {
	case RoleVerified:
		return "verified_role_id"
	case RoleStudent:
		return "student_role_id"
	case RoleAlumni:
		return "alumni_role_id"
	case RoleFriend:
		return "friend_role_id"
	case RoleProspective:
		return "prospective_role_id"
	case RoleAdmin:
		return "admin_role_id"
	}
	panic(fmt.Sprintf("unknown role kind %d", int(k)))
}

// Category is the membership category a functional role grants, if any.
func (k RoleKind) Category() (Category, bool) {
	switch k {
	case RoleVerified:
		return CategoryVerified, true
	case RoleStudent:
		return CategoryStudent, true
	case RoleAlumni:
		return CategoryAlumni, true
	case RoleFriend:
		return CategoryFriend, true
	case RoleProspective:
		return CategoryProspective, true
	case RoleAdmin:
		return 0, false
	}
	panic(fmt.Sprintf("unknown role kind %d", int(k)))
}
