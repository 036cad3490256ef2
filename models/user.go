package models

import (
	"fmt"
	"time"
)

// Category is a user's relationship with the club.
type Category int

const (
	CategoryProspective Category = iota
	CategoryVerified
	CategoryFriend
	CategoryAlumni
	CategoryStudent
)

func (c Category) String() string {
	switch c {
	case CategoryProspective:
		return "prospective"
	case CategoryVerified:
		return "verified"
	case CategoryFriend:
		return "friend"
	case CategoryAlumni:
		return "alumni"
	case CategoryStudent:
		return "student"
	}
	return fmt.Sprintf("Category(%d)", int(c))
}

// User is a person the bot knows about in any guild.
type User struct {
	UserID         string `gorm:"primaryKey;size:20"`
	Category       Category
	YearsRemaining int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UserMembership records a user's category within one guild.
type UserMembership struct {
	UserID         string `gorm:"primaryKey;size:20"`
	GuildID        string `gorm:"primaryKey;size:20;index"`
	Category       Category
	YearsRemaining int

	Guild GuildConfig `gorm:"foreignKey:GuildID;references:GuildID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the gorm default.
func (UserMembership) TableName() string {
	return "user_guild_membership"
}
