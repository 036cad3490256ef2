package models

import "time"

// RoleReaction grants RoleID to members who react to a message with Emoji.
// Emoji holds the API form: the unicode character, or name:id for a custom
// emoji.
type RoleReaction struct {
	GuildID   string `gorm:"primaryKey;size:20"`
	MessageID string `gorm:"primaryKey;size:20"`
	Emoji     string `gorm:"primaryKey;size:100"`
	ChannelID string `gorm:"size:20;not null"`
	RoleID    string `gorm:"size:20;not null"`

	Guild GuildConfig `gorm:"foreignKey:GuildID;references:GuildID;constraint:OnDelete:CASCADE"`

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TableName overrides the gorm default.
func (RoleReaction) TableName() string {
	return "role_reactions"
}
