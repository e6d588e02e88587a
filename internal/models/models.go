package models

import (
	"time"
)

type Role string

const (
	RoleUser       Role = "user"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "super_admin"
)

// Privileged reports whether the role may moderate and manage invite codes.
func (r Role) Privileged() bool {
	return r == RoleAdmin || r == RoleSuperAdmin
}

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAdmin, RoleSuperAdmin:
		return true
	}
	return false
}

// AvatarPalette is the fixed set of avatar colors handed out at registration.
var AvatarPalette = []string{"#3498db", "#2ecc71", "#e74c3c", "#f39c12", "#9b59b6", "#1abc9c"}

type User struct {
	ID             uint       `gorm:"primaryKey" json:"id"`
	Nickname       string     `gorm:"size:100;uniqueIndex;not null" json:"nickname"`
	ExternalHandle string     `gorm:"size:100;not null" json:"external_handle"`
	Role           Role       `gorm:"size:20;not null" json:"role"`
	AvatarColor    string     `gorm:"size:16;not null" json:"avatar_color"`
	CreatedAt      time.Time  `json:"created_at"`
	IsBanned       bool       `gorm:"not null;default:false" json:"is_banned"`
	MutedUntil     *time.Time `json:"muted_until,omitempty"`
}

func (User) TableName() string { return "users" }

// MutedAt reports whether the user is still muted at now.
func (u *User) MutedAt(now time.Time) bool {
	return u.MutedUntil != nil && u.MutedUntil.After(now)
}

type InviteCode struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	Code      string     `gorm:"size:64;uniqueIndex;not null" json:"code"`
	CreatedBy *uint      `gorm:"index" json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UsedBy    *uint      `gorm:"index" json:"used_by"`
	UsedAt    *time.Time `json:"used_at"`
	IsActive  bool       `gorm:"not null;default:true" json:"is_active"`
}

func (InviteCode) TableName() string { return "invite_codes" }

// Redeemable is true while the code is active and nobody consumed it.
func (c *InviteCode) Redeemable() bool {
	return c.IsActive && c.UsedBy == nil
}

type Message struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	UserID    uint      `gorm:"index;not null" json:"user_id"`
	Text      string    `gorm:"type:text;not null" json:"text"`
	Timestamp time.Time `gorm:"column:timestamp;index;not null" json:"timestamp"`
}

func (Message) TableName() string { return "messages" }
