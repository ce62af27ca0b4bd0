// Package auth manages user accounts and sessions stored in the relational
// database: credential sign-in, token validation and the admin operations
// used by the console.
package auth

import (
	"strings"
	"time"
)

// Role is a user's authorization level.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleUser      Role = "user"
)

// ParseRole normalizes s and reports whether it names a known role.
func ParseRole(s string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(s))); r {
	case RoleAdmin, RoleModerator, RoleUser:
		return r, true
	}
	return "", false
}

// User is a row of the users table.
type User struct {
	ID            string     `gorm:"primaryKey;size:36" json:"id"`
	Email         string     `gorm:"size:320;uniqueIndex;not null" json:"email"`
	Name          string     `gorm:"size:255" json:"name"`
	PasswordHash  string     `json:"-"`
	Role          Role       `gorm:"size:32;index" json:"role"`
	EmailVerified bool       `json:"email_verified"`
	Image         string     `json:"image"`
	Banned        bool       `json:"banned"`
	BanReason     string     `json:"ban_reason"`
	BanExpires    *time.Time `json:"ban_expires,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func (User) TableName() string { return "users" }

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool { return u != nil && u.Role == RoleAdmin }

// banActive reports whether a ban is in force at now.
func (u *User) banActive(now time.Time) bool {
	if u == nil || !u.Banned {
		return false
	}
	return u.BanExpires == nil || now.Before(*u.BanExpires)
}

// Session is a row of the sessions table.
type Session struct {
	ID        string    `gorm:"primaryKey;size:36" json:"id"`
	UserID    string    `gorm:"size:36;index;not null" json:"user_id"`
	TokenHash string    `gorm:"size:128;not null" json:"-"`
	ExpiresAt time.Time `gorm:"index" json:"expires_at"`
	IPAddress string    `gorm:"size:64" json:"ip_address"`
	UserAgent string    `json:"user_agent"`
	CreatedAt time.Time `json:"created_at"`
}

func (Session) TableName() string { return "sessions" }

// SignInMeta carries request details recorded on new sessions.
type SignInMeta struct {
	IPAddress string
	UserAgent string
}

// ListUsersQuery filters and pages the user list.
type ListUsersQuery struct {
	Search        string `form:"search"`
	SearchField   string `form:"search_field"`
	Role          string `form:"role"`
	Banned        *bool  `form:"banned"`
	Limit         int    `form:"limit"`
	Offset        int    `form:"offset"`
	SortBy        string `form:"sort_by"`
	SortDirection string `form:"sort_direction"`
}

const (
	DefaultListLimit = 25
	MaxListLimit     = 100
)

var sortColumns = map[string]string{
	"created_at": "created_at",
	"email":      "email",
	"name":       "name",
	"role":       "role",
}

// normalize clamps paging and whitelists sort and search fields.
func (q ListUsersQuery) normalize() ListUsersQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultListLimit
	}
	if q.Limit > MaxListLimit {
		q.Limit = MaxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	if _, ok := sortColumns[q.SortBy]; !ok {
		q.SortBy = "created_at"
	}
	q.SortDirection = strings.ToLower(strings.TrimSpace(q.SortDirection))
	if q.SortDirection != "asc" {
		q.SortDirection = "desc"
	}
	if q.SearchField != "name" {
		q.SearchField = "email"
	}
	q.Search = strings.TrimSpace(q.Search)
	return q
}

// ListUsersResult is a page of users.
type ListUsersResult struct {
	Users  []User `json:"users"`
	Total  int64  `json:"total"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

// Counts summarizes the user table for the overview.
type Counts struct {
	Total          int64 `json:"total"`
	Admins         int64 `json:"admins"`
	Moderators     int64 `json:"moderators"`
	Banned         int64 `json:"banned"`
	ActiveSessions int64 `json:"active_sessions"`
}
