package auth

import "time"

const (
	UserStatusActive   = "active"
	UserStatusDisabled = "disabled"
)

// User is an account able to present credentials within a tenant.
type User struct {
	ID           string
	TenantID     string
	Username     string
	PasswordHash string
	Status       string
	Settings     map[string]any
	CreatedAt    time.Time
}

// Role is shared by every holder; it never belongs to a single user.
type Role struct {
	ID          string
	Name        string
	Description string
}

// Membership binds a user to a role. A stored NULL active flag is read as
// active; only an explicit false disables the membership.
type Membership struct {
	UserID      string
	RoleID      string
	RoleName    string
	Description string
	Active      bool
	AssignedAt  time.Time
}

// Preference holds the user's role bookkeeping.
type Preference struct {
	UserID        string
	AutoLogin     bool
	DefaultRoleID string
	RecentRoleIDs []string
	UpdatedAt     time.Time
}

// SessionRecord tracks the single live refresh token of a user. Generation
// increases on every rotation or revocation.
type SessionRecord struct {
	UserID     string
	RefreshID  string
	Generation int64
	UpdatedAt  time.Time
}

// DefaultRole replaces the default-role preference.
type DefaultRole struct {
	RoleID    string
	AutoLogin bool
}

// SessionUpdate is applied atomically by SessionStore.Commit.
type SessionUpdate struct {
	// Rotate bumps the generation and stores RefreshID as the live token id.
	// An empty RefreshID revokes the chain.
	Rotate    bool
	RefreshID string
	// UseRole moves the role to the front of the usage list. Adapters apply
	// it with PushRecent under the same lock as the rest of the update.
	UseRole string
	// Default replaces the default-role preference when non-nil.
	Default *DefaultRole
}

// TokenPair is handed to the client once a session is active.
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// RoleOption is one entry of the role-choice list.
type RoleOption struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Default     bool   `json:"default"`
	RecentRank  int    `json:"recent_rank,omitempty"`
}
