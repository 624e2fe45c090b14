package auth

import "context"

// Store describes persistence operations required by the session negotiator.
type Store interface {
	Users(ctx context.Context) UserStore
	Roles(ctx context.Context) RoleStore
	Sessions(ctx context.Context) SessionStore
}

// UserStore looks up accounts.
type UserStore interface {
	Find(ctx context.Context, id string) (*User, error)
	FindByUsername(ctx context.Context, tenantID, username string) (*User, error)
}

// RoleStore reads role memberships, active or not.
type RoleStore interface {
	Memberships(ctx context.Context, userID string) ([]Membership, error)
}

// SessionStore keeps role preferences and the live refresh chain.
// Commit must apply the whole update atomically; an absent record reads as
// the zero value, not ErrNotFound.
type SessionStore interface {
	Preference(ctx context.Context, userID string) (Preference, error)
	Session(ctx context.Context, userID string) (SessionRecord, error)
	Commit(ctx context.Context, userID string, upd SessionUpdate) (SessionRecord, error)
}
