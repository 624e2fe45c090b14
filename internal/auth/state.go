package auth

import (
	"slices"
	"time"

	"tessera.org/internal/fault"
)

// State is the position of a login in the role negotiation.
type State int

const (
	StateUnauthenticated State = iota
	StateAwaitingRoleChoice
	StateActive
)

func (s State) String() string {
	switch s {
	case StateAwaitingRoleChoice:
		return "choose_role"
	case StateActive:
		return "active"
	default:
		return "unauthenticated"
	}
}

// Outcome is the result of a successful login: either *RoleChallenge or
// *ActiveSession.
type Outcome interface {
	State() State
	outcome()
}

// RoleChallenge asks the user to pick one of the offered roles. It carries no
// access or refresh credentials.
type RoleChallenge struct {
	UserID           string       `json:"user_id"`
	PreAuthToken     string       `json:"pre_auth_token"`
	PreAuthExpiresAt time.Time    `json:"pre_auth_expires_at"`
	Roles            []RoleOption `json:"roles"`
}

func (*RoleChallenge) State() State { return StateAwaitingRoleChoice }
func (*RoleChallenge) outcome()     {}

// ActiveSession is a completed login under one role.
type ActiveSession struct {
	UserID       string    `json:"user_id"`
	ActiveRoleID string    `json:"active_role_id"`
	AutoSelected bool      `json:"auto_selected"`
	Tokens       TokenPair `json:"tokens"`
}

func (*ActiveSession) State() State { return StateActive }
func (*ActiveSession) outcome()     {}

// loginDecision is what credential verification leads to.
type loginDecision struct {
	next   State
	roleID string
	auto   bool
	offer  []Membership
}

// decideLogin picks the transition out of the authenticated state from the
// user's active memberships and preference.
func decideLogin(active []Membership, pref Preference) (loginDecision, error) {
	switch len(active) {
	case 0:
		return loginDecision{}, fault.Authorization(fault.ReasonNoActiveRoles)
	case 1:
		return loginDecision{next: StateActive, roleID: active[0].RoleID}, nil
	}
	if pref.AutoLogin && pref.DefaultRoleID != "" && holdsActive(active, pref.DefaultRoleID) {
		return loginDecision{next: StateActive, roleID: pref.DefaultRoleID, auto: true}, nil
	}
	return loginDecision{next: StateAwaitingRoleChoice, offer: orderOffer(active, pref)}, nil
}

func activeOnly(ms []Membership) []Membership {
	out := make([]Membership, 0, len(ms))
	seen := make(map[string]struct{}, len(ms))
	for _, m := range ms {
		if !m.Active {
			continue
		}
		if _, dup := seen[m.RoleID]; dup {
			continue
		}
		seen[m.RoleID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func holdsActive(active []Membership, roleID string) bool {
	for _, m := range active {
		if m.RoleID == roleID {
			return true
		}
	}
	return false
}

// orderOffer lists recently used roles first, then the rest in store order.
func orderOffer(active []Membership, pref Preference) []Membership {
	out := slices.Clone(active)
	rank := func(roleID string) int {
		if i := slices.Index(pref.RecentRoleIDs, roleID); i >= 0 {
			return i
		}
		return len(pref.RecentRoleIDs)
	}
	slices.SortStableFunc(out, func(a, b Membership) int {
		return rank(a.RoleID) - rank(b.RoleID)
	})
	return out
}

func roleOptions(offer []Membership, pref Preference) []RoleOption {
	opts := make([]RoleOption, len(offer))
	for i, m := range offer {
		opts[i] = RoleOption{
			ID:          m.RoleID,
			Name:        m.RoleName,
			Description: m.Description,
			Default:     m.RoleID == pref.DefaultRoleID,
			RecentRank:  slices.Index(pref.RecentRoleIDs, m.RoleID) + 1,
		}
	}
	return opts
}

const recentRolesLimit = 5

// PushRecent moves roleID to the front of the usage list, deduplicated and
// capped at five entries.
func PushRecent(recent []string, roleID string) []string {
	out := make([]string, 0, recentRolesLimit)
	out = append(out, roleID)
	for _, id := range recent {
		if len(out) == recentRolesLimit {
			break
		}
		if id == "" || slices.Contains(out, id) {
			continue
		}
		out = append(out, id)
	}
	return out
}
