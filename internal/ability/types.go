package ability

import (
	"context"
	"time"

	"tessera.org/internal/condition"
)

// Action is the verb a rule grants or forbids.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// SubjectAll matches every subject type.
const SubjectAll = "all"

// roleScopeBonus is added to the priority of a user override bound to a role.
const roleScopeBonus = 10

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete, ActionManage:
		return true
	}
	return false
}

// Ability is a rule owned by a role.
type Ability struct {
	ID         string               `json:"id"`
	RoleID     string               `json:"role_id" validate:"required"`
	Action     Action               `json:"action" validate:"required,oneof=create read update delete manage"`
	Subject    string               `json:"subject" validate:"required"`
	Conditions condition.Conditions `json:"conditions,omitempty"`
	Fields     []string             `json:"fields,omitempty" validate:"omitempty,dive,required"`
	Inverted   bool                 `json:"inverted"`
	Priority   int                  `json:"priority"`
	CreatedAt  time.Time            `json:"created_at"`
}

// UserAbility is an individual override. When RoleContextID is set it only
// applies while that role is the active one.
type UserAbility struct {
	ID            string               `json:"id"`
	UserID        string               `json:"user_id" validate:"required"`
	TenantID      string               `json:"tenant_id" validate:"required"`
	RoleContextID string               `json:"role_context_id,omitempty"`
	Action        Action               `json:"action" validate:"required,oneof=create read update delete manage"`
	Subject       string               `json:"subject" validate:"required"`
	Conditions    condition.Conditions `json:"conditions,omitempty"`
	Fields        []string             `json:"fields,omitempty" validate:"omitempty,dive,required"`
	Inverted      bool                 `json:"inverted"`
	Priority      int                  `json:"priority"`
	Reason        string               `json:"reason,omitempty"`
	ExpiresAt     *time.Time           `json:"expires_at,omitempty"`
	CreatedAt     time.Time            `json:"created_at"`
}

// EffectivePriority ranks role-scoped overrides above global ones.
func (u UserAbility) EffectivePriority() int {
	if u.RoleContextID != "" {
		return u.Priority + roleScopeBonus
	}
	return u.Priority
}

// Expired reports whether the override is inert at t.
func (u UserAbility) Expired(t time.Time) bool {
	return u.ExpiresAt != nil && !u.ExpiresAt.After(t)
}

// Actor is the evaluation-time view of a user.
type Actor struct {
	ID           string         `json:"id"`
	TenantID     string         `json:"tenant_id"`
	RoleIDs      []string       `json:"role_ids"`
	ActiveRoleID string         `json:"active_role_id,omitempty"`
	Settings     map[string]any `json:"settings,omitempty"`
}

// Holds reports whether roleID is among the actor's roles.
func (a Actor) Holds(roleID string) bool {
	for _, id := range a.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

func (a Actor) conditionContext() condition.Context {
	return condition.Context{
		ID:           a.ID,
		TenantID:     a.TenantID,
		RoleIDs:      a.RoleIDs,
		ActiveRoleID: a.ActiveRoleID,
		Settings:     a.Settings,
	}
}

// Record is the attribute view of a resource instance. A nil Record asks a
// type-level question.
type Record = map[string]any

// RuleStore reads durable rules. UserAbilitiesForUser may already drop rows
// expired at the given instant; the evaluator filters again regardless.
type RuleStore interface {
	AbilitiesForRole(ctx context.Context, roleID string) ([]Ability, error)
	UserAbilitiesForUser(ctx context.Context, userID, tenantID string, at time.Time) ([]UserAbility, error)
}

// RuleWriter persists administrative rule changes.
type RuleWriter interface {
	CreateAbility(ctx context.Context, a Ability) (Ability, error)
	CreateUserAbility(ctx context.Context, u UserAbility) (UserAbility, error)
}

// MembershipChecker answers whether a user holds a role, active or not.
type MembershipChecker interface {
	HoldsRole(ctx context.Context, userID, roleID string) (bool, error)
}
