package ability

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"tessera.org/internal/condition"
	"tessera.org/internal/fault"
	"tessera.org/internal/ids"
)

// Manager handles administrative rule writes.
type Manager struct {
	writer   RuleWriter
	members  MembershipChecker
	validate *validator.Validate
	now      func() time.Time
}

type ManagerOption func(*Manager)

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func NewManager(writer RuleWriter, members MembershipChecker, opts ...ManagerOption) (*Manager, error) {
	if writer == nil {
		return nil, errors.New("ability: rule writer is required")
	}
	if members == nil {
		return nil, errors.New("ability: membership checker is required")
	}
	m := &Manager{
		writer:   writer,
		members:  members,
		validate: validator.New(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// GrantRoleAbility stores a rule for every holder of a role.
func (m *Manager) GrantRoleAbility(ctx context.Context, a Ability) (Ability, error) {
	a.RoleID = strings.TrimSpace(a.RoleID)
	a.Subject = strings.TrimSpace(a.Subject)
	a.Action = Action(strings.ToLower(strings.TrimSpace(string(a.Action))))
	if err := m.check(a, a.Conditions); err != nil {
		return Ability{}, err
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	a.CreatedAt = m.now().UTC()
	return m.writer.CreateAbility(ctx, a)
}

// GrantUserAbility stores an individual override. A role context must name a
// role the user holds.
func (m *Manager) GrantUserAbility(ctx context.Context, u UserAbility) (UserAbility, error) {
	u.UserID = strings.TrimSpace(u.UserID)
	u.TenantID = strings.TrimSpace(u.TenantID)
	u.RoleContextID = strings.TrimSpace(u.RoleContextID)
	u.Subject = strings.TrimSpace(u.Subject)
	u.Reason = strings.TrimSpace(u.Reason)
	u.Action = Action(strings.ToLower(strings.TrimSpace(string(u.Action))))
	if err := m.check(u, u.Conditions); err != nil {
		return UserAbility{}, err
	}
	if u.RoleContextID != "" {
		held, err := m.members.HoldsRole(ctx, u.UserID, u.RoleContextID)
		if err != nil {
			return UserAbility{}, fmt.Errorf("check role context: %w", err)
		}
		if !held {
			return UserAbility{}, fault.Conflict(fault.ReasonRoleContextNotHeld,
				"user %s does not hold role %s", u.UserID, u.RoleContextID)
		}
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	u.CreatedAt = m.now().UTC()
	return m.writer.CreateUserAbility(ctx, u)
}

func (m *Manager) check(v any, conds condition.Conditions) error {
	if err := m.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return fault.Validation(fault.ReasonInvalidRule, "%s failed %s", strings.ToLower(fe.Field()), fe.Tag())
		}
		return fault.Validation(fault.ReasonInvalidRule, "%v", err)
	}
	if err := condition.Validate(conds); err != nil {
		return fault.Validation(fault.ReasonInvalidRule, "conditions").Wrap(err)
	}
	return nil
}
