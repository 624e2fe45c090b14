// Package memory is an in-process store for development and tests. It
// satisfies the same contracts as the Postgres adapter.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
	"tessera.org/internal/fault"
	"tessera.org/internal/ids"
)

var (
	_ auth.Store                = (*Store)(nil)
	_ auth.UserStore            = (*Store)(nil)
	_ auth.RoleStore            = (*Store)(nil)
	_ auth.SessionStore         = (*Store)(nil)
	_ ability.RuleStore         = (*Store)(nil)
	_ ability.RuleWriter        = (*Store)(nil)
	_ ability.MembershipChecker = (*Store)(nil)
)

type membership struct {
	roleID     string
	active     bool
	assignedAt time.Time
}

type Store struct {
	mu          sync.RWMutex
	users       map[string]auth.User
	roles       map[string]auth.Role
	memberships map[string][]membership
	abilities   map[string][]ability.Ability
	overrides   []ability.UserAbility
	prefs       map[string]auth.Preference
	sessions    map[string]auth.SessionRecord
	now         func() time.Time
}

func New() *Store {
	return &Store{
		users:       make(map[string]auth.User),
		roles:       make(map[string]auth.Role),
		memberships: make(map[string][]membership),
		abilities:   make(map[string][]ability.Ability),
		prefs:       make(map[string]auth.Preference),
		sessions:    make(map[string]auth.SessionRecord),
		now:         time.Now,
	}
}

func (s *Store) Users(context.Context) auth.UserStore       { return s }
func (s *Store) Roles(context.Context) auth.RoleStore       { return s }
func (s *Store) Sessions(context.Context) auth.SessionStore { return s }

// AddUser registers an account. Username is unique per tenant.
func (s *Store) AddUser(u auth.User) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if u.ID == "" {
		u.ID = ids.NewAt(s.now())
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	for _, existing := range s.users {
		if existing.TenantID == u.TenantID && strings.EqualFold(existing.Username, u.Username) {
			return auth.User{}, fault.Conflict(fault.ReasonDuplicate, "username %s already taken", u.Username)
		}
	}
	u.CreatedAt = s.now().UTC()
	s.users[u.ID] = u
	return u, nil
}

// SetUserStatus changes an account status.
func (s *Store) SetUserStatus(userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[userID]
	if !ok {
		return auth.ErrNotFound
	}
	u.Status = status
	s.users[userID] = u
	return nil
}

func (s *Store) AddRole(r auth.Role) auth.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = ids.NewAt(s.now())
	}
	s.roles[r.ID] = r
	return r
}

// Assign grants roleID to userID, or updates the active flag of an existing
// membership.
func (s *Store) Assign(userID, roleID string, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[userID]; !ok {
		return auth.ErrNotFound
	}
	if _, ok := s.roles[roleID]; !ok {
		return auth.ErrNotFound
	}
	list := s.memberships[userID]
	for i := range list {
		if list[i].roleID == roleID {
			list[i].active = active
			return nil
		}
	}
	s.memberships[userID] = append(list, membership{roleID: roleID, active: active, assignedAt: s.now().UTC()})
	return nil
}

// Unassign removes a membership entirely.
func (s *Store) Unassign(userID, roleID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memberships[userID] = slices.DeleteFunc(s.memberships[userID], func(m membership) bool {
		return m.roleID == roleID
	})
}

func (s *Store) Find(_ context.Context, id string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &u, nil
}

func (s *Store) FindByUsername(_ context.Context, tenantID, username string) (*auth.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.TenantID == tenantID && strings.EqualFold(u.Username, username) {
			return &u, nil
		}
	}
	return nil, auth.ErrNotFound
}

func (s *Store) Memberships(_ context.Context, userID string) ([]auth.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.memberships[userID]
	out := make([]auth.Membership, 0, len(list))
	for _, m := range list {
		r := s.roles[m.roleID]
		out = append(out, auth.Membership{
			UserID:      userID,
			RoleID:      m.roleID,
			RoleName:    r.Name,
			Description: r.Description,
			Active:      m.active,
			AssignedAt:  m.assignedAt,
		})
	}
	return out, nil
}

func (s *Store) HoldsRole(_ context.Context, userID, roleID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, m := range s.memberships[userID] {
		if m.roleID == roleID {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) Preference(_ context.Context, userID string) (auth.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.prefs[userID]
	if !ok {
		return auth.Preference{UserID: userID}, nil
	}
	p.RecentRoleIDs = slices.Clone(p.RecentRoleIDs)
	return p, nil
}

func (s *Store) Session(_ context.Context, userID string) (auth.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[userID]
	if !ok {
		return auth.SessionRecord{UserID: userID}, nil
	}
	return rec, nil
}

func (s *Store) Commit(_ context.Context, userID string, upd auth.SessionUpdate) (auth.SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	if upd.UseRole != "" || upd.Default != nil {
		p, ok := s.prefs[userID]
		if !ok {
			p = auth.Preference{UserID: userID}
		}
		if upd.UseRole != "" {
			p.RecentRoleIDs = auth.PushRecent(p.RecentRoleIDs, upd.UseRole)
		}
		if upd.Default != nil {
			p.DefaultRoleID = upd.Default.RoleID
			p.AutoLogin = upd.Default.AutoLogin
		}
		p.UpdatedAt = now
		s.prefs[userID] = p
	}

	rec, ok := s.sessions[userID]
	if !ok {
		rec = auth.SessionRecord{UserID: userID}
	}
	if upd.Rotate {
		rec.Generation++
		rec.RefreshID = upd.RefreshID
		rec.UpdatedAt = now
		s.sessions[userID] = rec
	}
	return rec, nil
}

func (s *Store) AbilitiesForRole(_ context.Context, roleID string) ([]ability.Ability, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.abilities[roleID]), nil
}

func (s *Store) UserAbilitiesForUser(_ context.Context, userID, tenantID string, at time.Time) ([]ability.UserAbility, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ability.UserAbility
	for _, u := range s.overrides {
		if u.UserID != userID || (tenantID != "" && u.TenantID != tenantID) || u.Expired(at) {
			continue
		}
		out = append(out, u)
	}
	return out, nil
}

func (s *Store) CreateAbility(_ context.Context, a ability.Ability) (ability.Ability, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return ability.Ability{}, fault.Conflict(fault.ReasonInvalidRule, "role %s does not exist", a.RoleID)
	}
	if a.ID == "" {
		a.ID = ids.NewAt(s.now())
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = s.now().UTC()
	}
	s.abilities[a.RoleID] = append(s.abilities[a.RoleID], a)
	return a, nil
}

func (s *Store) CreateUserAbility(_ context.Context, u ability.UserAbility) (ability.UserAbility, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.UserID]; !ok {
		return ability.UserAbility{}, fault.Conflict(fault.ReasonInvalidRule, "user %s does not exist", u.UserID)
	}
	if u.ID == "" {
		u.ID = ids.NewAt(s.now())
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now().UTC()
	}
	s.overrides = append(s.overrides, u)
	return u, nil
}
