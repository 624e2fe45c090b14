package memory

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
	"tessera.org/internal/fault"
)

func TestUsersAreUniquePerTenant(t *testing.T) {
	s := New()
	ctx := context.Background()

	u, err := s.AddUser(auth.User{TenantID: "t1", Username: "Marta"})
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)
	require.Equal(t, auth.UserStatusActive, u.Status)

	_, err = s.AddUser(auth.User{TenantID: "t1", Username: "marta"})
	require.ErrorIs(t, err, fault.ErrConflict)

	_, err = s.AddUser(auth.User{TenantID: "t2", Username: "marta"})
	require.NoError(t, err)

	got, err := s.FindByUsername(ctx, "t1", "MARTA")
	require.NoError(t, err)
	require.Equal(t, u.ID, got.ID)

	_, err = s.FindByUsername(ctx, "t3", "marta")
	require.ErrorIs(t, err, auth.ErrNotFound)
	_, err = s.Find(ctx, "missing")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestMemberships(t *testing.T) {
	s := New()
	ctx := context.Background()
	u, err := s.AddUser(auth.User{TenantID: "t1", Username: "luca"})
	require.NoError(t, err)
	s.AddRole(auth.Role{ID: "buyer", Name: "Buyer"})
	s.AddRole(auth.Role{ID: "agent", Name: "RealEstateAgent"})

	require.NoError(t, s.Assign(u.ID, "buyer", true))
	require.NoError(t, s.Assign(u.ID, "agent", true))
	require.NoError(t, s.Assign(u.ID, "agent", false))
	require.ErrorIs(t, s.Assign(u.ID, "admin", true), auth.ErrNotFound)

	ms, err := s.Memberships(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, ms, 2)
	require.Equal(t, "Buyer", ms[0].RoleName)
	require.False(t, ms[1].Active)

	held, err := s.HoldsRole(ctx, u.ID, "agent")
	require.NoError(t, err)
	require.True(t, held, "inactive memberships are still held")

	s.Unassign(u.ID, "agent")
	held, err = s.HoldsRole(ctx, u.ID, "agent")
	require.NoError(t, err)
	require.False(t, held)
}

func TestCommit(t *testing.T) {
	s := New()
	ctx := context.Background()

	rec, err := s.Commit(ctx, "u1", auth.SessionUpdate{
		Rotate:    true,
		RefreshID: "r1",
		UseRole:   "agent",
	})
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Generation)
	require.Equal(t, "r1", rec.RefreshID)

	rec, err = s.Commit(ctx, "u1", auth.SessionUpdate{Default: &auth.DefaultRole{RoleID: "agent", AutoLogin: true}})
	require.NoError(t, err)
	require.Equal(t, int64(1), rec.Generation, "preference-only commits keep the chain")

	p, err := s.Preference(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"agent"}, p.RecentRoleIDs)
	require.Equal(t, "agent", p.DefaultRoleID)
	require.True(t, p.AutoLogin)

	p.RecentRoleIDs[0] = "mutated"
	again, err := s.Preference(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, []string{"agent"}, again.RecentRoleIDs)

	rec, err = s.Commit(ctx, "u1", auth.SessionUpdate{Rotate: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), rec.Generation)
	require.Empty(t, rec.RefreshID)
}

func TestConcurrentRoleUseIsNotLost(t *testing.T) {
	s := New()
	ctx := context.Background()

	const n = 5
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(roleID string) {
			defer wg.Done()
			<-start
			_, _ = s.Commit(ctx, "u1", auth.SessionUpdate{Rotate: true, RefreshID: roleID, UseRole: roleID})
		}(fmt.Sprintf("r%d", i))
	}
	close(start)
	wg.Wait()

	p, err := s.Preference(ctx, "u1")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"r0", "r1", "r2", "r3", "r4"}, p.RecentRoleIDs)

	rec, err := s.Session(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(n), rec.Generation)
}

func TestRuleStorage(t *testing.T) {
	s := New()
	ctx := context.Background()
	u, err := s.AddUser(auth.User{TenantID: "t1", Username: "sara"})
	require.NoError(t, err)
	s.AddRole(auth.Role{ID: "agent"})

	_, err = s.CreateAbility(ctx, ability.Ability{RoleID: "ghost", Action: ability.ActionRead, Subject: "Property"})
	require.ErrorIs(t, err, fault.ErrConflict)

	a, err := s.CreateAbility(ctx, ability.Ability{RoleID: "agent", Action: ability.ActionRead, Subject: "Property"})
	require.NoError(t, err)
	require.NotEmpty(t, a.ID)
	require.False(t, a.CreatedAt.IsZero())

	list, err := s.AbilitiesForRole(ctx, "agent")
	require.NoError(t, err)
	require.Len(t, list, 1)

	now := time.Now()
	past := now.Add(-time.Hour)
	for _, ua := range []ability.UserAbility{
		{UserID: u.ID, TenantID: "t1", Action: ability.ActionRead, Subject: "Lead"},
		{UserID: u.ID, TenantID: "t2", Action: ability.ActionRead, Subject: "Lead"},
		{UserID: u.ID, TenantID: "t1", Action: ability.ActionRead, Subject: "Lead", ExpiresAt: &past},
	} {
		_, err := s.CreateUserAbility(ctx, ua)
		require.NoError(t, err)
	}
	_, err = s.CreateUserAbility(ctx, ability.UserAbility{UserID: "ghost", TenantID: "t1"})
	require.ErrorIs(t, err, fault.ErrConflict)

	got, err := s.UserAbilitiesForUser(ctx, u.ID, "t1", now)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = s.UserAbilitiesForUser(ctx, u.ID, "", now)
	require.NoError(t, err)
	require.Len(t, got, 2)
}
