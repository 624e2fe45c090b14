package auth

import (
	"testing"

	"github.com/stretchr/testify/require"

	"tessera.org/internal/fault"
)

func member(roleID string, active bool) Membership {
	return Membership{RoleID: roleID, RoleName: roleID, Active: active}
}

func TestDecideLogin(t *testing.T) {
	buyer, agent := member("buyer", true), member("agent", true)

	_, err := decideLogin(nil, Preference{})
	require.ErrorIs(t, err, fault.ErrAuthorization)
	require.Equal(t, fault.ReasonNoActiveRoles, fault.ReasonOf(err))

	d, err := decideLogin([]Membership{buyer}, Preference{})
	require.NoError(t, err)
	require.Equal(t, StateActive, d.next)
	require.Equal(t, "buyer", d.roleID)
	require.False(t, d.auto)

	d, err = decideLogin([]Membership{buyer, agent}, Preference{})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingRoleChoice, d.next)
	require.Len(t, d.offer, 2)

	d, err = decideLogin([]Membership{buyer, agent}, Preference{AutoLogin: true, DefaultRoleID: "agent"})
	require.NoError(t, err)
	require.Equal(t, StateActive, d.next)
	require.Equal(t, "agent", d.roleID)
	require.True(t, d.auto)

	d, err = decideLogin([]Membership{buyer, agent}, Preference{AutoLogin: false, DefaultRoleID: "agent"})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingRoleChoice, d.next, "default without auto-login still asks")

	d, err = decideLogin([]Membership{buyer, agent}, Preference{AutoLogin: true, DefaultRoleID: "admin"})
	require.NoError(t, err)
	require.Equal(t, StateAwaitingRoleChoice, d.next, "default no longer held")
}

func TestActiveOnly(t *testing.T) {
	got := activeOnly([]Membership{member("buyer", true), member("agent", false), member("buyer", true)})
	require.Len(t, got, 1)
	require.Equal(t, "buyer", got[0].RoleID)
}

func TestOrderOfferPutsRecentFirst(t *testing.T) {
	offer := orderOffer(
		[]Membership{member("a", true), member("b", true), member("c", true)},
		Preference{RecentRoleIDs: []string{"c", "b"}, DefaultRoleID: "b"},
	)
	require.Equal(t, []string{"c", "b", "a"}, []string{offer[0].RoleID, offer[1].RoleID, offer[2].RoleID})

	opts := roleOptions(offer, Preference{RecentRoleIDs: []string{"c", "b"}, DefaultRoleID: "b"})
	require.Equal(t, 1, opts[0].RecentRank)
	require.True(t, opts[1].Default)
	require.Equal(t, 0, opts[2].RecentRank)
}

func TestPushRecent(t *testing.T) {
	require.Equal(t, []string{"a"}, PushRecent(nil, "a"))
	require.Equal(t, []string{"b", "a"}, PushRecent([]string{"a"}, "b"))
	require.Equal(t, []string{"a", "b"}, PushRecent([]string{"b", "a"}, "a"))
	require.Equal(t,
		[]string{"f", "a", "b", "c", "d"},
		PushRecent([]string{"a", "b", "c", "d", "e"}, "f"),
	)
	require.Equal(t, []string{"c", "a", "b"}, PushRecent([]string{"a", "a", "b", "c"}, "c"))
}

func TestStateString(t *testing.T) {
	require.Equal(t, "unauthenticated", StateUnauthenticated.String())
	require.Equal(t, "choose_role", StateAwaitingRoleChoice.String())
	require.Equal(t, "active", StateActive.String())
	require.Equal(t, StateAwaitingRoleChoice, (&RoleChallenge{}).State())
	require.Equal(t, StateActive, (&ActiveSession{}).State())
}
