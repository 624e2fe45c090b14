package token

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"tessera.org/internal/fault"
)

const (
	accessSecret  = "access-secret-0123456789abcdefghijkl"
	preAuthSecret = "preauth-secret-0123456789abcdefghijk"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newIssuer(t *testing.T, opts ...Option) (*Issuer, *clock) {
	t.Helper()
	c := &clock{t: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	iss, err := NewIssuer(accessSecret, preAuthSecret, append([]Option{WithClock(c.now)}, opts...)...)
	require.NoError(t, err)
	return iss, c
}

func requireInvalid(t *testing.T, err error) {
	t.Helper()
	require.ErrorIs(t, err, fault.ErrAuthentication)
	require.Equal(t, fault.ReasonInvalidToken, fault.ReasonOf(err))
}

func TestAccessRoundTrip(t *testing.T) {
	iss, c := newIssuer(t)
	issued, err := iss.IssueAccess("u1", "agent")
	require.NoError(t, err)
	require.Equal(t, c.t.Add(defaultAccessTTL), issued.ExpiresAt)

	claims, err := iss.VerifyAccess(issued.Token)
	require.NoError(t, err)
	require.Equal(t, "u1", claims.Subject)
	require.Equal(t, "agent", claims.ActiveRoleID)
	require.Equal(t, c.t.Unix(), claims.IssuedAt.Unix())
}

func TestRefreshCarriesTokenIDAndGeneration(t *testing.T) {
	iss, _ := newIssuer(t, WithRefreshSecret("refresh-secret-0123456789abcdefghijk"))
	issued, err := iss.IssueRefresh("u1", "buyer", "tok-1", 7)
	require.NoError(t, err)

	claims, err := iss.VerifyRefresh(issued.Token)
	require.NoError(t, err)
	require.Equal(t, "tok-1", claims.TokenID)
	require.Equal(t, int64(7), claims.Generation)
	require.Equal(t, "buyer", claims.ActiveRoleID)

	_, err = iss.VerifyAccess(issued.Token)
	requireInvalid(t, err)
}

func TestPreAuthUsesDistinctKey(t *testing.T) {
	iss, _ := newIssuer(t)
	issued, err := iss.IssuePreAuth("u1", []string{"buyer", "agent"})
	require.NoError(t, err)

	claims, err := iss.VerifyPreAuth(issued.Token)
	require.NoError(t, err)
	require.True(t, claims.Offers("agent"))
	require.False(t, claims.Offers("admin"))

	_, err = iss.VerifyAccess(issued.Token)
	requireInvalid(t, err)

	access, err := iss.IssueAccess("u1", "buyer")
	require.NoError(t, err)
	_, err = iss.VerifyPreAuth(access.Token)
	requireInvalid(t, err)
}

func TestTokenTypeIsEnforcedUnderSharedKey(t *testing.T) {
	iss, _ := newIssuer(t)
	access, err := iss.IssueAccess("u1", "buyer")
	require.NoError(t, err)
	_, err = iss.VerifyRefresh(access.Token)
	requireInvalid(t, err)

	refresh, err := iss.IssueRefresh("u1", "buyer", "tok", 1)
	require.NoError(t, err)
	_, err = iss.VerifyAccess(refresh.Token)
	requireInvalid(t, err)
}

func TestExpiryOrdering(t *testing.T) {
	iss, c := newIssuer(t)
	pre, _ := iss.IssuePreAuth("u1", []string{"buyer", "agent"})
	access, _ := iss.IssueAccess("u1", "buyer")
	refresh, _ := iss.IssueRefresh("u1", "buyer", "tok", 1)
	require.True(t, pre.ExpiresAt.Before(access.ExpiresAt))
	require.True(t, access.ExpiresAt.Before(refresh.ExpiresAt))

	c.advance(defaultPreAuthTTL + time.Second)
	_, err := iss.VerifyPreAuth(pre.Token)
	requireInvalid(t, err)
	_, err = iss.VerifyAccess(access.Token)
	require.NoError(t, err)

	c.advance(defaultAccessTTL)
	_, err = iss.VerifyAccess(access.Token)
	requireInvalid(t, err)
	_, err = iss.VerifyRefresh(refresh.Token)
	require.NoError(t, err)

	c.advance(defaultRefreshTTL)
	_, err = iss.VerifyRefresh(refresh.Token)
	requireInvalid(t, err)
}

func TestVerifyRejectsTamperingAndForeignTokens(t *testing.T) {
	iss, c := newIssuer(t)
	access, _ := iss.IssueAccess("u1", "buyer")

	parts := strings.Split(access.Token, ".")
	require.Len(t, parts, 3)
	tampered := parts[0] + "." + parts[1] + "." + strings.Repeat("A", len(parts[2]))
	_, err := iss.VerifyAccess(tampered)
	requireInvalid(t, err)

	_, err = iss.VerifyAccess("")
	requireInvalid(t, err)
	_, err = iss.VerifyAccess("not-a-jwt")
	requireInvalid(t, err)

	other, err := NewIssuer(accessSecret, preAuthSecret, WithIssuer("someone-else"), WithClock(c.now))
	require.NoError(t, err)
	foreign, _ := other.IssueAccess("u1", "buyer")
	_, err = iss.VerifyAccess(foreign.Token)
	requireInvalid(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, AccessClaims{
		TokenType: TypeAccess,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer: defaultIssuer, Subject: "u1",
			IssuedAt: jwt.NewNumericDate(c.t), ExpiresAt: jwt.NewNumericDate(c.t.Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = iss.VerifyAccess(unsigned)
	requireInvalid(t, err)
}

func TestNewIssuerValidation(t *testing.T) {
	_, err := NewIssuer("short", preAuthSecret)
	require.Error(t, err)

	_, err = NewIssuer(accessSecret, accessSecret)
	require.Error(t, err)

	_, err = NewIssuer(accessSecret, preAuthSecret, WithRefreshSecret(preAuthSecret))
	require.Error(t, err)

	_, err = NewIssuer(accessSecret, preAuthSecret, WithTTLs(time.Hour, 15*time.Minute, 0))
	require.Error(t, err)

	_, err = NewIssuer(accessSecret, preAuthSecret, WithClock(nil))
	require.Error(t, err)
}

func TestIssueRequiresSubject(t *testing.T) {
	iss, _ := newIssuer(t)
	_, err := iss.IssueAccess(" ", "buyer")
	require.Error(t, err)
	require.False(t, errors.Is(err, fault.ErrAuthentication))

	_, err = iss.IssuePreAuth("u1", nil)
	require.Error(t, err)
}
