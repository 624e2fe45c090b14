// Package token mints and verifies the credentials that carry a session's
// active role: access, refresh and pre-authentication tokens.
package token

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"tessera.org/internal/fault"
)

const (
	defaultIssuer     = "tessera"
	defaultPreAuthTTL = 5 * time.Minute
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 24 * time.Hour * 14
	minSecretLength   = 32
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
	TypePreAuth = "pre_auth"
)

// AccessClaims authorize API calls under an active role.
type AccessClaims struct {
	ActiveRoleID string `json:"active_role_id,omitempty"`
	TokenType    string `json:"token_type"`
	jwt.RegisteredClaims
}

// RefreshClaims identify one link of the user's refresh chain. TokenID and
// Generation must both equal the live session record to be honoured.
type RefreshClaims struct {
	ActiveRoleID string `json:"active_role_id,omitempty"`
	TokenID      string `json:"token_id"`
	Generation   int64  `json:"gen"`
	TokenType    string `json:"token_type"`
	jwt.RegisteredClaims
}

// PreAuthClaims are issued between credential check and role choice.
type PreAuthClaims struct {
	AvailableRoleIDs []string `json:"available_role_ids"`
	TokenType        string   `json:"token_type"`
	jwt.RegisteredClaims
}

// Offers reports whether roleID was part of the offered set.
func (c *PreAuthClaims) Offers(roleID string) bool {
	return slices.Contains(c.AvailableRoleIDs, roleID)
}

// Issued is a signed token with its expiry.
type Issued struct {
	Token     string
	ExpiresAt time.Time
}

// Issuer signs with HS256. The pre-auth key must differ from the session keys.
type Issuer struct {
	accessKey  []byte
	refreshKey []byte
	preAuthKey []byte
	issuer     string
	preAuthTTL time.Duration
	accessTTL  time.Duration
	refreshTTL time.Duration
	now        func() time.Time
}

// Option configures an Issuer.
type Option func(*Issuer) error

func WithIssuer(name string) Option {
	return func(i *Issuer) error {
		if name = strings.TrimSpace(name); name != "" {
			i.issuer = name
		}
		return nil
	}
}

// WithRefreshSecret signs refresh tokens with their own key instead of the access key.
func WithRefreshSecret(secret string) Option {
	return func(i *Issuer) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		if len(secret) < minSecretLength {
			return fmt.Errorf("token: refresh secret must be at least %d bytes", minSecretLength)
		}
		i.refreshKey = []byte(secret)
		return nil
	}
}

// WithTTLs overrides token lifetimes. Zero keeps the default.
func WithTTLs(preAuth, access, refresh time.Duration) Option {
	return func(i *Issuer) error {
		if preAuth > 0 {
			i.preAuthTTL = preAuth
		}
		if access > 0 {
			i.accessTTL = access
		}
		if refresh > 0 {
			i.refreshTTL = refresh
		}
		return nil
	}
}

func WithClock(now func() time.Time) Option {
	return func(i *Issuer) error {
		if now == nil {
			return errors.New("token: clock must not be nil")
		}
		i.now = now
		return nil
	}
}

// NewIssuer builds an Issuer from the access and pre-auth secrets.
func NewIssuer(accessSecret, preAuthSecret string, opts ...Option) (*Issuer, error) {
	if len(accessSecret) < minSecretLength {
		return nil, fmt.Errorf("token: access secret must be at least %d bytes", minSecretLength)
	}
	if len(preAuthSecret) < minSecretLength {
		return nil, fmt.Errorf("token: pre-auth secret must be at least %d bytes", minSecretLength)
	}
	i := &Issuer{
		accessKey:  []byte(accessSecret),
		refreshKey: []byte(accessSecret),
		preAuthKey: []byte(preAuthSecret),
		issuer:     defaultIssuer,
		preAuthTTL: defaultPreAuthTTL,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		if err := opt(i); err != nil {
			return nil, err
		}
	}
	if string(i.preAuthKey) == string(i.accessKey) || string(i.preAuthKey) == string(i.refreshKey) {
		return nil, errors.New("token: pre-auth secret must differ from session secrets")
	}
	if !(i.preAuthTTL < i.accessTTL && i.accessTTL < i.refreshTTL) {
		return nil, fmt.Errorf("token: lifetimes must satisfy pre-auth (%s) < access (%s) < refresh (%s)",
			i.preAuthTTL, i.accessTTL, i.refreshTTL)
	}
	return i, nil
}

// AccessTTL returns the configured access token lifetime.
func (i *Issuer) AccessTTL() time.Duration { return i.accessTTL }

func (i *Issuer) registered(subject string, ttl time.Duration) (jwt.RegisteredClaims, time.Time) {
	now := i.now().UTC()
	exp := now.Add(ttl)
	return jwt.RegisteredClaims{
		Issuer:    i.issuer,
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}, exp
}

// IssueAccess mints an access token for subject acting as activeRoleID.
func (i *Issuer) IssueAccess(subject, activeRoleID string) (Issued, error) {
	if strings.TrimSpace(subject) == "" {
		return Issued{}, errors.New("token: subject is required")
	}
	rc, exp := i.registered(subject, i.accessTTL)
	return sign(AccessClaims{ActiveRoleID: activeRoleID, TokenType: TypeAccess, RegisteredClaims: rc}, i.accessKey, exp)
}

// IssueRefresh mints the refresh token identified by tokenID at generation.
func (i *Issuer) IssueRefresh(subject, activeRoleID, tokenID string, generation int64) (Issued, error) {
	if strings.TrimSpace(subject) == "" || strings.TrimSpace(tokenID) == "" {
		return Issued{}, errors.New("token: subject and token id are required")
	}
	rc, exp := i.registered(subject, i.refreshTTL)
	return sign(RefreshClaims{
		ActiveRoleID:     activeRoleID,
		TokenID:          tokenID,
		Generation:       generation,
		TokenType:        TypeRefresh,
		RegisteredClaims: rc,
	}, i.refreshKey, exp)
}

// IssuePreAuth mints the short-lived token offering roleIDs for confirmation.
func (i *Issuer) IssuePreAuth(subject string, roleIDs []string) (Issued, error) {
	if strings.TrimSpace(subject) == "" {
		return Issued{}, errors.New("token: subject is required")
	}
	if len(roleIDs) == 0 {
		return Issued{}, errors.New("token: at least one role must be offered")
	}
	rc, exp := i.registered(subject, i.preAuthTTL)
	return sign(PreAuthClaims{
		AvailableRoleIDs: slices.Clone(roleIDs),
		TokenType:        TypePreAuth,
		RegisteredClaims: rc,
	}, i.preAuthKey, exp)
}

func sign(claims jwt.Claims, key []byte, exp time.Time) (Issued, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return Issued{}, fmt.Errorf("sign token: %w", err)
	}
	return Issued{Token: signed, ExpiresAt: exp}, nil
}

// VerifyAccess validates an access token.
func (i *Issuer) VerifyAccess(raw string) (*AccessClaims, error) {
	claims := &AccessClaims{}
	if err := i.parse(raw, i.accessKey, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TypeAccess {
		return nil, invalid(errors.New("wrong token type"))
	}
	return claims, nil
}

// VerifyRefresh validates a refresh token's signature and lifetime. Whether
// it is still the live one is the caller's concern.
func (i *Issuer) VerifyRefresh(raw string) (*RefreshClaims, error) {
	claims := &RefreshClaims{}
	if err := i.parse(raw, i.refreshKey, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TypeRefresh || claims.TokenID == "" {
		return nil, invalid(errors.New("wrong token type"))
	}
	return claims, nil
}

// VerifyPreAuth validates a pre-auth token.
func (i *Issuer) VerifyPreAuth(raw string) (*PreAuthClaims, error) {
	claims := &PreAuthClaims{}
	if err := i.parse(raw, i.preAuthKey, claims); err != nil {
		return nil, err
	}
	if claims.TokenType != TypePreAuth || len(claims.AvailableRoleIDs) == 0 {
		return nil, invalid(errors.New("wrong token type"))
	}
	return claims, nil
}

func (i *Issuer) parse(raw string, key []byte, claims jwt.Claims) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return invalid(errors.New("empty token"))
	}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return invalid(err)
	}
	sub, err := claims.GetSubject()
	if err != nil || strings.TrimSpace(sub) == "" {
		return invalid(errors.New("subject missing"))
	}
	return nil
}

// invalid normalizes every verification failure to one authentication reason.
func invalid(cause error) error {
	return fault.Authentication(fault.ReasonInvalidToken).Wrap(cause)
}
