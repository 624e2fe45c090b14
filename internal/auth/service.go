package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tessera.org/internal/ability"
	"tessera.org/internal/fault"
	"tessera.org/internal/obs"
	"tessera.org/internal/token"
)

// Issuer mints and verifies session credentials.
type Issuer interface {
	IssueAccess(subject, activeRoleID string) (token.Issued, error)
	IssueRefresh(subject, activeRoleID, tokenID string, generation int64) (token.Issued, error)
	IssuePreAuth(subject string, roleIDs []string) (token.Issued, error)
	VerifyAccess(raw string) (*token.AccessClaims, error)
	VerifyRefresh(raw string) (*token.RefreshClaims, error)
	VerifyPreAuth(raw string) (*token.PreAuthClaims, error)
}

// Service negotiates which role a session operates under and keeps the
// user's refresh chain.
type Service struct {
	store    Store
	sessions SessionStore
	issuer   Issuer
	now      func() time.Time
	tokenID  func() string
	log      zerolog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithSessionStore keeps preferences and refresh state outside the main store.
func WithSessionStore(s SessionStore) ServiceOption {
	return func(svc *Service) error {
		if s == nil {
			return errors.New("auth: session store must not be nil")
		}
		svc.sessions = s
		return nil
	}
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) error {
		if now == nil {
			return errors.New("auth: clock must not be nil")
		}
		s.now = now
		return nil
	}
}

func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// WithTokenIDs overrides refresh token id generation.
func WithTokenIDs(gen func() string) ServiceOption {
	return func(s *Service) error {
		if gen == nil {
			return errors.New("auth: token id generator must not be nil")
		}
		s.tokenID = gen
		return nil
	}
}

// NewService wires the negotiator.
func NewService(store Store, issuer Issuer, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("auth: store is required")
	}
	if issuer == nil {
		return nil, errors.New("auth: issuer is required")
	}
	s := &Service{
		store:   store,
		issuer:  issuer,
		now:     time.Now,
		tokenID: uuid.NewString,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	if s.sessions == nil {
		s.sessions = store.Sessions(context.Background())
	}
	return s, nil
}

// LoginRequest carries the credential proof.
type LoginRequest struct {
	TenantID string
	Username string
	Password string
}

// Login verifies credentials and either completes the session or asks for a
// role choice.
func (s *Service) Login(ctx context.Context, req LoginRequest) (out Outcome, err error) {
	defer func() { s.observe("login", out, err) }()

	user, err := s.authenticate(ctx, req)
	if err != nil {
		return nil, err
	}
	memberships, err := s.store.Roles(ctx).Memberships(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load memberships: %w", err)
	}
	pref, err := s.sessions.Preference(ctx, user.ID)
	if err != nil {
		return nil, fmt.Errorf("load preference: %w", err)
	}

	decision, err := decideLogin(activeOnly(memberships), pref)
	if err != nil {
		return nil, err
	}
	if decision.next == StateActive {
		sess, err := s.activate(ctx, user.ID, decision.roleID, SessionUpdate{UseRole: decision.roleID})
		if err != nil {
			return nil, err
		}
		sess.AutoSelected = decision.auto
		return sess, nil
	}

	offered := make([]string, len(decision.offer))
	for i, m := range decision.offer {
		offered[i] = m.RoleID
	}
	pre, err := s.issuer.IssuePreAuth(user.ID, offered)
	if err != nil {
		return nil, err
	}
	return &RoleChallenge{
		UserID:           user.ID,
		PreAuthToken:     pre.Token,
		PreAuthExpiresAt: pre.ExpiresAt,
		Roles:            roleOptions(decision.offer, pref),
	}, nil
}

func (s *Service) authenticate(ctx context.Context, req LoginRequest) (*User, error) {
	username := strings.TrimSpace(req.Username)
	if username == "" || req.Password == "" {
		return nil, fault.Authentication(fault.ReasonInvalidCredentials)
	}
	user, err := s.store.Users(ctx).FindByUsername(ctx, strings.TrimSpace(req.TenantID), username)
	if errors.Is(err, ErrNotFound) {
		burnPasswordCheck(req.Password)
		return nil, fault.Authentication(fault.ReasonInvalidCredentials)
	}
	if err != nil {
		return nil, fmt.Errorf("find user: %w", err)
	}
	if err := VerifyPassword(user.PasswordHash, req.Password); err != nil {
		return nil, fault.Authentication(fault.ReasonInvalidCredentials)
	}
	if user.Status != UserStatusActive {
		return nil, fault.Authentication(fault.ReasonInvalidCredentials)
	}
	return user, nil
}

// ConfirmOptions tune role confirmation.
type ConfirmOptions struct {
	// Remember makes the role the default and enables auto-login.
	Remember bool
}

// ConfirmRole completes a login that is awaiting a role choice. The role must
// have been offered by the pre-auth token and still be held and active.
func (s *Service) ConfirmRole(ctx context.Context, preAuthToken, roleID string, opts ConfirmOptions) (out *ActiveSession, err error) {
	defer func() { s.observe("confirm_role", out, err) }()

	claims, err := s.issuer.VerifyPreAuth(preAuthToken)
	if err != nil {
		return nil, err
	}
	roleID = strings.TrimSpace(roleID)
	if !claims.Offers(roleID) {
		return nil, fault.Authorization(fault.ReasonRoleNotOffered)
	}
	if err := s.requireActiveUser(ctx, claims.Subject); err != nil {
		return nil, err
	}
	if err := s.requireActiveRole(ctx, claims.Subject, roleID); err != nil {
		return nil, err
	}
	upd := SessionUpdate{UseRole: roleID}
	if opts.Remember {
		upd.Default = &DefaultRole{RoleID: roleID, AutoLogin: true}
	}
	return s.activate(ctx, claims.Subject, roleID, upd)
}

// SwitchRole moves an active session to another held, active role and
// replaces the refresh chain.
func (s *Service) SwitchRole(ctx context.Context, accessToken, roleID string) (out *ActiveSession, err error) {
	defer func() { s.observe("switch_role", out, err) }()

	claims, err := s.issuer.VerifyAccess(accessToken)
	if err != nil {
		return nil, err
	}
	if err := s.requireLiveChain(ctx, claims.Subject); err != nil {
		return nil, err
	}
	if err := s.requireActiveUser(ctx, claims.Subject); err != nil {
		return nil, err
	}
	roleID = strings.TrimSpace(roleID)
	if err := s.requireActiveRole(ctx, claims.Subject, roleID); err != nil {
		return nil, err
	}
	return s.activate(ctx, claims.Subject, roleID, SessionUpdate{UseRole: roleID})
}

// Refresh rotates the token pair. The presented token must be the live one
// and its active role must still be held and active; there is no fallback to
// a role-less session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (out *ActiveSession, err error) {
	defer func() { s.observe("refresh", out, err) }()

	claims, err := s.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return nil, err
	}
	rec, err := s.sessions.Session(ctx, claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if rec.RefreshID == "" || rec.RefreshID != claims.TokenID || rec.Generation != claims.Generation {
		return nil, fault.Authentication(fault.ReasonRefreshRevoked)
	}

	if err := s.requireActiveUser(ctx, claims.Subject); err != nil {
		return nil, err
	}
	if claims.ActiveRoleID != "" {
		if err := s.requireActiveRole(ctx, claims.Subject, claims.ActiveRoleID); err != nil {
			return nil, err
		}
	}
	return s.activate(ctx, claims.Subject, claims.ActiveRoleID, SessionUpdate{})
}

// Logout revokes the refresh chain of the access token's subject.
func (s *Service) Logout(ctx context.Context, accessToken string) (err error) {
	defer func() { s.observe("logout", nil, err) }()

	claims, err := s.issuer.VerifyAccess(accessToken)
	if err != nil {
		return err
	}
	if _, err := s.sessions.Commit(ctx, claims.Subject, SessionUpdate{Rotate: true}); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// SetDefaultRole stores the role used by auto-login. An empty roleID clears it.
func (s *Service) SetDefaultRole(ctx context.Context, accessToken, roleID string, autoLogin bool) (Preference, error) {
	claims, err := s.issuer.VerifyAccess(accessToken)
	if err != nil {
		return Preference{}, err
	}
	if err := s.requireLiveChain(ctx, claims.Subject); err != nil {
		return Preference{}, err
	}
	roleID = strings.TrimSpace(roleID)
	if roleID != "" {
		if err := s.requireActiveRole(ctx, claims.Subject, roleID); err != nil {
			return Preference{}, err
		}
	}
	if _, err := s.sessions.Commit(ctx, claims.Subject, SessionUpdate{
		Default: &DefaultRole{RoleID: roleID, AutoLogin: autoLogin && roleID != ""},
	}); err != nil {
		return Preference{}, fmt.Errorf("store preference: %w", err)
	}
	return s.sessions.Preference(ctx, claims.Subject)
}

// Actor resolves the evaluation actor behind an access token. The embedded
// active role must still be held and active.
func (s *Service) Actor(ctx context.Context, accessToken string) (ability.Actor, error) {
	claims, err := s.issuer.VerifyAccess(accessToken)
	if err != nil {
		return ability.Actor{}, err
	}
	user, err := s.store.Users(ctx).Find(ctx, claims.Subject)
	if errors.Is(err, ErrNotFound) {
		return ability.Actor{}, fault.Authentication(fault.ReasonInvalidToken)
	}
	if err != nil {
		return ability.Actor{}, fmt.Errorf("find user: %w", err)
	}
	if user.Status != UserStatusActive {
		return ability.Actor{}, fault.Authentication(fault.ReasonInvalidToken)
	}
	memberships, err := s.store.Roles(ctx).Memberships(ctx, user.ID)
	if err != nil {
		return ability.Actor{}, fmt.Errorf("load memberships: %w", err)
	}
	active := activeOnly(memberships)
	if claims.ActiveRoleID != "" && !holdsActive(active, claims.ActiveRoleID) {
		return ability.Actor{}, fault.Authorization(fault.ReasonRoleNotHeld)
	}
	roleIDs := make([]string, len(active))
	for i, m := range active {
		roleIDs[i] = m.RoleID
	}
	return ability.Actor{
		ID:           user.ID,
		TenantID:     user.TenantID,
		RoleIDs:      roleIDs,
		ActiveRoleID: claims.ActiveRoleID,
		Settings:     user.Settings,
	}, nil
}

// requireActiveUser rejects a token whose subject was removed or disabled
// after it was issued.
func (s *Service) requireActiveUser(ctx context.Context, userID string) error {
	user, err := s.store.Users(ctx).Find(ctx, userID)
	if errors.Is(err, ErrNotFound) {
		return fault.Authentication(fault.ReasonInvalidToken)
	}
	if err != nil {
		return fmt.Errorf("find user: %w", err)
	}
	if user.Status != UserStatusActive {
		return fault.Authentication(fault.ReasonInvalidToken)
	}
	return nil
}

// requireLiveChain rejects access tokens of a session that was logged out.
// Logout clears the live refresh id; only a new login sets it again.
func (s *Service) requireLiveChain(ctx context.Context, userID string) error {
	rec, err := s.sessions.Session(ctx, userID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if rec.RefreshID == "" {
		return fault.Authentication(fault.ReasonRefreshRevoked)
	}
	return nil
}

func (s *Service) requireActiveRole(ctx context.Context, userID, roleID string) error {
	if roleID == "" {
		return fault.Authorization(fault.ReasonRoleNotHeld)
	}
	memberships, err := s.store.Roles(ctx).Memberships(ctx, userID)
	if err != nil {
		return fmt.Errorf("load memberships: %w", err)
	}
	if !holdsActive(activeOnly(memberships), roleID) {
		return fault.Authorization(fault.ReasonRoleNotHeld)
	}
	return nil
}

// activate commits the session update together with a fresh refresh id and
// mints the matching pair. The access token is signed before the commit so a
// signing failure leaves the previous chain live. The refresh token embeds the
// generation assigned by the commit and is signed last; if that fails the
// chain is already rotated and the user has to log in again.
func (s *Service) activate(ctx context.Context, userID, roleID string, upd SessionUpdate) (*ActiveSession, error) {
	access, err := s.issuer.IssueAccess(userID, roleID)
	if err != nil {
		return nil, err
	}
	upd.Rotate = true
	upd.RefreshID = s.tokenID()
	rec, err := s.sessions.Commit(ctx, userID, upd)
	if err != nil {
		return nil, fmt.Errorf("commit session: %w", err)
	}
	refresh, err := s.issuer.IssueRefresh(userID, roleID, rec.RefreshID, rec.Generation)
	if err != nil {
		s.log.Error().Err(err).Str("user_id", userID).Msg("refresh token signing failed after rotation")
		return nil, err
	}
	return &ActiveSession{
		UserID:       userID,
		ActiveRoleID: roleID,
		Tokens: TokenPair{
			AccessToken:      access.Token,
			RefreshToken:     refresh.Token,
			AccessExpiresAt:  access.ExpiresAt,
			RefreshExpiresAt: refresh.ExpiresAt,
		},
	}, nil
}

func (s *Service) observe(op string, out Outcome, err error) {
	state := StateUnauthenticated
	if out != nil && !isNilOutcome(out) {
		state = out.State()
	}
	reason := ""
	if err != nil {
		reason = string(fault.ReasonOf(err))
	}
	obs.ObserveSession(op, state.String(), reason)

	ev := s.log.Info()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("op", op).Str("state", state.String()).Str("reason", reason).Msg("session negotiation")
}

func isNilOutcome(out Outcome) bool {
	switch v := out.(type) {
	case *ActiveSession:
		return v == nil
	case *RoleChallenge:
		return v == nil
	}
	return false
}
