// Package fault defines the failure taxonomy shared by the authorization core.
// Every failure carries a kind (one of the sentinel errors below) and a stable
// reason code that clients may switch on.
package fault

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication = errors.New("authentication failed")
	ErrAuthorization  = errors.New("authorization failed")
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict")
)

// Reason is a stable, enumerable failure code.
type Reason string

const (
	ReasonInvalidCredentials Reason = "invalid_credentials"
	ReasonInvalidToken       Reason = "invalid_token"
	ReasonRefreshRevoked     Reason = "refresh_revoked"
	ReasonNoActiveRoles      Reason = "no_active_roles"
	ReasonRoleNotOffered     Reason = "role_not_offered"
	ReasonRoleNotHeld        Reason = "role_not_held"
	ReasonAbilityDenied      Reason = "ability_denied"
	ReasonInvalidRule        Reason = "invalid_rule"
	ReasonInvalidRequest     Reason = "invalid_request"
	ReasonRoleContextNotHeld Reason = "role_context_not_held"
	ReasonDuplicate          Reason = "duplicate"
	ReasonUnknown            Reason = "unknown"
)

// Reasons lists every reason code in a stable order.
func Reasons() []Reason {
	return []Reason{
		ReasonInvalidCredentials,
		ReasonInvalidToken,
		ReasonRefreshRevoked,
		ReasonNoActiveRoles,
		ReasonRoleNotOffered,
		ReasonRoleNotHeld,
		ReasonAbilityDenied,
		ReasonInvalidRule,
		ReasonInvalidRequest,
		ReasonRoleContextNotHeld,
		ReasonDuplicate,
	}
}

// Error is a classified failure. Kind is one of the package sentinels.
type Error struct {
	Kind   error
	Reason Reason
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind sentinel and the underlying cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func Authentication(reason Reason) *Error { return &Error{Kind: ErrAuthentication, Reason: reason} }
func Authorization(reason Reason) *Error  { return &Error{Kind: ErrAuthorization, Reason: reason} }

// Validation reports a malformed rule or request.
func Validation(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Conflict reports a write that contradicts stored state.
func Conflict(reason Reason, format string, args ...any) *Error {
	return &Error{Kind: ErrConflict, Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause without exposing it through Reason.
func (e *Error) Wrap(err error) *Error {
	cp := *e
	cp.Err = err
	return &cp
}

// ReasonOf returns the reason code carried by err, or ReasonUnknown.
func ReasonOf(err error) Reason {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ReasonUnknown
}

// KindOf returns the sentinel kind carried by err, or nil for unclassified errors.
func KindOf(err error) error {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return nil
}
