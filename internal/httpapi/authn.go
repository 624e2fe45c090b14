package httpapi

import (
	"net/http"
	"strings"

	"tessera.org/internal/auth"
	"tessera.org/internal/fault"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// withAuth resolves the bearer access token into an actor. The active role
// embedded in the token is re-checked against current memberships.
func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeFault(w, r, err)
			return
		}
		actor, err := a.sessions.Actor(r.Context(), token)
		if err != nil {
			writeFault(w, r, err)
			return
		}
		ctx := auth.ContextWithActor(r.Context(), actor)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", fault.Authentication(fault.ReasonInvalidToken)
	}
	if len(header) < len(bearer) || !strings.EqualFold(header[:len(bearer)], bearer) {
		return "", fault.Authentication(fault.ReasonInvalidToken)
	}
	token := strings.TrimSpace(header[len(bearer):])
	if token == "" {
		return "", fault.Authentication(fault.ReasonInvalidToken)
	}
	return token, nil
}
