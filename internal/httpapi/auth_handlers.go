package httpapi

import (
	"net/http"

	"tessera.org/internal/audit"
	"tessera.org/internal/auth"
)

type loginRequest struct {
	TenantID string `json:"tenant_id"`
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type confirmRoleRequest struct {
	PreAuthToken string `json:"pre_auth_token" validate:"required"`
	RoleID       string `json:"role_id" validate:"required"`
	Remember     bool   `json:"remember"`
}

type switchRoleRequest struct {
	RoleID string `json:"role_id" validate:"required"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type defaultRoleRequest struct {
	RoleID    string `json:"role_id"`
	AutoLogin bool   `json:"auto_login"`
}

type preferenceResponse struct {
	DefaultRoleID string   `json:"default_role_id,omitempty"`
	AutoLogin     bool     `json:"auto_login"`
	RecentRoleIDs []string `json:"recent_role_ids"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	out, err := a.sessions.Login(r.Context(), auth.LoginRequest{
		TenantID: req.TenantID,
		Username: req.Username,
		Password: req.Password,
	})
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
			"tenant_id": req.TenantID,
			"username":  req.Username,
			"outcome":   "rejected",
		})
		writeFault(w, r, err)
		return
	}
	switch o := out.(type) {
	case *auth.RoleChallenge:
		_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
			"user_id": o.UserID,
			"outcome": o.State().String(),
			"offered": len(o.Roles),
		})
		writeJSON(w, http.StatusOK, struct {
			State string `json:"state"`
			*auth.RoleChallenge
		}{o.State().String(), o})
	case *auth.ActiveSession:
		a.writeSession(w, r, audit.EventLogin, o)
	}
}

func (a *API) handleConfirmRole(w http.ResponseWriter, r *http.Request) {
	var req confirmRoleRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	session, err := a.sessions.ConfirmRole(r.Context(), req.PreAuthToken, req.RoleID, auth.ConfirmOptions{Remember: req.Remember})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	a.writeSession(w, r, audit.EventConfirmRole, session)
}

func (a *API) handleSwitchRole(w http.ResponseWriter, r *http.Request) {
	var req switchRoleRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	session, err := a.sessions.SwitchRole(r.Context(), token, req.RoleID)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	a.writeSession(w, r, audit.EventSwitchRole, session)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	session, err := a.sessions.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	a.writeSession(w, r, audit.EventRefresh, session)
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.sessions.Logout(r.Context(), token); err != nil {
		writeFault(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleDefaultRole(w http.ResponseWriter, r *http.Request) {
	var req defaultRoleRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	pref, err := a.sessions.SetDefaultRole(r.Context(), token, req.RoleID, req.AutoLogin)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventDefaultRole, map[string]any{
		"default_role_id": pref.DefaultRoleID,
		"auto_login":      pref.AutoLogin,
	})
	recent := pref.RecentRoleIDs
	if recent == nil {
		recent = []string{}
	}
	writeJSON(w, http.StatusOK, preferenceResponse{
		DefaultRoleID: pref.DefaultRoleID,
		AutoLogin:     pref.AutoLogin,
		RecentRoleIDs: recent,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	writeJSON(w, http.StatusOK, actor)
}

func (a *API) writeSession(w http.ResponseWriter, r *http.Request, event string, s *auth.ActiveSession) {
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"user_id":        s.UserID,
		"active_role_id": s.ActiveRoleID,
		"auto_selected":  s.AutoSelected,
		"outcome":        s.State().String(),
	})
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, struct {
		State string `json:"state"`
		*auth.ActiveSession
	}{s.State().String(), s})
}
