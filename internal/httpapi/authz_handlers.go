package httpapi

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"tessera.org/internal/ability"
	"tessera.org/internal/audit"
	"tessera.org/internal/auth"
	"tessera.org/internal/condition"
)

// Subjects guarding the rule administration endpoints.
const (
	SubjectAbility     = "Ability"
	SubjectUserAbility = "UserAbility"
)

type canRequest struct {
	Action  string         `json:"action" validate:"required"`
	Subject string         `json:"subject" validate:"required"`
	Record  map[string]any `json:"record"`
	Field   string         `json:"field"`
	Fields  []string       `json:"fields"`
}

type rulesRequest struct {
	Action  string `json:"action" validate:"required"`
	Subject string `json:"subject" validate:"required"`
}

type grantRequest struct {
	TenantID      string               `json:"tenant_id"`
	RoleContextID string               `json:"role_context_id"`
	Action        string               `json:"action" validate:"required"`
	Subject       string               `json:"subject" validate:"required"`
	Conditions    condition.Conditions `json:"conditions"`
	Fields        []string             `json:"fields"`
	Inverted      bool                 `json:"inverted"`
	Priority      int                  `json:"priority"`
	Reason        string               `json:"reason"`
	ExpiresAt     *time.Time           `json:"expires_at"`
}

func (a *API) handleCan(w http.ResponseWriter, r *http.Request) {
	var req canRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	var (
		allowed bool
		err     error
	)
	if len(req.Fields) > 0 {
		allowed, err = a.authz.CanFields(r.Context(), actor, ability.Action(req.Action), req.Subject, req.Record, req.Fields)
	} else {
		allowed, err = a.authz.Can(r.Context(), actor, ability.Action(req.Action), req.Subject, req.Record, req.Field)
	}
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"allowed": allowed})
}

func (a *API) handleRules(w http.ResponseWriter, r *http.Request) {
	var req rulesRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	actor, _ := auth.ActorFromContext(r.Context())
	conds, err := a.authz.RulesFor(r.Context(), actor, ability.Action(req.Action), req.Subject)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	if conds == nil {
		conds = []condition.Conditions{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"conditions": conds})
}

func (a *API) handleGrantUserAbility(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	if err := a.authz.Require(r.Context(), actor, ability.ActionManage, SubjectUserAbility, nil); err != nil {
		writeFault(w, r, err)
		return
	}
	var req grantRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	tenantID := req.TenantID
	if tenantID == "" {
		tenantID = actor.TenantID
	}
	granted, err := a.admin.GrantUserAbility(r.Context(), ability.UserAbility{
		UserID:        chi.URLParam(r, "userID"),
		TenantID:      tenantID,
		RoleContextID: req.RoleContextID,
		Action:        ability.Action(req.Action),
		Subject:       req.Subject,
		Conditions:    req.Conditions,
		Fields:        req.Fields,
		Inverted:      req.Inverted,
		Priority:      req.Priority,
		Reason:        req.Reason,
		ExpiresAt:     req.ExpiresAt,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventGrantAbility, map[string]any{
		"scope":           "user",
		"ability_id":      granted.ID,
		"target_user_id":  granted.UserID,
		"role_context_id": granted.RoleContextID,
		"action":          string(granted.Action),
		"subject":         granted.Subject,
		"inverted":        granted.Inverted,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/users/%s/abilities/%s", granted.UserID, granted.ID))
	writeJSON(w, http.StatusCreated, granted)
}

func (a *API) handleGrantRoleAbility(w http.ResponseWriter, r *http.Request) {
	actor, _ := auth.ActorFromContext(r.Context())
	if err := a.authz.Require(r.Context(), actor, ability.ActionManage, SubjectAbility, nil); err != nil {
		writeFault(w, r, err)
		return
	}
	var req grantRequest
	if err := a.decodeJSON(w, r, &req); err != nil {
		writeFault(w, r, err)
		return
	}
	granted, err := a.admin.GrantRoleAbility(r.Context(), ability.Ability{
		RoleID:     chi.URLParam(r, "roleID"),
		Action:     ability.Action(req.Action),
		Subject:    req.Subject,
		Conditions: req.Conditions,
		Fields:     req.Fields,
		Inverted:   req.Inverted,
		Priority:   req.Priority,
	})
	if err != nil {
		writeFault(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventGrantAbility, map[string]any{
		"scope":      "role",
		"ability_id": granted.ID,
		"role_id":    granted.RoleID,
		"action":     string(granted.Action),
		"subject":    granted.Subject,
		"inverted":   granted.Inverted,
	})
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/roles/%s/abilities/%s", granted.RoleID, granted.ID))
	writeJSON(w, http.StatusCreated, granted)
}
