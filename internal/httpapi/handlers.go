package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
	"tessera.org/internal/fault"
	"tessera.org/internal/obs"
)

const serviceName = "tessera-api"

// Pinger is anything the readiness probe can ping, such as the Redis store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe pings the database and the session cache when they are set.
type ReadyProbe struct {
	DB    *sql.DB
	Cache Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Cache != nil {
		if err := rp.Cache.Ping(ctx); err != nil {
			return err
		}
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API is the HTTP layer.
type API struct {
	router     chi.Router
	readiness  readinessChecker
	version    string
	sessions   *auth.Service
	authz      *ability.Evaluator
	admin      *ability.Manager
	validate   *validator.Validate
	production bool

	maxBody     int64
	rateBurst   int
	ratePerSec  float64
	loginBurst  int
	loginPerSec float64
}

// Option tunes API.
type Option func(*API)

// WithRateLimit sets the per-client budget for every request.
func WithRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.rateBurst, a.ratePerSec = burst, perSecond
		}
	}
}

// WithLoginRateLimit sets the per-client budget for credential and role
// negotiation attempts.
func WithLoginRateLimit(burst int, perSecond float64) Option {
	return func(a *API) {
		if burst > 0 && perSecond > 0 {
			a.loginBurst, a.loginPerSec = burst, perSecond
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(a *API) {
		if n > 0 {
			a.maxBody = n
		}
	}
}

// WithProduction enables HSTS and strict transport checks.
func WithProduction(on bool) Option {
	return func(a *API) { a.production = on }
}

func New(rp readinessChecker, version string, sessions *auth.Service, authz *ability.Evaluator, admin *ability.Manager, opts ...Option) *API {
	a := &API{
		readiness:   rp,
		version:     version,
		sessions:    sessions,
		authz:       authz,
		admin:       admin,
		validate:    newValidator(),
		maxBody:     1 << 20,
		rateBurst:   100,
		ratePerSec:  50,
		loginBurst:  5,
		loginPerSec: 0.2,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, Logging, middleware.Recoverer, SecurityHeaders(a.production))
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.maxBody) })
	r.Use(func(next http.Handler) http.Handler { return RateLimit(next, a.rateBurst, a.ratePerSec) })

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})

	// health/ready/info
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Handle("/metrics", obs.Handler())

	loginLimit := func(next http.Handler) http.Handler {
		return RateLimit(next, a.loginBurst, a.loginPerSec)
	}

	r.Route("/v1/auth", func(r chi.Router) {
		r.With(loginLimit).Post("/login", a.handleLogin)
		r.With(loginLimit).Post("/confirm-role", a.handleConfirmRole)
		r.Post("/refresh", a.handleRefresh)

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.With(loginLimit).Post("/switch-role", a.handleSwitchRole)
			r.Post("/logout", a.handleLogout)
			r.Put("/default-role", a.handleDefaultRole)
			r.Get("/me", a.handleMe)
		})
	})

	r.Group(func(r chi.Router) {
		r.Use(a.withAuth)
		r.Post("/v1/authz/can", a.handleCan)
		r.Post("/v1/authz/rules", a.handleRules)
		r.Post("/v1/admin/users/{userID}/abilities", a.handleGrantUserAbility)
		r.Post("/v1/admin/roles/{roleID}/abilities", a.handleGrantRoleAbility)
	})
	return r
}

// Handler возвращает http.Handler для сервера, обёрнутый метриками.
func (a *API) Handler() http.Handler {
	return obs.Instrument(a.router)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.readiness != nil {
		if err := a.readiness.Check(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    serviceName,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// writeFault maps the failure taxonomy to a status code. The body carries the
// stable reason code; unclassified errors are logged and hidden.
func writeFault(w http.ResponseWriter, r *http.Request, err error) {
	var code int
	switch {
	case errors.Is(err, fault.ErrAuthentication):
		code = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	case errors.Is(err, fault.ErrAuthorization):
		code = http.StatusForbidden
	case errors.Is(err, fault.ErrValidation):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, fault.ErrConflict):
		code = http.StatusConflict
	default:
		log := obs.Logger()
		log.Error().Err(err).
			Str("request_id", RequestIDFromContext(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	payload := map[string]any{
		"error": string(fault.ReasonOf(err)),
	}
	var fe *fault.Error
	if errors.As(err, &fe) && fe.Detail != "" && code != http.StatusUnauthorized {
		payload["detail"] = fe.Detail
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// decodeJSON reads exactly one JSON object and validates it.
func (a *API) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, a.maxBody)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fault.Validation(fault.ReasonInvalidRequest, "request body is required")
		}
		return fault.Validation(fault.ReasonInvalidRequest, "%v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fault.Validation(fault.ReasonInvalidRequest, "unexpected data after JSON body")
	}
	if err := a.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fault.Validation(fault.ReasonInvalidRequest, "%s failed %s", verrs[0].Field(), verrs[0].Tag())
		}
		return fault.Validation(fault.ReasonInvalidRequest, "%v", err)
	}
	return nil
}

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}
