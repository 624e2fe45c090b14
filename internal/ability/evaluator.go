// Package ability evaluates role rules and per-user overrides for an actor.
package ability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tessera.org/internal/condition"
	"tessera.org/internal/fault"
	"tessera.org/internal/obs"
)

const defaultLoadConcurrency = 4

// Evaluator answers ability questions. Rules are read from the store on every
// call so a revoked rule stops applying on the next check.
type Evaluator struct {
	store           RuleStore
	now             func() time.Time
	log             zerolog.Logger
	scopeToActive   bool
	loadConcurrency int
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithClock overrides the clock used for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		if now != nil {
			e.now = now
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Evaluator) { e.log = l }
}

// ScopeToActiveRole limits role abilities to the active role when the actor
// has one. Without it every held role contributes.
func ScopeToActiveRole() Option {
	return func(e *Evaluator) { e.scopeToActive = true }
}

// WithLoadConcurrency bounds parallel per-role reads.
func WithLoadConcurrency(n int) Option {
	return func(e *Evaluator) {
		if n > 0 {
			e.loadConcurrency = n
		}
	}
}

func NewEvaluator(store RuleStore, opts ...Option) (*Evaluator, error) {
	if store == nil {
		return nil, errors.New("ability: rule store is required")
	}
	e := &Evaluator{
		store:           store,
		now:             time.Now,
		log:             obs.Logger(),
		loadConcurrency: defaultLoadConcurrency,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Snapshot loads and compiles the rules in force for actor.
func (e *Evaluator) Snapshot(ctx context.Context, actor Actor) (RuleSet, error) {
	now := e.now().UTC()
	roles := e.rolesToLoad(actor)

	perRole := make([][]Ability, len(roles))
	var overrides []UserAbility

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.loadConcurrency)
	for i, roleID := range roles {
		g.Go(func() error {
			abilities, err := e.store.AbilitiesForRole(gctx, roleID)
			if err != nil {
				return fmt.Errorf("load abilities for role %s: %w", roleID, err)
			}
			perRole[i] = abilities
			return nil
		})
	}
	if actor.ID != "" {
		g.Go(func() error {
			list, err := e.store.UserAbilitiesForUser(gctx, actor.ID, actor.TenantID, now)
			if err != nil {
				return fmt.Errorf("load user abilities: %w", err)
			}
			overrides = list
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return RuleSet{}, err
	}

	var abilities []Ability
	for _, list := range perRole {
		abilities = append(abilities, list...)
	}

	rs, skipped := Compile(actor, abilities, overrides, now)
	for _, s := range skipped {
		obs.ObserveSkippedRule(string(s.Source))
		e.log.Warn().
			Str("rule_id", s.RuleID).
			Str("source", string(s.Source)).
			Str("actor_id", actor.ID).
			Err(s.Err).
			Msg("skipping malformed rule")
	}
	return rs, nil
}

func (e *Evaluator) rolesToLoad(actor Actor) []string {
	if e.scopeToActive && actor.ActiveRoleID != "" {
		if actor.Holds(actor.ActiveRoleID) {
			return []string{actor.ActiveRoleID}
		}
		return nil
	}
	seen := make(map[string]struct{}, len(actor.RoleIDs))
	out := make([]string, 0, len(actor.RoleIDs))
	for _, id := range actor.RoleIDs {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// EffectiveRules returns the ordered, resolved rules for actor.
func (e *Evaluator) EffectiveRules(ctx context.Context, actor Actor) ([]Rule, error) {
	rs, err := e.Snapshot(ctx, actor)
	if err != nil {
		return nil, err
	}
	return rs.Rules(), nil
}

// Can reports whether actor may perform action on subject. record may be nil
// for a type-level check and field may be empty.
func (e *Evaluator) Can(ctx context.Context, actor Actor, action Action, subject string, record Record, field string) (bool, error) {
	rs, err := e.Snapshot(ctx, actor)
	if err != nil {
		return false, err
	}
	allowed := rs.Can(action, subject, record, field)
	e.observe(actor, action, subject, allowed)
	return allowed, nil
}

// CanFields checks a write touching fields; a single denied field denies all.
func (e *Evaluator) CanFields(ctx context.Context, actor Actor, action Action, subject string, record Record, fields []string) (bool, error) {
	rs, err := e.Snapshot(ctx, actor)
	if err != nil {
		return false, err
	}
	allowed := rs.CanFields(action, subject, record, fields)
	e.observe(actor, action, subject, allowed)
	return allowed, nil
}

// Require is CanFields returning an authorization failure on deny.
func (e *Evaluator) Require(ctx context.Context, actor Actor, action Action, subject string, record Record, fields ...string) error {
	allowed, err := e.CanFields(ctx, actor, action, subject, record, fields)
	if err != nil {
		return err
	}
	if !allowed {
		return fault.Authorization(fault.ReasonAbilityDenied)
	}
	return nil
}

// RulesFor returns the resolved granting conditions for action on subject.
func (e *Evaluator) RulesFor(ctx context.Context, actor Actor, action Action, subject string) ([]condition.Conditions, error) {
	rs, err := e.Snapshot(ctx, actor)
	if err != nil {
		return nil, err
	}
	return rs.RulesFor(action, subject), nil
}

func (e *Evaluator) observe(actor Actor, action Action, subject string, allowed bool) {
	obs.ObserveDecision(allowed)
	e.log.Debug().
		Str("actor_id", actor.ID).
		Str("active_role_id", actor.ActiveRoleID).
		Str("action", string(action)).
		Str("subject", subject).
		Bool("allowed", allowed).
		Msg("ability check")
}
