package ability

import (
	"sort"
	"time"

	"tessera.org/internal/condition"
	"tessera.org/internal/fault"
)

// Source tells where a compiled rule came from.
type Source string

const (
	SourceRole Source = "role"
	SourceUser Source = "user"
)

// Rule is a compiled rule with conditions resolved for one actor.
type Rule struct {
	ID            string               `json:"id"`
	Source        Source               `json:"source"`
	RoleID        string               `json:"role_id,omitempty"`
	RoleContextID string               `json:"role_context_id,omitempty"`
	Action        Action               `json:"action"`
	Subject       string               `json:"subject"`
	Conditions    condition.Conditions `json:"conditions,omitempty"`
	Fields        []string             `json:"fields,omitempty"`
	Inverted      bool                 `json:"inverted"`
	Priority      int                  `json:"priority"`
	CreatedAt     time.Time            `json:"created_at"`
}

func (r Rule) appliesTo(action Action, subject string) bool {
	if r.Subject != subject && r.Subject != SubjectAll {
		return false
	}
	return r.Action == action || r.Action == ActionManage
}

func (r Rule) coversField(field string) bool {
	if field == "" || len(r.Fields) == 0 {
		return true
	}
	for _, f := range r.Fields {
		if f == field {
			return true
		}
	}
	return false
}

func (r Rule) unconditional() bool { return len(r.Conditions) == 0 }

func (r Rule) isAdministrator() bool {
	return !r.Inverted && r.Action == ActionManage && r.Subject == SubjectAll &&
		r.unconditional() && len(r.Fields) == 0
}

// Skipped describes a stored rule left out of a RuleSet because it is malformed.
type Skipped struct {
	RuleID string
	Source Source
	Err    error
}

// RuleSet is an immutable, ordered snapshot of the rules in force for one
// actor. It is safe for concurrent use.
type RuleSet struct {
	actor Actor
	rules []Rule
	admin bool
}

// Compile merges role abilities with user overrides for actor at now.
// Overrides that are expired, belong to another user, or are bound to a role
// other than the active one are dropped. Malformed rules are returned in the
// skipped list and never abort compilation.
func Compile(actor Actor, abilities []Ability, overrides []UserAbility, now time.Time) (RuleSet, []Skipped) {
	ctx := actor.conditionContext()
	rules := make([]Rule, 0, len(abilities)+len(overrides))
	var skipped []Skipped

	add := func(r Rule, raw condition.Conditions) {
		if err := checkRule(r.Action, r.Subject); err != nil {
			skipped = append(skipped, Skipped{RuleID: r.ID, Source: r.Source, Err: err})
			return
		}
		r.Conditions = condition.Resolve(raw, ctx)
		if err := condition.Validate(r.Conditions); err != nil {
			skipped = append(skipped, Skipped{RuleID: r.ID, Source: r.Source,
				Err: fault.Validation(fault.ReasonInvalidRule, "conditions").Wrap(err)})
			return
		}
		rules = append(rules, r)
	}

	for _, a := range abilities {
		if !actor.Holds(a.RoleID) {
			continue
		}
		add(Rule{
			ID:        a.ID,
			Source:    SourceRole,
			RoleID:    a.RoleID,
			Action:    a.Action,
			Subject:   a.Subject,
			Fields:    append([]string(nil), a.Fields...),
			Inverted:  a.Inverted,
			Priority:  a.Priority,
			CreatedAt: a.CreatedAt,
		}, a.Conditions)
	}

	for _, u := range overrides {
		if u.UserID != actor.ID || u.Expired(now) {
			continue
		}
		if actor.TenantID != "" && u.TenantID != "" && u.TenantID != actor.TenantID {
			continue
		}
		if u.RoleContextID != "" && u.RoleContextID != actor.ActiveRoleID {
			continue
		}
		add(Rule{
			ID:            u.ID,
			Source:        SourceUser,
			RoleContextID: u.RoleContextID,
			Action:        u.Action,
			Subject:       u.Subject,
			Fields:        append([]string(nil), u.Fields...),
			Inverted:      u.Inverted,
			Priority:      u.EffectivePriority(),
			CreatedAt:     u.CreatedAt,
		}, u.Conditions)
	}

	sort.SliceStable(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})

	rs := RuleSet{actor: actor, rules: rules}
	for _, r := range rules {
		if r.isAdministrator() {
			rs.admin = true
			break
		}
	}
	return rs, skipped
}

func checkRule(action Action, subject string) error {
	if action == "" || subject == "" {
		return fault.Validation(fault.ReasonInvalidRule, "action and subject are required")
	}
	if !action.Valid() {
		return fault.Validation(fault.ReasonInvalidRule, "unknown action %q", action)
	}
	return nil
}

// Actor returns the actor the set was compiled for.
func (rs RuleSet) Actor() Actor { return rs.actor }

// Rules returns the ordered rules.
func (rs RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		r.Conditions = r.Conditions.Clone()
		r.Fields = append([]string(nil), r.Fields...)
		out[i] = r
	}
	return out
}

// Can reports whether action on subject is allowed. With a nil record only
// unconditional rules are considered. A non-empty field must be covered by
// the rule's field list.
func (rs RuleSet) Can(action Action, subject string, record Record, field string) bool {
	if rs.admin {
		return true
	}
	r, ok := rs.firstMatch(action, subject, record, field)
	return ok && !r.Inverted
}

// CanFields checks every field touched by a write. Any denied field denies
// the whole write; an empty list falls back to a plain Can.
func (rs RuleSet) CanFields(action Action, subject string, record Record, fields []string) bool {
	if len(fields) == 0 {
		return rs.Can(action, subject, record, "")
	}
	for _, f := range fields {
		if !rs.Can(action, subject, record, f) {
			return false
		}
	}
	return true
}

func (rs RuleSet) firstMatch(action Action, subject string, record Record, field string) (Rule, bool) {
	for _, r := range rs.rules {
		if !r.appliesTo(action, subject) {
			continue
		}
		if record == nil {
			if !r.unconditional() {
				continue
			}
		} else if !condition.Match(r.Conditions, record) {
			continue
		}
		if !r.coversField(field) {
			continue
		}
		return r, true
	}
	return Rule{}, false
}

// RulesFor returns the union of granting conditions for action on subject,
// ready to be turned into an OR filter. An empty result means nothing is
// readable; a single empty condition means everything is. Collection stops at
// the first unconditional inverted rule since nothing below it can grant.
func (rs RuleSet) RulesFor(action Action, subject string) []condition.Conditions {
	if rs.admin {
		return []condition.Conditions{{}}
	}
	var out []condition.Conditions
	for _, r := range rs.rules {
		if !r.appliesTo(action, subject) {
			continue
		}
		if r.Inverted {
			if r.unconditional() && len(r.Fields) == 0 {
				break
			}
			continue
		}
		if r.unconditional() {
			return []condition.Conditions{{}}
		}
		out = append(out, r.Conditions.Clone())
	}
	return out
}
