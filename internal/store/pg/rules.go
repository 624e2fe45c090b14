package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"tessera.org/internal/ability"
	"tessera.org/internal/condition"
	"tessera.org/internal/fault"
	"tessera.org/internal/ids"
)

// undecodableKey marks a conditions column that is not a JSON object. The
// evaluator rejects the unknown operator and skips the rule.
const undecodableKey = "$undecodable"

func (s *Store) AbilitiesForRole(ctx context.Context, roleID string) ([]ability.Ability, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, role_id, action, subject, conditions, fields, inverted, priority, created_at
		from abilities
		where role_id = $1
	`, roleID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ability.Ability
	for rows.Next() {
		var (
			a             ability.Ability
			conds, fields []byte
		)
		if err := rows.Scan(&a.ID, &a.RoleID, &a.Action, &a.Subject, &conds, &fields, &a.Inverted, &a.Priority, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Conditions = decodeConditions(conds)
		a.Fields = decodeFields(fields)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// UserAbilitiesForUser drops rows already expired at the given instant. An
// empty tenant matches every tenant of the user.
func (s *Store) UserAbilitiesForUser(ctx context.Context, userID, tenantID string, at time.Time) ([]ability.UserAbility, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, user_id, tenant_id, coalesce(role_context_id, ''), action, subject,
		       conditions, fields, inverted, priority, reason, expires_at, created_at
		from user_abilities
		where user_id = $1
		  and ($2 = '' or tenant_id = $2)
		  and (expires_at is null or expires_at > $3)
	`, userID, tenantID, at.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ability.UserAbility
	for rows.Next() {
		var (
			u             ability.UserAbility
			conds, fields []byte
			expires       sql.NullTime
		)
		if err := rows.Scan(&u.ID, &u.UserID, &u.TenantID, &u.RoleContextID, &u.Action, &u.Subject,
			&conds, &fields, &u.Inverted, &u.Priority, &u.Reason, &expires, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.Conditions = decodeConditions(conds)
		u.Fields = decodeFields(fields)
		if expires.Valid {
			t := expires.Time
			u.ExpiresAt = &t
		}
		out = append(out, u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CreateAbility(ctx context.Context, a ability.Ability) (ability.Ability, error) {
	if s.db == nil {
		return ability.Ability{}, errNoDB
	}
	if a.ID == "" {
		a.ID = ids.New()
	}
	conds, fields, err := encodeRule(a.Conditions, a.Fields)
	if err != nil {
		return ability.Ability{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into abilities(id, role_id, action, subject, conditions, fields, inverted, priority, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, now())
		returning created_at
	`, a.ID, a.RoleID, string(a.Action), a.Subject, conds, fields, a.Inverted, a.Priority).Scan(&a.CreatedAt)
	if err != nil {
		return ability.Ability{}, mapWriteError(err, "role %s does not exist", a.RoleID)
	}
	return a, nil
}

func (s *Store) CreateUserAbility(ctx context.Context, u ability.UserAbility) (ability.UserAbility, error) {
	if s.db == nil {
		return ability.UserAbility{}, errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	conds, fields, err := encodeRule(u.Conditions, u.Fields)
	if err != nil {
		return ability.UserAbility{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into user_abilities(id, user_id, tenant_id, role_context_id, action, subject,
		                           conditions, fields, inverted, priority, reason, expires_at, created_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())
		returning created_at
	`, u.ID, u.UserID, u.TenantID, nullIfEmpty(u.RoleContextID), string(u.Action), u.Subject,
		conds, fields, u.Inverted, u.Priority, u.Reason, nullTime(u.ExpiresAt)).Scan(&u.CreatedAt)
	if err != nil {
		return ability.UserAbility{}, mapWriteError(err, "user %s or role %s does not exist", u.UserID, u.RoleContextID)
	}
	return u, nil
}

func mapWriteError(err error, missing string, args ...any) error {
	pgErr, ok := maybePgError(err)
	if !ok {
		return err
	}
	switch pgErr.Code {
	case pgErrUniqueViolation:
		return fault.Conflict(fault.ReasonDuplicate, "%s", pgErr.ConstraintName).Wrap(err)
	case pgErrForeignKeyViolation:
		return fault.Conflict(fault.ReasonInvalidRule, missing, args...).Wrap(err)
	}
	return err
}

func encodeRule(conds condition.Conditions, fields []string) (any, any, error) {
	var c, f any
	if len(conds) > 0 {
		raw, err := json.Marshal(conds)
		if err != nil {
			return nil, nil, err
		}
		c = raw
	}
	if len(fields) > 0 {
		raw, err := json.Marshal(fields)
		if err != nil {
			return nil, nil, err
		}
		f = raw
	}
	return c, f, nil
}

func decodeConditions(raw []byte) condition.Conditions {
	if len(raw) == 0 {
		return nil
	}
	var c condition.Conditions
	if err := json.Unmarshal(raw, &c); err != nil {
		return condition.Conditions{undecodableKey: err.Error()}
	}
	return c
}

// decodeFields tolerates a malformed column by restricting the rule to no
// field at all.
func decodeFields(raw []byte) []string {
	if len(raw) == 0 {
		return nil
	}
	var f []string
	if err := json.Unmarshal(raw, &f); err != nil {
		return []string{""}
	}
	return f
}
