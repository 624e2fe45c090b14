package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tessera.org/internal/auth"
	"tessera.org/internal/fault"
	"tessera.org/internal/ids"
)

const userColumns = `id, tenant_id, username, password_hash, status, settings, created_at`

func (s *Store) Find(ctx context.Context, id string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `select `+userColumns+` from users where id = $1`, id)
	return scanUser(row)
}

// FindByUsername matches the username case-insensitively within the tenant.
func (s *Store) FindByUsername(ctx context.Context, tenantID, username string) (*auth.User, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	row := s.db.QueryRowContext(ctx, `
		select `+userColumns+`
		from users
		where tenant_id = $1 and lower(username) = lower($2)
	`, tenantID, username)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*auth.User, error) {
	var (
		u        auth.User
		settings []byte
	)
	err := row.Scan(&u.ID, &u.TenantID, &u.Username, &u.PasswordHash, &u.Status, &settings, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(settings) > 0 {
		if err := json.Unmarshal(settings, &u.Settings); err != nil {
			return nil, fmt.Errorf("decode settings of user %s: %w", u.ID, err)
		}
	}
	return &u, nil
}

// Memberships lists every role of the user. A NULL active flag reads as active.
func (s *Store) Memberships(ctx context.Context, userID string) ([]auth.Membership, error) {
	if s.db == nil {
		return nil, errNoDB
	}
	rows, err := s.db.QueryContext(ctx, `
		select ur.role_id, r.name, r.description, coalesce(ur.active, true), ur.assigned_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by ur.assigned_at, r.name
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []auth.Membership
	for rows.Next() {
		m := auth.Membership{UserID: userID}
		if err := rows.Scan(&m.RoleID, &m.RoleName, &m.Description, &m.Active, &m.AssignedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) HoldsRole(ctx context.Context, userID, roleID string) (bool, error) {
	if s.db == nil {
		return false, errNoDB
	}
	var held bool
	err := s.db.QueryRowContext(ctx, `
		select exists(select 1 from user_roles where user_id = $1 and role_id = $2)
	`, userID, roleID).Scan(&held)
	return held, err
}

// CreateUser inserts an account. Username is unique per tenant,
// case-insensitively.
func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if s.db == nil {
		return auth.User{}, errNoDB
	}
	if u.ID == "" {
		u.ID = ids.New()
	}
	if u.Status == "" {
		u.Status = auth.UserStatusActive
	}
	settings, err := json.Marshal(orEmpty(u.Settings))
	if err != nil {
		return auth.User{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		insert into users(id, tenant_id, username, password_hash, status, settings, created_at)
		values ($1, $2, $3, $4, $5, $6, now())
		returning created_at
	`, u.ID, u.TenantID, u.Username, u.PasswordHash, u.Status, settings).Scan(&u.CreatedAt)
	if err != nil {
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return auth.User{}, fault.Conflict(fault.ReasonDuplicate, "username %s already taken", u.Username).Wrap(err)
		}
		return auth.User{}, err
	}
	return u, nil
}

// AssignRole grants roleID to userID or updates the active flag of an
// existing membership.
func (s *Store) AssignRole(ctx context.Context, userID, roleID string, active bool) error {
	if s.db == nil {
		return errNoDB
	}
	_, err := s.db.ExecContext(ctx, `
		insert into user_roles(user_id, role_id, active, assigned_at)
		values ($1, $2, $3, now())
		on conflict (user_id, role_id) do update set active = excluded.active
	`, userID, roleID, active)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrForeignKeyViolation {
		return auth.ErrNotFound
	}
	return err
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
