package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"tessera.org/internal/auth"
)

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) Preference(ctx context.Context, userID string) (auth.Preference, error) {
	if s.db == nil {
		return auth.Preference{}, errNoDB
	}
	p := auth.Preference{UserID: userID}
	var recent []byte
	err := s.db.QueryRowContext(ctx, `
		select auto_login, coalesce(default_role_id, ''), recent_role_ids, updated_at
		from user_preferences
		where user_id = $1
	`, userID).Scan(&p.AutoLogin, &p.DefaultRoleID, &recent, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return p, nil
	}
	if err != nil {
		return auth.Preference{}, err
	}
	if len(recent) > 0 {
		if err := json.Unmarshal(recent, &p.RecentRoleIDs); err != nil {
			return auth.Preference{}, fmt.Errorf("decode recent roles of user %s: %w", userID, err)
		}
	}
	return p, nil
}

func (s *Store) Session(ctx context.Context, userID string) (auth.SessionRecord, error) {
	if s.db == nil {
		return auth.SessionRecord{}, errNoDB
	}
	return readSession(ctx, s.db, userID)
}

func readSession(ctx context.Context, q querier, userID string) (auth.SessionRecord, error) {
	rec := auth.SessionRecord{UserID: userID}
	err := q.QueryRowContext(ctx, `
		select coalesce(refresh_id, ''), generation, updated_at
		from user_sessions
		where user_id = $1
	`, userID).Scan(&rec.RefreshID, &rec.Generation, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, nil
	}
	if err != nil {
		return auth.SessionRecord{}, err
	}
	return rec, nil
}

// Commit applies the preference and refresh-chain changes in one transaction.
func (s *Store) Commit(ctx context.Context, userID string, upd auth.SessionUpdate) (auth.SessionRecord, error) {
	if s.db == nil {
		return auth.SessionRecord{}, errNoDB
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return auth.SessionRecord{}, err
	}
	defer func() { _ = tx.Rollback() }()

	if upd.UseRole != "" {
		if err := useRole(ctx, tx, userID, upd.UseRole); err != nil {
			return auth.SessionRecord{}, err
		}
	}
	if upd.Default != nil {
		if _, err := tx.ExecContext(ctx, `
			insert into user_preferences(user_id, auto_login, default_role_id, updated_at)
			values ($1, $2, $3, now())
			on conflict (user_id) do update
			set auto_login = excluded.auto_login, default_role_id = excluded.default_role_id, updated_at = now()
		`, userID, upd.Default.AutoLogin, nullIfEmpty(upd.Default.RoleID)); err != nil {
			return auth.SessionRecord{}, err
		}
	}

	var rec auth.SessionRecord
	if upd.Rotate {
		rec = auth.SessionRecord{UserID: userID}
		err = tx.QueryRowContext(ctx, `
			insert into user_sessions(user_id, refresh_id, generation, updated_at)
			values ($1, $2, 1, now())
			on conflict (user_id) do update
			set refresh_id = excluded.refresh_id, generation = user_sessions.generation + 1, updated_at = now()
			returning coalesce(refresh_id, ''), generation, updated_at
		`, userID, nullIfEmpty(upd.RefreshID)).Scan(&rec.RefreshID, &rec.Generation, &rec.UpdatedAt)
		if err != nil {
			return auth.SessionRecord{}, err
		}
	} else {
		rec, err = readSession(ctx, tx, userID)
		if err != nil {
			return auth.SessionRecord{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return auth.SessionRecord{}, err
	}
	return rec, nil
}

// useRole pushes roleID onto the usage list while holding the preference row
// lock, so concurrent activations never drop each other's entry.
func useRole(ctx context.Context, tx *sql.Tx, userID, roleID string) error {
	if _, err := tx.ExecContext(ctx, `
		insert into user_preferences(user_id, updated_at)
		values ($1, now())
		on conflict (user_id) do nothing
	`, userID); err != nil {
		return err
	}
	var raw []byte
	if err := tx.QueryRowContext(ctx, `
		select recent_role_ids from user_preferences where user_id = $1 for update
	`, userID).Scan(&raw); err != nil {
		return err
	}
	var recent []string
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &recent); err != nil {
			return fmt.Errorf("decode recent roles of user %s: %w", userID, err)
		}
	}
	next, err := json.Marshal(auth.PushRecent(recent, roleID))
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		update user_preferences set recent_role_ids = $2, updated_at = now() where user_id = $1
	`, userID, next)
	return err
}
