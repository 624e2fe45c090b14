// Package pg is the PostgreSQL adapter for accounts, role memberships,
// session bookkeeping and authorization rules.
package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

var errNoDB = errors.New("pg: database not configured")

type Store struct {
	db *sql.DB
}

var (
	_ auth.Store                = (*Store)(nil)
	_ auth.UserStore            = (*Store)(nil)
	_ auth.RoleStore            = (*Store)(nil)
	_ auth.SessionStore         = (*Store)(nil)
	_ ability.RuleStore         = (*Store)(nil)
	_ ability.RuleWriter        = (*Store)(nil)
	_ ability.MembershipChecker = (*Store)(nil)
)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// New wraps an existing handle.
func New(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping reports whether the database answers.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errNoDB
	}
	return s.db.PingContext(ctx)
}

func (s *Store) Users(context.Context) auth.UserStore       { return s }
func (s *Store) Roles(context.Context) auth.RoleStore       { return s }
func (s *Store) Sessions(context.Context) auth.SessionStore { return s }

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}

func nullIfEmpty(s string) sql.NullString {
	s = strings.TrimSpace(s)
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
