// Package migrate applies the embedded schema migrations and seed data.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"

	"tessera.org/internal/obs"
)

const (
	defaultMigrationsTable = "schema_migrations"
	defaultSeedsTable      = "schema_seeds"
)

//go:embed sql/*.sql
var migrationsFS embed.FS

//go:embed seeds/*.sql
var seedsFS embed.FS

// Manager runs versioned migrations and seeds, each tracked in its own table.
type Manager struct {
	migrations *goose.Provider
	seeds      *goose.Provider
}

type config struct {
	migrationsTable string
	seedsTable      string
}

// Option configures Manager.
type Option func(*config)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(c *config) {
		if name != "" {
			c.migrationsTable = name
		}
	}
}

// WithSeedsTable overrides the default seeds bookkeeping table.
func WithSeedsTable(name string) Option {
	return func(c *config) {
		if name != "" {
			c.seedsTable = name
		}
	}
}

// NewManager constructs a Manager over a PostgreSQL handle.
func NewManager(db *sql.DB, opts ...Option) (*Manager, error) {
	cfg := config{migrationsTable: defaultMigrationsTable, seedsTable: defaultSeedsTable}
	for _, opt := range opts {
		opt(&cfg)
	}
	migrations, err := newProvider(db, migrationsFS, "sql", cfg.migrationsTable)
	if err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	seeds, err := newProvider(db, seedsFS, "seeds", cfg.seedsTable)
	if err != nil {
		return nil, fmt.Errorf("seeds: %w", err)
	}
	return &Manager{migrations: migrations, seeds: seeds}, nil
}

func newProvider(db *sql.DB, fsys embed.FS, dir, table string) (*goose.Provider, error) {
	sub, err := fs.Sub(fsys, dir)
	if err != nil {
		return nil, err
	}
	store, err := database.NewStore(database.DialectPostgres, table)
	if err != nil {
		return nil, err
	}
	return goose.NewProvider("", db, sub, goose.WithStore(store))
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	results, err := m.migrations.Up(ctx)
	logResults("migration", results)
	return err
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	res, err := m.migrations.Down(ctx)
	if errors.Is(err, goose.ErrNoNextVersion) {
		return errors.New("no migrations applied")
	}
	if res != nil {
		logResults("migration", []*goose.MigrationResult{res})
	}
	return err
}

// Status returns every known migration with its state, oldest first.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	statuses, err := m.migrations.Status(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		line := fmt.Sprintf("%05d %s %s", st.Source.Version, st.Source.Path, st.State)
		if st.State == goose.StateApplied {
			line += " " + st.AppliedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		out = append(out, line)
	}
	return out, nil
}

// Seed applies pending seed files. Seeds depend on the schema, so run Up first.
func (m *Manager) Seed(ctx context.Context) error {
	results, err := m.seeds.Up(ctx)
	logResults("seed", results)
	return err
}

// Sources lists the embedded migration files in version order.
func (m *Manager) Sources() []string {
	src := m.migrations.ListSources()
	out := make([]string, len(src))
	for i, s := range src {
		out[i] = s.Path
	}
	return out
}

func logResults(kind string, results []*goose.MigrationResult) {
	log := obs.Logger()
	for _, r := range results {
		if r == nil || r.Source == nil {
			continue
		}
		ev := log.Info()
		if r.Error != nil {
			ev = log.Error().Err(r.Error)
		}
		ev.Str("kind", kind).
			Int64("version", r.Source.Version).
			Str("file", r.Source.Path).
			Str("direction", r.Direction).
			Dur("took", r.Duration).
			Msg("migrate_step")
	}
}
