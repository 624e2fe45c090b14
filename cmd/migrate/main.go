package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"

	"tessera.org/internal/auth"
	"tessera.org/internal/migrate"
	"tessera.org/internal/store/pg"
)

const usage = "usage: migrate [--dsn DSN] up|down|status|seed|create-user"

func main() {
	log.SetFlags(0)
	var (
		dsn      = pflag.String("dsn", os.Getenv("TESSERA_PG_DSN"), "PostgreSQL DSN")
		timeout  = pflag.Duration("timeout", 30*time.Second, "overall deadline")
		tenant   = pflag.String("tenant", "", "create-user: tenant id")
		username = pflag.String("username", "", "create-user: login name")
		password = pflag.String("password", os.Getenv("TESSERA_BOOTSTRAP_PASSWORD"), "create-user: plaintext password")
		roles    = pflag.StringSlice("role", nil, "create-user: role id to assign (repeatable)")
	)
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or TESSERA_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal(usage)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr, err := migrate.NewManager(store.DB())
	if err != nil {
		log.Fatalf("load migrations: %v", err)
	}

	switch pflag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "create-user":
		err = createUser(ctx, store, *tenant, *username, *password, *roles)
	default:
		log.Fatalf("unknown command %q\n%s", pflag.Arg(0), usage)
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}

func createUser(ctx context.Context, store *pg.Store, tenant, username, password string, roles []string) error {
	if strings.TrimSpace(username) == "" || password == "" {
		return errors.New("--username and --password are required")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u, err := store.CreateUser(ctx, auth.User{TenantID: tenant, Username: username, PasswordHash: hash})
	if err != nil {
		return err
	}
	for _, roleID := range roles {
		if err := store.AssignRole(ctx, u.ID, roleID, true); err != nil {
			return fmt.Errorf("assign %s: %w", roleID, err)
		}
	}
	fmt.Printf("created user %s (%s)\n", u.Username, u.ID)
	return nil
}
