package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"tessera.org/internal/ability"
	"tessera.org/internal/auth"
	"tessera.org/internal/config"
	"tessera.org/internal/httpapi"
	"tessera.org/internal/migrate"
	"tessera.org/internal/obs"
	"tessera.org/internal/store/memory"
	"tessera.org/internal/store/pg"
	"tessera.org/internal/store/redisstore"
	"tessera.org/internal/token"
)

var (
	version = "0.1.0"
	commit  = ""
)

// backend is everything the services need from the primary store.
type backend interface {
	auth.Store
	ability.RuleStore
	ability.RuleWriter
	ability.MembershipChecker
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tessera-api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		httpAddr       string
		grpcAddr       string
		bootstrapAdmin string
		showVersion    bool
	)
	flags := pflag.NewFlagSet("tessera-api", pflag.ContinueOnError)
	flags.StringVar(&httpAddr, "http-addr", "", "HTTP listen address (overrides TESSERA_HTTP_ADDR)")
	flags.StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (overrides TESSERA_GRPC_ADDR)")
	flags.StringVar(&bootstrapAdmin, "bootstrap-admin", "", "tenant/username:password of an administrator created in the in-memory store")
	flags.BoolVar(&showVersion, "version", false, "print version and exit")
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println(version)
		return nil
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if httpAddr != "" {
		cfg.HTTPAddr = httpAddr
	}
	if grpcAddr != "" {
		cfg.GRPCAddr = grpcAddr
	}

	obs.SetLogger(obs.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat))
	log := obs.Logger()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		store backend
		db    *sql.DB
	)
	if cfg.PGDSN != "" {
		pgStore, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		defer pgStore.Close()
		db = pgStore.DB()
		if cfg.AutoMigrate {
			mgr, err := migrate.NewManager(db)
			if err != nil {
				return fmt.Errorf("migrations: %w", err)
			}
			if err := mgr.Up(ctx); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
		}
		store = pgStore
	} else {
		mem := memory.New()
		if bootstrapAdmin != "" {
			if err := seedAdmin(ctx, mem, bootstrapAdmin); err != nil {
				return fmt.Errorf("bootstrap admin: %w", err)
			}
		}
		log.Warn().Msg("no TESSERA_PG_DSN set, using in-memory store")
		store = mem
	}

	var serviceOpts []auth.ServiceOption
	probe := httpapi.ReadyProbe{DB: db}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer client.Close()
		sessions := redisstore.New(client, redisstore.WithKeyPrefix(cfg.RedisKeyPrefix))
		serviceOpts = append(serviceOpts, auth.WithSessionStore(sessions))
		probe.Cache = sessions
	}
	serviceOpts = append(serviceOpts, auth.WithLogger(log))

	issuerOpts := []token.Option{
		token.WithIssuer(cfg.Issuer),
		token.WithTTLs(cfg.PreAuthTTL, cfg.AccessTTL, cfg.RefreshTTL),
	}
	if cfg.RefreshSecret != "" {
		issuerOpts = append(issuerOpts, token.WithRefreshSecret(cfg.RefreshSecret))
	}
	issuer, err := token.NewIssuer(cfg.AccessSecret, cfg.PreAuthSecret, issuerOpts...)
	if err != nil {
		return fmt.Errorf("token issuer: %w", err)
	}
	sessions, err := auth.NewService(store, issuer, serviceOpts...)
	if err != nil {
		return fmt.Errorf("session service: %w", err)
	}

	evalOpts := []ability.Option{ability.WithLogger(log)}
	if cfg.ScopeToActiveRole {
		evalOpts = append(evalOpts, ability.ScopeToActiveRole())
	}
	authz, err := ability.NewEvaluator(store, evalOpts...)
	if err != nil {
		return fmt.Errorf("evaluator: %w", err)
	}
	admin, err := ability.NewManager(store, store)
	if err != nil {
		return fmt.Errorf("ability manager: %w", err)
	}

	api := httpapi.New(probe, version, sessions, authz, admin,
		httpapi.WithRateLimit(cfg.RateBurst, cfg.RatePerSecond),
		httpapi.WithLoginRateLimit(cfg.LoginRateBurst, cfg.LoginRatePerSec),
		httpapi.WithMaxBodyBytes(cfg.MaxBodyBytes),
		httpapi.WithProduction(cfg.IsProduction()),
	)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       60 * time.Second,
	}

	grpcSrv := grpc.NewServer(grpc.ChainUnaryInterceptor(httpapi.UnaryLogging))
	authzRPC := httpapi.NewGRPCServer(probe, sessions, authz)
	authzRPC.Register(grpcSrv)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	log.Info().
		Str("version", version).
		Str("http_addr", cfg.HTTPAddr).
		Str("grpc_addr", cfg.GRPCAddr).
		Bool("postgres", db != nil).
		Bool("redis", cfg.RedisAddr != "").
		Msg("starting tessera-api")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			authzRPC.RefreshHealth(gctx)
			select {
			case <-gctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		authzRPC.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	log.Info().Msg("stopped")
	return err
}

// seedAdmin creates an administrator from "tenant/username:password" so an
// in-memory instance can be driven without a database.
func seedAdmin(ctx context.Context, mem *memory.Store, arg string) error {
	who, password, ok := strings.Cut(arg, ":")
	if !ok || password == "" {
		return errors.New("expected tenant/username:password")
	}
	tenant, username, ok := strings.Cut(who, "/")
	if !ok || tenant == "" || username == "" {
		return errors.New("expected tenant/username:password")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	role := mem.AddRole(auth.Role{ID: "admin", Name: "Administrator"})
	if _, err := mem.CreateAbility(ctx, ability.Ability{
		RoleID:  role.ID,
		Action:  ability.ActionManage,
		Subject: ability.SubjectAll,
	}); err != nil {
		return err
	}
	u, err := mem.AddUser(auth.User{TenantID: tenant, Username: username, PasswordHash: hash})
	if err != nil {
		return err
	}
	return mem.Assign(u.ID, role.ID, true)
}
