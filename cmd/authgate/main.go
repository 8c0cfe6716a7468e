package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	auth "github.com/goliatone/go-auth-gate"
	"github.com/goliatone/go-auth-gate/external"
	"github.com/goliatone/go-auth-gate/external/discord"
	"github.com/goliatone/go-auth-gate/fiberauth"
	presenceredis "github.com/goliatone/go-auth-gate/presence/redis"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/driver/sqliteshim"
	"github.com/uptrace/bun/extra/bundebug"
	"golang.org/x/sync/errgroup"
)

// presenceStore is a registry that needs a background sweep
type presenceStore interface {
	auth.SessionRegistry
	RunSweeper(ctx context.Context, interval time.Duration) error
}

type App struct {
	config      auth.Config
	logger      *slog.Logger
	db          *bun.DB
	store       *auth.BunAccountStore
	events      *auth.BunActivityLog
	issuer      *auth.SessionIssuer
	registry    presenceStore
	linker      *external.Linker
	states      *external.StateCodec
	metrics     *auth.Metrics
	promReg     *prometheus.Registry
	credentials *auth.CredentialAuthenticator
	gate        *auth.Gate
	srv         *fiber.App
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("service", "authgate")

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		logger.Warn("failed to load .env file", "error", err)
	}

	cfg, err := auth.LoadConfig()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &App{config: cfg, logger: logger}

	if err := run(ctx, app); err != nil {
		logger.Error("authgate stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, app *App) error {
	if err := WithMetrics(app); err != nil {
		return err
	}
	if err := WithPersistence(ctx, app); err != nil {
		return err
	}
	defer app.db.Close()

	if err := WithAuth(ctx, app); err != nil {
		return err
	}
	if err := WithHTTPServer(app); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return app.registry.RunSweeper(gctx, app.config.Presence.SweepInterval)
	})

	g.Go(func() error {
		app.logger.Info("http server listening", "addr", app.config.HTTP.Addr)
		if err := app.srv.Listen(app.config.HTTP.Addr); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		app.logger.Info("shutting down http server")
		err := app.srv.ShutdownWithTimeout(app.config.HTTP.ShutdownTimeout)
		app.credentials.Wait()
		return err
	})

	return g.Wait()
}

func WithMetrics(app *App) error {
	if !app.config.MetricsEnabled {
		return nil
	}
	app.promReg = prometheus.NewRegistry()
	app.promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m, err := auth.NewMetrics("authgate", app.promReg)
	if err != nil {
		return err
	}
	app.metrics = m
	return nil
}

func WithPersistence(ctx context.Context, app *App) error {
	cfg := app.config.DB

	switch cfg.Driver {
	case "postgres":
		sqldb, err := sql.Open("pgx", cfg.DSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		app.db = bun.NewDB(sqldb, pgdialect.New())
	default:
		sqldb, err := sql.Open(sqliteshim.ShimName, cfg.DSN)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		sqldb.SetMaxOpenConns(1)
		app.db = bun.NewDB(sqldb, sqlitedialect.New())
	}

	if cfg.Debug {
		app.db.AddQueryHook(bundebug.NewQueryHook(bundebug.WithVerbose(true)))
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := app.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("database ping: %w", err)
	}

	app.store = auth.NewAccountStore(app.db, auth.WithStoreLogger(app.logger.With("component", "store")))
	if err := app.store.CreateSchema(ctx); err != nil {
		return err
	}

	app.events = auth.NewActivityLog(app.db, app.config.ActivityRetention)
	if err := app.events.CreateSchema(ctx); err != nil {
		return err
	}
	return nil
}

func WithAuth(ctx context.Context, app *App) error {
	cfg := app.config

	issuer, err := auth.NewIssuerFromConfig(cfg,
		auth.WithIssuerMetrics(app.metrics),
		auth.WithIssuerLogger(app.logger.With("component", "issuer")),
	)
	if err != nil {
		return err
	}
	app.issuer = issuer

	hasher := auth.NewBcryptHasher()

	if cfg.BootstrapOwnerEmail != "" {
		owner, created, err := auth.EnsureOwner(ctx, app.store, hasher, cfg.BootstrapOwnerEmail, cfg.BootstrapOwnerPassword)
		if err != nil {
			return fmt.Errorf("bootstrap owner: %w", err)
		}
		if created {
			app.logger.Info("bootstrap owner created", "account_id", owner.ID.String())
		}
	}

	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("parse redis url: %w", err)
		}
		app.registry = presenceredis.New(redis.NewClient(opts),
			presenceredis.WithKey(cfg.Redis.Key),
			presenceredis.WithRetention(cfg.Presence.Window),
			presenceredis.WithLogger(app.logger.With("component", "presence")),
		)
	} else {
		app.registry = auth.NewMemoryRegistry(cfg.Presence.Window, nil)
	}

	app.credentials = auth.NewCredentialAuthenticator(app.store,
		auth.WithHasher(hasher),
		auth.WithCredentialActivitySink(app.events),
		auth.WithCredentialMetrics(app.metrics),
		auth.WithCredentialLogger(app.logger.With("component", "credentials")),
		auth.WithLoginRateLimit(cfg.Login.MaxAttempts, cfg.Login.Window),
	)

	if cfg.Discord.ClientID != "" {
		roleMap := map[string]auth.Role{}
		for id, name := range cfg.Discord.RoleMap {
			if role, ok := auth.ParseRole(name); ok {
				roleMap[id] = role
			}
		}
		provider := discord.New(discord.Config{
			ClientID:               cfg.Discord.ClientID,
			ClientSecret:           cfg.Discord.ClientSecret,
			RedirectURL:            cfg.Discord.RedirectURL,
			GuildID:                cfg.Discord.GuildID,
			RequireGuildMembership: cfg.Discord.RequireGuildMembership,
			APIBaseURL:             cfg.Discord.APIBaseURL,
		})
		app.linker = external.NewLinker(provider, app.store,
			external.WithRoleMap(roleMap),
			external.WithOwnerIDs(cfg.Discord.OwnerIDs...),
			external.WithTimeout(cfg.Discord.Timeout),
			external.WithActivitySink(app.events),
			external.WithMetrics(app.metrics),
			external.WithLogger(app.logger.With("component", "external")),
		)

		if cfg.Discord.StateSecret != "" {
			states, err := external.NewStateCodec([]byte(cfg.Discord.StateSecret), cfg.Discord.StateTTL, nil)
			if err != nil {
				return err
			}
			app.states = states
		}
	}

	rules, err := cfg.PathRules()
	if err != nil {
		return err
	}
	app.gate = auth.NewGate(issuer,
		auth.WithRules(rules),
		auth.WithGatePaths(cfg.GatePaths()),
		auth.WithSessionRegistry(app.registry),
		auth.WithGateMetrics(app.metrics),
		auth.WithGateLogger(app.logger.With("component", "gate")),
	)
	return nil
}

func WithHTTPServer(app *App) error {
	cfg := app.config
	logger := app.logger.With("component", "http")

	app.srv = fiber.New(fiber.Config{
		AppName:               "authgate",
		DisableStartupMessage: true,
		ErrorHandler:          fiberauth.ErrorHandler(logger),
	})

	if app.promReg != nil {
		app.srv.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(app.promReg, promhttp.HandlerOpts{})))
	}
	app.srv.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})

	cookie := fiberauth.Cookie{
		Name:     cfg.Cookie.Name,
		Domain:   cfg.Cookie.Domain,
		Secure:   cfg.Cookie.Secure,
		SameSite: cfg.Cookie.SameSite,
		MaxAge:   cfg.Token.TTL,
	}

	app.srv.Use(fiberauth.New(fiberauth.Config{
		Filter: func(c *fiber.Ctx) bool {
			return c.Path() == "/metrics" || c.Path() == "/healthz"
		},
		Gate:        app.gate,
		TokenLookup: cfg.Token.Lookup,
		AuthScheme:  cfg.Token.AuthScheme,
		Cookie:      cookie,
		Logger:      logger,
	}))

	fiberauth.NewController(fiberauth.ControllerConfig{
		Credentials:    app.credentials,
		Issuer:         app.issuer,
		Store:          app.store,
		Gate:           app.gate,
		Registry:       app.registry,
		Linker:         app.linker,
		StateCodec:     app.states,
		Events:         app.events,
		Activity:       app.events,
		Cookie:         cookie,
		TokenLookup:    cfg.Token.Lookup,
		AuthScheme:     cfg.Token.AuthScheme,
		PresenceWindow: cfg.Presence.Window,
		Logger:         logger,
	}).Register(app.srv)

	return nil
}
