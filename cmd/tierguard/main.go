package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	rdb "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dropDatabas3/tierguard/internal/assurance"
	"github.com/dropDatabas3/tierguard/internal/audit"
	"github.com/dropDatabas3/tierguard/internal/cache"
	"github.com/dropDatabas3/tierguard/internal/config"
	httpapi "github.com/dropDatabas3/tierguard/internal/http"
	"github.com/dropDatabas3/tierguard/internal/idp"
	"github.com/dropDatabas3/tierguard/internal/metrics"
	"github.com/dropDatabas3/tierguard/internal/observability/logger"
	"github.com/dropDatabas3/tierguard/internal/policy"
	"github.com/dropDatabas3/tierguard/internal/rate"
	"github.com/dropDatabas3/tierguard/internal/recovery"
	"github.com/dropDatabas3/tierguard/internal/security/secretbox"
	"github.com/dropDatabas3/tierguard/internal/stepup"
	"github.com/dropDatabas3/tierguard/internal/store/core"
	"github.com/dropDatabas3/tierguard/internal/store/memory"
	"github.com/dropDatabas3/tierguard/internal/store/pg"
	"github.com/dropDatabas3/tierguard/migrations"
)

func main() {
	var configPath string
	var envFile string

	root := &cobra.Command{
		Use:           "tierguard",
		Short:         "Motor de decisiones de autenticación por tiers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "ruta del config YAML")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "archivo .env (opcional)")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Levanta el servidor HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(configPath, envFile)
		},
	}
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Aplica las migraciones pendientes del store postgres",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(configPath, envFile)
		},
	}
	root.AddCommand(serve, migrate)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runServe(configPath, envFile string) error {
	_ = godotenv.Load(envFile)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cargando config: %w", err)
	}

	logger.Init(logger.Config{
		Env:         cfg.App.Env,
		Level:       os.Getenv("LOG_LEVEL"),
		ServiceName: "tierguard",
	})
	defer logger.Sync()
	log := logger.Named("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ─── Store ───
	var repo core.Repository
	var pool *pgxpool.Pool
	switch cfg.Storage.Driver {
	case "postgres":
		st, err := pg.New(ctx, cfg.Storage.DSN, pg.Config{
			MaxConns:        cfg.Storage.Postgres.MaxConns,
			ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("conectando a postgres: %w", err)
		}
		repo = st
		pool = st.Pool()
	default:
		repo = memory.New()
	}
	defer repo.Close()

	// ─── Cache compartido (assurance records) ───
	kv, err := cache.New(cache.Config{
		Driver:   cfg.Cache.Kind,
		Addr:     cfg.Cache.Redis.Addr,
		Password: cfg.Cache.Redis.Password,
		DB:       cfg.Cache.Redis.DB,
		Prefix:   cfg.Cache.Redis.Prefix,
	})
	if err != nil {
		return fmt.Errorf("conectando al cache: %w", err)
	}
	defer kv.Close()

	// ─── Motor ───
	registry, err := policy.New(cfg.Policies)
	if err != nil {
		return fmt.Errorf("cargando policies: %w", err)
	}

	assure := assurance.New(kv, assurance.TTLs{
		Tier1: cfg.MustDuration(cfg.Assurance.Tier1TTL),
		Tier2: cfg.MustDuration(cfg.Assurance.Tier2TTL),
		Tier3: cfg.MustDuration(cfg.Assurance.Tier3TTL),
		Tier4: cfg.MustDuration(cfg.Assurance.Tier4TTL),
	})

	sink := audit.NewSink(repo, cfg.Audit.BufferSize)

	orch := stepup.New(stepup.Config{
		Policies:        registry,
		Assurance:       assure,
		Contexts:        repo,
		Audit:           sink,
		ContextTTL:      cfg.MustDuration(cfg.StepUp.ContextTTL),
		RedirectBaseURL: cfg.StepUp.RedirectBaseURL,
	})

	recoveryMgr := recovery.NewManager(repo, sink, cfg.Recovery.BatchSize,
		cfg.MustDuration(cfg.Recovery.CodeExpiry))

	// Fail fast: sin la master key ningún step-up puede sellar payloads.
	if !secretbox.Ready() {
		return fmt.Errorf("falta SECRETBOX_MASTER_KEY (base64 de 32 bytes)")
	}

	// ─── Sesiones del identity provider ───
	secret := strings.TrimSpace(os.Getenv("SESSION_JWT_SECRET"))
	if secret == "" {
		return fmt.Errorf("falta SESSION_JWT_SECRET")
	}
	sessions := idp.NewTokenReader([]byte(secret), cfg.IDP.Issuer,
		cfg.MustDuration(cfg.IDP.SessionCacheTTL))

	// ─── Rate limiting de recovery ───
	// Con redis la ventana se comparte entre instancias; memory solo para dev.
	var redeemLim, issueLim rate.Limiter
	if raw := redisFrom(kv); raw != nil {
		redeemLim = rate.NewRedisLimiter(raw, cfg.Cache.Redis.Prefix+":rl:",
			cfg.Rate.Redeem.Limit, cfg.MustDuration(cfg.Rate.Redeem.Window))
		issueLim = rate.NewRedisLimiter(raw, cfg.Cache.Redis.Prefix+":rl:",
			cfg.Rate.Issue.Limit, cfg.MustDuration(cfg.Rate.Issue.Window))
	} else {
		redeemLim = rate.NewMemoryLimiter(cfg.Rate.Redeem.Limit, cfg.MustDuration(cfg.Rate.Redeem.Window))
		issueLim = rate.NewMemoryLimiter(cfg.Rate.Issue.Limit, cfg.MustDuration(cfg.Rate.Issue.Window))
	}

	// ─── Métricas ───
	metrics.Register(nil)
	metricsHandler, err := httpapi.RegisterMetrics(httpapi.MetricsConfig{
		Pool: func() *pgxpool.Pool { return pool },
	})
	if err != nil {
		return fmt.Errorf("registrando métricas: %w", err)
	}

	// ─── HTTP ───
	api := &httpapi.API{
		Sessions:      sessions,
		Orchestrator:  orch,
		Recovery:      recoveryMgr,
		Audit:         sink,
		Repo:          repo,
		KV:            kv,
		RedeemLimiter: redeemLim,
		IssueLimiter:  issueLim,
		AuditMaxLimit: cfg.Audit.QueryMaxLimit,
		CallbackToken: strings.TrimSpace(os.Getenv("IDP_CALLBACK_TOKEN")),
	}

	router := httpapi.NewRouter(api, httpapi.RouterConfig{
		CORSAllowed: cfg.Server.CORSAllowedOrigins,
		Metrics:     metricsHandler,
	})
	server := httpapi.NewServer(cfg.Server.Addr, router)

	log.Info("escuchando",
		logger.Component("http"),
		logger.Count(registry.Len()),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()

	// Drenar el buffer de auditoría antes de salir.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ferr := sink.Flush(flushCtx); ferr != nil {
		log.Warn("flush de auditoría al apagar", logger.Err(ferr))
	}

	return err
}

func runMigrate(configPath, envFile string) error {
	_ = godotenv.Load(envFile)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("cargando config: %w", err)
	}
	if cfg.Storage.Driver != "postgres" {
		return fmt.Errorf("migrate requiere storage.driver=postgres (actual: %s)", cfg.Storage.Driver)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	st, err := pg.New(ctx, cfg.Storage.DSN, pg.Config{
		MaxConns:        cfg.Storage.Postgres.MaxConns,
		ConnMaxLifetime: cfg.Storage.Postgres.ConnMaxLifetime,
	})
	if err != nil {
		return fmt.Errorf("conectando a postgres: %w", err)
	}
	defer st.Close()

	res, err := pg.NewMigrator(migrations.PostgresFS, migrations.PostgresDir).Apply(ctx, st.Pool())
	if err != nil {
		return err
	}
	fmt.Printf("migraciones aplicadas=%v omitidas=%v\n", res.Applied, res.Skipped)
	return nil
}

// redisFrom devuelve el cliente redis subyacente si el cache lo expone.
func redisFrom(kv cache.Client) *rdb.Client {
	if r, ok := kv.(interface{ Raw() *rdb.Client }); ok {
		return r.Raw()
	}
	return nil
}
