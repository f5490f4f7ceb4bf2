package main

import (
	"context"
	crypto_rand "crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/rhu/healthrecords/internal/config"
	"github.com/rhu/healthrecords/internal/domain/admin"
	"github.com/rhu/healthrecords/internal/domain/audit"
	"github.com/rhu/healthrecords/internal/domain/clinical"
	"github.com/rhu/healthrecords/internal/domain/identity"
	"github.com/rhu/healthrecords/internal/domain/realtime"
	"github.com/rhu/healthrecords/internal/domain/scheduling"
	"github.com/rhu/healthrecords/internal/domain/suggestion"
	"github.com/rhu/healthrecords/internal/platform/apperr"
	"github.com/rhu/healthrecords/internal/platform/auth"
	"github.com/rhu/healthrecords/internal/platform/db"
	"github.com/rhu/healthrecords/internal/platform/docstore"
	"github.com/rhu/healthrecords/internal/platform/eventbus"
	"github.com/rhu/healthrecords/internal/platform/llm"
	"github.com/rhu/healthrecords/internal/platform/metrics"
	"github.com/rhu/healthrecords/internal/platform/middleware"
	"github.com/rhu/healthrecords/internal/platform/policy"
	"github.com/rhu/healthrecords/internal/platform/websocket"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "records-server",
		Short: "Health office records API server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(userCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the records API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				count, err := db.NewMigrator(pool, migrationsDir(dir, cfg)).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withPool(func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error {
				statuses, err := db.NewMigrator(pool, migrationsDir(dir, cfg)).Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				fmt.Println("---------- ---------------------------------------- ---------- --------------------")
				for _, s := range statuses {
					status := "pending"
					appliedAt := ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func withPool(fn func(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required for migrations")
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, pool, cfg)
}

func migrationsDir(flag string, cfg *config.Config) string {
	if flag != "" {
		return flag
	}
	return cfg.MigrationsDir
}

func userCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts",
	}

	createAdmin := &cobra.Command{
		Use:   "create-admin",
		Short: "Create an administrator account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, _ := cmd.Flags().GetString("email")
			name, _ := cmd.Flags().GetString("name")
			password, _ := cmd.Flags().GetString("password")
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password are required")
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreBackend == config.BackendMemory {
				return fmt.Errorf("create-admin needs a persistent STORE_BACKEND, got %q", cfg.StoreBackend)
			}
			logger := newLogger(cfg)
			ctx := context.Background()
			backend, err := openBackend(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer backend.close()

			resolver := policy.NewResolver(policy.NewIndex(backend.store))
			svc := identity.NewService(identity.NewRepository(backend.store), resolver, policy.NewIndex(backend.store),
				auth.NewCredentials(backend.store), nil, audit.NewEmitter(backend.store, logger, audit.NewStoreSink(backend.store)))
			p, err := svc.CreateAdmin(ctx, name, email, password)
			if err != nil {
				return err
			}
			fmt.Printf("Created admin %s (%s)\n", p.ID, p.Email)
			return nil
		},
	}
	createAdmin.Flags().String("email", "", "Login email")
	createAdmin.Flags().String("name", "Administrator", "Display name")
	createAdmin.Flags().String("password", "", "Initial password")
	cmd.AddCommand(createAdmin)

	return cmd
}

func newLogger(cfg *config.Config) zerolog.Logger {
	if cfg.IsDev() {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// backend is the document store chosen by STORE_BACKEND plus what /health/db
// needs to describe it.
type backend struct {
	store  docstore.Store
	pinger db.Pinger
	stats  func() *db.PoolStats
	close  func()
}

func openBackend(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*backend, error) {
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, fmt.Errorf("connect to database: %w", err)
		}
		store := docstore.NewPostgresStore(pool, logger)
		return &backend{
			store:  store,
			pinger: pool,
			stats:  func() *db.PoolStats { return db.GetPoolStats(pool) },
			close: func() {
				store.Close()
				pool.Close()
			},
		}, nil
	case config.BackendSupabase:
		store, err := docstore.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseTable)
		if err != nil {
			return nil, fmt.Errorf("connect to supabase: %w", err)
		}
		return &backend{store: store, pinger: storePinger{store}, close: store.Close}, nil
	case config.BackendMemory:
		store := docstore.NewMemoryStore()
		return &backend{store: store, pinger: storePinger{store}, close: store.Close}, nil
	}
	return nil, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend)
}

// storePinger checks a store without a connection pool by reading a document
// that never exists.
type storePinger struct {
	store docstore.Store
}

func (p storePinger) Ping(ctx context.Context) error {
	_, err := p.store.Get(ctx, "patients", "__health__")
	if err == nil || errors.Is(err, docstore.ErrNotFound) {
		return nil
	}
	return err
}

func runServer() error {
	// Config
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}
	loc, _ := cfg.Location()

	signingKey, randomKey, err := resolveSigningKey(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("signing key error")
	}
	if randomKey {
		logger.Warn().Msg("AUTH_SIGNING_KEY not set; using random key (sessions will not survive restart)")
	}
	issuer, err := auth.NewIssuer(signingKey, cfg.AuthIssuer, cfg.AuthTokenTTL)
	if err != nil {
		logger.Fatal().Err(err).Msg("token issuer")
	}

	// Store
	ctx := context.Background()
	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open document store")
	}
	defer be.close()
	logger.Info().Str("backend", cfg.StoreBackend).Msg("document store ready")
	store := be.store

	// Access control
	index := policy.NewIndex(store)
	resolver := policy.NewResolver(index)
	profiles := auth.NewStoreProfiles(store)
	credentials := auth.NewCredentials(store)

	// Audit
	sinks := []audit.Sink{audit.NewStoreSink(store)}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := eventbus.NewProducer(cfg.KafkaBrokers, cfg.AuditTopic, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("kafka producer")
		}
		defer producer.Close()
		sinks = append(sinks, audit.NewKafkaSink(producer))
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.AuditTopic).Msg("audit entries mirrored to kafka")
	}
	emitter := audit.NewEmitter(store, logger, sinks...)

	// Domain services
	identitySvc := identity.NewService(identity.NewRepository(store), resolver, index, credentials, issuer, emitter)
	clinicalSvc := clinical.NewService(store, resolver)
	schedulingSvc := scheduling.NewService(store, resolver, clinicalSvc, loc, logger)
	adminSvc := admin.NewService(store, resolver, credentials, emitter)
	llmClient := llm.NewClient(cfg.LLMEndpoint, cfg.LLMAPIKey, cfg.LLMModel, cfg.LLMTimeout)
	suggestionSvc := suggestion.NewService(clinicalSvc, llmClient, logger)
	if !cfg.LLMEnabled() {
		logger.Warn().Msg("LLM_ENDPOINT not set; AI suggestion endpoints will answer 503")
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = apperr.HTTPErrorHandler(logger)

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(metrics.Middleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{"Authorization", "Content-Type", "X-Request-ID", auth.DevActorHeader},
	}))
	e.Use(middleware.BodyLimit("1M", "10M"))

	// Health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":  "ok",
			"version": "0.1.0",
		})
	})
	e.GET("/health/db", db.HealthHandler(be.pinger, be.stats))
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	// API group
	apiV1 := e.Group("/api/v1")

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}
	apiV1.Use(middleware.RateLimit(rateLimitCfg))

	jwtCfg := issuer.Config()
	jwtCfg.Skipper = auth.AuthSkipper
	if cfg.IsDev() {
		apiV1.Use(auth.DevAuthMiddleware(jwtCfg))
	} else {
		apiV1.Use(auth.JWTMiddleware(jwtCfg))
	}
	apiV1.Use(auth.ActorMiddleware(profiles, cfg.IsDev()))

	authGroup := apiV1.Group("/auth", middleware.RateLimit(middleware.PerMinute(cfg.AuthRateLimitPerMin)))

	identity.NewHandler(identitySvc).RegisterRoutes(apiV1, authGroup)
	clinical.NewHandler(clinicalSvc).RegisterRoutes(apiV1)
	scheduling.NewHandler(schedulingSvc).RegisterRoutes(apiV1)
	admin.NewHandler(adminSvc).RegisterRoutes(apiV1)
	audit.NewHandler(emitter, resolver).RegisterRoutes(apiV1)
	suggestion.NewHandler(suggestionSvc).RegisterRoutes(apiV1)

	// Realtime subscriptions
	feed := realtime.NewFeed(store, resolver, profiles, logger)
	hub := websocket.NewHub(feed, logger)
	websocket.NewWebSocketHandler(hub, cfg.CORSOrigins).RegisterRoutes(apiV1)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("timezone", loc.String()).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	hub.CloseAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}

// resolveSigningKey returns the configured session signing key, or a random
// 32-byte key in development when none is set. The second return value is
// true when a random key was generated.
func resolveSigningKey(cfg *config.Config) ([]byte, bool, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, false, fmt.Errorf("invalid AUTH_SIGNING_KEY hex value: %w", err)
	}
	if len(key) > 0 {
		return key, false, nil
	}
	if !cfg.IsDev() {
		return nil, false, fmt.Errorf("AUTH_SIGNING_KEY is required outside development")
	}
	key = make([]byte, 32)
	if _, err := crypto_rand.Read(key); err != nil {
		return nil, false, fmt.Errorf("failed to generate random signing key: %w", err)
	}
	return key, true, nil
}
