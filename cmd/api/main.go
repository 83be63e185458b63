package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/BradenHooton/keyforge/internal/auth"
	"github.com/BradenHooton/keyforge/internal/background"
	"github.com/BradenHooton/keyforge/internal/config"
	"github.com/BradenHooton/keyforge/internal/database"
	"github.com/BradenHooton/keyforge/internal/handlers"
	"github.com/BradenHooton/keyforge/internal/metrics"
	middlewareCustom "github.com/BradenHooton/keyforge/internal/middleware"
	"github.com/BradenHooton/keyforge/internal/repositories"
	"github.com/BradenHooton/keyforge/internal/routes"
	"github.com/BradenHooton/keyforge/internal/services"
	pkgauth "github.com/BradenHooton/keyforge/pkg/auth"
	pkghttp "github.com/BradenHooton/keyforge/pkg/http"
)

func main() {
	generateKey := flag.Bool("generate-api-key", false, "print a new HWID verification API key and its hash, then exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	if *generateKey {
		plain, hash, err := auth.NewAPIKeyManager(cfg.Auth.APIKeyPrefix, nil).GenerateAPIKey()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("api key (give to the client, shown once): %s\nhash (add to API_KEY_HASHES): %s\n", plain, hash)
		return
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("server stopped gracefully")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Initialize database
	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.MigrateOnStart {
		if err := db.Migrate(ctx); err != nil {
			return err
		}
	}

	// Initialize repositories
	userRepo := repositories.NewUserRepository(db)
	revokeRepo := repositories.NewTokenRevocationRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	resetRepo := repositories.NewPasswordResetRepository(db)
	hwidRepo := repositories.NewHWIDBindingRepository(db)

	// Counters live in Redis when configured so every replica shares them.
	cleanupDeps := background.CleanupDeps{
		Revocations: revokeRepo,
		ResetTokens: resetRepo,
		AuditLogs:   auditRepo,
	}
	healthChecks := map[string]handlers.Pinger{"postgres": handlers.PingFunc(db.HealthCheck)}

	var (
		rateStore services.RateWindowStore
		lockStore services.LockoutStore
	)
	if cfg.Redis.Enabled() {
		client, err := repositories.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer client.Close()

		rateStore = repositories.NewRedisRateWindowStore(client, "keyforge:rate:")
		lockStore = repositories.NewRedisLockoutStore(client, "keyforge:lockout:")
		healthChecks["redis"] = redisPinger(client)
		logger.Info("using redis counter stores", slog.String("addr", cfg.Redis.Addr))
	} else {
		memRate := repositories.NewMemoryRateWindowStore(time.Now)
		memLock := repositories.NewMemoryLockoutStore(time.Now)
		rateStore, lockStore = memRate, memLock

		cleanupDeps.RateWindows, cleanupDeps.RateWindowTTL = memRate, longestWindow(cfg.RateLimit)
		cleanupDeps.Lockouts, cleanupDeps.LockoutTTL = memLock, cfg.Lockout.RecordTTL
		logger.Warn("REDIS_ADDR not set, rate limit and lockout counters are process-local")
	}

	// Audit trail
	auditService := services.NewAuditService(auditRepo, cfg.Audit.BufferSize, logger, m)
	defer auditService.Close()

	// Initialize token manager
	tokenManager, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:     cfg.Auth.JWTSecret,
		TTL:        cfg.Auth.TokenTTL,
		VerifyTTL:  cfg.Auth.VerifyTokenTTL,
		Issuer:     cfg.Auth.Issuer,
		Audience:   cfg.Auth.Audience,
		Production: cfg.IsProduction(),
	})
	if err != nil {
		return err
	}

	mailer, err := newMailer(ctx, cfg, logger)
	if err != nil {
		return err
	}

	// Initialize services
	hasher := pkgauth.NewHasher(cfg.Password.BcryptCost)
	policy := services.PasswordPolicyFromConfig(cfg.Password)
	rateLimitService := services.NewRateLimitService(rateStore, cfg.RateLimit, cfg.Auth.StoreTimeout, logger, m)
	lockoutService := services.NewLockoutService(lockStore, userRepo, cfg.Lockout, cfg.Auth.StoreTimeout, auditService, logger, m)

	authService, err := services.NewAuthService(services.AuthDeps{
		Users:       userRepo,
		Revocations: revokeRepo,
		Tokens:      tokenManager,
		Hasher:      hasher,
		Policy:      policy,
		RateLimits:  rateLimitService,
		Lockout:     lockoutService,
		Timing: auth.NewTimingDelay(auth.TimingConfig{
			BaseDelay: time.Duration(cfg.Auth.TimingBaseDelayMs) * time.Millisecond,
			Jitter:    time.Duration(cfg.Auth.TimingRandomDelayMs) * time.Millisecond,
		}),
		Mailer:  mailer,
		Audit:   auditService,
		Logger:  logger,
		Metrics: m,

		EmailVerificationRequired: cfg.Auth.EmailVerificationRequired,
		StoreTimeout:              cfg.Auth.StoreTimeout,
	})
	if err != nil {
		return err
	}

	resetService := services.NewPasswordResetService(resetRepo, userRepo, hasher, policy, lockoutService, mailer, auditService, services.PasswordResetConfig{
		TokenTTL:     cfg.Password.ResetTokenTTL,
		MaxPerDay:    cfg.Password.ResetMaxPerDay,
		StoreTimeout: cfg.Auth.StoreTimeout,
	}, logger)

	hwidService, err := services.NewHWIDService(hwidRepo, cfg.HWID, cfg.Auth.StoreTimeout, auditService, logger, m)
	if err != nil {
		return err
	}
	adminService := services.NewAdminService(userRepo, lockoutService, cfg.Auth.StoreTimeout, auditService, logger)
	userService := services.NewUserService(userRepo, cfg.Auth.StoreTimeout, logger)

	// Bootstrap first admin user if configured
	if cfg.Auth.AdminEmail != "" && cfg.Auth.AdminPassword != "" {
		bootCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		created, err := authService.EnsureAdmin(bootCtx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword)
		cancel()
		if err != nil {
			logger.Error("failed to ensure admin user", slog.Any("error", err))
		} else if created {
			logger.Info("admin user created")
		}
	}

	ipConfig := pkghttp.NewIPConfig(cfg.Server.TrustedProxies)
	apiKeys := auth.NewAPIKeyManager(cfg.Auth.APIKeyPrefix, cfg.Auth.APIKeyHashes)
	if !apiKeys.Enabled() {
		logger.Warn("no API key hashes configured, HWID verification endpoint will reject every call")
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middlewareCustom.FloodGuard(cfg.Server.FloodLimitPerMinute, ipConfig))
	router.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	routes.RegisterRoutes(router, routes.Dependencies{
		Auth:   handlers.NewAuthHandler(authService, resetService, rateLimitService, ipConfig),
		Users:  handlers.NewUserHandler(userService),
		HWID:   handlers.NewHWIDHandler(hwidService),
		Admin:  handlers.NewAdminHandler(adminService),
		Audit:  handlers.NewAuditHandler(auditService),
		Health: handlers.NewHealthHandler(healthChecks, 2*time.Second),
		Authn: auth.AuthMiddleware(auth.AuthDeps{
			Tokens:      tokenManager,
			Revocations: revokeRepo,
			Revocation: auth.RevocationConfig{
				FailClosed: cfg.Auth.RevocationFailClosed,
				Timeout:    cfg.Auth.StoreTimeout,
			},
			Audit:    auditService,
			IPConfig: ipConfig,
			Logger:   logger,
		}),
		Authorizer: auth.NewAuthorizer(userRepo, auditService, logger),
		APIKeys:    apiKeys,
		Limiter:    rateLimitService,
		Recorder:   auditService,
		IPConfig:   ipConfig,
		Metrics:    m.Handler(),
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	cleanupManager := background.NewCleanupManager(cleanupDeps, logger, cfg.Auth.CleanupInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cleanupManager.Start(gctx)
	})
	g.Go(func() error {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func newMailer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (services.Mailer, error) {
	if cfg.Email.Provider == "ses" {
		return services.NewSESMailer(ctx, cfg.Email.Region, cfg.Email.SenderEmail, cfg.Email.BaseURL, cfg.Email.SendsPerSecond, logger)
	}
	return services.NewLogMailer(cfg.Email.BaseURL, cfg.Server.Env, logger), nil
}

func redisPinger(client *redis.Client) handlers.PingFunc {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

// longestWindow bounds how long an idle in-memory window can still matter.
func longestWindow(limits config.RateLimitConfig) time.Duration {
	longest := time.Hour
	for _, l := range []config.ClassLimit{limits.General, limits.Auth, limits.PasswordReset, limits.KeyRedemption, limits.APIKey} {
		longest = max(longest, l.Window)
	}
	return longest
}
