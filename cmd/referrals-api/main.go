package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/referrals/internal/auth"
	"github.com/MarcoPoloResearchLab/referrals/internal/config"
	"github.com/MarcoPoloResearchLab/referrals/internal/database"
	"github.com/MarcoPoloResearchLab/referrals/internal/logging"
	"github.com/MarcoPoloResearchLab/referrals/internal/metrics"
	"github.com/MarcoPoloResearchLab/referrals/internal/pending"
	"github.com/MarcoPoloResearchLab/referrals/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/referrals/internal/referrals"
	"github.com/MarcoPoloResearchLab/referrals/internal/server"
	"github.com/MarcoPoloResearchLab/referrals/internal/users"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "referrals-api",
		Short: "Referral attribution service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	reconcileCmd := &cobra.Command{
		Use:   "reconcile",
		Short: "Raise stored referral counts to match the referral ledger and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReconcile(cmd.Context())
		},
	}
	rootCmd.AddCommand(reconcileCmd)

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before reading the environment")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	flags.String("database-path", defaults.GetString("database.path"), "SQLite database path")
	flags.String("database-dsn", defaults.GetString("database.dsn"), "Postgres connection string")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	flags.String("tauth-signing-secret", "", "TAuth session signing secret (overrides env)")
	flags.String("link-base-url", defaults.GetString("referral.link_base_url"), "Base URL for share links")
	flags.Duration("reconcile-interval", defaults.GetDuration("reconcile.interval"), "Referral count reconcile interval")
	flags.String("redis-url", defaults.GetString("redis.url"), "Redis URL for shared validation rate limits")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "tauth.signing_secret", "tauth-signing-secret")
	bindFlag(cmd, "referral.link_base_url", "link-base-url")
	bindFlag(cmd, "reconcile.interval", "reconcile-interval")
	bindFlag(cmd, "redis.url", "redis-url")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// runtime holds the collaborators shared by the server and the reconcile command.
type runtime struct {
	config      config.AppConfig
	logger      *zap.Logger
	db          *gorm.DB
	metrics     *metrics.Metrics
	coordinator *referrals.Coordinator
}

func openRuntime() (*runtime, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return nil, nil, err
	}

	db, err := database.Open(database.Config{
		Driver: appConfig.DatabaseDriver,
		Path:   appConfig.DatabasePath,
		DSN:    appConfig.DatabaseDSN,
	}, logger)
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		_ = logger.Sync()
		return nil, nil, err
	}
	cleanup := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}

	registry := metrics.New()
	store, err := referrals.NewStore(referrals.StoreConfig{
		Database:    db,
		CodeLength:  appConfig.CodeLength,
		MaxAttempts: appConfig.MaxAttempts,
		Clock:       time.Now,
		IDProvider:  referrals.NewUUIDProvider(),
		Recorder:    registry,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	coordinator, err := referrals.NewCoordinator(referrals.CoordinatorConfig{
		Store:  store,
		Logger: logger,
	})
	if err != nil {
		cleanup()
		return nil, nil, err
	}

	return &runtime{
		config:      appConfig,
		logger:      logger,
		db:          db,
		metrics:     registry,
		coordinator: coordinator,
	}, cleanup, nil
}

func runReconcile(ctx context.Context) error {
	rt, cleanup, err := openRuntime()
	if err != nil {
		return err
	}
	defer cleanup()

	repaired, err := rt.coordinator.Reconcile(ctx)
	if err != nil {
		rt.logger.Error("referral count reconcile failed", zap.Error(err))
		return err
	}
	rt.logger.Info("referral count reconcile finished", zap.Int64("rows", repaired))
	return nil
}

func runServer(ctx context.Context) error {
	rt, cleanup, err := openRuntime()
	if err != nil {
		return err
	}
	defer cleanup()
	appConfig := rt.config
	logger := rt.logger

	accounts, err := users.NewService(users.ServiceConfig{
		Database: rt.db,
		Clock:    time.Now,
	})
	if err != nil {
		return err
	}

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.TAuthSigningKey),
		Issuer:        appConfig.TAuthIssuer,
		CookieName:    appConfig.TAuthCookieName,
	})
	if err != nil {
		return err
	}

	pendingStore := pending.NewCookieStore(pending.CookieStoreConfig{
		Name:   appConfig.PendingCookieName,
		TTL:    appConfig.PendingCookieTTL,
		Secure: isSecureLink(appConfig.LinkBaseURL),
	})

	limiter, closeLimiter, err := buildLimiter(ctx, appConfig, logger)
	if err != nil {
		return err
	}
	defer closeLimiter()

	reconciler, err := referrals.NewReconciler(referrals.ReconcilerConfig{
		Coordinator: rt.coordinator,
		Interval:    appConfig.ReconcileInterval,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	reconciler.Start()
	defer func() {
		if stopErr := reconciler.Stop(); stopErr != nil {
			logger.Warn("reconciler shutdown failed", zap.Error(stopErr))
		}
	}()

	sqlDB, err := rt.db.DB()
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		SessionValidator: sessionValidator,
		Accounts:         accounts,
		Referrals:        rt.coordinator,
		Pending:          pendingStore,
		Limiter:          limiter,
		Metrics:          rt.metrics,
		Realtime:         server.NewRealtimeDispatcher(),
		Health:           sqlDB.PingContext,
		LinkBaseURL:      appConfig.LinkBaseURL,
		Logger:           logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		logger.Info("server stopping")
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// buildLimiter shares validation limits through redis when configured and keeps a process-local
// limiter for when redis is unreachable.
func buildLimiter(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) (ratelimit.Limiter, func(), error) {
	local := ratelimit.NewMemoryLimiter(appConfig.ValidateLimit, appConfig.ValidateWindow, time.Now)
	client, err := ratelimit.NewRedisClient(ctx, appConfig.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	if client == nil {
		return local, func() {}, nil
	}
	logger.Info("validation rate limits shared through redis")
	shared := ratelimit.NewRedisLimiter(client, appConfig.ValidateLimit, appConfig.ValidateWindow)
	return ratelimit.NewFallbackLimiter(shared, local, logger), func() { _ = client.Close() }, nil
}

func isSecureLink(raw string) bool {
	parsed, err := url.Parse(raw)
	return err == nil && parsed.Scheme == "https"
}
