package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"auth-service/internal/account"
	"auth-service/internal/audit"
	"auth-service/internal/auth"
	"auth-service/internal/blacklist"
	"auth-service/internal/config"
	"auth-service/internal/db"
	"auth-service/internal/lockout"
	"auth-service/internal/maintenance"
	"auth-service/internal/observability"
	"auth-service/internal/session"
	"auth-service/internal/token"
	"auth-service/internal/tokenstore"
)

type Options struct {
	LoadDotEnv bool
	// RunMigrations forces migrations even when RUN_MIGRATIONS_ON_STARTUP
	// is off.
	RunMigrations bool
}

// Runtime is the fully wired auth service. Close releases every connection
// Build opened.
type Runtime struct {
	Handler     http.Handler
	Config      *config.Config
	Logger      *observability.Logger
	Service     *auth.Service
	Accounts    *account.Repository
	Maintenance *maintenance.Runner
	Close       func() error
}

func Build(ctx context.Context, options Options) (*Runtime, error) {
	cfg, err := config.Load(options.LoadDotEnv)
	if err != nil {
		return nil, err
	}

	logger := observability.NewLoggerWithOptions(observability.LogOptions{
		Level:      cfg.LogLevel,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSize,
		MaxBackups: cfg.LogBackups,
		MaxAgeDays: cfg.LogMaxAge,
	})

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, cfg.Release); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := openDatabase(ctx, cfg)
	if err != nil {
		_ = logger.Close()
		return nil, err
	}

	if options.RunMigrations || cfg.Migrate {
		applied, err := db.RunMigrations(ctx, database)
		if err != nil {
			_ = database.Close()
			_ = logger.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations_applied", map[string]any{"versions": applied})
		}
	}

	redisClient, err := blacklist.Open(ctx, cfg.RedisURL)
	if err != nil {
		_ = database.Close()
		_ = logger.Close()
		return nil, fmt.Errorf("open redis: %w", err)
	}

	closeAll := func() error {
		observability.FlushSentry()
		return errors.Join(redisClient.Close(), database.Close(), logger.Close())
	}

	codec, err := token.NewCodec([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	if err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("init token codec: %w", err)
	}

	store := tokenstore.NewPostgres(database).WithPurgeBatch(cfg.CleanupBatchSize)
	denylist := blacklist.NewRedis(redisClient, cfg.BlacklistNS)
	tracker := lockout.NewTracker(lockout.NewPostgres(database), cfg.LoginMaxAttempts, cfg.LockDuration())
	auditLog := audit.NewLog(audit.NewPostgres(database).WithPurgeBatch(cfg.CleanupBatchSize), logger)
	accounts := account.NewRepository(database, account.NewHasher(cfg.BcryptCost))

	if err := accounts.BootstrapFromEnv(ctx, cfg.AdminUser, cfg.AdminPass); err != nil {
		_ = closeAll()
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	sessions := session.NewEngine(store, denylist, session.Policy{
		MaxDevices: cfg.MaxActiveDevices,
		Mode:       session.Mode(cfg.SessionConflictMode),
	}, logger)

	service := auth.NewService(auth.Deps{
		Codec:     codec,
		Store:     store,
		Blacklist: denylist,
		Sessions:  sessions,
		Lockout:   tracker,
		Audit:     auditLog,
		Directory: accounts,
		Logger:    logger,
	}).WithSecurityConfig(auth.Settings{
		AccessTTL:            cfg.AccessTTL(),
		RefreshTTL:           cfg.RefreshTTL(),
		TempTTL:              cfg.TempTTL(),
		RotateRefreshTokens:  cfg.RotateRefreshTokens,
		AllowMultipleDevices: cfg.AllowMultipleDevices,
	})

	runner := maintenance.NewRunner(store, auditLog, tracker, logger, maintenance.Retention{
		Tokens:        cfg.TokenRetention(),
		LoginAttempts: cfg.LoginAttemptRetention(),
	})
	cleanupHandler := maintenance.NewCleanupHandler(runner, logger, cfg.CronSecret)
	if cfg.IsProduction() && cfg.CronSecret == "" && cfg.SweepInterval() == 0 {
		logger.Warn("maintenance_disabled", map[string]any{"hint": "set CRON_SECRET or SWEEP_INTERVAL_MINUTES"})
	}

	loginLimiter := auth.NewLoginRateLimiter(redisClient, cfg.LoginRateLimitMax, cfg.RateLimitWindow(), logger)

	mux := http.NewServeMux()
	auth.Mount(mux, service, loginLimiter)
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database, redisClient))

	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, mux))

	return &Runtime{
		Handler:     handler,
		Config:      cfg,
		Logger:      logger,
		Service:     service,
		Accounts:    accounts,
		Maintenance: runner,
		Close:       closeAll,
	}, nil
}

// OpenDatabase opens and pings the pool without wiring the rest of the
// service. authctl migrate uses it so a bad Redis URL cannot block schema work.
func OpenDatabase(ctx context.Context, loadDotEnv bool) (*sql.DB, error) {
	cfg, err := config.Load(loadDotEnv)
	if err != nil {
		return nil, err
	}
	return openDatabase(ctx, cfg)
}

func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	database, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(cfg.DBMaxOpenConns)
	database.SetMaxIdleConns(cfg.DBMaxIdleConns)
	database.SetConnMaxLifetime(cfg.ConnMaxLifetime())
	database.SetConnMaxIdleTime(cfg.ConnMaxIdleTime())

	if err := database.PingContext(ctx); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return database, nil
}

type pinger interface {
	PingContext(ctx context.Context) error
}

type redisPinger struct {
	client redis.UniversalClient
}

func (p redisPinger) PingContext(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func healthHandler(database *sql.DB, client redis.UniversalClient) http.HandlerFunc {
	return checkHealth(map[string]pinger{
		"database": database,
		"redis":    redisPinger{client: client},
	})
}

func checkHealth(deps map[string]pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, dep := range deps {
			checks[name] = "ok"
			if err := dep.PingContext(ctx); err != nil {
				checks[name] = "down"
				status = http.StatusServiceUnavailable
			}
		}

		body := map[string]any{"status": "ok", "checks": checks, "time": time.Now().UTC().Format(time.RFC3339)}
		if status != http.StatusOK {
			body["status"] = "degraded"
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}
