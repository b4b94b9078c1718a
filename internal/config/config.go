package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	minSecretBytes  = 32
	maxTempTokenTTL = 30
)

// Config is the auth service configuration, read from the environment.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL,required"`
	JWTSecret   string `env:"JWT_SECRET,required"`
	JWTIssuer   string `env:"JWT_ISSUER" envDefault:"auth-service"`
	RedisURL    string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`

	Port        string `env:"PORT" envDefault:"8080"`
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	Release     string `env:"APP_RELEASE"`
	SentryDSN   string `env:"SENTRY_DSN"`
	CronSecret  string `env:"CRON_SECRET"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	LogFile     string `env:"LOG_FILE"`
	LogMaxSize  int    `env:"LOG_MAX_SIZE_MB" envDefault:"100"`
	LogBackups  int    `env:"LOG_MAX_BACKUPS" envDefault:"5"`
	LogMaxAge   int    `env:"LOG_MAX_AGE_DAYS" envDefault:"28"`
	BcryptCost  int    `env:"BCRYPT_COST" envDefault:"10"`
	Migrate     bool   `env:"RUN_MIGRATIONS_ON_STARTUP" envDefault:"false"`
	AdminUser   string `env:"ADMIN_USERNAME"`
	AdminPass   string `env:"ADMIN_PASSWORD"`
	BlacklistNS string `env:"BLACKLIST_KEY_PREFIX" envDefault:"auth:blacklist:"`

	LoginMaxAttempts        int `env:"LOGIN_MAX_ATTEMPTS" envDefault:"5"`
	LoginLockMinutes        int `env:"LOGIN_LOCK_MINUTES" envDefault:"30"`
	LoginRateLimitMax       int `env:"LOGIN_RATE_LIMIT_MAX" envDefault:"10"`
	LoginRateLimitWindowSec int `env:"LOGIN_RATE_LIMIT_WINDOW_SECONDS" envDefault:"60"`

	AccessTokenTTLMinutes int  `env:"ACCESS_TOKEN_TTL_MINUTES" envDefault:"30"`
	RefreshTokenTTLHours  int  `env:"REFRESH_TOKEN_TTL_HOURS" envDefault:"168"`
	TempTokenTTLMinutes   int  `env:"TEMP_TOKEN_TTL_MINUTES" envDefault:"5"`
	RotateRefreshTokens   bool `env:"ROTATE_REFRESH_TOKENS" envDefault:"true"`

	AllowMultipleDevices bool   `env:"ALLOW_MULTIPLE_DEVICES" envDefault:"true"`
	MaxActiveDevices     int    `env:"MAX_ACTIVE_DEVICES" envDefault:"10"`
	SessionConflictMode  string `env:"SESSION_CONFLICT_MODE" envDefault:"evict"`

	TokenRetentionDays        int `env:"AUTH_TOKEN_RETENTION_DAYS" envDefault:"30"`
	LoginAttemptRetentionDays int `env:"AUTH_LOGIN_ATTEMPT_RETENTION_DAYS" envDefault:"90"`
	CleanupBatchSize          int `env:"AUTH_CLEANUP_BATCH_SIZE" envDefault:"500"`
	SweepIntervalMinutes      int `env:"SWEEP_INTERVAL_MINUTES" envDefault:"60"`

	DBMaxOpenConns        int `env:"DB_MAX_OPEN_CONNS" envDefault:"10"`
	DBMaxIdleConns        int `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBConnMaxLifetimeMins int `env:"DB_CONN_MAX_LIFETIME_MINUTES" envDefault:"30"`
	DBConnMaxIdleTimeMins int `env:"DB_CONN_MAX_IDLE_TIME_MINUTES" envDefault:"10"`
}

// Load reads an optional .env file and then the environment.
func Load(loadDotEnv bool) (*Config, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if len(c.JWTSecret) < minSecretBytes {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretBytes)
	}
	if c.TempTokenTTLMinutes <= 0 || c.TempTokenTTLMinutes > maxTempTokenTTL {
		return fmt.Errorf("TEMP_TOKEN_TTL_MINUTES must be between 1 and %d", maxTempTokenTTL)
	}
	switch strings.ToLower(c.SessionConflictMode) {
	case "evict", "reject":
	default:
		return fmt.Errorf("SESSION_CONFLICT_MODE must be evict or reject, got %q", c.SessionConflictMode)
	}
	for name, value := range map[string]int{
		"LOGIN_MAX_ATTEMPTS":       c.LoginMaxAttempts,
		"LOGIN_LOCK_MINUTES":       c.LoginLockMinutes,
		"ACCESS_TOKEN_TTL_MINUTES": c.AccessTokenTTLMinutes,
		"REFRESH_TOKEN_TTL_HOURS":  c.RefreshTokenTTLHours,
	} {
		if value <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if c.AccessTTL() >= c.RefreshTTL() {
		return fmt.Errorf("ACCESS_TOKEN_TTL_MINUTES must be shorter than REFRESH_TOKEN_TTL_HOURS")
	}
	return nil
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

func (c *Config) LockDuration() time.Duration {
	return time.Duration(c.LoginLockMinutes) * time.Minute
}

func (c *Config) AccessTTL() time.Duration {
	return time.Duration(c.AccessTokenTTLMinutes) * time.Minute
}

func (c *Config) RefreshTTL() time.Duration {
	return time.Duration(c.RefreshTokenTTLHours) * time.Hour
}

func (c *Config) TempTTL() time.Duration {
	return time.Duration(c.TempTokenTTLMinutes) * time.Minute
}

func (c *Config) RateLimitWindow() time.Duration {
	return time.Duration(c.LoginRateLimitWindowSec) * time.Second
}

func (c *Config) TokenRetention() time.Duration {
	return days(c.TokenRetentionDays, 30)
}

func (c *Config) LoginAttemptRetention() time.Duration {
	return days(c.LoginAttemptRetentionDays, 90)
}

// SweepInterval is zero when the in-process sweeper is disabled.
func (c *Config) SweepInterval() time.Duration {
	if c.SweepIntervalMinutes <= 0 {
		return 0
	}
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}

func (c *Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.DBConnMaxLifetimeMins) * time.Minute
}

func (c *Config) ConnMaxIdleTime() time.Duration {
	return time.Duration(c.DBConnMaxIdleTimeMins) * time.Minute
}

func days(value, fallback int) time.Duration {
	if value <= 0 {
		value = fallback
	}
	return time.Duration(value) * 24 * time.Hour
}
