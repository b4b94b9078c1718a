package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Gateway configures the edge proxy in cmd/gateway.
type Gateway struct {
	Port                   string   `env:"GATEWAY_PORT" envDefault:"8000"`
	UpstreamURL            string   `env:"GATEWAY_UPSTREAM_URL,required"`
	AuthServiceURL         string   `env:"AUTH_SERVICE_URL,required"`
	ValidateTimeoutSeconds int      `env:"VALIDATE_TIMEOUT_SECONDS" envDefault:"3"`
	PublicPaths            []string `env:"GATEWAY_PUBLIC_PATHS" envSeparator:"," envDefault:"/auth/login,/auth/refresh,/health"`
	AppEnv                 string   `env:"APP_ENV" envDefault:"development"`
	SentryDSN              string   `env:"SENTRY_DSN"`
	LogLevel               string   `env:"LOG_LEVEL" envDefault:"info"`
}

func LoadGateway(loadDotEnv bool) (*Gateway, error) {
	if loadDotEnv {
		_ = godotenv.Load()
	}

	cfg := &Gateway{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing gateway config: %w", err)
	}
	for name, raw := range map[string]string{
		"GATEWAY_UPSTREAM_URL": cfg.UpstreamURL,
		"AUTH_SERVICE_URL":     cfg.AuthServiceURL,
	} {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return nil, fmt.Errorf("validating gateway config: %s must be an absolute url", name)
		}
	}
	if cfg.ValidateTimeoutSeconds <= 0 || cfg.ValidateTimeoutSeconds > 9 {
		return nil, fmt.Errorf("validating gateway config: VALIDATE_TIMEOUT_SECONDS must be between 1 and 9")
	}
	return cfg, nil
}

func (g *Gateway) ValidateTimeout() time.Duration {
	return time.Duration(g.ValidateTimeoutSeconds) * time.Second
}
