package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"auth-service/internal/config"
	"auth-service/internal/gateway"
	"auth-service/internal/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadGateway(true)
	if err != nil {
		return err
	}

	logger := observability.NewLoggerWithOptions(observability.LogOptions{Level: cfg.LogLevel})
	defer logger.Close()

	if err := observability.InitSentry(cfg.SentryDSN, cfg.AppEnv, ""); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}
	defer observability.FlushSentry()

	upstream, err := url.Parse(cfg.UpstreamURL)
	if err != nil {
		return fmt.Errorf("parse upstream url: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(upstream)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Error("gateway_upstream_failed", map[string]any{"path": r.URL.Path, "error": err.Error()})
		observability.CaptureInfra(err, "gateway.proxy")
		w.WriteHeader(http.StatusBadGateway)
	}

	guard := gateway.New(
		gateway.NewRemoteValidator(cfg.AuthServiceURL, cfg.ValidateTimeout()),
		cfg.PublicPaths,
		logger,
	)
	handler := observability.RecoverMiddleware(logger, observability.RequestLoggingMiddleware(logger, guard.Wrap(proxy)))

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("gateway_start", map[string]any{"addr": server.Addr, "upstream": upstream.String()})
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
