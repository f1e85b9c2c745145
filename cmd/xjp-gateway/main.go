// Package main is the entry point for the xjp gateway.
package main

import (
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/xjp-router/xjp-gateway/internal/auth"
	"github.com/xjp-router/xjp-gateway/internal/billing"
	"github.com/xjp-router/xjp-gateway/internal/config"
	"github.com/xjp-router/xjp-gateway/internal/connector"
	"github.com/xjp-router/xjp-gateway/internal/dispatch"
	anthropicingress "github.com/xjp-router/xjp-gateway/internal/ingress/anthropic"
	billingingress "github.com/xjp-router/xjp-gateway/internal/ingress/billing"
	openaiingress "github.com/xjp-router/xjp-gateway/internal/ingress/openai"
	"github.com/xjp-router/xjp-gateway/internal/metrics"
	"github.com/xjp-router/xjp-gateway/internal/ratelimit"
	"github.com/xjp-router/xjp-gateway/internal/registry"
	"github.com/xjp-router/xjp-gateway/internal/server"
	"github.com/xjp-router/xjp-gateway/internal/store"
)

func main() {
	configPath := os.Getenv("XJP_CONFIG")
	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := newLogger(cfg.Log.Level)
	slog.SetDefault(logger)

	reg, err := registry.Load(cfg.Registry.Path)
	if err != nil {
		log.Fatalf("failed to load model registry: %v", err)
	}

	dsn := envOr("DATABASE_URL", cfg.Store.DSN)
	st, err := store.Open(dsn)
	if err != nil {
		log.Fatalf("failed to open store: %v", err)
	}
	defer st.Close()

	authn, err := auth.New(st)
	if err != nil {
		log.Fatalf("failed to build authenticator: %v", err)
	}

	rateLimits := ratelimit.NewRegistry()

	httpClient := connector.NewHTTPClient()
	connectors := map[registry.ProviderKind]connector.Connector{
		registry.OpenRouter: connector.NewOpenRouter(os.Getenv("OPENROUTER_API_KEY"), os.Getenv("OPENROUTER_BASE_URL"), httpClient),
		registry.Vertex:     connector.NewVertex(os.Getenv("VERTEX_API_KEY"), os.Getenv("VERTEX_ACCESS_TOKEN"), httpClient),
		registry.Clewdr:     connector.NewClewdr(os.Getenv("CLEWDR_BASE_URL"), os.Getenv("CLEWDR_API_KEY"), httpClient),
	}

	pricing, err := billing.NewPricingCache(os.Getenv("OPENROUTER_API_KEY"), httpClient)
	if err != nil {
		log.Fatalf("failed to build pricing cache: %v", err)
	}
	interceptor := billing.NewInterceptor(pricing, st, logger)

	registryMetrics := prometheus.NewRegistry()
	m := metrics.New(registryMetrics)

	d := dispatch.New(reg, connectors, interceptor, m, logger)

	deps := server.Deps{
		OpenAI:     openaiingress.New(d, authn, rateLimits, m, logger),
		Anthropic:  anthropicingress.New(d, authn, rateLimits, m, logger),
		Billing:    billingingress.New(pricing, st, authn, logger),
		MetricsReg: registryMetrics,
		Store:      st,
	}

	srv := server.New(deps)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	logger.Info("xjp gateway listening", "port", cfg.Server.Port)

	if err := httpServer.ListenAndServe(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	return slog.New(handler)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
