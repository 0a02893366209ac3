package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/routeiq/agent/internal/adapter/crm"
	"github.com/routeiq/agent/internal/adapter/llm"
	"github.com/routeiq/agent/internal/adapter/router"
	"github.com/routeiq/agent/internal/config"
	"github.com/routeiq/agent/internal/registry"
	"github.com/routeiq/agent/internal/service"
	"github.com/routeiq/agent/internal/store"
	transport "github.com/routeiq/agent/internal/transport/http"
	configx "github.com/routeiq/agent/pkg/config"
	logx "github.com/routeiq/agent/pkg/logger"
	"github.com/routeiq/agent/policy"
)

func main() {
	cfg := configx.MustLoad[config.Config]("AGENT")
	logx.Init(cfg.LogLevel, cfg.LogPretty)

	log.Info().
		Int("http_port", cfg.HTTPPort).
		Str("database", cfg.DatabaseURL).
		Str("model", cfg.LLMModel).
		Msg("starting agent core")

	// Conversation store
	db, err := store.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize store")
	}
	defer db.Close()

	// Adapters
	modelClient := llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMTimeout)
	routerClient := router.NewClient(cfg.RouterBaseURL, cfg.RouterAPIKey, cfg.RouterTimeout)
	crmClient := crm.NewClient(cfg.CRMBaseURL, cfg.RouterTimeout)

	// Policy engine
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	policyEngine, err := policy.NewEngine(ctx, policy.DefaultPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize policy engine")
	}

	// Connection registry
	connections := registry.New(routerClient, cfg.RouterCacheTTL, cfg.RouterCacheMaxSize)
	defer connections.Close()

	// Service
	svc := service.New(service.Options{
		Store:         db,
		Model:         modelClient,
		CRM:           crmClient,
		Connections:   connections,
		Policy:        policyEngine,
		ModelName:     cfg.LLMModel,
		MaxToolRounds: cfg.MaxToolRounds,
		ToolTimeout:   cfg.ToolTimeout,
		TurnTimeout:   cfg.TurnTimeout,
		SessionTTL:    cfg.SessionTTL,
	})

	// Background session reclamation
	go svc.RunSessionSweeper(ctx, cfg.SweepInterval)

	// HTTP server
	server := transport.NewServer(svc)
	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := server.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("failed to start server")
		}
	}()
	log.Info().Int("port", cfg.HTTPPort).Msg("agent API started")

	<-ctx.Done()
	log.Info().Msg("shutting down agent core")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shutdown server gracefully")
	}

	log.Info().Msg("agent core stopped")
}
