package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/ent0n29/kadenbot/internal/completion"
	"github.com/ent0n29/kadenbot/internal/config"
	"github.com/ent0n29/kadenbot/internal/dispatch"
	"github.com/ent0n29/kadenbot/internal/history"
	"github.com/ent0n29/kadenbot/internal/httpapi"
	"github.com/ent0n29/kadenbot/internal/observability"
	"github.com/ent0n29/kadenbot/internal/platform"
	"github.com/ent0n29/kadenbot/internal/transcript"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.CompletionAPIKey == "" && cfg.CompletionMode != "mock" {
		log.Printf("OPENAI_API_KEY is not set; falling back to the mock completion adapter")
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	recorder, err := transcript.NewRecorder(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript recorder init failed: %v", err)
	}
	defer recorder.Close()

	completer, err := completion.NewService(completion.Config{
		Mode:    cfg.CompletionMode,
		APIURL:  cfg.CompletionAPIURL,
		APIKey:  cfg.CompletionAPIKey,
		Model:   cfg.CompletionModel,
		Timeout: cfg.CompletionTimeout,
	})
	if err != nil {
		log.Fatalf("completion adapter init failed: %v", err)
	}

	store := history.NewStore(cfg.MaxHistory)
	roster := platform.NewRoster()
	rest := platform.NewRESTClient(cfg.APIBaseURL, cfg.BotToken)

	var gateway *platform.Gateway
	dispatcher := dispatch.New(
		dispatch.Config{
			SystemPrompt:    cfg.SystemPrompt,
			PresenceCommand: cfg.PresenceCommand,
			ReplyCharLimit:  cfg.ReplyCharLimit,
		},
		store,
		completer,
		rest,
		roster,
		recorder,
		metrics,
		func() string { return gateway.BotUserID() },
	)

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()

	gateway = platform.NewGateway(
		platform.GatewayConfig{URL: cfg.GatewayURL, Token: cfg.BotToken},
		roster,
		func(msg platform.InboundMessage) {
			dispatcher.Handle(runCtx, msg)
		},
	)

	api := httpapi.New(store, gateway.Status)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	gatewayErr := make(chan error, 1)
	go func() {
		gatewayErr <- gateway.Run(runCtx)
	}()

	go func() {
		log.Printf("ops server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Printf("shutdown signal received")
	case err := <-gatewayErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("gateway stopped: %v", err)
		}
	}

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
