package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"

	"github.com/vnmchuo/llm-relay/config"
	"github.com/vnmchuo/llm-relay/internal/app"
	"github.com/vnmchuo/llm-relay/internal/relay"
	"github.com/vnmchuo/llm-relay/internal/telegram"
	"github.com/vnmchuo/llm-relay/internal/telemetry"
)

var version = "dev"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	// 2. Init telemetry
	shutdownTracer, err := telemetry.InitTracer("llm-relay", version, telemetry.Exporter{
		Type:     cfg.OTELExporterType,
		Endpoint: cfg.OTELExporterEndpoint,
	})
	if err != nil {
		slog.Error("failed to init tracer", "err", err)
		os.Exit(1)
	}
	defer shutdownTracer()

	// 3. Build the pipeline: stores, providers, orchestrator
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("failed to build relay", "err", err)
		os.Exit(1)
	}
	defer a.Close()

	// 4. HTTP surface
	tracer := otel.Tracer("llm-relay/http")
	handler := relay.NewHandler(a.Orchestrator, a.Usage, a.Limiter, tracer)

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	handler.Routes(r)

	// 5. Telegram channel
	var webhook *telegram.Webhook
	if cfg.TelegramBotToken != "" {
		bot := telegram.NewClient(cfg.TelegramBotToken, telegram.WithAPIBase(cfg.TelegramAPIBase))
		webhook = telegram.NewWebhook(a.Orchestrator, bot, telegram.WebhookConfig{
			Secret:      cfg.TelegramWebhookSecret,
			TriggerWord: cfg.TelegramTriggerWord,
			BotID:       telegram.BotIDFromToken(cfg.TelegramBotToken),
			Providers:   a.Registry.Labels(),
			Timeout:     a.TurnTimeout,
		})
		r.Method(http.MethodPost, "/telegram/webhook", webhook)
		slog.Info("telegram webhook enabled", "path", "/telegram/webhook")
	}

	// 6. Graceful shutdown
	srv := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// One turn may walk every provider with retries and backoff waits.
		WriteTimeout: a.TurnTimeout,
		IdleTimeout:  120 * time.Second,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}

	go func() {
		slog.Info("llm relay starting", "port", cfg.Port, "providers", a.Registry.Labels())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "err", err)
	}
	if webhook != nil {
		webhook.Shutdown()
	}
	slog.Info("server stopped")
}
