package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
	"github.com/riandyrn/otelchi"

	"github.com/neomorfeo/marketiq/internal/adapter/datacentral"
	"github.com/neomorfeo/marketiq/internal/adapter/fsm"
	"github.com/neomorfeo/marketiq/internal/adapter/marketplace"
	"github.com/neomorfeo/marketiq/internal/adapter/otel"
	"github.com/neomorfeo/marketiq/internal/adapter/river"
	"github.com/neomorfeo/marketiq/internal/adapter/sqlite"
	"github.com/neomorfeo/marketiq/internal/app"

	handler "github.com/neomorfeo/marketiq/internal/adapter/http"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	port := envOrDefault("PORT", "8080")
	dbPath := envOrDefault("DATABASE_PATH", "marketiq.db")

	// --- Observability ---
	ctx := context.Background()
	providers, err := otel.Setup(ctx, otel.ConfigFromEnv())
	if err != nil {
		return fmt.Errorf("otel: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := providers.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel shutdown", "error", err)
		}
	}()

	// --- Adapters (out) ---
	db, err := otel.OpenDB(dbPath)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer db.Close()

	store, err := sqlite.NewFromDB(db)
	if err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	riverClient, err := river.Setup(ctx, db, os.Getenv("WEBHOOK_NOTIFICATION_URL"))
	if err != nil {
		return fmt.Errorf("river: %w", err)
	}
	if err := riverClient.Start(ctx); err != nil {
		return fmt.Errorf("starting river: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := riverClient.Stop(stopCtx); err != nil {
			slog.Warn("river shutdown", "error", err)
		}
	}()

	publisher := river.NewPublisher(riverClient)
	notifier := otel.NewTracingNotifier(publisher)

	billing := marketplace.New(marketplace.Config{
		BaseURL: envOrDefault("MARKETPLACE_API_URL", "https://marketplaceapi.example.com/api"),
		APIKey:  os.Getenv("MARKETPLACE_API_KEY"),
	})

	provisioning := otel.NewTracingClient(datacentral.New(datacentral.Config{
		BaseURL:           os.Getenv("DATACENTRAL_API_URL"),
		APIKey:            os.Getenv("DATACENTRAL_API_KEY"),
		AutomationURL:     os.Getenv("AUTOMATION_TRIGGER_URL"),
		SubdomainCheckURL: os.Getenv("SUBDOMAIN_CHECK_URL"),
		Editions:          parseEditions(os.Getenv("PLAN_EDITIONS")),
		Location:          envOrDefault("INSTANCE_LOCATION", "westeurope"),
	}))

	// --- Application ---
	validator := fsm.New()
	handlers := app.NewHandlers(store, validator, notifier)
	orch := app.NewOrchestrator(
		app.Config{
			AutomaticProvisioning: envOrDefault("AUTOMATIC_PROVISIONING", "true") == "true",
			TenantOfferID:         os.Getenv("TENANT_OFFER_ID"),
			WebhookSalt:           os.Getenv("WEBHOOK_SALT"),
			InstanceLocation:      envOrDefault("INSTANCE_LOCATION", "westeurope"),
		},
		store, store.Provisioning(), store, store,
		billing, provisioning, notifier, publisher,
		validator, handlers,
	)

	// --- Adapters (in) ---
	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(otelchi.Middleware("marketiq", otelchi.WithChiRoutes(router)))

	api := humachi.New(router, huma.DefaultConfig("marketiq", "0.1.0"))
	handler.Register(api, orch)

	// --- Server ---
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("marketiq listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	case <-done:
	}

	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	slog.Info("stopped")
	return nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// parseEditions parses "plan=editionID" pairs separated by commas, for
// example "standard=3,premium=7".
func parseEditions(raw string) map[string]string {
	editions := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		plan, edition, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || plan == "" {
			continue
		}
		editions[plan] = edition
	}
	return editions
}
