package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"airtimebridge/internal/common/database"
	"airtimebridge/internal/common/events"
	"airtimebridge/internal/common/logging"
	"airtimebridge/internal/common/middleware"
	"airtimebridge/internal/common/nats"
	"airtimebridge/internal/config"
	"airtimebridge/internal/ledger/store"
	"airtimebridge/internal/providers/aggregator"
	"airtimebridge/internal/providers/mpesa"
	"airtimebridge/internal/purchase"
	purchaseapi "airtimebridge/internal/purchase/api"
	"airtimebridge/internal/reconciliation"
	"airtimebridge/internal/webhook"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	// Create context that listens for shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if err := run(ctx, cancel, cfg, logger); err != nil {
		logger.Error("service failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *slog.Logger) error {
	// Connect to database
	db, err := database.Open(ctx, cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := database.MigrateUp(db, cfg.Database, logger); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
	}

	ledger := store.New(db)
	userView := store.NewUserView(db)

	monitor := purchase.NewFloatMonitor(cfg.Float.Thresholds(cfg.Purchase.Currency))
	svc := purchase.NewService(cfg.Purchase, ledger,
		mpesa.NewClient(cfg.Mpesa, logger),
		aggregator.NewClient(cfg.Aggregator, logger),
		logger,
	)
	svc.SetFloatMonitor(monitor)
	level, err := svc.RefreshFloat(ctx)
	if err != nil {
		return fmt.Errorf("seeding float monitor: %w", err)
	}
	logger.Info("float monitor seeded", "level", level)

	// Callback processing: broker-backed when NATS is enabled, in-process
	// otherwise.
	var dispatcher webhook.Dispatcher
	var natsClient *nats.Client
	if cfg.NATS.Enabled {
		natsClient, err = nats.New(ctx, cfg.NATS, logger)
		if err != nil {
			return err
		}
		defer natsClient.Close()

		if err := natsClient.EnsureStream(ctx); err != nil {
			return err
		}
		consumer, err := natsClient.Durable(ctx, webhook.ConsumerName, events.EventMpesaCallbackReceived)
		if err != nil {
			return err
		}

		publisher := nats.NewPublisher(natsClient, logger)
		svc.SetPublisher(publisher)
		svc.SetAlerter(purchase.NewEventAlerter(publisher, logger))
		dispatcher = webhook.NewJetStreamDispatcher(publisher)

		go func() {
			if err := webhook.Consume(ctx, consumer, svc, logger); err != nil && ctx.Err() == nil {
				logger.Error("callback consumer stopped", "error", err)
				cancel()
			}
		}()
	} else {
		queue := webhook.NewQueueDispatcher(svc, cfg.Webhook.Workers, cfg.Webhook.QueueSize, logger)
		queue.Start(ctx)
		defer queue.Wait()
		dispatcher = queue
	}

	callbacks, err := webhook.NewHandler(cfg.Webhook, ledger, dispatcher, logger)
	if err != nil {
		return fmt.Errorf("configuring webhook: %w", err)
	}
	purchases := purchaseapi.NewHandler(svc, userView, cfg.Purchase.Currency, logger)

	scheduler := reconciliation.NewScheduler(cfg.Reconciliation, ledger, svc, logger)
	go scheduler.Start(ctx)

	// Setup router
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(middleware.CorrelationID)
	r.Use(middleware.Recoverer(logger))
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Compress(5))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"status":"unhealthy"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if natsClient != nil {
			if err := natsClient.HealthCheck(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"not ready"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ready"}`))
	})

	r.Mount("/webhooks", callbacks.Routes())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.UserExtractor)
		r.Mount("/purchases", purchases.Routes())
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.Purchase.ProviderTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("starting airtimebridge",
			"port", cfg.Port,
			"environment", cfg.Environment,
			"database", db.Driver(),
			"nats", cfg.NATS.Enabled,
		)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	logger.Info("server stopped")
	return nil
}
