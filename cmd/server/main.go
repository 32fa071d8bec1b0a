package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/shenxingy/ai-ap-manager-sub000/internal/client"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/handler"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/metrics"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/config"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/database"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/platform/logger"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/repository"
	"github.com/shenxingy/ai-ap-manager-sub000/internal/service"
)

// expireInterval is how often the overdue-task sweeper runs.
const expireInterval = 15 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting AP reconciliation engine")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: cfg.Database.MaxConns,
		MinConns: cfg.Database.MinConns,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// Initialize NATS. An empty URL disables notifications, the
	// publisher then no-ops.
	var natsConn *nats.Conn
	if cfg.NATS.URL != "" {
		natsConn, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("Failed to connect to NATS")
		}
		defer natsConn.Drain()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	} else {
		log.Warn().Msg("NATS_URL not set, notifications disabled")
	}
	notifier := client.NewNotificationPublisher(natsConn, log)

	// Initialize repositories
	invoiceRepo := repository.NewInvoiceRepository(db)
	orderRepo := repository.NewPurchaseOrderRepository(db)
	ruleRepo := repository.NewRuleVersionRepository(db)
	resultRepo := repository.NewMatchResultRepository(db)
	exceptionRepo := repository.NewExceptionRepository(db)
	approvalRepo := repository.NewApprovalRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Metrics
	m := metrics.New(prometheus.DefaultRegisterer)

	// Rule cache: primed at startup, invalidated on publish. A missing
	// published version is a fatal misconfiguration.
	ruleProvider := service.NewCachedRuleProvider(ruleRepo)
	if err := ruleProvider.Load(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to load active rule version")
	}

	// Initialize services
	rulesService := service.NewRulesService(ruleRepo, ruleProvider, auditRepo, log)
	duplicateDetector := service.NewDuplicateDetector(invoiceRepo)
	exceptionManager := service.NewExceptionManager(exceptionRepo, auditRepo, notifier, m, log)
	tokenIssuer := service.NewTokenIssuer(cfg.Auth.TokenSigningKey, cfg.Auth.TokenIssuer, cfg.Auth.TokenTTL)
	approvalRouter := service.NewApprovalRouter(approvalRepo, invoiceRepo, invoiceRepo,
		tokenIssuer, auditRepo, notifier, m, log)
	matchService := service.NewMatchService(invoiceRepo, invoiceRepo, orderRepo, resultRepo,
		ruleProvider, duplicateDetector, exceptionManager, approvalRouter, auditRepo, notifier, m, log)

	// Background sweep for overdue approval tasks
	go func() {
		ticker := time.NewTicker(expireInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := approvalRouter.ExpireOverdue(ctx); err != nil {
					log.Error().Err(err).Msg("Overdue task sweep failed")
				}
			}
		}
	}()

	// HTTP server
	httpHandler := handler.NewHTTPHandler(matchService, exceptionManager, approvalRouter,
		rulesService, resultRepo, auditRepo, log)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
