package main

// Package main is the entry point for the chorus-ai server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Open the SQLite store and apply migrations
//   - Wire the completion gateway, pricing, usage ledger, and notifier
//   - Start the REST API + WebSocket server
//   - Implement graceful shutdown: drain HTTP, flush notifications and audit logs

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/chorusinsights/chorus-ai/internal/audit"
	"github.com/chorusinsights/chorus-ai/internal/config"
	"github.com/chorusinsights/chorus-ai/internal/db"
	"github.com/chorusinsights/chorus-ai/internal/interview"
	"github.com/chorusinsights/chorus-ai/internal/llm/gateway"
	"github.com/chorusinsights/chorus-ai/internal/notify"
	"github.com/chorusinsights/chorus-ai/internal/pricing"
	"github.com/chorusinsights/chorus-ai/internal/retry"
	"github.com/chorusinsights/chorus-ai/internal/server"
	"github.com/chorusinsights/chorus-ai/internal/synthesis"
	"github.com/chorusinsights/chorus-ai/internal/tier"
	"github.com/chorusinsights/chorus-ai/internal/usage"
)

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "chorus-ai: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	mgr := config.NewConfigManager(configPath)
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	cfg := mgr.Get(ctx)

	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	auditLogger, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Logging.AuditLogPath,
		MaxSize:      100,
		MaxBackups:   10,
		MaxAge:       30,
		Compress:     true,
	})
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer auditLogger.Close()

	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()
	logger.Info("database ready", zap.String("path", cfg.Database.SQLitePath))

	httpGW, err := gateway.NewHTTPGateway(cfg.LLM.APIKey,
		gateway.WithBaseURL(cfg.LLM.BaseURL),
		gateway.WithMaxTokens(cfg.LLM.MaxTokens),
		gateway.WithHTTPClient(&http.Client{Timeout: 2 * time.Minute}),
	)
	if err != nil {
		return fmt.Errorf("build completion gateway: %w", err)
	}
	gw := gateway.NewRateLimited(httpGW, cfg.LLM.RequestsPerSec, cfg.LLM.Burst)

	book := pricing.NewCachedPriceBookWithTTL(
		pricing.NewStaticPriceBook(),
		time.Duration(cfg.Billing.PricingTTLSeconds)*time.Second,
		time.Now,
	)

	retryPolicy := retry.NewPolicy(
		cfg.LLM.RetryAttempts,
		time.Duration(cfg.LLM.RetryBaseMillis)*time.Millisecond,
		time.Duration(cfg.LLM.RetryMaxMillis)*time.Millisecond,
	)

	notifier := notify.NewNotifier(buildAdapters(cfg),
		notify.WithLog(store),
		notify.WithLogger(logger.Named("notify")),
	)
	defer notifier.Wait()

	ledger := usage.NewLedger(store,
		usage.WithNotifier(notifier),
		usage.WithQuotas(map[tier.Tier]int64{
			tier.Standard:   cfg.Billing.QuotaStandard,
			tier.Premium:    cfg.Billing.QuotaPremium,
			tier.Enterprise: cfg.Billing.QuotaEnterprise,
		}),
		usage.WithThresholds(cfg.Billing.Thresholds),
		usage.WithLogger(logger.Named("usage")),
	)

	interviewTier, err := tier.Parse(cfg.Interview.Tier)
	if err != nil {
		return fmt.Errorf("interview tier: %w", err)
	}
	interviews := interview.NewService(store, gw, book, ledger,
		interview.WithPolicy(interview.Policy{
			RequiredTopics:   cfg.Interview.RequiredTopics,
			CoverageFraction: cfg.Interview.CoverageFraction,
			MinQuestions:     cfg.Interview.MinQuestions,
			IntroQuestions:   cfg.Interview.IntroQuestions,
		}),
		interview.WithTier(interviewTier),
		interview.WithRetryPolicy(retryPolicy),
		interview.WithCompletionNotifier(notifier),
		interview.WithLogger(logger.Named("interview")),
	)

	orchestrator := synthesis.NewOrchestrator(store, gw, book, ledger,
		synthesis.WithMaxParallel(cfg.Synthesis.MaxParallel),
		synthesis.WithRetryPolicy(retryPolicy),
		synthesis.WithFinishNotifier(notifier),
		synthesis.WithLogger(logger.Named("synthesis")),
	)

	// A crash mid-synthesis leaves a running row holding the campaign's
	// single-flight marker; release those before accepting traffic.
	if err := orchestrator.RecoverOrphans(ctx); err != nil {
		return fmt.Errorf("recover interrupted synthesis runs: %w", err)
	}

	srv := server.NewServer(cfg, server.Deps{
		Store:      store,
		Interviews: interviews,
		Synthesis:  orchestrator,
		Ledger:     ledger,
		Audit:      auditLogger,
		Logger:     logger.Named("http"),
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	logger.Info("chorus-ai server started", zap.Int("port", cfg.Server.Port))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case sig := <-sigCh:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", zap.Error(err))
	}
	notifier.Wait()
	logger.Info("shutdown complete")
	return nil
}

// buildLogger constructs the application logger from the logging config.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	var zcfg zap.Config
	if cfg.Logging.Format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}

// buildAdapters assembles delivery channels from the notifications config.
func buildAdapters(cfg *config.Config) []notify.Adapter {
	var adapters []notify.Adapter
	if cfg.Notifications.WebhookURL != "" {
		adapters = append(adapters, notify.NewWebhookAdapter("webhook", cfg.Notifications.WebhookURL, nil))
	}
	if cfg.Notifications.EmailRelayURL != "" && len(cfg.Notifications.EmailRecipients) > 0 {
		adapters = append(adapters, notify.NewEmailAdapter(
			cfg.Notifications.EmailRelayURL,
			cfg.Notifications.EmailFrom,
			cfg.Notifications.EmailRecipients,
			nil,
		))
	}
	return adapters
}
