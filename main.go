package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"

	"github.com/covality-inc/covality-engine/pkg/config"
	"github.com/covality-inc/covality-engine/pkg/database"
	"github.com/covality-inc/covality-engine/pkg/handlers"
	"github.com/covality-inc/covality-engine/pkg/llm"
	"github.com/covality-inc/covality-engine/pkg/logging"
	"github.com/covality-inc/covality-engine/pkg/repositories"
	"github.com/covality-inc/covality-engine/pkg/services"
)

// Version is injected at build time via -ldflags.
var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "covality-engine: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(Version)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := logging.New(cfg.Env)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting covality-engine",
		zap.String("version", cfg.Version),
		zap.String("env", cfg.Env),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Migrations run over database/sql; the application itself uses pgxpool.
	migrationDB, err := sql.Open("pgx", cfg.Database.ConnectionString())
	if err != nil {
		return fmt.Errorf("failed to open migration connection: %w", err)
	}
	if err := database.RunMigrations(migrationDB, cfg.Database.MigrationsPath, logger); err != nil {
		_ = migrationDB.Close()
		return err
	}
	_ = migrationDB.Close()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()

	llmClient, err := newLLMClient(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create classifier client: %w", err)
	}
	logger.Info("Classifier backend ready",
		zap.String("provider", cfg.Classifier.Provider),
		zap.String("model", llmClient.GetModel()))

	frameworkRepo := repositories.NewFrameworkRepository(db)
	policyRepo := repositories.NewPolicyRepository()
	mappingRepo := repositories.NewMappingRepository()
	analysisRepo := repositories.NewAnalysisRepository()
	notificationRepo := repositories.NewNotificationRepository()

	importService := services.NewFrameworkImportService(frameworkRepo, logger)
	if cfg.Analysis.CatalogDir != "" {
		if err := importService.ImportDir(ctx, cfg.Analysis.CatalogDir); err != nil {
			return fmt.Errorf("failed to import framework catalogs: %w", err)
		}
	}

	classifier := services.NewLLMClassifier(llmClient, cfg.Analysis.PolicyTextLimit, logger)
	aggregator := services.NewCoverageAggregator()
	gapGenerator := services.NewGapReportGenerator(classifier, cfg.Analysis.GapClassificationLimit, logger)
	notificationService := services.NewNotificationService(notificationRepo, logger)

	analysisService := services.NewAnalysisService(
		analysisRepo, policyRepo, frameworkRepo, mappingRepo,
		classifier, aggregator, gapGenerator, notificationService,
		services.NewTenantContextFunc(db),
		services.AnalysisConfig{
			ControlBatchSize: cfg.Analysis.ControlBatchSize,
			NotifyOnFailure:  cfg.Analysis.NotifyOnFailure,
		},
		logger,
	)

	mux := http.NewServeMux()
	withTenant := database.WithTenantContext(db, logger)

	handlers.NewHealthHandler(cfg.Version, cfg.Env).RegisterRoutes(mux)
	handlers.NewFrameworkHandler(frameworkRepo, logger).RegisterRoutes(mux)
	handlers.NewAnalysisHandler(analysisService, logger).RegisterRoutes(mux, withTenant)
	handlers.NewMappingHandler(mappingRepo, logger).RegisterRoutes(mux, withTenant)
	handlers.NewNotificationHandler(notificationService, logger).RegisterRoutes(mux, withTenant)

	addr := net.JoinHostPort(cfg.BindAddr, cfg.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newLLMClient(cfg *config.Config, logger *zap.Logger) (llm.LLMClient, error) {
	llmCfg := &llm.Config{
		Endpoint: cfg.Classifier.Endpoint,
		Model:    cfg.Classifier.Model,
		APIKey:   cfg.Classifier.APIKey,
	}
	switch cfg.Classifier.Provider {
	case "anthropic":
		return llm.NewAnthropicClient(llmCfg, logger)
	default:
		return llm.NewClient(llmCfg, logger)
	}
}
