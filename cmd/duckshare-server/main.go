package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/duckmesh/duckshare/internal/api"
	"github.com/duckmesh/duckshare/internal/auth"
	catalogpostgres "github.com/duckmesh/duckshare/internal/catalog/postgres"
	"github.com/duckmesh/duckshare/internal/config"
	"github.com/duckmesh/duckshare/internal/observability"
	"github.com/duckmesh/duckshare/internal/signer"
	s3store "github.com/duckmesh/duckshare/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("duckshare-server")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg, os.Stdout)
	catalogDB, err := catalogpostgres.Open(context.Background(), catalogpostgres.DBConfig{
		DSN:              cfg.Catalog.DSN,
		MaxOpenConns:     cfg.Catalog.MaxOpenConns,
		MaxIdleConns:     cfg.Catalog.MaxIdleConns,
		ConnMaxIdleTime:  cfg.Catalog.ConnMaxIdleTime,
		ConnMaxLifetime:  cfg.Catalog.ConnMaxLifetime,
		ApplicationName:  cfg.Service.Name,
		StatementTimeout: cfg.Catalog.StatementTimeout,
		PingAttempts:     cfg.Catalog.ConnectAttempts,
	})
	if err != nil {
		logger.Error("failed to open catalog db", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = catalogDB.Close() }()

	catalogRepo := catalogpostgres.NewRepository(catalogDB)
	objectStore, err := s3store.New(context.Background(), s3store.Config{
		Endpoint:         cfg.ObjectStore.Endpoint,
		Region:           cfg.ObjectStore.Region,
		Bucket:           cfg.ObjectStore.Bucket,
		AccessKeyID:      cfg.ObjectStore.AccessKeyID,
		SecretAccessKey:  cfg.ObjectStore.SecretAccessKey,
		UseSSL:           cfg.ObjectStore.UseSSL,
		Prefix:           cfg.ObjectStore.Prefix,
		AutoCreateBucket: cfg.ObjectStore.AutoCreateBucket,
	})
	if err != nil {
		logger.Error("failed to initialize object store", slog.Any("error", err))
		os.Exit(1)
	}

	deps := api.Dependencies{
		Logger:      logger,
		Catalog:     catalogRepo,
		ObjectStore: objectStore,
		Readiness: api.CombineReadinessChecks(
			api.CheckCatalogDSN(cfg.Catalog.DSN),
			catalogRepo.HealthCheck,
			api.CheckObjectStoreConfig(cfg.ObjectStore),
		),
		DependencyTimeout: time.Second,
	}

	switch cfg.Sharing.SigningMode {
	case config.SigningModeS3:
		s3Signer, err := signer.NewS3Signer(objectStore, cfg.Sharing.URLTTL)
		if err != nil {
			logger.Error("failed to initialize s3 url signer", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Signer = s3Signer
	default:
		gateway, err := signer.NewGatewaySigner(cfg.Sharing.PublicURL, cfg.Sharing.GatewaySecret, cfg.Sharing.URLTTL)
		if err != nil {
			logger.Error("failed to initialize gateway url signer", slog.Any("error", err))
			os.Exit(1)
		}
		deps.Signer = gateway
		deps.Gateway = gateway
	}

	staticTokens, err := auth.NewStaticTokenValidator(cfg.Auth.StaticTokens)
	if err != nil {
		logger.Error("failed to parse static auth tokens", slog.Any("error", err))
		os.Exit(1)
	}
	validator := auth.FirstMatch(staticTokens, auth.NewCatalogTokenValidator(catalogRepo))
	if cfg.Auth.Required {
		deps.AuthMiddleware = auth.Middleware(logger, validator)
	} else {
		logger.Warn("bearer tokens are optional; anonymous callers see every share")
		deps.AuthMiddleware = auth.OptionalMiddleware(logger, validator)
	}

	handler := api.NewHandler(cfg, deps)
	server := &http.Server{
		Addr:         cfg.HTTP.Address,
		Handler:      handler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("starting sharing server",
			slog.String("addr", cfg.HTTP.Address),
			slog.String("signing_mode", string(cfg.Sharing.SigningMode)),
			slog.Bool("auth_required", cfg.Auth.Required),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("sharing server failed", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	logger.Info("shutting down sharing server")
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", slog.Any("error", err))
		_ = server.Close()
		os.Exit(1)
	}
}
