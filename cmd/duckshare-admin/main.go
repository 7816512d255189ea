package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/duckmesh/duckshare/internal/cli/admin"
	catalogpostgres "github.com/duckmesh/duckshare/internal/catalog/postgres"
	"github.com/duckmesh/duckshare/internal/config"
	"github.com/duckmesh/duckshare/internal/observability"
	s3store "github.com/duckmesh/duckshare/internal/storage/s3"
)

func main() {
	cfg, err := config.LoadFromEnv("duckshare-admin")
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg, os.Stderr)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := catalogpostgres.Open(ctx, catalogpostgres.DBConfig{
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
	defer func() { _ = db.Close() }()

	store, err := s3store.New(ctx, s3store.Config{
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

	code := admin.Run(ctx, os.Args[1:], admin.Options{
		Catalog:     catalogpostgres.NewRepository(db),
		ObjectStore: store,
		Endpoint:    cfg.Sharing.PublicURL,
		Logger:      logger,
		Stdin:       os.Stdin,
		Stdout:      os.Stdout,
		Stderr:      os.Stderr,
	})
	os.Exit(code)
}
