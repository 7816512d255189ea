package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/sethvargo/go-retry"
)

type DBConfig struct {
	DSN             string
	ApplicationName string
	// StatementTimeout bounds every catalog query server side. Zero keeps
	// the database default.
	StatementTimeout time.Duration
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxIdleTime  time.Duration
	ConnMaxLifetime  time.Duration
	PingTimeout      time.Duration
	// PingAttempts lets the server start before the catalog database is up.
	PingAttempts int
}

const (
	defaultPingTimeout     = 5 * time.Second
	defaultApplicationName = "duckshare"
)

func Open(ctx context.Context, cfg DBConfig) (*sql.DB, error) {
	connConfig, err := parseConnConfig(cfg)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*connConfig)

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	if err := ping(ctx, db, cfg); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping catalog db: %w", err)
	}
	return db, nil
}

func parseConnConfig(cfg DBConfig) (*pgx.ConnConfig, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("sharing catalog dsn is required")
	}
	connConfig, err := pgx.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse catalog dsn: %w", err)
	}
	if _, ok := connConfig.RuntimeParams["application_name"]; !ok {
		name := cfg.ApplicationName
		if name == "" {
			name = defaultApplicationName
		}
		connConfig.RuntimeParams["application_name"] = name
	}
	if cfg.StatementTimeout > 0 {
		connConfig.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}
	return connConfig, nil
}

func ping(ctx context.Context, db *sql.DB, cfg DBConfig) error {
	timeout := cfg.PingTimeout
	if timeout <= 0 {
		timeout = defaultPingTimeout
	}
	attempts := uint64(max(cfg.PingAttempts, 1))
	backoff := retry.WithMaxRetries(attempts-1, retry.NewExponential(500*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		pingCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err := db.PingContext(pingCtx); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}
