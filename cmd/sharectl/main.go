package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/duckmesh/duckshare/internal/cli/sharectl"
	"github.com/duckmesh/duckshare/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	options := sharectl.Options{
		Profile: strings.TrimSpace(os.Getenv(sharectl.ProfileEnv)),
		Timeout: parseDurationWithDefault(strings.TrimSpace(os.Getenv("DUCKSHARE_CLI_TIMEOUT")), 30*time.Second),
		Stdout:  os.Stdout,
		Stderr:  os.Stderr,
		Logger:  observability.NewCLILogger(os.Stderr, strings.TrimSpace(os.Getenv("DUCKSHARE_CLI_DEBUG")) != ""),
	}

	code := sharectl.Run(ctx, os.Args[1:], options)
	stop()
	os.Exit(code)
}

func parseDurationWithDefault(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "invalid DUCKSHARE_CLI_TIMEOUT %q; using %s\n", raw, fallback)
		return fallback
	}
	return parsed
}
