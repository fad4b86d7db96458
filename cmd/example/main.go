// Command example demonstrates wiring a posthog.Client into a small
// program: capture events, evaluate a feature flag, and shut down
// cleanly on SIGINT/SIGTERM.
//
// # Usage
//
//	example --api-key phc_xxx --distinct-id u123
//
// # Examples
//
// Capture a single event and exit:
//
//	example --api-key phc_xxx --distinct-id u123 --event "cli used"
//
// Enable local flag evaluation:
//
//	example --api-key phc_xxx --personal-api-key phx_xxx --flag beta-feature
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	posthog "github.com/pilot-net/posthog-go"
)

func main() {
	var (
		apiKey         = flag.String("api-key", "", "PostHog project API key")
		personalAPIKey = flag.String("personal-api-key", "", "Personal API key (enables local flag evaluation)")
		host           = flag.String("host", "", "Ingestion host override")
		distinctID     = flag.String("distinct-id", "cli-user", "Distinct id to capture events for")
		event          = flag.String("event", "cli used", "Event name to capture")
		flagKey        = flag.String("flag", "", "Feature flag key to evaluate, if set")
		debug          = flag.Bool("debug", false, "Enable debug logging")
	)
	flag.Parse()

	if *apiKey == "" {
		fmt.Fprintln(os.Stderr, "example: --api-key is required")
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	client, err := posthog.New(posthog.Config{
		APIKey:         *apiKey,
		PersonalAPIKey: *personalAPIKey,
		Host:           *host,
		Logger:         logger,
	})
	if err != nil {
		logger.Error("failed to create posthog client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	if ok, err := client.Capture(*distinctID, *event, map[string]interface{}{"source": "cmd/example"}); !ok {
		logger.Error("capture failed", "error", err)
	}

	if *flagKey != "" {
		enabled := client.FeatureEnabled(ctx, *flagKey, *distinctID, posthog.FlagOptions{SendFeatureFlagEvents: true})
		logger.Info("feature flag evaluated", "flag", *flagKey, "enabled", enabled)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := client.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}

	logger.Info("example run complete")
}
