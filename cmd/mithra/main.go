// Command mithra registers against an upstream SIP registrar, keeps the
// registration refreshed, and records inbound INVITEs via a CallSink.
// Run as `mithra check` to probe the liveness sentinel instead.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tutorcruncher/mithra/internal/callstore"
	"github.com/tutorcruncher/mithra/internal/config"
	"github.com/tutorcruncher/mithra/internal/sentinel"
	"github.com/tutorcruncher/mithra/internal/sip"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "check" {
		os.Exit(runCheck(os.Args[2:]))
	}
	os.Exit(run())
}

func run() int {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if err := settings.RequireClientCredentials(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	logger := slog.New(settings.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting mithra sip client",
		"sip_host", settings.SIPHost,
		"sip_port", settings.SIPPort,
		"cache_dir", settings.CacheDir,
	)

	store, err := callstore.Open(settings.CallStoreDSN, logger)
	if err != nil {
		logger.Error("failed to open call store", "error", err)
		return 1
	}

	sent := sentinel.New(settings.CacheDir, settings.SentinelFile)

	clientSettings := sip.ClientSettings{
		SIPHost:         settings.SIPHost,
		SIPPort:         settings.SIPPort,
		SIPUsername:     settings.SIPUsername,
		SIPPassword:     settings.SIPPassword,
		CacheDir:        settings.CacheDir,
		RegisterExpires: settings.RegisterExpires,
		SIPURI:          settings.SIPURI(),
	}

	client, err := sip.NewClient(clientSettings, store, sent, logger)
	if err != nil {
		logger.Error("failed to create sip client", "error", err)
		return 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		fmt.Println()
		logger.Info("received shutdown signal, de-registering", "signal", sig.String())
		client.Stop()
		cancel()
	}()

	if err := client.Run(ctx); err != nil {
		logger.Error("sip client stopped with error", "error", err)
		store.Close(context.Background())
		return 1
	}

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer closeCancel()
	if err := store.Close(closeCtx); err != nil {
		logger.Error("error closing call store", "error", err)
	}

	logger.Info("mithra stopped")
	return 0
}

// runCheck implements the `check` action: sleep briefly to
// avoid racing a registration that just started, then inspect the
// liveness sentinel's staleness.
func runCheck(args []string) int {
	settings, err := config.LoadArgs(args)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}

	time.Sleep(2 * time.Second)

	sent := sentinel.New(settings.CacheDir, settings.SentinelFile)
	maxAge := time.Duration(settings.RegisterExpires) * time.Second
	if err := sent.Check(maxAge); err != nil {
		fmt.Fprintf(os.Stderr, "unhealthy: %v\n", err)
		return 1
	}

	fmt.Println("healthy")
	return 0
}
