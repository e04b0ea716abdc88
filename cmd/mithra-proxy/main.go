// Command mithra-proxy runs the UDP relay (component H) in front of the
// SIP registrar, forwarding datagrams per-client and optionally recording
// observed INVITEs the same way the registration client does.
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
	"github.com/tutorcruncher/mithra/internal/relay"
	"github.com/tutorcruncher/mithra/internal/sip"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	if settings.SIPHost == "" {
		fmt.Fprintln(os.Stderr, "error: sip-host is required")
		return 1
	}

	logger := slog.New(settings.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	logger.Info("starting mithra udp relay",
		"sip_host", settings.SIPHost,
		"sip_port", settings.SIPPort,
		"proxy_host", settings.ProxyHost,
		"record_calls", settings.RelayRecordCalls,
	)

	var sink sip.CallSink = sip.NoopCallSink{}
	var store *callstore.Store
	if settings.RelayRecordCalls {
		store, err = callstore.Open(settings.CallStoreDSN, logger)
		if err != nil {
			logger.Error("failed to open call store", "error", err)
			return 1
		}
		sink = store
	}

	r := relay.New(relay.Settings{
		ProxyHost: settings.ProxyHost,
		SIPHost:   settings.SIPHost,
		SIPPort:   settings.SIPPort,
	}, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		fmt.Println()
		logger.Info("received shutdown signal", "signal", sig.String())
		cancel()
	}()

	if err := r.Run(ctx); err != nil {
		logger.Error("relay stopped with error", "error", err)
		return 1
	}

	if store != nil {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if err := store.Close(closeCtx); err != nil {
			logger.Error("error closing call store", "error", err)
		}
	}

	logger.Info("mithra relay stopped")
	return 0
}
