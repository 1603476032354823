// Lumi assistant bridge server.
//
// This is the main entry point for the local assistant bridge. It
// provides:
//   - Multi-provider model routing with probing and failover
//   - Code generation for MicroPython and PlatformIO targets
//   - Device flashing over mpremote and the PlatformIO CLI
//   - Streaming assistant chat with per-session state
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lumiagent/lumiagent/pkg/server"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	log.Info().Msg("Lumi assistant bridge starting...")

	ctx := context.Background()
	srv, err := server.New(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize server")
	}
	defer srv.ShutdownFunc(ctx)

	httpServer := &http.Server{
		Addr:        srv.Addr,
		Handler:     srv.Handler,
		ReadTimeout: 30 * time.Second,
		// Write timeout must cover a full streaming generation.
		WriteTimeout: srv.Config.Providers.RequestTimeout + 30*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", srv.Addr).Str("version", srv.Config.Version).Msg("Lumi is listening")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
