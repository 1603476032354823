// Package server provides the public entry point for initializing the
// Lumi assistant bridge: it wires configuration, telemetry, the
// provider registry and selector, the generation lifecycle, the device
// dispatcher, and the HTTP router into one ready-to-serve handler.
//
// Usage:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(srv.Addr, srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/lumiagent/lumiagent/internal/api"
	"github.com/lumiagent/lumiagent/internal/api/handlers"
	"github.com/lumiagent/lumiagent/internal/config"
	"github.com/lumiagent/lumiagent/internal/dispatch"
	"github.com/lumiagent/lumiagent/internal/flasher"
	"github.com/lumiagent/lumiagent/internal/generate"
	"github.com/lumiagent/lumiagent/internal/provider"
	"github.com/lumiagent/lumiagent/internal/session"
	"github.com/lumiagent/lumiagent/internal/telemetry"
)

// Server holds the initialized assistant bridge.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Addr is the host:port the server should listen on.
	Addr string

	// Config is the loaded configuration.
	Config *config.Config

	// ShutdownFunc should be called on graceful shutdown to flush
	// telemetry.
	ShutdownFunc func(context.Context) error
}

// New initializes all components from the environment and returns a
// ready Server.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the bridge with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	registry := provider.NewRegistry(cfg.Providers)
	prober := provider.NewProber()
	selector := provider.NewSelector(registry, prober)
	for _, p := range registry.ListConfigured() {
		log.Info().Str("provider", p.Name).Str("model", p.DefaultModel).Msg("provider configured")
	}
	if len(registry.ListConfigured()) == 0 {
		log.Warn().Msg("no model backend configured; generation requests will fail until one is set")
	}

	lifecycle := generate.New(selector, provider.NewClient(), cfg.Providers.RequestTimeout)

	tool := flasher.NewTool(cfg.Flash)
	writer := flasher.NewDesktopWriter("")
	dispatcher := dispatch.New(tool, tool, writer).
		WithDefaults(cfg.Flash.DefaultBoardID, cfg.Flash.DefaultPlat)

	sessions := session.NewManager()

	h := handlers.New(sessions, lifecycle, selector, registry, dispatcher, tool, tool, tool, writer,
		cfg.Version, cfg.Providers.Preference())
	router := api.NewRouter(cfg, h)

	return &Server{
		Handler:      router,
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}
