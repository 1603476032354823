package api

import (
	"encoding/json"
	"net/http"
	"runtime"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/lumiagent/lumiagent/internal/api/handlers"
	"github.com/lumiagent/lumiagent/internal/api/middleware"
	"github.com/lumiagent/lumiagent/internal/config"
)

// NewRouter creates the HTTP router with all API routes.
func NewRouter(cfg *config.Config, h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Compress(5))
	r.Use(middleware.SessionExtractor)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Lumi-Session", "X-Request-Id"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health & info
	r.Get("/health", healthHandler)
	r.Get("/api/version", versionHandler(cfg))

	r.Route("/api", func(r chi.Router) {
		// Generation & dispatch
		r.Post("/generate", h.Generate)
		r.Post("/flash-last", h.FlashLast)
		r.Post("/cancel", h.Cancel)

		// Assistant chat, code assist & file edits
		r.Post("/assistant/chat", h.AssistantChat)
		r.Post("/assistant/terminal", h.RunTerminal)
		r.Post("/code-complete", h.CodeComplete)
		r.Post("/code-optimize", h.CodeOptimize)
		r.Post("/file-edit/apply", h.ApplyFileEdit)

		// Session & environment
		r.Get("/status", h.Status)
		r.Get("/session", h.Session)
		r.Post("/session/clear", h.ClearSession)

		// Providers & devices
		r.Route("/providers", func(r chi.Router) {
			r.Get("/status", h.ProvidersStatus)
			r.Get("/probe", h.ProvidersProbe)
		})
		r.Get("/devices", h.Devices)
		r.Get("/boards", h.Boards)

		// To-dos
		r.Route("/todos", func(r chi.Router) {
			r.Get("/", h.ListTodos)
			r.Post("/", h.AddTodo)
			r.Post("/{index}/toggle", h.ToggleTodo)
			r.Delete("/", h.ClearTodos)
		})
	})

	return r
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"status":  "healthy",
		"service": "lumi-assistant-bridge",
	})
}

func versionHandler(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"version": cfg.Version,
			"service": "lumi-assistant-bridge",
			"runtime": runtime.Version(),
		})
	}
}
