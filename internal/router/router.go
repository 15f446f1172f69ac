package router

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay-backend/internal/handlers"
	"chatrelay-backend/internal/middleware"
	"chatrelay-backend/internal/websocket"
)

func New(
	chatHandler *handlers.ChatHandler,
	sessionHandler *handlers.SessionHandler,
	wsHub *websocket.Hub,
	gatherer prometheus.Gatherer,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/health", handlers.Health)
	r.Get("/hello", handlers.Hello)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Original relay contract
	r.Post("/chat", chatHandler.Chat)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", chatHandler.Chat)

		// ──── Session Routes ────
		r.Route("/sessions", func(r chi.Router) {
			r.Post("/", sessionHandler.Create)
			r.Get("/", sessionHandler.List)
			r.Get("/{id}/transcript", sessionHandler.Transcript)
			r.Delete("/{id}", sessionHandler.Reset)

			// ──── WebSocket ────
			r.Get("/{id}/ws", wsHub.HandleWebSocket)
		})
	})

	return r
}
