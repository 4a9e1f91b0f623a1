package router

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"flashcards-backend/internal/handlers"
	"flashcards-backend/internal/middleware"
	"flashcards-backend/internal/websocket"
)

// HealthCheck reports whether a backing dependency is reachable.
type HealthCheck func(ctx context.Context) error

func New(
	jwtAuth *middleware.JWTAuth,
	generationHandler *handlers.GenerationHandler,
	preferencesHandler *handlers.PreferencesHandler,
	generateLimiter *middleware.RateLimiter,
	wsHub *websocket.Hub,
	health HealthCheck,
	frontendURL string,
) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(middleware.EchoRequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.CORS(frontendURL))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(jwtAuth.Middleware)

			// ──── Generation ────
			r.With(generateLimiter.Middleware).Post("/generate", generationHandler.Generate)
			r.Get("/sessions/{id}", generationHandler.GetSession)

			// ──── Cards ────
			r.Route("/cards", func(r chi.Router) {
				r.Get("/{id}", generationHandler.GetCard)
				r.Post("/{id}/approve", generationHandler.Approve)
				r.Post("/{id}/regenerate", generationHandler.Regenerate)
				r.Post("/{id}/downloaded", generationHandler.MarkDownloaded)
			})

			// ──── User Preferences ────
			r.Route("/user", func(r chi.Router) {
				r.Get("/preferences", preferencesHandler.Get)
				r.Put("/preferences", preferencesHandler.Update)
			})
		})

		// ──── WebSocket ────
		r.Get("/ws", wsHub.HandleWebSocket)
	})

	return r
}
