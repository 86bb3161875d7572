/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the chi router, middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:     Unique ID per request for tracing
  2. RealIP:        Client IP behind proxies
  3. RequestLogger: Structured request logging (zap)
  4. Recoverer:     Panic recovery (500 instead of crash)
  5. CORS:          Cross-origin requests for the frontend
  6. Authenticator: Optional bearer-token caller identification

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// NewRouter creates a router with all routes configured.
func NewRouter(h *Handler, jwtSecret []byte) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:5173", "http://localhost:8080"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	r.Use(Authenticator(jwtSecret))

	r.Route("/api", func(r chi.Router) {
		r.Route("/exchanges", func(r chi.Router) {
			r.Get("/", h.ListExchanges)
			r.Post("/", h.CreateExchange)
			r.Delete("/{id}", h.DeleteExchange)
			r.Post("/{id}/interest", h.ToggleInterest)
			r.Delete("/{id}/interest/{userId}", h.RemoveInterest)
			r.Post("/{id}/propose", h.Propose)
			r.Post("/{id}/replacements", h.ProposeToReplacements)
			r.Delete("/{id}/replacements", h.CancelReplacements)
			r.Post("/{id}/validate", h.ValidateExchange)
		})

		r.Route("/history", func(r chi.Router) {
			r.Get("/", h.ListHistory)
			r.Post("/{id}/revert", h.RevertExchange)
			r.Post("/{id}/restore", h.RestoreHistory)
		})

		r.Route("/slots/{date}/{period}/blocked", func(r chi.Router) {
			r.Get("/", h.GetBlockedUsers)
			r.Post("/", h.RefreshBlockedUsers)
		})

		r.Get("/phase", h.GetPhase)
		r.Put("/phase", h.SetPhase)

		r.Route("/admin", func(r chi.Router) {
			r.Post("/restore-all", h.RestoreAll)
			r.Get("/backups", h.ListBackups)
			r.Post("/backups/{id}/restore", h.RestoreFromBackup)
		})
	})

	return r
}

// RequestLogger logs one structured line per request.
func RequestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			fields := []zap.Field{
				zap.Int("status", ww.Status()),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("requestId", middleware.GetReqID(r.Context())),
				zap.Duration("latency", time.Since(start)),
			}
			switch {
			case ww.Status() >= 500:
				log.Error("request failed", fields...)
			case ww.Status() >= 400:
				log.Warn("client error", fields...)
			default:
				log.Info("request served", fields...)
			}
		})
	}
}
