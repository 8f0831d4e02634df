package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires the REST surface, the websocket endpoint and the
// operational endpoints onto one chi router.
func NewRouter(h *Handlers, ws http.Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(recordMetrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)

	// The websocket endpoint skips access logging and CORS; the gateway
	// checks origins itself.
	r.Get("/ws", ws.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.HandleHealth)

	r.Group(func(r chi.Router) {
		r.Use(requestLogger(h.logger))
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   allowedOrigins,
			AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))

		r.Post("/api/auth/register", h.HandleRegister)
		r.Post("/api/auth/login", h.HandleLogin)

		r.Group(func(r chi.Router) {
			r.Use(h.WithAuth)

			r.Get("/api/auth/verify", h.HandleVerify)
			r.Post("/api/auth/logout", h.HandleLogout)

			r.Get("/api/users", h.HandleUsers)

			r.Get("/api/conversations", h.HandleConversations)
			r.Post("/api/conversations", h.HandleCreateConversation)
			r.Patch("/api/conversations/{id}", h.HandleUpdateConversation)
			r.Post("/api/conversations/{id}/participants", h.HandleAddParticipant)
			r.Delete("/api/conversations/{id}/participants/{userID}", h.HandleRemoveParticipant)
			r.Get("/api/conversations/{id}/messages", h.HandleMessages)
			r.Post("/api/conversations/{id}/messages", h.HandlePostMessage)
			r.Post("/api/conversations/{id}/read", h.HandleMarkRead)

			r.Patch("/api/messages/{id}", h.HandleEditMessage)
			r.Delete("/api/messages/{id}", h.HandleDeleteMessage)

			r.Get("/api/presence/{userID}", h.HandlePresence)
		})
	})

	return r
}
