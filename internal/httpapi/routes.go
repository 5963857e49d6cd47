package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// SetupRoutes wires the REST handlers and, when given one, the websocket
// endpoint onto a fresh router.
func SetupRoutes(a *API, wsHandler http.HandlerFunc) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", healthz)

	r.Route("/sessions", func(r chi.Router) {
		r.Post("/", a.createSession)
		r.Post("/join", a.joinSession)
		r.Get("/{code}/qr", a.sessionQR)
		r.Post("/{id}/status", a.setStatus)
	})

	r.Route("/rulesets", func(r chi.Router) {
		r.Put("/{key}", a.putRuleSet)
		r.Get("/{key}", a.getRuleSet)
	})

	if wsHandler != nil {
		r.Get("/ws", wsHandler)
	}

	return r
}
