package api

import (
	"net/http"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hackgods/center-slot-booking/internal/appointment"
	"github.com/hackgods/center-slot-booking/internal/auth"
	redisclient "github.com/hackgods/center-slot-booking/internal/redis"
)

type RouterConfig struct {
	Service     *appointment.Service
	Store       Pinger
	Optional    map[string]Pinger // e.g. redis, degrades readiness only
	Verifier    *auth.Verifier
	RateLimiter *redisclient.TokenBucket // nil disables rate limiting
	RatePrefix  string
	Logger      *log.Logger
	Env         string
	Version     string
}

func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(cfg.Logger))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Store, cfg.Optional, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)

	r.Group(func(r chi.Router) {
		r.Use(cfg.Verifier.Middleware(writeAuthError))
		if cfg.RateLimiter != nil {
			r.Use(RateLimitMiddleware(cfg.RateLimiter, cfg.RatePrefix, cfg.Logger))
		}

		r.Get("/catalog", catalogHandler(cfg.Service))
		r.Get("/availability", availabilityHandler(cfg.Service))
		r.Post("/reserve", reserveHandler(cfg.Service))

		r.Post("/appointments", createPlaceholderHandler(cfg.Service))
		r.Get("/appointments/{id}", getAppointmentHandler(cfg.Service))

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin(writeAuthError))
			r.Get("/appointments", listAppointmentsHandler(cfg.Service))
			r.Patch("/appointments/status", updateStatusHandler(cfg.Service))
			r.Patch("/appointments/fields", updateFieldsHandler(cfg.Service))
		})
	})

	return r
}
