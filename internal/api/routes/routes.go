// Package routes mounts the HTTP surface onto a chi router.
package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"Strata/internal/api/handlers/accessesapi"
	"Strata/internal/api/handlers/authapi"
	"Strata/internal/api/handlers/eventsapi"
	"Strata/internal/api/handlers/usersapi"
	"Strata/internal/api/middleware"
	"Strata/internal/core/accesses"
	"Strata/internal/core/events"
	"Strata/internal/core/register"
	"Strata/internal/core/registration"
	"Strata/internal/core/sessions"
	"Strata/internal/core/users"
)

// Deps carries everything the HTTP surface needs.
type Deps struct {
	Auth       *middleware.Authenticator
	Events     *events.Service
	Accesses   *accesses.Service
	Pipeline   *registration.Pipeline
	Registry   register.Registry
	Index      users.Index
	Accounts   users.Service
	Sessions   *sessions.Manager
	AccessRepo accesses.Repository
	// Throttle guards the unauthenticated surface; nil disables it.
	Throttle  *middleware.Throttle
	APIDomain string
	Log       zerolog.Logger
}

// Register mounts every route.
func Register(r chi.Router, d Deps) {
	eventsHandler := eventsapi.New(d.Events, d.Log)
	accessesHandler := accessesapi.New(d.Accesses, d.Log)
	authHandler := authapi.New(d.Index, d.Accounts, d.Sessions, d.AccessRepo,
		d.APIDomain, nil, d.Log)
	usersHandler := usersapi.New(d.Pipeline, d.Registry, d.Index, d.Accounts, d.Log)

	throttled := func(r chi.Router) chi.Router {
		if d.Throttle == nil {
			return r
		}
		return r.With(d.Throttle.Middleware)
	}

	// Node-level surface: registration and username availability.
	throttled(r).Post("/users", usersHandler.Register)
	r.Get("/reg/{username}/check_username", usersHandler.CheckUsername)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	// Per-user surface.
	r.Route("/{username}", func(r chi.Router) {
		throttled(r).Post("/auth/login", authHandler.Login)

		r.Group(func(r chi.Router) {
			r.Use(d.Auth.RequireAccess)

			r.Post("/auth/logout", authHandler.Logout)

			r.Get("/events", eventsHandler.List)
			r.Post("/events", eventsHandler.Create)
			r.Get("/events/{id}", eventsHandler.GetOne)
			r.Put("/events/{id}", eventsHandler.Update)
			r.Delete("/events/{id}", eventsHandler.Delete)

			r.Get("/accesses", accessesHandler.List)
			r.Post("/accesses", accessesHandler.Create)
			r.Delete("/accesses/{id}", accessesHandler.Delete)
			r.Post("/accesses/check-app", accessesHandler.CheckApp)

			r.Get("/account", usersHandler.Account)
		})
	})

	// User deletion authenticates against the target user's own path-less
	// token, so it mounts under the same auth middleware with the username
	// taken from the path.
	r.With(d.Auth.RequireAccess).Delete("/users/{username}", usersHandler.Delete)
}
