package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/phrazzld/tandem-api/internal/api"
	apiMiddleware "github.com/phrazzld/tandem-api/internal/api/middleware"
	"github.com/phrazzld/tandem-api/internal/api/shared"
)

// setupRouter creates and configures the application router with all routes and middleware.
func (app *application) setupRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(apiMiddleware.TraceMiddleware(app.logger))

	authMiddleware := apiMiddleware.NewAuthMiddleware(app.jwtService)
	entityHandler := api.NewEntityHandler(app.controller, app.logger)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.Authenticate)

			r.Post("/entities", entityHandler.CreateEntity)
			r.Get("/entities/{id}", entityHandler.GetEntity)
			r.Patch("/entities/{id}", entityHandler.UpdateEntity)
		})
	})

	// The websocket endpoint authenticates on its own so browsers can pass
	// the token in the query string or the first frame.
	r.Method(http.MethodGet, "/ws", app.manager)

	r.Method(http.MethodGet, "/metrics", app.metrics.Handler())
	r.Get("/health", app.handleHealth)

	return r
}

// handleHealth reports whether the database and Redis are reachable along
// with the number of live websocket connections.
func (app *application) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}

	if app.db != nil {
		checks["database"] = "ok"
		if err := app.db.PingContext(ctx); err != nil {
			checks["database"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}
	if app.redis != nil {
		checks["redis"] = "ok"
		if err := app.redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	shared.RespondWithJSON(w, r, status, map[string]any{
		"status":      http.StatusText(status),
		"checks":      checks,
		"connections": app.manager.ActiveConnections(),
	})
}
