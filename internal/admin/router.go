package admin

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter returns a chi router with every admin route registered.
func NewRouter(app *App) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	RegisterRoutes(r, app)
	return r
}

func RegisterRoutes(r chi.Router, app *App) {
	r.Get("/healthz", healthHandler)

	r.Get("/budget", app.budgetHandler)
	r.Post("/circuit/open", app.openCircuitHandler)
	r.Post("/circuit/close", app.closeCircuitHandler)

	r.Get("/scheduler/{jobType}/staleness", app.stalenessHandler)
	r.Get("/scheduler/{jobType}/missed", app.missedRunsHandler)

	r.Get("/dlq", app.listDeadLettersHandler)
	r.Post("/dlq/heal", app.healHandler)

	r.Get("/alerts", app.listAlertsHandler)
}
