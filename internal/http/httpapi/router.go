package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"server/internal/http/handlers"
	"server/internal/middleware"
)

// NewRouter assembles the route table and middleware chain. lookup may be
// nil when no GeoIP database is configured.
func NewRouter(app *handlers.App, lookup middleware.CountryLookup) http.Handler {
	r := chi.NewRouter()

	limiter := middleware.NewLimiter(app.Config.RateLimitPerMin, time.Minute)
	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
		middleware.CORS(app.Config.AllowedOrigins),
		limiter.Middleware,
		middleware.I18N(app.Config.DefaultLanguage, lookup),
	)

	r.Get("/v1/healthz", app.Health)

	r.Route("/imageprompt", func(r chi.Router) {
		r.Post("/", app.ImagePrompt)
		r.Get("/status", app.ImagePromptStatus)
	})

	return r
}
