package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	mw "github.com/kiranshivaraju/genwatch/internal/api/middleware"
	"github.com/kiranshivaraju/genwatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc
	Metrics       http.Handler

	SubmitHandler http.HandlerFunc
	ListJobs      http.HandlerFunc
	GetJob        http.HandlerFunc
	StreamJob     http.HandlerFunc
	ListWatches   http.HandlerFunc
	PutWatch      http.HandlerFunc
	DeleteWatch   http.HandlerFunc
	ListHistory   http.HandlerFunc
	GetHistory    http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Auth == nil {
		deps.Auth = mw.NewAuth("")
	}
	if deps.RateLimit == nil {
		deps.RateLimit = mw.NewRateLimit(nil, 0)
	}

	r := chi.NewRouter()

	// Global middleware
	r.Use(mw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	// Public
	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)
		r.Use(deps.RateLimit.Limit)

		r.Post("/api/v1/jobs", orNotImplemented(deps.SubmitHandler))
		r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
		r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
		r.Get("/api/v1/jobs/{jobID}/stream", orNotImplemented(deps.StreamJob))

		r.Get("/api/v1/watches", orNotImplemented(deps.ListWatches))
		r.Put("/api/v1/watches/{jobID}", orNotImplemented(deps.PutWatch))
		r.Delete("/api/v1/watches/{jobID}", orNotImplemented(deps.DeleteWatch))

		r.Get("/api/v1/history", orNotImplemented(deps.ListHistory))
		r.Get("/api/v1/history/{jobID}", orNotImplemented(deps.GetHistory))
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, response.CodeNotImplemented, "Endpoint not yet implemented", nil)
	}
}
