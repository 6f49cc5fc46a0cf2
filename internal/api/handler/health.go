package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/kiranshivaraju/genwatch/internal/api/response"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type healthReport struct {
	Status   string            `json:"status"`
	Version  string            `json:"version"`
	Tracking int               `json:"tracking"`
	Checks   map[string]string `json:"checks"`
}

// NewHealthHandler returns an http.HandlerFunc for GET /api/v1/health. Any
// failing dependency turns the report degraded with a 503.
func NewHealthHandler(version string, checks map[string]Pinger, svc Watcher) http.HandlerFunc {
	names := make([]string, 0, len(checks))
	for name := range checks {
		names = append(names, name)
	}
	sort.Strings(names)

	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		report := healthReport{
			Status:   "ok",
			Version:  version,
			Tracking: len(svc.Active()),
			Checks:   make(map[string]string, len(names)),
		}
		for _, name := range names {
			if err := checks[name].Ping(ctx); err != nil {
				report.Checks[name] = "error: " + err.Error()
				report.Status = "degraded"
				continue
			}
			report.Checks[name] = "ok"
		}

		if report.Status != "ok" {
			response.Error(w, http.StatusServiceUnavailable, "DEGRADED", "One or more dependencies are unavailable", report)
			return
		}
		response.JSON(w, report)
	}
}
