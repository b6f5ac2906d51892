package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/gridfeed/gridfeed/telemetry"
)

// NewRouter wires the REST endpoints. The realtime handler, when given,
// is mounted at /realtime so one listener serves both surfaces.
func NewRouter(h *Handlers, realtime http.Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(timingMiddleware)

	r.Get("/health", h.handleHealth)

	r.Route("/plants/{plantID}/readings", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, req *http.Request) {
			h.handleListReadings(w, req, chi.URLParam(req, "plantID"))
		})
		r.Get("/since", func(w http.ResponseWriter, req *http.Request) {
			h.handleListReadingsSince(w, req, chi.URLParam(req, "plantID"))
		})
		r.Post("/", func(w http.ResponseWriter, req *http.Request) {
			h.handleCreateReading(w, req, chi.URLParam(req, "plantID"))
		})
	})

	r.Patch("/readings/{readingID}", func(w http.ResponseWriter, req *http.Request) {
		h.handleUpdateReading(w, req, chi.URLParam(req, "readingID"))
	})

	if realtime != nil {
		r.Handle("/realtime", realtime)
	}

	return r
}

func timingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = r.URL.Path
		}
		telemetry.HTTPDurationSeconds.With(route).Observe(time.Since(start).Seconds())
	})
}
