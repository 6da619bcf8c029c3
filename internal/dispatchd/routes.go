package dispatchd

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// router returns a chi router with the dispatch routes and appropriate
// middlewares mounted.
func (s *Server) router() chi.Router {
	r := chi.NewRouter()

	if s.conf.DebugHTTP {
		r.Use(LoggerMiddleware("Dispatch API", s.logger.Debug))
	}
	r.Use(middleware.Recoverer)

	r.Group(func(r chi.Router) {
		// All API responses are in JSON.
		r.Use(HeadersMiddleware(http.Header{"Content-Type": []string{"application/json"}}))

		r.Get("/", s.root)
		r.Get("/healthz", s.healthz)
		r.Post("/jobs", s.submitJob)
		r.Post("/jobs/{jobID}/cancel", s.cancelJob)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	r.Get("/status", s.page.Handle)

	return r
}
