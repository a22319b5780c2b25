// Package api is the thin HTTP/WebSocket front over internal/corectx.Core:
// it resolves the caller's auth.Principal from request headers, decodes
// request bodies, calls the matching Core operation, and translates the
// errs.Kind taxonomy into HTTP status codes. Auth token issuance, CORS, and
// security headers are explicitly out of scope (spec §1 Non-goals) — this
// package assumes an upstream gateway already authenticated the caller and
// handed it a user id / api key to resolve into a Principal.
//
// Grounded on the toolbridge-api example's `Server` + `Routes` chi-router
// shape (one file per concern, middleware chain, route groups), the closest
// pack reference for an HTTP front — the teacher itself has no HTTP server,
// it is a CLI, so this package is pack enrichment rather than a teacher
// pattern.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/scribeforge/scribeforge/internal/corectx"
	"github.com/scribeforge/scribeforge/internal/obslog"
)

// Server holds the dependencies every handler needs.
type Server struct {
	Core *corectx.Core
	Log  obslog.Logger
}

// New builds a Server over core.
func New(core *corectx.Core, log obslog.Logger) *Server {
	return &Server{Core: core, Log: log}
}

// Routes builds the full router: health check, principal resolution, then
// the job/upload/batch/health/websocket endpoint groups.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(s.principalMiddleware)

		r.Post("/v1/jobs", s.submitJob)
		r.Get("/v1/jobs", s.listJobs)
		r.Get("/v1/jobs/{jobID}", s.getJob)
		r.Post("/v1/jobs/{jobID}/cancel", s.cancelJob)

		r.Post("/v1/uploads", s.initUpload)
		r.Put("/v1/uploads/{sessionID}/chunks/{index}", s.putChunk)
		r.Post("/v1/uploads/{sessionID}/seal", s.sealUpload)

		r.Post("/v1/batches", s.submitBatch)
		r.Get("/v1/batches/{batchID}", s.getBatch)
		r.Post("/v1/batches/{batchID}/cancel", s.cancelBatch)

		r.Get("/v1/system/health", s.systemHealth)

		r.Get("/v1/subscribe", s.subscribe)
	})

	return r
}
