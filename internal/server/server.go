// Package server wires the upload API routes and middleware.
package server

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/rumor-ml/commons.systems/finimport/internal/handlers"
	"github.com/rumor-ml/commons.systems/finimport/internal/logger"
	"github.com/rumor-ml/commons.systems/finimport/internal/middleware"
)

// Server represents the import API server
type Server struct {
	api  *handlers.APIHandler
	auth func(http.Handler) http.Handler
	log  zerolog.Logger
	mux  *http.ServeMux
}

// New creates a server. auth wraps every /api route, typically
// AuthMiddleware.RequireAuth or LocalUser.
func New(api *handlers.APIHandler, auth func(http.Handler) http.Handler, log zerolog.Logger) *Server {
	s := &Server{
		api:  api,
		auth: auth,
		log:  log,
		mux:  http.NewServeMux(),
	}
	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	// Health check (no auth required)
	s.mux.HandleFunc("GET /health", handlers.HealthCheck)

	s.mux.Handle("POST /api/imports", s.auth(http.HandlerFunc(s.api.ImportFile)))
	s.mux.Handle("POST /api/imports/count", s.auth(http.HandlerFunc(s.api.CountRecords)))
	s.mux.Handle("GET /api/imports/{id}", s.auth(http.HandlerFunc(s.api.GetImportSession)))
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	handler := middleware.CORS(s.mux)
	handler = middleware.RequestLogger(handler)
	return s.withLogger(handler)
}

func (s *Server) withLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(logger.WithContext(r.Context(), s.log)))
	})
}
