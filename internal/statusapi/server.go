// Package statusapi provides a read-only HTTP status surface for sitesync:
// run lookup, exception listing, and health/metrics endpoints. It never
// mutates state — task acquisition, retries, and cancellation are driven
// by the Executor, not this API.
package statusapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sitesync/sitesync/internal/domain"
	"github.com/sitesync/sitesync/internal/health"
	"github.com/sitesync/sitesync/internal/store"
)

// Server is sitesync's status HTTP server.
type Server struct {
	store   *store.Store
	checker *health.Checker
}

// NewServer builds a status server bound to a Store and health Checker.
func NewServer(s *store.Store, checker *health.Checker) *Server {
	return &Server{store: s, checker: checker}
}

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/runs/{runID}", func(r chi.Router) {
		r.Get("/", s.handleGetRun)
		r.Get("/exceptions", s.handleListExceptions)
	})

	r.Route("/sources/{sourceName}", func(r chi.Router) {
		r.Get("/assets", s.handleListAssets)
		r.Get("/asset", s.handleGetAsset)
	})

	return r
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	status := s.checker.Check(r.Context())
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := s.store.GetRun(runID)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleListExceptions(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	exceptions, err := s.store.ListExceptions(runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, exceptions)
}

func (s *Server) handleListAssets(w http.ResponseWriter, r *http.Request) {
	sourceName := chi.URLParam(r, "sourceName")
	assets, err := s.store.ListAssetsBySource(sourceName)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, assets)
}

func (s *Server) handleGetAsset(w http.ResponseWriter, r *http.Request) {
	sourceName := chi.URLParam(r, "sourceName")
	url := r.URL.Query().Get("url")
	asset, err := s.store.GetAsset(sourceName, url)
	if err != nil {
		if errors.Is(err, domain.ErrAssetNotFound) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]interface{}{"message": msg},
	})
}
