// Package api exposes job admission, progress streaming and result
// download over HTTP.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/ofeklabautomations/scraperd/internal/jobstore"
	"github.com/ofeklabautomations/scraperd/internal/progress"
	"github.com/ofeklabautomations/scraperd/internal/service"
)

// maxBodySize limits the admission request body.
const maxBodySize = 64 << 10

// Submitter admits new jobs.
type Submitter interface {
	Submit(ctx context.Context, req service.Request) (string, error)
}

// Packager builds the result archive of a job.
type Packager interface {
	Pack(ctx context.Context, id string) ([]byte, error)
	ArchiveName(id string) string
}

type Server struct {
	submitter      Submitter
	store          *jobstore.Store
	broadcaster    *progress.Broadcaster
	packager       Packager
	allowedOrigins []string
}

func NewServer(submitter Submitter, store *jobstore.Store, broadcaster *progress.Broadcaster, packager Packager, allowedOrigins []string) *Server {
	return &Server{
		submitter:      submitter,
		store:          store,
		broadcaster:    broadcaster,
		packager:       packager,
		allowedOrigins: allowedOrigins,
	}
}

// Handler returns the routes of the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		ExposedHeaders: []string{"Content-Disposition"},
	}).Handler)

	r.Get("/healthz", s.handleHealth)
	r.Route("/api", func(r chi.Router) {
		r.Post("/scrape", s.handleScrape)
		r.Get("/scrape/{jobID}/progress", s.handleProgress)
		r.Get("/download/{jobID}", s.handleDownload)
		r.Get("/jobs", s.handleJobs)
		r.Get("/jobs/{jobID}", s.handleJob)
	})
	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		slog.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote", r.RemoteAddr,
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func jsonErr(w http.ResponseWriter, msg string, code int) {
	writeJSON(w, code, map[string]string{"error": msg})
}
