package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ofeklabautomations/scraperd/internal/log"
	"github.com/ofeklabautomations/scraperd/internal/model"
	"github.com/ofeklabautomations/scraperd/internal/service"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "jobs": s.store.Len()})
}

func (s *Server) handleScrape(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	var req service.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonErr(w, "invalid request body", http.StatusBadRequest)
		return
	}

	id, err := s.submitter.Submit(r.Context(), req)
	switch {
	case errors.Is(err, model.ErrValidation):
		jsonErr(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		slog.ErrorContext(r.Context(), "scrape admission failed", "error", err)
		jsonErr(w, "Failed to start scraping", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id})
}

func (s *Server) handleJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"jobs": s.store.List()})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.store.Get(chi.URLParam(r, "jobID"))
	if err != nil {
		jsonErr(w, "Job not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	ctx := log.WithJob(r.Context(), id)
	if _, err := s.store.Get(id); err != nil {
		jsonErr(w, "Job not found", http.StatusNotFound)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonErr(w, "streaming not supported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	sink := sseSink{w: w, flusher: flusher}
	err := s.broadcaster.Stream(ctx, id, sink)
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		_ = sink.event("error", map[string]string{"error": "Job not found"})
	case err != nil:
		slog.DebugContext(ctx, "progress stream ended", "error", err)
	}
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	ctx := log.WithJob(r.Context(), id)
	raw, err := s.packager.Pack(ctx, id)
	switch {
	case errors.Is(err, model.ErrJobNotFound):
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	case err != nil:
		slog.ErrorContext(ctx, "download failed", "error", err)
		http.Error(w, "Download failed", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, s.packager.ArchiveName(id)))
	w.Header().Set("Content-Length", strconv.Itoa(len(raw)))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(raw); err != nil {
		slog.WarnContext(ctx, "writing archive", "error", err)
	}
}
