package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/ofeklabautomations/scraperd/internal/jobstore"
	"github.com/ofeklabautomations/scraperd/internal/log"
	"github.com/ofeklabautomations/scraperd/internal/model"
)

const msgStarting = "Starting scraper..."

// Request is a submission of a new extraction job.
type Request struct {
	URL          string `json:"url"`
	Manufacturer string `json:"manufacturer"`
	Limit        int    `json:"limit"`
}

// Scraper admits new jobs: it validates a request, prepares the output
// directory, registers the job and hands it to the Supervisor.
type Scraper struct {
	store      *jobstore.Store
	supervisor *Supervisor
	cfg        model.Worker
	newID      func() (uuid.UUID, error)
}

func NewScraper(store *jobstore.Store, supervisor *Supervisor, cfg model.Worker) *Scraper {
	return &Scraper{
		store:      store,
		supervisor: supervisor,
		cfg:        cfg,
		newID:      uuid.NewV7,
	}
}

// Submit starts a new job and returns its id without waiting for the
// worker. Invalid requests return an error matching model.ErrValidation.
func (s *Scraper) Submit(ctx context.Context, req Request) (string, error) {
	req, err := s.validate(req)
	if err != nil {
		return "", err
	}

	uid, err := s.newID()
	if err != nil {
		return "", fmt.Errorf("generating job id: %w", err)
	}
	id := uid.String()
	ctx = log.WithJob(ctx, id)

	root, err := filepath.Abs(s.cfg.JobsDir())
	if err != nil {
		return "", fmt.Errorf("resolving jobs directory: %w", err)
	}
	dir := filepath.Join(root, id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output directory: %w", err)
	}

	err = s.store.Create(id, model.Job{
		Status:     model.StatusPending,
		Message:    msgStarting,
		TotalUnits: req.Limit,
		OutputDir:  dir,
	})
	if err != nil {
		return "", err
	}

	if err := s.supervisor.Start(ctx, id, s.Command(req, dir)); err != nil {
		slog.ErrorContext(ctx, "starting supervision", "error", err)
		_ = s.store.Merge(ctx, id, failed("Scraping failed: "+err.Error()))
		return "", err
	}
	slog.InfoContext(ctx, "job submitted", "url", req.URL, "manufacturer", req.Manufacturer, "limit", req.Limit)
	return id, nil
}

// Command returns the worker invocation for a validated request.
func (s *Scraper) Command(req Request, outputDir string) Command {
	args := append([]string(nil), s.cfg.Args...)
	args = append(args,
		"--url", req.URL,
		"--manufacturer", req.Manufacturer,
		"--limit", strconv.Itoa(req.Limit),
		"--output-dir", outputDir,
		"--progress-json",
	)
	return Command{
		Path:    s.cfg.Python,
		Args:    args,
		Dir:     s.cfg.Root,
		Timeout: s.cfg.Timeout.D(),
	}
}

func (s *Scraper) validate(req Request) (Request, error) {
	req.URL = strings.TrimSpace(req.URL)
	req.Manufacturer = strings.TrimSpace(req.Manufacturer)
	if req.URL == "" || req.Manufacturer == "" {
		return req, model.ValidationError{Field: "url", Reason: "URL and manufacturer are required"}
	}

	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return req, model.ValidationError{Field: "url", Reason: "URL must be an absolute http(s) URL"}
	}

	switch {
	case req.Limit < 0:
		return req, model.ValidationError{Field: "limit", Reason: "limit must not be negative"}
	case req.Limit == 0:
		req.Limit = s.cfg.DefaultLimit
	case s.cfg.MaxLimit > 0 && req.Limit > s.cfg.MaxLimit:
		return req, model.ValidationError{
			Field:  "limit",
			Reason: fmt.Sprintf("limit must not exceed %d", s.cfg.MaxLimit),
		}
	}
	return req, nil
}
