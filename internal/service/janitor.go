package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/ofeklabautomations/scraperd/internal/jobstore"
	"github.com/ofeklabautomations/scraperd/internal/model"
)

// Janitor periodically forgets finished jobs and removes output
// directories nobody has downloaded.
type Janitor struct {
	store      *jobstore.Store
	supervisor *Supervisor
	jobsDir    string
	recordTTL  time.Duration
	dirTTL     time.Duration
	now        func() time.Time
	scheduler  gocron.Scheduler
}

// SweepResult summarizes a single janitor run.
type SweepResult struct {
	Evicted []string
	Removed []string
}

func NewJanitor(ctx context.Context, cfg model.Janitor, jobsDir string, store *jobstore.Store, supervisor *Supervisor) (*Janitor, error) {
	j := &Janitor{
		store:      store,
		supervisor: supervisor,
		jobsDir:    jobsDir,
		recordTTL:  cfg.RecordTTL.D(),
		dirTTL:     cfg.DirTTL.D(),
		now:        time.Now,
	}
	if !cfg.Enabled {
		return j, nil
	}

	scheduler, err := newScheduler(ctx, cfg, func() {
		_, err := j.Sweep(ctx)
		if err != nil {
			slog.ErrorContext(ctx, "janitor sweep", "error", err)
		}
	})
	if err != nil {
		return nil, err
	}
	j.scheduler = scheduler
	return j, nil
}

// WithClock replaces the time source. For tests only.
func (j *Janitor) WithClock(now func() time.Time) *Janitor {
	j.now = now
	return j
}

// Start starts the scheduler, it is a no-op for a disabled janitor.
func (j *Janitor) Start() {
	if j.scheduler != nil {
		j.scheduler.Start()
	}
}

func (j *Janitor) Shutdown() error {
	if j.scheduler == nil {
		return nil
	}
	return j.scheduler.Shutdown()
}

// Sweep evicts finished jobs older than the record TTL and removes output
// directories older than the directory TTL, unless their job still runs.
func (j *Janitor) Sweep(ctx context.Context) (SweepResult, error) {
	now := j.now()
	var res SweepResult
	if j.recordTTL > 0 {
		res.Evicted = j.store.Evict(now.Add(-j.recordTTL))
		if len(res.Evicted) > 0 {
			slog.InfoContext(ctx, "evicted finished jobs", "count", len(res.Evicted))
		}
	}
	if j.dirTTL <= 0 {
		return res, nil
	}

	entries, err := os.ReadDir(j.jobsDir)
	if errors.Is(err, os.ErrNotExist) {
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("reading jobs directory: %w", err)
	}

	cutoff := now.Add(-j.dirTTL)
	var errs []error
	for _, e := range entries {
		if !e.IsDir() || !j.removable(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		path := filepath.Join(j.jobsDir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", path, err))
			continue
		}
		slog.InfoContext(ctx, "removed stale output directory", "job_id", e.Name(), "path", path)
		res.Removed = append(res.Removed, e.Name())
	}
	return res, errors.Join(errs...)
}

func (j *Janitor) removable(id string) bool {
	if j.supervisor != nil && j.supervisor.Active(id) {
		return false
	}
	job, err := j.store.Get(id)
	if err != nil {
		return true
	}
	return job.Status.Terminal()
}

func newScheduler(ctx context.Context, cfg model.Janitor, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		if _, err := model.ParseCron(cfg.Cron); err != nil {
			return nil, fmt.Errorf("parsing janitor.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "janitor scheduled", "cron", cfg.Cron)
	case cfg.Every != "":
		d, err := model.ParseISODuration(cfg.Every)
		if err != nil {
			return nil, fmt.Errorf("parsing janitor.every: %w", err)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "janitor scheduled", "every", d.String())
	default:
		return nil, errors.New("both janitor.cron and janitor.every are empty")
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
