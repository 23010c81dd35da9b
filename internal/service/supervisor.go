package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/ofeklabautomations/scraperd/internal/jobstore"
	"github.com/ofeklabautomations/scraperd/internal/log"
	"github.com/ofeklabautomations/scraperd/internal/model"
)

const (
	msgWaiting   = "Waiting for a free worker slot..."
	msgCompleted = "Scraping completed successfully!"
)

// Supervisor runs one worker per job and translates its output and exit
// status into job state.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	store  *jobstore.Store
	slots  *semaphore.Weighted

	mx     sync.Mutex
	active map[string]*Runner
	wg     sync.WaitGroup
}

// NewSupervisor returns a supervisor limited to maxWorkers parallel
// workers. Workers live as long as ctx, not as long as the request which
// started them.
func NewSupervisor(ctx context.Context, store *jobstore.Store, maxWorkers int) *Supervisor {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{
		ctx:    ctx,
		cancel: cancel,
		store:  store,
		slots:  semaphore.NewWeighted(int64(maxWorkers)),
		active: make(map[string]*Runner),
	}
}

// Start begins supervising the job id; it returns immediately. The job must
// exist in the store. ErrJobInProgress is returned when a worker for id is
// already active.
func (s *Supervisor) Start(ctx context.Context, id string, cmd Command) error {
	if _, err := s.store.Get(id); err != nil {
		return err
	}

	s.mx.Lock()
	defer s.mx.Unlock()
	if s.ctx.Err() != nil {
		return fmt.Errorf("supervisor closed: %w", s.ctx.Err())
	}
	if _, ok := s.active[id]; ok {
		slog.WarnContext(ctx, "job already supervised: ignoring", "job_id", id)
		return fmt.Errorf("%w: %s", model.ErrJobInProgress, id)
	}

	runner := NewRunner()
	s.active[id] = runner
	jobCtx := log.WithJob(s.ctx, id)
	s.wg.Go(func() {
		defer s.remove(id)
		s.run(jobCtx, id, runner, cmd)
	})
	return nil
}

// Active reports whether a worker for the job id is waiting or running.
func (s *Supervisor) Active(id string) bool {
	s.mx.Lock()
	defer s.mx.Unlock()
	_, ok := s.active[id]
	return ok
}

// Wait blocks until every supervised worker is done.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Close kills all workers and waits for them. Their jobs end in error.
func (s *Supervisor) Close() {
	s.cancel()
	s.mx.Lock()
	for _, r := range s.active {
		r.Close()
	}
	s.mx.Unlock()
	s.wg.Wait()
}

func (s *Supervisor) remove(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	delete(s.active, id)
}

func (s *Supervisor) run(ctx context.Context, id string, runner *Runner, cmd Command) {
	if !s.slots.TryAcquire(1) {
		s.merge(ctx, id, model.Update{Message: model.Ptr(msgWaiting)})
		slog.InfoContext(ctx, "waiting for a free worker slot")
		if err := s.slots.Acquire(ctx, 1); err != nil {
			s.merge(ctx, id, failed("Scraping failed: "+err.Error()))
			return
		}
	}
	defer s.slots.Release(1)

	slog.InfoContext(ctx, "starting worker", "path", cmd.Path, "args", cmd.Args, "dir", cmd.Dir)
	err := runner.Start(ctx, cmd, s.stdoutFunc(id), stderrFunc)
	if err != nil {
		slog.ErrorContext(ctx, "worker start failed", "error", err)
		s.merge(ctx, id, failed("Scraping failed: "+err.Error()))
		return
	}
	// status only, the first output line may already carry a message
	s.merge(ctx, id, model.Update{Status: model.Ptr(model.StatusRunning)})

	res := <-runner.WaitChan()
	slog.InfoContext(ctx, "worker finished",
		"exit_code", res.ExitCode(),
		"duration", res.Stopped.Sub(res.Started).String(),
		"timed_out", res.TimedOut,
		"error", res.Err,
	)
	s.merge(ctx, id, outcome(res, cmd))
}

func (s *Supervisor) merge(ctx context.Context, id string, u model.Update) {
	if err := s.store.Merge(ctx, id, u); err != nil && !errors.Is(err, model.ErrJobNotFound) {
		slog.ErrorContext(ctx, "updating job", "error", err)
	}
}

// stdoutFunc merges JSON progress lines into the job. Success and failure
// are decided by the exit code only, so any status but running is dropped.
func (s *Supervisor) stdoutFunc(id string) LineFunc {
	return func(ctx context.Context, line string) {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			slog.DebugContext(ctx, "worker output", "line", line)
			return
		}
		var u model.Update
		if err := json.Unmarshal([]byte(line), &u); err != nil {
			slog.DebugContext(ctx, "malformed progress line: ignoring", "line", line, "error", err)
			return
		}
		if u.Status != nil && *u.Status != model.StatusRunning {
			slog.DebugContext(ctx, "worker reported status: ignoring", "status", *u.Status)
			u.Status = nil
		}
		s.merge(ctx, id, u)
	}
}

func stderrFunc(ctx context.Context, line string) {
	slog.WarnContext(ctx, "worker stderr", "line", line)
}

func outcome(res Result, cmd Command) model.Update {
	switch {
	case res.Success():
		return model.Update{
			Status:   model.Ptr(model.StatusCompleted),
			Progress: model.Ptr(100),
			Message:  model.Ptr(msgCompleted),
		}
	case res.TimedOut:
		return failed("Scraping timed out after " + cmd.Timeout.String())
	case res.ExitCode() >= 0:
		return failed(fmt.Sprintf("Scraping failed (exit code %d)", res.ExitCode()))
	case res.Err != nil:
		return failed("Scraping failed: " + res.Err.Error())
	default:
		return failed("Scraping failed")
	}
}

func failed(msg string) model.Update {
	return model.Update{
		Status:  model.Ptr(model.StatusError),
		Message: model.Ptr(msg),
	}
}
