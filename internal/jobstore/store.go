// Package jobstore keeps the state of every known job in memory.
// It is the single source of truth, callers always get copies.
package jobstore

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/ofeklabautomations/scraperd/internal/model"
)

type Store struct {
	mx       sync.RWMutex
	jobs     map[string]model.Job
	watchers map[string]map[*watcher]struct{}
	now      func() time.Time
}

type watcher struct {
	ch chan struct{}
}

func New() *Store {
	return &Store{
		jobs:     make(map[string]model.Job),
		watchers: make(map[string]map[*watcher]struct{}),
		now:      time.Now,
	}
}

// WithClock replaces the time source. For tests only.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.mx.Lock()
	defer s.mx.Unlock()
	s.now = now
	return s
}

// Create registers a new job under id.
func (s *Store) Create(id string, job model.Job) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.jobs[id]; ok {
		return fmt.Errorf("%w: %s", model.ErrDuplicateJob, id)
	}
	now := s.now()
	job.ID = id
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	job.Progress = min(max(job.Progress, 0), 100)
	s.jobs[id] = job
	s.notify(id)
	return nil
}

func (s *Store) Get(id string) (model.Job, error) {
	s.mx.RLock()
	defer s.mx.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return model.Job{}, fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	return job, nil
}

// Merge applies u to the job. Updates of a finished job are dropped, the
// first terminal status wins.
func (s *Store) Merge(ctx context.Context, id string, u model.Update) error {
	s.mx.Lock()
	defer s.mx.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		slog.WarnContext(ctx, "merge of unknown job: ignoring", "job_id", id)
		return fmt.Errorf("%w: %s", model.ErrJobNotFound, id)
	}
	if job.Status.Terminal() {
		slog.DebugContext(ctx, "job already finished: ignoring update", "job_id", id, "status", job.Status)
		return nil
	}
	if u.Empty() {
		return nil
	}

	job = u.Apply(job)
	now := s.now()
	job.UpdatedAt = now
	if job.Status.Terminal() {
		job.FinishedAt = now
	}
	s.jobs[id] = job
	s.notify(id)
	return nil
}

func (s *Store) Delete(id string) {
	s.mx.Lock()
	defer s.mx.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return
	}
	delete(s.jobs, id)
	s.notify(id)
}

// List returns all jobs ordered by creation time.
func (s *Store) List() []model.Job {
	s.mx.RLock()
	ret := make([]model.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		ret = append(ret, job)
	}
	s.mx.RUnlock()

	slices.SortFunc(ret, func(a, b model.Job) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return ret
}

func (s *Store) Len() int {
	s.mx.RLock()
	defer s.mx.RUnlock()
	return len(s.jobs)
}

// Evict removes finished jobs whose FinishedAt is before cutoff and
// returns their ids.
func (s *Store) Evict(cutoff time.Time) []string {
	s.mx.Lock()
	defer s.mx.Unlock()
	var evicted []string
	for id, job := range s.jobs {
		if !job.Status.Terminal() || !job.FinishedAt.Before(cutoff) {
			continue
		}
		delete(s.jobs, id)
		s.notify(id)
		evicted = append(evicted, id)
	}
	slices.Sort(evicted)
	return evicted
}

// Watch returns a channel receiving a value after each change of the job
// id. Notifications coalesce: a slow reader sees at most one pending
// value. The returned func releases the watcher.
func (s *Store) Watch(id string) (<-chan struct{}, func()) {
	w := &watcher{ch: make(chan struct{}, 1)}
	s.mx.Lock()
	ws, ok := s.watchers[id]
	if !ok {
		ws = make(map[*watcher]struct{})
		s.watchers[id] = ws
	}
	ws[w] = struct{}{}
	s.mx.Unlock()

	var once sync.Once
	return w.ch, func() {
		once.Do(func() {
			s.mx.Lock()
			defer s.mx.Unlock()
			ws := s.watchers[id]
			delete(ws, w)
			if len(ws) == 0 {
				delete(s.watchers, id)
			}
		})
	}
}

// notify must be called with s.mx held.
func (s *Store) notify(id string) {
	for w := range s.watchers[id] {
		select {
		case w.ch <- struct{}{}:
		default:
		}
	}
}
