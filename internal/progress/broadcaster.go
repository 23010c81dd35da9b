// Package progress pushes job snapshots to observers until the job ends.
package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ofeklabautomations/scraperd/internal/jobstore"
	"github.com/ofeklabautomations/scraperd/internal/model"
)

// Sink receives job snapshots. An error stops the stream.
type Sink interface {
	Send(ctx context.Context, job model.Job) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, job model.Job) error

func (f SinkFunc) Send(ctx context.Context, job model.Job) error {
	return f(ctx, job)
}

type Broadcaster struct {
	store        *jobstore.Store
	interval     time.Duration
	missingGrace int
}

// NewBroadcaster returns a broadcaster re-sending the job every interval and
// on every change. A job missing for missingGrace ticks ends the stream.
func NewBroadcaster(store *jobstore.Store, interval time.Duration, missingGrace int) *Broadcaster {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if missingGrace < 1 {
		missingGrace = 1
	}
	return &Broadcaster{
		store:        store,
		interval:     interval,
		missingGrace: missingGrace,
	}
}

// Stream sends the current snapshot of the job id, then a snapshot on each
// tick and each change. It returns nil after a terminal snapshot has been
// sent or when ctx is done, model.ErrJobNotFound when the job does not
// show up within the grace period, or the error of the sink.
func (b *Broadcaster) Stream(ctx context.Context, id string, sink Sink) error {
	changes, unwatch := b.store.Watch(id)
	defer unwatch()

	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	missing := 0
	push := func() (bool, error) {
		job, err := b.store.Get(id)
		if errors.Is(err, model.ErrJobNotFound) {
			missing++
			if missing >= b.missingGrace {
				return true, err
			}
			return false, nil
		}
		if err != nil {
			return true, err
		}
		missing = 0
		if err := sink.Send(ctx, job); err != nil {
			return true, fmt.Errorf("sending progress: %w", err)
		}
		return job.Status.Terminal(), nil
	}

	for {
		done, err := push()
		if done {
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-ctx.Done():
			slog.DebugContext(ctx, "observer gone: stopping progress stream", "job_id", id)
			return nil
		case <-changes:
		case <-ticker.C:
		}
	}
}
