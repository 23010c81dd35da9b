package progress_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ofeklabautomations/scraperd/internal/jobstore"
	"github.com/ofeklabautomations/scraperd/internal/model"
	"github.com/ofeklabautomations/scraperd/internal/progress"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mx     sync.Mutex
	frames []model.Frame
	sent   chan struct{}
}

func newRecorder() *recorder {
	return &recorder{sent: make(chan struct{}, 100)}
}

func (r *recorder) Send(_ context.Context, job model.Job) error {
	r.mx.Lock()
	r.frames = append(r.frames, job.Frame())
	r.mx.Unlock()
	select {
	case r.sent <- struct{}{}:
	default:
	}
	return nil
}

func (r *recorder) get() []model.Frame {
	r.mx.Lock()
	defer r.mx.Unlock()
	return append([]model.Frame(nil), r.frames...)
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.sent:
	case <-time.After(5 * time.Second):
		t.Fatal("no frame sent")
	}
}

func newJob(t *testing.T, store *jobstore.Store, id string) {
	t.Helper()
	require.NoError(t, store.Create(id, model.Job{
		Status:     model.StatusPending,
		Message:    "Starting scraper...",
		TotalUnits: 50,
	}))
}

func TestStream(t *testing.T) {
	t.Parallel()
	store := jobstore.New()
	ctx := t.Context()
	newJob(t, store, "job")
	b := progress.NewBroadcaster(store, time.Hour, 3)

	rec := newRecorder()
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Stream(ctx, "job", rec)
	}()

	rec.wait(t)
	require.NoError(t, store.Merge(ctx, "job", model.Update{
		Status:   model.Ptr(model.StatusRunning),
		Progress: model.Ptr(50),
		Message:  model.Ptr("halfway"),
	}))
	rec.wait(t)
	require.NoError(t, store.Merge(ctx, "job", model.Update{
		Status:  model.Ptr(model.StatusCompleted),
		Message: model.Ptr("Scraping completed successfully!"),
	}))

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream has not ended")
	}

	frames := rec.get()
	require.Len(t, frames, 3)
	require.Equal(t, model.StatusPending, frames[0].Status)
	require.Equal(t, 50, frames[1].Progress)
	require.Equal(t, "halfway", frames[1].Message)
	last := frames[len(frames)-1]
	require.Equal(t, model.StatusCompleted, last.Status)
	require.Equal(t, 100, last.Progress)

	for i := 1; i < len(frames); i++ {
		require.GreaterOrEqual(t, frames[i].Progress, frames[i-1].Progress)
	}
}

func TestStream_Ticks(t *testing.T) {
	t.Parallel()
	store := jobstore.New()
	newJob(t, store, "job")
	b := progress.NewBroadcaster(store, 10*time.Millisecond, 3)

	ctx, cancel := context.WithCancel(t.Context())
	rec := newRecorder()
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Stream(ctx, "job", rec)
	}()

	// the same snapshot is repeated on every tick
	for range 3 {
		rec.wait(t)
	}
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("stream has not ended after cancel")
	}
	require.GreaterOrEqual(t, len(rec.get()), 3)
}

func TestStream_Terminal(t *testing.T) {
	t.Parallel()
	store := jobstore.New()
	newJob(t, store, "job")
	require.NoError(t, store.Merge(t.Context(), "job", model.Update{Status: model.Ptr(model.StatusError), Message: model.Ptr("Scraping failed (exit code 2)")}))
	b := progress.NewBroadcaster(store, time.Hour, 3)

	rec := newRecorder()
	require.NoError(t, b.Stream(t.Context(), "job", rec))
	require.Equal(t, []model.Frame{{
		ID:         "job",
		Status:     model.StatusError,
		Message:    "Scraping failed (exit code 2)",
		TotalUnits: 50,
	}}, rec.get())

	// idempotent
	rec = newRecorder()
	require.NoError(t, b.Stream(t.Context(), "job", rec))
	require.Len(t, rec.get(), 1)
}

func TestStream_NotFound(t *testing.T) {
	t.Parallel()
	store := jobstore.New()
	b := progress.NewBroadcaster(store, 5*time.Millisecond, 3)

	rec := newRecorder()
	err := b.Stream(t.Context(), "missing", rec)
	require.ErrorIs(t, err, model.ErrJobNotFound)
	require.Empty(t, rec.get())
}

func TestStream_Vanished(t *testing.T) {
	t.Parallel()
	store := jobstore.New()
	newJob(t, store, "job")
	b := progress.NewBroadcaster(store, 5*time.Millisecond, 2)

	rec := newRecorder()
	errCh := make(chan error, 1)
	go func() {
		errCh <- b.Stream(t.Context(), "job", rec)
	}()
	rec.wait(t)
	store.Delete("job")

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, model.ErrJobNotFound)
	case <-time.After(5 * time.Second):
		t.Fatal("stream has not ended")
	}
}

func TestStream_SinkError(t *testing.T) {
	t.Parallel()
	store := jobstore.New()
	newJob(t, store, "job")
	b := progress.NewBroadcaster(store, time.Hour, 3)

	broken := errors.New("broken pipe")
	err := b.Stream(t.Context(), "job", progress.SinkFunc(func(context.Context, model.Job) error {
		return broken
	}))
	require.ErrorIs(t, err, broken)
}
