package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ofeklabautomations/scraperd/internal/model"
)

// sseSink writes job snapshots as server-sent events.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s sseSink) Send(_ context.Context, job model.Job) error {
	b, err := json.Marshal(job.Frame())
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s sseSink) event(name string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
