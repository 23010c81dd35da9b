package model

import (
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Job is a single tracked worker invocation. Values of Job are snapshots,
// the canonical record lives in the job store.
//
// TotalUnits and CurrentUnits use the worker's wire names, so a progress line
// emitted by the worker decodes straight into an Update.
type Job struct {
	ID           string    `json:"id"`
	Status       Status    `json:"status"`
	Progress     int       `json:"progress"`
	Message      string    `json:"message"`
	TotalUnits   int       `json:"totalProducts"`
	CurrentUnits int       `json:"currentProduct"`
	OutputDir    string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	FinishedAt   time.Time `json:"finishedAt,omitzero"`
}

// Frame is the subset of Job pushed to observers of a progress stream.
type Frame struct {
	ID           string `json:"id"`
	Status       Status `json:"status"`
	Progress     int    `json:"progress"`
	Message      string `json:"message"`
	TotalUnits   int    `json:"totalProducts"`
	CurrentUnits int    `json:"currentProduct"`
}

func (j Job) Frame() Frame {
	return Frame{
		ID:           j.ID,
		Status:       j.Status,
		Progress:     j.Progress,
		Message:      j.Message,
		TotalUnits:   j.TotalUnits,
		CurrentUnits: j.CurrentUnits,
	}
}

// Update is a field-level overwrite of a Job. Nil fields are left untouched.
type Update struct {
	Status       *Status `json:"status,omitempty"`
	Progress     *int    `json:"progress,omitempty"`
	Message      *string `json:"message,omitempty"`
	TotalUnits   *int    `json:"totalProducts,omitempty"`
	CurrentUnits *int    `json:"currentProduct,omitempty"`
}

// Empty reports whether the update carries no field at all.
func (u Update) Empty() bool {
	return u.Status == nil && u.Progress == nil && u.Message == nil &&
		u.TotalUnits == nil && u.CurrentUnits == nil
}

// Apply merges u into j and returns the result. Progress is clamped into
// 0..100 and never decreases while the job is not terminal; a completed job
// always ends at 100.
func (u Update) Apply(j Job) Job {
	if u.Status != nil && u.Status.Valid() {
		j.Status = *u.Status
	}
	if u.Progress != nil {
		p := min(max(*u.Progress, 0), 100)
		if p > j.Progress {
			j.Progress = p
		}
	}
	if u.Message != nil {
		j.Message = *u.Message
	}
	if u.TotalUnits != nil {
		j.TotalUnits = *u.TotalUnits
	}
	if u.CurrentUnits != nil {
		j.CurrentUnits = *u.CurrentUnits
	}
	if j.Status == StatusCompleted {
		j.Progress = 100
	}
	return j
}

func Ptr[T any](v T) *T {
	return &v
}
