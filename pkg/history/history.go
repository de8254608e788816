// Package history records training sessions and their events.
package history

import (
	"context"
	"errors"
	"time"

	"github.com/vyvo/forge/bridge/pkg/session"
	"github.com/vyvo/forge/bridge/pkg/training"
)

// ErrNotFound is returned for unknown run ids.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle status of a recorded run.
type Status string

const (
	StatusRunning      Status = "running"
	StatusComplete     Status = "complete"
	StatusAborted      Status = "aborted"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
	StatusCanceled     Status = "canceled"
)

// Finished reports whether the run has ended.
func (s Status) Finished() bool {
	return s != StatusRunning && s != ""
}

// Run is the summary of one session.
type Run struct {
	ID         string            `json:"id"`
	Provider   training.Provider `json:"provider,omitempty"`
	Model      string            `json:"model,omitempty"`
	Config     *training.Config  `json:"config,omitempty"`
	Status     Status            `json:"status"`
	Step       int               `json:"step"`
	TotalSteps int               `json:"total_steps"`
	LastLoss   float64           `json:"last_loss"`
	ExitCode   *int              `json:"exit_code,omitempty"`
	Error      string            `json:"error,omitempty"`
	StartedAt  time.Time         `json:"started_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Entry is one recorded event. Seq starts at 1 within a run.
type Entry struct {
	Seq   int           `json:"seq"`
	Time  time.Time     `json:"time"`
	Event session.Event `json:"event"`
}

// Store persists runs and their events.
type Store interface {
	// Save inserts or replaces the run summary.
	Save(ctx context.Context, run Run) error
	AppendEvent(ctx context.Context, id string, e Entry) error
	Get(ctx context.Context, id string) (Run, error)
	// List returns the most recent runs first.
	List(ctx context.Context, limit int) ([]Run, error)
	// Events returns the last limit events in order. limit <= 0 means all.
	Events(ctx context.Context, id string, limit int) ([]Entry, error)
	Close() error
}

func statusOf(o session.Outcome) Status {
	switch o {
	case session.OutcomeComplete:
		return StatusComplete
	case session.OutcomeAborted:
		return StatusAborted
	case session.OutcomeDisconnected:
		return StatusDisconnected
	case session.OutcomeCanceled:
		return StatusCanceled
	}
	return StatusError
}
