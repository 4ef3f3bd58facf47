package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("storage closed")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Record kinds. The first three mirror launcher.OutcomeKind.
const (
	KindSuccess       = "success"
	KindLaunchFailure = "launch_failure"
	KindAbnormalExit  = "abnormal_exit"
	KindCanceled      = "canceled"
)

// HistoryRecord is one line of run history. Keep it compact and schema-stable.
// Zero times mean "did not happen" (e.g. Started for a canceled job).
type HistoryRecord struct {
	At         time.Time `json:"at"`
	JobID      string    `json:"job_id"`
	Command    []string  `json:"command"`
	SubmitTime time.Time `json:"submit_time"`
	DueTime    time.Time `json:"due_time"`
	Started    time.Time `json:"started,omitempty"`
	Finished   time.Time `json:"finished,omitempty"`
	ExitCode   int       `json:"exit_code"`
	Kind       string    `json:"kind"`
	Error      string    `json:"error,omitempty"`
}

// Store is the persistence API used by the recorder and maintenance jobs.
type Store interface {
	Append(ctx context.Context, r HistoryRecord) error
	// Recent returns up to n records, newest first.
	Recent(ctx context.Context, n int) ([]HistoryRecord, error)
	// Prune deletes records with At before the cutoff and reports how many.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}
