package launcher

import (
	"errors"
	"time"
)

var (
	ErrLaunchFailure = errors.New("job could not be started")
	ErrAbnormalExit  = errors.New("job exited abnormally")
)

type OutcomeKind string

const (
	OutcomeSuccess       OutcomeKind = "success"
	OutcomeLaunchFailure OutcomeKind = "launch_failure"
	OutcomeAbnormalExit  OutcomeKind = "abnormal_exit"
)

// Outcome describes one finished (or never started) execution.
type Outcome struct {
	JobID      string
	Command    []string
	SubmitTime time.Time
	DueTime    time.Time
	Started    time.Time // zero for launch failures
	Finished   time.Time
	ExitCode   int // -1 when signaled or never started
	Kind       OutcomeKind
	Err        error
}

func (o Outcome) Failed() bool { return o.Kind != OutcomeSuccess }

// Duration is the wall time the process ran for.
func (o Outcome) Duration() time.Duration {
	if o.Started.IsZero() || o.Finished.Before(o.Started) {
		return 0
	}
	return o.Finished.Sub(o.Started)
}

// Observer receives every Outcome. Observe is called from the launch
// goroutine and must not block for long.
type Observer interface {
	Observe(Outcome)
}

type ObserverFunc func(Outcome)

func (f ObserverFunc) Observe(o Outcome) { f(o) }
