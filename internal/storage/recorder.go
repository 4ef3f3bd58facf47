package storage

import (
	"context"
	"time"

	"batchd/internal/job"
	"batchd/internal/launcher"
	logx "batchd/pkg/logx"
)

const recordTimeout = 5 * time.Second

// Recorder writes launcher outcomes and cancellations to a Store.
// Store errors are logged and otherwise ignored.
type Recorder struct {
	store Store
	log   logx.Logger
}

func NewRecorder(st Store, log logx.Logger) *Recorder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Recorder{store: st, log: log}
}

// Observe implements launcher.Observer.
func (r *Recorder) Observe(o launcher.Outcome) {
	rec := HistoryRecord{
		At:         o.Finished,
		JobID:      o.JobID,
		Command:    o.Command,
		SubmitTime: o.SubmitTime,
		DueTime:    o.DueTime,
		Started:    o.Started,
		Finished:   o.Finished,
		ExitCode:   o.ExitCode,
		Kind:       string(o.Kind),
	}
	if o.Err != nil {
		rec.Error = o.Err.Error()
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	r.append(ctx, rec)
}

// RecordCanceled stores a cancellation of a pending job.
func (r *Recorder) RecordCanceled(ctx context.Context, j *job.Job, at time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	r.append(ctx, HistoryRecord{
		At:         at,
		JobID:      j.ID(),
		Command:    j.Command(),
		SubmitTime: j.SubmitTime(),
		DueTime:    j.DueTime(),
		ExitCode:   -1,
		Kind:       KindCanceled,
	})
}

func (r *Recorder) append(ctx context.Context, rec HistoryRecord) {
	if r == nil || r.store == nil {
		return
	}
	if err := r.store.Append(ctx, rec); err != nil {
		r.log.Error("history append failed", logx.String("job", rec.JobID), logx.String("kind", rec.Kind), logx.Err(err))
	}
}
