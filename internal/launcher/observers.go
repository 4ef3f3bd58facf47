package launcher

import (
	"batchd/internal/eventbus"
	logx "batchd/pkg/logx"
)

// LogObserver logs completions at Info and failures at Warn.
func LogObserver(log logx.Logger) Observer {
	return ObserverFunc(func(o Outcome) {
		fields := []logx.Field{
			logx.String("job", o.JobID),
			logx.Strings("cmd", o.Command),
			logx.Duration("took", o.Duration()),
		}
		if !o.Failed() {
			log.Info("job finished", fields...)
			return
		}
		fields = append(fields, logx.String("kind", string(o.Kind)), logx.Int("exit_code", o.ExitCode), logx.Err(o.Err))
		log.Warn("job failed", fields...)
	})
}

// EventObserver publishes job.finished / job.failed on bus.
func EventObserver(bus eventbus.Bus) Observer {
	return ObserverFunc(func(o Outcome) {
		ev := eventbus.JobEvent{
			ID:       o.JobID,
			Command:  o.Command,
			Due:      o.DueTime,
			Duration: o.Duration(),
			ExitCode: o.ExitCode,
		}
		typ := eventbus.JobFinished
		if o.Failed() {
			typ = eventbus.JobFailed
			if o.Err != nil {
				ev.Error = o.Err.Error()
			}
		}
		bus.Publish(eventbus.Event{Type: typ, Time: o.Finished, Data: ev})
	})
}
