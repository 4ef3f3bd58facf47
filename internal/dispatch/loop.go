// Package dispatch runs the loop that moves due jobs from the schedule
// queue to the launcher.
//
// The loop peeks at the head, sleeps until it is due (never longer than one
// tick, and interrupted by queue mutations), then removes it atomically and
// hands it off. Hand-off never waits for the child process.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"batchd/internal/eventbus"
	"batchd/internal/job"
	"batchd/internal/queue"
	logx "batchd/pkg/logx"
)

const DefaultTick = time.Second

// Queue is the subset of *queue.Queue the loop needs.
type Queue interface {
	PeekEarliest() (*job.Job, error)
	RemoveEarliestDue(now time.Time) (*job.Job, error)
	Wake() <-chan struct{}
}

// Launcher receives due jobs. Launch must return without waiting for the job.
type Launcher interface {
	Launch(ctx context.Context, j *job.Job)
}

type Loop struct {
	q      Queue
	launch Launcher
	log    logx.Logger
	bus    eventbus.Bus
	clock  func() time.Time

	tick       atomic.Int64 // time.Duration
	cycles     atomic.Uint64
	dispatched atomic.Uint64
}

type Option func(*Loop)

func WithLogger(log logx.Logger) Option { return func(l *Loop) { l.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(l *Loop) {
		if bus != nil {
			l.bus = bus
		}
	}
}

func WithTick(d time.Duration) Option { return func(l *Loop) { l.SetTick(d) } }

// WithClock overrides the wall clock used for due checks.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) {
		if now != nil {
			l.clock = now
		}
	}
}

func New(q Queue, launch Launcher, opts ...Option) *Loop {
	l := &Loop{
		q:      q,
		launch: launch,
		log:    logx.Nop(),
		bus:    eventbus.Nop{},
		clock:  time.Now,
	}
	l.tick.Store(int64(DefaultTick))
	for _, o := range opts {
		o(l)
	}
	return l
}

// SetTick changes the maximum sleep between checks. Non-positive values reset
// to DefaultTick. Takes effect on the next wait.
func (l *Loop) SetTick(d time.Duration) {
	if d <= 0 {
		d = DefaultTick
	}
	l.tick.Store(int64(d))
}

func (l *Loop) Tick() time.Duration { return time.Duration(l.tick.Load()) }

type Stats struct {
	Cycles     uint64
	Dispatched uint64
}

func (l *Loop) Stats() Stats {
	return Stats{Cycles: l.cycles.Load(), Dispatched: l.dispatched.Load()}
}

// Run loops until ctx is done and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	l.log.Info("dispatch loop started", logx.Duration("tick", l.Tick()))
	defer l.log.Info("dispatch loop stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		wait := l.cycle(ctx)
		if wait <= 0 {
			continue
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-l.q.Wake():
		case <-timer.C:
		}
		timer.Stop()
	}
}

// cycle runs one peek/dispatch step and returns how long to wait before the
// next one. Zero means check again immediately.
func (l *Loop) cycle(ctx context.Context) time.Duration {
	l.cycles.Add(1)
	tick := l.Tick()

	head, err := l.q.PeekEarliest()
	if errors.Is(err, queue.ErrNotFound) {
		return tick
	}
	if err != nil {
		l.log.Error("peek failed", logx.Err(err))
		return tick
	}

	now := l.clock()
	if !head.IsDue(now) {
		wait := head.DueTime().Sub(now)
		if wait > tick {
			wait = tick
		}
		if l.log.Enabled(logx.LevelTrace) {
			l.log.Trace("head not due", logx.String("job", head.ID()), logx.Duration("wait", wait))
		}
		return wait
	}

	j, err := l.q.RemoveEarliestDue(now)
	if err != nil {
		// The head changed between peek and remove (cancel or earlier insert).
		if errors.Is(err, queue.ErrNotFound) || errors.Is(err, queue.ErrNotDue) {
			return 0
		}
		l.log.Error("remove due job failed", logx.Err(err))
		return tick
	}

	l.dispatched.Add(1)
	l.log.Debug("dispatching job",
		logx.String("job", j.ID()),
		logx.String("cmd", j.String()),
		logx.Duration("late", now.Sub(j.DueTime())),
	)
	l.bus.Publish(eventbus.Event{
		Type: eventbus.JobDispatched,
		Time: now,
		Data: eventbus.JobEvent{ID: j.ID(), Command: j.Command(), Due: j.DueTime()},
	})
	l.launch.Launch(ctx, j)
	return 0
}
