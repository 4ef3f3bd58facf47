// Package launcher starts due jobs as independent OS processes.
//
// Launch never blocks the caller. Each execution runs in its own goroutine;
// its result is classified into an Outcome and handed to the registered
// observers. Failures never propagate back to the dispatch loop.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"batchd/internal/job"
	logx "batchd/pkg/logx"
)

// Config is hot-swappable through Apply. Zero values mean unlimited / discard.
type Config struct {
	MaxConcurrent   int
	SpawnRatePerSec float64
	Stdout          io.Writer // nil discards
	Stderr          io.Writer // nil discards
	WorkDir         string
}

// Spawner starts a named goroutine. *supervisor.Supervisor satisfies it.
type Spawner interface {
	Go(name string, fn func(ctx context.Context) error)
}

type goSpawner struct{}

func (goSpawner) Go(_ string, fn func(ctx context.Context) error) {
	go func() { _ = fn(context.Background()) }()
}

type Launcher struct {
	log   logx.Logger
	spawn Spawner
	clock func() time.Time

	mu        sync.RWMutex
	cfg       Config
	sem       *slotSemaphore
	limiter   *rate.Limiter
	observers []Observer

	wg       sync.WaitGroup
	inFlight atomic.Int64
	launched atomic.Uint64
	failed   atomic.Uint64
}

type Option func(*Launcher)

func WithLogger(log logx.Logger) Option {
	return func(l *Launcher) { l.log = log }
}

// WithSpawner routes launch goroutines through s instead of plain go statements.
func WithSpawner(s Spawner) Option {
	return func(l *Launcher) {
		if s != nil {
			l.spawn = s
		}
	}
}

func WithObservers(obs ...Observer) Option {
	return func(l *Launcher) { l.observers = append(l.observers, obs...) }
}

func WithClock(now func() time.Time) Option {
	return func(l *Launcher) {
		if now != nil {
			l.clock = now
		}
	}
}

func New(cfg Config, opts ...Option) *Launcher {
	l := &Launcher{
		log:   logx.Nop(),
		spawn: goSpawner{},
		clock: time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	l.Apply(cfg)
	return l
}

// Apply replaces the launch settings. A new MaxConcurrent counts executions
// already running, so lowering it never lets the total exceed the new cap.
func (l *Launcher) Apply(cfg Config) {
	if cfg.MaxConcurrent < 0 {
		cfg.MaxConcurrent = 0
	}
	var lim *rate.Limiter
	if cfg.SpawnRatePerSec > 0 {
		burst := int(cfg.SpawnRatePerSec)
		if burst < 1 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.SpawnRatePerSec), burst)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sem == nil {
		l.sem = newSlotSemaphore(cfg.MaxConcurrent)
	} else if l.cfg.MaxConcurrent != cfg.MaxConcurrent {
		l.sem.setLimit(cfg.MaxConcurrent)
	}
	if l.limiter == nil || l.cfg.SpawnRatePerSec != cfg.SpawnRatePerSec {
		l.limiter = lim
	}
	l.cfg = cfg
}

// AddObserver registers additional observers.
func (l *Launcher) AddObserver(obs ...Observer) {
	l.mu.Lock()
	l.observers = append(l.observers, obs...)
	l.mu.Unlock()
}

// Launch hands j to a new goroutine and returns immediately. ctx bounds only
// the wait for a concurrency slot or the spawn limiter; a started process is
// never killed by it.
func (l *Launcher) Launch(ctx context.Context, j *job.Job) {
	if j == nil {
		return
	}
	l.wg.Add(1)
	l.inFlight.Add(1)
	l.launched.Add(1)
	l.spawn.Go("launch."+j.ID(), func(context.Context) error {
		defer l.wg.Done()
		defer l.inFlight.Add(-1)
		l.execute(ctx, j)
		return nil
	})
}

func (l *Launcher) execute(ctx context.Context, j *job.Job) {
	l.mu.RLock()
	cfg, sem, lim := l.cfg, l.sem, l.limiter
	l.mu.RUnlock()

	out := Outcome{
		JobID:      j.ID(),
		Command:    j.Command(),
		SubmitTime: j.SubmitTime(),
		DueTime:    j.DueTime(),
		ExitCode:   -1,
	}

	if err := sem.acquire(ctx); err != nil {
		l.report(l.launchFailed(out, fmt.Errorf("waiting for slot: %w", err)))
		return
	}
	defer sem.release()
	if lim != nil {
		if err := lim.Wait(ctx); err != nil {
			l.report(l.launchFailed(out, fmt.Errorf("spawn rate: %w", err)))
			return
		}
	}

	// argv[0] stays as typed; exec.Command resolves the path and records a
	// lookup failure in cmd.Err.
	cmd := exec.Command(j.Program(), j.Args()...)
	if cmd.Err != nil {
		l.report(l.launchFailed(out, cmd.Err))
		return
	}
	cmd.Stdout = cfg.Stdout
	cmd.Stderr = cfg.Stderr
	cmd.Dir = cfg.WorkDir

	out.Started = l.clock()
	if err := cmd.Start(); err != nil {
		out.Started = time.Time{}
		l.report(l.launchFailed(out, err))
		return
	}
	l.log.Debug("job started", logx.String("job", j.ID()), logx.String("cmd", j.String()), logx.Int("pid", cmd.Process.Pid))

	err := cmd.Wait()
	out.Finished = l.clock()
	switch {
	case err == nil:
		out.Kind = OutcomeSuccess
		out.ExitCode = 0
	default:
		out.Kind = OutcomeAbnormalExit
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			out.ExitCode = ee.ExitCode()
		}
		out.Err = fmt.Errorf("%w: %s: %w", ErrAbnormalExit, j.Program(), err)
	}
	l.report(out)
}

func (l *Launcher) launchFailed(out Outcome, err error) Outcome {
	out.Kind = OutcomeLaunchFailure
	out.Finished = l.clock()
	out.Err = fmt.Errorf("%w: %s: %w", ErrLaunchFailure, out.Command[0], err)
	return out
}

func (l *Launcher) report(o Outcome) {
	if o.Failed() {
		l.failed.Add(1)
	}
	l.mu.RLock()
	obs := l.observers
	l.mu.RUnlock()
	for _, ob := range obs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					l.log.Error("outcome observer panicked", logx.String("job", o.JobID), logx.Any("panic", r))
				}
			}()
			ob.Observe(o)
		}()
	}
}

// Drain waits for in-flight executions or until ctx is done.
func (l *Launcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Launcher) InFlight() int { return int(l.inFlight.Load()) }

// Stats are monotonically increasing counters.
type Stats struct {
	Launched uint64
	Failed   uint64
	InFlight int
}

func (l *Launcher) Stats() Stats {
	return Stats{Launched: l.launched.Load(), Failed: l.failed.Load(), InFlight: l.InFlight()}
}
