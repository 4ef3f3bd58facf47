package launcher

import (
	"bytes"
	"context"
	"errors"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"batchd/internal/eventbus"
	"batchd/internal/job"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("process tests need a POSIX userland")
	}
}

func newJob(t *testing.T, cmd ...string) *job.Job {
	t.Helper()
	j, err := job.New(job.Request{Command: cmd}, time.Now())
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	return j
}

// collect returns an observer that forwards outcomes to a buffered channel.
func collect(n int) (Observer, <-chan Outcome) {
	ch := make(chan Outcome, n)
	return ObserverFunc(func(o Outcome) { ch <- o }), ch
}

func wait(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case o := <-ch:
		return o
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for outcome")
		return Outcome{}
	}
}

func TestLaunchClassifiesOutcomes(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	cases := []struct {
		name     string
		cmd      []string
		kind     OutcomeKind
		exitCode int
		wantErr  error
	}{
		{name: "success", cmd: []string{"true"}, kind: OutcomeSuccess, exitCode: 0},
		{name: "nonzero", cmd: []string{"false"}, kind: OutcomeAbnormalExit, exitCode: 1, wantErr: ErrAbnormalExit},
		{name: "exit-code", cmd: []string{"sh", "-c", "exit 7"}, kind: OutcomeAbnormalExit, exitCode: 7, wantErr: ErrAbnormalExit},
		{name: "signaled", cmd: []string{"sh", "-c", "kill -9 $$"}, kind: OutcomeAbnormalExit, exitCode: -1, wantErr: ErrAbnormalExit},
		{name: "missing", cmd: []string{"/nonexistent/batchd-test-binary"}, kind: OutcomeLaunchFailure, exitCode: -1, wantErr: ErrLaunchFailure},
		{name: "not-on-path", cmd: []string{"batchd-no-such-program"}, kind: OutcomeLaunchFailure, exitCode: -1, wantErr: exec.ErrNotFound},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			obs, ch := collect(1)
			l := New(Config{}, WithObservers(obs))
			j := newJob(t, tc.cmd...)
			l.Launch(context.Background(), j)

			o := wait(t, ch)
			if o.Kind != tc.kind {
				t.Fatalf("Kind = %s, want %s (err=%v)", o.Kind, tc.kind, o.Err)
			}
			if o.ExitCode != tc.exitCode {
				t.Fatalf("ExitCode = %d, want %d", o.ExitCode, tc.exitCode)
			}
			if tc.wantErr == nil && o.Err != nil {
				t.Fatalf("Err = %v, want nil", o.Err)
			}
			if tc.wantErr != nil && !errors.Is(o.Err, tc.wantErr) {
				t.Fatalf("Err = %v, want %v", o.Err, tc.wantErr)
			}
			if o.JobID != j.ID() {
				t.Fatalf("JobID = %s, want %s", o.JobID, j.ID())
			}
			if tc.kind == OutcomeLaunchFailure && !o.Started.IsZero() {
				t.Fatal("launch failure must not carry a start time")
			}
		})
	}
}

func TestLaunchPassesArgumentsAndOutput(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	var buf bytes.Buffer
	obs, ch := collect(1)
	l := New(Config{Stdout: &buf}, WithObservers(obs))
	l.Launch(context.Background(), newJob(t, "echo", "hello", "world"))
	wait(t, ch)

	if got := strings.TrimSpace(buf.String()); got != "hello world" {
		t.Fatalf("stdout = %q, want %q", got, "hello world")
	}
}

func TestLaunchReturnsBeforeChildExits(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	l := New(Config{})
	start := time.Now()
	l.Launch(context.Background(), newJob(t, "sleep", "1"))
	if el := time.Since(start); el > 200*time.Millisecond {
		t.Fatalf("Launch blocked for %v", el)
	}
	if l.InFlight() != 1 {
		t.Fatalf("InFlight = %d, want 1", l.InFlight())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain err = %v, want deadline exceeded", err)
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := l.Drain(ctx2); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if l.InFlight() != 0 {
		t.Fatalf("InFlight = %d after drain", l.InFlight())
	}
}

func TestMaxConcurrentSerializesExecutions(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	obs := ObserverFunc(func(o Outcome) {
		mu.Lock()
		outcomes = append(outcomes, o)
		mu.Unlock()
	})
	l := New(Config{MaxConcurrent: 1}, WithObservers(obs))
	for i := 0; i < 3; i++ {
		l.Launch(context.Background(), newJob(t, "sleep", "0.1"))
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(outcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(outcomes))
	}
	// With one slot no two runs may overlap.
	for i := range outcomes {
		for k := i + 1; k < len(outcomes); k++ {
			a, b := outcomes[i], outcomes[k]
			if a.Started.Before(b.Finished) && b.Started.Before(a.Finished) {
				t.Fatalf("runs overlap: [%v,%v] and [%v,%v]", a.Started, a.Finished, b.Started, b.Finished)
			}
		}
	}
}

func TestCanceledSlotWaitIsLaunchFailure(t *testing.T) {
	t.Parallel()

	obs, ch := collect(1)
	l := New(Config{MaxConcurrent: 1}, WithObservers(obs))
	// Hold the only slot so the launch has to wait for it.
	sem := l.sem
	if err := sem.acquire(context.Background()); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer sem.release()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Launch(ctx, newJob(t, "true"))

	o := wait(t, ch)
	if o.Kind != OutcomeLaunchFailure || !errors.Is(o.Err, ErrLaunchFailure) {
		t.Fatalf("outcome = %s (%v), want launch failure", o.Kind, o.Err)
	}
	if !errors.Is(o.Err, context.Canceled) {
		t.Fatalf("Err = %v, want wrapped context.Canceled", o.Err)
	}
}

func TestSlotSemaphore(t *testing.T) {
	t.Parallel()
	unlimited := newSlotSemaphore(0)
	for i := 0; i < 3; i++ {
		if err := unlimited.acquire(context.Background()); err != nil {
			t.Fatalf("unlimited acquire: %v", err)
		}
	}
	if unlimited.inUse() != 3 {
		t.Fatalf("unlimited inUse = %d, want 3", unlimited.inUse())
	}

	s := newSlotSemaphore(2)
	for i := 0; i < 2; i++ {
		if err := s.acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("third acquire err = %v, want deadline exceeded", err)
	}
	s.release()
	s.release()
	s.release() // extra release must not go negative
	if s.inUse() != 0 {
		t.Fatalf("inUse = %d, want 0", s.inUse())
	}
}

func TestLoweredLimitCountsRunningHolders(t *testing.T) {
	t.Parallel()
	s := newSlotSemaphore(0)
	for i := 0; i < 3; i++ {
		if err := s.acquire(context.Background()); err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
	}
	s.setLimit(2)

	got := make(chan error, 1)
	go func() { got <- s.acquire(context.Background()) }()

	// Three holders against a cap of two: one release is not enough.
	s.release()
	select {
	case err := <-got:
		t.Fatalf("acquired (err=%v) while 2 of 2 slots were held", err)
	case <-time.After(50 * time.Millisecond):
	}
	s.release()
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("acquire did not proceed after a slot freed")
	}
	if s.inUse() != 2 {
		t.Fatalf("inUse = %d, want 2", s.inUse())
	}
}

func TestApplyKeepsRunningExecutionsUnderNewCap(t *testing.T) {
	t.Parallel()
	l := New(Config{MaxConcurrent: 2})
	sem := l.sem
	for i := 0; i < 2; i++ {
		if err := sem.acquire(context.Background()); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	l.Apply(Config{MaxConcurrent: 1})
	if l.sem != sem {
		t.Fatal("Apply replaced the semaphore; running holders would no longer count")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.sem.acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("acquire over lowered cap err = %v, want deadline exceeded", err)
	}
}

func TestArgvZeroIsProgramAsTyped(t *testing.T) {
	skipOnWindows(t)
	if _, err := os.Stat("/proc/self/cmdline"); err != nil {
		t.Skip("needs /proc")
	}
	t.Parallel()

	var buf bytes.Buffer
	obs, ch := collect(1)
	l := New(Config{Stdout: &buf}, WithObservers(obs))
	// The trailing "; true" keeps sh from exec'ing cat in its own place.
	l.Launch(context.Background(), newJob(t, "sh", "-c", "cat /proc/$$/cmdline; true"))
	if o := wait(t, ch); o.Kind != OutcomeSuccess {
		t.Fatalf("outcome = %s (%v)", o.Kind, o.Err)
	}
	argv := strings.Split(buf.String(), "\x00")
	if len(argv) == 0 || argv[0] != "sh" {
		t.Fatalf("argv = %q, want argv[0] = \"sh\"", argv)
	}
}

func TestObserverPanicDoesNotStopOthers(t *testing.T) {
	skipOnWindows(t)
	t.Parallel()

	obs, ch := collect(1)
	l := New(Config{}, WithObservers(ObserverFunc(func(Outcome) { panic("observer") }), obs))
	l.Launch(context.Background(), newJob(t, "true"))
	if o := wait(t, ch); o.Kind != OutcomeSuccess {
		t.Fatalf("Kind = %s, want success", o.Kind)
	}
	if s := l.Stats(); s.Launched != 1 || s.Failed != 0 {
		t.Fatalf("stats = %+v", s)
	}
}

func TestEventObserverPublishes(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	sub, unsub := bus.Subscribe(2)
	defer unsub()

	obs := EventObserver(bus)
	obs.Observe(Outcome{JobID: "a", Kind: OutcomeSuccess})
	obs.Observe(Outcome{JobID: "b", Kind: OutcomeAbnormalExit, ExitCode: 3, Err: ErrAbnormalExit})

	if ev := <-sub; ev.Type != eventbus.JobFinished {
		t.Fatalf("Type = %s, want %s", ev.Type, eventbus.JobFinished)
	}
	ev := <-sub
	if ev.Type != eventbus.JobFailed {
		t.Fatalf("Type = %s, want %s", ev.Type, eventbus.JobFailed)
	}
	if je := ev.Data.(eventbus.JobEvent); je.ExitCode != 3 || je.Error == "" {
		t.Fatalf("payload = %+v", je)
	}
}
