package queue

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"batchd/internal/job"
)

var base = time.Unix(1_700_000_000, 0)

func mustJob(t *testing.T, name string, submitOffset, delay int) *job.Job {
	t.Helper()
	j, err := job.New(job.Request{Command: []string{name}, Delay: delay}, base.Add(time.Duration(submitOffset)*time.Second))
	if err != nil {
		t.Fatalf("job.New: %v", err)
	}
	return j
}

func names(js []*job.Job) []string {
	out := make([]string, len(js))
	for i, j := range js {
		out[i] = j.Program()
	}
	return out
}

func assertSorted(t *testing.T, js []*job.Job) {
	t.Helper()
	for i := 1; i < len(js); i++ {
		if js[i].DueTime().Before(js[i-1].DueTime()) {
			t.Fatalf("snapshot not sorted at %d: %v before %v", i, js[i-1].DueTime(), js[i].DueTime())
		}
	}
}

func TestInsertOrdersByDueTime(t *testing.T) {
	t.Parallel()
	q := New()
	q.Insert(mustJob(t, "a", 0, 10))
	q.Insert(mustJob(t, "b", 0, 1))
	q.Insert(mustJob(t, "c", 0, 5))

	got := names(q.Snapshot())
	want := []string{"b", "c", "a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestTieBreakSubmitTimeThenFIFO(t *testing.T) {
	t.Parallel()
	q := New()
	// All due at base+10.
	q.Insert(mustJob(t, "late-submit", 5, 5))
	q.Insert(mustJob(t, "early-submit", 0, 10))
	q.Insert(mustJob(t, "fifo-1", 2, 8))
	q.Insert(mustJob(t, "fifo-2", 2, 8))

	got := names(q.Snapshot())
	want := []string{"early-submit", "fifo-1", "fifo-2", "late-submit"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}

func TestRemoveEarliestReturnsMinimum(t *testing.T) {
	t.Parallel()
	q := New()
	if _, err := q.RemoveEarliest(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty RemoveEarliest err = %v, want ErrNotFound", err)
	}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 50; i++ {
		q.Insert(mustJob(t, "j", 0, rng.Intn(100)))
	}
	prev := time.Time{}
	for q.Len() > 0 {
		j, err := q.RemoveEarliest()
		if err != nil {
			t.Fatalf("RemoveEarliest: %v", err)
		}
		if j.DueTime().Before(prev) {
			t.Fatalf("RemoveEarliest went backwards: %v after %v", j.DueTime(), prev)
		}
		prev = j.DueTime()
	}
}

func TestPeekDoesNotRemove(t *testing.T) {
	t.Parallel()
	q := New()
	if _, err := q.PeekEarliest(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty PeekEarliest err = %v, want ErrNotFound", err)
	}
	j := mustJob(t, "a", 0, 1)
	q.Insert(j)
	got, err := q.PeekEarliest()
	if err != nil || got != j {
		t.Fatalf("PeekEarliest = %v, %v", got, err)
	}
	if q.Len() != 1 {
		t.Fatalf("Len = %d, want 1", q.Len())
	}
}

func TestRemoveEarliestDue(t *testing.T) {
	t.Parallel()
	q := New()
	q.Insert(mustJob(t, "a", 0, 10))

	if _, err := q.RemoveEarliestDue(base.Add(9 * time.Second)); !errors.Is(err, ErrNotDue) {
		t.Fatalf("err = %v, want ErrNotDue", err)
	}
	if q.Len() != 1 {
		t.Fatal("not-due head must stay queued")
	}
	j, err := q.RemoveEarliestDue(base.Add(10 * time.Second))
	if err != nil || j.Program() != "a" {
		t.Fatalf("RemoveEarliestDue = %v, %v", j, err)
	}
	if _, err := q.RemoveEarliestDue(base.Add(time.Hour)); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRemoveByIdentityKeepsOrder(t *testing.T) {
	t.Parallel()
	q := New()
	var mid *job.Job
	for i, d := range []int{1, 2, 3, 4, 5} {
		j := mustJob(t, string(rune('a'+i)), 0, d)
		if d == 3 {
			mid = j
		}
		q.Insert(j)
	}
	got, err := q.RemoveByIdentity(mid.ID())
	if err != nil || got != mid {
		t.Fatalf("RemoveByIdentity = %v, %v", got, err)
	}
	if _, err := q.RemoveByIdentity(mid.ID()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second remove err = %v, want ErrNotFound", err)
	}
	gotNames := names(q.Snapshot())
	want := []string{"a", "b", "d", "e"}
	for i := range want {
		if gotNames[i] != want[i] {
			t.Fatalf("order = %v, want %v", gotNames, want)
		}
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	t.Parallel()
	q := New()
	q.Insert(mustJob(t, "a", 0, 1))
	snap := q.Snapshot()
	snap[0] = nil
	if j, _ := q.PeekEarliest(); j == nil {
		t.Fatal("mutating snapshot changed the queue")
	}
}

func TestWakeSignalsOnMutation(t *testing.T) {
	t.Parallel()
	q := New()
	q.Insert(mustJob(t, "a", 0, 1))
	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake after Insert")
	}
	if _, err := q.RemoveEarliest(); err != nil {
		t.Fatalf("RemoveEarliest: %v", err)
	}
	select {
	case <-q.Wake():
	default:
		t.Fatal("expected wake after RemoveEarliest")
	}
	// A failed removal is not a mutation.
	_, _ = q.RemoveEarliest()
	select {
	case <-q.Wake():
		t.Fatal("unexpected wake after no-op removal")
	default:
	}
}

func TestConcurrentInsertsAreNotLost(t *testing.T) {
	t.Parallel()
	const workers, perWorker = 8, 100
	q := New()
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < perWorker; i++ {
				j, err := job.New(job.Request{Command: []string{"true"}, Delay: rng.Intn(60)}, base)
				if err != nil {
					t.Errorf("job.New: %v", err)
					return
				}
				q.Insert(j)
				if i%10 == 0 {
					_ = q.Snapshot()
					_, _ = q.PeekEarliest()
				}
			}
		}(int64(w))
	}
	wg.Wait()

	snap := q.Snapshot()
	if len(snap) != workers*perWorker {
		t.Fatalf("snapshot has %d entries, want %d", len(snap), workers*perWorker)
	}
	assertSorted(t, snap)
}

func TestInsertSortedAfterEveryStep(t *testing.T) {
	t.Parallel()
	q := New()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		q.Insert(mustJob(t, "j", rng.Intn(5), rng.Intn(20)))
		assertSorted(t, q.Snapshot())
	}
}
