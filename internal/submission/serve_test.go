package submission

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"batchd/internal/job"
	"batchd/internal/queue"
	"batchd/internal/storage"
)

// transcript records presenter calls as short strings.
type transcript struct{ lines []string }

func (tr *transcript) Submitted(j *job.Job) { tr.lines = append(tr.lines, "submitted "+j.Program()) }
func (tr *transcript) Canceled(j *job.Job)  { tr.lines = append(tr.lines, "canceled "+j.Program()) }
func (tr *transcript) NothingToCancel()     { tr.lines = append(tr.lines, "nothing") }
func (tr *transcript) Listed(js []*job.Job) {
	s := "list"
	for _, j := range js {
		s += " " + j.Program()
	}
	tr.lines = append(tr.lines, s)
}
func (tr *transcript) History(rs []storage.HistoryRecord) {
	s := "history"
	for _, r := range rs {
		s += " " + r.JobID
	}
	tr.lines = append(tr.lines, s)
}
func (tr *transcript) Rejected(err error) { tr.lines = append(tr.lines, fmt.Sprintf("rejected %v", err != nil)) }

func TestServeAppliesCommandsInOrder(t *testing.T) {
	t.Parallel()
	quit := 0
	s := New(queue.New(), WithClock(fixedClock()), WithQuit(func() { quit++ }))

	cmds := make(chan Command, 16)
	cmds <- Command{Kind: CmdCancel}
	cmds <- Command{Kind: CmdSubmit, Request: req(10, "a")}
	cmds <- Command{Kind: CmdSubmit, Request: req(1, "b")}
	cmds <- Command{Kind: CmdSubmit, Request: req(-1, "bad")}
	cmds <- Command{Kind: CmdInvalid, Err: errors.New("garbage")}
	cmds <- Command{Kind: CmdList}
	cmds <- Command{Kind: CmdRemove, ID: "missing"}
	cmds <- Command{Kind: CmdCancel}
	cmds <- Command{Kind: CmdList}
	cmds <- Command{Kind: CmdQuit}
	close(cmds)

	tr := &transcript{}
	if err := s.Serve(context.Background(), cmds, tr); err != nil {
		t.Fatalf("Serve: %v", err)
	}

	want := []string{
		"nothing",
		"submitted a",
		"submitted b",
		"rejected true",
		"rejected true",
		"list b a",
		"rejected true",
		"canceled b",
		"list a",
	}
	if len(tr.lines) != len(want) {
		t.Fatalf("transcript = %q, want %q", tr.lines, want)
	}
	for i := range want {
		if tr.lines[i] != want[i] {
			t.Fatalf("line %d = %q, want %q", i, tr.lines[i], want[i])
		}
	}
	if quit != 1 {
		t.Fatalf("quit hook ran %d times, want 1", quit)
	}
}

func TestServeStopsOnContext(t *testing.T) {
	t.Parallel()
	s := New(queue.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, make(chan Command), &transcript{}) }()
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Serve err = %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

// fakeHistory returns its records newest first, honoring n.
type fakeHistory struct {
	recs  []storage.HistoryRecord
	asked []int
	err   error
}

func (f *fakeHistory) Recent(_ context.Context, n int) ([]storage.HistoryRecord, error) {
	f.asked = append(f.asked, n)
	if f.err != nil {
		return nil, f.err
	}
	if n > len(f.recs) {
		n = len(f.recs)
	}
	return f.recs[:n], nil
}

func TestServeHistory(t *testing.T) {
	t.Parallel()
	h := &fakeHistory{recs: []storage.HistoryRecord{{JobID: "c"}, {JobID: "b"}, {JobID: "a"}}}
	s := New(queue.New(), WithHistory(h))

	cmds := make(chan Command, 4)
	cmds <- Command{Kind: CmdHistory, Limit: 2}
	cmds <- Command{Kind: CmdHistory}
	cmds <- Command{Kind: CmdHistory, Limit: 1 << 20}
	close(cmds)

	tr := &transcript{}
	if err := s.Serve(context.Background(), cmds, tr); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	want := []string{"history c b", "history c b a", "history c b a"}
	if fmt.Sprint(tr.lines) != fmt.Sprint(want) {
		t.Fatalf("transcript = %q, want %q", tr.lines, want)
	}
	if fmt.Sprint(h.asked) != fmt.Sprint([]int{2, DefaultHistoryLimit, maxHistoryLimit}) {
		t.Fatalf("limits asked = %v", h.asked)
	}
}

func TestHistoryErrors(t *testing.T) {
	t.Parallel()
	if _, err := New(queue.New()).History(context.Background(), 5); !errors.Is(err, ErrHistoryDisabled) {
		t.Fatalf("err = %v, want ErrHistoryDisabled", err)
	}
	boom := errors.New("disk gone")
	s := New(queue.New(), WithHistory(&fakeHistory{err: boom}))
	if _, err := s.History(context.Background(), 5); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped store error", err)
	}

	cmds := make(chan Command, 1)
	cmds <- Command{Kind: CmdHistory}
	close(cmds)
	tr := &transcript{}
	if err := New(queue.New()).Serve(context.Background(), cmds, tr); err != nil {
		t.Fatalf("Serve: %v", err)
	}
	if len(tr.lines) != 1 || tr.lines[0] != "rejected true" {
		t.Fatalf("transcript = %q, want a rejection", tr.lines)
	}
}
