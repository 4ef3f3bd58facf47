package console

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"batchd/internal/job"
	"batchd/internal/storage"
)

// Printer renders command results in the classic dispatcher layout.
type Printer struct {
	mu sync.Mutex
	w  io.Writer
}

func NewPrinter(w io.Writer) *Printer { return &Printer{w: w} }

func (p *Printer) Submitted(j *job.Job) {
	p.printf("Job Submitted: %s\n", j.ID())
}

func (p *Printer) Canceled(j *job.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprint(p.w, "Job Deleted: \n")
	writeJob(p.w, j)
}

func (p *Printer) NothingToCancel() {
	p.printf("No Job Deleted\n")
}

func (p *Printer) Listed(jobs []*job.Job) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(jobs) == 0 {
		fmt.Fprint(p.w, "Empty List\n")
		return
	}
	fmt.Fprintf(p.w, "# of jobs: %d \n", len(jobs))
	for i, j := range jobs {
		fmt.Fprintf(p.w, "Job %d: \n", i+1)
		writeJob(p.w, j)
	}
}

// History prints runs newest first.
func (p *Printer) History(records []storage.HistoryRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(records) == 0 {
		fmt.Fprint(p.w, "Empty History\n")
		return
	}
	fmt.Fprintf(p.w, "# of runs: %d \n", len(records))
	for i, r := range records {
		fmt.Fprintf(p.w, "Run %d: \n", i+1)
		fmt.Fprintf(p.w, "command: %s \n", strings.Join(r.Command, " "))
		fmt.Fprintf(p.w, "id: %s\n", r.JobID)
		fmt.Fprintf(p.w, "result: %s\n", r.Kind)
		if r.Kind == storage.KindAbnormalExit {
			fmt.Fprintf(p.w, "exit code: %d\n", r.ExitCode)
		}
		fmt.Fprintf(p.w, "at: %d\n", r.At.Unix())
		if r.Error != "" {
			fmt.Fprintf(p.w, "error: %s\n", r.Error)
		}
	}
}

func (p *Printer) Rejected(err error) {
	p.printf("error: %v\n", err)
}

func (p *Printer) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

// writeJob prints the start time as the submitted delay, not an absolute time.
func writeJob(w io.Writer, j *job.Job) {
	fmt.Fprintf(w, "command: %s \n", strings.Join(j.Command(), " "))
	fmt.Fprintf(w, "submit time: %d\n", j.SubmitTime().Unix())
	fmt.Fprintf(w, "start time: %d\n", j.StartDelay())
	fmt.Fprintf(w, "id: %s\n", j.ID())
}
