// Package job defines the schedulable unit of work and its construction rules.
package job

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MaxCommandTokens bounds the command vector: program + up to 4 arguments.
const MaxCommandTokens = 5

var ErrInvalidRequest = errors.New("invalid job request")

// Request is a submit command as produced by the input collaborator.
type Request struct {
	Command []string
	Delay   int // seconds
}

// Validate checks the request without building a Job.
func (r Request) Validate() error {
	if len(r.Command) == 0 {
		return fmt.Errorf("%w: command is empty", ErrInvalidRequest)
	}
	if len(r.Command) > MaxCommandTokens {
		return fmt.Errorf("%w: command has %d tokens (max %d)", ErrInvalidRequest, len(r.Command), MaxCommandTokens)
	}
	for i, tok := range r.Command {
		if tok == "" {
			return fmt.Errorf("%w: command token %d is empty", ErrInvalidRequest, i)
		}
	}
	if r.Delay < 0 {
		return fmt.Errorf("%w: delay %d is negative", ErrInvalidRequest, r.Delay)
	}
	return nil
}

// Job is immutable after New returns. Callers may share *Job freely.
type Job struct {
	id      string
	command []string
	submit  time.Time
	delay   int
	due     time.Time
}

// New builds a Job from req. SubmitTime is now truncated to whole seconds
// and the due time is fixed here.
func New(req Request, now time.Time) (*Job, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	submit := time.Unix(now.Unix(), 0)
	return &Job{
		id:      uuid.NewString(),
		command: append([]string(nil), req.Command...),
		submit:  submit,
		delay:   req.Delay,
		due:     submit.Add(time.Duration(req.Delay) * time.Second),
	}, nil
}

func (j *Job) ID() string { return j.id }

// Command returns a copy of the command vector.
func (j *Job) Command() []string { return append([]string(nil), j.command...) }

// Program is the first command token.
func (j *Job) Program() string { return j.command[0] }

// Args are the tokens after the program.
func (j *Job) Args() []string { return append([]string(nil), j.command[1:]...) }

func (j *Job) SubmitTime() time.Time { return j.submit }

// StartDelay is the submitter-supplied offset in seconds.
func (j *Job) StartDelay() int { return j.delay }

func (j *Job) DueTime() time.Time { return j.due }

// IsDue reports whether now has reached the due time.
func (j *Job) IsDue(now time.Time) bool { return !now.Before(j.due) }

// String renders the command line, mostly for logs.
func (j *Job) String() string { return strings.Join(j.command, " ") }
