// Package submission applies user commands (submit, cancel, list) to the
// shared schedule queue, and reads back run history.
//
// Every operation is a single queue primitive, so the service never holds
// state of its own that could drift from the queue.
package submission

import (
	"context"
	"errors"
	"fmt"
	"time"

	"batchd/internal/eventbus"
	"batchd/internal/job"
	"batchd/internal/queue"
	"batchd/internal/storage"
	logx "batchd/pkg/logx"
)

// ErrNothingToCancel is returned by CancelEarliest on an empty queue.
var ErrNothingToCancel = fmt.Errorf("nothing to cancel: %w", queue.ErrNotFound)

// ErrHistoryDisabled is returned by History when no store is configured.
var ErrHistoryDisabled = errors.New("run history is disabled (storage.driver is none)")

const (
	DefaultHistoryLimit = 10
	maxHistoryLimit     = 1000
)

// Queue is the subset of *queue.Queue the service uses.
type Queue interface {
	Insert(j *job.Job)
	RemoveEarliest() (*job.Job, error)
	RemoveByIdentity(id string) (*job.Job, error)
	Snapshot() []*job.Job
}

// CancelRecorder persists cancellations. storage.Recorder satisfies it.
type CancelRecorder interface {
	RecordCanceled(ctx context.Context, j *job.Job, at time.Time)
}

// HistoryReader reads run history newest first. storage.Store satisfies it.
type HistoryReader interface {
	Recent(ctx context.Context, n int) ([]storage.HistoryRecord, error)
}

type Service struct {
	q        Queue
	log      logx.Logger
	bus      eventbus.Bus
	clock    func() time.Time
	recorder CancelRecorder
	history  HistoryReader
	onQuit   func()
}

type Option func(*Service)

func WithLogger(log logx.Logger) Option { return func(s *Service) { s.log = log } }

func WithBus(bus eventbus.Bus) Option {
	return func(s *Service) {
		if bus != nil {
			s.bus = bus
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.clock = now
		}
	}
}

func WithCancelRecorder(r CancelRecorder) Option { return func(s *Service) { s.recorder = r } }

// WithHistory enables the History command.
func WithHistory(h HistoryReader) Option { return func(s *Service) { s.history = h } }

// WithQuit sets the hook run for a Quit command.
func WithQuit(fn func()) Option { return func(s *Service) { s.onQuit = fn } }

func New(q Queue, opts ...Option) *Service {
	s := &Service{
		q:     q,
		log:   logx.Nop(),
		bus:   eventbus.Nop{},
		clock: time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Submit builds a job stamped with the current time and enqueues it.
func (s *Service) Submit(ctx context.Context, req job.Request) (*job.Job, error) {
	j, err := job.New(req, s.clock())
	if err != nil {
		return nil, err
	}
	s.q.Insert(j)
	s.log.Info("job submitted",
		logx.String("job", j.ID()),
		logx.String("cmd", j.String()),
		logx.Time("due", j.DueTime()),
	)
	s.publish(eventbus.JobSubmitted, j)
	return j, nil
}

// CancelEarliest removes the head of the queue whether or not it is due.
func (s *Service) CancelEarliest(ctx context.Context) (*job.Job, error) {
	j, err := s.q.RemoveEarliest()
	if errors.Is(err, queue.ErrNotFound) {
		return nil, ErrNothingToCancel
	}
	if err != nil {
		return nil, err
	}
	s.canceled(ctx, j)
	return j, nil
}

// Remove cancels the pending job with the given id.
func (s *Service) Remove(ctx context.Context, id string) (*job.Job, error) {
	j, err := s.q.RemoveByIdentity(id)
	if err != nil {
		return nil, fmt.Errorf("remove %q: %w", id, err)
	}
	s.canceled(ctx, j)
	return j, nil
}

// List returns the pending jobs in dispatch order.
func (s *Service) List() []*job.Job { return s.q.Snapshot() }

// History returns up to n finished or canceled runs, newest first.
func (s *Service) History(ctx context.Context, n int) ([]storage.HistoryRecord, error) {
	if s.history == nil {
		return nil, ErrHistoryDisabled
	}
	if n <= 0 {
		n = DefaultHistoryLimit
	}
	if n > maxHistoryLimit {
		n = maxHistoryLimit
	}
	recs, err := s.history.Recent(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	return recs, nil
}

func (s *Service) canceled(ctx context.Context, j *job.Job) {
	s.log.Info("job canceled", logx.String("job", j.ID()), logx.String("cmd", j.String()))
	s.publish(eventbus.JobCanceled, j)
	if s.recorder != nil {
		s.recorder.RecordCanceled(ctx, j, s.clock())
	}
}

func (s *Service) publish(typ string, j *job.Job) {
	s.bus.Publish(eventbus.Event{
		Type: typ,
		Time: s.clock(),
		Data: eventbus.JobEvent{ID: j.ID(), Command: j.Command(), Due: j.DueTime()},
	})
}
