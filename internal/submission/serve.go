package submission

import (
	"context"
	"errors"

	"batchd/internal/job"
	"batchd/internal/storage"
	logx "batchd/pkg/logx"
)

type CommandKind int

const (
	CmdSubmit CommandKind = iota + 1
	CmdCancel
	CmdRemove
	CmdList
	CmdQuit
	CmdHistory
	// CmdInvalid carries input the scanner could not turn into a command.
	CmdInvalid
)

func (k CommandKind) String() string {
	switch k {
	case CmdSubmit:
		return "submit"
	case CmdCancel:
		return "cancel"
	case CmdRemove:
		return "remove"
	case CmdList:
		return "list"
	case CmdQuit:
		return "quit"
	case CmdHistory:
		return "history"
	case CmdInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Command is one parsed operator request.
type Command struct {
	Kind    CommandKind
	Request job.Request // CmdSubmit
	ID      string      // CmdRemove
	Limit   int         // CmdHistory; <= 0 means DefaultHistoryLimit
	Err     error       // CmdInvalid
}

// Presenter renders command results. Calls come from the Serve goroutine only.
type Presenter interface {
	Submitted(j *job.Job)
	Canceled(j *job.Job)
	NothingToCancel()
	Listed(jobs []*job.Job)
	History(records []storage.HistoryRecord)
	Rejected(err error)
}

// Serve applies commands until cmds is closed or ctx is done. Bad input is
// reported to p and never ends the loop.
func (s *Service) Serve(ctx context.Context, cmds <-chan Command, p Presenter) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-cmds:
			if !ok {
				s.log.Info("command stream closed")
				return nil
			}
			s.apply(ctx, cmd, p)
		}
	}
}

func (s *Service) apply(ctx context.Context, cmd Command, p Presenter) {
	switch cmd.Kind {
	case CmdSubmit:
		j, err := s.Submit(ctx, cmd.Request)
		if err != nil {
			s.reject(p, cmd, err)
			return
		}
		p.Submitted(j)
	case CmdCancel:
		j, err := s.CancelEarliest(ctx)
		if errors.Is(err, ErrNothingToCancel) {
			p.NothingToCancel()
			return
		}
		if err != nil {
			s.reject(p, cmd, err)
			return
		}
		p.Canceled(j)
	case CmdRemove:
		j, err := s.Remove(ctx, cmd.ID)
		if err != nil {
			s.reject(p, cmd, err)
			return
		}
		p.Canceled(j)
	case CmdList:
		p.Listed(s.List())
	case CmdHistory:
		recs, err := s.History(ctx, cmd.Limit)
		if err != nil {
			s.reject(p, cmd, err)
			return
		}
		p.History(recs)
	case CmdQuit:
		s.log.Info("quit requested")
		if s.onQuit != nil {
			s.onQuit()
		}
	case CmdInvalid:
		err := cmd.Err
		if err == nil {
			err = errors.New("invalid input")
		}
		s.reject(p, cmd, err)
	default:
		s.reject(p, cmd, errors.New("unknown command"))
	}
}

func (s *Service) reject(p Presenter, cmd Command, err error) {
	s.log.Debug("command rejected", logx.String("cmd", cmd.Kind.String()), logx.Err(err))
	p.Rejected(err)
}
