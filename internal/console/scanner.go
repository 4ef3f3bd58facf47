// Package console speaks the operator text protocol on a byte stream:
//
//	+ <n> <w1> .. <wn> <delay>   submit a job of n words, due delay seconds from now
//	-                            cancel the earliest pending job
//	p                            print the pending jobs
//	r <id>                       cancel the pending job with this id
//	h [n]                        print the last n runs (default 10)
//	q                            shut the scheduler down
//
// Tokens are whitespace separated. Several commands may share a line, but a
// command never continues onto the next one: a submit cut short by the end
// of its line is rejected. After any rejected command the rest of its line
// is discarded, so the words of a bad submit are never read as commands.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"batchd/internal/job"
	"batchd/internal/submission"
)

type Scanner struct {
	sc *bufio.Scanner
	// unread tokens of the current line
	line []string
}

func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	return &Scanner{sc: sc}
}

// Scan parses commands into out until EOF, a read error, or ctx is done.
// out is always closed on return. A read blocked on the underlying reader is
// not interrupted by ctx.
func (s *Scanner) Scan(ctx context.Context, out chan<- submission.Command) error {
	defer close(out)
	for {
		cmd, ok := s.next()
		if !ok {
			return s.sc.Err()
		}
		select {
		case out <- cmd:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// fill moves to the next non-blank line when the current one is used up.
func (s *Scanner) fill() bool {
	for len(s.line) == 0 {
		if !s.sc.Scan() {
			return false
		}
		s.line = strings.Fields(s.sc.Text())
	}
	return true
}

// word takes the next token of the current line only.
func (s *Scanner) word() (string, bool) {
	if len(s.line) == 0 {
		return "", false
	}
	w := s.line[0]
	s.line = s.line[1:]
	return w, true
}

// next returns the next command. ok is false only at end of input.
func (s *Scanner) next() (submission.Command, bool) {
	if !s.fill() {
		return submission.Command{}, false
	}
	cmd := s.parse()
	if cmd.Kind == submission.CmdInvalid {
		s.line = nil
	}
	return cmd, true
}

func (s *Scanner) parse() submission.Command {
	tok, _ := s.word()
	switch tok {
	case "+":
		return s.submit()
	case "-":
		return submission.Command{Kind: submission.CmdCancel}
	case "p":
		return submission.Command{Kind: submission.CmdList}
	case "q":
		return submission.Command{Kind: submission.CmdQuit}
	case "r":
		id, ok := s.word()
		if !ok {
			return invalid("r: missing job id")
		}
		return submission.Command{Kind: submission.CmdRemove, ID: id}
	case "h":
		return s.history()
	default:
		return invalid("unknown command %q", tok)
	}
}

func (s *Scanner) submit() submission.Command {
	countTok, ok := s.word()
	if !ok {
		return invalid("+: missing word count")
	}
	n, err := strconv.Atoi(countTok)
	if err != nil || n < 1 || n > job.MaxCommandTokens {
		return invalid("+: word count %q must be 1..%d", countTok, job.MaxCommandTokens)
	}

	words := make([]string, 0, n)
	for len(words) < n {
		w, ok := s.word()
		if !ok {
			return invalid("+: expected %d words on the line, got %d", n, len(words))
		}
		words = append(words, w)
	}

	delayTok, ok := s.word()
	if !ok {
		return invalid("+: missing delay")
	}
	delay, err := strconv.Atoi(delayTok)
	if err != nil {
		return invalid("+: delay %q is not an integer", delayTok)
	}

	req := job.Request{Command: words, Delay: delay}
	if err := req.Validate(); err != nil {
		return submission.Command{Kind: submission.CmdInvalid, Err: err}
	}
	return submission.Command{Kind: submission.CmdSubmit, Request: req}
}

// history takes an optional count. A following token that is not a number
// is left for the next command, so "h p" is history then list.
func (s *Scanner) history() submission.Command {
	cmd := submission.Command{Kind: submission.CmdHistory}
	if len(s.line) == 0 {
		return cmd
	}
	n, err := strconv.Atoi(s.line[0])
	if err != nil {
		return cmd
	}
	s.line = s.line[1:]
	if n < 1 {
		return invalid("h: count %d must be >= 1", n)
	}
	cmd.Limit = n
	return cmd
}

func invalid(format string, args ...any) submission.Command {
	return submission.Command{
		Kind: submission.CmdInvalid,
		Err:  fmt.Errorf("%w: "+format, append([]any{job.ErrInvalidRequest}, args...)...),
	}
}
