// Package notify forwards failed job runs to an operator chat.
//
// Observe never blocks the launch goroutine: messages go through a bounded
// queue drained by Run, and are dropped when the queue is full or the rate
// limit is exceeded.
package notify

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"batchd/internal/launcher"
	logx "batchd/pkg/logx"
)

const sendTimeout = 10 * time.Second

// Sender delivers one plain-text message.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type Config struct {
	RatePerSec float64 // <=0 means 1
	QueueSize  int     // <=0 means 64
}

type Notifier struct {
	sender Sender
	log    logx.Logger
	queue  chan string

	mu      sync.Mutex
	limiter *rate.Limiter

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func New(cfg Config, sender Sender, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	n := &Notifier{
		sender: sender,
		log:    log,
		queue:  make(chan string, cfg.QueueSize),
	}
	n.SetRate(cfg.RatePerSec)
	return n
}

// SetRate changes the send rate; burst follows the rate so short spikes pass.
func (n *Notifier) SetRate(perSec float64) {
	if perSec <= 0 {
		perSec = 1
	}
	burst := int(perSec)
	if burst < 1 {
		burst = 1
	}
	n.mu.Lock()
	n.limiter = rate.NewLimiter(rate.Limit(perSec), burst)
	n.mu.Unlock()
}

// Observe implements launcher.Observer. Successful runs are ignored.
func (n *Notifier) Observe(o launcher.Outcome) {
	if !o.Failed() {
		return
	}
	select {
	case n.queue <- FormatFailure(o):
	default:
		n.dropped.Add(1)
		n.log.Debug("failure notification dropped (queue full)", logx.String("job", o.JobID))
	}
}

// Run sends queued messages until ctx is done.
func (n *Notifier) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-n.queue:
			n.mu.Lock()
			lim := n.limiter
			n.mu.Unlock()
			if !lim.Allow() {
				n.dropped.Add(1)
				n.log.Debug("failure notification dropped (rate limited)")
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, sendTimeout)
			err := n.sender.Send(sctx, msg)
			cancel()
			if err != nil {
				n.log.Warn("failure notification send failed", logx.Err(err))
				continue
			}
			n.sent.Add(1)
		}
	}
}

// Counts returns how many messages were sent and dropped.
func (n *Notifier) Counts() (sent, dropped uint64) {
	return n.sent.Load(), n.dropped.Load()
}

// FormatFailure renders a failed outcome as a short plain-text message.
func FormatFailure(o launcher.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "batchd: job %s\n", strings.ReplaceAll(string(o.Kind), "_", " "))
	fmt.Fprintf(&b, "cmd: %s\n", strings.Join(o.Command, " "))
	fmt.Fprintf(&b, "id: %s\n", o.JobID)
	if !o.DueTime.IsZero() {
		fmt.Fprintf(&b, "due: %s\n", o.DueTime.Format(time.RFC3339))
	}
	if o.Kind == launcher.OutcomeAbnormalExit {
		fmt.Fprintf(&b, "exit code: %d\n", o.ExitCode)
	}
	if o.Err != nil {
		fmt.Fprintf(&b, "error: %v\n", o.Err)
	}
	return strings.TrimRight(b.String(), "\n")
}
