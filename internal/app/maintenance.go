package app

import (
	"context"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"batchd/internal/config"
	"batchd/internal/dispatch"
	"batchd/internal/launcher"
	"batchd/internal/queue"
	"batchd/internal/runtime/supervisor"
	"batchd/internal/storage"
	logx "batchd/pkg/logx"
)

const pruneTimeout = time.Minute

type maintenanceDeps struct {
	log       logx.Logger
	store     storage.Store // nil disables history.prune
	retention time.Duration // 0 disables history.prune
	queue     *queue.Queue
	launcher  *launcher.Launcher
	loop      *dispatch.Loop
	launches  *supervisor.Supervisor
	now       func() time.Time
}

// maintenance runs housekeeping on cron schedules. Jobs never overlap
// themselves; a run still going when the next one fires is skipped.
type maintenance struct {
	c   *cron.Cron
	d   maintenanceDeps
	ids map[string]cron.EntryID
}

func newMaintenance(cfg config.MaintenanceConfig, d maintenanceDeps) (*maintenance, error) {
	if d.log.IsZero() {
		d.log = logx.Nop()
	}
	if d.now == nil {
		d.now = time.Now
	}
	m := &maintenance{
		c: cron.New(
			cron.WithParser(config.CronParser()),
			cron.WithLocation(time.Local),
			cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
		),
		d:   d,
		ids: map[string]cron.EntryID{},
	}
	if d.store != nil && d.retention > 0 {
		if err := m.add("history.prune", cfg.PruneSchedule, m.prune); err != nil {
			return nil, err
		}
	}
	if err := m.add("queue.stats", cfg.StatsSchedule, m.stats); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *maintenance) add(name, spec string, fn func()) error {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil
	}
	id, err := m.c.AddJob(spec, cron.FuncJob(fn))
	if err != nil {
		return err
	}
	m.ids[name] = id
	m.d.log.Debug("maintenance job scheduled", logx.String("name", name), logx.String("spec", spec))
	return nil
}

func (m *maintenance) Start() {
	if len(m.ids) == 0 {
		return
	}
	m.c.Start()
}

// Stop waits for a running job to finish, bounded by ctx.
func (m *maintenance) Stop(ctx context.Context) error {
	select {
	case <-m.c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *maintenance) prune() {
	ctx, cancel := context.WithTimeout(context.Background(), pruneTimeout)
	defer cancel()
	before := m.d.now().Add(-m.d.retention)
	n, err := m.d.store.Prune(ctx, before)
	if err != nil {
		m.d.log.Warn("history prune failed", logx.Err(err))
		return
	}
	if n > 0 {
		m.d.log.Info("history pruned", logx.Int("removed", n), logx.Time("before", before))
	}
}

func (m *maintenance) stats() {
	fields := []logx.Field{logx.Int("pending", m.d.queue.Len())}
	if m.d.launcher != nil {
		ls := m.d.launcher.Stats()
		fields = append(fields,
			logx.Int("in_flight", ls.InFlight),
			logx.Uint64("launched", ls.Launched),
			logx.Uint64("failed", ls.Failed),
		)
	}
	if m.d.loop != nil {
		ds := m.d.loop.Stats()
		fields = append(fields, logx.Uint64("dispatched", ds.Dispatched), logx.Uint64("cycles", ds.Cycles))
	}
	if m.d.launches != nil {
		sc := m.d.launches.Counters()
		fields = append(fields, logx.Uint64("launch_panics", sc.Panics))
	}
	m.d.log.Info("queue stats", fields...)
}
